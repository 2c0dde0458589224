package txscope

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// frameStack is the LIFO of frames sharing one handle. All frames of a stack
// belong to the same boundary chain, or to none. The chain is cleared when it
// resolves, so frames that outlive it keep sharing the handle unenlisted.
type frameStack struct {
	mu     sync.Mutex
	handle *Handle
	chain  atomic.Pointer[chain]
	frames []*Frame
}

// Frame is one level of a shared connection scope. The outermost frame of a
// stack opened the connection; inner frames hold a reference to it.
type Frame struct {
	stack    *frameStack
	parent   *Frame
	depth    int
	children atomic.Int32
	exited   atomic.Bool
}

// Depth is 1 for the frame that opened the connection.
func (f *Frame) Depth() int { return f.depth }

// Handle returns the shared connection.
func (f *Frame) Handle() *Handle { return f.stack.handle }

// Exit is shorthand for ExitScope.
func (f *Frame) Exit(ctx context.Context) error {
	return f.stack.handle.mgr.ExitScope(ctx, f)
}

func (f *Frame) isExited() bool { return f.exited.Load() }

func (f *Frame) liveParent() *Frame {
	p := f.parent
	for p != nil && p.isExited() {
		p = p.parent
	}
	return p
}

// frameFor returns the innermost live frame of ctx bound to ch.
func frameFor(ctx context.Context, ch *chain) *Frame {
	for f := FrameFrom(ctx); f != nil; f = f.liveParent() {
		if f.stack.chain.Load() == ch {
			return f
		}
	}
	return nil
}

// CurrentConnection returns the shared connection for ctx, or nil when no
// scope bound to the ambient boundary chain is active. Callers that get nil
// open and close their own connection (see Manager.WithConn).
func CurrentConnection(ctx context.Context) *Handle {
	if ctx == nil {
		return nil
	}
	if f := frameFor(ctx, ambientChain(ctx)); f != nil {
		return f.stack.handle
	}
	return nil
}

// CurrentConnection is the method form of the package-level function.
func (m *Manager) CurrentConnection(ctx context.Context) *Handle {
	return CurrentConnection(ctx)
}

// EnterScope starts a shared connection scope. Inside an active scope of the
// same boundary chain it shares that scope's connection and never fails;
// otherwise it opens a connection, enlists it in the ambient boundary if
// any, and returns a ConnectionError when the driver cannot open one.
//
// Every successful EnterScope must be paired with ExitScope on the returned
// frame; prefer Scope, which guarantees it.
func (m *Manager) EnterScope(ctx context.Context) (context.Context, *Frame, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ch := ambientChain(ctx)
	parent := FrameFrom(ctx)

	if outer := frameFor(ctx, ch); outer != nil {
		st := outer.stack
		st.mu.Lock()
		f := &Frame{stack: st, parent: parent, depth: len(st.frames) + 1}
		st.frames = append(st.frames, f)
		st.mu.Unlock()
		st.handle.retain()
		if parent != nil {
			parent.children.Add(1)
		}
		return withFrame(ctx, f), f, nil
	}

	h, err := m.open(ctx, true)
	if err != nil {
		return ctx, nil, err
	}
	if ch != nil {
		if err := m.enlist(ctx, ch, h); err != nil {
			return ctx, nil, errors.Join(err, h.release(ctx))
		}
	}
	st := &frameStack{handle: h}
	f := &Frame{stack: st, parent: parent, depth: 1}
	st.frames = []*Frame{f}
	if ch != nil {
		st.chain.Store(ch)
		ch.bindScope(st)
	}
	if parent != nil {
		parent.children.Add(1)
	}
	m.helper.Debugf("txscope: scope opened connection enlisted=%t", ch != nil)
	return withFrame(ctx, f), f, nil
}

// ExitScope ends f. f must be the innermost live frame of its execution
// context; otherwise a ScopeOrderError is returned and nothing changes. The
// connection is closed when no frame and no unresolved boundary references
// it any more.
func (m *Manager) ExitScope(ctx context.Context, f *Frame) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if f == nil {
		return &ScopeOrderError{Kind: "scope", Reason: "nil frame"}
	}

	st := f.stack
	st.mu.Lock()
	if f.isExited() {
		st.mu.Unlock()
		return &ScopeOrderError{Kind: "scope", Reason: fmt.Sprintf("frame at depth %d already exited", f.depth)}
	}
	if n := f.children.Load(); n > 0 {
		st.mu.Unlock()
		return &ScopeOrderError{Kind: "scope", Reason: fmt.Sprintf("frame at depth %d still encloses %d active frames", f.depth, n)}
	}
	if top := st.frames[len(st.frames)-1]; top != f {
		st.mu.Unlock()
		return &ScopeOrderError{Kind: "scope", Reason: fmt.Sprintf("frame at depth %d exited before depth %d", f.depth, top.depth)}
	}
	st.frames = st.frames[:len(st.frames)-1]
	f.exited.Store(true)
	st.mu.Unlock()

	if f.parent != nil {
		f.parent.children.Add(-1)
	}
	return st.handle.release(ctx)
}

// Scope runs fn inside a shared connection scope. The frame is exited on
// every return path, including a panic in fn.
func (m *Manager) Scope(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	scopeCtx, f, err := m.EnterScope(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if exitErr := m.ExitScope(scopeCtx, f); exitErr != nil {
			err = errors.Join(err, exitErr)
		}
	}()
	return fn(scopeCtx)
}
