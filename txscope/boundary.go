package txscope

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is the lifecycle position of a single boundary.
type State int

const (
	// StateActive is a boundary that has begun and not yet ended.
	StateActive State = iota
	// StateCompletedPending is an ended, completed boundary awaiting its root.
	StateCompletedPending
	// StateAbortedPending is an ended boundary that was never marked complete.
	StateAbortedPending
	// StateResolved means the root has committed or rolled back the chain.
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCompletedPending:
		return "completed_pending"
	case StateAbortedPending:
		return "aborted_pending"
	case StateResolved:
		return "resolved"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is how a boundary chain was resolved by its root.
type Outcome int

const (
	// OutcomePending is reported until the root boundary ends.
	OutcomePending Outcome = iota
	// OutcomeCommitted means every enlisted connection committed.
	OutcomeCommitted
	// OutcomeRolledBack means every enlisted connection rolled back.
	OutcomeRolledBack
	// OutcomeIndeterminate means a commit or rollback failed part way.
	OutcomeIndeterminate
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeCommitted:
		return "committed"
	case OutcomeRolledBack:
		return "rolled_back"
	case OutcomeIndeterminate:
		return "indeterminate"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// chain is the state shared by a root boundary and every boundary nested in
// it: the LIFO stack, the enlisted connections and the abort flag.
type chain struct {
	mu       sync.Mutex
	id       uuid.UUID
	opts     TxOptions
	stack    []*Boundary
	members  []*Boundary
	enlisted []*Handle
	scopes   []*frameStack
	aborted  bool
	outcome  Outcome
	span     trace.Span
	start    time.Time
}

// bindScope records a frame stack opened inside the chain so resolve can
// unbind it.
func (ch *chain) bindScope(st *frameStack) {
	ch.mu.Lock()
	ch.scopes = append(ch.scopes, st)
	ch.mu.Unlock()
}

// Boundary is one logical transaction boundary. Nested boundaries are
// advisory: only the root's End commits or rolls back, and it commits only if
// every boundary in the chain was marked complete.
type Boundary struct {
	id     uuid.UUID
	parent *Boundary
	// outer is the boundary that was ambient when an independent root began.
	outer    *Boundary
	chain    *chain
	depth    int
	children atomic.Int32

	// guarded by chain.mu
	completed bool
	state     State
}

// ID returns the unique identifier of the boundary.
func (b *Boundary) ID() uuid.UUID { return b.id }

// Parent returns the enclosing boundary of the same chain, or nil for a root.
func (b *Boundary) Parent() *Boundary { return b.parent }

// Root reports whether b decides the outcome of its chain.
func (b *Boundary) Root() bool { return b.parent == nil }

// Depth is 1 for a root boundary.
func (b *Boundary) Depth() int { return b.depth }

// Independent reports whether b is a root that began while another
// boundary was ambient.
func (b *Boundary) Independent() bool { return b.parent == nil && b.outer != nil }

// MarkComplete records that the work inside b succeeded. It does not commit
// anything by itself.
func (b *Boundary) MarkComplete() {
	b.chain.mu.Lock()
	defer b.chain.mu.Unlock()
	if b.state == StateActive {
		b.completed = true
	}
}

// Completed reports whether MarkComplete was called while b was active.
func (b *Boundary) Completed() bool {
	b.chain.mu.Lock()
	defer b.chain.mu.Unlock()
	return b.completed
}

// State returns the lifecycle state of b.
func (b *Boundary) State() State {
	b.chain.mu.Lock()
	defer b.chain.mu.Unlock()
	return b.state
}

// Outcome returns the resolution of b's chain, OutcomePending until the root
// has ended.
func (b *Boundary) Outcome() Outcome {
	b.chain.mu.Lock()
	defer b.chain.mu.Unlock()
	return b.chain.outcome
}

func (b *Boundary) ended() bool {
	b.chain.mu.Lock()
	defer b.chain.mu.Unlock()
	return b.state != StateActive
}

func (b *Boundary) enclosing() *Boundary {
	if b.parent != nil {
		return b.parent
	}
	return b.outer
}

// BeginOption customises Begin.
type BeginOption func(*beginOptions)

type beginOptions struct {
	independent bool
	tx          TxOptions
}

// Independent starts a new root chain even when a boundary is ambient. Its
// outcome does not depend on the enclosing chain and it never shares the
// enclosing chain's connection.
func Independent() BeginOption {
	return func(o *beginOptions) { o.independent = true }
}

// WithTxOptions overrides the transaction options of a root boundary. It is
// ignored for nested boundaries.
func WithTxOptions(opts TxOptions) BeginOption {
	return func(o *beginOptions) { o.tx = mergeTxOptions(o.tx, opts) }
}

// Begin starts a boundary. When one is ambient in ctx the new boundary nests
// in it, otherwise it is the root of a new chain. The returned context
// carries the boundary and must be used for work inside it.
func (m *Manager) Begin(ctx context.Context, opts ...BeginOption) (context.Context, *Boundary) {
	if ctx == nil {
		ctx = context.Background()
	}
	var bo beginOptions
	for _, opt := range opts {
		opt(&bo)
	}

	ambient := BoundaryFrom(ctx)
	if ambient != nil && !bo.independent {
		ch := ambient.chain
		b := &Boundary{id: uuid.New(), parent: ambient, chain: ch, depth: ambient.depth + 1}
		ch.mu.Lock()
		ch.stack = append(ch.stack, b)
		ch.members = append(ch.members, b)
		ch.mu.Unlock()
		ambient.children.Add(1)
		m.helper.Debugf("txscope: begin nested boundary=%s root=%s depth=%d", b.id, ch.id, b.depth)
		return withBoundary(ctx, b), b
	}

	txOpts := mergeTxOptions(m.presets.Default, bo.tx)
	b := &Boundary{id: uuid.New(), outer: ambient, depth: 1}
	ch := &chain{id: b.id, opts: txOpts, start: m.opts.clock()}
	ch.stack = []*Boundary{b}
	ch.members = []*Boundary{b}
	b.chain = ch
	if ambient != nil {
		ambient.children.Add(1)
	}

	spanName := txOpts.TraceName
	if spanName == "" {
		spanName = "db.tx." + string(txOpts.AccessMode)
	}
	ctx, span := m.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("db.tx.boundary_id", b.id.String()),
		attribute.String("db.tx.isolation", string(txOpts.Isolation)),
		attribute.Bool("db.tx.independent", ambient != nil),
	)
	ch.span = span
	m.metrics.recordBegin(ctx, txOpts.Isolation)
	m.helper.Debugf("txscope: begin root boundary=%s isolation=%s independent=%t", b.id, txOpts.Isolation, ambient != nil)
	return withBoundary(ctx, b), b
}

// End pops b. b must be the innermost live boundary of its execution
// context; otherwise a ScopeOrderError is returned and nothing changes.
// Ending a nested boundary has no physical effect. Ending the root commits
// every enlisted connection when all boundaries of the chain were marked
// complete and rolls them back otherwise; failures are returned as
// CommitError and are never retried.
func (m *Manager) End(ctx context.Context, b *Boundary) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if b == nil {
		return &ScopeOrderError{Kind: "boundary", Reason: "nil boundary"}
	}

	ch := b.chain
	ch.mu.Lock()
	if b.state != StateActive {
		ch.mu.Unlock()
		return &ScopeOrderError{Kind: "boundary", Reason: fmt.Sprintf("boundary %s already ended", b.id)}
	}
	if n := b.children.Load(); n > 0 {
		ch.mu.Unlock()
		return &ScopeOrderError{Kind: "boundary", Reason: fmt.Sprintf("boundary %s still encloses %d active boundaries", b.id, n)}
	}
	if top := ch.stack[len(ch.stack)-1]; top != b {
		ch.mu.Unlock()
		return &ScopeOrderError{Kind: "boundary", Reason: fmt.Sprintf("boundary %s ended before %s", b.id, top.id)}
	}
	ch.stack = ch.stack[:len(ch.stack)-1]
	if b.completed {
		b.state = StateCompletedPending
	} else {
		b.state = StateAbortedPending
		ch.aborted = true
	}
	root := b.parent == nil
	commit := !ch.aborted
	var handles []*Handle
	if root {
		handles = ch.enlisted
		ch.enlisted = nil
	}
	ch.mu.Unlock()

	if enclosing := b.enclosing(); enclosing != nil {
		enclosing.children.Add(-1)
	}
	if !root {
		m.helper.Debugf("txscope: end nested boundary=%s root=%s completed=%t", b.id, ch.id, commit)
		return nil
	}
	return m.resolve(ctx, ch, commit, handles)
}

func (m *Manager) resolve(ctx context.Context, ch *chain, commit bool, handles []*Handle) error {
	outcome := OutcomeRolledBack
	if commit {
		outcome = OutcomeCommitted
	}

	var errs []error
	failed := false
	for _, h := range handles {
		tx := h.detach()
		if tx == nil {
			continue
		}
		if commit && !failed {
			if err := tx.Commit(ctx); err != nil {
				failed = true
				outcome = OutcomeIndeterminate
				errs = append(errs, newCommitError(ch.id, "commit", err))
			}
			continue
		}
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
			outcome = OutcomeIndeterminate
			errs = append(errs, newCommitError(ch.id, "rollback", err))
		}
	}
	for _, h := range handles {
		if err := h.release(ctx); err != nil {
			errs = append(errs, fmt.Errorf("txscope: close connection: %w", err))
		}
	}

	ch.mu.Lock()
	ch.outcome = outcome
	for _, member := range ch.members {
		member.state = StateResolved
	}
	scopes := ch.scopes
	ch.scopes = nil
	ch.mu.Unlock()
	for _, st := range scopes {
		st.chain.CompareAndSwap(ch, nil)
	}

	err := errors.Join(errs...)
	m.metrics.recordResolve(ctx, ch.opts.Isolation, outcome, err, m.elapsedSince(ch.start))
	ch.span.SetAttributes(
		attribute.String("db.tx.outcome", outcome.String()),
		attribute.Int("db.tx.connections", len(handles)),
	)
	if err != nil {
		var commitErr *CommitError
		if errors.As(err, &commitErr) && commitErr.SQLState != "" {
			ch.span.SetAttributes(attribute.String("db.sql_state", commitErr.SQLState))
		}
		ch.span.RecordError(err)
		ch.span.SetStatus(codes.Error, outcome.String())
		m.helper.Errorf("txscope: resolve failed boundary=%s outcome=%s err=%v", ch.id, outcome, err)
	} else {
		ch.span.SetStatus(codes.Ok, outcome.String())
		m.helper.Debugf("txscope: resolved boundary=%s outcome=%s connections=%d", ch.id, outcome, len(handles))
	}
	ch.span.End()
	return err
}
