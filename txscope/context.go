package txscope

import "context"

type boundaryKey struct{}

type frameKey struct{}

func withBoundary(ctx context.Context, b *Boundary) context.Context {
	return context.WithValue(ctx, boundaryKey{}, b)
}

func withFrame(ctx context.Context, f *Frame) context.Context {
	return context.WithValue(ctx, frameKey{}, f)
}

// BoundaryFrom returns the innermost boundary that has not been ended in
// ctx, or nil.
func BoundaryFrom(ctx context.Context) *Boundary {
	if ctx == nil {
		return nil
	}
	b, _ := ctx.Value(boundaryKey{}).(*Boundary)
	for b != nil && b.ended() {
		b = b.enclosing()
	}
	return b
}

// FrameFrom returns the innermost frame that has not been exited in ctx, or
// nil.
func FrameFrom(ctx context.Context) *Frame {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(frameKey{}).(*Frame)
	for f != nil && f.isExited() {
		f = f.parent
	}
	return f
}

// IsTransactionActive reports whether a logical transaction boundary is
// ambient in ctx.
func IsTransactionActive(ctx context.Context) bool {
	return BoundaryFrom(ctx) != nil
}

// Detach returns a context carrying ctx's values and deadline but no ambient
// boundary or frame. Use it before handing ctx to another goroutine, which
// must not share this goroutine's connection.
func Detach(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, boundaryKey{}, (*Boundary)(nil))
	return context.WithValue(ctx, frameKey{}, (*Frame)(nil))
}

func ambientChain(ctx context.Context) *chain {
	if b := BoundaryFrom(ctx); b != nil {
		return b.chain
	}
	return nil
}
