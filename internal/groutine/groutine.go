package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts fn in a goroutine labelled with name for pprof and stores the name in its context.
// If parentCtx is nil, context.Background() is used.
//
//	groutine.Go(ctx, "console-reader", func(ctx context.Context) {
//	    // work
//	})
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Group runs named goroutines that share a context. The first goroutine to return an error
// cancels the others; Wait reports that error.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	once sync.Once
	err  error
	name string
}

// NewGroup creates a group whose goroutines stop when parent is done.
func NewGroup(parent context.Context) *Group {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

// Context returns the context shared by the group's goroutines.
func (g *Group) Context() context.Context { return g.ctx }

// Go starts fn as a named goroutine of the group.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	Go(g.ctx, name, func(ctx context.Context) {
		defer g.wg.Done()
		if err := fn(ctx); err != nil {
			g.once.Do(func() {
				g.err = err
				g.name = name
				g.cancel()
			})
		}
	})
}

// Stop cancels the group's context without waiting.
func (g *Group) Stop() { g.cancel() }

// Wait blocks until every goroutine returned and reports the first error along with the
// name of the goroutine that produced it.
func (g *Group) Wait() (string, error) {
	g.wg.Wait()
	g.cancel()
	return g.name, g.err
}
