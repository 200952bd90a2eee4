// Package singleflight runs at most one in-flight operation per key and hands
// its outcome to every caller that arrives while it is running.
package singleflight

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultWaitCeiling bounds how long a follower waits on someone else's work.
const DefaultWaitCeiling = 10 * time.Second

// ErrWaitTimeout is returned to a follower whose wait ceiling elapsed before
// the leader finished. The leader keeps running.
var ErrWaitTimeout = errors.New("singleflight: timed out waiting for in-flight operation")

// Role tells a caller whether it executed the work or joined another caller.
type Role int

const (
	Leader Role = iota
	Follower
)

func (r Role) String() string {
	if r == Leader {
		return "leader"
	}
	return "follower"
}

// pending is one in-flight unit of work. done is closed once val/err are set.
type pending[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Group deduplicates concurrent work per key. The zero value is not usable;
// call New.
type Group[T any] struct {
	mu      sync.Mutex
	calls   map[string]*pending[T]
	ceiling time.Duration
}

// Option configures a Group.
type Option func(*options)

type options struct {
	ceiling time.Duration
}

// WithWaitCeiling overrides DefaultWaitCeiling. Non-positive values are ignored.
func WithWaitCeiling(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ceiling = d
		}
	}
}

// New creates an empty Group.
func New[T any](opts ...Option) *Group[T] {
	o := options{ceiling: DefaultWaitCeiling}
	for _, opt := range opts {
		opt(&o)
	}
	return &Group[T]{
		calls:   make(map[string]*pending[T]),
		ceiling: o.ceiling,
	}
}

// Do runs work for key unless an operation for key is already in flight, in
// which case it waits for that operation's outcome instead.
//
// The leader runs work on the calling goroutine and always receives its
// result. A follower waits at most the configured ceiling (or until ctx is
// done) and then gets ErrWaitTimeout or ctx.Err(); it never cancels the leader.
// The entry for key is removed as soon as work returns, so the next call
// starts fresh work.
func (g *Group[T]) Do(
	ctx context.Context,
	key string,
	work func(context.Context) (T, error),
) (T, Role, error) {
	g.mu.Lock()
	if p, ok := g.calls[key]; ok {
		g.mu.Unlock()
		v, err := g.wait(ctx, p)
		return v, Follower, err
	}
	p := &pending[T]{done: make(chan struct{})}
	g.calls[key] = p
	g.mu.Unlock()

	g.run(ctx, key, p, work)
	return p.val, Leader, p.err
}

// InFlight reports whether an operation for key is currently running.
func (g *Group[T]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.calls[key]
	return ok
}

// Forget drops every pending entry. Operations already running finish and
// notify their current followers, but new callers start fresh work.
func (g *Group[T]) Forget() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = make(map[string]*pending[T])
}

func (g *Group[T]) run(
	ctx context.Context,
	key string,
	p *pending[T],
	work func(context.Context) (T, error),
) {
	defer func() {
		if r := recover(); r != nil {
			p.err = &PanicError{Value: r}
		}
		g.mu.Lock()
		if g.calls[key] == p {
			delete(g.calls, key)
		}
		g.mu.Unlock()
		close(p.done)
	}()
	p.val, p.err = work(ctx)
}

func (g *Group[T]) wait(ctx context.Context, p *pending[T]) (T, error) {
	timer := time.NewTimer(g.ceiling)
	defer timer.Stop()

	var zero T
	select {
	case <-p.done:
		return p.val, p.err
	case <-timer.C:
		return zero, ErrWaitTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// PanicError carries a panic raised by work so followers see a failure
// instead of hanging.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "singleflight: work panicked"
}
