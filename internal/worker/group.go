// Package worker runs the long-lived loops of the serve process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Group is an errgroup whose workers are restarted after a panic.
// A worker returning an error still cancels its siblings.
type Group struct {
	eg     *errgroup.Group
	ctx    context.Context
	parent context.Context
	sleep  func(time.Duration)
}

// NewGroup derives the shared worker context from parent.
func NewGroup(parent context.Context) *Group {
	if parent == nil {
		parent = context.Background()
	}
	eg, ctx := errgroup.WithContext(parent)
	return &Group{eg: eg, ctx: ctx, parent: parent, sleep: time.Sleep}
}

// Context is canceled when the parent ends or any worker fails.
func (g *Group) Context() context.Context { return g.ctx }

// Go starts fn under name. Panics are printed to stderr, since the logger
// itself may be what panicked, and fn is started again after a backoff.
func (g *Group) Go(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	g.eg.Go(func() error {
		backoff := initialBackoff
		for {
			if g.ctx.Err() != nil {
				return nil
			}
			recovered, err := runRecovered(g.ctx, fn)
			if recovered == nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())

			jitter := time.Duration(time.Now().UnixNano() % int64(backoff/2+1))
			g.sleep(backoff + jitter)
			backoff = min(backoff*2, maxBackoff)
		}
	})
}

func runRecovered(ctx context.Context, fn func(context.Context) error) (recovered any, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
		}
	}()
	return nil, fn(ctx)
}

// Wait blocks until every worker returns. Once the parent context ends it
// waits at most grace more and then returns the parent's error.
func (g *Group) Wait(grace time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- g.eg.Wait() }()

	select {
	case err := <-done:
		return g.normalize(err)
	case <-g.parent.Done():
	}
	if grace <= 0 {
		return g.parent.Err()
	}
	select {
	case err := <-done:
		return g.normalize(err)
	case <-time.After(grace):
		return g.parent.Err()
	}
}

// normalize reports a plain shutdown as the parent's error.
func (g *Group) normalize(err error) error {
	if err == nil {
		return nil
	}
	if g.parent.Err() != nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return g.parent.Err()
	}
	return err
}
