package api

import (
	"context"
	"errors"
	"sync"
	"time"
)

// refreshTimeout bounds the single shared refresh call.
const refreshTimeout = 10 * time.Second

var errRefreshAborted = errors.New("token refresh aborted")

type refreshResult struct {
	token string
	err   error
}

// pendingRequest is a caller waiting on the in-flight refresh.
type pendingRequest struct {
	result chan refreshResult
}

// Coordinator makes sure at most one token refresh is in flight. Callers that
// arrive while a refresh is running wait for it and share its outcome.
type Coordinator struct {
	mu         sync.Mutex
	refreshing bool
	queue      []pendingRequest
	calls      int

	refresh func(ctx context.Context) (string, error)
	onStart func()
	onDone  func(err error)
}

// NewCoordinator returns a Coordinator that obtains tokens with refresh.
func NewCoordinator(refresh func(ctx context.Context) (string, error)) *Coordinator {
	return &Coordinator{refresh: refresh}
}

// Observe registers callbacks around each shared refresh call. Either may be
// nil.
func (c *Coordinator) Observe(onStart func(), onDone func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStart = onStart
	c.onDone = onDone
}

// Refresh returns a fresh token, issuing the refresh call only if none is in
// flight. The shared call runs detached from ctx so one caller giving up does
// not fail the others; ctx only bounds how long this caller waits.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.refreshing {
		p := pendingRequest{result: make(chan refreshResult, 1)}
		c.queue = append(c.queue, p)
		c.mu.Unlock()

		select {
		case r := <-p.result:
			return r.token, r.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c.refreshing = true
	c.calls++
	onStart, onDone := c.onStart, c.onDone
	c.mu.Unlock()

	if onStart != nil {
		onStart()
	}

	settled := false
	defer func() {
		// Only reached unsettled when refresh panicked.
		if !settled {
			c.settle(refreshResult{err: errRefreshAborted})
		}
	}()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()
	token, err := c.refresh(rctx)

	settled = true
	c.settle(refreshResult{token: token, err: err})
	if onDone != nil {
		onDone(err)
	}
	return token, err
}

// settle clears the in-flight flag and hands the result to every waiter in
// the order they queued.
func (c *Coordinator) settle(r refreshResult) {
	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.refreshing = false
	c.mu.Unlock()

	for _, p := range queue {
		p.result <- r
	}
}

// Calls returns how many refresh calls have been issued.
func (c *Coordinator) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *Coordinator) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
