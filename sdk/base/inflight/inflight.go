package inflight

import (
	"context"
	"net/http"
	"sync"
)

// Counter tracks work that a drain waits for.
type Counter struct {
	mu     sync.Mutex
	count  int64
	zeroCh chan struct{}
}

// zeroLocked returns the channel closed when the count reaches zero.
func (c *Counter) zeroLocked() chan struct{} {
	if c.zeroCh == nil {
		c.zeroCh = make(chan struct{})
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
	return c.zeroCh
}

// Inc adds one unit of in-flight work.
func (c *Counter) Inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zeroLocked()
	if c.count == 0 {
		c.zeroCh = make(chan struct{})
	}
	c.count++
}

// Dec removes one unit of in-flight work.
func (c *Counter) Dec() {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.zeroLocked()
	if c.count == 0 {
		return
	}
	c.count--
	if c.count == 0 {
		close(ch)
	}
}

// Load returns the current count.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// WaitForZero blocks until the count is zero or ctx is done.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	ch := c.zeroLocked()
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Middleware counts a request for its whole duration.
func (c *Counter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.Inc()
			defer c.Dec()
			next.ServeHTTP(w, r)
		})
	}
}

var broadcasts Counter

// Broadcasts returns the shared counter of HTTP-triggered broadcasts.
func Broadcasts() *Counter { return &broadcasts }
