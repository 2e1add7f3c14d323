// Package testutil provides in-memory fakes for exercising the connection
// pool and the layers above it without a database server.
package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrFakeBroken is returned by Ping on a broken or closed FakeConn.
var ErrFakeBroken = errors.New("testutil: fake connection is broken")

// FakeConn is an in-memory connection. It records how often it was closed
// and can be broken on demand so validators reject it.
type FakeConn struct {
	id int64

	mu         sync.Mutex
	closed     bool
	broken     bool
	closeCount int
	closedAt   time.Time
}

// NewFakeConn returns an open connection with the given id.
func NewFakeConn(id int64) *FakeConn {
	return &FakeConn{id: id}
}

// ID returns the connection number assigned by its factory.
func (c *FakeConn) ID() int64 {
	return c.id
}

// Close marks the connection closed.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCount++
	c.closedAt = time.Now()
	return nil
}

// IsClosed reports whether Close has been called.
func (c *FakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCount returns how many times Close has been called.
func (c *FakeConn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// Break makes every later Ping fail.
func (c *FakeConn) Break() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = true
}

// Healthy reports whether the connection is open and not broken.
func (c *FakeConn) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.broken
}

// Ping fails once the connection is broken or closed.
func (c *FakeConn) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.Healthy() {
		return ErrFakeBroken
	}
	return nil
}

// ConnFactory hands out FakeConns and can be told to fail.
type ConnFactory struct {
	next atomic.Int64

	mu       sync.Mutex
	conns    []*FakeConn
	failNext int
	failErr  error
	delay    time.Duration
	calls    int
}

// NewConnFactory returns a factory whose connections are numbered from 1.
func NewConnFactory() *ConnFactory {
	return &ConnFactory{}
}

// Create opens a new FakeConn, or fails if a failure is queued.
func (f *ConnFactory) Create(ctx context.Context) (*FakeConn, error) {
	f.mu.Lock()
	f.calls++
	delay := f.delay
	var err error
	switch {
	case f.failNext > 0:
		f.failNext--
		err = f.failErr
	case f.failNext < 0:
		err = f.failErr
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c := NewFakeConn(f.next.Add(1))
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

// FailNext makes the next n calls to Create return err.
func (f *ConnFactory) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
	f.failErr = err
}

// FailAlways makes every later call to Create return err until Recover.
func (f *ConnFactory) FailAlways(err error) {
	f.FailNext(-1, err)
}

// Recover clears any queued failures.
func (f *ConnFactory) Recover() {
	f.FailNext(0, nil)
}

// SetDelay makes Create take d before returning.
func (f *ConnFactory) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Calls returns the number of Create calls, successful or not.
func (f *ConnFactory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Created returns the number of connections opened.
func (f *ConnFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Conns returns every connection opened so far.
func (f *ConnFactory) Conns() []*FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeConn, len(f.conns))
	copy(out, f.conns)
	return out
}

// OpenConns returns the connections that have not been closed.
func (f *ConnFactory) OpenConns() []*FakeConn {
	var open []*FakeConn
	for _, c := range f.Conns() {
		if !c.IsClosed() {
			open = append(open, c)
		}
	}
	return open
}

// Validate reports whether conn is a healthy FakeConn. Anything else is
// considered valid.
func Validate(_ context.Context, conn any) bool {
	if c, ok := conn.(*FakeConn); ok {
		return c.Healthy()
	}
	return true
}
