package pool

import (
	"time"

	"github.com/google/uuid"
)

// Handle is a lease on one pooled connection. Every successful Acquire
// returns a new Handle; the connection behind it belongs to the caller until
// the Handle is passed to Release or Discard. A Handle must not be used after
// it has been returned.
type Handle struct {
	id         uuid.UUID
	conn       Connection
	pool       *Pool
	createdAt  time.Time
	acquiredAt time.Time
	stack      []byte

	// guarded by pool.mu
	leakReported bool
}

// ID returns the lease identifier, unique per checkout.
func (h *Handle) ID() string {
	return h.id.String()
}

// Conn returns the leased connection.
func (h *Handle) Conn() Connection {
	return h.conn
}

// CreatedAt returns when the underlying connection was opened.
func (h *Handle) CreatedAt() time.Time {
	return h.createdAt
}

// AcquiredAt returns when this lease was handed out.
func (h *Handle) AcquiredAt() time.Time {
	return h.acquiredAt
}

// idleConn is a connection sitting in the available set.
type idleConn struct {
	conn       Connection
	createdAt  time.Time
	releasedAt time.Time
}
