package pool

import (
	"context"
	"slices"
	"sync/atomic"
)

// healthCheckLoop periodically checks available connections.
func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.Chan():
			p.runHealthCheck()
		}
	}
}

// runHealthCheck closes available connections that have been idle too long
// or fail validation. Expired connections are dropped in one pass under the
// lock. The rest are validated one at a time without the lock: each is taken
// out of the available set only while its own check runs, so acquirers can
// still lease the others.
func (p *Pool) runHealthCheck() {
	now := p.clock.Now()

	p.mu.Lock()
	if p.closed || len(p.available) == 0 {
		p.mu.Unlock()
		return
	}
	kept := p.available[:0]
	expired := 0
	for _, ic := range p.available {
		if p.idleExpired(ic, now) {
			p.numOpen--
			p.destroy(ic.conn)
			expired++
			continue
		}
		kept = append(kept, ic)
	}
	clear(p.available[len(kept):])
	p.available = kept
	if expired > 0 {
		// Freed slots let waiters open new connections.
		p.cond.Broadcast()
	}
	var pending []*idleConn
	if p.config.Validator != nil {
		pending = slices.Clone(p.available)
	}
	p.mu.Unlock()

	failed := 0
	for _, ic := range pending {
		if !p.takeIdle(ic) {
			// Leased since the sweep started, or the pool closed.
			continue
		}

		ok := p.validate(context.Background(), ic.conn)

		p.mu.Lock()
		switch {
		case !ok:
			atomic.AddUint64(&p.validationFails, 1)
			failed++
			p.numOpen--
			p.destroy(ic.conn)
		case p.closed:
			p.numOpen--
			p.destroy(ic.conn)
		default:
			// Back underneath anything released in the meantime.
			p.available = slices.Insert(p.available, 0, ic)
		}
		p.cond.Signal()
		p.mu.Unlock()
	}

	if expired+failed > 0 {
		log.WithField("expired", expired).WithField("invalid", failed).Debug("health check removed connections")
	}
}

// takeIdle removes ic from the available set. It returns false when ic is
// no longer there or the pool is closed.
func (p *Pool) takeIdle(ic *idleConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	i := slices.Index(p.available, ic)
	if i < 0 {
		return false
	}
	p.available = slices.Delete(p.available, i, i+1)
	return true
}
