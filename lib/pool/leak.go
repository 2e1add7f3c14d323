package pool

import (
	"sync/atomic"
	"time"
)

// LeakReport describes a lease held longer than Config.LeakThreshold.
type LeakReport struct {
	// LeaseID identifies the Handle.
	LeaseID string
	// AcquiredAt is when the lease was handed out.
	AcquiredAt time.Time
	// HeldFor is how long the lease had been held when it was reported.
	HeldFor time.Duration
	// Stack is the acquiring goroutine's stack, if Config.CaptureStacks is set.
	Stack []byte
}

// leakCheckLoop periodically reports long-held leases.
func (p *Pool) leakCheckLoop() {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.config.LeakCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.Chan():
			p.CheckLeaks()
		}
	}
}

// CheckLeaks reports every lease held longer than LeakThreshold that has not
// been reported before, logs it, and passes it to OnLeak. Leases are not
// reclaimed. It returns the new reports.
func (p *Pool) CheckLeaks() []LeakReport {
	if p.config.LeakThreshold <= 0 {
		return nil
	}

	now := p.clock.Now()
	var reports []LeakReport

	p.mu.Lock()
	for h := range p.inUse {
		if h.leakReported {
			continue
		}
		held := now.Sub(h.acquiredAt)
		if held < p.config.LeakThreshold {
			continue
		}
		h.leakReported = true
		reports = append(reports, LeakReport{
			LeaseID:    h.ID(),
			AcquiredAt: h.acquiredAt,
			HeldFor:    held,
			Stack:      h.stack,
		})
	}
	p.mu.Unlock()

	for _, r := range reports {
		atomic.AddUint64(&p.leaks, 1)
		PoolLeaksTotal.Inc()
		log.WithField("lease", r.LeaseID).WithField("heldFor", r.HeldFor).Warn("connection held longer than leak threshold")
		if p.config.OnLeak != nil {
			p.config.OnLeak(r)
		}
	}
	return reports
}
