package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"
)

// prefillConcurrency limits concurrent factory calls while New opens
// InitialSize connections.
const prefillConcurrency = 4

// reaperReleaseTimeout bounds how long Close waits for pending background
// connection closes.
const reaperReleaseTimeout = 5 * time.Second

// Connection represents a poolable connection.
type Connection interface {
	// Close closes the connection.
	Close() error
}

// Factory creates new connections. It must not retry or pool on its own.
type Factory func(ctx context.Context) (Connection, error)

// Validator reports whether a connection is still usable. The pool bounds
// every call by Config.ValidationTimeout; a validator that has not answered
// by then counts as false.
type Validator func(ctx context.Context, conn Connection) bool

// Breaker gates connection creation. *resilience.CircuitBreaker satisfies it.
// Every admitted attempt is reported exactly once: RecordSuccess or
// RecordFailure when the factory answered, Cancel when the caller's context
// ended first.
type Breaker interface {
	Allow() bool
	RecordSuccess()
	RecordFailure()
	Cancel()
}

// Config configures the connection pool.
type Config struct {
	// InitialSize is the number of connections opened by New.
	// Default: 2
	InitialSize int
	// MaxSize is the maximum number of open connections. Must be >= InitialSize.
	// Default: 10
	MaxSize int
	// AcquireTimeout applies to Acquire calls whose context has no deadline.
	// Zero means wait until the context ends.
	// Default: 0
	AcquireTimeout time.Duration
	// ValidationTimeout bounds each Validator call.
	// Default: 2 seconds
	ValidationTimeout time.Duration
	// Validator checks connections on checkout and checkin.
	// If nil, every connection is considered valid.
	Validator Validator
	// Retry controls creation retries inside one Acquire.
	Retry RetryPolicy
	// MaxIdleTime is how long a connection may sit in the available set
	// before it is closed instead of reused. Zero disables idle eviction.
	// Default: 10 minutes
	MaxIdleTime time.Duration
	// HealthCheckInterval is how often available connections are validated
	// in the background. Zero disables the background check.
	// Default: 1 minute
	HealthCheckInterval time.Duration
	// LeakThreshold is how long a lease may be held before it is reported
	// through OnLeak. Zero disables leak detection.
	// Default: 0
	LeakThreshold time.Duration
	// LeakCheckInterval is how often leases are inspected.
	// Default: LeakThreshold
	LeakCheckInterval time.Duration
	// OnLeak is called once per lease held longer than LeakThreshold.
	OnLeak func(LeakReport)
	// CaptureStacks records the acquiring goroutine's stack on every lease
	// so leak reports can point at the caller.
	CaptureStacks bool
	// Breaker, if set, is consulted before every factory call.
	Breaker Breaker
	// Clock drives backoff, idle ages and background loops.
	// Default: the real clock
	Clock clockwork.Clock
	// ReaperSize is the number of goroutines closing discarded connections.
	// Default: 4
	ReaperSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		InitialSize:         2,
		MaxSize:             10,
		ValidationTimeout:   2 * time.Second,
		Retry:               DefaultRetryPolicy(),
		MaxIdleTime:         10 * time.Minute,
		HealthCheckInterval: 1 * time.Minute,
		ReaperSize:          4,
	}
}

// Pool is a bounded pool of exclusive-use connections.
type Pool struct {
	factory Factory
	config  Config
	clock   clockwork.Clock
	reaper  *ants.Pool

	mu         sync.Mutex
	cond       *sync.Cond
	available  []*idleConn
	inUse      map[*Handle]struct{}
	numOpen    int
	waiting    int
	closed     bool
	nextCreate time.Time

	stop chan struct{}
	wg   sync.WaitGroup

	// Metrics
	acquireCount    uint64
	acquireSuccess  uint64
	acquireFailed   uint64
	acquireTimeouts uint64
	releaseCount    uint64
	created         uint64
	destroyed       uint64
	createFails     uint64
	validationFails uint64
	misuse          uint64
	leaks           uint64
}

// New creates a pool and opens cfg.InitialSize connections concurrently.
// Failing to open the initial connections is not fatal: the failure is
// logged and the pool creates connections lazily instead.
func New(ctx context.Context, factory Factory, cfg Config) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: factory is required", ErrInvalidConfig)
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.InitialSize < 0 || cfg.InitialSize > cfg.MaxSize {
		return nil, fmt.Errorf("%w: initial size %d must be between 0 and max size %d",
			ErrInvalidConfig, cfg.InitialSize, cfg.MaxSize)
	}
	if cfg.AcquireTimeout < 0 || cfg.MaxIdleTime < 0 || cfg.HealthCheckInterval < 0 || cfg.LeakThreshold < 0 {
		return nil, fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = 2 * time.Second
	}
	if cfg.LeakCheckInterval <= 0 {
		cfg.LeakCheckInterval = cfg.LeakThreshold
	}
	if cfg.ReaperSize <= 0 {
		cfg.ReaperSize = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	cfg.Retry = cfg.Retry.withDefaults()

	reaper, err := ants.NewPool(cfg.ReaperSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v any) {
			log.WithField("panic", v).Warn("panic while closing connection")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("pool: creating reaper: %w", err)
	}

	p := &Pool{
		factory:   factory,
		config:    cfg,
		clock:     cfg.Clock,
		reaper:    reaper,
		available: make([]*idleConn, 0, cfg.MaxSize),
		inUse:     make(map[*Handle]struct{}, cfg.MaxSize),
		stop:      make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	if cfg.InitialSize > 0 {
		if err := p.prefill(ctx, cfg.InitialSize); err != nil {
			log.WithField("initialSize", cfg.InitialSize).WithError(err).Warn("could not open initial connections")
		}
	}

	if cfg.HealthCheckInterval > 0 && (cfg.Validator != nil || cfg.MaxIdleTime > 0) {
		p.wg.Add(1)
		go p.healthCheckLoop()
	}
	if cfg.LeakThreshold > 0 {
		p.wg.Add(1)
		go p.leakCheckLoop()
	}

	PoolConnectionsTotal.Set(int64(cfg.MaxSize))
	log.WithField("maxSize", cfg.MaxSize).WithField("initialSize", cfg.InitialSize).Debug("pool created")
	return p, nil
}

// prefill opens n connections into the available set.
func (p *Pool) prefill(ctx context.Context, n int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefillConcurrency)

	for i := 0; i < n; i++ {
		g.Go(func() error {
			p.mu.Lock()
			p.numOpen++
			p.mu.Unlock()

			conn, err := p.create(gctx)

			p.mu.Lock()
			defer p.mu.Unlock()
			if err != nil {
				p.numOpen--
				atomic.AddUint64(&p.createFails, 1)
				return err
			}
			atomic.AddUint64(&p.created, 1)
			now := p.clock.Now()
			p.available = append(p.available, &idleConn{conn: conn, createdAt: now, releasedAt: now})
			return nil
		})
	}
	return g.Wait()
}

// Acquire leases a connection from the pool. It returns an available
// connection that passes validation, opens a new one while below MaxSize, or
// blocks until another caller releases one. It fails with ErrPoolClosed after
// Close, with ErrPoolExhausted when the context deadline (or AcquireTimeout)
// expires, with a *CreationError when the factory keeps failing, and with the
// wrapped context error when the caller cancels.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	atomic.AddUint64(&p.acquireCount, 1)
	PoolAcquireTotal.Inc()
	start := p.clock.Now()

	// Use configured timeout if context has no deadline
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.AcquireTimeout)
		defer cancel()
	}

	var stack []byte
	if p.config.CaptureStacks {
		stack = debug.Stack()
	}

	h, err := p.acquire(ctx, stack)
	PoolAcquireLatency.Observe(p.clock.Since(start).Seconds())
	if err != nil {
		atomic.AddUint64(&p.acquireFailed, 1)
		PoolAcquireFailedTotal.Inc()
		if errors.Is(err, ErrPoolExhausted) {
			atomic.AddUint64(&p.acquireTimeouts, 1)
		}
		log.WithError(err).Debug("acquire failed")
		return nil, err
	}

	atomic.AddUint64(&p.acquireSuccess, 1)
	PoolAcquireSuccessTotal.Inc()
	return h, nil
}

func (p *Pool) acquire(ctx context.Context, stack []byte) (*Handle, error) {
	attempts := 0
	var lastErr error

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if err := ctx.Err(); err != nil {
			// Pass on a wake-up this caller may have consumed.
			p.cond.Signal()
			p.mu.Unlock()
			return nil, acquireError(err, lastErr)
		}

		// Reuse the most recently released connection
		if ic := p.popAvailableLocked(); ic != nil {
			p.mu.Unlock()
			ok := p.validate(ctx, ic.conn)
			p.mu.Lock()

			if !ok || p.closed {
				if !ok {
					atomic.AddUint64(&p.validationFails, 1)
					log.Debug("discarding connection that failed validation on checkout")
				}
				p.numOpen--
				p.destroy(ic.conn)
				continue
			}

			h := p.leaseLocked(ic.conn, ic.createdAt, stack)
			p.mu.Unlock()
			log.WithField("lease", h.ID()).Debug("acquired available connection")
			return h, nil
		}

		// Open a new connection if under limit
		if p.numOpen < p.config.MaxSize {
			if wait := p.nextCreate.Sub(p.clock.Now()); wait > 0 {
				p.waitLocked(ctx, wait)
				continue
			}

			p.numOpen++
			p.mu.Unlock()
			conn, err := p.create(ctx)
			p.mu.Lock()

			if err != nil {
				p.numOpen--
				p.cond.Signal()
				atomic.AddUint64(&p.createFails, 1)
				attempts++
				lastErr = err

				if attempts >= p.config.Retry.MaxAttempts {
					p.mu.Unlock()
					return nil, &CreationError{Attempts: attempts, Err: err}
				}

				delay := p.config.Retry.Backoff(attempts)
				if next := p.clock.Now().Add(delay); next.After(p.nextCreate) {
					p.nextCreate = next
				}
				log.WithField("attempt", attempts).WithField("backoff", delay).WithError(err).Debug("connection creation failed")
				continue
			}

			atomic.AddUint64(&p.created, 1)
			if p.closed {
				p.numOpen--
				p.destroy(conn)
				continue
			}

			p.nextCreate = time.Time{}
			h := p.leaseLocked(conn, p.clock.Now(), stack)
			p.mu.Unlock()
			log.WithField("lease", h.ID()).Debug("acquired new connection")
			return h, nil
		}

		// Wait for a connection to be released
		p.waitLocked(ctx, 0)
	}
}

// acquireError converts a context failure observed by Acquire.
func acquireError(ctxErr, lastCreateErr error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		if lastCreateErr != nil {
			return fmt.Errorf("%w: %w: last create error: %w", ErrPoolExhausted, ctxErr, lastCreateErr)
		}
		return fmt.Errorf("%w: %w", ErrPoolExhausted, ctxErr)
	}
	return fmt.Errorf("pool: acquire: %w", ctxErr)
}

// popAvailableLocked takes the most recently released connection off the
// available set, closing any that have been idle longer than MaxIdleTime.
// The returned connection still counts toward numOpen. Caller must hold mu.
func (p *Pool) popAvailableLocked() *idleConn {
	now := p.clock.Now()
	for len(p.available) > 0 {
		ic := p.available[len(p.available)-1]
		p.available[len(p.available)-1] = nil
		p.available = p.available[:len(p.available)-1]

		if p.idleExpired(ic, now) {
			log.Debug("closing idle connection")
			p.numOpen--
			p.destroy(ic.conn)
			continue
		}
		return ic
	}
	return nil
}

func (p *Pool) idleExpired(ic *idleConn, now time.Time) bool {
	return p.config.MaxIdleTime > 0 && now.Sub(ic.releasedAt) > p.config.MaxIdleTime
}

// leaseLocked records a new lease in the in-use set. Caller must hold mu.
func (p *Pool) leaseLocked(conn Connection, createdAt time.Time, stack []byte) *Handle {
	h := &Handle{
		id:         uuid.New(),
		conn:       conn,
		pool:       p,
		createdAt:  createdAt,
		acquiredAt: p.clock.Now(),
		stack:      stack,
	}
	p.inUse[h] = struct{}{}
	return h
}

// waitLocked blocks on the condition until a release, a context event, or,
// when d > 0, until d has elapsed on the pool clock. Caller must hold mu.
func (p *Pool) waitLocked(ctx context.Context, d time.Duration) {
	p.waiting++
	stop := context.AfterFunc(ctx, p.broadcast)
	var timer clockwork.Timer
	if d > 0 {
		timer = p.clock.AfterFunc(d, p.broadcast)
	}

	p.cond.Wait()

	if timer != nil {
		timer.Stop()
	}
	stop()
	p.waiting--
}

func (p *Pool) broadcast() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// create calls the factory through the breaker, if any.
func (p *Pool) create(ctx context.Context) (Connection, error) {
	b := p.config.Breaker
	if b != nil && !b.Allow() {
		return nil, ErrCircuitOpen
	}

	conn, err := p.factory(ctx)
	if err == nil && conn == nil {
		err = errNilConnection
	}

	if b != nil {
		switch {
		case err == nil:
			b.RecordSuccess()
		case ctx.Err() != nil:
			// Caller cancellation says nothing about the backend.
			b.Cancel()
		default:
			b.RecordFailure()
		}
	}
	return conn, err
}

// validate runs the validator outside the pool lock, bounded by
// ValidationTimeout. Cancelling the caller's context does not fail the check.
func (p *Pool) validate(ctx context.Context, conn Connection) bool {
	if p.config.Validator == nil {
		return true
	}

	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.ValidationTimeout)
	defer cancel()

	result := make(chan bool, 1)
	go func() {
		result <- p.config.Validator(vctx, conn)
	}()

	select {
	case ok := <-result:
		return ok
	case <-vctx.Done():
		log.WithField("timeout", p.config.ValidationTimeout).Debug("validator did not answer in time")
		return false
	}
}

// destroy closes a connection owned by this pool in the background.
// The caller must already have removed it from numOpen.
func (p *Pool) destroy(conn Connection) {
	atomic.AddUint64(&p.destroyed, 1)
	if err := p.reaper.Submit(func() { closeConn(conn) }); err != nil {
		closeConn(conn)
	}
}

func closeConn(conn Connection) {
	if err := conn.Close(); err != nil {
		log.WithError(err).Debug("error closing connection")
	}
}

// Release returns a leased connection to the pool. The connection is
// validated; a valid one goes back on top of the available set and an
// invalid one is closed. Either way one blocked Acquire is woken.
//
// Misuse is absorbed: releasing a Handle from another pool closes its
// connection, releasing a Handle twice is ignored, and both are logged and
// counted in Stats.Misuse. A second Release of the same Handle does not
// close the connection, because by then it may already be leased again under
// a new Handle. Release returns ErrPoolClosed after Close.
func (p *Pool) Release(h *Handle) error {
	if h == nil {
		return nil
	}

	atomic.AddUint64(&p.releaseCount, 1)
	PoolReleaseTotal.Inc()

	if !p.checkout(h, "release") {
		return p.closedErr()
	}

	ok := p.validate(context.Background(), h.conn)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		p.numOpen--
		p.destroy(h.conn)
	case !ok:
		atomic.AddUint64(&p.validationFails, 1)
		log.WithField("lease", h.ID()).Debug("discarding connection that failed validation on release")
		p.numOpen--
		p.destroy(h.conn)
	default:
		p.available = append(p.available, &idleConn{
			conn:       h.conn,
			createdAt:  h.createdAt,
			releasedAt: p.clock.Now(),
		})
	}

	p.cond.Signal()
	return nil
}

// Discard closes a leased connection the caller knows to be broken and frees
// its slot for a future creation. Misuse is handled as in Release.
func (p *Pool) Discard(h *Handle) error {
	if h == nil {
		return nil
	}

	if !p.checkout(h, "discard") {
		return p.closedErr()
	}

	p.mu.Lock()
	p.numOpen--
	p.destroy(h.conn)
	p.cond.Signal()
	p.mu.Unlock()

	log.WithField("lease", h.ID()).Debug("discarded connection")
	return nil
}

// checkout removes h from the in-use set. It returns false when the pool is
// closed or h is not a live lease of this pool.
func (p *Pool) checkout(h *Handle, op string) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}

	if h.pool != p {
		p.mu.Unlock()
		p.reportMisuse(h, op, "handle does not belong to this pool")
		if h.conn != nil {
			closeConn(h.conn)
		}
		return false
	}

	if _, ok := p.inUse[h]; !ok {
		p.mu.Unlock()
		p.reportMisuse(h, op, "handle already returned")
		return false
	}

	delete(p.inUse, h)
	p.mu.Unlock()
	return true
}

func (p *Pool) closedErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	return nil
}

func (p *Pool) reportMisuse(h *Handle, op, reason string) {
	atomic.AddUint64(&p.misuse, 1)
	PoolMisuseTotal.Inc()
	log.WithField("op", op).WithField("lease", h.id.String()).Warn("pool misuse: " + reason)
}

// Do runs fn with a leased connection and returns it afterwards. If fn
// returns an error marked with MarkBroken, the connection is discarded
// instead of released.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context, h *Handle) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	err = fn(ctx, h)

	var rerr error
	if IsBroken(err) {
		rerr = p.Discard(h)
	} else {
		rerr = p.Release(h)
	}
	if rerr != nil {
		log.WithError(rerr).Debug("returning connection after unit of work")
	}
	return err
}

// Close shuts the pool down. Every available and leased connection is
// closed, waiting callers fail with ErrPoolClosed, and later Acquire calls
// fail fast. Connections still being created or validated when Close runs
// are closed by the goroutine that holds them. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		log.Debug("pool already closed")
		return nil
	}
	p.closed = true

	conns := make([]Connection, 0, len(p.available)+len(p.inUse))
	for _, ic := range p.available {
		conns = append(conns, ic.conn)
	}
	for h := range p.inUse {
		conns = append(conns, h.conn)
	}
	p.available = nil
	clear(p.inUse)
	p.numOpen -= len(conns)

	p.cond.Broadcast()
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()

	var errs []error
	for _, conn := range conns {
		atomic.AddUint64(&p.destroyed, 1)
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := p.reaper.ReleaseTimeout(reaperReleaseTimeout); err != nil {
		log.WithError(err).Warn("timed out waiting for background connection closes")
	}

	log.WithField("closed", len(conns)).Debug("pool closed")
	return errors.Join(errs...)
}

// Stats holds pool statistics.
type Stats struct {
	// MaxSize is the maximum pool size.
	MaxSize int `json:"max_size"`
	// NumOpen is the number of open connections, including ones being
	// created or validated.
	NumOpen int `json:"num_open"`
	// NumAvailable is the number of connections ready for reuse.
	NumAvailable int `json:"num_available"`
	// NumInUse is the number of leased connections.
	NumInUse int `json:"num_in_use"`
	// Waiting is the number of Acquire calls currently blocked.
	Waiting int `json:"waiting"`
	// AcquireCount is the total number of acquire attempts.
	AcquireCount uint64 `json:"acquire_count"`
	// AcquireSuccess is the number of successful acquires.
	AcquireSuccess uint64 `json:"acquire_success"`
	// AcquireFailed is the number of failed acquires.
	AcquireFailed uint64 `json:"acquire_failed"`
	// AcquireTimeouts is the number of acquires that failed with ErrPoolExhausted.
	AcquireTimeouts uint64 `json:"acquire_timeouts"`
	// ReleaseCount is the number of Release calls.
	ReleaseCount uint64 `json:"release_count"`
	// Created is the number of connections opened by the factory.
	Created uint64 `json:"created"`
	// Destroyed is the number of connections closed by the pool.
	Destroyed uint64 `json:"destroyed"`
	// CreateFailures is the number of failed factory calls.
	CreateFailures uint64 `json:"create_failures"`
	// ValidationFailures is the number of connections discarded by the validator.
	ValidationFailures uint64 `json:"validation_failures"`
	// Misuse is the number of foreign or repeated Release/Discard calls.
	Misuse uint64 `json:"misuse"`
	// Leaks is the number of leases reported as held too long.
	Leaks uint64 `json:"leaks"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		MaxSize:            p.config.MaxSize,
		NumOpen:            p.numOpen,
		NumAvailable:       len(p.available),
		NumInUse:           len(p.inUse),
		Waiting:            p.waiting,
		AcquireCount:       atomic.LoadUint64(&p.acquireCount),
		AcquireSuccess:     atomic.LoadUint64(&p.acquireSuccess),
		AcquireFailed:      atomic.LoadUint64(&p.acquireFailed),
		AcquireTimeouts:    atomic.LoadUint64(&p.acquireTimeouts),
		ReleaseCount:       atomic.LoadUint64(&p.releaseCount),
		Created:            atomic.LoadUint64(&p.created),
		Destroyed:          atomic.LoadUint64(&p.destroyed),
		CreateFailures:     atomic.LoadUint64(&p.createFails),
		ValidationFailures: atomic.LoadUint64(&p.validationFails),
		Misuse:             atomic.LoadUint64(&p.misuse),
		Leaks:              atomic.LoadUint64(&p.leaks),
	}
}
