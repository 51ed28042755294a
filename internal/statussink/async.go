package statussink

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	rtsup "triggerd/internal/runtime/supervisor"
	logx "triggerd/pkg/logx"
)

var (
	ErrQueueFull = errors.New("status sink queue full")
	ErrStopped   = errors.New("status sink stopped")
)

const warnThrottleEvery = 5 * time.Second

// AsyncConfig controls delivery to the downstream sink.
type AsyncConfig struct {
	QueueSize int
	Workers   int

	// RatePerSec caps deliveries per second (0 = unlimited).
	RatePerSec int

	// AttemptTimeout bounds one downstream call.
	AttemptTimeout time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// If CircuitTripFailures < 0 the breaker is disabled; 0 applies the default.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c AsyncConfig) withDefaults() AsyncConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

// AsyncSnapshot is a lightweight view for diagnostics.
type AsyncSnapshot struct {
	QueueLen       int    `json:"queue_len"`
	QueueCap       int    `json:"queue_cap"`
	Delivered      uint64 `json:"delivered"`
	Failed         uint64 `json:"failed"`
	Retried        uint64 `json:"retried"`
	DroppedFull    uint64 `json:"dropped_queue_full"`
	DroppedCircuit uint64 `json:"dropped_circuit_open"`
	CircuitOpen    bool   `json:"circuit_open"`
}

// Async is a fire-and-forget Sink. Report never blocks: reports are queued and
// delivered to next by a small pool of goroutines with rate limiting, retries
// and a circuit breaker. Downstream failures are logged and counted, never
// returned to the reporter.
type Async struct {
	cfg  AsyncConfig
	next Sink
	log  logx.Logger

	q       chan Report
	limiter *rate.Limiter
	breaker *circuit

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopped  bool
	flushCtx context.Context

	delivered      atomic.Uint64
	failed         atomic.Uint64
	retried        atomic.Uint64
	droppedFull    atomic.Uint64
	droppedCircuit atomic.Uint64

	lastDropWarnAt atomic.Int64
	lastFailWarnAt atomic.Int64
}

func NewAsync(next Sink, cfg AsyncConfig, log logx.Logger) *Async {
	cfg = cfg.withDefaults()
	if next == nil {
		next = Discard
	}
	a := &Async{
		cfg:    cfg,
		next:   next,
		log:    log,
		q:      make(chan Report, cfg.QueueSize),
		stopCh: make(chan struct{}),
		breaker: &circuit{
			trip:       cfg.CircuitTripFailures,
			baseDelay:  cfg.CircuitBaseDelay,
			maxDelay:   cfg.CircuitMaxDelay,
			resetAfter: cfg.CircuitResetAfter,
		},
	}
	if cfg.RatePerSec > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return a
}

// Start launches the delivery pool. Reports queued before Start are kept.
func (a *Async) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil || a.stopped {
		return
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	for i := 0; i < a.cfg.Workers; i++ {
		seed := time.Now().UnixNano() ^ (int64(i) << 32)
		rng := rand.New(rand.NewSource(seed))
		a.sup.Go0(fmt.Sprintf("statussink.%d", i), func(ctx context.Context) { a.loop(ctx, rng) })
	}
	a.log.Debug("status sink started", logx.Int("workers", a.cfg.Workers), logx.Int("queue", a.cfg.QueueSize))
}

// Report enqueues r without blocking.
func (a *Async) Report(_ context.Context, r Report) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	select {
	case a.q <- r:
		return nil
	default:
		a.droppedFull.Add(1)
		if a.shouldWarn(&a.lastDropWarnAt) {
			a.log.Warn("status report dropped: queue full",
				logx.String("invocation", string(r.InvocationID)),
				logx.String("status", string(r.Status)),
				logx.Uint64("dropped_queue_full", a.droppedFull.Load()),
			)
		}
		return ErrQueueFull
	}
}

// Stop stops accepting reports and flushes what is queued until ctx is done.
func (a *Async) Stop(ctx context.Context) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.flushCtx = ctx
	close(a.stopCh)
	sup := a.sup
	a.mu.Unlock()

	if sup == nil {
		return
	}
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("status sink stopped with error", logx.Err(err))
	}
	sup.Cancel()
	if n := len(a.q); n > 0 {
		a.log.Warn("status sink stopped with undelivered reports", logx.Int("pending", n))
	}
}

func (a *Async) Snapshot() AsyncSnapshot {
	open, _ := a.breaker.isOpen(time.Now())
	return AsyncSnapshot{
		QueueLen:       len(a.q),
		QueueCap:       cap(a.q),
		Delivered:      a.delivered.Load(),
		Failed:         a.failed.Load(),
		Retried:        a.retried.Load(),
		DroppedFull:    a.droppedFull.Load(),
		DroppedCircuit: a.droppedCircuit.Load(),
		CircuitOpen:    open,
	}
}

func (a *Async) loop(ctx context.Context, rng *rand.Rand) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			a.flush(rng)
			return
		case r := <-a.q:
			a.deliver(ctx, r, rng)
		}
	}
}

func (a *Async) flush(rng *rand.Rand) {
	a.mu.Lock()
	ctx := a.flushCtx
	a.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case r := <-a.q:
			a.deliver(ctx, r, rng)
		default:
			return
		}
	}
}

func (a *Async) deliver(ctx context.Context, r Report, rng *rand.Rand) {
	if open, until := a.breaker.isOpen(time.Now()); open {
		a.droppedCircuit.Add(1)
		a.log.Debug("status report shed: circuit open",
			logx.String("invocation", string(r.InvocationID)),
			logx.Time("until", until),
		)
		return
	}

	var err error
	attempts := 1 + a.cfg.RetryMax
	for attempt := 1; attempt <= attempts; attempt++ {
		if a.limiter != nil {
			if werr := a.limiter.Wait(ctx); werr != nil {
				err = werr
				break
			}
		}
		err = a.attempt(ctx, r)
		if err == nil {
			break
		}
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		a.retried.Add(1)
		tmr := time.NewTimer(backoffDelay(a.cfg.RetryBase, a.cfg.RetryMaxDelay, a.cfg.RetryJitter, attempt, rng))
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
		case <-tmr.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	a.breaker.record(time.Now(), err)
	if err == nil {
		a.delivered.Add(1)
		return
	}
	a.failed.Add(1)
	if a.shouldWarn(&a.lastFailWarnAt) {
		a.log.Warn("status report delivery failed",
			logx.String("job", string(r.JobID)),
			logx.String("invocation", string(r.InvocationID)),
			logx.String("status", string(r.Status)),
			logx.Err(err),
			logx.Uint64("failed", a.failed.Load()),
		)
	}
}

func (a *Async) attempt(ctx context.Context, r Report) (err error) {
	actx, cancel := context.WithTimeout(ctx, a.cfg.AttemptTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			a.log.Error("status sink panic", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("sink panic: %v", p)
		}
	}()
	return a.next.Report(actx, r)
}

func (a *Async) shouldWarn(last *atomic.Int64) bool {
	now := time.Now().UnixNano()
	prev := last.Load()
	if prev != 0 && now-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, now)
}
