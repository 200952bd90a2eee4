package wakeup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Timing defaults.
const (
	DefaultQuickProbeTimeout = 3 * time.Second
	DefaultProbeTimeout      = 5 * time.Second
	DefaultPollInterval      = 2 * time.Second
	DefaultTickInterval      = time.Second
)

// ErrReset is returned by WaitForServer when Reset cancels the wait.
var ErrReset = errors.New("wakeup: poller was reset")

// Poller drives the Idle/Checking/Waking/Ready state machine. It is the only
// writer of its State; everything else observes it or asks it to start.
type Poller struct {
	prober Prober
	reload func()
	logger zerolog.Logger

	quickTimeout time.Duration
	probeTimeout time.Duration
	pollInterval time.Duration
	tickInterval time.Duration

	// notifyMu serializes transitions with their listener callbacks so
	// listeners see states in order.
	notifyMu  sync.Mutex
	mu        sync.Mutex
	state     State
	gen       uint64
	cancel    context.CancelFunc
	changed   chan struct{}
	listeners []func(State)
}

// Option configures a Poller.
type Option func(*Poller)

// WithReload sets the hook run once whenever polling reaches Ready. It should
// rebuild client state from scratch (caches, pending operations).
func WithReload(fn func()) Option {
	return func(p *Poller) {
		p.reload = fn
	}
}

// WithLogger sets the poller's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Poller) {
		p.logger = l
	}
}

// WithQuickProbeTimeout bounds the first probe of WaitForServer.
func WithQuickProbeTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.quickTimeout = d
		}
	}
}

// WithProbeTimeout bounds every probe made while polling.
func WithProbeTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.probeTimeout = d
		}
	}
}

// WithPollInterval sets the delay between polls while Waking.
func WithPollInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithTickInterval sets how often Elapsed is republished while Waking.
func WithTickInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.tickInterval = d
		}
	}
}

// NewPoller creates an Idle poller that checks health with prober.
func NewPoller(prober Prober, opts ...Option) *Poller {
	p := &Poller{
		prober:       prober,
		logger:       log.Logger,
		quickTimeout: DefaultQuickProbeTimeout,
		probeTimeout: DefaultProbeTimeout,
		pollInterval: DefaultPollInterval,
		tickInterval: DefaultTickInterval,
		changed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Subscribe registers fn to receive every state transition. fn must not
// block for long; it runs on the goroutine making the transition.
func (p *Poller) Subscribe(fn func(State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// WaitForServer makes a quick probe. If the backend is healthy the poller
// goes straight to Ready without a reload. Otherwise it starts polling and
// blocks until Ready, Reset, or ctx is done. When another check is already
// running it just waits for that one.
func (p *Poller) WaitForServer(ctx context.Context) error {
	gen, ok := p.begin(false)
	if !ok {
		return p.awaitReady(ctx)
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.quickTimeout)
	err := p.prober.Probe(probeCtx)
	cancel()

	if err == nil {
		if !p.transition(gen, State{Phase: Ready}) {
			return ErrReset
		}
		p.logger.Debug().Msg("server healthy on first probe")
		return nil
	}
	p.logger.Info().Err(err).Msg("server not responding, waiting for it to wake up")
	p.startLoop(gen, false)
	return p.awaitReady(ctx)
}

// TriggerWakeup starts polling after a request observed the server as
// unavailable. It is a no-op returning false while a check or poll is
// already running, so concurrent failing requests start one poller at most.
func (p *Poller) TriggerWakeup() bool {
	gen, ok := p.begin(false)
	if !ok {
		return false
	}
	p.logger.Info().Msg("server unavailable, starting wakeup polling")
	p.startLoop(gen, false)
	return true
}

// RetryHealthCheck is a user-triggered re-probe. It supersedes any running
// poll loop and probes immediately, then keeps polling until Ready.
func (p *Poller) RetryHealthCheck() {
	gen, _ := p.begin(true)
	p.logger.Info().Msg("manual health check requested")
	p.startLoop(gen, true)
}

// Reset cancels any running check or poll loop and returns to Idle.
func (p *Poller) Reset() {
	p.mu.Lock()
	p.stopLocked()
	gen := p.gen
	p.mu.Unlock()
	p.transition(gen, State{Phase: Idle})
}

// begin moves to Checking unless a check is already running; force cancels
// the running one instead. The returned generation identifies this episode;
// transitions from older episodes are dropped.
func (p *Poller) begin(force bool) (uint64, bool) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	if p.state.Busy() && !force {
		p.mu.Unlock()
		return 0, false
	}
	p.stopLocked()
	gen := p.gen
	listeners := p.setLocked(State{Phase: Checking})
	p.mu.Unlock()

	notify(listeners, State{Phase: Checking})
	return gen, true
}

// stopLocked cancels the running loop and invalidates its generation.
func (p *Poller) stopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
}

func (p *Poller) startLoop(gen uint64, probeFirst bool) {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		cancel()
		return
	}
	p.cancel = cancel
	p.mu.Unlock()

	go p.loop(ctx, gen, probeFirst)
}

func (p *Poller) loop(ctx context.Context, gen uint64, probeFirst bool) {
	if probeFirst && p.probe(ctx) == nil {
		p.finish(gen)
		return
	}

	start := time.Now()
	if !p.transition(gen, State{Phase: Waking}) {
		return
	}

	poll := time.NewTicker(p.pollInterval)
	defer poll.Stop()
	tick := time.NewTicker(p.tickInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if !p.transition(gen, State{Phase: Waking, Elapsed: time.Since(start)}) {
				return
			}
		case <-poll.C:
			err := p.probe(ctx)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				p.finish(gen)
				return
			}
			p.logger.Debug().Err(err).Dur("elapsed", time.Since(start)).Msg("server still waking")
			if !p.transition(gen, State{Phase: Waking, Elapsed: time.Since(start)}) {
				return
			}
		}
	}
}

func (p *Poller) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()
	return p.prober.Probe(probeCtx)
}

// finish publishes Ready and, only after that, runs the reload hook.
func (p *Poller) finish(gen uint64) {
	if !p.transition(gen, State{Phase: Ready}) {
		return
	}
	p.mu.Lock()
	if p.gen == gen && p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()

	p.logger.Info().Msg("server is awake, reloading client")
	if p.reload != nil {
		p.reload()
	}
}

// transition sets s if gen is still current and reports whether it did.
func (p *Poller) transition(gen uint64, s State) bool {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return false
	}
	listeners := p.setLocked(s)
	p.mu.Unlock()

	notify(listeners, s)
	return true
}

func (p *Poller) setLocked(s State) []func(State) {
	p.state = s
	close(p.changed)
	p.changed = make(chan struct{})
	return append(([]func(State))(nil), p.listeners...)
}

func notify(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}

// awaitReady blocks until the state is Ready. Returning to Idle means the
// episode was reset.
func (p *Poller) awaitReady(ctx context.Context) error {
	for {
		p.mu.Lock()
		phase := p.state.Phase
		changed := p.changed
		p.mu.Unlock()

		switch phase {
		case Ready:
			return nil
		case Idle:
			return ErrReset
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
