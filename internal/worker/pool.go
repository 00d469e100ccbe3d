package worker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/thenew-programer/tams-taqa-sub001/internal/logging"
)

const (
	TriggerAccepted = "accepted"
	TriggerCooldown = "cooldown"
	TriggerPending  = "pending"
	TriggerFull     = "queue_full"
	TriggerStopped  = "stopped"
)

// RunFunc executes one scheduling pass for a session.
type RunFunc func(ctx context.Context, session string) error

type Observer interface {
	ObserveTrigger(outcome string)
}

type Options struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
	Cooldown   time.Duration
	Logger     *slog.Logger
	Metrics    Observer
}

// Pool runs passes on a fixed set of workers. A session is queued at most
// once at a time, and triggers arriving within the cooldown of the last
// accepted one are dropped.
type Pool struct {
	mu         sync.Mutex
	last       map[string]time.Time
	pending    map[string]bool
	tickers    map[string]*ticker
	queue      chan string
	run        RunFunc
	jobTimeout time.Duration
	cooldown   time.Duration
	now        func() time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	logger     *slog.Logger
	metrics    Observer
}

type ticker struct {
	interval time.Duration
	stop     chan struct{}
}

type SessionInfo struct {
	Session       string        `json:"session"`
	LastTriggered time.Time     `json:"lastTriggered"`
	Pending       bool          `json:"pending"`
	Interval      time.Duration `json:"interval,omitempty"`
}

func NewPool(run RunFunc, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		last:       map[string]time.Time{},
		pending:    map[string]bool{},
		tickers:    map[string]*ticker{},
		queue:      make(chan string, opts.QueueSize),
		run:        run,
		jobTimeout: opts.JobTimeout,
		cooldown:   opts.Cooldown,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// WithinCooldown reports whether now is still inside the cooldown that
// started at last.
func WithinCooldown(last, now time.Time, cooldown time.Duration) bool {
	return !last.IsZero() && now.Sub(last) < cooldown
}

// Enqueue asks for a pass and reports whether the trigger was accepted.
func (p *Pool) Enqueue(session string) bool {
	outcome := p.enqueue(session)
	if p.metrics != nil {
		p.metrics.ObserveTrigger(outcome)
	}
	if outcome != TriggerAccepted {
		p.logger.Debug("pass trigger dropped", slog.String("session", session), slog.String("reason", outcome))
	}
	return outcome == TriggerAccepted
}

func (p *Pool) enqueue(session string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return TriggerStopped
	}
	if p.pending[session] {
		return TriggerPending
	}
	now := p.now()
	if WithinCooldown(p.last[session], now, p.cooldown) {
		return TriggerCooldown
	}
	select {
	case p.queue <- session:
	default:
		return TriggerFull
	}
	p.pending[session] = true
	p.last[session] = now
	return TriggerAccepted
}

// Schedule triggers a pass for session every interval until Unschedule or
// Stop. Rescheduling replaces the previous interval.
func (p *Pool) Schedule(session string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if existing, ok := p.tickers[session]; ok {
		close(existing.stop)
	}
	t := &ticker{interval: interval, stop: make(chan struct{})}
	p.tickers[session] = t
	go p.runTicker(session, t)
}

func (p *Pool) Unschedule(session string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.tickers[session]; ok {
		close(t.stop)
		delete(p.tickers, session)
	}
}

func (p *Pool) Sessions() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := map[string]bool{}
	for s := range p.last {
		seen[s] = true
	}
	for s := range p.tickers {
		seen[s] = true
	}
	infos := make([]SessionInfo, 0, len(seen))
	for s := range seen {
		info := SessionInfo{Session: s, LastTriggered: p.last[s], Pending: p.pending[s]}
		if t, ok := p.tickers[s]; ok {
			info.Interval = t.interval
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Session < infos[j].Session })
	return infos
}

// Stop cancels running passes and waits for the workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, t := range p.tickers {
		close(t.stop)
	}
	p.tickers = map[string]*ticker{}
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) runTicker(session string, t *ticker) {
	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			p.Enqueue(session)
		case <-t.stop:
			return
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case session := <-p.queue:
			p.execute(session)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) execute(session string) {
	p.mu.Lock()
	delete(p.pending, session)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(p.ctx, p.jobTimeout)
	defer cancel()
	start := time.Now()
	if err := p.run(ctx, session); err != nil {
		p.logger.Error("scheduling pass failed", slog.String("session", session), slog.String("error", err.Error()))
		return
	}
	p.logger.Info("scheduling pass finished", slog.String("session", session), slog.Duration("elapsed", time.Since(start)))
}
