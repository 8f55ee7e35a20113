package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"levelx/internal/domain"
)

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSweepInterval sets how often open retest windows are checked for
// expiry.
func WithSweepInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.sweepEvery = d }
}

// WithRunnerClock sets the clock used for sweeps.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// Runner owns one Engine per contract, each driven by its own goroutine.
// Within a contract, ticks are processed in the order Feed is called;
// contracts are independent.
type Runner struct {
	params     ParamsFunc
	logger     *slog.Logger
	sweepEvery time.Duration
	now        func() time.Time
	signals    chan domain.Signal

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*worker
}

type worker struct {
	contract string
	engine   *Engine
	in       chan func(*Engine)
	done     chan struct{}
}

// NewRunner creates a Runner. Call Run to drive sweeps and Close (or
// cancel Run's context) to stop every worker.
func NewRunner(params ParamsFunc, opts ...RunnerOption) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		params:     params,
		logger:     slog.Default(),
		sweepEvery: time.Second,
		now:        time.Now,
		signals:    make(chan domain.Signal, 64),
		base:       ctx,
		cancel:     cancel,
		workers:    make(map[string]*worker),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "strategy")
	return r
}

// Signals returns confirmed signals. Signals are never dropped; a slow
// consumer blocks the emitting contract.
func (r *Runner) Signals() <-chan domain.Signal { return r.signals }

func (r *Runner) worker(contract string, create bool) *worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[contract]
	if ok || !create {
		return w
	}
	w = &worker{
		contract: contract,
		engine:   NewEngine(r.params, r.logger),
		in:       make(chan func(*Engine), 256),
		done:     make(chan struct{}),
	}
	r.workers[contract] = w
	r.wg.Add(1)
	go r.loop(w)
	return w
}

func (r *Runner) loop(w *worker) {
	defer r.wg.Done()
	for {
		select {
		case <-r.base.Done():
			return
		case <-w.done:
			return
		case fn := <-w.in:
			select {
			case <-w.done:
				// Removed: queued ticks must not reach the machines.
				return
			default:
			}
			fn(w.engine)
		}
	}
}

// send queues fn on the contract's worker. It reports false if the runner
// is closed or the worker was removed.
func (r *Runner) send(w *worker, fn func(*Engine)) bool {
	select {
	case w.in <- fn:
		return true
	case <-w.done:
		return false
	case <-r.base.Done():
		return false
	}
}

func (r *Runner) emit(sigs []domain.Signal) {
	for _, s := range sigs {
		select {
		case r.signals <- s:
		case <-r.base.Done():
			return
		}
	}
}

// SetLevels installs levels for a contract, creating its worker on first
// use.
func (r *Runner) SetLevels(contract string, levels []domain.Level) {
	w := r.worker(contract, true)
	lv := append([]domain.Level(nil), levels...)
	r.send(w, func(e *Engine) { e.SetLevels(contract, lv) })
}

// Feed queues a tick. Ticks for contracts without levels are ignored.
func (r *Runner) Feed(t domain.Tick) {
	w := r.worker(t.Contract, false)
	if w == nil {
		return
	}
	r.send(w, func(e *Engine) { r.emit(e.Process(t)) })
}

// Reset discards in-flight cycles for a contract.
func (r *Runner) Reset(contract string) {
	if w := r.worker(contract, false); w != nil {
		r.send(w, func(e *Engine) { e.Reset(contract) })
	}
}

// Remove tears down a contract's machines and its goroutine.
func (r *Runner) Remove(contract string) {
	r.mu.Lock()
	w, ok := r.workers[contract]
	delete(r.workers, contract)
	r.mu.Unlock()
	if ok {
		close(w.done)
	}
}

// Sweep closes bars that ended by now and expires overdue retest windows
// in every contract.
func (r *Runner) Sweep(now time.Time) {
	for _, w := range r.snapshotWorkers() {
		r.send(w, func(e *Engine) {
			r.emit(e.Flush(now))
			e.Sweep(now)
		})
	}
}

// Status returns the machine views of every contract.
func (r *Runner) Status() []MachineStatus {
	var out []MachineStatus
	for _, w := range r.snapshotWorkers() {
		ch := make(chan []MachineStatus, 1)
		if !r.send(w, func(e *Engine) { ch <- e.Status() }) {
			continue
		}
		select {
		case s := <-ch:
			out = append(out, s...)
		case <-w.done:
		case <-r.base.Done():
		}
	}
	return out
}

func (r *Runner) snapshotWorkers() []*worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

// Run sweeps on a timer until ctx is cancelled, then closes the runner.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return ctx.Err()
		case <-r.base.Done():
			return nil
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// Close stops every worker and waits for them.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}
