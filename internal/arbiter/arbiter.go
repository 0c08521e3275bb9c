// Package arbiter implements the Terminal-Condition Arbiter:
// watches the stop-signal file, the max-run-time timer, and the success
// criteria predicate, and fires exactly once — on whichever trigger wins
// the race — asking the Graph Controller to begin shutdown.
package arbiter

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shepherdhq/shepherd/internal/bus"
	"github.com/shepherdhq/shepherd/internal/config"
)

// pollInterval is the stop-file existence-check cadence.
const pollInterval = 500 * time.Millisecond

// Reason identifies which trigger fired.
type Reason int

const (
	ReasonSuccess Reason = iota
	ReasonTimeout
	ReasonStopFile
	ReasonSignal
)

func (r Reason) String() string {
	switch r {
	case ReasonSuccess:
		return "success_criteria"
	case ReasonTimeout:
		return "max_run_time"
	case ReasonStopFile:
		return "stop_signal"
	case ReasonSignal:
		return "os_signal"
	default:
		return "unknown"
	}
}

// Arbiter watches for the first terminal condition among its configured
// triggers and reports it exactly once via the onFire callback.
type Arbiter struct {
	log *zap.Logger
	bus *bus.Bus

	stopFilePath string
	maxRunTime   time.Duration
	criteria     *config.ResolvedPredicate

	once   sync.Once
	onFire func(Reason)

	criteriaEvents <-chan bus.StateChanged // set by Subscribe, consumed by watchCriteria
}

// New constructs an Arbiter. stopFilePath and maxRunTime may be zero
// values (disabled); criteria may be nil (disabled). onFire is invoked
// exactly once, the first time any trigger fires, from whichever
// goroutine observed it.
func New(log *zap.Logger, b *bus.Bus, stopFilePath string, maxRunTime time.Duration, criteria *config.ResolvedPredicate, onFire func(Reason)) *Arbiter {
	return &Arbiter{
		log:          log.Named("arbiter"),
		bus:          b,
		stopFilePath: stopFilePath,
		maxRunTime:   maxRunTime,
		criteria:     criteria,
		onFire:       onFire,
	}
}

// Subscribe attaches the Arbiter's success-criteria watcher to the bus
// immediately, if criteria is configured, so that a state reached before
// Run is called (in particular, a peer's `initialized` event, published
// synchronously as its FSM is constructed) is still observed rather than
// lost to a publish with no subscriber yet. Safe to call at most once;
// watchCriteria subscribes itself if this was never called.
func (a *Arbiter) Subscribe(ctx context.Context) {
	if a.criteria != nil {
		a.criteriaEvents = a.bus.Subscribe(ctx)
	}
}

// Run watches all configured triggers concurrently until one fires or
// ctx is cancelled. It returns once the first trigger has fired (or ctx
// ends first, in which case no trigger fires and onFire is never
// called — the Graph Controller's own shutdown already owns that path).
func (a *Arbiter) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fire := func(r Reason) {
		a.once.Do(func() {
			a.log.Info("terminal condition reached", zap.Stringer("reason", r))
			a.onFire(r)
		})
		cancel()
	}

	var wg sync.WaitGroup

	if a.stopFilePath != "" {
		wg.Add(1)
		go func() { defer wg.Done(); a.watchStopFile(ctx, fire) }()
	}
	if a.maxRunTime > 0 {
		wg.Add(1)
		go func() { defer wg.Done(); a.watchTimeout(ctx, fire) }()
	}
	if a.criteria != nil {
		wg.Add(1)
		go func() { defer wg.Done(); a.watchCriteria(ctx, fire) }()
	}

	wg.Add(1)
	go func() { defer wg.Done(); a.watchSignal(ctx, fire) }()

	wg.Wait()
}

func (a *Arbiter) watchStopFile(ctx context.Context, fire func(Reason)) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(a.stopFilePath); err == nil {
				fire(ReasonStopFile)
				return
			} else if !os.IsNotExist(err) {
				a.log.Warn("stop-file stat error", zap.Error(err))
			}
		}
	}
}

func (a *Arbiter) watchTimeout(ctx context.Context, fire func(Reason)) {
	timer := time.NewTimer(a.maxRunTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		fire(ReasonTimeout)
	}
}

// watchCriteria evaluates the success predicate on every state change.
// Unlike the Scheduler's per-program watermark latches, this is a single
// graph-wide predicate evaluated repeatedly.
func (a *Arbiter) watchCriteria(ctx context.Context, fire func(Reason)) {
	events := a.criteriaEvents
	if events == nil {
		events = a.bus.Subscribe(ctx)
	}
	watermarks := make(map[string]map[string]bool)

	check := func() bool {
		if len(a.criteria.Items) == 0 {
			return true
		}
		if a.criteria.Mode == config.ModeAny {
			for peer, state := range a.criteria.Items {
				if watermarks[peer][state] {
					return true
				}
			}
			return false
		}
		for peer, state := range a.criteria.Items {
			if !watermarks[peer][state] {
				return false
			}
		}
		return true
	}

	if check() {
		fire(ReasonSuccess)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			if watermarks[msg.Program] == nil {
				watermarks[msg.Program] = make(map[string]bool)
			}
			watermarks[msg.Program][msg.State.Name] = true
			if check() {
				fire(ReasonSuccess)
				return
			}
		}
	}
}

// watchSignal treats SIGINT/SIGTERM delivered to Shepherd itself as a
// shutdown trigger, so an operator's Ctrl-C (or a supervising process's
// SIGTERM) drives the same graceful shutdown protocol as any other
// terminal condition, which would otherwise only be reachable from
// inside the graph.
func (a *Arbiter) watchSignal(ctx context.Context, fire func(Reason)) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(ch)

	select {
	case <-ctx.Done():
	case <-ch:
		fire(ReasonSignal)
	}
}
