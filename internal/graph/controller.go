// Package graph implements the Graph Controller: the
// top-level loop that builds a Program FSM, Process Supervisor and Log
// Tailer for every configured program, wires them through the
// Dependency Scheduler and Terminal-Condition Arbiter, and drives the
// graceful shutdown protocol.
package graph

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shepherdhq/shepherd/internal/arbiter"
	"github.com/shepherdhq/shepherd/internal/artifact"
	"github.com/shepherdhq/shepherd/internal/bus"
	"github.com/shepherdhq/shepherd/internal/config"
	"github.com/shepherdhq/shepherd/internal/pstate"
	"github.com/shepherdhq/shepherd/internal/scheduler"
	"github.com/shepherdhq/shepherd/internal/supervisor"
	"github.com/shepherdhq/shepherd/internal/tailer"
)

// Disposition is the overall run outcome.
type Disposition int

const (
	Success Disposition = iota
	Timeout
	Signalled
	Failure
)

func (d Disposition) String() string {
	switch d {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case Signalled:
		return "signalled"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// ExitCode maps a Disposition to the process exit code: 0 on clean
// completion, non-zero otherwise.
func (d Disposition) ExitCode() int {
	if d == Success {
		return 0
	}
	return 1
}

type actor struct {
	name string
	fsm  *pstate.FSM
}

// Controller owns one run of the graph.
type Controller struct {
	log   *zap.Logger
	graph *config.Graph
}

// New constructs a Controller for g.
func New(log *zap.Logger, g *config.Graph) *Controller {
	return &Controller{log: log, graph: g}
}

// Run executes the full graph lifecycle to completion: build, start,
// idle until a terminal condition, shut down, emit the artifact, and
// return the overall disposition. It blocks until the graph has fully
// terminated; ctx cancellation is treated the same as an OS signal
// trigger.
func (c *Controller) Run(ctx context.Context) (Disposition, error) {
	origin := time.Now()
	runID := uuid.New().String()
	c.log = c.log.With(zap.String("run_id", runID))

	b := bus.New(256)
	sch := scheduler.New(c.log, b)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var reason *arbiter.Reason
	var reasonMu sync.Mutex
	arbiterFired := make(chan struct{})
	arb := arbiter.New(c.log, b, c.graph.StopSignalPath, c.graph.MaxRunTime, c.graph.SuccessCriteria, func(r arbiter.Reason) {
		reasonMu.Lock()
		reason = &r
		reasonMu.Unlock()
		close(arbiterFired)
	})

	// Subscribe both bus consumers before any FSM is constructed below: FSM
	// construction publishes that program's `initialized` event synchronously,
	// and the bus drops publishes with no subscriber attached yet.
	sch.Subscribe(runCtx)
	arb.Subscribe(runCtx)

	actors := make(map[string]*actor, len(c.graph.Names))

	failures := make(map[string]bool)
	var failuresMu sync.Mutex

	for _, name := range c.graph.Names {
		name := name
		cfg := c.graph.Programs[name]

		sup := supervisor.New(c.log, name, cfg.Command, c.graph.WorkDir, cfg.StdoutPath, cfg.StderrPath)

		onChange := func(s pstate.State, elapsed time.Duration) {
			b.Publish(bus.StateChanged{Program: name, State: s, Elapsed: elapsed})
			if s == pstate.ActionFailure || s == pstate.ServiceFailure {
				failuresMu.Lock()
				failures[name] = true
				failuresMu.Unlock()
			}
		}

		a := &actor{name: name}

		var tlr *tailer.Tailer
		onHit := func(h tailer.Hit) { a.fsm.PatternHit(h.State) }
		tlr = tailer.New(c.log, name, onHit)

		onStart := func() {
			sup.Start(func(d pstate.Disposition) { a.fsm.Exit(d) })
			if cfg.MonitorLog || cfg.FileState != nil {
				go tlr.Run(runCtx, sources(cfg))
			}
		}
		onStop := func() { sup.Stop() }

		a.fsm = pstate.New(name, cfg.Kind, origin, c.log, onChange, onStart, onStop)
		actors[name] = a

		sch.Watch(name, cfg.Dependency, a.fsm.DepsSatisfied)
	}

	// services runs the Scheduler and Arbiter event loops; both exit once
	// runCtx is cancelled below, at which point services.Wait() returns.
	var services errgroup.Group
	services.Go(func() error { sch.Run(runCtx); return nil })
	services.Go(func() error { arb.Run(runCtx); return nil })

	// finalWait fans in every program's FSM reaching `final` on its own.
	var finalWait errgroup.Group
	for _, a := range actors {
		a := a
		finalWait.Go(func() error { <-a.fsm.Done(); return nil })
	}
	allFinal := make(chan struct{})
	go func() { _ = finalWait.Wait(); close(allFinal) }()

	select {
	case <-allFinal:
	case <-arbiterFired:
	case <-ctx.Done():
		reasonMu.Lock()
		if reason == nil {
			r := arbiter.ReasonSignal
			reason = &r
		}
		reasonMu.Unlock()
	}

	cancel() // stop Scheduler, Arbiter, Tailers
	_ = services.Wait()

	c.log.Info("beginning shutdown")
	for _, a := range actors { // map iteration gives an arbitrary broadcast order
		a.fsm.StopRequested()
	}
	<-allFinal

	doc := artifact.Document{}
	for name, a := range actors {
		doc[name] = a.fsm.Times().Snapshot()
	}
	if err := artifact.Write(c.graph.StateTimesPath, doc); err != nil {
		return Failure, err
	}

	reasonMu.Lock()
	finalReason := reason
	reasonMu.Unlock()

	return c.disposition(finalReason, failures), nil
}

func (c *Controller) disposition(reason *arbiter.Reason, failures map[string]bool) Disposition {
	if reason != nil && *reason == arbiter.ReasonSuccess {
		return Success
	}
	if len(failures) > 0 {
		return Failure
	}
	if reason == nil {
		return Success
	}
	switch *reason {
	case arbiter.ReasonTimeout:
		return Timeout
	case arbiter.ReasonStopFile, arbiter.ReasonSignal:
		return Signalled
	default:
		return Success
	}
}

// sources builds the Tailer sources for one program: stdout/stderr (if
// monitor_log) and the file_states path (if configured), each following
// from the point its FromStart setting specifies.
func sources(cfg config.ResolvedProgram) []tailer.Source {
	var out []tailer.Source
	if cfg.MonitorLog && len(cfg.LogStates) > 0 {
		out = append(out,
			tailer.Source{Path: cfg.StdoutPath, Patterns: cfg.LogStates, FromStart: false},
			tailer.Source{Path: cfg.StderrPath, Patterns: cfg.LogStates, FromStart: false},
		)
	}
	if cfg.FileState != nil {
		out = append(out, tailer.Source{Path: cfg.FileState.Path, Patterns: cfg.FileState.States, FromStart: true})
	}
	return out
}
