// Package scheduler implements the Dependency Scheduler: for
// each program, watch peer state changes on the bus and deliver
// deps_satisfied to its FSM exactly once, the moment its predicate over
// peer state watermarks becomes true.
package scheduler

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/shepherdhq/shepherd/internal/bus"
	"github.com/shepherdhq/shepherd/internal/config"
)

// Scheduler watches one bus for every program's dependency predicate and
// invokes a per-program callback exactly once, when satisfied.
type Scheduler struct {
	log *zap.Logger
	bus *bus.Bus

	mu         sync.Mutex
	watermarks map[string]map[string]bool // peer -> set of states reached/passed
	pending    map[string]*predicate      // program -> its not-yet-satisfied predicate

	events <-chan bus.StateChanged // set by Subscribe, consumed by Run
}

type predicate struct {
	mode    string
	items   map[string]string // peer -> required state
	onReady func()
	fired   bool
}

// New constructs a Scheduler bound to b. Call Watch once per program
// before Run.
func New(log *zap.Logger, b *bus.Bus) *Scheduler {
	return &Scheduler{
		log:        log.Named("scheduler"),
		bus:        b,
		watermarks: make(map[string]map[string]bool),
		pending:    make(map[string]*predicate),
	}
}

// Watch registers program's dependency predicate. onReady is invoked at
// most once, synchronously from Run's event loop, when the predicate is
// satisfied (or immediately, from Run's startup pass, if program has no
// declared dependencies — such a program is eligible to start right away).
func (s *Scheduler) Watch(program string, dep config.ResolvedPredicate, onReady func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[program] = &predicate{mode: dep.Mode, items: dep.Items, onReady: onReady}
}

// Subscribe attaches the Scheduler to its bus immediately, so that events
// published before Run is called (in particular, a program's `initialized`
// event, published synchronously as its FSM is constructed) are still
// buffered and observed rather than lost to a publish with no subscriber
// yet. Safe to call at most once; Run subscribes itself if this was never
// called.
func (s *Scheduler) Subscribe(ctx context.Context) {
	s.events = s.bus.Subscribe(ctx)
}

// Run evaluates every registered predicate against the watermarks
// observed so far, firing any already-satisfied ones (in particular,
// no-dependency programs), then consumes bus events until ctx is done,
// re-evaluating and firing predicates as peer watermarks advance.
func (s *Scheduler) Run(ctx context.Context) {
	events := s.events
	if events == nil {
		events = s.bus.Subscribe(ctx)
	}

	s.mu.Lock()
	s.fireSatisfied()
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			s.mu.Lock()
			if s.watermarks[msg.Program] == nil {
				s.watermarks[msg.Program] = make(map[string]bool)
			}
			s.watermarks[msg.Program][msg.State.Name] = true
			s.fireSatisfied()
			s.mu.Unlock()
		}
	}
}

// fireSatisfied must be called with s.mu held. It evaluates every
// not-yet-fired predicate and fires the ones now satisfied. A fired
// predicate is never re-evaluated: it latches, and is not withdrawn
// even if a peer later reaches a terminal failure state.
func (s *Scheduler) fireSatisfied() {
	for program, p := range s.pending {
		if p.fired {
			continue
		}
		if s.satisfied(p) {
			p.fired = true
			s.log.Debug("dependency satisfied", zap.String("program", program))
			p.onReady()
		}
	}
}

func (s *Scheduler) satisfied(p *predicate) bool {
	if len(p.items) == 0 {
		return true
	}
	if p.mode == config.ModeAny {
		for peer, state := range p.items {
			if s.watermarks[peer][state] {
				return true
			}
		}
		return false
	}
	for peer, state := range p.items {
		if !s.watermarks[peer][state] {
			return false
		}
	}
	return true
}
