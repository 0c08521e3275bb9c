package pstate

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// FSM is one program's state machine. It owns the mutable `state` field
// and the state_times map; all other components only ever observe it
// through the OnChange callback or a snapshot of Times.
//
// The lifecycle mirrors a one-shot, sync.Once-gated channel idiom:
// DepsSatisfied fires onStart exactly once, StopRequested fires onStop at
// most once, Done is closed exactly once on reaching Final (by Exit, or by
// StopRequested for a program still Initialized), and every later event on
// a final FSM is silently discarded.
type FSM struct {
	Name string
	Kind ProgramKind

	log    *zap.Logger
	origin time.Time
	times  *Times

	// onChange is invoked (outside any lock) on every successful transition,
	// with the new state and its elapsed-time-since-origin.
	onChange func(state State, elapsed time.Duration)
	// onStart is invoked once, when the FSM leaves Initialized for Started.
	// The Graph Controller wires this to the Process Supervisor's Start.
	onStart func()
	// onStop is invoked once, when StopRequested is accepted. Wired to the
	// Process Supervisor's graceful stop.
	onStop func()

	mu           sync.Mutex
	current      State
	stopRequest  bool
	startRequest sync.Once
	stopOnce     sync.Once
	done         chan struct{}
	doneOnce     sync.Once
}

// New constructs an FSM already in the Initialized state (state_times
// records "initialized" at ~0 elapsed).
func New(name string, kind ProgramKind, origin time.Time, log *zap.Logger, onChange func(State, time.Duration), onStart, onStop func()) *FSM {
	f := &FSM{
		Name:     name,
		Kind:     kind,
		log:      log,
		origin:   origin,
		times:    NewTimes(),
		onChange: onChange,
		onStart:  onStart,
		onStop:   onStop,
		current:  Initialized,
		done:     make(chan struct{}),
	}
	f.record(Initialized)
	return f
}

func (f *FSM) elapsed() time.Duration { return time.Since(f.origin) }

// record stores the first-entry timestamp for s and notifies onChange. It
// must be called with f.mu held, and does not itself change f.current.
// record is called synchronously under f.mu so that, for a single program,
// onChange observes states in the exact order they were recorded: pattern
// hits are delivered to the FSM in stream order and state_times entries
// are totally ordered. onChange (wired to the event bus) must itself be
// non-blocking.
func (f *FSM) record(s State) {
	el := f.elapsed()
	if f.times.RecordOnce(s.Name, el) && f.onChange != nil {
		f.onChange(s, el)
	}
}

// Times returns the FSM's state_times recorder.
func (f *FSM) Times() *Times { return f.times }

// Current returns a snapshot of the current state.
func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Done is closed once the FSM reaches Final.
func (f *FSM) Done() <-chan struct{} { return f.done }

func (f *FSM) isFinal() bool { return f.current == Final }

// DepsSatisfied delivers the deps_satisfied event: if the
// FSM is in Initialized, it transitions to Started and asks the Process
// Supervisor (via onStart) to spawn. A no-op if already past Initialized.
func (f *FSM) DepsSatisfied() {
	f.mu.Lock()
	if f.current != Initialized {
		f.mu.Unlock()
		return
	}
	f.current = Started
	f.record(Started)
	f.mu.Unlock()

	if f.onStart != nil {
		f.startRequest.Do(f.onStart)
	}
}

// PatternHit delivers a pattern_hit(state_name) event: valid
// only from Started or another user state; transitions to the named user
// state. Discarded if the FSM is final or still Initialized (a pattern
// cannot fire before the program has started).
func (f *FSM) PatternHit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.isFinal() {
		return
	}
	if f.current != Started && f.current.Kind != User {
		return
	}
	s := UserState(name)
	f.current = s
	f.record(s)
}

// StopRequested delivers stop_requested: records that a
// graceful stop was asked for (so a later Exit classifies as `stopped`
// rather than `service_failure`) and asks the Supervisor (via onStop) to
// signal the child. Idempotent and valid in any non-final state, including
// Initialized (a program may be stopped before it ever started).
//
// A program still Initialized never had onStart called, so no Supervisor
// exists to reap and no Exit will ever arrive to close Done: such a
// program goes straight to Final here instead, matching "programs that
// never advanced still appear with initialized and final".
func (f *FSM) StopRequested() {
	f.mu.Lock()
	if f.isFinal() {
		f.mu.Unlock()
		return
	}
	f.stopRequest = true

	if f.current == Initialized {
		f.current = Final
		f.record(Final)
		f.doneOnce.Do(func() { close(f.done) })
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	if f.onStop != nil {
		f.stopOnce.Do(f.onStop)
	}
}

// Exit delivers the exit(disposition) event: classifies the
// terminal state from d and the program's kind/stop-request history, records
// it, then immediately records Final.
func (f *FSM) Exit(d Disposition) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.isFinal() {
		return
	}

	term := f.classify(d)
	f.current = term
	f.record(term)
	f.current = Final
	f.record(Final)

	f.doneOnce.Do(func() { close(f.done) })
}

// classify implements the terminal-classification table. Must be
// called with f.mu held.
func (f *FSM) classify(d Disposition) State {
	if d.SpawnFailed {
		if f.Kind == KindService {
			return ServiceFailure
		}
		return ActionFailure
	}

	switch f.Kind {
	case KindAction:
		if !d.Signaled && d.Code == 0 {
			return ActionSuccess
		}
		return ActionFailure
	default: // KindService
		if f.stopRequest {
			return Stopped
		}
		return ServiceFailure
	}
}
