package pstate_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shepherdhq/shepherd/internal/pstate"
)

func newFSM(t *testing.T, kind pstate.ProgramKind, onChange func(pstate.State, time.Duration)) *pstate.FSM {
	t.Helper()
	var onStartCalls, onStopCalls int
	return pstate.New("p", kind, time.Now(), zap.NewNop(), onChange, func() { onStartCalls++ }, func() { onStopCalls++ })
}

func TestFSM_ActionSuccess(t *testing.T) {
	var mu sync.Mutex
	var seen []pstate.State
	f := newFSM(t, pstate.KindAction, func(s pstate.State, _ time.Duration) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	require.Equal(t, pstate.Initialized, f.Current())

	f.DepsSatisfied()
	require.Equal(t, pstate.Started, f.Current())

	f.PatternHit("ready")
	require.Equal(t, pstate.UserState("ready"), f.Current())

	f.Exit(pstate.Disposition{Code: 0})
	<-f.Done()
	require.Equal(t, pstate.Final, f.Current())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []pstate.State{
		pstate.Initialized, pstate.Started, pstate.UserState("ready"), pstate.ActionSuccess, pstate.Final,
	}, seen)
}

func TestFSM_ActionFailureOnNonZeroExit(t *testing.T) {
	f := newFSM(t, pstate.KindAction, nil)
	f.DepsSatisfied()
	f.Exit(pstate.Disposition{Code: 1})
	<-f.Done()
	assert.True(t, f.Times().Has("action_failure"))
	assert.False(t, f.Times().Has("action_success"))
}

func TestFSM_ServiceFailureVsStopped(t *testing.T) {
	svc := newFSM(t, pstate.KindService, nil)
	svc.DepsSatisfied()
	svc.Exit(pstate.Disposition{Code: 1})
	<-svc.Done()
	assert.True(t, svc.Times().Has("service_failure"))

	stopped := newFSM(t, pstate.KindService, nil)
	stopped.DepsSatisfied()
	stopped.StopRequested()
	stopped.Exit(pstate.Disposition{Code: 0})
	<-stopped.Done()
	assert.True(t, stopped.Times().Has("stopped"))
	assert.False(t, stopped.Times().Has("service_failure"))
}

func TestFSM_SpawnFailureSkipsStarted(t *testing.T) {
	f := newFSM(t, pstate.KindAction, nil)
	f.Exit(pstate.Disposition{SpawnFailed: true})
	<-f.Done()
	assert.False(t, f.Times().Has("started"))
	assert.True(t, f.Times().Has("action_failure"))
	assert.True(t, f.Times().Has("final"))
	assert.True(t, f.Times().Has("initialized"))
}

func TestFSM_EventsAfterFinalAreDiscarded(t *testing.T) {
	f := newFSM(t, pstate.KindAction, nil)
	f.DepsSatisfied()
	f.Exit(pstate.Disposition{Code: 0})
	<-f.Done()

	f.PatternHit("late")
	f.StopRequested()
	f.Exit(pstate.Disposition{Code: 1})

	assert.Equal(t, pstate.Final, f.Current())
	assert.False(t, f.Times().Has("late"))
	assert.True(t, f.Times().Has("action_success"))
}

func TestFSM_StateTimesMonotonic(t *testing.T) {
	f := newFSM(t, pstate.KindAction, nil)
	f.DepsSatisfied()
	time.Sleep(2 * time.Millisecond)
	f.PatternHit("mid")
	time.Sleep(2 * time.Millisecond)
	f.Exit(pstate.Disposition{Code: 0})
	<-f.Done()

	sorted := f.Times().SortedBySeconds()
	require.True(t, len(sorted) >= 4)
	for i := 1; i < len(sorted); i++ {
		assert.GreaterOrEqual(t, sorted[i].Seconds, sorted[i-1].Seconds)
	}
	names := f.Times().OrderedNames()
	assert.Equal(t, "final", names[len(names)-1])
}

func TestFSM_PatternHitIgnoredBeforeStarted(t *testing.T) {
	f := newFSM(t, pstate.KindAction, nil)
	f.PatternHit("early")
	assert.Equal(t, pstate.Initialized, f.Current())
	assert.False(t, f.Times().Has("early"))
}
