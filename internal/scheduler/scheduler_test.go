package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/shepherdhq/shepherd/internal/bus"
	"github.com/shepherdhq/shepherd/internal/config"
	"github.com/shepherdhq/shepherd/internal/pstate"
	"github.com/shepherdhq/shepherd/internal/scheduler"
)

func TestScheduler_NoDependencyFiresImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New(8)
	s := scheduler.New(zap.NewNop(), b)

	var fired atomic.Bool
	s.Watch("p", config.ResolvedPredicate{Mode: config.ModeAll}, func() { fired.Store(true) })

	go s.Run(ctx)

	assert.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestScheduler_AllModeWaitsForEveryPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New(8)
	s := scheduler.New(zap.NewNop(), b)

	var fired atomic.Bool
	s.Watch("c", config.ResolvedPredicate{
		Mode:  config.ModeAll,
		Items: map[string]string{"a": "action_success", "b": "action_success"},
	}, func() { fired.Store(true) })

	go s.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	b.Publish(bus.StateChanged{Program: "a", State: pstate.ActionSuccess})
	time.Sleep(20 * time.Millisecond)
	assert.False(t, fired.Load())

	b.Publish(bus.StateChanged{Program: "b", State: pstate.ActionSuccess})
	assert.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestScheduler_AnyModeFiresOnFirstPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New(8)
	s := scheduler.New(zap.NewNop(), b)

	var fired atomic.Bool
	s.Watch("c", config.ResolvedPredicate{
		Mode:  config.ModeAny,
		Items: map[string]string{"a": "action_success", "b": "action_success"},
	}, func() { fired.Store(true) })

	go s.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	b.Publish(bus.StateChanged{Program: "b", State: pstate.ActionFailure})
	time.Sleep(20 * time.Millisecond)
	assert.False(t, fired.Load())

	b.Publish(bus.StateChanged{Program: "a", State: pstate.ActionSuccess})
	assert.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestScheduler_LatchIsNotWithdrawn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New(8)
	s := scheduler.New(zap.NewNop(), b)

	var callCount atomic.Int32
	s.Watch("c", config.ResolvedPredicate{
		Mode:  config.ModeAll,
		Items: map[string]string{"a": "ready"},
	}, func() { callCount.Add(1) })

	go s.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	b.Publish(bus.StateChanged{Program: "a", State: pstate.UserState("ready")})
	assert.Eventually(t, func() bool { return callCount.Load() == 1 }, time.Second, 5*time.Millisecond)

	b.Publish(bus.StateChanged{Program: "a", State: pstate.ActionFailure})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), callCount.Load())
}
