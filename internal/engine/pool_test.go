package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"yqhp/cluster-registry/pkg/types"
)

func taskEvent(pid, tid int64) types.StateEvent {
	return types.StateEvent{
		TaskInstanceID:    tid,
		ProcessInstanceID: pid,
		Type:              types.StateEventTaskStateChange,
		ExecutionStatus:   types.ExecutionStatusNeedFaultTolerance,
	}
}

func TestEventsOfOneInstanceAreOrdered(t *testing.T) {
	pool, err := NewWorkflowEventPool(context.Background(), 4)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []int64
	pool.RegisterHandler(1, func(ctx context.Context, ev types.StateEvent) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		got = append(got, ev.TaskInstanceID)
		mu.Unlock()
		return nil
	})

	for i := int64(1); i <= 20; i++ {
		pool.SubmitStateEvent(taskEvent(1, i))
	}
	require.NoError(t, pool.Release(5*time.Second))

	want := make([]int64, 20)
	for i := range want {
		want[i] = int64(i + 1)
	}
	assert.Equal(t, want, got)
}

func TestInstancesRunInParallel(t *testing.T) {
	pool, err := NewWorkflowEventPool(context.Background(), 2)
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan int64, 2)
	handler := func(ctx context.Context, ev types.StateEvent) error {
		started <- ev.ProcessInstanceID
		<-release
		return nil
	}
	pool.RegisterHandler(1, handler)
	pool.RegisterHandler(2, handler)

	pool.SubmitStateEvent(taskEvent(1, 10))
	pool.SubmitStateEvent(taskEvent(2, 20))

	seen := map[int64]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-started:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("instances did not run in parallel")
		}
	}
	close(release)
	assert.Equal(t, map[int64]bool{1: true, 2: true}, seen)
	require.NoError(t, pool.Release(time.Second))
}

func TestEventWithoutHandlerIsDropped(t *testing.T) {
	pool, err := NewWorkflowEventPool(context.Background(), 1)
	require.NoError(t, err)

	pool.SubmitStateEvent(taskEvent(99, 1))
	assert.Equal(t, 0, pool.Running())
	require.NoError(t, pool.Release(time.Second))
}

func TestFallbackHandlerReceivesUnclaimedEvents(t *testing.T) {
	pool, err := NewWorkflowEventPool(context.Background(), 2)
	require.NoError(t, err)

	var mu sync.Mutex
	var fallback, owned []int64
	pool.SetFallbackHandler(func(ctx context.Context, ev types.StateEvent) error {
		mu.Lock()
		defer mu.Unlock()
		fallback = append(fallback, ev.TaskInstanceID)
		return nil
	})
	pool.RegisterHandler(1, func(ctx context.Context, ev types.StateEvent) error {
		mu.Lock()
		defer mu.Unlock()
		owned = append(owned, ev.TaskInstanceID)
		return nil
	})

	pool.SubmitStateEvent(taskEvent(1, 11))
	pool.SubmitStateEvent(taskEvent(2, 21))
	pool.SubmitStateEvent(taskEvent(2, 22))
	require.NoError(t, pool.Release(5*time.Second))

	assert.Equal(t, []int64{11}, owned)
	assert.Equal(t, []int64{21, 22}, fallback)
}

func TestLoggingHandler(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := LoggingHandler(zap.New(core))

	require.NoError(t, h(context.Background(), taskEvent(7, 70)))
	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].ContextMap()["process_instance_id"])
	assert.Equal(t, string(types.ExecutionStatusNeedFaultTolerance), entries[0].ContextMap()["status"])
}

func TestHandlerFailuresDoNotStopTheQueue(t *testing.T) {
	pool, err := NewWorkflowEventPool(context.Background(), 1)
	require.NoError(t, err)

	var mu sync.Mutex
	var handled []int64
	pool.RegisterHandler(1, func(ctx context.Context, ev types.StateEvent) error {
		mu.Lock()
		handled = append(handled, ev.TaskInstanceID)
		mu.Unlock()
		switch ev.TaskInstanceID {
		case 1:
			return errors.New("runner busy")
		case 2:
			panic("runner crashed")
		}
		return nil
	})

	pool.SubmitStateEvent(taskEvent(1, 1))
	pool.SubmitStateEvent(taskEvent(1, 2))
	pool.SubmitStateEvent(taskEvent(1, 3))
	require.NoError(t, pool.Release(2*time.Second))

	assert.Equal(t, []int64{1, 2, 3}, handled)
}

func TestUnregisteredHandlerDropsQueuedEvents(t *testing.T) {
	pool, err := NewWorkflowEventPool(context.Background(), 1)
	require.NoError(t, err)

	block := make(chan struct{})
	var mu sync.Mutex
	var handled []int64
	pool.RegisterHandler(1, func(ctx context.Context, ev types.StateEvent) error {
		if ev.TaskInstanceID == 1 {
			<-block
		}
		mu.Lock()
		handled = append(handled, ev.TaskInstanceID)
		mu.Unlock()
		return nil
	})

	pool.SubmitStateEvent(taskEvent(1, 1))
	pool.SubmitStateEvent(taskEvent(1, 2))
	pool.UnregisterHandler(1)
	close(block)
	require.NoError(t, pool.Release(2*time.Second))

	assert.Equal(t, []int64{1}, handled)
}
