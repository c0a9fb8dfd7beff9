package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/pkg/schema"
)

func eventTypes(t *testing.T, st store.Store, tenantID, executionID string) []string {
	t.Helper()
	events, err := st.ListEvents(context.Background(), tenantID, executionID, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestExecutionTransitionsEmitEvents(t *testing.T) {
	st := store.NewMemoryStore()
	fsm := NewExecutionFSM(st)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "acme", "e1", schema.ExecutionStatusPending, schema.ExecutionStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "acme", "e1", schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted))

	assert.Equal(t, []string{schema.EventExecutionStarted, schema.EventExecutionCompleted},
		eventTypes(t, st, "acme", "e1"))
}

func TestExecutionTransitionTable(t *testing.T) {
	st := store.NewMemoryStore()
	fsm := NewExecutionFSM(st)
	ctx := context.Background()

	cases := []struct {
		from, to schema.ExecutionStatus
		ok       bool
	}{
		{schema.ExecutionStatusPending, schema.ExecutionStatusRunning, true},
		{schema.ExecutionStatusPending, schema.ExecutionStatusCancelled, true},
		{schema.ExecutionStatusPending, schema.ExecutionStatusCompleted, false},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, true},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusFailed, true},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled, true},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusPending, false},
		{schema.ExecutionStatusCompleted, schema.ExecutionStatusRunning, false},
		{schema.ExecutionStatusFailed, schema.ExecutionStatusRunning, false},
		{schema.ExecutionStatusCancelled, schema.ExecutionStatusRunning, false},
	}
	for _, tc := range cases {
		err := fsm.Transition(ctx, "acme", "e1", tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
			continue
		}
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		var flowErr *schema.FlowError
		require.ErrorAs(t, err, &flowErr)
		assert.Equal(t, schema.ErrCodeInvalidTransition, flowErr.Code)
	}
}

func TestStepTransitionTable(t *testing.T) {
	st := store.NewMemoryStore()
	fsm := NewStepFSM(st)
	ctx := context.Background()

	cases := []struct {
		from, to schema.StepStatus
		ok       bool
	}{
		{schema.StepStatusPending, schema.StepStatusRunning, true},
		{schema.StepStatusPending, schema.StepStatusWaiting, true},
		{schema.StepStatusPending, schema.StepStatusSkipped, true},
		{schema.StepStatusPending, schema.StepStatusSuccess, false},
		{schema.StepStatusWaiting, schema.StepStatusRunning, true},
		{schema.StepStatusWaiting, schema.StepStatusError, true},
		{schema.StepStatusWaiting, schema.StepStatusSkipped, true},
		{schema.StepStatusWaiting, schema.StepStatusSuccess, false},
		{schema.StepStatusRunning, schema.StepStatusSuccess, true},
		{schema.StepStatusRunning, schema.StepStatusError, true},
		{schema.StepStatusRunning, schema.StepStatusSkipped, true},
		{schema.StepStatusRunning, schema.StepStatusWaiting, false},
		{schema.StepStatusSuccess, schema.StepStatusRunning, false},
		{schema.StepStatusError, schema.StepStatusRunning, false},
		{schema.StepStatusSkipped, schema.StepStatusRunning, false},
	}
	for _, tc := range cases {
		err := fsm.Transition(ctx, "acme", "e1", "n1", tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.Error(t, err, "%s -> %s", tc.from, tc.to)
		}
	}
}

func TestStepTransitionsEmitEventsWithNode(t *testing.T) {
	st := store.NewMemoryStore()
	fsm := NewStepFSM(st)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "acme", "e1", "n1", schema.StepStatusPending, schema.StepStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "acme", "e1", "n1", schema.StepStatusRunning, schema.StepStatusSuccess))

	events, err := st.ListEvents(ctx, "acme", "e1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventStepDispatched, events[0].Type)
	assert.Equal(t, schema.EventStepCompleted, events[1].Type)
	assert.Equal(t, "n1", events[0].NodeID)
}

func TestTransitionHooks(t *testing.T) {
	st := store.NewMemoryStore()
	fsm := NewExecutionFSM(st)
	ctx := context.Background()

	var order []string
	fsm.OnBefore(schema.ExecutionStatusPending, schema.ExecutionStatusRunning, func(from, to string) error {
		order = append(order, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.ExecutionStatusPending, schema.ExecutionStatusRunning, func(from, to string) error {
		order = append(order, "after:"+from+"->"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(ctx, "acme", "e1", schema.ExecutionStatusPending, schema.ExecutionStatusRunning))
	assert.Equal(t, []string{"before:pending->running", "after:pending->running"}, order)
}

func TestBeforeHookFailureBlocksTransition(t *testing.T) {
	st := store.NewMemoryStore()
	fsm := NewExecutionFSM(st)
	ctx := context.Background()

	boom := errors.New("precondition failed")
	fsm.OnBefore(schema.ExecutionStatusPending, schema.ExecutionStatusRunning, func(from, to string) error {
		return boom
	})

	err := fsm.Transition(ctx, "acme", "e1", schema.ExecutionStatusPending, schema.ExecutionStatusRunning)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, eventTypes(t, st, "acme", "e1"), "failed transition must not emit an event")
}
