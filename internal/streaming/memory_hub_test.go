package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/pkg/schema"
)

func event(tenantID, execID, eventType string) *store.Event {
	return &store.Event{
		TenantID:    tenantID,
		ExecutionID: execID,
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
	}
}

func recv(t *testing.T, ch <-chan *store.Event) *store.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func assertEmpty(t *testing.T, ch <-chan *store.Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}

func TestHubDeliversToMatchingSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	all, cancelAll, err := hub.Subscribe(ctx, Filter{TenantID: "acme"})
	require.NoError(t, err)
	defer cancelAll()

	one, cancelOne, err := hub.Subscribe(ctx, Filter{TenantID: "acme", ExecutionID: "e1"})
	require.NoError(t, err)
	defer cancelOne()

	require.NoError(t, hub.Publish(ctx, event("acme", "e1", schema.EventExecutionStarted)))
	require.NoError(t, hub.Publish(ctx, event("acme", "e2", schema.EventExecutionStarted)))

	assert.Equal(t, "e1", recv(t, all).ExecutionID)
	assert.Equal(t, "e2", recv(t, all).ExecutionID)

	assert.Equal(t, "e1", recv(t, one).ExecutionID)
	assertEmpty(t, one)
}

func TestHubIsolatesTenants(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{TenantID: "acme"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, event("globex", "e1", schema.EventExecutionStarted)))
	assertEmpty(t, ch)
}

func TestHubFiltersByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{
		TenantID: "acme",
		Types:    []string{schema.EventGateRequested, schema.EventGateApproved},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, event("acme", "e1", schema.EventStepDispatched)))
	require.NoError(t, hub.Publish(ctx, event("acme", "e1", schema.EventGateRequested)))

	assert.Equal(t, schema.EventGateRequested, recv(t, ch).Type)
	assertEmpty(t, ch)
}

func TestHubRequiresTenant(t *testing.T) {
	hub := NewMemoryHub()
	_, _, err := hub.Subscribe(context.Background(), Filter{})
	require.Error(t, err)
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{TenantID: "acme"})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, event("acme", "e1", schema.EventStepCompleted)))
	}
	assert.Len(t, ch, subscriberBuffer, "overflow is dropped, not blocked on")
}

func TestHubCancelStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{TenantID: "acme"})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, event("acme", "e1", schema.EventExecutionStarted)))
	assertEmpty(t, ch)
}

func TestTeeStorePublishesAfterDurableWrite(t *testing.T) {
	hub := NewMemoryHub()
	st := Tee(store.NewMemoryStore(), hub)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{TenantID: "acme", ExecutionID: "e1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, st.AppendEvent(ctx, event("acme", "e1", schema.EventExecutionStarted)))

	got := recv(t, ch)
	assert.Equal(t, schema.EventExecutionStarted, got.Type)
	assert.EqualValues(t, 1, got.Sequence, "the published event carries the sequence the store assigned")

	durable, err := st.ListEvents(ctx, "acme", "e1", 0)
	require.NoError(t, err)
	require.Len(t, durable, 1)
}
