package trigger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridflow/gridflow/internal/engine"
	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/pkg/schema"
)

type startCall struct {
	tenantID string
	graphID  string
	input    map[string]any
	trigger  schema.TriggerDescriptor
}

// stubRunner records Start calls instead of driving real executions.
type stubRunner struct {
	mu    sync.Mutex
	calls []startCall
	err   error
	fired chan struct{}
}

func newStubRunner() *stubRunner {
	return &stubRunner{fired: make(chan struct{}, 16)}
}

func (r *stubRunner) Start(ctx context.Context, tenantID, graphID string, input map[string]any, trigger schema.TriggerDescriptor) (*store.Execution, error) {
	r.mu.Lock()
	r.calls = append(r.calls, startCall{tenantID: tenantID, graphID: graphID, input: input, trigger: trigger})
	r.mu.Unlock()
	r.fired <- struct{}{}
	if r.err != nil {
		return nil, r.err
	}
	return &store.Execution{ID: "e1", TenantID: tenantID, GraphID: graphID, Status: schema.ExecutionStatusCompleted}, nil
}

func (r *stubRunner) snapshot() []startCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]startCall(nil), r.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, runner Runner) *Service {
	t.Helper()
	pool := engine.NewWorkerPool(2)
	t.Cleanup(pool.Shutdown)
	return NewService(runner, pool, discardLogger())
}

func waitFired(t *testing.T, r *stubRunner) {
	t.Helper()
	select {
	case <-r.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("runner was never invoked")
	}
}

func TestManualStartsSynchronously(t *testing.T) {
	runner := newStubRunner()
	svc := newTestService(t, runner)

	input := map[string]any{"score": 72}
	exec, err := svc.Manual(context.Background(), "acme", "g1", input)
	require.NoError(t, err)
	assert.Equal(t, "e1", exec.ID)

	calls := runner.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "acme", calls[0].tenantID)
	assert.Equal(t, "g1", calls[0].graphID)
	assert.Equal(t, schema.TriggerManual, calls[0].trigger.Type)
	assert.Equal(t, input, calls[0].trigger.Payload)
}

func TestAgentRecordsSource(t *testing.T) {
	runner := newStubRunner()
	svc := newTestService(t, runner)

	_, err := svc.Agent(context.Background(), "acme", "g1", "agent-1", map[string]any{"q": "renew"})
	require.NoError(t, err)

	calls := runner.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, schema.TriggerAgent, calls[0].trigger.Type)
	assert.Equal(t, "agent-1", calls[0].trigger.Source)
}

func TestWebhookRunsThroughPool(t *testing.T) {
	runner := newStubRunner()
	svc := newTestService(t, runner)

	err := svc.Webhook(context.Background(), "acme", "g1", "hooks/lead-created", map[string]any{"id": "L-9"})
	require.NoError(t, err)
	waitFired(t, runner)

	calls := runner.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, schema.TriggerWebhook, calls[0].trigger.Type)
	assert.Equal(t, "hooks/lead-created", calls[0].trigger.Source)
	assert.Equal(t, map[string]any{"id": "L-9"}, calls[0].input)
}

func TestWebhookSubmitRespectsContext(t *testing.T) {
	runner := newStubRunner()
	pool := engine.NewWorkerPool(1)
	t.Cleanup(pool.Shutdown)
	svc := NewService(runner, pool, discardLogger())

	// Saturate the pool so the next submission has to wait.
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := svc.Webhook(ctx, "acme", "g1", "hooks/x", nil)
	require.Error(t, err)
	close(block)
}
