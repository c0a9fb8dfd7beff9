package panel

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridflow/gridflow/internal/secrets"
	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/internal/streaming"
	"github.com/gridflow/gridflow/pkg/schema"
)

// stubEngine records coordinator calls.
type stubEngine struct {
	mu        sync.Mutex
	cancelled []string
	retried   []string
	resolved  []string
	err       error
}

func (e *stubEngine) Cancel(ctx context.Context, tenantID, executionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, tenantID+"/"+executionID)
	return e.err
}

func (e *stubEngine) Retry(ctx context.Context, tenantID, executionID string) (*store.Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retried = append(e.retried, tenantID+"/"+executionID)
	if e.err != nil {
		return nil, e.err
	}
	return &store.Execution{ID: "e-retry", TenantID: tenantID}, nil
}

func (e *stubEngine) ResolveApproval(ctx context.Context, tenantID, actionID string, approve bool, reviewer string) (*store.Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolved = append(e.resolved, actionID)
	if e.err != nil {
		return nil, e.err
	}
	return &store.Execution{ID: "e1", TenantID: tenantID, Status: schema.ExecutionStatusCompleted}, nil
}

// stubFlows records trigger service calls.
type stubFlows struct {
	mu       sync.Mutex
	manual   []string
	webhooks []map[string]any
	err      error
}

func (f *stubFlows) Manual(ctx context.Context, tenantID, graphID string, input map[string]any) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manual = append(f.manual, tenantID+"/"+graphID)
	if f.err != nil {
		return nil, f.err
	}
	return &store.Execution{ID: "e1", TenantID: tenantID, GraphID: graphID, Status: schema.ExecutionStatusCompleted}, nil
}

func (f *stubFlows) Webhook(ctx context.Context, tenantID, graphID, endpoint string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks = append(f.webhooks, payload)
	return f.err
}

type testPanel struct {
	server *httptest.Server
	store  store.Store
	hub    *streaming.MemoryHub
	engine *stubEngine
	flows  *stubFlows
	vault  secrets.Vault
}

func newTestPanel(t *testing.T, withVault bool) *testPanel {
	t.Helper()

	st := store.NewMemoryStore()
	hub := streaming.NewMemoryHub()
	eng := &stubEngine{}
	flows := &stubFlows{}

	var vault secrets.Vault
	if withVault {
		fs, err := secrets.NewFileStore(filepath.Join(t.TempDir(), "secrets.json"))
		require.NoError(t, err)
		vault, err = secrets.NewAESVault(fs, secrets.VaultConfig{MasterKey: bytes.Repeat([]byte("k"), 32)})
		require.NoError(t, err)
	}

	srv := NewServer(Deps{
		Store:  st,
		Engine: eng,
		Flows:  flows,
		Hub:    hub,
		Vault:  vault,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testPanel{server: ts, store: st, hub: hub, engine: eng, flows: flows, vault: vault}
}

func (p *testPanel) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, p.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", "acme")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func draftGraph() map[string]any {
	return map[string]any{
		"id":   "g1",
		"name": "lead scoring",
		"nodes": []map[string]any{
			{"id": "start", "type": "trigger"},
			{"id": "check", "type": "condition", "config": map[string]any{"expression": "input.score > 50"}},
		},
		"edges": []map[string]any{
			{"id": "e1", "source": "start", "target": "check"},
		},
	}
}

func TestTenantHeaderIsRequired(t *testing.T) {
	p := newTestPanel(t, false)

	req, err := http.NewRequest(http.MethodGet, p.server.URL+"/api/graphs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGraphLifecycleOverHTTP(t *testing.T) {
	p := newTestPanel(t, false)

	resp := p.do(t, http.MethodPost, "/api/graphs", draftGraph(), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = p.do(t, http.MethodPost, "/api/graphs/g1/publish", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	published := decode[map[string]any](t, resp)
	assert.EqualValues(t, 2, published["version"])

	resp = p.do(t, http.MethodGet, "/api/graphs/g1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	def := decode[schema.GraphDefinition](t, resp)
	assert.Equal(t, schema.GraphStatusPublished, def.Status)
	assert.Equal(t, 2, def.Version)

	resp = p.do(t, http.MethodGet, "/api/graphs?status=published", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = p.do(t, http.MethodPost, "/api/graphs/g1/archive", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPublishInvalidDraftReportsViolations(t *testing.T) {
	p := newTestPanel(t, false)

	bad := draftGraph()
	bad["edges"] = []map[string]any{} // condition node left unreachable
	resp := p.do(t, http.MethodPost, "/api/graphs", bad, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = p.do(t, http.MethodPost, "/api/graphs/g1/publish", nil, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.NotEmpty(t, body["violations"])
}

func TestGetUnknownGraphIs404(t *testing.T) {
	p := newTestPanel(t, false)
	resp := p.do(t, http.MethodGet, "/api/graphs/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartExecution(t *testing.T) {
	p := newTestPanel(t, false)

	resp := p.do(t, http.MethodPost, "/api/executions", map[string]any{
		"graph_id": "g1",
		"input":    map[string]any{"score": 72},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	exec := decode[store.Execution](t, resp)
	assert.Equal(t, "e1", exec.ID)
	assert.Equal(t, []string{"acme/g1"}, p.flows.manual)

	resp = p.do(t, http.MethodPost, "/api/executions", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecutionControls(t *testing.T) {
	p := newTestPanel(t, false)

	resp := p.do(t, http.MethodPost, "/api/executions/e1/cancel", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"acme/e1"}, p.engine.cancelled)

	resp = p.do(t, http.MethodPost, "/api/executions/e1/retry", nil, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{"acme/e1"}, p.engine.retried)
}

func TestEngineErrorsMapToStatusCodes(t *testing.T) {
	p := newTestPanel(t, false)
	p.engine.err = schema.NewError(schema.ErrCodeNotFound, "no such execution")

	resp := p.do(t, http.MethodPost, "/api/executions/ghost/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	p.engine.err = schema.NewError(schema.ErrCodeConflict, "only failed executions can be retried")
	resp = p.do(t, http.MethodPost, "/api/executions/e1/retry", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestResolveApproval(t *testing.T) {
	p := newTestPanel(t, false)

	resp := p.do(t, http.MethodPost, "/api/approvals/pa-1/resolve", map[string]any{
		"approve":  true,
		"reviewer": "reviewer@acme",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"pa-1"}, p.engine.resolved)

	resp = p.do(t, http.MethodPost, "/api/approvals/pa-2/resolve", map[string]any{"approve": false}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "reviewer is mandatory")
}

func TestListApprovalsFromStore(t *testing.T) {
	p := newTestPanel(t, false)
	ctx := context.Background()

	require.NoError(t, p.store.CreatePendingAction(ctx, &store.PendingAction{
		ID: "pa-1", TenantID: "acme", ExecutionID: "e1", NodeID: "sync",
		Status: store.ApprovalPending, ExpiresAt: time.Now().UTC().Add(time.Hour),
	}))

	resp := p.do(t, http.MethodGet, "/api/approvals?status=pending", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string][]store.PendingAction](t, resp)
	require.Len(t, body["approvals"], 1)
	assert.Equal(t, "pa-1", body["approvals"][0].ID)
}

func TestScheduleLifecycle(t *testing.T) {
	p := newTestPanel(t, false)

	resp := p.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"graph_id":  "g1",
		"cron_expr": "*/5 * * * *",
		"input":     map[string]any{"segment": "smb"},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]any](t, resp)
	id := created["id"].(string)
	assert.NotEmpty(t, created["next_run_at"], "next run is computed at creation")

	resp = p.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"graph_id":  "g1",
		"cron_expr": "not a cron expr",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = p.do(t, http.MethodPut, "/api/schedules/"+id, map[string]any{"enabled": false}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = p.do(t, http.MethodGet, "/api/schedules", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string][]store.Schedule](t, resp)
	require.Len(t, body["schedules"], 1)
	assert.False(t, body["schedules"][0].Enabled)
}

func TestSecretsAPIRequiresVault(t *testing.T) {
	p := newTestPanel(t, false)
	resp := p.do(t, http.MethodGet, "/api/secrets", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSecretsAPI(t *testing.T) {
	p := newTestPanel(t, true)

	resp := p.do(t, http.MethodPut, "/api/secrets/webhook.g1", map[string]any{"value": "signing-key"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = p.do(t, http.MethodGet, "/api/secrets", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string][]string](t, resp)
	assert.Equal(t, []string{"webhook.g1"}, body["secrets"])

	resp = p.do(t, http.MethodDelete, "/api/secrets/webhook.g1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = p.do(t, http.MethodDelete, "/api/secrets/webhook.g1", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInboundWebhookWithoutSecretIsOpen(t *testing.T) {
	p := newTestPanel(t, true)

	resp := p.do(t, http.MethodPost, "/hooks/g1", map[string]any{"lead_id": "L-9"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, p.flows.webhooks, 1)
	assert.Equal(t, map[string]any{"lead_id": "L-9"}, p.flows.webhooks[0])
}

func TestInboundWebhookSignatureVerification(t *testing.T) {
	p := newTestPanel(t, true)
	ctx := context.Background()

	require.NoError(t, p.vault.Store(ctx, "acme/webhook.g1", []byte("signing-key")))

	payload := []byte(`{"lead_id": "L-9"}`)
	mac := hmac.New(sha256.New, []byte("signing-key"))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, p.server.URL+"/hooks/g1", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", "acme")
	req.Header.Set(SignatureHeader, sig)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Tampered body fails the check and never reaches the trigger service.
	req, err = http.NewRequest(http.MethodPost, p.server.URL+"/hooks/g1", strings.NewReader(`{"lead_id": "L-666"}`))
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", "acme")
	req.Header.Set(SignatureHeader, sig)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Len(t, p.flows.webhooks, 1)
}

func TestSSEStreamsHubEvents(t *testing.T) {
	p := newTestPanel(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.server.URL+"/sse/executions/e1", nil)
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", "acme")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Republish until the handler's subscription is registered and the
	// scanner below sees the first frame.
	pubCtx, stopPublishing := context.WithCancel(context.Background())
	defer stopPublishing()
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-pubCtx.Done():
				return
			case <-ticker.C:
				_ = p.hub.Publish(pubCtx, &store.Event{
					TenantID: "acme", ExecutionID: "e1", Type: schema.EventExecutionStarted,
				})
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	assert.Equal(t, "event: "+schema.EventExecutionStarted, eventLine)

	var evt store.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &evt))
	assert.Equal(t, "e1", evt.ExecutionID)
}
