// Package panel serves the HTTP admin surface: graph lifecycle, execution
// control, approval resolution, schedules, tenant webhook endpoints, and
// live event streams over SSE. It is a thin JSON layer over the engine;
// all invariants live below it.
package panel

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/gridflow/gridflow/internal/secrets"
	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/internal/streaming"
)

// Engine is the slice of the coordinator the panel drives.
type Engine interface {
	Cancel(ctx context.Context, tenantID, executionID string) error
	Retry(ctx context.Context, tenantID, executionID string) (*store.Execution, error)
	ResolveApproval(ctx context.Context, tenantID, actionID string, approve bool, reviewer string) (*store.Execution, error)
}

// Flows is the slice of the trigger service the panel starts runs through.
type Flows interface {
	Manual(ctx context.Context, tenantID, graphID string, input map[string]any) (*store.Execution, error)
	Webhook(ctx context.Context, tenantID, graphID, endpoint string, payload map[string]any) error
}

// Deps holds the collaborators behind the admin API.
type Deps struct {
	Store  store.Store
	Engine Engine
	Flows  Flows
	Hub    streaming.Hub
	Vault  secrets.Vault // optional; webhook signature checks and the secrets API need it
	Logger *slog.Logger
}

// Server is the HTTP admin server.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all panel routes. Every route runs
// behind the tenant middleware; the tenant arrives in the X-Tenant-ID
// header and scopes every query below.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Graph lifecycle.
	mux.HandleFunc("GET /api/graphs", s.handleListGraphs)
	mux.HandleFunc("POST /api/graphs", s.handleCreateGraph)
	mux.HandleFunc("GET /api/graphs/{id}", s.handleGetGraph)
	mux.HandleFunc("PUT /api/graphs/{id}", s.handleUpdateDraft)
	mux.HandleFunc("POST /api/graphs/{id}/publish", s.handlePublishGraph)
	mux.HandleFunc("POST /api/graphs/{id}/archive", s.handleArchiveGraph)

	// Executions.
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("POST /api/executions", s.handleStartExecution)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/executions/{id}/events", s.handleListEvents)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("POST /api/executions/{id}/retry", s.handleRetryExecution)

	// Approvals.
	mux.HandleFunc("GET /api/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /api/approvals/{id}/resolve", s.handleResolveApproval)

	// Schedules.
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.handleUpdateSchedule)

	// Webhook signing secrets.
	mux.HandleFunc("GET /api/secrets", s.handleListSecrets)
	mux.HandleFunc("PUT /api/secrets/{name}", s.handlePutSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.handleDeleteSecret)

	// Inbound webhook deliveries.
	mux.HandleFunc("POST /hooks/{graphID}", s.handleInboundWebhook)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/executions/{id}", s.handleSSEExecution)

	return requireTenant(mux)
}

type tenantKey struct{}

// requireTenant rejects requests without an X-Tenant-ID header and stashes
// the tenant in the request context.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get("X-Tenant-ID")
		if tenant == "" {
			writeError(w, http.StatusUnauthorized, "missing X-Tenant-ID header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant)))
	})
}

func tenantOf(r *http.Request) string {
	tenant, _ := r.Context().Value(tenantKey{}).(string)
	return tenant
}
