// Package streaming fans telemetry events out to live subscribers. The
// store remains the durable event log; the hub only serves clients that
// are connected while a run is in flight (SSE, agent consoles).
package streaming

import (
	"context"

	"github.com/gridflow/gridflow/internal/store"
)

// Filter narrows a subscription. Zero values match everything within the
// tenant; TenantID itself is mandatory so one tenant can never observe
// another's runs.
type Filter struct {
	TenantID    string   `json:"tenant_id"`
	ExecutionID string   `json:"execution_id,omitempty"`
	Types       []string `json:"event_types,omitempty"`
}

// Hub provides pub/sub over execution telemetry events.
type Hub interface {
	Publish(ctx context.Context, event *store.Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan *store.Event, func(), error)
}
