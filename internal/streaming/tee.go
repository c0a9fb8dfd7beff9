package streaming

import (
	"context"

	"github.com/gridflow/gridflow/internal/store"
)

// TeeStore wraps a Store and republishes every appended telemetry event to
// a Hub after the durable write succeeds. The engine keeps writing through
// the plain Store interface; wiring the tee in at startup is what turns
// live streaming on.
type TeeStore struct {
	store.Store
	hub Hub
}

// Tee wraps st so appended events also reach hub.
func Tee(st store.Store, hub Hub) *TeeStore {
	return &TeeStore{Store: st, hub: hub}
}

// AppendEvent writes the event durably, then publishes it. Publish
// failures are ignored: the log is the source of truth, the stream is
// best-effort.
func (t *TeeStore) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := t.Store.AppendEvent(ctx, event); err != nil {
		return err
	}
	_ = t.hub.Publish(ctx, event)
	return nil
}

var _ store.Store = (*TeeStore)(nil)
