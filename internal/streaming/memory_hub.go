package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/pkg/schema"
)

const subscriberBuffer = 64

type subscriber struct {
	ch     chan *store.Event
	filter Filter
}

// MemoryHub is the in-process Hub implementation backing the admin API's
// SSE streams.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewMemoryHub creates an empty MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscriber)}
}

// Publish delivers an event to every matching subscriber. Delivery is
// non-blocking: a subscriber that cannot keep up loses events rather than
// stalling the run that produced them.
func (h *MemoryHub) Publish(ctx context.Context, event *store.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event == nil {
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matches(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a filtered subscription and returns the event
// channel plus a cancel function that must be called to release it.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan *store.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if filter.TenantID == "" {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "subscription requires a tenant id")
	}

	id := h.seq.Add(1)
	ch := make(chan *store.Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return ch, cancel, nil
}

func matches(f Filter, e *store.Event) bool {
	if f.TenantID != e.TenantID {
		return false
	}
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

var _ Hub = (*MemoryHub)(nil)
