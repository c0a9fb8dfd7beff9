package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gridflow/gridflow/pkg/schema"
)

// Registry is a thread-safe action catalog. Action and integration nodes
// resolve their handlers here by name; integration capabilities use a
// "provider.capability" naming convention (e.g. "slack.post_message").
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Register adds an action to the registry. Returns error on duplicate name.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}

	r.actions[name] = action
	return nil
}

// Get retrieves an action by name. A missing action is a permanent node
// error; retrying cannot make it appear.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodePermanentNode, "action %q not registered", name)
	}
	return action, nil
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		s := a.Schema()
		infos = append(infos, ActionInfo{
			Name:        a.Name(),
			Description: s.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// RegisterProvider bulk-registers integration capabilities under a provider
// namespace. Each action name becomes "provider.capability".
func (r *Registry) RegisterProvider(provider string, acts []Action) (int, error) {
	if provider == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "provider name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, a := range acts {
		namespaced := fmt.Sprintf("%s.%s", provider, a.Name())
		if _, exists := r.actions[namespaced]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "capability %q already registered", namespaced)
		}
		r.actions[namespaced] = &namespacedAction{inner: a, name: namespaced}
		registered++
	}
	return registered, nil
}

// Has checks if an action is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// namespacedAction wraps an integration capability with a provider-qualified name.
type namespacedAction struct {
	inner Action
	name  string
}

func (n *namespacedAction) Name() string                         { return n.name }
func (n *namespacedAction) Schema() ActionSchema                 { return n.inner.Schema() }
func (n *namespacedAction) Validate(params map[string]any) error { return n.inner.Validate(params) }

func (n *namespacedAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	return n.inner.Execute(ctx, input)
}
