package actions

import (
	"context"
	"sync"

	"github.com/gridflow/gridflow/pkg/schema"
)

// AIRequest is a provider-agnostic completion request built from an ai_call
// node configuration, with the prompt already rendered against the run
// context.
type AIRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// AIResponse is the provider's completion result.
type AIResponse struct {
	Text         string `json:"text"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// AIProvider executes completion requests against one model backend.
// Implementations report transient failures (rate limits, connectivity)
// with TRANSIENT_NODE_ERROR so the retry policy applies.
type AIProvider interface {
	Name() string
	Complete(ctx context.Context, req AIRequest) (*AIResponse, error)
}

// ProviderSet is a thread-safe collection of AI providers keyed by name.
type ProviderSet struct {
	mu        sync.RWMutex
	providers map[string]AIProvider
	fallback  string
}

// NewProviderSet creates an empty ProviderSet.
func NewProviderSet() *ProviderSet {
	return &ProviderSet{providers: make(map[string]AIProvider)}
}

// Register adds a provider. The first registered provider becomes the
// default for nodes that name none.
func (p *ProviderSet) Register(provider AIProvider) error {
	if provider == nil || provider.Name() == "" {
		return schema.NewError(schema.ErrCodeValidation, "ai provider is nil or unnamed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	name := provider.Name()
	if _, exists := p.providers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "ai provider %q already registered", name)
	}
	p.providers[name] = provider
	if p.fallback == "" {
		p.fallback = name
	}
	return nil
}

// Get resolves a provider by name; empty name resolves the default.
func (p *ProviderSet) Get(name string) (AIProvider, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if name == "" {
		name = p.fallback
	}
	provider, ok := p.providers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodePermanentNode, "ai provider %q not registered", name)
	}
	return provider, nil
}

// EchoProvider is a deterministic offline provider for development and
// testing: it returns the prompt text unchanged.
type EchoProvider struct{}

// Name returns the provider identifier.
func (EchoProvider) Name() string { return "echo" }

// Complete echoes the rendered prompt back as the completion.
func (EchoProvider) Complete(ctx context.Context, req AIRequest) (*AIResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "ai call cancelled").WithCause(err)
	}
	return &AIResponse{
		Text:        req.Prompt,
		Model:       req.Model,
		InputTokens: len(req.Prompt) / 4,
	}, nil
}

var _ AIProvider = EchoProvider{}
