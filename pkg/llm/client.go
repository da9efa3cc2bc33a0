package llm

import (
	"context"
	"fmt"
	"sync"
)

// Client is the provider-agnostic streaming interface. A client streams one
// conversational turn: given the full history, tool definitions, a system
// preamble, and a token cap, it produces a lazy, finite, non-restartable
// sequence of StreamEvent values on the returned channel.
//
// The channel is closed after the terminal done or error event. Cancelling
// the context aborts the underlying network operation promptly; the adapter
// surfaces this as an error event wrapping ErrCancelled.
type Client interface {
	Stream(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error)
}

// ProviderFactory creates a Client for a given model name within a provider.
type ProviderFactory func(modelName string) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]ProviderFactory{}
)

// RegisterProvider registers a factory function for a named provider.
// Call this from init() in provider packages.
func RegisterProvider(name string, factory ProviderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// NewClient constructs a Client for the given model ID. Model IDs use the
// form "provider:model-name".
func NewClient(modelID string) (Client, error) {
	provider, modelName, err := ParseModelID(modelID)
	if err != nil {
		return nil, fmt.Errorf("NewClient: %w", err)
	}
	registryMu.RLock()
	factory, ok := registry[provider]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q (model ID %q): did you import the provider package?", provider, modelID)
	}
	return factory(modelName)
}
