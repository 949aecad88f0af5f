package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// MultiClient routes each request to the provider explicitly registered
// for its model. There is no fallback provider and no guessing from the
// model name: an unmapped model is an error.
type MultiClient struct {
	mu      sync.RWMutex
	clients map[string]Client // provider name → client
	models  map[string]string // model name → provider name
}

// NewMultiClient creates an empty routing client.
func NewMultiClient() *MultiClient {
	return &MultiClient{
		clients: make(map[string]Client),
		models:  make(map[string]string),
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[modelName] = providerName
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Provider returns the client registered under name.
func (m *MultiClient) Provider(name string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

// Routable reports whether model maps to a registered provider.
func (m *MultiClient) Routable(model string) bool {
	_, err := m.clientFor(model)
	return err == nil
}

func (m *MultiClient) clientFor(model string) (Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	provider, ok := m.models[model]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not in the catalog", ErrNoProvider, model)
	}
	client, ok := m.clients[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q needs provider %q", ErrNoProvider, model, provider)
	}
	return client, nil
}

// Complete sends a request to the provider for the model.
func (m *MultiClient) Complete(ctx context.Context, model string, history []Message, system string, jsonMode bool) (string, error) {
	client, err := m.clientFor(model)
	if err != nil {
		return "", err
	}
	return client.Complete(ctx, model, history, system, jsonMode)
}

// CompleteStream sends a streaming request to the provider for the model.
func (m *MultiClient) CompleteStream(ctx context.Context, model string, history []Message, system string, fn StreamFunc) error {
	client, err := m.clientFor(model)
	if err != nil {
		return err
	}
	return client.CompleteStream(ctx, model, history, system, fn)
}

// Ping checks every registered provider.
func (m *MultiClient) Ping(ctx context.Context) error {
	m.mu.RLock()
	clients := make(map[string]Client, len(m.clients))
	for name, c := range m.clients {
		clients[name] = c
	}
	m.mu.RUnlock()

	if len(clients) == 0 {
		return errors.New("no providers configured")
	}
	var errs []error
	for name, c := range clients {
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
