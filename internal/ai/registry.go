package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type CompleterFactory func(ctx context.Context, model string) (Completer, error)

// Registry routes completion requests to a named backend. It lets deployments
// register alternate OpenAI-compatible bases (self-hosted, proxy) without
// touching the pipeline.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]CompleterFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]CompleterFactory)}
}

func (r *Registry) Register(name string, f CompleterFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Completer, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai backend: %s", name)
	}
	return f(ctx, model)
}
