package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/config"
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

// NewRegistryFromConfig registers every provider the configuration can reach.
// Ollama is always available; OpenRouter and Gemini need an API key.
func NewRegistryFromConfig(cfg config.Config) *Registry {
	reg := NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	if cfg.OpenRouterAPIKey != "" {
		reg.Register("openrouter", func(ctx context.Context, model string) (Provider, error) {
			m := strings.TrimSpace(model)
			if m == "" {
				m = cfg.OpenRouterModel
			}
			return NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
		})
	}

	if cfg.GeminiAPIKey != "" {
		var (
			once   sync.Once
			shared *GeminiProvider
			err    error
		)
		reg.Register("gemini", func(ctx context.Context, model string) (Provider, error) {
			once.Do(func() {
				shared, err = NewGeminiProvider(context.WithoutCancel(ctx), cfg.GeminiAPIKey, cfg.GeminiModel)
			})
			if err != nil {
				return nil, err
			}
			m := strings.TrimSpace(model)
			if m == "" {
				m = cfg.GeminiModel
			}
			return &GeminiProvider{client: shared.client, Model: m}, nil
		})
	}

	return reg
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Has(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, model)
}
