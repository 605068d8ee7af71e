package llms

import (
	"context"
	"fmt"
	"sync"

	"github.com/kadirpekel/skein/pkg/breaker"
	"github.com/kadirpekel/skein/pkg/config"
)

// Registry resolves model tiers to breaker-guarded providers.
type Registry struct {
	mu        sync.RWMutex
	byTier    map[string]Provider
	breakers  *breaker.Registry
}

// NewRegistry builds one provider per configured tier. All providers of
// the same upstream share a circuit breaker named llm:<provider>.
func NewRegistry(cfg config.LLMConfig) (*Registry, error) {
	r := &Registry{
		byTier: make(map[string]Provider),
		breakers: breaker.NewRegistry(func(string) breaker.Config {
			return cfg.Breaker
		}),
	}

	for tier, tierCfg := range cfg.Tiers {
		providerCfg, ok := cfg.Providers[tierCfg.Provider]
		if !ok {
			return nil, fmt.Errorf("tier %q references unknown provider %q", tier, tierCfg.Provider)
		}

		var (
			p   Provider
			err error
		)
		switch providerCfg.Type {
		case "anthropic":
			p, err = NewAnthropicProvider(providerCfg, tierCfg.Model)
		case "openai":
			p, err = NewOpenAIProvider(providerCfg, tierCfg.Model)
		default:
			return nil, fmt.Errorf("unsupported provider type %q", providerCfg.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create provider for tier %q: %w", tier, err)
		}

		r.byTier[tier] = &guardedProvider{
			inner:   p,
			breaker: r.breakers.Get("llm:" + tierCfg.Provider),
		}
	}
	return r, nil
}

// ForTier returns the provider bound to tier.
func (r *Registry) ForTier(tier string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byTier[tier]
	if !ok {
		return nil, fmt.Errorf("no provider configured for tier %q", tier)
	}
	return p, nil
}

// Register binds a provider to a tier directly; tests and embedded
// setups use this instead of NewRegistry.
func (r *Registry) Register(tier string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byTier == nil {
		r.byTier = make(map[string]Provider)
	}
	r.byTier[tier] = p
}

// Close closes every provider.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, p := range r.byTier {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// guardedProvider runs every call through the upstream's circuit
// breaker. For streams the call is recorded as soon as the stream opens;
// mid-stream errors belong to the consumer.
type guardedProvider struct {
	inner   Provider
	breaker *breaker.Breaker
}

func (g *guardedProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := g.inner.Generate(ctx, req)
	if err != nil {
		g.breaker.RecordFailure(err)
		return nil, err
	}
	g.breaker.RecordSuccess()
	return resp, nil
}

func (g *guardedProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	ch, err := g.inner.Stream(ctx, req)
	if err != nil {
		g.breaker.RecordFailure(err)
		return nil, err
	}
	g.breaker.RecordSuccess()
	return ch, nil
}

func (g *guardedProvider) ModelName() string { return g.inner.ModelName() }
func (g *guardedProvider) Close() error      { return g.inner.Close() }
