package llm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dropout-advisor/internal/metrics"
	"dropout-advisor/internal/repository"
)

// AdviceStore is the persistence used by CachedProvider
type AdviceStore interface {
	Get(ctx context.Context, key string) (*repository.CachedAdvice, bool, error)
	Put(ctx context.Context, entry repository.CachedAdvice) error
}

// CachedProvider serves repeated prompts from an AdviceStore.
// Store failures are logged and never fail the call.
type CachedProvider struct {
	provider Provider
	store    AdviceStore
	logger   *zap.Logger
}

// NewCachedProvider wraps provider with store
func NewCachedProvider(provider Provider, store AdviceStore, logger *zap.Logger) *CachedProvider {
	return &CachedProvider{
		provider: provider,
		store:    store,
		logger:   logger,
	}
}

func (p *CachedProvider) Advise(ctx context.Context, prompt string) (string, error) {
	info := p.provider.GetModelInfo()
	model, _ := info["model"].(string)
	key := repository.CacheKey(model, prompt)

	start := time.Now()
	entry, ok, err := p.store.Get(ctx, key)
	if err != nil {
		p.logger.Warn("Advisory cache lookup failed", zap.Error(err))
	}
	if ok {
		metrics.ObserveAdvisory("cache", time.Since(start), metrics.OutcomeCacheHit)
		p.logger.Debug("Advisory cache hit", zap.String("key", key[:12]), zap.Int("hits", entry.HitCount))
		return entry.Advice, nil
	}

	text, err := p.provider.Advise(ctx, prompt)
	if err != nil {
		return "", err
	}

	// Re-read: a multi-provider chain may have fallen back during the call
	info = p.provider.GetModelInfo()
	provider, _ := info["provider"].(string)
	if m, ok := info["model"].(string); ok {
		model = m
	}

	if err := p.store.Put(ctx, repository.CachedAdvice{
		Key:      repository.CacheKey(model, prompt),
		Provider: provider,
		Model:    model,
		Advice:   text,
	}); err != nil {
		p.logger.Warn("Advisory cache write failed", zap.Error(err))
	}
	return text, nil
}

func (p *CachedProvider) Close() error {
	return p.provider.Close()
}

func (p *CachedProvider) GetModelInfo() map[string]interface{} {
	info := p.provider.GetModelInfo()
	info["cached"] = true
	return info
}
