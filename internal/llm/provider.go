package llm

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dropout-advisor/internal/advisory"
)

// ProviderType represents the type of LLM provider
type ProviderType string

const (
	ProviderGemini     ProviderType = "gemini"
	ProviderGroq       ProviderType = "groq"
	ProviderOpenRouter ProviderType = "openrouter"
)

// ProviderConfig holds configuration for a single provider instance
type ProviderConfig struct {
	Type       ProviderType  `yaml:"type"`
	APIKey     string        `yaml:"api_key"`
	ModelName  string        `yaml:"model_name"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	BaseURL    string        `yaml:"base_url"`
	// Rate limiting per provider
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// Provider interface for any LLM provider
type Provider interface {
	Advise(ctx context.Context, prompt string) (string, error)
	Close() error
	GetModelInfo() map[string]interface{}
}

// DefaultRequestsPerMinute applies when a provider sets no requests_per_minute
const DefaultRequestsPerMinute = 8

// RateLimitedProvider wraps a provider with a token bucket shared by all callers
type RateLimitedProvider struct {
	provider Provider
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewRateLimitedProvider wraps a provider with rate limiting
func NewRateLimitedProvider(provider Provider, requestsPerMinute int, logger *zap.Logger) *RateLimitedProvider {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	r := rate.Every(time.Minute / time.Duration(requestsPerMinute))
	return &RateLimitedProvider{
		provider: provider,
		limiter:  rate.NewLimiter(r, requestsPerMinute),
		logger:   logger,
	}
}

// Advise waits for a token under the caller's context. The per-call budget
// starts inside the wrapped provider, so queueing never eats into it.
func (p *RateLimitedProvider) Advise(ctx context.Context, prompt string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		// the next token is due after ctx's deadline
		return "", fmt.Errorf("%s request queue: %w", p.providerName(), advisory.ErrNoTimeLeft)
	}

	return p.provider.Advise(ctx, prompt)
}

func (p *RateLimitedProvider) Close() error {
	return p.provider.Close()
}

func (p *RateLimitedProvider) GetModelInfo() map[string]interface{} {
	info := p.provider.GetModelInfo()
	info["requests_per_minute"] = int(math.Round(float64(p.limiter.Limit()) * 60))
	return info
}

func (p *RateLimitedProvider) providerName() string {
	if name, ok := p.provider.GetModelInfo()["provider"].(string); ok {
		return name
	}
	return "provider"
}
