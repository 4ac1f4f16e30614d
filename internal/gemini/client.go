package gemini

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"dropout-advisor/internal/advisory"
	"dropout-advisor/internal/models"
)

const providerName = "gemini"

// Client wraps the Gemini API client
type Client struct {
	client     *genai.Client
	generate   func(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
	logger     *zap.Logger
	modelName  string
	maxRetries int
	retryDelay time.Duration
}

// Config for Gemini client
type Config struct {
	APIKey     string
	ModelName  string // Default: "gemini-1.5-pro"
	MaxRetries int
	RetryDelay time.Duration
	// Endpoint overrides the API host, empty uses the public endpoint
	Endpoint string
}

// NewClient creates a new Gemini client
func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	if cfg.ModelName == "" {
		cfg.ModelName = "gemini-1.5-pro"
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.ModelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(advisory.SystemInstruction)},
	}
	// Advice is free text, a little warmer than the default
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:     genai.Ptr[float32](0.7),
		TopP:            genai.Ptr[float32](0.9),
		TopK:            genai.Ptr[int32](40),
		MaxOutputTokens: genai.Ptr[int32](400),
	}

	logger.Info("Gemini client initialized",
		zap.String("model", cfg.ModelName),
		zap.Int("max_retries", cfg.MaxRetries))

	return &Client{
		client:     client,
		generate:   model.GenerateContent,
		logger:     logger,
		modelName:  cfg.ModelName,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// Close closes the Gemini client
func (c *Client) Close() error {
	return c.client.Close()
}

// Advise sends the prompt to Gemini and returns the advice text
func (c *Client) Advise(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := advisory.StartCall(ctx)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			c.logger.Warn("Retrying Gemini request",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", c.maxRetries))
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		resp, err := c.generate(ctx, genai.Text(prompt))
		if err != nil {
			lastErr = err
			c.logger.Error("Gemini API error", zap.Error(err), zap.Int("attempt", attempt))
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}

		// a blocked or empty answer repeats for the same prompt
		text, err := ResponseText(resp)
		if err != nil {
			c.logger.Error("Unusable Gemini response", zap.Error(err), zap.Int("attempt", attempt))
			return "", &models.AdvisoryServiceError{Provider: providerName, Err: err}
		}

		c.logger.Debug("Gemini advice generated",
			zap.Int("chars", len(text)),
			zap.Int("attempt", attempt))
		return text, nil
	}

	return "", &models.AdvisoryServiceError{
		Provider: providerName,
		Err:      fmt.Errorf("failed after %d attempts: %w", c.maxRetries, lastErr),
	}
}

// ResponseText joins the text parts of the first candidate
func ResponseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("empty response from gemini")
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return "", fmt.Errorf("prompt blocked by gemini: %s", resp.PromptFeedback.BlockReason)
		}
		return "", fmt.Errorf("empty response from gemini")
	}

	cand := resp.Candidates[0]
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		return "", fmt.Errorf("gemini returned no content (finish reason %s)", cand.FinishReason)
	}

	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("unexpected response type from gemini")
	}
	return text, nil
}

// GetModelInfo returns model information
func (c *Client) GetModelInfo() map[string]interface{} {
	return map[string]interface{}{
		"provider":    providerName,
		"model":       c.modelName,
		"max_retries": c.maxRetries,
		"retry_delay": c.retryDelay.String(),
	}
}
