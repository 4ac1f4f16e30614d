package llm_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dropout-advisor/internal/advisory"
	"dropout-advisor/internal/llm"
	"dropout-advisor/internal/repository"
)

type fakeProvider struct {
	name  string
	mu    sync.Mutex
	calls int
	reply func(call int) (string, error)
}

func (f *fakeProvider) Advise(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.reply(call)
}

func (f *fakeProvider) Close() error { return nil }

func (f *fakeProvider) GetModelInfo() map[string]interface{} {
	return map[string]interface{}{"provider": f.name, "model": f.name + "-model"}
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func failing(err error) func(int) (string, error) {
	return func(int) (string, error) { return "", err }
}

func answering(text string) func(int) (string, error) {
	return func(int) (string, error) { return text, nil }
}

func TestMultiProvider_FallsBack(t *testing.T) {
	primary := &fakeProvider{name: "gemini", reply: failing(errors.New("gemini API error: boom"))}
	backup := &fakeProvider{name: "groq", reply: answering("advice from groq")}

	c := llm.NewMultiProviderClientFrom([]llm.Provider{primary, backup}, 3, zap.NewNop())

	text, err := c.Advise(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "advice from groq", text)
	assert.Equal(t, 1, primary.Calls())

	// primary is still preferred until it reaches max failures
	assert.Equal(t, "gemini", c.GetModelInfo()["provider"])
}

func TestMultiProvider_SwitchesOnRateLimit(t *testing.T) {
	primary := &fakeProvider{name: "gemini", reply: failing(errors.New("googleapi: Error 429: Resource has been exhausted"))}
	backup := &fakeProvider{name: "groq", reply: answering("ok")}

	c := llm.NewMultiProviderClientFrom([]llm.Provider{primary, backup}, 3, zap.NewNop())

	_, err := c.Advise(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "groq", c.GetModelInfo()["provider"])

	_, err = c.Advise(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, 2, backup.Calls())
}

func TestMultiProvider_SwitchesAfterMaxFailures(t *testing.T) {
	primary := &fakeProvider{name: "gemini", reply: failing(errors.New("timeout"))}
	backup := &fakeProvider{name: "groq", reply: answering("ok")}

	c := llm.NewMultiProviderClientFrom([]llm.Provider{primary, backup}, 2, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := c.Advise(context.Background(), "p")
		require.NoError(t, err)
	}
	assert.Equal(t, "groq", c.GetModelInfo()["provider"])

	infos := c.GetProvidersInfo()
	require.Len(t, infos, 2)
	assert.Equal(t, false, infos[0]["is_current"])
	assert.Equal(t, true, infos[1]["is_current"])
}

func TestMultiProvider_AllFail(t *testing.T) {
	a := &fakeProvider{name: "gemini", reply: failing(errors.New("gemini API error: API key not valid"))}
	b := &fakeProvider{name: "groq", reply: failing(errors.New("groq API returned status 401"))}

	c := llm.NewMultiProviderClientFrom([]llm.Provider{a, b}, 3, zap.NewNop())

	_, err := c.Advise(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all providers failed")
	assert.Contains(t, err.Error(), "401")
}

func TestMultiProvider_CancelledContext(t *testing.T) {
	a := &fakeProvider{name: "gemini", reply: answering("x")}
	c := llm.NewMultiProviderClientFrom([]llm.Provider{a}, 3, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Advise(ctx, "p")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, a.Calls())
}

func TestNewMultiProviderClient_SkipsProvidersWithoutKeys(t *testing.T) {
	_, err := llm.NewMultiProviderClient(context.Background(), llm.MultiProviderConfig{
		Providers: []llm.ProviderConfig{
			{Type: llm.ProviderGroq},
			{Type: llm.ProviderOpenRouter},
		},
	}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no providers")

	c, err := llm.NewMultiProviderClient(context.Background(), llm.MultiProviderConfig{
		Providers: []llm.ProviderConfig{
			{Type: llm.ProviderGroq},
			{Type: llm.ProviderOpenRouter, APIKey: "k", RequestsPerMinute: 20},
		},
	}, zap.NewNop())
	require.NoError(t, err)
	info := c.GetModelInfo()
	assert.Equal(t, "openrouter", info["provider"])
	assert.Equal(t, 20, info["requests_per_minute"])
	assert.Equal(t, 1, info["total_providers"])
}

func TestRateLimitedProvider_HonoursContext(t *testing.T) {
	inner := &fakeProvider{name: "groq", reply: answering("ok")}
	p := llm.NewRateLimitedProvider(inner, 1, zap.NewNop())

	_, err := p.Advise(context.Background(), "p")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Advise(ctx, "p")
	require.ErrorIs(t, err, advisory.ErrNoTimeLeft)
	assert.NotContains(t, err.Error(), "rate limit")
	assert.Equal(t, 1, inner.Calls())

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	_, err = p.Advise(cancelled, "p")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMultiProvider_FullQueueIsNotAProviderFailure(t *testing.T) {
	primaryInner := &fakeProvider{name: "gemini", reply: answering("from gemini")}
	primary := llm.NewRateLimitedProvider(primaryInner, 1, zap.NewNop())
	backup := &fakeProvider{name: "groq", reply: answering("from groq")}

	c := llm.NewMultiProviderClientFrom([]llm.Provider{primary, backup}, 1, zap.NewNop())

	text, err := c.Advise(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "from gemini", text)

	// the next gemini token is a minute away
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	text, err = c.Advise(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "from groq", text)

	info := c.GetProvidersInfo()
	assert.Equal(t, true, info[0]["is_current"])
	assert.Equal(t, 0, info[0]["failure_count"])
	assert.Equal(t, 1, primaryInner.Calls())
}

type memoryStore struct {
	mu      sync.Mutex
	entries map[string]repository.CachedAdvice
	failGet bool
}

func (m *memoryStore) Get(_ context.Context, key string) (*repository.CachedAdvice, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, false, errors.New("disk I/O error")
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (m *memoryStore) Put(_ context.Context, e repository.CachedAdvice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

func TestCachedProvider(t *testing.T) {
	inner := &fakeProvider{name: "gemini", reply: answering("fresh advice")}
	store := &memoryStore{entries: map[string]repository.CachedAdvice{}}
	p := llm.NewCachedProvider(inner, store, zap.NewNop())

	for i := 0; i < 3; i++ {
		text, err := p.Advise(context.Background(), "same prompt")
		require.NoError(t, err)
		assert.Equal(t, "fresh advice", text)
	}
	assert.Equal(t, 1, inner.Calls())

	stored := store.entries[repository.CacheKey("gemini-model", "same prompt")]
	assert.Equal(t, "gemini", stored.Provider)
	assert.Equal(t, true, p.GetModelInfo()["cached"])
}

func TestCachedProvider_StoreFailureFallsThrough(t *testing.T) {
	inner := &fakeProvider{name: "gemini", reply: answering("fresh")}
	store := &memoryStore{entries: map[string]repository.CachedAdvice{}, failGet: true}
	p := llm.NewCachedProvider(inner, store, zap.NewNop())

	text, err := p.Advise(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "fresh", text)
}

func TestCachedProvider_ErrorsAreNotCached(t *testing.T) {
	inner := &fakeProvider{name: "gemini", reply: failing(errors.New("boom"))}
	store := &memoryStore{entries: map[string]repository.CachedAdvice{}}
	p := llm.NewCachedProvider(inner, store, zap.NewNop())

	_, err := p.Advise(context.Background(), "p")
	require.Error(t, err)
	assert.Empty(t, store.entries)
}
