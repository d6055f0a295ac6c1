package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/aide/internal/observability"
	"github.com/haasonsaas/aide/internal/retry"
)

// ManagerConfig tunes the fallback chain.
type ManagerConfig struct {
	// MaxRetries is the number of in-provider retries on transient errors,
	// on top of the initial attempt.
	MaxRetries int

	// RetryBackoff is the initial backoff between in-provider retries.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the backoff growth.
	MaxRetryBackoff time.Duration

	// KeysPerCall caps how many distinct API keys one call may burn
	// through before the provider counts as exhausted.
	KeysPerCall int

	// BlackoutTTL is how long an exhausted provider sits out of the chain
	// before its keys are restored and it is probed again.
	BlackoutTTL time.Duration
}

// DefaultManagerConfig returns the chain defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxRetries:      2,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
		KeysPerCall:     3,
		BlackoutTTL:     time.Hour,
	}
}

// ChatResult is a successful completion plus the provider that served it.
type ChatResult struct {
	Text     string
	Provider string
	Model    string
}

// ProviderStatus is a point-in-time view of one chain member.
type ProviderStatus struct {
	Name          string    `json:"name"`
	Keys          int       `json:"keys"`
	ActiveKeys    int       `json:"active_keys"`
	BlackedOut    bool      `json:"blacked_out"`
	BlackoutUntil time.Time `json:"blackout_until,omitempty"`
}

type managedProvider struct {
	provider Provider
	keys     *Keyring
}

// Manager walks an ordered provider chain until one serves the request.
// Within a provider it rotates API keys on quota failures and retries
// transient errors; a provider whose keys are spent is blacked out for
// BlackoutTTL and skipped until the window lapses.
type Manager struct {
	cfg     ManagerConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu       sync.Mutex
	chain    []*managedProvider
	blackout map[string]time.Time
}

// NewManager builds an empty chain. metrics and tracer may be nil.
func NewManager(cfg ManagerConfig, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Manager {
	if cfg.KeysPerCall <= 0 {
		cfg.KeysPerCall = DefaultManagerConfig().KeysPerCall
	}
	if cfg.BlackoutTTL <= 0 {
		cfg.BlackoutTTL = DefaultManagerConfig().BlackoutTTL
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		blackout: make(map[string]time.Time),
	}
}

// Register appends a provider to the end of the chain.
func (m *Manager) Register(p Provider, keys []string) error {
	if p == nil {
		return errors.New("nil provider")
	}
	ring := NewKeyring(keys)
	if ring.Size() == 0 {
		return fmt.Errorf("provider %s: no api keys", p.Name())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mp := range m.chain {
		if mp.provider.Name() == p.Name() {
			return fmt.Errorf("provider %s already registered", p.Name())
		}
	}
	m.chain = append(m.chain, &managedProvider{provider: p, keys: ring})
	return nil
}

// Providers lists the chain members in fallback order.
func (m *Manager) Providers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.chain))
	for i, mp := range m.chain {
		names[i] = mp.provider.Name()
	}
	return names
}

// Status reports each provider's key pool and blackout state.
func (m *Manager) Status() []ProviderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]ProviderStatus, 0, len(m.chain))
	for _, mp := range m.chain {
		name := mp.provider.Name()
		until, blocked := m.blackout[name]
		if blocked && now.After(until) {
			blocked = false
			until = time.Time{}
		}
		out = append(out, ProviderStatus{
			Name:          name,
			Keys:          mp.keys.Size(),
			ActiveKeys:    mp.keys.ActiveCount(),
			BlackedOut:    blocked,
			BlackoutUntil: until,
		})
	}
	return out
}

// Chat walks the chain and returns the first successful completion.
func (m *Manager) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	var lastErr error
	tried := make([]string, 0, 4)

	for _, mp := range m.snapshot() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := mp.provider.Name()
		if m.skipProvider(name, mp.keys) {
			continue
		}
		tried = append(tried, name)

		text, model, err := m.tryProvider(ctx, mp, req)
		if err == nil {
			return &ChatResult{Text: text, Provider: name, Model: model}, nil
		}
		lastErr = err

		if errors.Is(err, ErrAllKeysExhausted) {
			m.startBlackout(ctx, name)
			continue
		}
		if Classify(err).ShouldFailover() {
			m.logger.Warn(ctx, "provider failed, trying next in chain",
				"provider", name, "error", err.Error())
			continue
		}
		return nil, err
	}

	return nil, m.exhausted(tried, lastErr)
}

// Generate is a convenience wrapper around Chat for a single user prompt.
func (m *Manager) Generate(ctx context.Context, prompt string) (*ChatResult, error) {
	return m.Chat(ctx, &ChatRequest{Messages: []Message{UserMessage(prompt)}})
}

// Stream walks the chain like Chat but returns a live chunk stream. A
// provider that fails before producing its first chunk is treated exactly
// like a failed Chat call, so fallback stays invisible to the consumer;
// errors after the first chunk are delivered in-stream.
func (m *Manager) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, string, error) {
	var lastErr error
	tried := make([]string, 0, 4)

	for _, mp := range m.snapshot() {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		name := mp.provider.Name()
		if m.skipProvider(name, mp.keys) {
			continue
		}
		tried = append(tried, name)

		ch, err := m.tryProviderStream(ctx, mp, req)
		if err == nil {
			return ch, name, nil
		}
		lastErr = err

		if errors.Is(err, ErrAllKeysExhausted) {
			m.startBlackout(ctx, name)
			continue
		}
		if Classify(err).ShouldFailover() {
			m.logger.Warn(ctx, "provider stream failed, trying next in chain",
				"provider", name, "error", err.Error())
			continue
		}
		return nil, "", err
	}

	return nil, "", m.exhausted(tried, lastErr)
}

func (m *Manager) snapshot() []*managedProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := make([]*managedProvider, len(m.chain))
	copy(chain, m.chain)
	return chain
}

// skipProvider reports whether the provider is currently blacked out. An
// expired blackout is cleared and the key pool restored before probing.
func (m *Manager) skipProvider(name string, keys *Keyring) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, blocked := m.blackout[name]
	if !blocked {
		return false
	}
	if time.Now().Before(until) {
		return true
	}
	delete(m.blackout, name)
	keys.Reset()
	return false
}

func (m *Manager) startBlackout(ctx context.Context, name string) {
	until := time.Now().Add(m.cfg.BlackoutTTL)
	m.mu.Lock()
	m.blackout[name] = until
	m.mu.Unlock()
	m.logger.Warn(ctx, "provider blacked out",
		"provider", name, "until", until.Format(time.RFC3339))
	if m.metrics != nil {
		m.metrics.RecordBlackout(name)
	}
}

func (m *Manager) exhausted(tried []string, lastErr error) error {
	if len(tried) == 0 {
		return fmt.Errorf("%w: no providers available", ErrAllProvidersExhausted)
	}
	if lastErr == nil {
		return fmt.Errorf("%w: tried %s", ErrAllProvidersExhausted, strings.Join(tried, ", "))
	}
	return fmt.Errorf("%w: tried %s: last error: %v",
		ErrAllProvidersExhausted, strings.Join(tried, ", "), lastErr)
}

// tryProvider burns through up to KeysPerCall keys of one provider. Quota
// failures rotate to the next key; anything else aborts the rotation and
// is decided at the chain level.
func (m *Manager) tryProvider(ctx context.Context, mp *managedProvider, req *ChatRequest) (string, string, error) {
	name := mp.provider.Name()
	model := req.Model
	if model == "" {
		model = mp.provider.DefaultModel()
	}

	var lastErr error
	for attempt := 0; attempt < m.cfg.KeysPerCall; attempt++ {
		key, idx, ok := mp.keys.Next()
		if !ok {
			return "", model, fmt.Errorf("%w: provider %s", ErrAllKeysExhausted, name)
		}

		text, err := m.attempt(ctx, mp.provider, name, model, key, req)
		if err == nil {
			if strings.TrimSpace(text) == "" {
				return "", model, fmt.Errorf("%w: provider %s", ErrEmptyResponse, name)
			}
			return text, model, nil
		}
		lastErr = err

		if !Classify(err).IsQuota() {
			return "", model, err
		}
		mp.keys.MarkFailed(idx)
		m.logger.Warn(ctx, "api key quota exhausted, rotating",
			"provider", name, "active_keys", mp.keys.ActiveCount())
		if m.metrics != nil {
			m.metrics.RecordKeyFailure(name)
		}
	}

	return "", model, fmt.Errorf("%w: provider %s: %v", ErrAllKeysExhausted, name, lastErr)
}

// attempt performs one keyed call with in-provider retry on transient
// errors. Quota and request errors are permanent at this level; the caller
// decides what happens next.
func (m *Manager) attempt(ctx context.Context, p Provider, name, model, key string, req *ChatRequest) (string, error) {
	ctx = observability.AddProvider(ctx, name)
	spanCtx := ctx
	if m.tracer != nil {
		var end func()
		spanCtx, end = m.traceRequest(ctx, name, model)
		defer end()
	}

	var text string
	res := retry.Do(spanCtx, retry.Config{
		MaxAttempts:  m.cfg.MaxRetries + 1,
		InitialDelay: m.cfg.RetryBackoff,
		MaxDelay:     m.cfg.MaxRetryBackoff,
		Factor:       2.0,
		Jitter:       true,
	}, func() error {
		start := time.Now()
		out, err := p.DoChat(spanCtx, key, req)
		elapsed := time.Since(start).Seconds()
		if err != nil {
			if m.metrics != nil {
				m.metrics.RecordLLMRequest(name, model, "error", elapsed)
			}
			if !Classify(err).IsTransient() {
				return retry.Permanent(err)
			}
			m.logger.Debug(spanCtx, "transient provider error, retrying",
				"provider", name, "error", err.Error())
			return err
		}
		if m.metrics != nil {
			m.metrics.RecordLLMRequest(name, model, "success", elapsed)
		}
		text = out
		return nil
	})

	if res.Err != nil {
		var pe *retry.PermanentError
		if errors.As(res.Err, &pe) {
			return "", pe.Err
		}
		return "", res.Err
	}
	return text, nil
}

func (m *Manager) traceRequest(ctx context.Context, name, model string) (context.Context, func()) {
	spanCtx, span := m.tracer.TraceLLMRequest(ctx, name, model)
	return spanCtx, func() { span.End() }
}

// tryProviderStream mirrors tryProvider for streaming. The first chunk is
// consumed here so pre-output failures still rotate keys and fall over;
// the relayed stream re-delivers it before live chunks.
func (m *Manager) tryProviderStream(ctx context.Context, mp *managedProvider, req *ChatRequest) (<-chan StreamChunk, error) {
	name := mp.provider.Name()
	model := req.Model
	if model == "" {
		model = mp.provider.DefaultModel()
	}

	var lastErr error
	for attempt := 0; attempt < m.cfg.KeysPerCall; attempt++ {
		key, idx, ok := mp.keys.Next()
		if !ok {
			return nil, fmt.Errorf("%w: provider %s", ErrAllKeysExhausted, name)
		}

		start := time.Now()
		ch, err := mp.provider.DoStream(observability.AddProvider(ctx, name), key, req)
		if err == nil {
			first, open := <-ch
			if !open {
				return nil, fmt.Errorf("%w: provider %s", ErrEmptyResponse, name)
			}
			if first.Err == nil {
				if m.metrics != nil {
					m.metrics.RecordLLMRequest(name, model, "success", time.Since(start).Seconds())
				}
				return relayStream(ctx, first, ch), nil
			}
			err = first.Err
		}
		lastErr = err
		if m.metrics != nil {
			m.metrics.RecordLLMRequest(name, model, "error", time.Since(start).Seconds())
		}

		if !Classify(err).IsQuota() {
			return nil, err
		}
		mp.keys.MarkFailed(idx)
		m.logger.Warn(ctx, "api key quota exhausted, rotating",
			"provider", name, "active_keys", mp.keys.ActiveCount())
		if m.metrics != nil {
			m.metrics.RecordKeyFailure(name)
		}
	}

	return nil, fmt.Errorf("%w: provider %s: %v", ErrAllKeysExhausted, name, lastErr)
}

// relayStream forwards the peeked first chunk and then the live tail.
// Cancellation stops the relay so an abandoned consumer does not leak it.
func relayStream(ctx context.Context, first StreamChunk, in <-chan StreamChunk) <-chan StreamChunk {
	out := make(chan StreamChunk, 1)
	out <- first
	go func() {
		defer close(out)
		for chunk := range in {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
