// Package memory holds per-session conversation history in two tiers: a
// recency tier that returns the latest messages in append order, and a
// semantic tier that retrieves older messages by cosine similarity against
// an embedded query. The semantic tier only runs when the recent messages
// are not already close enough to the query.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/aide/internal/memory/embeddings"
	"github.com/haasonsaas/aide/internal/observability"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists messages per session. Recent returns the last n messages
// in append order.
type Store interface {
	Append(ctx context.Context, msg Message) error
	Recent(ctx context.Context, sessionID string, n int) ([]Message, error)
	Close() error
}

// Config tunes retrieval. Zero values take defaults.
type Config struct {
	// RecentLimit is how many latest messages the recency tier returns.
	RecentLimit int

	// SemanticPoolSize bounds how many recent messages the semantic tier
	// scans.
	SemanticPoolSize int

	// SemanticTopK is how many semantic matches are returned.
	SemanticTopK int

	// MinSimilarity drops semantic matches scoring below it.
	MinSimilarity float64

	// SemanticThreshold skips semantic retrieval entirely when the best
	// recent message already scores at least this against the query.
	SemanticThreshold float64
}

func (c Config) withDefaults() Config {
	if c.RecentLimit <= 0 {
		c.RecentLimit = 12
	}
	if c.SemanticPoolSize <= 0 {
		c.SemanticPoolSize = 500
	}
	if c.SemanticTopK <= 0 {
		c.SemanticTopK = 5
	}
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = 0.5
	}
	if c.SemanticThreshold <= 0 {
		c.SemanticThreshold = 0.35
	}
	return c
}

// Match is one semantic retrieval hit.
type Match struct {
	Message Message
	Score   float64
}

// Retrieval is what a query returns: the recent tail always, semantic
// supplements only when the recency tier did not already cover the query.
type Retrieval struct {
	Recent       []Message
	Semantic     []Match
	SemanticUsed bool
}

// Memory coordinates the store, the embedding provider, and the per-message
// embedding cache. A nil embedder disables the semantic tier.
type Memory struct {
	store    Store
	embedder embeddings.Provider
	cache    *embedCache
	cfg      Config
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// New builds a Memory over the given store. embedder and metrics may be
// nil.
func New(store Store, embedder embeddings.Provider, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Memory {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Memory{
		store:    store,
		embedder: embedder,
		cache:    newEmbedCache(),
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  metrics,
	}
}

// Append records one turn, assigning the message id and timestamp.
func (m *Memory) Append(ctx context.Context, sessionID, role, content string) (Message, error) {
	msg := Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if err := m.store.Append(ctx, msg); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// Recent returns the session's last n messages in append order. n <= 0
// uses the configured recent limit.
func (m *Memory) Recent(ctx context.Context, sessionID string, n int) ([]Message, error) {
	if n <= 0 {
		n = m.cfg.RecentLimit
	}
	return m.store.Recent(ctx, sessionID, n)
}

// Retrieve builds the context for a query: the recent tail, plus semantic
// matches from the wider pool when the recent messages alone do not cover
// the query. Embedding failures degrade to recency-only retrieval rather
// than failing the turn.
func (m *Memory) Retrieve(ctx context.Context, sessionID, query string) (*Retrieval, error) {
	recent, err := m.store.Recent(ctx, sessionID, m.cfg.RecentLimit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	if m.metrics != nil {
		m.metrics.RecordMemoryRetrieval("recent")
	}
	ret := &Retrieval{Recent: recent}

	if m.embedder == nil || strings.TrimSpace(query) == "" {
		return ret, nil
	}

	queryVec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		m.logger.Warn(ctx, "semantic tier unavailable", "provider", m.embedder.Name(), "error", err)
		return ret, nil
	}

	recentVecs, err := m.embedMessages(ctx, recent)
	if err != nil {
		m.logger.Warn(ctx, "semantic tier unavailable", "provider", m.embedder.Name(), "error", err)
		return ret, nil
	}
	if len(recent) > 0 && bestScore(queryVec, recent, recentVecs) >= m.cfg.SemanticThreshold {
		// The recent tail already covers the query.
		return ret, nil
	}

	ret.SemanticUsed = true
	pool, err := m.store.Recent(ctx, sessionID, m.cfg.SemanticPoolSize)
	if err != nil {
		return nil, fmt.Errorf("semantic pool: %w", err)
	}
	poolVecs, err := m.embedMessages(ctx, pool)
	if err != nil {
		m.logger.Warn(ctx, "semantic tier unavailable", "provider", m.embedder.Name(), "error", err)
		return ret, nil
	}

	inRecent := make(map[string]bool, len(recent))
	for _, msg := range recent {
		inRecent[msg.ID] = true
	}

	matches := make([]Match, 0, m.cfg.SemanticTopK)
	for _, msg := range pool {
		if inRecent[msg.ID] {
			continue
		}
		vec, ok := poolVecs[msg.ID]
		if !ok {
			continue
		}
		score := cosineSimilarity(queryVec, vec)
		if score < m.cfg.MinSimilarity {
			continue
		}
		matches = append(matches, Match{Message: msg, Score: score})
	}
	sortMatches(matches)
	if len(matches) > m.cfg.SemanticTopK {
		matches = matches[:m.cfg.SemanticTopK]
	}
	ret.Semantic = matches

	if m.metrics != nil {
		m.metrics.RecordMemoryRetrieval("semantic")
	}
	return ret, nil
}

// Close releases the underlying store.
func (m *Memory) Close() error {
	return m.store.Close()
}

func bestScore(queryVec []float32, msgs []Message, vecs map[string][]float32) float64 {
	best := 0.0
	for _, msg := range msgs {
		vec, ok := vecs[msg.ID]
		if !ok {
			continue
		}
		if score := cosineSimilarity(queryVec, vec); score > best {
			best = score
		}
	}
	return best
}
