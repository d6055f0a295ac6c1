package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// embedCache maps message id to embedding. Reads are lock-free; writes for
// the same id carry identical vectors, so racing stores are harmless.
type embedCache struct {
	vecs sync.Map // message id -> []float32
}

func newEmbedCache() *embedCache {
	return &embedCache{}
}

func (c *embedCache) get(id string) ([]float32, bool) {
	v, ok := c.vecs.Load(id)
	if !ok {
		return nil, false
	}
	return v.([]float32), true
}

func (c *embedCache) put(id string, vec []float32) {
	c.vecs.Store(id, vec)
}

// embedMessages returns an embedding per message id, computing and caching
// the ones not seen before. Uncached messages are embedded in provider-size
// batches.
func (m *Memory) embedMessages(ctx context.Context, msgs []Message) (map[string][]float32, error) {
	vecs := make(map[string][]float32, len(msgs))
	var missing []Message
	for _, msg := range msgs {
		if vec, ok := m.cache.get(msg.ID); ok {
			vecs[msg.ID] = vec
			continue
		}
		missing = append(missing, msg)
	}
	if len(missing) == 0 {
		return vecs, nil
	}

	batchSize := m.embedder.MaxBatchSize()
	if batchSize <= 0 {
		batchSize = 1
	}
	for start := 0; start < len(missing); start += batchSize {
		end := start + batchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[start:end]

		texts := make([]string, len(batch))
		for i, msg := range batch {
			texts[i] = msg.Content
		}

		began := time.Now()
		embedded, err := m.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		if m.metrics != nil {
			m.metrics.RecordEmbedding(m.embedder.Name(), time.Since(began).Seconds())
		}
		if len(embedded) != len(batch) {
			return nil, fmt.Errorf("embed batch: got %d vectors for %d texts", len(embedded), len(batch))
		}
		for i, msg := range batch {
			m.cache.put(msg.ID, embedded[i])
			vecs[msg.ID] = embedded[i]
		}
	}
	return vecs, nil
}

// cosineSimilarity is zero for mismatched lengths and zero vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// sortMatches orders by score descending, oldest first on ties so output
// is deterministic.
func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Message.Timestamp.Before(matches[j].Message.Timestamp)
	})
}
