// Package vectorstore holds knowledge chunks with embeddings in memory and
// answers cosine-similarity searches with metadata filtering and a
// query-result LRU cache.
package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crewline/crewline/pkg/cache"
	"github.com/crewline/crewline/pkg/embeddings"
	"github.com/crewline/crewline/pkg/models"
)

// DefaultThreshold is the minimum similarity score kept by Search when the
// caller does not supply one.
const DefaultThreshold = 0.35

// Default query-cache sizing.
const (
	DefaultCacheSize = 100
	DefaultCacheTTL  = time.Hour
)

// SearchResult is one scored hit.
type SearchResult struct {
	ID       string         `json:"id"`
	Context  string         `json:"context"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"score"`
}

// SearchOptions parameterizes Search.
type SearchOptions struct {
	// Queries are embedded through the store's embedder. May be empty when
	// Embeddings are supplied directly.
	Queries []string
	// Embeddings are used as-is, alongside any embedded Queries. A
	// candidate's score is the max over all query vectors.
	Embeddings [][]float32
	// Limit truncates the result list; zero or negative means unlimited.
	Limit int
	// Filter constrains candidates by metadata.
	Filter Filter
	// Threshold drops results scoring below it. It only applies when
	// ThresholdSet is true; otherwise DefaultThreshold is used. The split
	// exists because 0 is a meaningful threshold.
	Threshold    float64
	ThresholdSet bool
}

func (o SearchOptions) threshold() float64 {
	if !o.ThresholdSet {
		return DefaultThreshold
	}
	return o.Threshold
}

// Options configures a Store.
type Options struct {
	Collection string
	Embedder   embeddings.Embedder
	CacheSize  int
	CacheTTL   time.Duration
}

// Store is an in-memory vector collection. All mutations are serialized;
// readers see a consistent snapshot per call.
type Store struct {
	mu         sync.RWMutex
	collection string
	embedder   embeddings.Embedder
	chunks     map[string]models.KnowledgeChunk
	queryCache *cache.LRU
}

// New creates a Store. A nil embedder falls back to the deterministic hash
// embedder so development and tests work offline.
func New(opts Options) *Store {
	embedder := opts.Embedder
	if embedder == nil {
		embedder = embeddings.NewHashEmbedder(0, true)
	}
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Store{
		collection: SanitizeCollectionName(opts.Collection),
		embedder:   embedder,
		chunks:     make(map[string]models.KnowledgeChunk),
		queryCache: cache.New(cache.Options{MaxSize: size, TTL: ttl, UseLRU: true}),
	}
}

var collectionNameRe = regexp.MustCompile(`[^a-z0-9_-]+`)

// SanitizeCollectionName lower-cases the name and collapses any run of
// characters outside [a-z0-9_-] to a single underscore.
func SanitizeCollectionName(name string) string {
	if name == "" {
		return "default"
	}
	return collectionNameRe.ReplaceAllString(strings.ToLower(name), "_")
}

// Collection returns the sanitized collection name.
func (s *Store) Collection() string { return s.collection }

// ContentID returns the deterministic id for chunk content.
func ContentID(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:16])
}

// Add stores one chunk. A missing embedding is computed from content; a
// missing id becomes the content hash. An existing id is overwritten.
func (s *Store) Add(ctx context.Context, chunk models.KnowledgeChunk) error {
	return s.AddBatch(ctx, []models.KnowledgeChunk{chunk})
}

// AddBatch stores several chunks, embedding all missing vectors in one
// embedder call.
func (s *Store) AddBatch(ctx context.Context, chunks []models.KnowledgeChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	// Embed outside the lock; no critical section spans the port call.
	var pendingTexts []string
	var pendingIdx []int
	for i := range chunks {
		if chunks[i].Embedding == nil && chunks[i].Content != "" {
			pendingTexts = append(pendingTexts, chunks[i].Content)
			pendingIdx = append(pendingIdx, i)
		}
	}
	if len(pendingTexts) > 0 {
		vectors, err := s.embedder.Embed(ctx, pendingTexts)
		if err != nil {
			return fmt.Errorf("embedding %d chunks: %w", len(pendingTexts), err)
		}
		for j, i := range pendingIdx {
			chunks[i].Embedding = vectors[j]
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chunk := range chunks {
		if chunk.ID == "" {
			chunk.ID = ContentID(chunk.Content)
		}
		s.chunks[chunk.ID] = chunk
	}
	s.queryCache.Clear()
	return nil
}

// Get returns the chunks for the given ids, skipping unknown ones.
func (s *Store) Get(ids []string) []models.KnowledgeChunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.KnowledgeChunk, 0, len(ids))
	for _, id := range ids {
		if chunk, ok := s.chunks[id]; ok {
			out = append(out, chunk)
		}
	}
	return out
}

// Delete removes the given ids and invalidates the query cache.
func (s *Store) Delete(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.chunks, id)
	}
	s.queryCache.Clear()
}

// Reset drops every chunk and the query cache. Resetting an empty store is
// a no-op, so Reset is idempotent.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = make(map[string]models.KnowledgeChunk)
	s.queryCache.Clear()
}

// Len returns the chunk count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Search scores all candidates against every query embedding and returns
// hits at or above the threshold, best first. An empty query set returns
// nil. Text-query searches are memoized in the query cache until the next
// mutation.
func (s *Store) Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	if len(opts.Queries) == 0 && len(opts.Embeddings) == 0 {
		return nil, nil
	}

	// Only pure text-query searches are cacheable: raw embeddings have no
	// canonical key form.
	cacheable := len(opts.Queries) > 0 && len(opts.Embeddings) == 0
	var key string
	if cacheable {
		key = cacheKey(opts)
		if hit, ok := s.queryCache.Get(key); ok {
			return hit.([]SearchResult), nil
		}
	}

	queryVectors := make([][]float32, 0, len(opts.Queries)+len(opts.Embeddings))
	if len(opts.Queries) > 0 {
		embedded, err := s.embedder.Embed(ctx, opts.Queries)
		if err != nil {
			return nil, fmt.Errorf("embedding queries: %w", err)
		}
		queryVectors = append(queryVectors, embedded...)
	}
	queryVectors = append(queryVectors, opts.Embeddings...)

	threshold := opts.threshold()

	s.mu.RLock()
	results := make([]SearchResult, 0)
	for _, chunk := range s.chunks {
		if !opts.Filter.Matches(chunk.Metadata) {
			continue
		}
		if chunk.Embedding == nil {
			continue
		}
		best := -1.0
		for _, q := range queryVectors {
			if score := Cosine(q, chunk.Embedding); score > best {
				best = score
			}
		}
		if best >= threshold {
			results = append(results, SearchResult{
				ID:       chunk.ID,
				Context:  chunk.Content,
				Metadata: chunk.Metadata,
				Score:    best,
			})
		}
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	if cacheable {
		s.queryCache.Set(key, results)
	}
	return results, nil
}

// cacheKey builds a canonical key: queries lowercased, trimmed, sorted and
// joined with "|"; the limit; the filter JSON-encoded with recursively
// sorted keys; the threshold. Equivalent inputs differing only in query
// order, case, whitespace, or filter key order produce identical keys.
func cacheKey(opts SearchOptions) string {
	queries := make([]string, len(opts.Queries))
	for i, q := range opts.Queries {
		queries[i] = strings.ToLower(strings.TrimSpace(q))
	}
	sort.Strings(queries)

	return fmt.Sprintf("%s#%d#%s#%v",
		strings.Join(queries, "|"),
		opts.Limit,
		canonicalJSON(map[string]any(opts.Filter)),
		opts.threshold())
}

// canonicalJSON encodes v with all object keys sorted recursively.
// encoding/json already sorts map keys, so normalizing nested maps to
// map[string]any is sufficient.
func canonicalJSON(v map[string]any) string {
	if len(v) == 0 {
		return "{}"
	}
	b, err := json.Marshal(normalizeValue(v))
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = normalizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalizeValue(inner)
		}
		return out
	default:
		return v
	}
}
