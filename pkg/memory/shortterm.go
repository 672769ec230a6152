package memory

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewline/crewline/pkg/cache"
	"github.com/crewline/crewline/pkg/models"
)

// DefaultShortTermCapacity bounds the short-term store.
const DefaultShortTermCapacity = 1000

// defaultPruneInterval is how often the TTL pruner sweeps expired entries.
const defaultPruneInterval = time.Minute

// ShortTermOptions configures a ShortTerm memory.
type ShortTermOptions struct {
	Capacity      int
	TTL           time.Duration
	PruneInterval time.Duration
	// UseLRU selects eviction order; false evicts a random entry.
	UseLRU bool
	// Horizon scales the recency component of recall scoring.
	Horizon time.Duration
}

// ShortTerm is the bounded working memory for recent task outputs and
// observations. Capacity eviction and TTL expiry both run through the
// underlying cache.
type ShortTerm struct {
	entries *cache.LRU
	horizon time.Duration
	log     *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewShortTerm creates the store and starts the TTL pruner when a TTL is
// configured.
func NewShortTerm(opts ShortTermOptions) *ShortTerm {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultShortTermCapacity
	}
	horizon := opts.Horizon
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	interval := opts.PruneInterval
	if interval <= 0 {
		interval = defaultPruneInterval
	}

	s := &ShortTerm{
		entries: cache.New(cache.Options{
			MaxSize: capacity,
			TTL:     opts.TTL,
			UseLRU:  opts.UseLRU,
		}),
		horizon: horizon,
		log:     slog.With("component", "memory.short_term"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if opts.TTL > 0 {
		go s.pruneLoop(interval)
	} else {
		close(s.done)
	}
	return s
}

func (s *ShortTerm) pruneLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if pruned := s.entries.PruneExpired(); pruned > 0 {
				s.log.Debug("Pruned expired short-term entries", "count", pruned)
			}
		}
	}
}

// Stop terminates the TTL pruner. Safe to call more than once.
func (s *ShortTerm) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Add stores one entry, filling in the id and creation time when missing.
// Returns the stored entry.
func (s *ShortTerm) Add(entry models.MemoryEntry) models.MemoryEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.entries.Set(entry.ID, entry)
	return entry
}

// Get returns one entry by id, marking it as accessed.
func (s *ShortTerm) Get(id string) (models.MemoryEntry, bool) {
	value, ok := s.entries.Get(id)
	if !ok {
		return models.MemoryEntry{}, false
	}
	return value.(models.MemoryEntry), true
}

// Delete removes one entry; it reports whether the entry existed.
func (s *ShortTerm) Delete(id string) bool {
	return s.entries.Delete(id)
}

// Clear drops every entry.
func (s *ShortTerm) Clear() {
	s.entries.Clear()
}

// Len returns the current entry count.
func (s *ShortTerm) Len() int {
	return s.entries.Len()
}

// Recall returns up to limit entries ranked by word recall and recency
// against the query. Recall does not refresh access order; reading for
// context must not shield entries from eviction.
func (s *ShortTerm) Recall(query string, limit int) []models.MemoryEntry {
	queryWords := indexableWords(query)
	if query != "" && len(queryWords) == 0 {
		return nil
	}
	now := time.Now()

	type scored struct {
		entry models.MemoryEntry
		score float64
	}
	var candidates []scored
	for _, key := range s.entries.Keys() {
		value, ok := s.entries.Peek(key)
		if !ok {
			continue
		}
		entry := value.(models.MemoryEntry)
		score := relevance(queryWords, wordSet(entry.Content), entry.CreatedAt, now, s.horizon)
		if len(queryWords) > 0 && score <= 0 {
			continue
		}
		candidates = append(candidates, scored{entry: entry, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].entry.CreatedAt.After(candidates[j].entry.CreatedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]models.MemoryEntry, len(candidates))
	for i, c := range candidates {
		out[i] = c.entry
	}
	return out
}
