package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewline/crewline/pkg/models"
	"github.com/crewline/crewline/pkg/storage"
)

// DefaultArchiveAge is the horizon past which long-term entries are
// archived away and their recency score reaches zero.
const DefaultArchiveAge = 30 * 24 * time.Hour

// itemKeyPrefix namespaces entry keys inside the storage namespace.
const itemKeyPrefix = "item:"

// LongTermOptions configures a LongTerm memory.
type LongTermOptions struct {
	// Namespace isolates this memory inside the storage backend.
	Namespace string
	Store     storage.Store
	// ArchiveAge is the recency horizon and the ArchiveOld cutoff.
	ArchiveAge time.Duration
}

// LongTerm is the persistent memory tier. Entries live in the storage
// port; a word-level inverted index and a metadata-value index are kept in
// memory and rebuilt from the port on load.
type LongTerm struct {
	namespace  string
	store      storage.Store
	archiveAge time.Duration
	log        *slog.Logger

	mu      sync.RWMutex
	entries map[string]models.MemoryEntry
	// words maps indexable word -> set of entry ids.
	words map[string]map[string]struct{}
	// metaValues maps "field=value" -> set of entry ids.
	metaValues map[string]map[string]struct{}
}

// NewLongTerm creates the memory and rebuilds its indexes from the
// storage backend.
func NewLongTerm(ctx context.Context, opts LongTermOptions) (*LongTerm, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("long-term memory requires a storage backend")
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "long_term"
	}
	archiveAge := opts.ArchiveAge
	if archiveAge <= 0 {
		archiveAge = DefaultArchiveAge
	}

	lt := &LongTerm{
		namespace:  namespace,
		store:      opts.Store,
		archiveAge: archiveAge,
		log:        slog.With("component", "memory.long_term", "namespace", namespace),
		entries:    make(map[string]models.MemoryEntry),
		words:      make(map[string]map[string]struct{}),
		metaValues: make(map[string]map[string]struct{}),
	}
	if err := lt.load(ctx); err != nil {
		return nil, err
	}
	return lt, nil
}

// load pulls every persisted entry and rebuilds both indexes. Entries
// that fail to decode are skipped with a warning rather than blocking
// startup.
func (lt *LongTerm) load(ctx context.Context) error {
	all, err := lt.store.LoadAll(ctx, lt.namespace)
	if err != nil {
		return fmt.Errorf("loading long-term memory: %w", err)
	}

	lt.mu.Lock()
	defer lt.mu.Unlock()
	for key, data := range all {
		if !strings.HasPrefix(key, itemKeyPrefix) {
			continue
		}
		var entry models.MemoryEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			lt.log.Warn("Skipping undecodable long-term entry", "key", key, "error", err)
			continue
		}
		lt.entries[entry.ID] = entry
		lt.indexLocked(entry)
	}
	lt.log.Debug("Long-term memory loaded", "entries", len(lt.entries))
	return nil
}

func (lt *LongTerm) indexLocked(entry models.MemoryEntry) {
	for _, word := range indexableWords(entry.Content) {
		ids, ok := lt.words[word]
		if !ok {
			ids = make(map[string]struct{})
			lt.words[word] = ids
		}
		ids[entry.ID] = struct{}{}
	}
	for field, value := range entry.Metadata {
		key := metaIndexKey(field, value)
		ids, ok := lt.metaValues[key]
		if !ok {
			ids = make(map[string]struct{})
			lt.metaValues[key] = ids
		}
		ids[entry.ID] = struct{}{}
	}
}

func (lt *LongTerm) unindexLocked(entry models.MemoryEntry) {
	for _, word := range indexableWords(entry.Content) {
		if ids, ok := lt.words[word]; ok {
			delete(ids, entry.ID)
			if len(ids) == 0 {
				delete(lt.words, word)
			}
		}
	}
	for field, value := range entry.Metadata {
		key := metaIndexKey(field, value)
		if ids, ok := lt.metaValues[key]; ok {
			delete(ids, entry.ID)
			if len(ids) == 0 {
				delete(lt.metaValues, key)
			}
		}
	}
}

func metaIndexKey(field string, value any) string {
	return fmt.Sprintf("%s=%v", field, value)
}

// Save persists one entry write-through and updates the indexes. A
// missing id or creation time is filled in. It reports whether the entry
// replaced an existing one.
func (lt *LongTerm) Save(ctx context.Context, entry models.MemoryEntry) (models.MemoryEntry, bool, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return models.MemoryEntry{}, false, fmt.Errorf("encoding entry %s: %w", entry.ID, err)
	}
	if err := lt.store.Save(ctx, lt.namespace, itemKeyPrefix+entry.ID, data); err != nil {
		return models.MemoryEntry{}, false, err
	}

	lt.mu.Lock()
	defer lt.mu.Unlock()
	previous, replaced := lt.entries[entry.ID]
	if replaced {
		lt.unindexLocked(previous)
	}
	lt.entries[entry.ID] = entry
	lt.indexLocked(entry)
	return entry, replaced, nil
}

// Get returns one entry by id and bumps its access statistics. The stats
// are process-local; they feed the lfu pruning strategy.
func (lt *LongTerm) Get(id string) (models.MemoryEntry, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	entry, ok := lt.entries[id]
	if !ok {
		return models.MemoryEntry{}, false
	}
	entry.AccessCount++
	entry.LastAccessedAt = time.Now()
	lt.entries[id] = entry
	return entry, true
}

// Delete removes one entry from the backend and both indexes.
func (lt *LongTerm) Delete(ctx context.Context, id string) (bool, error) {
	lt.mu.Lock()
	entry, ok := lt.entries[id]
	if ok {
		lt.unindexLocked(entry)
		delete(lt.entries, id)
	}
	lt.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := lt.store.Delete(ctx, lt.namespace, itemKeyPrefix+id); err != nil {
		return true, err
	}
	return true, nil
}

// Clear drops the namespace and the indexes.
func (lt *LongTerm) Clear(ctx context.Context) error {
	if err := lt.store.Clear(ctx, lt.namespace); err != nil {
		return err
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.entries = make(map[string]models.MemoryEntry)
	lt.words = make(map[string]map[string]struct{})
	lt.metaValues = make(map[string]map[string]struct{})
	return nil
}

// Len returns the entry count.
func (lt *LongTerm) Len() int {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return len(lt.entries)
}

// SearchOptions parameterizes long-term recall.
type SearchOptions struct {
	Query string
	Limit int
	// Metadata narrows candidates to entries carrying every field=value
	// pair, served from the metadata-value index.
	Metadata map[string]any
}

// Search returns entries ranked by 0.7·word-recall + 0.3·recency. Without
// a query the ranking is pure recency. Candidates come from the inverted
// index when the query has indexable words, so unrelated entries are
// never scored.
func (lt *LongTerm) Search(opts SearchOptions) []models.MemoryEntry {
	queryWords := indexableWords(opts.Query)
	// A non-empty query made only of unindexable short words can match
	// nothing; do not fall back to recency over everything.
	if opts.Query != "" && len(queryWords) == 0 {
		return nil
	}
	now := time.Now()

	lt.mu.RLock()
	defer lt.mu.RUnlock()

	candidates := lt.candidateIDsLocked(queryWords, opts.Metadata)

	type scored struct {
		entry models.MemoryEntry
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for id := range candidates {
		entry := lt.entries[id]
		score := relevance(queryWords, wordSet(entry.Content), entry.CreatedAt, now, lt.archiveAge)
		ranked = append(ranked, scored{entry: entry, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].entry.CreatedAt.After(ranked[j].entry.CreatedAt)
	})
	if opts.Limit > 0 && len(ranked) > opts.Limit {
		ranked = ranked[:opts.Limit]
	}

	out := make([]models.MemoryEntry, len(ranked))
	for i, r := range ranked {
		out[i] = r.entry
	}
	return out
}

// candidateIDsLocked resolves the candidate set: union over query-word
// postings (or all entries without a query), intersected with every
// metadata constraint.
func (lt *LongTerm) candidateIDsLocked(queryWords []string, metadata map[string]any) map[string]struct{} {
	var candidates map[string]struct{}
	if len(queryWords) == 0 {
		candidates = make(map[string]struct{}, len(lt.entries))
		for id := range lt.entries {
			candidates[id] = struct{}{}
		}
	} else {
		candidates = make(map[string]struct{})
		for _, word := range queryWords {
			for id := range lt.words[word] {
				candidates[id] = struct{}{}
			}
		}
	}

	for field, value := range metadata {
		allowed := lt.metaValues[metaIndexKey(field, value)]
		for id := range candidates {
			if _, ok := allowed[id]; !ok {
				delete(candidates, id)
			}
		}
	}
	return candidates
}

// ArchiveOld removes entries created before now − archiveAge and returns
// how many were removed.
func (lt *LongTerm) ArchiveOld(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-lt.archiveAge)

	lt.mu.RLock()
	var victims []string
	for id, entry := range lt.entries {
		if entry.CreatedAt.Before(cutoff) {
			victims = append(victims, id)
		}
	}
	lt.mu.RUnlock()

	for _, id := range victims {
		if _, err := lt.Delete(ctx, id); err != nil {
			return 0, fmt.Errorf("archiving entry %s: %w", id, err)
		}
	}
	if len(victims) > 0 {
		lt.log.Info("Archived old long-term entries", "count", len(victims))
	}
	return len(victims), nil
}
