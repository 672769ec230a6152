package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crewline/crewline/pkg/cache"
	"github.com/crewline/crewline/pkg/models"
)

// Contextual builder defaults.
const (
	DefaultMaxContextLength = 8000
	DefaultSectionLimit     = 10
	DefaultBuilderCacheSize = 100
	DefaultBuilderCacheTTL  = 5 * time.Minute
)

// Section headings in render order.
const (
	sectionRecentInsights = "Recent Insights"
	sectionHistoricalData = "Historical Data"
	sectionEntities       = "Entities"
	sectionUserMemories   = "User memories/preferences"
)

// BuilderOptions configures a ContextBuilder.
type BuilderOptions struct {
	Manager *Manager
	// MaxContextLength bounds the rendered context in characters.
	MaxContextLength int
	// SectionLimit bounds how many items each source contributes.
	SectionLimit int
	// Parallel fetches all sources concurrently; sequential fetch is for
	// debugging and deterministic profiling.
	Parallel bool

	CacheSize int
	CacheTTL  time.Duration
}

// ContextBuilder assembles the memory context string for a task by
// querying every configured tier with the task description.
type ContextBuilder struct {
	manager      *Manager
	maxLength    int
	sectionLimit int
	parallel     bool
	memo         *cache.LRU
	log          *slog.Logger
}

// NewContextBuilder creates a builder over the manager's tiers.
func NewContextBuilder(opts BuilderOptions) *ContextBuilder {
	maxLength := opts.MaxContextLength
	if maxLength <= 0 {
		maxLength = DefaultMaxContextLength
	}
	sectionLimit := opts.SectionLimit
	if sectionLimit <= 0 {
		sectionLimit = DefaultSectionLimit
	}
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultBuilderCacheSize
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultBuilderCacheTTL
	}
	return &ContextBuilder{
		manager:      opts.Manager,
		maxLength:    maxLength,
		sectionLimit: sectionLimit,
		parallel:     opts.Parallel,
		memo:         cache.New(cache.Options{MaxSize: size, TTL: ttl, UseLRU: true}),
		log:          slog.With("component", "memory.context_builder"),
	}
}

// section is one rendered block; order fixes the render sequence.
type section struct {
	order   int
	heading string
	body    string
}

// Build assembles the context for a task. Results are memoized by
// (task id, description) until the TTL lapses.
func (b *ContextBuilder) Build(ctx context.Context, taskID, description string) (string, error) {
	key := taskID + "\x00" + description
	if hit, ok := b.memo.Get(key); ok {
		return hit.(string), nil
	}

	sections, err := b.fetchSections(ctx, description)
	if err != nil {
		return "", err
	}
	result := b.render(sections)

	b.memo.Set(key, result)
	return result, nil
}

// Invalidate drops every memoized context. Call after memory writes that
// should be visible to the next task.
func (b *ContextBuilder) Invalidate() {
	b.memo.Clear()
}

func (b *ContextBuilder) fetchSections(ctx context.Context, description string) ([]section, error) {
	fetchers := []func() section{
		func() section {
			entries := b.manager.ShortTerm().Recall(description, b.sectionLimit)
			return section{order: 0, heading: sectionRecentInsights, body: renderEntryBullets(entries, false)}
		},
		func() section {
			entries := b.manager.LongTerm().Search(SearchOptions{Query: description, Limit: b.sectionLimit})
			return section{order: 1, heading: sectionHistoricalData, body: renderEntryBullets(entries, true)}
		},
		func() section {
			entities := b.manager.Entities().Recall(description, b.sectionLimit)
			return section{order: 2, heading: sectionEntities, body: renderEntityBullets(entities)}
		},
	}
	if user := b.manager.User(); user != nil {
		fetchers = append(fetchers, func() section {
			entries := user.Search(SearchOptions{Query: description, Limit: b.sectionLimit})
			return section{order: 3, heading: sectionUserMemories, body: renderEntryBullets(entries, false)}
		})
	}

	sections := make([]section, len(fetchers))
	if b.parallel {
		g, _ := errgroup.WithContext(ctx)
		for i, fetch := range fetchers {
			i, fetch := i, fetch
			g.Go(func() error {
				sections[i] = fetch()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i, fetch := range fetchers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			sections[i] = fetch()
		}
	}

	sort.Slice(sections, func(i, j int) bool { return sections[i].order < sections[j].order })
	return sections, nil
}

// render concatenates non-empty sections. When the budget runs out, later
// sections are dropped and the last kept section is cut at a sentence or
// word boundary.
func (b *ContextBuilder) render(sections []section) string {
	var sb strings.Builder
	for _, sec := range sections {
		if sec.body == "" {
			continue
		}
		block := sec.heading + ":\n" + sec.body
		if sb.Len() > 0 {
			block = "\n\n" + block
		}

		if sb.Len()+len(block) <= b.maxLength {
			sb.WriteString(block)
			continue
		}

		remaining := b.maxLength - sb.Len()
		if truncated := truncateAtBoundary(block, remaining); truncated != "" {
			sb.WriteString(truncated)
		}
		break
	}
	return sb.String()
}

// truncateAtBoundary cuts text to at most limit characters, preferring
// the last sentence end and falling back to the last word break. It
// returns "" when no clean cut exists.
func truncateAtBoundary(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	if idx := strings.LastIndexAny(cut, ".!?"); idx > 0 {
		return cut[:idx+1]
	}
	if idx := strings.LastIndexAny(cut, " \n\t"); idx > 0 {
		return strings.TrimRight(cut[:idx], " \n\t")
	}
	return ""
}

// renderEntryBullets formats memory entries one per line. With
// suggestions enabled, entries carrying metadata.suggestions contribute
// those instead of their content.
func renderEntryBullets(entries []models.MemoryEntry, suggestions bool) string {
	var lines []string
	for _, entry := range entries {
		if suggestions {
			if items, ok := suggestionList(entry.Metadata); ok {
				for _, item := range items {
					lines = append(lines, "- "+item)
				}
				continue
			}
		}
		if entry.Content != "" {
			lines = append(lines, "- "+entry.Content)
		}
	}
	return strings.Join(lines, "\n")
}

func suggestionList(metadata map[string]any) ([]string, bool) {
	raw, ok := metadata["suggestions"]
	if !ok {
		return nil, false
	}
	switch items := raw.(type) {
	case []string:
		if len(items) == 0 {
			return nil, false
		}
		return items, true
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil, false
		}
		return out, true
	}
	return nil, false
}

// renderEntityBullets formats entities as Entity/Type/Attributes/
// Relationships summaries.
func renderEntityBullets(entities []models.Entity) string {
	var lines []string
	for _, entity := range entities {
		line := fmt.Sprintf("- %s (%s)", entity.Name, entity.Type)
		if len(entity.Attributes) > 0 {
			keys := make([]string, 0, len(entity.Attributes))
			for k := range entity.Attributes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			pairs := make([]string, len(keys))
			for i, k := range keys {
				pairs[i] = fmt.Sprintf("%s=%v", k, entity.Attributes[k])
			}
			line += ": " + strings.Join(pairs, ", ")
		}
		if len(entity.Relationships) > 0 {
			rels := make([]string, len(entity.Relationships))
			for i, rel := range entity.Relationships {
				rels[i] = fmt.Sprintf("%s %s", rel.Relation, rel.EntityID)
			}
			line += "; relationships: " + strings.Join(rels, ", ")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
