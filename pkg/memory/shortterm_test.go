package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/crewline/pkg/models"
)

func TestShortTermAddAssignsIdentity(t *testing.T) {
	st := NewShortTerm(ShortTermOptions{UseLRU: true})
	defer st.Stop()

	stored := st.Add(models.MemoryEntry{Content: "observed a failure"})
	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.CreatedAt.IsZero())

	got, ok := st.Get(stored.ID)
	require.True(t, ok)
	assert.Equal(t, "observed a failure", got.Content)
}

func TestShortTermCapacityEviction(t *testing.T) {
	st := NewShortTerm(ShortTermOptions{Capacity: 3, UseLRU: true})
	defer st.Stop()

	for i := 0; i < 5; i++ {
		st.Add(models.MemoryEntry{ID: fmt.Sprintf("e%d", i), Content: "x"})
	}
	assert.Equal(t, 3, st.Len())

	// The two oldest entries were evicted.
	_, ok := st.Get("e0")
	assert.False(t, ok)
	_, ok = st.Get("e1")
	assert.False(t, ok)
	_, ok = st.Get("e4")
	assert.True(t, ok)
}

func TestShortTermRecallRanksByWordOverlap(t *testing.T) {
	st := NewShortTerm(ShortTermOptions{UseLRU: true})
	defer st.Stop()

	now := time.Now()
	st.Add(models.MemoryEntry{ID: "match", Content: "database latency spiked overnight", CreatedAt: now})
	st.Add(models.MemoryEntry{ID: "partial", Content: "latency report filed", CreatedAt: now})
	st.Add(models.MemoryEntry{ID: "miss", Content: "weather is sunny", CreatedAt: now})

	results := st.Recall("database latency", 10)
	require.Len(t, results, 2, "entries with zero recall are dropped")
	assert.Equal(t, "match", results[0].ID)
	assert.Equal(t, "partial", results[1].ID)
}

func TestShortTermRecallWithoutQueryIsPureRecency(t *testing.T) {
	st := NewShortTerm(ShortTermOptions{UseLRU: true})
	defer st.Stop()

	st.Add(models.MemoryEntry{ID: "old", Content: "a", CreatedAt: time.Now().Add(-time.Hour)})
	st.Add(models.MemoryEntry{ID: "new", Content: "b", CreatedAt: time.Now()})

	results := st.Recall("", 10)
	require.Len(t, results, 2)
	assert.Equal(t, "new", results[0].ID)
	assert.Equal(t, "old", results[1].ID)
}

func TestShortTermRecallLimit(t *testing.T) {
	st := NewShortTerm(ShortTermOptions{UseLRU: true})
	defer st.Stop()

	for i := 0; i < 5; i++ {
		st.Add(models.MemoryEntry{ID: fmt.Sprintf("e%d", i), Content: "shared topic words"})
	}
	assert.Len(t, st.Recall("shared topic", 2), 2)
}

func TestShortTermDeleteAndClear(t *testing.T) {
	st := NewShortTerm(ShortTermOptions{UseLRU: true})
	defer st.Stop()

	st.Add(models.MemoryEntry{ID: "a", Content: "x"})
	assert.True(t, st.Delete("a"))
	assert.False(t, st.Delete("a"))

	st.Add(models.MemoryEntry{ID: "b", Content: "x"})
	st.Clear()
	assert.Equal(t, 0, st.Len())
}

func TestShortTermStopIsIdempotent(t *testing.T) {
	st := NewShortTerm(ShortTermOptions{TTL: time.Minute, PruneInterval: time.Millisecond})
	st.Stop()
	st.Stop()
}

func TestShortTermTTLPrunerRemovesExpired(t *testing.T) {
	st := NewShortTerm(ShortTermOptions{
		TTL:           10 * time.Millisecond,
		PruneInterval: 5 * time.Millisecond,
		UseLRU:        true,
	})
	defer st.Stop()

	st.Add(models.MemoryEntry{ID: "ephemeral", Content: "x"})
	assert.Eventually(t, func() bool { return st.Len() == 0 },
		time.Second, 5*time.Millisecond)
}
