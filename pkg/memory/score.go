// Package memory implements the tiered memory subsystem: a bounded
// short-term store, an indexed long-term store over the persistence port,
// an entity graph, and the contextual builder that assembles task context
// from all of them.
package memory

import (
	"strings"
	"time"
	"unicode"
)

// Relevance weighting between query-word recall and recency.
const (
	recallWeight  = 0.7
	recencyWeight = 0.3
)

// indexableWords splits text into lowercased words longer than two
// characters. The same tokenizer feeds the inverted index and the recall
// score so lookups and scoring agree.
func indexableWords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 2 {
			words = append(words, f)
		}
	}
	return words
}

// wordSet builds a membership set from indexable words.
func wordSet(text string) map[string]struct{} {
	words := indexableWords(text)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// recall is the fraction of query words present in the candidate text.
func recall(queryWords []string, candidate map[string]struct{}) float64 {
	if len(queryWords) == 0 {
		return 0
	}
	hits := 0
	for _, w := range queryWords {
		if _, ok := candidate[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryWords))
}

// recency maps an entry's age onto [0, 1]: 1 for brand new, 0 at or past
// the archive horizon.
func recency(createdAt, now time.Time, horizon time.Duration) float64 {
	if horizon <= 0 {
		return 0
	}
	age := now.Sub(createdAt)
	if age <= 0 {
		return 1
	}
	score := 1 - float64(age)/float64(horizon)
	if score < 0 {
		return 0
	}
	return score
}

// relevance combines recall and recency. Without query words the score is
// pure recency.
func relevance(queryWords []string, candidate map[string]struct{}, createdAt, now time.Time, horizon time.Duration) float64 {
	if len(queryWords) == 0 {
		return recency(createdAt, now, horizon)
	}
	return recallWeight*recall(queryWords, candidate) + recencyWeight*recency(createdAt, now, horizon)
}
