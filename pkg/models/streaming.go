package models

import (
	"encoding/json"
	"strings"
	"sync"
)

// StreamingOutput is an append-only log of tokens with a completion flag.
// A bounded ring of the most recent tokens is kept alongside the full text
// so observers can show a tail without holding the whole output.
type StreamingOutput struct {
	mu         sync.Mutex
	sb         strings.Builder
	ring       []string
	ringStart  int
	ringCount  int
	complete   bool
	serialized []byte // cached JSON, invalidated on every append
}

// streamRingSize bounds the last-N token window.
const streamRingSize = 64

// Append adds a token to the log and invalidates the cached serialization.
// Appending after completion is ignored.
func (s *StreamingOutput) Append(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.complete {
		return
	}
	s.sb.WriteString(token)
	if s.ring == nil {
		s.ring = make([]string, streamRingSize)
	}
	idx := (s.ringStart + s.ringCount) % streamRingSize
	s.ring[idx] = token
	if s.ringCount < streamRingSize {
		s.ringCount++
	} else {
		s.ringStart = (s.ringStart + 1) % streamRingSize
	}
	s.serialized = nil
}

// Complete marks the stream finished.
func (s *StreamingOutput) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete = true
}

// IsComplete reports whether the stream has finished.
func (s *StreamingOutput) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// Text returns the full accumulated text.
func (s *StreamingOutput) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sb.String()
}

// Tail returns the most recent tokens, oldest first.
func (s *StreamingOutput) Tail() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, s.ringCount)
	for i := 0; i < s.ringCount; i++ {
		out = append(out, s.ring[(s.ringStart+i)%streamRingSize])
	}
	return out
}

// Len returns the total accumulated length in bytes.
func (s *StreamingOutput) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sb.Len()
}

// MarshalJSON serializes {text, complete}, caching the result until the
// next append.
func (s *StreamingOutput) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serialized != nil {
		return s.serialized, nil
	}
	b, err := json.Marshal(struct {
		Text     string `json:"text"`
		Complete bool   `json:"complete"`
	}{s.sb.String(), s.complete})
	if err != nil {
		return nil, err
	}
	s.serialized = b
	return b, nil
}
