package store

import "sync"

// Focus tracks the currently selected conversation and a per-conversation
// fetch generation. A history fetch resolving after a newer Select for the
// same conversation is stale: its cache merge still happens (merges are
// idempotent), but its UI effect is discarded. Last-writer-wins is per
// conversation id, not per call.
type Focus struct {
	mu      sync.Mutex
	current string
	gens    map[string]uint64
}

// NewFocus creates an empty focus tracker.
func NewFocus() *Focus {
	return &Focus{gens: make(map[string]uint64)}
}

// Select marks the conversation as focused and returns the fetch generation
// for the triggered history fetch.
func (f *Focus) Select(conversationID string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = conversationID
	f.gens[conversationID]++
	return f.gens[conversationID]
}

// Current returns the focused conversation id, if any.
func (f *Focus) Current() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.current != ""
}

// IsCurrent reports whether a fetch tagged with gen for the conversation is
// still the latest one.
func (f *Focus) IsCurrent(conversationID string, gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gens[conversationID] == gen
}
