// Package session tracks in-flight searches so skip and cancel signals can
// reach the rendering pipeline. Sessions live exactly as long as their
// search: created when the search starts, removed when it finishes or
// unwinds.
package session

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// NewID builds a search identifier: a short random prefix plus the clip
// group name, so logs and cache directories correlate by eye.
func NewID(group string) string {
	return uuid.NewString()[:8] + "_" + group
}

// Registry is the shared cancel/skip state for all concurrent searches.
// Cancel flags and skip sets are independent and guarded separately:
// cancellation checks happen far more often than skip mutations and must
// not contend with them.
type Registry struct {
	cancelMu  sync.Mutex
	cancelled map[string]struct{}

	skipMu  sync.Mutex
	skipped map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		cancelled: make(map[string]struct{}),
		skipped:   make(map[string]map[string]struct{}),
	}
}

// Start registers a search. Calling Start twice for the same id resets its
// skip set, which never happens in practice since ids carry a random
// prefix.
func (r *Registry) Start(id string) {
	r.skipMu.Lock()
	r.skipped[id] = make(map[string]struct{})
	r.skipMu.Unlock()
}

// End removes all state for a search. Idempotent; a cancel arriving after
// End is a no-op for everyone.
func (r *Registry) End(id string) {
	r.skipMu.Lock()
	delete(r.skipped, id)
	r.skipMu.Unlock()

	r.cancelMu.Lock()
	delete(r.cancelled, id)
	r.cancelMu.Unlock()
}

// Cancel marks a search cancelled. Idempotent. The flag sticks even for
// unknown ids so a cancel racing the search start still lands.
func (r *Registry) Cancel(id string) {
	r.cancelMu.Lock()
	r.cancelled[id] = struct{}{}
	r.cancelMu.Unlock()
}

// Cancelled reports whether the search was cancelled.
func (r *Registry) Cancelled(id string) bool {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	_, ok := r.cancelled[id]
	return ok
}

// Skip marks one phrase of a search as unwanted. Idempotent; skips for
// searches that already ended are dropped.
func (r *Registry) Skip(id, phrase string) {
	key := phraseKey(phrase)
	if key == "" {
		return
	}
	r.skipMu.Lock()
	if set, ok := r.skipped[id]; ok {
		set[key] = struct{}{}
	}
	r.skipMu.Unlock()
}

// Skipped reports whether the phrase was marked skipped for this search.
func (r *Registry) Skipped(id, phrase string) bool {
	r.skipMu.Lock()
	defer r.skipMu.Unlock()
	set, ok := r.skipped[id]
	if !ok {
		return false
	}
	_, ok = set[phraseKey(phrase)]
	return ok
}

// phraseKey folds a phrase the same way on both the skip and the query
// side so cosmetic whitespace or case differences cannot miss.
func phraseKey(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}
