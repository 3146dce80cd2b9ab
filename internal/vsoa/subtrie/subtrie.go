// Package subtrie implements the subscription index: exact-match and
// trailing-slash prefix-match URL patterns mapped to subscriber client ids.
// Generalizes the flat per-client subscription-set pattern into a two-level
// index (pattern -> client ids) so that publish-time matching doesn't have to
// scan every client.
package subtrie

import (
	"strings"
	"sync"
)

// Index is a thread-safe subscription index. Zero value is not usable; use New.
type Index struct {
	mu sync.RWMutex

	// exact[pattern] = set of client ids subscribed to that exact pattern.
	exact map[string]map[uint32]struct{}
	// prefix[pattern-without-trailing-slash] = set of client ids subscribed
	// to that pattern as a trailing-slash prefix wildcard.
	prefix map[string]map[uint32]struct{}

	// byClient[id] = set of raw patterns that client registered, for O(#subs) teardown.
	byClient map[uint32]map[string]struct{}
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		exact:    make(map[string]map[uint32]struct{}),
		prefix:   make(map[string]map[uint32]struct{}),
		byClient: make(map[uint32]map[string]struct{}),
	}
}

func bucketFor(pattern string) (table string, key string) {
	if strings.HasSuffix(pattern, "/") && pattern != "/" {
		return "prefix", strings.TrimSuffix(pattern, "/")
	}
	if pattern == "/" {
		return "prefix", ""
	}
	return "exact", pattern
}

// Add subscribes clientID to pattern. Idempotent: adding the same
// (clientID, pattern) pair twice leaves exactly one subscription.
func (idx *Index) Add(clientID uint32, pattern string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	table, key := bucketFor(pattern)
	dst := idx.exact
	if table == "prefix" {
		dst = idx.prefix
	}
	set, ok := dst[key]
	if !ok {
		set = make(map[uint32]struct{})
		dst[key] = set
	}
	set[clientID] = struct{}{}

	subs, ok := idx.byClient[clientID]
	if !ok {
		subs = make(map[string]struct{})
		idx.byClient[clientID] = subs
	}
	subs[pattern] = struct{}{}
}

// Remove unsubscribes clientID from pattern.
func (idx *Index) Remove(clientID uint32, pattern string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(clientID, pattern)
}

func (idx *Index) removeLocked(clientID uint32, pattern string) {
	table, key := bucketFor(pattern)
	dst := idx.exact
	if table == "prefix" {
		dst = idx.prefix
	}
	if set, ok := dst[key]; ok {
		delete(set, clientID)
		if len(set) == 0 {
			delete(dst, key)
		}
	}
	if subs, ok := idx.byClient[clientID]; ok {
		delete(subs, pattern)
		if len(subs) == 0 {
			delete(idx.byClient, clientID)
		}
	}
}

// RemoveClient tears down every subscription belonging to clientID in
// O(#subscriptions for that client).
func (idx *Index) RemoveClient(clientID uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	subs := idx.byClient[clientID]
	for pattern := range subs {
		table, key := bucketFor(pattern)
		dst := idx.exact
		if table == "prefix" {
			dst = idx.prefix
		}
		if set, ok := dst[key]; ok {
			delete(set, clientID)
			if len(set) == 0 {
				delete(dst, key)
			}
		}
	}
	delete(idx.byClient, clientID)
}

// Matches returns every client id subscribed to a pattern that matches
// publishURL: an exact pattern equal to publishURL, or a trailing-slash
// pattern such that publishURL has the pattern (slash removed) as a
// path-segment-bounded prefix.
func (idx *Index) Matches(publishURL string) []uint32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[uint32]struct{})
	var out []uint32
	add := func(set map[uint32]struct{}) {
		for id := range set {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}

	if set, ok := idx.exact[publishURL]; ok {
		add(set)
	}
	for key, set := range idx.prefix {
		if prefixMatches(key, publishURL) {
			add(set)
		}
	}
	return out
}

// prefixMatches reports whether url equals key or has key as a path-segment
// prefix, i.e. url == key+"/"+rest, or key=="" (the "/" wildcard matches everything).
func prefixMatches(key, url string) bool {
	if key == "" {
		return true
	}
	if url == key {
		return true
	}
	return strings.HasPrefix(url, key+"/")
}

// HasSubscription reports whether clientID currently holds pattern (used by
// tests).
func (idx *Index) HasSubscription(clientID uint32, pattern string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	subs, ok := idx.byClient[clientID]
	if !ok {
		return false
	}
	_, ok = subs[pattern]
	return ok
}
