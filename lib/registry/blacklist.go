package registry

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// Blacklist is the set of content keys whose streams exhibited no
// broadcast progress beyond the loop threshold. Admission refuses these
// keys until an operator removes them (or retention expires them).
type Blacklist struct {
	mu        sync.RWMutex
	entries   map[string]time.Time
	retention time.Duration // zero keeps entries indefinitely
	path      string        // optional persistence file
}

// NewBlacklist builds a blacklist. path may be empty for memory-only
// operation; an existing file is loaded.
func NewBlacklist(retention time.Duration, path string) (*Blacklist, error) {
	b := &Blacklist{
		entries:   make(map[string]time.Time),
		retention: retention,
		path:      path,
	}
	if path != "" {
		if err := b.load(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Add inserts a content key with the current detection time.
func (b *Blacklist) Add(contentKey string) {
	b.mu.Lock()
	b.entries[contentKey] = time.Now()
	b.mu.Unlock()
	b.persist()
}

// Contains reports whether a key is blacklisted, expiring it lazily when a
// retention window is configured.
func (b *Blacklist) Contains(contentKey string) bool {
	b.mu.RLock()
	detected, ok := b.entries[contentKey]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if b.retention > 0 && time.Since(detected) > b.retention {
		b.Remove(contentKey)
		return false
	}
	return true
}

// Remove deletes a key. Returns false when it was not present.
func (b *Blacklist) Remove(contentKey string) bool {
	b.mu.Lock()
	_, ok := b.entries[contentKey]
	delete(b.entries, contentKey)
	b.mu.Unlock()
	if ok {
		b.persist()
	}
	return ok
}

// Entries returns a copy of the blacklist for the management endpoint.
func (b *Blacklist) Entries() map[string]time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]time.Time, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out
}

// Prune drops expired entries. No-op without a retention window.
func (b *Blacklist) Prune() int {
	if b.retention <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-b.retention)
	b.mu.Lock()
	removed := 0
	for k, detected := range b.entries {
		if detected.Before(cutoff) {
			delete(b.entries, k)
			removed++
		}
	}
	b.mu.Unlock()
	if removed > 0 {
		b.persist()
	}
	return removed
}

func (b *Blacklist) persist() {
	if b.path == "" {
		return
	}
	b.mu.RLock()
	data, err := json.MarshalIndent(b.entries, "", "  ")
	b.mu.RUnlock()
	if err != nil {
		return
	}
	_ = renameio.WriteFile(b.path, data, 0o644)
}

func (b *Blacklist) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return json.Unmarshal(data, &b.entries)
}
