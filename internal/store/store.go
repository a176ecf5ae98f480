// Package store is the persisted key/value store behind tab volumes and
// capture flags. Every mutation is reported to subscribers as a batch of
// changes, in write order.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrClosed is returned by mutations after Close.
var ErrClosed = errors.New("store closed")

// Change describes one key mutation. NewValue is nil when the key was
// removed; OldValue is nil when it did not exist.
type Change struct {
	Key      string `json:"key"`
	OldValue any    `json:"old_value,omitempty"`
	NewValue any    `json:"new_value,omitempty"`
}

// Store is a string-keyed store of opaque JSON values.
type Store struct {
	path string

	mu     sync.Mutex
	data   map[string]any
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// Open loads path (when it exists) and returns a store that rewrites it after
// every mutation. An empty path keeps everything in memory.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		data: make(map[string]any),
		subs: make(map[int]*subscriber),
	}
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", filepath.Dir(path), err)
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", path, err)
		}
		if s.data == nil {
			s.data = make(map[string]any)
		}
	}
	slog.Info("store loaded", "path", path, "keys", len(s.data))
	return s, nil
}

// GetAll returns a copy of every entry.
func (s *Store) GetAll() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.data)
}

// Get returns the entries for the keys that exist.
func (s *Store) Get(keys ...string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Set writes every entry in values as one batch. Setting a key to nil
// removes it.
func (s *Store) Set(values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	return s.mutate(func(next map[string]any) []Change {
		changes := make([]Change, 0, len(values))
		for _, k := range sortedKeys(values) {
			old, existed := next[k]
			v := values[k]
			if v == nil {
				if !existed {
					continue
				}
				delete(next, k)
			} else {
				next[k] = v
			}
			changes = append(changes, Change{Key: k, OldValue: old, NewValue: v})
		}
		return changes
	})
}

// Remove deletes keys as one batch. Absent keys are ignored.
func (s *Store) Remove(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.mutate(func(next map[string]any) []Change {
		changes := make([]Change, 0, len(keys))
		for _, k := range keys {
			old, ok := next[k]
			if !ok {
				continue
			}
			delete(next, k)
			changes = append(changes, Change{Key: k, OldValue: old})
		}
		return changes
	})
}

// Subscribe registers fn for every later batch. Batches reach fn one at a
// time, in write order, on a goroutine owned by the subscription; a slow fn
// delays only itself. The returned func cancels the subscription.
func (s *Store) Subscribe(fn func([]Change)) (unsubscribe func()) {
	sub := newSubscriber(fn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			sub.stop()
		})
	}
}

// Close stops every subscription. Batches already queued are still
// delivered.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[int]*subscriber)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.drainAndStop()
	}
	return nil
}

// mutate applies fn to a copy of the data, persists it, and only then swaps
// it in and queues the batch. A failed write leaves the store unchanged.
func (s *Store) mutate(fn func(next map[string]any) []Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	next := maps.Clone(s.data)
	changes := fn(next)
	if len(changes) == 0 {
		return nil
	}
	if err := s.persist(next); err != nil {
		slog.Error("store persist failed", "path", s.path, "error", err)
		return err
	}
	s.data = next

	for _, sub := range s.subs {
		sub.enqueue(changes)
	}
	return nil
}

func (s *Store) persist(data map[string]any) error {
	if s.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".volumes-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: replace %s: %w", s.path, err)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
