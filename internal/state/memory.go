package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// namespaceData holds one namespace's live entries and checkpoint history.
// Both the memory and file backends build on it; the owning store provides
// locking.
type namespaceData struct {
	Entries     map[string]Entry `json:"entries"`
	Checkpoints []*Checkpoint    `json:"checkpoints"`
	Seq         int64            `json:"seq"`
}

func newNamespaceData() *namespaceData {
	return &namespaceData{Entries: make(map[string]Entry)}
}

// save writes a value, reporting whether anything changed.
func (d *namespaceData) save(key string, value json.RawMessage) bool {
	existing, ok := d.Entries[key]
	if ok && bytes.Equal(existing.Value, value) {
		return false
	}
	version := int64(1)
	if ok {
		version = existing.Version + 1
	}
	d.Entries[key] = Entry{
		Key:       key,
		Value:     append(json.RawMessage(nil), value...),
		Version:   version,
		UpdatedAt: time.Now().UTC(),
	}
	return true
}

func (d *namespaceData) sortedKeys() []string {
	keys := make([]string, 0, len(d.Entries))
	for k := range d.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// snapshot captures the current entries sorted by key.
func (d *namespaceData) snapshot() []Entry {
	entries := make([]Entry, 0, len(d.Entries))
	for _, k := range d.sortedKeys() {
		entries = append(entries, d.Entries[k])
	}
	return cloneEntries(entries)
}

func (d *namespaceData) checkpoint(namespace, name, restoredFrom string) *Checkpoint {
	d.Seq++
	cp := &Checkpoint{
		ID:           uuid.NewString(),
		Namespace:    namespace,
		Name:         name,
		Seq:          d.Seq,
		Entries:      d.snapshot(),
		CreatedAt:    time.Now().UTC(),
		RestoredFrom: restoredFrom,
	}
	d.Checkpoints = append(d.Checkpoints, cp)
	return cp
}

// restore replaces the live entries with the snapshot wholesale and appends
// a restore-point checkpoint.
func (d *namespaceData) restore(namespace string, source *Checkpoint) *Checkpoint {
	d.Entries = make(map[string]Entry, len(source.Entries))
	for _, e := range cloneEntries(source.Entries) {
		d.Entries[e.Key] = e
	}
	return d.checkpoint(namespace, "restore_"+source.Name, source.ID)
}

// find resolves a checkpoint reference: exact ID first, then the most
// recent checkpoint with a matching name, then a decimal sequence number.
func (d *namespaceData) find(ref string) *Checkpoint {
	for _, cp := range d.Checkpoints {
		if cp.ID == ref {
			return cp
		}
	}
	for i := len(d.Checkpoints) - 1; i >= 0; i-- {
		if d.Checkpoints[i].Name == ref {
			return d.Checkpoints[i]
		}
	}
	if seq, err := strconv.ParseInt(ref, 10, 64); err == nil {
		for _, cp := range d.Checkpoints {
			if cp.Seq == seq {
				return cp
			}
		}
	}
	return nil
}

// validate checks the integrity invariants a loaded namespace must hold.
func (d *namespaceData) validate() error {
	if d.Entries == nil {
		return fmt.Errorf("%w: nil entry map", ErrCorruption)
	}
	var prev int64
	for _, cp := range d.Checkpoints {
		if cp.Seq <= prev {
			return fmt.Errorf("%w: checkpoint sequence not strictly increasing at %d", ErrCorruption, cp.Seq)
		}
		if cp.Seq > d.Seq {
			return fmt.Errorf("%w: checkpoint seq %d beyond namespace seq %d", ErrCorruption, cp.Seq, d.Seq)
		}
		prev = cp.Seq
	}
	return nil
}

// MemoryStore is the in-process Store backend for tests and low-volume
// runs. All operations are serialized by one mutex.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]*namespaceData
	closed     bool
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{namespaces: make(map[string]*namespaceData)}
}

func (s *MemoryStore) ns(namespace string) *namespaceData {
	d, ok := s.namespaces[namespace]
	if !ok {
		d = newNamespaceData()
		s.namespaces[namespace] = d
	}
	return d
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, namespace, key string, value any) error {
	data, err := encode(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.ns(namespace).save(key, data)
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, namespace, key string, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	d, ok := s.namespaces[namespace]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, key)
	}
	entry, ok := d.Entries[key]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, key)
	}
	if err := json.Unmarshal(entry.Value, out); err != nil {
		return fmt.Errorf("failed to decode value for %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Keys implements Store.
func (s *MemoryStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	d, ok := s.namespaces[namespace]
	if !ok {
		return nil, nil
	}
	return d.sortedKeys(), nil
}

// Checkpoint implements Store.
func (s *MemoryStore) Checkpoint(ctx context.Context, namespace, name string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.ns(namespace).checkpoint(namespace, name, ""), nil
}

// Restore implements Store.
func (s *MemoryStore) Restore(ctx context.Context, namespace, ref string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	d := s.ns(namespace)
	source := d.find(ref)
	if source == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrCheckpointNotFound, ref, namespace)
	}
	return d.restore(namespace, source), nil
}

// GetCheckpoint implements Store.
func (s *MemoryStore) GetCheckpoint(ctx context.Context, namespace, ref string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	d, ok := s.namespaces[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrCheckpointNotFound, ref, namespace)
	}
	cp := d.find(ref)
	if cp == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrCheckpointNotFound, ref, namespace)
	}
	return cp, nil
}

// ListCheckpoints implements Store.
func (s *MemoryStore) ListCheckpoints(ctx context.Context, namespace string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	d, ok := s.namespaces[namespace]
	if !ok {
		return nil, nil
	}
	out := make([]*Checkpoint, len(d.Checkpoints))
	copy(out, d.Checkpoints)
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
