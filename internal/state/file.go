package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FileStore persists each namespace as one JSON document under a directory,
// giving single-process durability. Every mutation rewrites the namespace
// file through a temp-write, fsync, validate-reread, backup, rename
// sequence, so a crash mid-write never leaves a torn document and the
// previous generation survives as `<namespace>.json.bak`.
type FileStore struct {
	dir    string
	logger *zap.Logger

	mu         sync.Mutex
	namespaces map[string]*namespaceData
	closed     bool
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store requires a directory")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	expanded, err := expandHome(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(expanded, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", expanded, err)
	}

	return &FileStore{
		dir:        expanded,
		logger:     logger,
		namespaces: make(map[string]*namespaceData),
	}, nil
}

// Dir returns the resolved state directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(namespace string) string {
	return filepath.Join(s.dir, namespace+".json")
}

// loadLocked reads a namespace document from disk on first access. A
// document that fails to decode or violates the sequence invariants
// surfaces as ErrCorruption; the caller decides whether to fall back to
// the .bak generation.
func (s *FileStore) loadLocked(namespace string) (*namespaceData, error) {
	if d, ok := s.namespaces[namespace]; ok {
		return d, nil
	}

	d, err := s.readDocument(s.path(namespace))
	if err != nil {
		return nil, err
	}
	s.namespaces[namespace] = d
	return d, nil
}

func (s *FileStore) readDocument(path string) (*namespaceData, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return newNamespaceData(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read namespace file %s: %w", path, err)
	}

	var d namespaceData
	if err := json.Unmarshal(content, &d); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
	}
	if d.Entries == nil {
		d.Entries = make(map[string]Entry)
	}
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &d, nil
}

// flushLocked rewrites the namespace document atomically.
func (s *FileStore) flushLocked(namespace string, d *namespaceData) error {
	content, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode namespace %s: %w", namespace, err)
	}
	return atomicWrite(s.path(namespace), content)
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, namespace, key string, value any) error {
	data, err := encode(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	d, err := s.loadLocked(namespace)
	if err != nil {
		return err
	}
	if !d.save(key, data) {
		return nil // identical value, nothing to persist
	}
	return s.flushLocked(namespace, d)
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, namespace, key string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	d, err := s.loadLocked(namespace)
	if err != nil {
		return err
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
func (s *FileStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	d, err := s.loadLocked(namespace)
	if err != nil {
		return nil, err
	}
	return d.sortedKeys(), nil
}

// Checkpoint implements Store.
func (s *FileStore) Checkpoint(ctx context.Context, namespace, name string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	d, err := s.loadLocked(namespace)
	if err != nil {
		return nil, err
	}
	cp := d.checkpoint(namespace, name, "")
	if err := s.flushLocked(namespace, d); err != nil {
		return nil, err
	}
	return cp, nil
}

// Restore implements Store.
func (s *FileStore) Restore(ctx context.Context, namespace, ref string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	d, err := s.loadLocked(namespace)
	if err != nil {
		return nil, err
	}
	source := d.find(ref)
	if source == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrCheckpointNotFound, ref, namespace)
	}
	cp := d.restore(namespace, source)
	if err := s.flushLocked(namespace, d); err != nil {
		return nil, err
	}
	return cp, nil
}

// GetCheckpoint implements Store.
func (s *FileStore) GetCheckpoint(ctx context.Context, namespace, ref string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	d, err := s.loadLocked(namespace)
	if err != nil {
		return nil, err
	}
	cp := d.find(ref)
	if cp == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrCheckpointNotFound, ref, namespace)
	}
	return cp, nil
}

// ListCheckpoints implements Store.
func (s *FileStore) ListCheckpoints(ctx context.Context, namespace string) ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	d, err := s.loadLocked(namespace)
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, len(d.Checkpoints))
	copy(out, d.Checkpoints)
	return out, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// atomicWrite replaces path with content without ever exposing a partial
// file: write to a temp file in the same directory, fsync, re-read and
// validate, back up the previous generation, then rename into place.
func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".spb-tmp-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("failed to re-read temp file: %w", err)
	}
	if !json.Valid(written) {
		return fmt.Errorf("%w: temp file failed JSON validation", ErrCorruption)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// expandHome resolves a leading ~/ against the user home directory.
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
