package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound indicates the key has no value in the namespace.
	ErrNotFound = errors.New("state: key not found")

	// ErrCheckpointNotFound indicates no checkpoint matched the reference.
	ErrCheckpointNotFound = errors.New("state: checkpoint not found")

	// ErrCorruption indicates persisted state failed an integrity check.
	// Recovery restores the most recent checkpoint when it sees this.
	ErrCorruption = errors.New("state: persisted state corrupted")

	// ErrConflict indicates concurrent conflicting writes to the same key
	// could not be serialized.
	ErrConflict = errors.New("state: concurrent write conflict")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("state: store closed")
)

// Entry is one versioned value within a namespace. Entries are owned by the
// store; callers read and write them only through Save and Load.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Checkpoint is an immutable snapshot of a namespace's entire entry set at
// creation time. Sequence numbers are strictly increasing per namespace, so
// checkpoints within a namespace are totally ordered.
type Checkpoint struct {
	ID        string    `json:"id"`
	Namespace string    `json:"namespace"`
	Name      string    `json:"name"`
	Seq       int64     `json:"seq"`
	Entries   []Entry   `json:"entries"`
	CreatedAt time.Time `json:"created_at"`

	// RestoredFrom holds the source checkpoint ID when this checkpoint
	// marks a restore point.
	RestoredFrom string `json:"restored_from,omitempty"`
}

// Store is the persistence contract shared by all backends.
//
// Values are any JSON-serializable document. Namespaces and checkpoints are
// never deleted automatically; they are retained for audit and replay.
type Store interface {
	// Save writes a value under a key. Re-saving an identical value is a
	// no-op: the version counter does not advance.
	Save(ctx context.Context, namespace, key string, value any) error

	// Load decodes the value for a key into out. Returns ErrNotFound when
	// the key has no value.
	Load(ctx context.Context, namespace, key string, out any) error

	// Keys lists the namespace's keys in sorted order.
	Keys(ctx context.Context, namespace string) ([]string, error)

	// Checkpoint snapshots the namespace's current entries under the next
	// sequence number.
	Checkpoint(ctx context.Context, namespace, name string) (*Checkpoint, error)

	// Restore replaces the namespace's live entries with the referenced
	// checkpoint's snapshot, never a partial merge, then appends a new
	// checkpoint marking the restore point. The appended checkpoint is
	// returned.
	Restore(ctx context.Context, namespace, ref string) (*Checkpoint, error)

	// GetCheckpoint resolves a checkpoint by ID, name (most recent wins),
	// or decimal sequence number.
	GetCheckpoint(ctx context.Context, namespace, ref string) (*Checkpoint, error)

	// ListCheckpoints returns the namespace's checkpoints ordered by
	// sequence number.
	ListCheckpoints(ctx context.Context, namespace string) ([]*Checkpoint, error)

	// Close releases backend resources. The store rejects all operations
	// afterwards.
	Close() error
}

// LoadDefault loads a key, returning def when the key is absent.
func LoadDefault[T any](ctx context.Context, s Store, namespace, key string, def T) (T, error) {
	var out T
	err := s.Load(ctx, namespace, key, &out)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return out, nil
}

// encode canonicalizes a value to JSON bytes. Canonical bytes make the
// idempotent-save comparison and the torn-write checks possible.
func encode(value any) (json.RawMessage, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return data, nil
}

// cloneEntries copies an entry slice so snapshots never alias live state.
func cloneEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{
			Key:       e.Key,
			Value:     append(json.RawMessage(nil), e.Value...),
			Version:   e.Version,
			UpdatedAt: e.UpdatedAt,
		}
	}
	return out
}
