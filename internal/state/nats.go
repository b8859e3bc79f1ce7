package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	entryPrefix      = "entry."
	checkpointPrefix = "checkpoint."
	seqKey           = "meta.seq"

	// casRetries bounds the compare-and-swap loops that serialize
	// concurrent writers against JetStream revisions.
	casRetries = 5
)

// validKVKey matches the characters JetStream KV accepts in keys.
var validKVKey = regexp.MustCompile(`\A[-/_=.a-zA-Z0-9]+\z`)

// bucketUnsafe matches characters that cannot appear in bucket names.
var bucketUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// NATSConfig configures the NATS JetStream KV backend.
type NATSConfig struct {
	URL          string
	BucketPrefix string
	Token        string
	Timeout      time.Duration
}

// ApplyDefaults fills in zero values.
func (c *NATSConfig) ApplyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.BucketPrefix == "" {
		c.BucketPrefix = "spb"
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
}

// NATSStore is the networked Store backend over JetStream key/value
// buckets, one bucket per namespace. Entries live under `entry.<key>`,
// checkpoints under `checkpoint.<seq>`, and a `meta.seq` counter assigns
// sequence numbers through revision-checked updates, so concurrent
// processes never mint the same sequence number twice.
type NATSStore struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    NATSConfig
	logger *zap.Logger

	mu      sync.Mutex
	buckets map[string]nats.KeyValue
	closed  bool
}

// NewNATSStore connects to NATS and prepares a JetStream context.
func NewNATSStore(cfg NATSConfig, logger *zap.Logger) (*NATSStore, error) {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name("spb-state"),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(5),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NATSStore{
		nc:      nc,
		js:      js,
		cfg:     cfg,
		logger:  logger,
		buckets: make(map[string]nats.KeyValue),
	}, nil
}

// bucket returns the namespace's KV bucket, creating it on first use.
func (s *NATSStore) bucket(namespace string) (nats.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if kv, ok := s.buckets[namespace]; ok {
		return kv, nil
	}

	name := s.cfg.BucketPrefix + "_" + bucketUnsafe.ReplaceAllString(namespace, "_")
	kv, err := s.js.KeyValue(name)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = s.js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      name,
			Description: "spb workflow namespace " + namespace,
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", name, err)
	}
	s.buckets[namespace] = kv
	return kv, nil
}

func entryKey(key string) (string, error) {
	k := entryPrefix + key
	if !validKVKey.MatchString(k) {
		return "", fmt.Errorf("key %q contains characters JetStream KV rejects", key)
	}
	return k, nil
}

// Save implements Store. Conflicting concurrent writers are serialized by
// JetStream revisions: the entry is re-read and re-applied on a revision
// mismatch, bounded by casRetries.
func (s *NATSStore) Save(ctx context.Context, namespace, key string, value any) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	kv, err := s.bucket(namespace)
	if err != nil {
		return err
	}
	k, err := entryKey(key)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		existing, err := kv.Get(k)
		switch {
		case errors.Is(err, nats.ErrKeyNotFound):
			entry := Entry{Key: key, Value: data, Version: 1, UpdatedAt: time.Now().UTC()}
			payload, merr := json.Marshal(entry)
			if merr != nil {
				return fmt.Errorf("failed to encode entry: %w", merr)
			}
			if _, cerr := kv.Create(k, payload); cerr == nil {
				return nil
			}
			// Lost the race to create; re-read and update instead.
			continue
		case err != nil:
			return fmt.Errorf("failed to read entry %s/%s: %w", namespace, key, err)
		}

		var current Entry
		if err := json.Unmarshal(existing.Value(), &current); err != nil {
			return fmt.Errorf("%w: entry %s/%s: %v", ErrCorruption, namespace, key, err)
		}
		if bytes.Equal(current.Value, data) {
			return nil // identical value, no revision churn
		}

		next := Entry{Key: key, Value: data, Version: current.Version + 1, UpdatedAt: time.Now().UTC()}
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode entry: %w", err)
		}
		if _, err := kv.Update(k, payload, existing.Revision()); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %s/%s after %d attempts", ErrConflict, namespace, key, casRetries)
}

// Load implements Store.
func (s *NATSStore) Load(ctx context.Context, namespace, key string, out any) error {
	kv, err := s.bucket(namespace)
	if err != nil {
		return err
	}
	k, err := entryKey(key)
	if err != nil {
		return err
	}

	raw, err := kv.Get(k)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, key)
	}
	if err != nil {
		return fmt.Errorf("failed to read entry %s/%s: %w", namespace, key, err)
	}

	var entry Entry
	if err := json.Unmarshal(raw.Value(), &entry); err != nil {
		return fmt.Errorf("%w: entry %s/%s: %v", ErrCorruption, namespace, key, err)
	}
	if err := json.Unmarshal(entry.Value, out); err != nil {
		return fmt.Errorf("failed to decode value for %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Keys implements Store.
func (s *NATSStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	kv, err := s.bucket(namespace)
	if err != nil {
		return nil, err
	}

	all, err := kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list keys in %s: %w", namespace, err)
	}

	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, entryPrefix) {
			keys = append(keys, strings.TrimPrefix(k, entryPrefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// nextSeq claims the next sequence number through a revision-checked
// counter update.
func (s *NATSStore) nextSeq(kv nats.KeyValue) (int64, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		raw, err := kv.Get(seqKey)
		if errors.Is(err, nats.ErrKeyNotFound) {
			if _, cerr := kv.Create(seqKey, []byte("1")); cerr == nil {
				return 1, nil
			}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read sequence counter: %w", err)
		}

		current, err := strconv.ParseInt(string(raw.Value()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: sequence counter: %v", ErrCorruption, err)
		}
		next := current + 1
		if _, err := kv.Update(seqKey, []byte(strconv.FormatInt(next, 10)), raw.Revision()); err == nil {
			return next, nil
		}
	}
	return 0, fmt.Errorf("%w: sequence counter after %d attempts", ErrConflict, casRetries)
}

// snapshot reads every live entry in the namespace, sorted by key.
func (s *NATSStore) snapshot(namespace string, kv nats.KeyValue) ([]Entry, error) {
	all, err := kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list keys in %s: %w", namespace, err)
	}
	sort.Strings(all)

	entries := make([]Entry, 0, len(all))
	for _, k := range all {
		if !strings.HasPrefix(k, entryPrefix) {
			continue
		}
		raw, err := kv.Get(k)
		if errors.Is(err, nats.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %s: %w", k, err)
		}
		var entry Entry
		if err := json.Unmarshal(raw.Value(), &entry); err != nil {
			return nil, fmt.Errorf("%w: entry %s: %v", ErrCorruption, k, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *NATSStore) writeCheckpoint(namespace, name, restoredFrom string, kv nats.KeyValue) (*Checkpoint, error) {
	entries, err := s.snapshot(namespace, kv)
	if err != nil {
		return nil, err
	}
	seq, err := s.nextSeq(kv)
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		ID:           uuid.NewString(),
		Namespace:    namespace,
		Name:         name,
		Seq:          seq,
		Entries:      entries,
		CreatedAt:    time.Now().UTC(),
		RestoredFrom: restoredFrom,
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if _, err := kv.Put(fmt.Sprintf("%s%010d", checkpointPrefix, seq), payload); err != nil {
		return nil, fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return cp, nil
}

// Checkpoint implements Store.
func (s *NATSStore) Checkpoint(ctx context.Context, namespace, name string) (*Checkpoint, error) {
	kv, err := s.bucket(namespace)
	if err != nil {
		return nil, err
	}
	return s.writeCheckpoint(namespace, name, "", kv)
}

// Restore implements Store.
func (s *NATSStore) Restore(ctx context.Context, namespace, ref string) (*Checkpoint, error) {
	kv, err := s.bucket(namespace)
	if err != nil {
		return nil, err
	}

	source, err := s.GetCheckpoint(ctx, namespace, ref)
	if err != nil {
		return nil, err
	}

	// Replace live entries wholesale: delete keys outside the snapshot,
	// then rewrite the snapshot entries.
	inSnapshot := make(map[string]bool, len(source.Entries))
	for _, e := range source.Entries {
		inSnapshot[e.Key] = true
	}
	live, err := s.Keys(ctx, namespace)
	if err != nil {
		return nil, err
	}
	for _, key := range live {
		if inSnapshot[key] {
			continue
		}
		k, kerr := entryKey(key)
		if kerr != nil {
			return nil, kerr
		}
		if err := kv.Delete(k); err != nil {
			return nil, fmt.Errorf("failed to delete entry %s: %w", key, err)
		}
	}
	for _, e := range source.Entries {
		k, kerr := entryKey(e.Key)
		if kerr != nil {
			return nil, kerr
		}
		payload, merr := json.Marshal(e)
		if merr != nil {
			return nil, fmt.Errorf("failed to encode entry: %w", merr)
		}
		if _, err := kv.Put(k, payload); err != nil {
			return nil, fmt.Errorf("failed to write entry %s: %w", e.Key, err)
		}
	}

	return s.writeCheckpoint(namespace, "restore_"+source.Name, source.ID, kv)
}

// GetCheckpoint implements Store.
func (s *NATSStore) GetCheckpoint(ctx context.Context, namespace, ref string) (*Checkpoint, error) {
	cps, err := s.ListCheckpoints(ctx, namespace)
	if err != nil {
		return nil, err
	}

	for _, cp := range cps {
		if cp.ID == ref {
			return cp, nil
		}
	}
	for i := len(cps) - 1; i >= 0; i-- {
		if cps[i].Name == ref {
			return cps[i], nil
		}
	}
	if seq, err := strconv.ParseInt(ref, 10, 64); err == nil {
		for _, cp := range cps {
			if cp.Seq == seq {
				return cp, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s in %s", ErrCheckpointNotFound, ref, namespace)
}

// ListCheckpoints implements Store.
func (s *NATSStore) ListCheckpoints(ctx context.Context, namespace string) ([]*Checkpoint, error) {
	kv, err := s.bucket(namespace)
	if err != nil {
		return nil, err
	}

	all, err := kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list keys in %s: %w", namespace, err)
	}
	sort.Strings(all) // checkpoint keys are zero-padded, so this orders by seq

	var cps []*Checkpoint
	for _, k := range all {
		if !strings.HasPrefix(k, checkpointPrefix) {
			continue
		}
		raw, err := kv.Get(k)
		if errors.Is(err, nats.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint %s: %w", k, err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(raw.Value(), &cp); err != nil {
			return nil, fmt.Errorf("%w: checkpoint %s: %v", ErrCorruption, k, err)
		}
		cps = append(cps, &cp)
	}
	return cps, nil
}

// Close implements Store.
func (s *NATSStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.nc.Close()
	return nil
}
