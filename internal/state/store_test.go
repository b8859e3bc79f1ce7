package state

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startTestNATSServer starts an embedded NATS server with JetStream for
// backend tests.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1, // Random port
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

// backends returns a constructor per Store backend so every contract test
// runs against all of them.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()

	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(t.TempDir(), zap.NewNop())
			require.NoError(t, err)
			return s
		},
		"nats": func(t *testing.T) Store {
			server := startTestNATSServer(t)
			s, err := NewNATSStore(NATSConfig{URL: server.ClientURL()}, zap.NewNop())
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_SaveLoad(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			defer s.Close()

			require.NoError(t, s.Save(ctx, "wf-1", "task", "fix the login bug"))

			var got string
			require.NoError(t, s.Load(ctx, "wf-1", "task", &got))
			assert.Equal(t, "fix the login bug", got)

			// Structured documents round-trip too.
			doc := map[string]any{"phase": "scout", "files": []any{"a.md", "b.md"}}
			require.NoError(t, s.Save(ctx, "wf-1", "phase/scout/result", doc))

			var gotDoc map[string]any
			require.NoError(t, s.Load(ctx, "wf-1", "phase/scout/result", &gotDoc))
			assert.Equal(t, doc, gotDoc)
		})
	}
}

func TestStore_LoadMissing(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			defer s.Close()

			var out string
			err := s.Load(ctx, "wf-1", "absent", &out)
			require.ErrorIs(t, err, ErrNotFound)

			got, err := LoadDefault(ctx, s, "wf-1", "absent", "fallback")
			require.NoError(t, err)
			assert.Equal(t, "fallback", got)
		})
	}
}

func TestStore_IdempotentSave(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			defer s.Close()

			require.NoError(t, s.Save(ctx, "wf-1", "k", "v"))
			require.NoError(t, s.Save(ctx, "wf-1", "k", "v"))

			var got string
			require.NoError(t, s.Load(ctx, "wf-1", "k", &got))
			assert.Equal(t, "v", got)

			// Identical saves never mint a checkpoint.
			cps, err := s.ListCheckpoints(ctx, "wf-1")
			require.NoError(t, err)
			assert.Empty(t, cps)
		})
	}
}

func TestStore_CheckpointRoundTrip(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			defer s.Close()

			require.NoError(t, s.Save(ctx, "wf-1", "a", 1))
			require.NoError(t, s.Save(ctx, "wf-1", "b", "before"))

			cp, err := s.Checkpoint(ctx, "wf-1", "a")
			require.NoError(t, err)
			require.NotEmpty(t, cp.ID)
			assert.Equal(t, int64(1), cp.Seq)

			// Mutate several keys, add a new one.
			require.NoError(t, s.Save(ctx, "wf-1", "a", 2))
			require.NoError(t, s.Save(ctx, "wf-1", "b", "after"))
			require.NoError(t, s.Save(ctx, "wf-1", "c", true))

			restored, err := s.Restore(ctx, "wf-1", cp.ID)
			require.NoError(t, err)
			assert.Equal(t, cp.ID, restored.RestoredFrom)
			assert.Greater(t, restored.Seq, cp.Seq)

			var a int
			require.NoError(t, s.Load(ctx, "wf-1", "a", &a))
			assert.Equal(t, 1, a)

			var b string
			require.NoError(t, s.Load(ctx, "wf-1", "b", &b))
			assert.Equal(t, "before", b)

			// Wholesale replacement: the key added after the checkpoint
			// is gone, not merged.
			var c bool
			err = s.Load(ctx, "wf-1", "c", &c)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_RestoreOfRestore(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			defer s.Close()

			require.NoError(t, s.Save(ctx, "wf-1", "k", "first"))
			first, err := s.Checkpoint(ctx, "wf-1", "first")
			require.NoError(t, err)

			require.NoError(t, s.Save(ctx, "wf-1", "k", "second"))
			second, err := s.Checkpoint(ctx, "wf-1", "second")
			require.NoError(t, err)

			_, err = s.Restore(ctx, "wf-1", first.ID)
			require.NoError(t, err)

			var got string
			require.NoError(t, s.Load(ctx, "wf-1", "k", &got))
			assert.Equal(t, "first", got)

			// The restore appended its own checkpoint, so undoing the
			// undo is just another restore.
			_, err = s.Restore(ctx, "wf-1", second.ID)
			require.NoError(t, err)

			require.NoError(t, s.Load(ctx, "wf-1", "k", &got))
			assert.Equal(t, "second", got)
		})
	}
}

func TestStore_CheckpointOrdering(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			defer s.Close()

			names := []string{"pre_scout", "post_scout", "pre_plan"}
			for _, n := range names {
				_, err := s.Checkpoint(ctx, "wf-1", n)
				require.NoError(t, err)
			}

			cps, err := s.ListCheckpoints(ctx, "wf-1")
			require.NoError(t, err)
			require.Len(t, cps, len(names))

			for i, cp := range cps {
				assert.Equal(t, names[i], cp.Name)
				assert.Equal(t, int64(i+1), cp.Seq)
			}

			// Checkpoints resolve by ID, name, and sequence number.
			byName, err := s.GetCheckpoint(ctx, "wf-1", "post_scout")
			require.NoError(t, err)
			assert.Equal(t, int64(2), byName.Seq)

			bySeq, err := s.GetCheckpoint(ctx, "wf-1", "3")
			require.NoError(t, err)
			assert.Equal(t, "pre_plan", bySeq.Name)

			byID, err := s.GetCheckpoint(ctx, "wf-1", cps[0].ID)
			require.NoError(t, err)
			assert.Equal(t, "pre_scout", byID.Name)
		})
	}
}

func TestStore_NamespaceIsolation(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			defer s.Close()

			require.NoError(t, s.Save(ctx, "wf-1", "k", "one"))
			require.NoError(t, s.Save(ctx, "wf-2", "k", "two"))

			_, err := s.Checkpoint(ctx, "wf-1", "cp")
			require.NoError(t, err)

			var got string
			require.NoError(t, s.Load(ctx, "wf-2", "k", &got))
			assert.Equal(t, "two", got)

			cps, err := s.ListCheckpoints(ctx, "wf-2")
			require.NoError(t, err)
			assert.Empty(t, cps)
		})
	}
}

func TestStore_UnknownCheckpoint(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			defer s.Close()

			require.NoError(t, s.Save(ctx, "wf-1", "k", "v"))

			_, err := s.Restore(ctx, "wf-1", "nope")
			require.ErrorIs(t, err, ErrCheckpointNotFound)

			// A failed restore never touches live entries.
			var got string
			require.NoError(t, s.Load(ctx, "wf-1", "k", &got))
			assert.Equal(t, "v", got)
		})
	}
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	err := s.Save(ctx, "wf-1", "k", "v")
	require.ErrorIs(t, err, ErrClosed)

	_, err = s.Checkpoint(ctx, "wf-1", "cp")
	require.ErrorIs(t, err, ErrClosed)
}

func TestStore_ConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(n int) {
			done <- s.Save(ctx, "wf-1", "shared", n)
		}(i)
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-done)
	}

	// Whatever won, the value is a whole write, never torn.
	var got int
	require.NoError(t, s.Load(ctx, "wf-1", "shared", &got))
	assert.GreaterOrEqual(t, got, 0)
	assert.Less(t, got, 20)
}
