package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// writeUniverse lays out a small artifact tree for discovery tests.
func writeUniverse(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func testUniverse(t *testing.T) string {
	return writeUniverse(t, map[string]string{
		"specs/login.md":        "plan for the login flow",
		"specs/search.md":       "search ranking plan",
		"app/login.go":          "package app // login handler",
		"app/search.go":         "package app // search handler",
		"app/util.go":           "package app // helpers",
		"docs/readme.md":        "project overview",
		"scout_outputs/old.txt": "previous scout run",
	})
}

func newTestService(t *testing.T, root string) *Service {
	t.Helper()

	svc, err := New(Config{
		Root:              root,
		MaxFiles:          10,
		VerifyDeterminism: true,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestDiscover_StructuralMatch(t *testing.T) {
	svc := newTestService(t, testUniverse(t))

	result, err := svc.Discover(context.Background(), "fix the login flow")
	require.NoError(t, err)

	assert.Equal(t, LevelStructural, result.Level)
	assert.True(t, result.DeterminismVerified)
	assert.Contains(t, result.Files, "app/login.go")
	assert.Contains(t, result.Files, "specs/login.md")
	assert.True(t, sortedStrings(result.Files))
}

func TestDiscover_Deterministic(t *testing.T) {
	svc := newTestService(t, testUniverse(t))
	ctx := context.Background()

	first, err := svc.Discover(ctx, "improve search ranking")
	require.NoError(t, err)
	require.NotEmpty(t, first.Files)

	// Repeated runs must yield byte-identical sorted lists.
	for i := 0; i < 5; i++ {
		again, err := svc.Discover(ctx, "improve search ranking")
		require.NoError(t, err)
		assert.Equal(t, first.Files, again.Files)
		assert.Equal(t, first.Seed, again.Seed)
		assert.True(t, again.DeterminismVerified)
	}
}

func TestDiscover_EmptyLevelTerminates(t *testing.T) {
	// A universe with nothing matching forces the chain to level 4.
	root := writeUniverse(t, map[string]string{
		"docs/readme.md": "nothing relevant here",
	})
	svc := newTestService(t, root)

	result, err := svc.Discover(context.Background(), "qqqq zzzz xxxx")
	require.NoError(t, err)

	assert.Equal(t, LevelEmpty, result.Level)
	assert.Equal(t, "empty", result.Strategy)
	assert.NotNil(t, result.Files)
	assert.Empty(t, result.Files)
}

func TestDiscover_MemoryLevelWins(t *testing.T) {
	root := testUniverse(t)
	svc := newTestService(t, root)
	ctx := context.Background()

	// Record a prior discovery, then the identical task must hit level 1
	// with the recorded set.
	recorded := []string{"app/login.go", "specs/login.md"}
	require.NoError(t, svc.Record(ctx, "fix the login flow", recorded, LevelStructural))

	result, err := svc.Discover(ctx, "fix the login flow")
	require.NoError(t, err)

	assert.Equal(t, LevelMemory, result.Level)
	assert.Equal(t, recorded, result.Files)
}

func TestDiscover_MemorySkipsDeletedArtifacts(t *testing.T) {
	root := testUniverse(t)
	svc := newTestService(t, root)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, "fix the login flow",
		[]string{"app/login.go", "app/removed.go"}, LevelStructural))

	result, err := svc.Discover(ctx, "fix the login flow")
	require.NoError(t, err)

	assert.Equal(t, LevelMemory, result.Level)
	assert.Equal(t, []string{"app/login.go"}, result.Files)
}

func TestDiscover_DissimilarTaskMissesMemory(t *testing.T) {
	root := testUniverse(t)
	svc := newTestService(t, root)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, "fix the login flow",
		[]string{"app/login.go"}, LevelStructural))

	// A completely different task must not inherit the recorded set.
	result, err := svc.Discover(ctx, "improve search ranking")
	require.NoError(t, err)

	assert.NotEqual(t, LevelMemory, result.Level)
}

func TestDiscover_CancelledContext(t *testing.T) {
	svc := newTestService(t, testUniverse(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Discover(ctx, "fix the login flow")
	require.ErrorIs(t, err, ErrExhausted)
}

func TestDiscover_MaxFilesCap(t *testing.T) {
	files := make(map[string]string)
	for i := 0; i < 30; i++ {
		files[filepath.Join("app", "login_"+string(rune('a'+i%26))+".go")] = "login code"
	}
	root := writeUniverse(t, files)

	svc, err := New(Config{Root: root, MaxFiles: 5, VerifyDeterminism: true}, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	result, err := svc.Discover(context.Background(), "login")
	require.NoError(t, err)

	assert.LessOrEqual(t, len(result.Files), 5)
	assert.True(t, result.DeterminismVerified)
}

func sortedStrings(s []string) bool {
	for i := 1; i < len(s); i++ {
		if s[i-1] > s[i] {
			return false
		}
	}
	return true
}
