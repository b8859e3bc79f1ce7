package discovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUniverse_WalkSkipsIgnored(t *testing.T) {
	root := writeUniverse(t, map[string]string{
		".gitignore":           "*.log\ntmp/\n",
		"app/main.go":          "package main",
		"app/debug.log":        "noise",
		"tmp/scratch.txt":      "noise",
		"node_modules/x/y.js":  "noise",
		"assets/logo.png":      "binary",
		"specs/plan.md":        "plan",
		"docs/guide.md":        "guide",
	})

	u, err := NewUniverse(root, false, zap.NewNop())
	require.NoError(t, err)
	defer u.Close()

	files, err := u.Files(context.Background())
	require.NoError(t, err)

	assert.Contains(t, files, "app/main.go")
	assert.Contains(t, files, "specs/plan.md")
	assert.Contains(t, files, "docs/guide.md")
	assert.NotContains(t, files, "app/debug.log")
	assert.NotContains(t, files, "tmp/scratch.txt")
	assert.NotContains(t, files, "node_modules/x/y.js")
	assert.NotContains(t, files, "assets/logo.png")
	assert.True(t, sortedStrings(files))
}

func TestUniverse_CachesEnumeration(t *testing.T) {
	root := writeUniverse(t, map[string]string{"a.txt": "a"})

	u, err := NewUniverse(root, false, zap.NewNop())
	require.NoError(t, err)
	defer u.Close()

	ctx := context.Background()
	first, err := u.Files(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Without a watcher the cache serves the stale list until
	// invalidated explicitly.
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0o644))

	cached, err := u.Files(ctx)
	require.NoError(t, err)
	assert.Len(t, cached, 1)

	u.Invalidate()
	fresh, err := u.Files(ctx)
	require.NoError(t, err)
	assert.Len(t, fresh, 2)
}

func TestUniverse_WatcherInvalidates(t *testing.T) {
	root := writeUniverse(t, map[string]string{"a.txt": "a"})

	u, err := NewUniverse(root, true, zap.NewNop())
	require.NoError(t, err)
	defer u.Close()

	ctx := context.Background()
	_, err = u.Files(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0o644))

	// The watcher delivers asynchronously; poll briefly.
	require.Eventually(t, func() bool {
		files, err := u.Files(ctx)
		return err == nil && len(files) == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestUniverse_Contains(t *testing.T) {
	root := writeUniverse(t, map[string]string{"specs/plan.md": "plan"})

	u, err := NewUniverse(root, false, zap.NewNop())
	require.NoError(t, err)
	defer u.Close()

	ctx := context.Background()
	ok, err := u.Contains(ctx, "specs/plan.md")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = u.Contains(ctx, "specs/absent.md")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUniverse_ReadLimitedFullPrefix(t *testing.T) {
	content := strings.Repeat("relevant keyword line\n", 200)
	root := writeUniverse(t, map[string]string{
		"docs/guide.md": content,
		"specs/tiny.md": "plan",
	})

	u, err := NewUniverse(root, false, zap.NewNop())
	require.NoError(t, err)
	defer u.Close()

	// A file beyond the limit yields exactly the limit-sized prefix.
	got, err := u.ReadLimited("docs/guide.md", 100)
	require.NoError(t, err)
	assert.Equal(t, []byte(content[:100]), got)

	// A file under the limit comes back whole.
	got, err = u.ReadLimited("specs/tiny.md", 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("plan"), got)

	_, err = u.ReadLimited("specs/absent.md", 100)
	require.Error(t, err)
}

func TestUniverse_RejectsMissingRoot(t *testing.T) {
	_, err := NewUniverse(filepath.Join(t.TempDir(), "absent"), false, zap.NewNop())
	require.Error(t, err)
}

func TestHashedEmbedding_Deterministic(t *testing.T) {
	a := hashedEmbedding("fix the login flow")
	b := hashedEmbedding("fix the login flow")
	assert.Equal(t, a, b)

	c := hashedEmbedding("improve search ranking")
	assert.NotEqual(t, a, c)
}

func TestTaskSeed_IgnoresClock(t *testing.T) {
	first := taskSeed("fix the login flow", 12)
	time.Sleep(5 * time.Millisecond)
	second := taskSeed("fix the login flow", 12)
	assert.Equal(t, first, second)

	assert.NotEqual(t, first, taskSeed("fix the login flow", 13))
}
