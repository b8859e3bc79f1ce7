package discovery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

// skipDirs are never descended into during a filesystem walk.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
	".venv":        true,
	".idea":        true,
	".vscode":      true,
}

// skipExtensions are binary formats excluded from the artifact universe.
var skipExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".pdf": true, ".zip": true, ".gz": true, ".tar": true, ".7z": true,
	".so": true, ".dylib": true, ".dll": true, ".exe": true, ".bin": true,
	".woff": true, ".woff2": true, ".ttf": true, ".onnx": true, ".gob": true,
}

// Universe enumerates the artifact paths discovery searches over. When the
// root is a git repository the universe is HEAD's tracked file list;
// otherwise it is a filesystem walk honoring .gitignore patterns plus
// built-in skips. Either way the list is sorted before use, which is what
// keeps downstream strategies deterministic regardless of enumeration
// order.
//
// The enumeration is cached; an fsnotify watcher on the root invalidates
// the cache so repeated discoveries don't re-walk unchanged trees.
type Universe struct {
	root   string
	logger *zap.Logger

	mu      sync.Mutex
	cached  []string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewUniverse creates a universe rooted at an absolute directory. With
// watch enabled, changes under the root invalidate the cached file list.
func NewUniverse(root string, watch bool, logger *zap.Logger) (*Universe, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve universe root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat universe root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("universe root %s is not a directory", abs)
	}

	u := &Universe{root: abs, logger: logger, done: make(chan struct{})}

	if watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		if err := watcher.Add(abs); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", abs, err)
		}
		u.watcher = watcher
		go u.watchLoop()
	}

	return u, nil
}

// Root returns the absolute universe root.
func (u *Universe) Root() string { return u.root }

func (u *Universe) watchLoop() {
	for {
		select {
		case <-u.done:
			return
		case _, ok := <-u.watcher.Events:
			if !ok {
				return
			}
			u.Invalidate()
		case err, ok := <-u.watcher.Errors:
			if !ok {
				return
			}
			u.logger.Warn("universe watcher error", zap.Error(err))
		}
	}
}

// Invalidate drops the cached enumeration.
func (u *Universe) Invalidate() {
	u.mu.Lock()
	u.cached = nil
	u.mu.Unlock()
}

// Files returns the sorted relative paths of every artifact in the
// universe, enumerating on first call and serving from cache afterwards.
func (u *Universe) Files(ctx context.Context) ([]string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.cached != nil {
		return u.cached, nil
	}

	files, err := u.enumerate(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	u.cached = files
	return files, nil
}

// Contains reports whether a relative path exists in the universe.
func (u *Universe) Contains(ctx context.Context, rel string) (bool, error) {
	files, err := u.Files(ctx)
	if err != nil {
		return false, err
	}
	i := sort.SearchStrings(files, rel)
	return i < len(files) && files[i] == rel, nil
}

// ReadLimited reads at most limit bytes of an artifact for content
// search. The returned prefix is the same for every call on an
// unchanged file: short reads are retried until limit or EOF.
func (u *Universe) ReadLimited(rel string, limit int64) ([]byte, error) {
	f, err := os.Open(filepath.Join(u.root, rel))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, limit)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return buf[:n], nil
}

func (u *Universe) enumerate(ctx context.Context) ([]string, error) {
	if files, err := u.fromGit(); err == nil {
		return files, nil
	} else if !errors.Is(err, gogit.ErrRepositoryNotExists) {
		u.logger.Debug("git enumeration failed, walking filesystem", zap.Error(err))
	}
	return u.fromWalk(ctx)
}

// fromGit lists the files tracked in HEAD's tree.
func (u *Universe) fromGit() ([]string, error) {
	repo, err := gogit.PlainOpen(u.root)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to load HEAD commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to load HEAD tree: %w", err)
	}

	var files []string
	err = tree.Files().ForEach(func(f *object.File) error {
		if !skipExtensions[strings.ToLower(path.Ext(f.Name))] {
			files = append(files, f.Name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate HEAD tree: %w", err)
	}
	return files, nil
}

// fromWalk walks the filesystem applying built-in skips and .gitignore
// patterns from the root.
func (u *Universe) fromWalk(ctx context.Context) ([]string, error) {
	ignores := loadIgnorePatterns(filepath.Join(u.root, ".gitignore"))

	var files []string
	err := filepath.WalkDir(u.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries just fall out of the universe
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, rerr := filepath.Rel(u.root, p)
		if rerr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if skipDirs[d.Name()] || ignores.matches(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if skipExtensions[strings.ToLower(path.Ext(rel))] || ignores.matches(rel, false) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk universe: %w", err)
	}
	return files, nil
}

// Close stops the watcher.
func (u *Universe) Close() error {
	close(u.done)
	if u.watcher != nil {
		return u.watcher.Close()
	}
	return nil
}

// ignorePatterns is a minimal .gitignore matcher: comment and negation
// lines are skipped, directory patterns match whole subtrees, and bare
// names match any path segment.
type ignorePatterns struct {
	globs []string
	dirs  []string
}

func loadIgnorePatterns(path string) *ignorePatterns {
	ip := &ignorePatterns{}

	f, err := os.Open(path)
	if err != nil {
		return ip
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		line = strings.TrimPrefix(line, "/")
		if strings.HasSuffix(line, "/") {
			ip.dirs = append(ip.dirs, strings.TrimSuffix(line, "/"))
			continue
		}
		ip.globs = append(ip.globs, line)
	}
	return ip
}

func (ip *ignorePatterns) matches(rel string, isDir bool) bool {
	base := path.Base(rel)
	for _, d := range ip.dirs {
		if isDir && (rel == d || base == d) {
			return true
		}
		if strings.HasPrefix(rel, d+"/") {
			return true
		}
	}
	for _, g := range ip.globs {
		if ok, _ := path.Match(g, base); ok {
			return true
		}
		if ok, _ := path.Match(g, rel); ok {
			return true
		}
	}
	return false
}
