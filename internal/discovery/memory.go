package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

const memoryCollection = "spb_discoveries"

// MemoryIndex persists prior discovery results in an embedded chromem
// collection keyed by task-description similarity.
type MemoryIndex struct {
	db     *chromem.DB
	logger *zap.Logger

	mu  sync.Mutex
	col *chromem.Collection
}

// NewMemoryIndex opens (or creates) the persistent index at path. An empty
// path keeps the index purely in memory.
func NewMemoryIndex(path string, logger *zap.Logger) (*MemoryIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		db  *chromem.DB
		err error
	)
	if path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create memory directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open memory index: %w", err)
		}
	}

	col, err := db.GetOrCreateCollection(memoryCollection, nil, newEmbeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("failed to open memory collection: %w", err)
	}

	return &MemoryIndex{db: db, logger: logger, col: col}, nil
}

// Record stores a task's discovered file set for future similarity hits.
func (m *MemoryIndex) Record(ctx context.Context, task string, files []string, level int) error {
	if task == "" {
		return fmt.Errorf("task cannot be empty")
	}

	filesJSON, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("failed to encode file list: %w", err)
	}

	doc := chromem.Document{
		ID:      uuid.NewString(),
		Content: task,
		Metadata: map[string]string{
			"files":       string(filesJSON),
			"level":       strconv.Itoa(level),
			"recorded_at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("failed to record discovery: %w", err)
	}
	return nil
}

// Lookup returns the file set of the most similar prior discovery when its
// similarity clears the threshold, along with the similarity score. A miss
// returns a nil slice and no error.
func (m *MemoryIndex) Lookup(ctx context.Context, task string, threshold float64) ([]string, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := m.col.Count()
	if count == 0 {
		return nil, 0, nil
	}

	results, err := m.col.Query(ctx, task, 1, nil, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query memory index: %w", err)
	}
	if len(results) == 0 {
		return nil, 0, nil
	}

	best := results[0]
	similarity := float64(best.Similarity)
	if similarity < threshold {
		m.logger.Debug("memory hit below confidence threshold",
			zap.Float64("similarity", similarity),
			zap.Float64("threshold", threshold),
		)
		return nil, similarity, nil
	}

	var files []string
	if err := json.Unmarshal([]byte(best.Metadata["files"]), &files); err != nil {
		return nil, similarity, fmt.Errorf("failed to decode recorded file list: %w", err)
	}
	sort.Strings(files)
	return files, similarity, nil
}

// memoryStrategy is fallback level 1: seed the result from a similar prior
// discovery, filtered to artifacts that still exist in the universe.
type memoryStrategy struct {
	index     *MemoryIndex
	universe  *Universe
	threshold float64
	logger    *zap.Logger
}

func (s *memoryStrategy) Name() string { return "memory" }
func (s *memoryStrategy) Level() int   { return LevelMemory }

func (s *memoryStrategy) Discover(ctx context.Context, task string) (*Result, error) {
	files, similarity, err := s.index.Lookup(ctx, task, s.threshold)
	if err != nil {
		return nil, err
	}
	if files == nil {
		return nil, nil
	}

	kept := make([]string, 0, len(files))
	for _, f := range files {
		exists, err := s.universe.Contains(ctx, f)
		if err != nil {
			return nil, err
		}
		if exists {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}

	s.logger.Debug("memory strategy hit",
		zap.Float64("similarity", similarity),
		zap.Int("files", len(kept)),
	)
	sort.Strings(kept)
	return &Result{Level: LevelMemory, Strategy: s.Name(), Files: kept}, nil
}
