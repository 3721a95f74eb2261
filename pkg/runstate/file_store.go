package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"buildloop/pkg/logx"
)

const (
	checkpointPrefix = "RUN_"
	checkpointSuffix = ".json"
	summarySuffix    = ".summary.json"
)

// FileStore keeps one JSON checkpoint per run plus a small summary sidecar that
// list operations read instead of the full checkpoint.
type FileStore struct {
	baseDir string
	locks   *keyedMutex
	logger  *logx.Logger
}

// NewFileStore creates the store, creating baseDir if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create state directory %s: %v", ErrPersistence, baseDir, err)
	}
	return &FileStore{
		baseDir: baseDir,
		locks:   newKeyedMutex(),
		logger:  logx.NewLogger("runstore"),
	}, nil
}

// Save writes the checkpoint and its summary, each via temp file + rename.
func (s *FileStore) Save(_ context.Context, run *Run) error {
	if err := validateForSave(run); err != nil {
		return err
	}
	unlock := s.locks.lock(run.ID)
	defer unlock()

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal run %s: %v", ErrPersistence, run.ID, err)
	}
	if err := writeFileAtomic(s.checkpointPath(run.ID), data); err != nil {
		return fmt.Errorf("%w: failed to write checkpoint for run %s: %v", ErrPersistence, run.ID, err)
	}

	summary, err := json.Marshal(run.Summarize())
	if err != nil {
		return fmt.Errorf("%w: failed to marshal summary for run %s: %v", ErrPersistence, run.ID, err)
	}
	if err := writeFileAtomic(s.summaryPath(run.ID), summary); err != nil {
		return fmt.Errorf("%w: failed to write summary for run %s: %v", ErrPersistence, run.ID, err)
	}
	return nil
}

// Load reads and verifies the checkpoint for id.
func (s *FileStore) Load(_ context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: run id cannot be empty", ErrNotFound)
	}
	unlock := s.locks.lock(id)
	defer unlock()

	data, err := os.ReadFile(s.checkpointPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read checkpoint for run %s: %v", ErrPersistence, id, err)
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal run %s: %v", ErrPersistence, id, err)
	}
	if err := Verify(&run); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return &run, nil
}

// ListActive returns ids of non-terminal runs, oldest update first.
func (s *FileStore) ListActive(ctx context.Context) ([]string, error) {
	summaries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, sum := range summaries {
		if !sum.Status.Terminal() {
			ids = append(ids, sum.ID)
		}
	}
	return ids, nil
}

// List reads every summary sidecar.
func (s *FileStore) List(_ context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read state directory: %v", ErrPersistence, err)
	}

	var out []Summary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, summarySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable summary %s: %v", name, err)
			continue
		}
		var sum Summary
		if err := json.Unmarshal(data, &sum); err != nil {
			s.logger.Warn("skipping corrupt summary %s: %v", name, err)
			continue
		}
		out = append(out, sum)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

// History loads the checkpoint of id and returns its record headlines.
func (s *FileStore) History(ctx context.Context, id string) ([]PhaseRecord, error) {
	run, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]PhaseRecord, len(run.History))
	for i, rec := range run.History {
		out[i] = headline(rec)
	}
	return out, nil
}

// Delete removes the checkpoint and summary; a missing run is not an error.
func (s *FileStore) Delete(_ context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	for _, path := range []string{s.checkpointPath(id), s.summaryPath(id)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: failed to delete %s: %v", ErrPersistence, path, err)
		}
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) checkpointPath(id string) string {
	return filepath.Join(s.baseDir, checkpointPrefix+id+checkpointSuffix)
}

func (s *FileStore) summaryPath(id string) string {
	return filepath.Join(s.baseDir, checkpointPrefix+id+summarySuffix)
}

// writeFileAtomic writes data to a temp file in the target directory, fsyncs it
// and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
