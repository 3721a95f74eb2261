package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"buildloop/pkg/actor"
	"buildloop/pkg/templates"
	"buildloop/pkg/workspace"
)

// FakeRepository implements workspace.Repository in memory.
type FakeRepository struct {
	mu      sync.Mutex
	dir     string
	files   map[string]string
	commits int
	Applied [][]actor.FileEdit
	// ApplyErr, when set, fails every Apply.
	ApplyErr error
}

// NewFakeRepository returns an empty repository reporting dir as its root.
func NewFakeRepository(dir string) *FakeRepository {
	return &FakeRepository{dir: dir, files: make(map[string]string)}
}

// Dir implements workspace.Repository.
func (f *FakeRepository) Dir() string { return f.dir }

// Apply implements workspace.Repository.
func (f *FakeRepository) Apply(_ context.Context, edits []actor.FileEdit, _ string) (workspace.ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ApplyErr != nil {
		return workspace.ApplyResult{}, f.ApplyErr
	}
	f.Applied = append(f.Applied, edits)

	var res workspace.ApplyResult
	for _, e := range edits {
		if err := e.Validate(); err != nil {
			return res, fmt.Errorf("%w: %w", workspace.ErrOutsideWorkspace, err)
		}
		path := e.CleanPath()
		_, existed := f.files[path]
		switch {
		case e.Mode == actor.ModeDelete:
			if existed {
				delete(f.files, path)
				res.Deleted = append(res.Deleted, path)
			}
		case existed:
			f.files[path] = e.Content
			res.Modified = append(res.Modified, path)
		default:
			f.files[path] = e.Content
			res.Created = append(res.Created, path)
		}
	}
	f.commits++
	res.Commit = fmt.Sprintf("%040x", f.commits)
	return res, nil
}

// ReadFiles implements workspace.Repository; the budget is ignored.
func (f *FakeRepository) ReadFiles(_ int) ([]templates.FileExcerpt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := make([]string, 0, len(f.files))
	for p := range f.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]templates.FileExcerpt, 0, len(paths))
	for _, p := range paths {
		out = append(out, templates.FileExcerpt{Path: p, Content: f.files[p]})
	}
	return out, nil
}

// File returns the content of path.
func (f *FakeRepository) File(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.files[path]
	return c, ok
}

// Commits returns how many change sets were applied.
func (f *FakeRepository) Commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}
