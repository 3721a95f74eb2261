// Package workspace owns a project's working tree and records every applied change as a git commit.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"buildloop/pkg/actor"
	"buildloop/pkg/logx"
	"buildloop/pkg/templates"
	"buildloop/pkg/utils"
)

// ErrOutsideWorkspace is returned for edits whose path leaves the project root.
var ErrOutsideWorkspace = errors.New("path outside workspace")

// ApplyResult describes one applied change set.
type ApplyResult struct {
	// Commit is the hash of the commit holding the change, or of HEAD when nothing changed.
	Commit   string
	Created  []string
	Modified []string
	Deleted  []string
}

// Files returns every touched path.
func (r ApplyResult) Files() []string {
	out := make([]string, 0, len(r.Created)+len(r.Modified)+len(r.Deleted))
	out = append(out, r.Created...)
	out = append(out, r.Modified...)
	return append(out, r.Deleted...)
}

// Repository applies model edits to a project and reads it back for prompts.
type Repository interface {
	Apply(ctx context.Context, edits []actor.FileEdit, message string) (ApplyResult, error)
	ReadFiles(maxTokens int) ([]templates.FileExcerpt, error)
	Dir() string
}

//nolint:gochecknoglobals // directory names never shown to a model
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true, ".venv": true,
	"venv": true, ".pytest_cache": true, "target": true, "dist": true,
}

// GitRepository is a Repository backed by a local git repository.
type GitRepository struct {
	dir    string
	repo   *git.Repository
	mu     sync.Mutex
	logger *logx.Logger
	now    func() time.Time
}

// Open opens the repository at dir, initializing it (and dir) when missing.
func Open(dir string) (*GitRepository, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", abs, err)
	}

	repo, err := git.PlainOpen(abs)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(abs, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open git repository %s: %w", abs, err)
	}

	return &GitRepository{
		dir:    abs,
		repo:   repo,
		logger: logx.NewLogger("workspace"),
		now:    time.Now,
	}, nil
}

// Dir returns the absolute project root.
func (g *GitRepository) Dir() string { return g.dir }

// Apply writes edits to disk and commits them with message.
func (g *GitRepository) Apply(ctx context.Context, edits []actor.FileEdit, message string) (ApplyResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var res ApplyResult
	for _, edit := range edits {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("apply edits: %w", err)
		}
		if err := edit.Validate(); err != nil {
			return res, fmt.Errorf("%w: %w", ErrOutsideWorkspace, err)
		}
		rel := edit.CleanPath()
		full := filepath.Join(g.dir, filepath.FromSlash(rel))

		_, statErr := os.Stat(full)
		existed := statErr == nil

		switch edit.Mode {
		case actor.ModeDelete:
			if !existed {
				continue
			}
			if err := os.Remove(full); err != nil {
				return res, fmt.Errorf("delete %s: %w", rel, err)
			}
			res.Deleted = append(res.Deleted, rel)
		default:
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return res, fmt.Errorf("create directory for %s: %w", rel, err)
			}
			if err := os.WriteFile(full, []byte(edit.Content), 0o644); err != nil {
				return res, fmt.Errorf("write %s: %w", rel, err)
			}
			if existed {
				res.Modified = append(res.Modified, rel)
			} else {
				res.Created = append(res.Created, rel)
			}
		}
	}

	hash, err := g.commit(message)
	if err != nil {
		return res, err
	}
	res.Commit = hash
	g.logger.Debug("applied %d edits as %s", len(edits), shortHash(hash))
	return res, nil
}

func (g *GitRepository) commit(message string) (string, error) {
	wt, err := g.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("read worktree status: %w", err)
	}
	if status.IsClean() {
		return g.head()
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "buildloop", Email: "buildloop@localhost", When: g.now()},
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}

func (g *GitRepository) head() (string, error) {
	ref, err := g.repo.Head()
	if err != nil {
		// no commits yet
		return "", nil //nolint:nilerr // an unborn branch has no hash
	}
	return ref.Hash().String(), nil
}

// Head returns the current commit hash, or "" before the first commit.
func (g *GitRepository) Head() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.head()
}

// ReadFiles returns project text files in path order until maxTokens is spent.
// A file that does not fit whole is truncated and ends the listing.
func (g *GitRepository) ReadFiles(maxTokens int) ([]templates.FileExcerpt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var paths []string
	err := filepath.WalkDir(g.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != g.dir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	sort.Strings(paths)

	counter := utils.SharedCounter()
	remaining := maxTokens
	var out []templates.FileExcerpt
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if isBinary(data) {
			continue
		}
		rel, _ := filepath.Rel(g.dir, path)
		content := string(data)

		if maxTokens > 0 {
			tokens := counter.CountTokens(content)
			if tokens > remaining {
				if remaining > 0 {
					out = append(out, templates.FileExcerpt{Path: filepath.ToSlash(rel), Content: counter.TruncateToTokenLimit(content, remaining)})
				}
				break
			}
			remaining -= tokens
		}
		out = append(out, templates.FileExcerpt{Path: filepath.ToSlash(rel), Content: content})
	}
	return out, nil
}

func isBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	return strings.IndexByte(string(data[:n]), 0) >= 0
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
