package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildloop/pkg/actor"
)

func TestOpenInitializesRepository(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proj")
	repo, err := Open(dir)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(dir, ".git"))

	head, err := repo.Head()
	require.NoError(t, err)
	assert.Empty(t, head)

	// reopening finds the same repository
	again, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, repo.Dir(), again.Dir())
}

func TestApplyCommitsEachChangeSet(t *testing.T) {
	repo, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	first, err := repo.Apply(ctx, []actor.FileEdit{
		{Path: "app/main.py", Mode: actor.ModeCreate, Content: "print('hi')\n"},
		{Path: "README.md", Mode: actor.ModeCreate, Content: "# demo\n"},
	}, "coding")
	require.NoError(t, err)
	assert.Len(t, first.Commit, 40)
	assert.ElementsMatch(t, []string{"app/main.py", "README.md"}, first.Created)

	second, err := repo.Apply(ctx, []actor.FileEdit{
		{Path: "app/main.py", Mode: actor.ModeReplace, Content: "print('hello')\n"},
		{Path: "README.md", Mode: actor.ModeDelete},
	}, "debugging")
	require.NoError(t, err)
	assert.NotEqual(t, first.Commit, second.Commit)
	assert.Equal(t, []string{"app/main.py"}, second.Modified)
	assert.Equal(t, []string{"README.md"}, second.Deleted)
	assert.NoFileExists(t, filepath.Join(repo.Dir(), "README.md"))

	gitRepo, err := git.PlainOpen(repo.Dir())
	require.NoError(t, err)
	iter, err := gitRepo.Log(&git.LogOptions{})
	require.NoError(t, err)
	count := 0
	require.NoError(t, iter.ForEach(func(*object.Commit) error { count++; return nil }))
	assert.Equal(t, 2, count)
}

func TestApplyUnchangedReturnsHead(t *testing.T) {
	repo, err := Open(t.TempDir())
	require.NoError(t, err)
	edit := []actor.FileEdit{{Path: "a.txt", Mode: actor.ModeCreate, Content: "same"}}

	first, err := repo.Apply(context.Background(), edit, "one")
	require.NoError(t, err)
	second, err := repo.Apply(context.Background(), edit, "two")
	require.NoError(t, err)
	assert.Equal(t, first.Commit, second.Commit)
}

func TestApplyRejectsEscapingPaths(t *testing.T) {
	repo, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = repo.Apply(context.Background(), []actor.FileEdit{{Path: "../evil.sh", Mode: actor.ModeCreate, Content: "x"}}, "bad")
	assert.ErrorIs(t, err, ErrOutsideWorkspace)
}

func TestReadFilesBudget(t *testing.T) {
	repo, err := Open(t.TempDir())
	require.NoError(t, err)
	dir := repo.Dir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.py"), []byte("x = 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.bin"), []byte{0, 1, 2}, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules", "dep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "dep", "i.js"), []byte("x"), 0o644))

	files, err := repo.ReadFiles(0)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.py", files[0].Path)

	long := ""
	for i := 0; i < 2000; i++ {
		long += "value = compute(value)\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.py"), []byte(long), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.py"), []byte("y = 2\n"), 0o644))

	files, err = repo.ReadFiles(100)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "b.py", files[1].Path)
	assert.Contains(t, files[1].Content, "[truncated]")
}
