package project_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsfleet/internal/domain"
	"rtsfleet/internal/project"
)

func fakeInit(ctx context.Context, dir string) error {
	return os.Mkdir(filepath.Join(dir, ".git"), 0o755)
}

func TestCreate(t *testing.T) {
	base := t.TempDir()
	path, err := project.Creator{Init: fakeInit}.Create(context.Background(), base, "demo")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "demo"), path)
	assert.DirExists(t, filepath.Join(path, ".git"))
}

func TestCreateWithGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	base := t.TempDir()
	path, err := project.Creator{}.Create(context.Background(), base, "real")
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(path, ".git"))
}

func TestCreateErrors(t *testing.T) {
	ctx := context.Background()
	c := project.Creator{Init: fakeInit}
	base := t.TempDir()

	missing := filepath.Join(base, "nope")
	_, err := c.Create(ctx, missing, "demo")
	assert.EqualError(t, err, "Base directory does not exist: "+missing)

	require.NoError(t, os.Mkdir(filepath.Join(base, "taken"), 0o755))
	_, err = c.Create(ctx, base, "taken")
	assert.EqualError(t, err, "Target path already exists: "+filepath.Join(base, "taken"))

	_, err = c.Create(ctx, base, "../escape")
	assert.Error(t, err)
	_, err = c.Create(ctx, base, " ")
	assert.EqualError(t, err, "Missing repository name")
}

func TestScan(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	mk := func(parts ...string) {
		require.NoError(t, os.MkdirAll(filepath.Join(parts...), 0o755))
	}
	mk(a, "app", ".git")
	mk(a, "plain")
	mk(a, ".hidden", ".git")
	mk(a, "node_modules", ".git")
	mk(b, "lib", ".git")

	got := project.Scan([]string{a, b, a, filepath.Join(a, "missing")})
	want := []domain.RepoRef{
		{Name: "app", Path: filepath.Join(a, "app")},
		{Name: "lib", Path: filepath.Join(b, "lib")},
	}
	assert.ElementsMatch(t, want, got)
	assert.Empty(t, project.Scan(nil))
}
