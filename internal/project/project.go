// Package project creates and inventories local git repositories.
package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"rtsfleet/internal/domain"
)

// Creator creates empty repositories under a base directory.
type Creator struct {
	// Init turns dir into a git repository. Defaults to GitInit.
	Init func(ctx context.Context, dir string) error
}

// GitInit runs `git init` in dir.
func GitInit(ctx context.Context, dir string) error {
	cmd := exec.CommandContext(ctx, "git", "init")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("git init: %w", err)
		}
		return fmt.Errorf("git init: %w: %s", err, msg)
	}
	return nil
}

// Create makes base/name and initializes it as a git repository. It returns
// the new path.
func (c Creator) Create(ctx context.Context, base, name string) (string, error) {
	base = strings.TrimSpace(base)
	name = strings.TrimSpace(name)
	if base == "" {
		return "", errors.New("Missing base directory")
	}
	if name == "" {
		return "", errors.New("Missing repository name")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("Invalid repository name: %s", name)
	}
	if st, err := os.Stat(base); err != nil || !st.IsDir() {
		return "", fmt.Errorf("Base directory does not exist: %s", base)
	}
	path := filepath.Join(base, name)
	if _, err := os.Lstat(path); err == nil {
		return "", fmt.Errorf("Target path already exists: %s", path)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return "", err
	}
	gitInit := c.Init
	if gitInit == nil {
		gitInit = GitInit
	}
	if err := gitInit(ctx, path); err != nil {
		return "", err
	}
	return path, nil
}

// Scan lists the git repositories directly under each of paths. Hidden
// directories and node_modules are skipped; unreadable paths are ignored.
func Scan(paths []string) []domain.RepoRef {
	seen := map[string]struct{}{}
	var out []domain.RepoRef
	for _, base := range paths {
		base = strings.TrimSpace(base)
		if base == "" {
			continue
		}
		entries, err := os.ReadDir(base)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || e.Name() == "node_modules" {
				continue
			}
			dir := filepath.Join(base, e.Name())
			if _, ok := seen[dir]; ok {
				continue
			}
			if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
				continue
			}
			seen[dir] = struct{}{}
			out = append(out, domain.RepoRef{Name: e.Name(), Path: dir})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
