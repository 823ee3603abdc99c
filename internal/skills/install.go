package skills

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Install clones repoURL and copies the named skill bundle into the registry
// directory. The bundle may live at the repo root or under skills/. With
// force, an existing installation is replaced.
func (r *Registry) Install(repoURL, skillName string, force bool) error {
	dest := filepath.Join(r.dir, skillName)
	if _, err := os.Stat(dest); err == nil && !force {
		return fmt.Errorf("%q: %w", skillName, ErrExists)
	}

	tmp, err := os.MkdirTemp("", "pi-skill-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	clone := exec.Command("git", "clone", "--depth", "1", repoURL, tmp)
	clone.Stdout = io.Discard
	clone.Stderr = os.Stderr
	if err := clone.Run(); err != nil {
		return fmt.Errorf("cloning %s: %w", repoURL, err)
	}

	src := ""
	for _, candidate := range []string{
		filepath.Join(tmp, skillName),
		filepath.Join(tmp, "skills", skillName),
		tmp,
	} {
		if _, err := os.Stat(filepath.Join(candidate, "SKILL.md")); err == nil {
			src = candidate
			break
		}
	}
	if src == "" {
		return fmt.Errorf("no skill %q with a SKILL.md in %s", skillName, repoURL)
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	if force {
		os.RemoveAll(dest)
	}
	if err := copyDir(src, dest); err != nil {
		return fmt.Errorf("installing %q: %w", skillName, err)
	}
	return r.Load()
}

// SymlinkInto links every bundle into target, replacing stale links.
// Idempotent; used to expose host-installed skills at a stable path.
func (r *Registry) SymlinkInto(target string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	for _, skill := range r.List() {
		link := filepath.Join(target, skill.Name)
		if existing, err := os.Readlink(link); err == nil {
			if existing == skill.Dir {
				continue
			}
			os.Remove(link)
		}
		if err := os.Symlink(skill.Dir, link); err != nil && !os.IsExist(err) {
			return fmt.Errorf("linking %q: %w", skill.Name, err)
		}
	}
	return nil
}

func copyDir(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		out := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(out, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(out, data, 0o644)
	})
}
