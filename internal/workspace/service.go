// Package workspace mediates all file access to session working directories:
// tree listing, guarded reads and writes, typed previews, and uploads. Every
// user-supplied path is confined to its session's workspace.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// Sentinel errors
var (
	ErrInvalidPath = errors.New("path escapes workspace")
	ErrNotFound    = errors.New("file not found")
	ErrConflict    = errors.New("file modified on server")
)

// ConflictError reports a write rejected because the file changed since the
// client read it. The file is untouched.
type ConflictError struct {
	ServerMtime int64 // unix milliseconds
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("file modified on server at %d", e.ServerMtime)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Entry is one node of a workspace tree listing.
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"` // relative to the workspace root, slash-separated
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"` // unix milliseconds
	Type  string `json:"type"`  // "file" or "directory"
}

// Preview is a typed render of a workspace file.
type Preview struct {
	Type      string     `json:"type"` // csv, text, image, pdf, binary
	Rows      [][]string `json:"rows,omitempty"`
	Content   string     `json:"content,omitempty"`
	URL       string     `json:"url,omitempty"`
	Truncated bool       `json:"truncated,omitempty"`
}

const (
	previewMaxRows  = 100
	previewMaxBytes = 100_000
)

// agentsBootstrap is written into fresh workspaces so the agent keeps
// intermediates out of the deliverables.
const agentsBootstrap = `# Working conventions

- Put final outputs (reports, datasets, code) directly in this directory.
- Put intermediates, scratch files, and downloads under ` + "`.pi-work/`" + `.
- Do not delete or rewrite files you did not create unless asked.
`

type Service struct {
	root   string // workspaces root, absolute
	logger *slog.Logger
}

func NewService(root string, logger *slog.Logger) *Service {
	return &Service{root: root, logger: logger}
}

// Dir resolves a session's relative workspace_dir to its absolute path.
func (s *Service) Dir(workspaceDir string) string {
	return filepath.Join(s.root, workspaceDir)
}

// Ensure creates the workspace directory if missing and seeds the bootstrap
// file. Returns the absolute workspace path.
func (s *Service) Ensure(workspaceDir string) (string, error) {
	dir := s.Dir(workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}
	bootstrap := filepath.Join(dir, "AGENTS.md")
	if _, err := os.Stat(bootstrap); os.IsNotExist(err) {
		if err := os.WriteFile(bootstrap, []byte(agentsBootstrap), 0o644); err != nil {
			s.logger.Warn("writing workspace bootstrap", "path", bootstrap, "error", err)
		}
	}
	return dir, nil
}

// Remove deletes the workspace directory tree.
func (s *Service) Remove(workspaceDir string) error {
	dir := s.Dir(workspaceDir)
	// Refuse to remove anything that is not strictly under the root.
	rel, err := filepath.Rel(s.root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ErrInvalidPath
	}
	return os.RemoveAll(dir)
}

// safeJoin joins relPath onto workspace and verifies the canonical result
// stays inside the workspace. Absolute paths, escaping "..", and symlinks
// pointing outside are all rejected.
func safeJoin(workspace, relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("%q: %w", relPath, ErrInvalidPath)
	}
	joined := filepath.Join(workspace, filepath.FromSlash(relPath))

	rootCanon, err := filepath.EvalSymlinks(workspace)
	if err != nil {
		return "", fmt.Errorf("resolving workspace: %w", err)
	}

	// Canonicalize the deepest existing ancestor so symlinked segments cannot
	// slip past the prefix check.
	probe := joined
	suffix := ""
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			probe = resolved
			break
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolving path: %w", err)
		}
		suffix = filepath.Join(filepath.Base(probe), suffix)
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	canon := filepath.Join(probe, suffix)

	if canon != rootCanon && !strings.HasPrefix(canon, rootCanon+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", relPath, ErrInvalidPath)
	}
	return joined, nil
}

// Tree lists the workspace recursively in pre-order, directories before
// their children. Hidden entries (leading dot) are skipped.
func (s *Service) Tree(workspaceDir string) ([]Entry, error) {
	root := s.Dir(workspaceDir)
	var entries []Entry
	err := walkTree(root, "", &entries)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func walkTree(dir, rel string, out *[]Entry) error {
	dirents, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil // workspace not materialized yet
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	sort.Slice(dirents, func(i, j int) bool { return dirents[i].Name() < dirents[j].Name() })

	for _, de := range dirents {
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entry := Entry{
			Name:  name,
			Path:  childRel,
			Mtime: info.ModTime().UnixMilli(),
			Type:  "file",
		}
		if de.IsDir() {
			entry.Type = "directory"
			*out = append(*out, entry)
			if err := walkTree(filepath.Join(dir, name), childRel, out); err != nil {
				return err
			}
			continue
		}
		entry.Size = info.Size()
		*out = append(*out, entry)
	}
	return nil
}

func (s *Service) Read(workspaceDir, relPath string) ([]byte, error) {
	path, err := safeJoin(s.Dir(workspaceDir), relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", relPath, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", relPath, err)
	}
	return data, nil
}

// Stat returns the file's mtime in unix milliseconds.
func (s *Service) Stat(workspaceDir, relPath string) (int64, error) {
	path, err := safeJoin(s.Dir(workspaceDir), relPath)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("%s: %w", relPath, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixMilli(), nil
}

// Write stores data at relPath, creating parent directories. When
// expectedMtime is supplied and the file's current mtime differs, the write
// is refused with a ConflictError carrying the server's mtime; nil skips the
// check. Returns the post-write mtime.
func (s *Service) Write(workspaceDir, relPath string, data []byte, expectedMtime *int64) (int64, error) {
	path, err := safeJoin(s.Dir(workspaceDir), relPath)
	if err != nil {
		return 0, err
	}

	if expectedMtime != nil {
		info, err := os.Stat(path)
		if err == nil {
			server := info.ModTime().UnixMilli()
			if server != *expectedMtime {
				return 0, &ConflictError{ServerMtime: server}
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("creating parent dirs: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("writing %s: %w", relPath, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixMilli(), nil
}

func (s *Service) Delete(workspaceDir, relPath string) error {
	path, err := safeJoin(s.Dir(workspaceDir), relPath)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", relPath, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".svg": true, ".bmp": true,
}

// Preview renders a typed preview of the file: parsed rows for CSV, clipped
// content for UTF-8 text, a URL handle for images and PDFs, and a bare
// marker for everything else. sessionID is threaded into the URL handle so
// clients can fetch it as-is.
func (s *Service) Preview(workspaceDir, sessionID, relPath string) (*Preview, error) {
	ext := strings.ToLower(filepath.Ext(relPath))
	if imageExts[ext] {
		if _, err := s.Stat(workspaceDir, relPath); err != nil {
			return nil, err
		}
		return &Preview{Type: "image", URL: rawURL(sessionID, relPath)}, nil
	}
	if ext == ".pdf" {
		if _, err := s.Stat(workspaceDir, relPath); err != nil {
			return nil, err
		}
		return &Preview{Type: "pdf", URL: rawURL(sessionID, relPath)}, nil
	}

	data, err := s.Read(workspaceDir, relPath)
	if err != nil {
		return nil, err
	}

	if ext == ".csv" {
		content := string(data)
		rows := ParseRows(content, previewMaxRows)
		truncated := len(ParseRows(content, previewMaxRows+1)) > previewMaxRows
		return &Preview{Type: "csv", Rows: rows, Truncated: truncated}, nil
	}

	clipped := data
	truncated := false
	if len(clipped) > previewMaxBytes {
		clipped = clipped[:previewMaxBytes]
		// Drop a rune split by the byte cut so valid text is not mistaken
		// for binary.
		for len(clipped) > 0 && !utf8.RuneStart(clipped[len(clipped)-1]) {
			clipped = clipped[:len(clipped)-1]
		}
		if len(clipped) > 0 {
			if r, _ := utf8.DecodeLastRune(clipped); r == utf8.RuneError {
				clipped = clipped[:len(clipped)-1]
			}
		}
		truncated = true
	}
	if utf8.Valid(clipped) {
		return &Preview{Type: "text", Content: string(clipped), Truncated: truncated}, nil
	}
	return &Preview{Type: "binary"}, nil
}

func rawURL(sessionID, relPath string) string {
	return "/api/files/" + relPath + "?sessionId=" + url.QueryEscape(sessionID)
}

// UploadPart is one file of a multipart upload.
type UploadPart struct {
	Filename string
	Subdir   string
	Data     []byte
}

// Upload writes each part under its optional subdirectory. All destinations
// pass the same prefix check as Write; one bad part fails the batch before
// any later part is written.
func (s *Service) Upload(workspaceDir string, parts []UploadPart) ([]string, error) {
	var written []string
	for _, part := range parts {
		rel := part.Filename
		if part.Subdir != "" {
			rel = strings.TrimSuffix(part.Subdir, "/") + "/" + part.Filename
		}
		if _, err := s.Write(workspaceDir, rel, part.Data, nil); err != nil {
			return written, err
		}
		written = append(written, rel)
	}
	return written, nil
}
