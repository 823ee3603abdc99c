// Package skills loads named prompt templates from a directory of skill
// bundles. A bundle is a directory (or symlink) holding a SKILL.md with YAML
// front-matter and a Markdown body; invocation expands the body into a
// prompt for the agent.
package skills

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var ErrExists = errors.New("skill already installed")

// Skill is one loaded bundle.
type Skill struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Disabled    bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`

	Dir  string `yaml:"-" json:"-"`
	Body string `yaml:"-" json:"-"`
}

type Registry struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	skills map[string]*Skill
}

func NewRegistry(dir string, logger *slog.Logger) *Registry {
	return &Registry{dir: dir, logger: logger, skills: map[string]*Skill{}}
}

// Dir is the skills directory the registry scans.
func (r *Registry) Dir() string { return r.dir }

// Load rescans the skills directory. Bundles that fail to parse are skipped
// with a warning; a missing directory loads as empty.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		entries = nil
	} else if err != nil {
		return fmt.Errorf("reading skills dir: %w", err)
	}

	loaded := map[string]*Skill{}
	for _, entry := range entries {
		bundleDir := filepath.Join(r.dir, entry.Name())
		info, err := os.Stat(bundleDir) // follows symlinked bundles
		if err != nil || !info.IsDir() {
			continue
		}
		skill, err := loadBundle(bundleDir)
		if err != nil {
			r.logger.Warn("skipping skill bundle", "dir", bundleDir, "error", err)
			continue
		}
		if skill.Name == "" {
			skill.Name = entry.Name()
		}
		loaded[skill.Name] = skill
	}

	r.mu.Lock()
	r.skills = loaded
	r.mu.Unlock()
	r.logger.Info("skills loaded", "dir", r.dir, "count", len(loaded))
	return nil
}

func loadBundle(dir string) (*Skill, error) {
	data, err := os.ReadFile(filepath.Join(dir, "SKILL.md"))
	if err != nil {
		return nil, err
	}
	skill, err := parseSkillFile(string(data))
	if err != nil {
		return nil, err
	}
	skill.Dir = dir
	return skill, nil
}

// parseSkillFile splits YAML front-matter from the Markdown body.
func parseSkillFile(content string) (*Skill, error) {
	var skill Skill
	body := content
	if strings.HasPrefix(content, "---\n") {
		rest := content[len("---\n"):]
		end := strings.Index(rest, "\n---")
		if end < 0 {
			return nil, errors.New("unterminated front-matter")
		}
		if err := yaml.Unmarshal([]byte(rest[:end]), &skill); err != nil {
			return nil, fmt.Errorf("parsing front-matter: %w", err)
		}
		body = rest[end+len("\n---"):]
		body = strings.TrimPrefix(body, "\n")
	}
	skill.Body = strings.TrimSpace(body)
	return &skill, nil
}

// List returns all loaded skills sorted by name, disabled ones included.
func (r *Registry) List() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Get(name string) *Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.skills[name]
}

// Expand resolves an invocation to the prompt sent to the agent. Unknown and
// disabled skills expand to nothing.
func (r *Registry) Expand(name, args string) (prompt, label string, ok bool) {
	skill := r.Get(name)
	if skill == nil || skill.Disabled {
		return "", "", false
	}
	prompt = fmt.Sprintf("<skill name=%q>%s</skill>", skill.Name, skill.Body)
	if args != "" {
		prompt += "\nUser request: " + args
	}
	return prompt, skill.Description, true
}
