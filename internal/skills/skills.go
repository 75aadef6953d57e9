// Package skills loads reusable instruction packs from the workspace. A
// skill is a directory under .ship/skills containing a SKILL.md with YAML
// front matter; pinned skills are injected into the system prompt on every
// turn of their context.
package skills

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrSkillNotFound = errors.New("skills: skill not found")

// frontMatter is the YAML header of a SKILL.md.
type frontMatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Skill is one loaded skill: metadata plus the markdown body.
type Skill struct {
	ID          string
	Name        string
	Description string
	Content     string
}

// Info is the listing form (no body).
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Library reads skills from a single directory tree.
type Library struct {
	dir string
}

func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// List returns every loadable skill, sorted by id. Directories without a
// parseable SKILL.md are skipped.
func (l *Library) List() ([]Info, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("skills: read dir: %w", err)
	}

	var infos []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, err := l.Load(e.Name())
		if err != nil {
			continue
		}
		infos = append(infos, Info{ID: s.ID, Name: s.Name, Description: s.Description})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// Load reads one skill by directory name.
func (l *Library) Load(id string) (*Skill, error) {
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return nil, fmt.Errorf("%w: %q", ErrSkillNotFound, id)
	}
	data, err := os.ReadFile(filepath.Join(l.dir, id, "SKILL.md"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, id)
		}
		return nil, fmt.Errorf("skills: read %s: %w", id, err)
	}

	fm, body, err := splitFrontMatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("skills: parse %s: %w", id, err)
	}
	name := fm.Name
	if name == "" {
		name = id
	}
	return &Skill{ID: id, Name: name, Description: fm.Description, Content: body}, nil
}

// LoadMany resolves a pinned-id list, silently dropping ids that no longer
// exist on disk.
func (l *Library) LoadMany(ids []string) []*Skill {
	var out []*Skill
	for _, id := range ids {
		s, err := l.Load(id)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

func splitFrontMatter(content string) (frontMatter, string, error) {
	var fm frontMatter
	if !strings.HasPrefix(content, "---\n") {
		return fm, content, nil
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return fm, content, nil
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return fm, "", err
	}
	body := rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return fm, body, nil
}
