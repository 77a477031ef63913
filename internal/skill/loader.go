package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse reads SKILL.md content: YAML frontmatter between "---" lines
// followed by the instruction body.
func Parse(content string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}

	s := &Skill{}
	if err := yaml.Unmarshal([]byte(frontmatter), s); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("missing required field: name")
	}
	if !nameRe.MatchString(s.Name) {
		return nil, fmt.Errorf("invalid skill name %q: use lowercase letters, digits, - and _", s.Name)
	}
	s.Body = strings.TrimSpace(body)
	if err := s.compile(); err != nil {
		return nil, err
	}
	return s, nil
}

func splitFrontmatter(content string) (string, string, error) {
	content = strings.TrimPrefix(content, "\ufeff")
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", "", fmt.Errorf("missing frontmatter delimiter")
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), nil
		}
	}
	return "", "", fmt.Errorf("unclosed frontmatter")
}

// LoadDir loads one skill folder containing SKILL.md.
func LoadDir(dir string) (*Skill, error) {
	path := filepath.Join(dir, "SKILL.md")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	s, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	s.Path = dir
	return s, nil
}

// LoadAll loads every subdirectory of root that has a SKILL.md. A missing
// root yields no skills.
func LoadAll(root string) ([]*Skill, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}
	var skills []*Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, "SKILL.md")); err != nil {
			continue
		}
		s, err := LoadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("skill %s: %w", e.Name(), err)
		}
		skills = append(skills, s)
	}
	return skills, nil
}
