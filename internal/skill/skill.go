// Package skill loads tool-scoped sub-agent definitions from SKILL.md
// folders and renders their instructions for a step.
package skill

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"text/template"
)

const DefaultMaxTurns = 5

// Skill is immutable once registered.
type Skill struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Tools        []string `yaml:"tools"`
	AllowedTools string   `yaml:"allowed-tools,omitempty"`
	MaxTurns     int      `yaml:"max_turns"`
	Model        string   `yaml:"model,omitempty"`

	Body string `yaml:"-"`
	Path string `yaml:"-"`

	tmpl *template.Template
}

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Allows reports whether name is in the skill's tool set.
func (s *Skill) Allows(name string) bool {
	return slices.Contains(s.Tools, name)
}

// TemplateData is what a skill body may reference.
type TemplateData struct {
	Request  string
	Step     string
	Args     map[string]any
	Feedback string
}

// Render executes the body template. Bodies without template actions are
// returned as written.
func (s *Skill) Render(data TemplateData) (string, error) {
	if s.tmpl == nil {
		return s.Body, nil
	}
	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render skill %s: %w", s.Name, err)
	}
	return buf.String(), nil
}

var funcs = template.FuncMap{
	"env": os.Getenv,
}

func (s *Skill) compile() error {
	if s.MaxTurns <= 0 {
		s.MaxTurns = DefaultMaxTurns
	}
	if len(s.Tools) == 0 && s.AllowedTools != "" {
		s.Tools = strings.Fields(strings.ReplaceAll(s.AllowedTools, ",", " "))
	}
	s.Tools = slices.Compact(slices.Sorted(slices.Values(s.Tools)))
	if !strings.Contains(s.Body, "{{") {
		return nil
	}
	t, err := template.New(s.Name).Funcs(funcs).Option("missingkey=zero").Parse(s.Body)
	if err != nil {
		return fmt.Errorf("skill %s: parse body: %w", s.Name, err)
	}
	s.tmpl = t
	return nil
}
