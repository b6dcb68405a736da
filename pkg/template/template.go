// Package template resolves and renders prompt templates. A template wraps
// the user's building prompt with instructions, the legal build region, and
// the block palette the model may use.
package template

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	texttemplate "text/template"

	"github.com/voxelbench/voxelbench/pkg/build"
)

// ErrNotFound is returned when a template ref does not resolve.
var ErrNotFound = errors.New("template: not found")

// Template is a resolved prompt template plus the constraints the resulting
// build must honor.
type Template struct {
	Name    string
	Content string

	// Bounds is the legal build region; commands placing blocks outside
	// it are rejected.
	Bounds build.BoundingBox

	// AllowedBlocks is the palette the build may use. Empty means any
	// block is allowed.
	AllowedBlocks []string
}

// renderInput is the data visible to template content.
type renderInput struct {
	Prompt        string
	MinX, MinY, MinZ int
	MaxX, MaxY, MaxZ int
	AllowedBlocks string
}

// Render expands the template content against the user prompt. Content uses
// Go template syntax with {{.Prompt}}, the bound coordinates, and
// {{.AllowedBlocks}} as a comma-separated palette.
func (t *Template) Render(prompt string) (string, error) {
	tmpl, err := texttemplate.New(t.Name).Parse(t.Content)
	if err != nil {
		return "", fmt.Errorf("parse template %q: %w", t.Name, err)
	}

	in := renderInput{
		Prompt:        prompt,
		MinX:          t.Bounds.Min.X,
		MinY:          t.Bounds.Min.Y,
		MinZ:          t.Bounds.Min.Z,
		MaxX:          t.Bounds.Max.X,
		MaxY:          t.Bounds.Max.Y,
		MaxZ:          t.Bounds.Max.Z,
		AllowedBlocks: strings.Join(t.AllowedBlocks, ", "),
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, in); err != nil {
		return "", fmt.Errorf("render template %q: %w", t.Name, err)
	}
	return sb.String(), nil
}

// BlockAllowed reports whether the palette permits a block type.
func (t *Template) BlockAllowed(block string) bool {
	if len(t.AllowedBlocks) == 0 {
		return true
	}
	for _, b := range t.AllowedBlocks {
		if b == block {
			return true
		}
	}
	return false
}

// Service resolves template refs to templates.
type Service interface {
	Resolve(ctx context.Context, templateRef string) (*Template, error)
}

// StaticService serves templates from a fixed in-memory set.
type StaticService struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewStaticService builds a service over the given templates, keyed by
// name.
func NewStaticService(templates ...*Template) *StaticService {
	m := make(map[string]*Template, len(templates))
	for _, t := range templates {
		m[t.Name] = t
	}
	return &StaticService{templates: m}
}

// Resolve looks up a template by ref.
func (s *StaticService) Resolve(ctx context.Context, templateRef string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[templateRef]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, templateRef)
	}
	return t, nil
}

// Add registers or replaces a template.
func (s *StaticService) Add(t *Template) {
	s.mu.Lock()
	s.templates[t.Name] = t
	s.mu.Unlock()
}

// Names lists registered template refs, sorted.
func (s *StaticService) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ Service = (*StaticService)(nil)
