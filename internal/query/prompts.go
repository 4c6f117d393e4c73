package query

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
)

//go:embed prompts/*.tmpl
var defaultPrompts embed.FS

// Prompt names
const (
	PromptQA     = "qa"
	PromptRefine = "refine"
)

// PromptData contains data available to prompt templates
type PromptData struct {
	Query          string
	Context        string
	ExistingAnswer string // Refine only
}

// PromptLoader loads prompt templates, preferring files in baseDir over the
// built-in defaults.
type PromptLoader struct {
	baseDir string

	mu    sync.Mutex
	cache map[string]*template.Template
}

// NewPromptLoader creates a new prompt loader. An empty baseDir uses the
// built-in templates only.
func NewPromptLoader(baseDir string) *PromptLoader {
	return &PromptLoader{baseDir: baseDir, cache: make(map[string]*template.Template)}
}

// Load returns the parsed template with fallback hierarchy:
// <dir>/<name>.tmpl, <dir>/<name>.md, then the built-in template.
func (l *PromptLoader) Load(name string) (*template.Template, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tmpl, ok := l.cache[name]; ok {
		return tmpl, nil
	}

	content, err := l.read(name)
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New(name).Parse(content)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}
	l.cache[name] = tmpl
	return tmpl, nil
}

func (l *PromptLoader) read(name string) (string, error) {
	if l.baseDir != "" {
		for _, path := range []string{
			filepath.Join(l.baseDir, name+".tmpl"),
			filepath.Join(l.baseDir, name+".md"),
		} {
			data, err := os.ReadFile(path)
			if err == nil {
				return string(data), nil
			}
			if !os.IsNotExist(err) {
				return "", fmt.Errorf("read prompt %s: %w", path, err)
			}
		}
	}

	data, err := defaultPrompts.ReadFile("prompts/" + name + ".tmpl")
	if err != nil {
		return "", fmt.Errorf("no prompt found for %q", name)
	}
	return string(data), nil
}

// Render executes the named template with data.
func (l *PromptLoader) Render(name string, data PromptData) (string, error) {
	tmpl, err := l.Load(name)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("execute prompt template %s: %w", name, err)
	}
	return sb.String(), nil
}
