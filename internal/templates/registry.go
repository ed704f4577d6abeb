// Package templates holds the prompt templates generation tasks render from.
// Built-in templates are embedded; a directory of YAML files may add to or
// override them at runtime.
package templates

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"product-data-generator/internal/models"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// ErrTemplateNotFound is returned when no template is registered for a task id.
var ErrTemplateNotFound = errors.New("template not found")

// Definition is the on-disk shape of a template.
type Definition struct {
	ID          string  `yaml:"id" json:"id"`
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description" json:"description"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	System      string  `yaml:"system" json:"-"`
	User        string  `yaml:"user" json:"-"`
}

// Prompt is a rendered template ready for the model.
type Prompt struct {
	System string `json:"system"`
	User   string `json:"user"`
}

type compiled struct {
	def    Definition
	system *template.Template
	user   *template.Template
	source string
}

// Registry maps task ids to compiled templates. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*compiled
}

// NewRegistry returns a registry preloaded with the built-in templates.
func NewRegistry() (*Registry, error) {
	r := &Registry{templates: make(map[string]*compiled)}
	if err := r.LoadBuiltins(); err != nil {
		return nil, err
	}
	return r, nil
}

var funcs = template.FuncMap{
	"join": func(v []string) string { return strings.Join(v, ", ") },
	"label": func(s string) string {
		s = strings.TrimPrefix(strings.ReplaceAll(s, "_", " "), "pa ")
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	},
	"default": func(def, v string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	},
}

func compile(def Definition, source string) (*compiled, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("template %s: missing id", source)
	}
	if strings.TrimSpace(def.User) == "" {
		return nil, fmt.Errorf("template %s: empty user prompt", def.ID)
	}
	sys, err := template.New(def.ID + ".system").Funcs(funcs).Option("missingkey=zero").Parse(def.System)
	if err != nil {
		return nil, fmt.Errorf("template %s: system: %w", def.ID, err)
	}
	usr, err := template.New(def.ID + ".user").Funcs(funcs).Option("missingkey=zero").Parse(def.User)
	if err != nil {
		return nil, fmt.Errorf("template %s: user: %w", def.ID, err)
	}
	return &compiled{def: def, system: sys, user: usr, source: source}, nil
}

func parseDefinition(data []byte, source string) (*compiled, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("template %s: %w", source, err)
	}
	return compile(def, source)
}

// LoadBuiltins (re)registers the embedded templates.
func (r *Registry) LoadBuiltins() error {
	return r.loadBuiltins(nil)
}

// loadBuiltins registers embedded templates, limited to ids when non-empty.
func (r *Registry) loadBuiltins(ids []string) error {
	entries, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return err
	}
	for _, e := range entries {
		data, err := builtinFS.ReadFile("builtin/" + e.Name())
		if err != nil {
			return err
		}
		c, err := parseDefinition(data, "builtin")
		if err != nil {
			return err
		}
		if len(ids) > 0 && !slices.Contains(ids, c.def.ID) {
			continue
		}
		r.set(c)
	}
	return nil
}

// LoadDir registers every *.yaml / *.yml file in dir, replacing templates
// with the same id. It returns the ids that were loaded.
func (r *Registry) LoadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		id, err := r.LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// LoadFile registers a single template file.
func (r *Registry) LoadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	c, err := parseDefinition(data, path)
	if err != nil {
		return "", err
	}
	r.set(c)
	return c.def.ID, nil
}

// Register adds or replaces a template from an in-memory definition.
func (r *Registry) Register(def Definition) error {
	c, err := compile(def, "inline")
	if err != nil {
		return err
	}
	r.set(c)
	return nil
}

// Unregister removes a template. Built-ins come back on the next LoadBuiltins.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.templates, id)
	r.mu.Unlock()
}

// forgetSource drops templates that were loaded from path.
func (r *Registry) forgetSource(path string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, c := range r.templates {
		if c.source == path {
			delete(r.templates, id)
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) set(c *compiled) {
	r.mu.Lock()
	r.templates[c.def.ID] = c
	r.mu.Unlock()
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.templates[id]
	return ok
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.templates[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return c.def, nil
}

// List returns all definitions sorted by id.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	out := make([]Definition, 0, len(r.templates))
	for _, c := range r.templates {
		out = append(out, c.def)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type renderData struct {
	Product models.Product
	Context map[string]string
}

// Render fills the template for taskID with product data and caller context.
func (r *Registry) Render(taskID string, product models.Product, context map[string]string) (Prompt, error) {
	r.mu.RLock()
	c, ok := r.templates[taskID]
	r.mu.RUnlock()
	if !ok {
		return Prompt{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, taskID)
	}
	if context == nil {
		context = map[string]string{}
	}
	data := renderData{Product: product, Context: context}

	var sys, usr bytes.Buffer
	if err := c.system.Execute(&sys, data); err != nil {
		return Prompt{}, fmt.Errorf("render %s system: %w", taskID, err)
	}
	if err := c.user.Execute(&usr, data); err != nil {
		return Prompt{}, fmt.Errorf("render %s user: %w", taskID, err)
	}
	return Prompt{
		System: strings.TrimSpace(sys.String()),
		User:   strings.TrimSpace(usr.String()),
	}, nil
}

func isTemplateFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
