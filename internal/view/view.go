// Package view renders html/template files laid out as
//
//	<dir>/<controller>/<action>.html
//	<dir>/layouts/<layout>.html
//	<dir>/elements/<name>.html
//
// A page renders first; its output is handed to the layout as .Content.
package view

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pew-pew-pew/pew/internal/logging"
)

// ErrTemplateNotFound is returned when a template file does not exist.
var ErrTemplateNotFound = errors.New("view: template not found")

const (
	layoutsDir  = "layouts"
	elementsDir = "elements"
)

// Config locates templates.
type Config struct {
	Dir       string
	Layout    string
	Extension string
	// Reload drops cached templates whenever a file under Dir changes.
	Reload bool
	Funcs  template.FuncMap
}

// Engine parses, caches and renders templates.
type Engine struct {
	cfg    Config
	logger *logging.Logger

	mu    sync.RWMutex
	cache map[string]*template.Template

	watcher *watcher
}

// New creates an engine. With cfg.Reload set it starts watching cfg.Dir.
func New(cfg Config, logger *logging.Logger) (*Engine, error) {
	if cfg.Dir == "" {
		cfg.Dir = "views"
	}
	if cfg.Extension == "" {
		cfg.Extension = ".html"
	}
	if !strings.HasPrefix(cfg.Extension, ".") {
		cfg.Extension = "." + cfg.Extension
	}
	if logger == nil {
		logger = logging.Discard()
	}
	e := &Engine{cfg: cfg, logger: logger, cache: make(map[string]*template.Template)}
	if cfg.Reload {
		w, err := newWatcher(cfg.Dir, e.Invalidate, logger)
		if err != nil {
			return nil, err
		}
		e.watcher = w
	}
	return e, nil
}

// DefaultLayout returns the configured layout name.
func (e *Engine) DefaultLayout() string { return e.cfg.Layout }

// Close stops the file watcher, if any.
func (e *Engine) Close() error {
	if e.watcher != nil {
		return e.watcher.Close()
	}
	return nil
}

// Invalidate drops every cached template.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.cache = make(map[string]*template.Template)
	e.mu.Unlock()
}

// file maps a template name such as "posts/view" to its path, refusing names
// that would escape the view directory.
func (e *Engine) file(name string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean("/" + name))
	if clean == "/" || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	return filepath.Join(e.cfg.Dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))+e.cfg.Extension), nil
}

// Exists reports whether the template name has a file.
func (e *Engine) Exists(name string) bool {
	file, err := e.file(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(file)
	return err == nil && !info.IsDir()
}

func (e *Engine) load(name string) (*template.Template, error) {
	e.mu.RLock()
	t, ok := e.cache[name]
	e.mu.RUnlock()
	if ok {
		return t, nil
	}

	file, err := e.file(name)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	if err != nil {
		return nil, err
	}

	t, err = template.New(name).Funcs(e.funcs()).Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	e.mu.Lock()
	e.cache[name] = t
	e.mu.Unlock()
	return t, nil
}

func (e *Engine) funcs() template.FuncMap {
	fm := template.FuncMap{
		"element": func(name string, data ...any) (template.HTML, error) {
			var d any
			if len(data) > 0 {
				d = data[0]
			}
			return e.Element(name, d)
		},
		"json": func(v any) (template.JS, error) {
			b, err := json.Marshal(v)
			return template.JS(b), err
		},
		"default": func(fallback, v any) any {
			if v == nil || v == "" {
				return fallback
			}
			return v
		},
	}
	for k, v := range e.cfg.Funcs {
		fm[k] = v
	}
	return fm
}

func (e *Engine) execute(name string, data any) ([]byte, error) {
	t, err := e.load(name)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// Render writes template name wrapped in layout. An empty layout renders the
// bare template. data gains a "Content" key for the layout.
func (e *Engine) Render(w io.Writer, name, layout string, data map[string]any) error {
	if data == nil {
		data = make(map[string]any)
	}
	body, err := e.execute(name, data)
	if err != nil {
		return err
	}
	if layout == "" {
		_, err = w.Write(body)
		return err
	}

	wrapped := make(map[string]any, len(data)+1)
	for k, v := range data {
		wrapped[k] = v
	}
	wrapped["Content"] = template.HTML(body)
	out, err := e.execute(layoutsDir+"/"+layout, wrapped)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// Element renders elements/<name> with data.
func (e *Engine) Element(name string, data any) (template.HTML, error) {
	out, err := e.execute(elementsDir+"/"+name, data)
	if err != nil {
		return "", err
	}
	return template.HTML(out), nil
}
