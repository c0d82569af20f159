package template

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"flotilla/pkg/logging"
)

// Descriptor file names probed in each template directory.
var descriptorNames = []string{"template.yaml", "template.yml", "template.json"}

var templateIDPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Registry discovers templates on disk and exposes them by id. It is the
// sole source of template identity; all other components receive resolved
// descriptors from here.
//
// Templates are loaded once at construction and cached. Refresh reloads the
// directory tree explicitly; Watch reports descriptor changes so caches keyed
// by template id can invalidate.
type Registry struct {
	mu   sync.RWMutex
	dirs []dirSpec

	templates map[string]*Template

	subMu       sync.Mutex
	subscribers []chan string
}

type dirSpec struct {
	path   string
	origin Origin
}

// NewRegistry creates a registry over the given directories and performs the
// initial load. Later directories win on id conflicts, so user directories
// should follow built-in ones.
func NewRegistry(builtinDir string, userDirs ...string) (*Registry, error) {
	r := &Registry{templates: make(map[string]*Template)}
	if builtinDir != "" {
		r.dirs = append(r.dirs, dirSpec{path: builtinDir, origin: OriginBuiltin})
	}
	for _, d := range userDirs {
		r.dirs = append(r.dirs, dirSpec{path: d, origin: OriginUser})
	}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// List returns all templates sorted by id.
func (r *Registry) List() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the template with the given id, or a NotFoundError.
func (r *Registry) Get(id string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.templates[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return t, nil
}

// Refresh re-walks the configured directories and replaces the cached set.
// Invalid descriptors are skipped with a warning; the first error is
// returned only if nothing could be loaded at all.
func (r *Registry) Refresh() error {
	loaded := make(map[string]*Template)
	var firstErr error

	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir.path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("reading template directory %s: %w", dir.path, err)
			}
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			t, err := loadTemplateDir(filepath.Join(dir.path, entry.Name()), dir.origin)
			if err != nil {
				logging.Warn("Registry", "Skipping template in %s: %v", entry.Name(), err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if t == nil {
				continue // no descriptor in this directory
			}
			if prev, ok := loaded[t.ID]; ok {
				logging.Info("Registry", "Template %s from %s overrides %s", t.ID, t.Dir, prev.Dir)
			}
			loaded[t.ID] = t
		}
	}

	if len(loaded) == 0 && firstErr != nil {
		return firstErr
	}

	r.mu.Lock()
	changed := changedIDs(r.templates, loaded)
	r.templates = loaded
	r.mu.Unlock()

	for _, id := range changed {
		r.notify(id)
	}

	logging.Info("Registry", "Loaded %d templates", len(loaded))
	return nil
}

// Subscribe returns a channel receiving template ids whose descriptors
// changed. The channel is closed when the registry's Watch loop exits.
func (r *Registry) Subscribe() <-chan string {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	ch := make(chan string, 16)
	r.subscribers = append(r.subscribers, ch)
	return ch
}

// Watch observes the template directories for descriptor changes and
// refreshes the registry when one occurs. It blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating template watcher: %w", err)
	}
	defer watcher.Close()
	defer r.closeSubscribers()

	for _, dir := range r.dirs {
		if err := watcher.Add(dir.path); err != nil {
			logging.Warn("Registry", "Cannot watch %s: %v", dir.path, err)
			continue
		}
		entries, err := os.ReadDir(dir.path)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				// Descriptor edits happen inside the per-template directory.
				_ = watcher.Add(filepath.Join(dir.path, entry.Name()))
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isDescriptorEvent(event) {
				continue
			}
			logging.Debug("Registry", "Template change detected: %s", event.Name)
			if err := r.Refresh(); err != nil {
				logging.Warn("Registry", "Refresh after change failed: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("Registry", "Template watcher error: %v", err)
		}
	}
}

func isDescriptorEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(event.Name)
	for _, name := range descriptorNames {
		if base == name {
			return true
		}
	}
	return false
}

func (r *Registry) notify(id string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- id:
		default:
			// Subscriber is behind; it will re-sync on its next refresh.
		}
	}
}

func (r *Registry) closeSubscribers() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subscribers {
		close(ch)
	}
	r.subscribers = nil
}

// changedIDs reports ids added, removed or whose version/image changed.
func changedIDs(before, after map[string]*Template) []string {
	var changed []string
	for id, t := range after {
		prev, ok := before[id]
		if !ok || prev.Version != t.Version || prev.Image != t.Image {
			changed = append(changed, id)
		}
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			changed = append(changed, id)
		}
	}
	return changed
}

// loadTemplateDir parses and validates the descriptor in dir. Returns
// (nil, nil) when the directory carries no descriptor file.
func loadTemplateDir(dir string, origin Origin) (*Template, error) {
	var descriptorPath string
	for _, name := range descriptorNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			descriptorPath = candidate
			break
		}
	}
	if descriptorPath == "" {
		return nil, nil
	}

	data, err := os.ReadFile(descriptorPath)
	if err != nil {
		return nil, &InvalidTemplateError{Path: descriptorPath, Message: "unreadable descriptor", Cause: err}
	}

	var t Template
	// YAML is a superset of JSON, so one decoder covers both descriptor forms.
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, &InvalidTemplateError{Path: descriptorPath, Message: "parse error", Cause: err}
	}

	t.Origin = origin
	t.Dir = dir

	if err := validateDescriptor(&t, descriptorPath); err != nil {
		return nil, err
	}
	return &t, nil
}
