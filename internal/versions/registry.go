// Package versions tracks the locally installed engine versions and installs
// new ones from the engine CDN.
package versions

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Handlers are the registry's event slots.
type Handlers struct {
	// Versions fires with the full sorted version list: once after the
	// initial scan, then on every change to the set.
	Versions func([]string)
}

// Registry watches the engines directory at depth 1. Every subdirectory
// whose name does not start with "." is an installed version, verbatim:
// spaces and mixed case are allowed. Dot-prefixed entries are the
// installer's transient artifacts and never surface.
type Registry struct {
	enginesDir string
	handlers   Handlers
	installer  *installer

	mu       sync.Mutex
	versions map[string]bool
	watcher  *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry creates a registry over enginesDir. Call Start to scan and
// begin watching.
func NewRegistry(enginesDir string, opts InstallOptions, handlers Handlers) *Registry {
	r := &Registry{
		enginesDir: enginesDir,
		handlers:   handlers,
		versions:   make(map[string]bool),
		done:       make(chan struct{}),
	}
	r.installer = newInstaller(enginesDir, opts)
	return r
}

// Start scans the engines directory and begins watching it. The initial scan
// is reported as a single Versions event. Failure to enumerate the directory
// is fatal to startup.
func (r *Registry) Start() error {
	if err := os.MkdirAll(r.enginesDir, 0o755); err != nil {
		return fmt.Errorf("creating engines dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(r.enginesDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", r.enginesDir, err)
	}
	r.watcher = watcher

	entries, err := os.ReadDir(r.enginesDir)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("scanning %s: %w", r.enginesDir, err)
	}
	r.mu.Lock()
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			r.versions[e.Name()] = true
		}
	}
	initial := r.sortedLocked()
	r.mu.Unlock()

	if r.handlers.Versions != nil {
		r.handlers.Versions(initial)
	}

	r.wg.Add(1)
	go r.watchLoop()
	return nil
}

// Stop ends the watch and waits for in-flight notifications.
func (r *Registry) Stop() {
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
	}
	r.wg.Wait()
}

// Versions returns the sorted installed version list.
func (r *Registry) Versions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

// Install fetches and publishes an engine version. A second request for a
// version already being installed is a logged no-op.
func (r *Registry) Install(version string) error {
	return r.installer.install(version)
}

func (r *Registry) sortedLocked() []string {
	out := make([]string, 0, len(r.versions))
	for v := range r.versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) watchLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("versions: watcher error: %v", err)
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(ev)
		}
	}
}

func (r *Registry) handleEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if name == "." || strings.HasPrefix(name, ".") {
		return
	}

	changed := false
	r.mu.Lock()
	switch {
	case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename):
		// Renames deliver one event for the old path and a create for the
		// new; stat decides whether this name now exists as a version.
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !r.versions[name] {
				r.versions[name] = true
				changed = true
			}
		} else if r.versions[name] {
			delete(r.versions, name)
			changed = true
		}
	case ev.Op.Has(fsnotify.Remove):
		if r.versions[name] {
			delete(r.versions, name)
			changed = true
		}
	}
	current := r.sortedLocked()
	r.mu.Unlock()

	if changed && r.handlers.Versions != nil {
		r.handlers.Versions(current)
	}
}
