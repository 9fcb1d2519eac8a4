// Package bindings maps repository pushes to deployment targets. Bindings
// live in a YAML file and are hot reloaded on change, so operators can add a
// repo without restarting the controller.
package bindings

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Binding routes pushes for one repository to a set of hosts.
type Binding struct {
	// Repository is the full name, e.g. "acme/web". Glob patterns are
	// accepted ("acme/*").
	Repository string `yaml:"repository"`
	// Hosts are the deployment targets; one job is created per host.
	Hosts []string `yaml:"hosts"`
	// DeployOnPush gates automatic job creation from webhooks.
	DeployOnPush bool `yaml:"deploy_on_push"`
	// Branches restricts which branches trigger deploys. Empty means all.
	// Glob patterns are accepted ("release/*").
	Branches []string `yaml:"branches,omitempty"`

	repoGlob    glob.Glob
	branchGlobs []glob.Glob
}

type bindingsFile struct {
	Bindings []*Binding `yaml:"bindings"`
}

// Set is an immutable snapshot of compiled bindings.
type Set struct {
	bindings []*Binding
}

// Matches returns the bindings that route a push of the given repo/branch.
func (s *Set) Matches(repo, branch string) []*Binding {
	var out []*Binding
	for _, b := range s.bindings {
		if !b.DeployOnPush {
			continue
		}
		if !b.repoGlob.Match(repo) {
			continue
		}
		if !b.matchesBranch(branch) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// All returns every binding in the snapshot.
func (s *Set) All() []*Binding {
	return s.bindings
}

func (b *Binding) matchesBranch(branch string) bool {
	if len(b.branchGlobs) == 0 {
		return true
	}
	for _, g := range b.branchGlobs {
		if g.Match(branch) {
			return true
		}
	}
	return false
}

// Loader serves the current binding set and watches the file for changes.
type Loader struct {
	path string

	mu  sync.RWMutex
	set *Set

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader reads the bindings file and starts watching it. A missing file
// yields an empty set; a malformed file is an error.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path, set: &Set{}, done: make(chan struct{})}
	if err := l.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create bindings watcher: %w", err)
	}
	// Watch the directory, not the file: editors and config pushes replace
	// the file, which drops a direct watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch bindings directory: %w", err)
	}
	l.watcher = watcher
	go l.watch()
	return l, nil
}

// Current returns the active snapshot.
func (l *Loader) Current() *Set {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.set
}

// Close stops the watcher.
func (l *Loader) Close() error {
	close(l.done)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

func (l *Loader) watch() {
	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := l.reload(); err != nil {
				// Keep serving the last good snapshot.
				log.Printf("[Bindings] Reload failed, keeping previous set: %v", err)
				continue
			}
			log.Printf("[Bindings] Reloaded %d bindings from %s", len(l.Current().All()), l.path)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Bindings] Watcher error: %v", err)
		}
	}
}

func (l *Loader) reload() error {
	set, err := Load(l.path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.set = set
	l.mu.Unlock()
	return nil
}

// Load parses and compiles a bindings file into a snapshot. A missing file
// is an empty set.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Set{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bindings file: %w", err)
	}

	var file bindingsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse bindings file: %w", err)
	}

	for _, b := range file.Bindings {
		if strings.TrimSpace(b.Repository) == "" {
			return nil, fmt.Errorf("binding with empty repository")
		}
		g, err := glob.Compile(b.Repository)
		if err != nil {
			return nil, fmt.Errorf("invalid repository pattern %q: %w", b.Repository, err)
		}
		b.repoGlob = g
		for _, pattern := range b.Branches {
			bg, err := glob.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid branch pattern %q: %w", pattern, err)
			}
			b.branchGlobs = append(b.branchGlobs, bg)
		}
	}
	return &Set{bindings: file.Bindings}, nil
}
