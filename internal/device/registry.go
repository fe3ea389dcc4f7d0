package device

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/edgeforge-io/edgeforge/pkg/errors"
	"github.com/edgeforge-io/edgeforge/pkg/log"
)

// Registry holds the loaded descriptors for a station, keyed by id,
// and can keep itself current by watching the descriptor directory.
type Registry struct {
	dir string
	log log.Logger

	mu    sync.RWMutex
	byID  map[string]*Descriptor
	files map[string]string // descriptor id -> source file
}

// NewRegistry loads every *.yaml/*.yml descriptor under dir. Files
// that fail to parse or validate are skipped with a warning so one bad
// descriptor does not take the station down.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{
		dir:   dir,
		log:   log.WithName("device.registry"),
		byID:  map[string]*Descriptor{},
		files: map[string]string{},
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return errors.Wrap(errors.NotFound, "read descriptor dir", err)
	}

	byID := map[string]*Descriptor{}
	files := map[string]string{}
	for _, e := range entries {
		if e.IsDir() || !isDescriptorFile(e.Name()) {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		d, err := LoadFile(path)
		if err != nil {
			r.log.Warn("skipping descriptor", "file", e.Name(), "err", err.Error())
			continue
		}
		if prev, dup := files[d.ID]; dup {
			r.log.Warn("duplicate descriptor id", "id", d.ID, "file", e.Name(), "kept", prev)
			continue
		}
		byID[d.ID] = d
		files[d.ID] = e.Name()
	}

	r.mu.Lock()
	r.byID = byID
	r.files = files
	r.mu.Unlock()
	r.log.Info("descriptors loaded", "count", len(byID), "dir", r.dir)
	return nil
}

func isDescriptorFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// Get returns the descriptor with the given id.
func (r *Registry) Get(id string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return nil, errors.New(errors.NotFound, "no descriptor %q", id)
	}
	return d, nil
}

// List returns all descriptors ordered by id.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch reloads the registry whenever descriptor files change, until
// ctx is cancelled. It blocks; run it on its own goroutine.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(errors.Unknown, "descriptor watch", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return errors.Wrap(errors.NotFound, "descriptor watch", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isDescriptorFile(filepath.Base(ev.Name)) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			r.log.Info("descriptor change detected", "file", filepath.Base(ev.Name), "op", ev.Op.String())
			if err := r.reload(); err != nil {
				r.log.Error(err, "descriptor reload failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Error(err, "descriptor watcher error")
		}
	}
}
