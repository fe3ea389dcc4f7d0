package transport

import (
	"sync"

	"github.com/edgeforge-io/edgeforge/pkg/errors"
)

// registry tracks which ports/hosts are currently held by an open transport.
// Exclusive ownership per target is the invariant the flash drivers rely on:
// two operations never interleave bytes on one wire.
type registry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var ports = &registry{held: make(map[string]struct{})}

// acquire claims target, failing with Busy if another transport holds it.
func (r *registry) acquire(target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.held[target]; ok {
		return errors.New(errors.Busy, "transport %s is held by another operation", target)
	}
	r.held[target] = struct{}{}
	return nil
}

// release frees target. Releasing an unheld target is a no-op so Close can
// stay idempotent.
func (r *registry) release(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, target)
}

// Held reports whether target is currently claimed. Detection uses this to
// distinguish "present but busy" from "absent".
func Held(target string) bool {
	ports.mu.Lock()
	defer ports.mu.Unlock()
	_, ok := ports.held[target]
	return ok
}
