// Package mode detects and switches the mutually exclusive service
// configurations of Linux camera appliances. Init scripts follow the
// SysV rc convention: an S-prefixed script autostarts, a K-prefixed
// script is installed but disabled.
package mode

import (
	"context"
	"fmt"
	"strings"

	"github.com/edgeforge-io/edgeforge/pkg/errors"
	"github.com/edgeforge-io/edgeforge/pkg/log"
)

// Mode is a device's active service configuration.
type Mode string

const (
	// Clean means neither service set is enabled.
	Clean Mode = "clean"

	// ModeFlow runs the flow runtime (node-red plus its sidecars).
	ModeFlow Mode = "flow"

	// ModeNative runs the native inference service.
	ModeNative Mode = "native"

	// Mixed means the indicators are inconsistent and must be
	// surfaced to the caller, never guessed at.
	Mixed Mode = "mixed"
)

// CommandRunner executes a command on the device and returns its
// combined output and exit code. The SSH transport satisfies this.
type CommandRunner interface {
	Run(ctx context.Context, cmd string) (output string, exitCode int, err error)
}

const initDir = "/etc/init.d"

// service is one init script: base name plus its rc priority.
type service struct {
	name string
	prio string
}

// serviceSet is one side of the exclusive configuration.
type serviceSet struct {
	mode     Mode
	services []service

	// payloadDirs are removed from the device when this set is the
	// conflicting one during a switch.
	payloadDirs []string
}

var (
	flowSet = serviceSet{
		mode: ModeFlow,
		services: []service{
			{name: "node-red", prio: "03"},
			{name: "sscma-node", prio: "91"},
			{name: "sscma-supervisor", prio: "93"},
		},
		payloadDirs: []string{"/usr/local/lib/node_modules/node-red"},
	}
	nativeSet = serviceSet{
		mode: ModeNative,
		services: []service{
			{name: "sscma-cpp", prio: "90"},
		},
		payloadDirs: []string{"/usr/local/bin/sscma-cpp"},
	}
)

func setFor(m Mode) (serviceSet, bool) {
	switch m {
	case ModeFlow:
		return flowSet, true
	case ModeNative:
		return nativeSet, true
	}
	return serviceSet{}, false
}

// Manager probes and switches service modes. Stateless: the current
// mode is externally observed state, recomputed on every call and
// never cached in process memory.
type Manager struct {
	log log.Logger
}

func NewManager() *Manager {
	return &Manager{log: log.WithName("mode.manager")}
}

// scriptState is what the probe saw for one service.
type scriptState int

const (
	absent scriptState = iota
	enabled
	disabled
)

// probe lists the init directory once and classifies every known
// service.
func (m *Manager) probe(ctx context.Context, r CommandRunner) (map[string]scriptState, error) {
	out, code, err := r.Run(ctx, "ls -1 "+initDir)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, errors.New(errors.Precondition, "cannot list %s (exit %d)", initDir, code)
	}

	installed := map[string]string{} // base name -> prefix
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if len(name) < 4 || (name[0] != 'S' && name[0] != 'K') {
			continue
		}
		installed[name[3:]] = string(name[0])
	}

	states := map[string]scriptState{}
	for _, set := range []serviceSet{flowSet, nativeSet} {
		for _, svc := range set.services {
			switch installed[svc.name] {
			case "S":
				states[svc.name] = enabled
			case "K":
				// Installed but inactive, not absent.
				states[svc.name] = disabled
			default:
				states[svc.name] = absent
			}
		}
	}
	return states, nil
}

func anyEnabled(states map[string]scriptState, set serviceSet) bool {
	for _, svc := range set.services {
		if states[svc.name] == enabled {
			return true
		}
	}
	return false
}

// Current classifies the device's active mode from fresh indicators.
func (m *Manager) Current(ctx context.Context, r CommandRunner) (Mode, error) {
	states, err := m.probe(ctx, r)
	if err != nil {
		return "", err
	}
	return classify(states), nil
}

func classify(states map[string]scriptState) Mode {
	flow := anyEnabled(states, flowSet)
	native := anyEnabled(states, nativeSet)
	switch {
	case flow && native:
		return Mixed
	case flow:
		return ModeFlow
	case native:
		return ModeNative
	}
	return Clean
}

// SwitchTo transitions the device to the desired mode: stop the
// conflicting services, disable their autostart, remove their
// payloads, enable and start the desired services. Every step checks
// current state before acting, so re-invoking on an already-switched
// device is a no-op that still returns success.
func (m *Manager) SwitchTo(ctx context.Context, r CommandRunner, desired Mode) error {
	want, ok := setFor(desired)
	if !ok {
		return errors.New(errors.Precondition, "cannot switch to mode %q", desired)
	}
	conflict := flowSet
	if desired == ModeFlow {
		conflict = nativeSet
	}

	states, err := m.probe(ctx, r)
	if err != nil {
		return err
	}
	if classify(states) == desired {
		m.log.Info("device already in desired mode", "mode", desired)
		return nil
	}

	if err := m.stopAndDisable(ctx, r, conflict, states); err != nil {
		return err
	}
	if err := m.removePayloads(ctx, r, conflict); err != nil {
		return err
	}
	if err := m.enableAndStart(ctx, r, want, states); err != nil {
		return err
	}

	// Verify from fresh indicators; a half-applied switch must be
	// reported, never silently retried.
	got, err := m.Current(ctx, r)
	if err != nil {
		return err
	}
	if got != desired {
		return errors.New(errors.PartialSwitch, "device reports mode %q after switching to %q", got, desired)
	}
	m.log.Info("mode switch complete", "mode", desired)
	return nil
}

func (m *Manager) stopAndDisable(ctx context.Context, r CommandRunner, set serviceSet, states map[string]scriptState) error {
	for _, svc := range set.services {
		if states[svc.name] != enabled {
			continue
		}
		script := fmt.Sprintf("%s/S%s%s", initDir, svc.prio, svc.name)
		if _, _, err := r.Run(ctx, script+" stop"); err != nil {
			return errors.Wrap(errors.Unknown, "stop "+svc.name, err)
		}
		rename := fmt.Sprintf("mv %s %s/K%s%s", script, initDir, svc.prio, svc.name)
		if out, code, err := r.Run(ctx, rename); err != nil || code != 0 {
			if err == nil {
				err = fmt.Errorf("exit %d: %s", code, strings.TrimSpace(out))
			}
			return errors.Wrap(errors.PartialSwitch, "disable "+svc.name, err)
		}
		m.log.Info("service disabled", "service", svc.name)
	}
	return nil
}

func (m *Manager) removePayloads(ctx context.Context, r CommandRunner, set serviceSet) error {
	for _, dir := range set.payloadDirs {
		check := fmt.Sprintf("test -e %s", dir)
		if _, code, err := r.Run(ctx, check); err != nil {
			return errors.Wrap(errors.Unknown, "check payload", err)
		} else if code != 0 {
			continue // already absent
		}
		if out, code, err := r.Run(ctx, "rm -rf "+dir); err != nil || code != 0 {
			if err == nil {
				err = fmt.Errorf("exit %d: %s", code, strings.TrimSpace(out))
			}
			return errors.Wrap(errors.PartialSwitch, "remove "+dir, err)
		}
		m.log.Info("conflicting payload removed", "path", dir)
	}
	return nil
}

func (m *Manager) enableAndStart(ctx context.Context, r CommandRunner, set serviceSet, states map[string]scriptState) error {
	for _, svc := range set.services {
		script := fmt.Sprintf("%s/S%s%s", initDir, svc.prio, svc.name)
		switch states[svc.name] {
		case disabled:
			rename := fmt.Sprintf("mv %s/K%s%s %s", initDir, svc.prio, svc.name, script)
			if out, code, err := r.Run(ctx, rename); err != nil || code != 0 {
				if err == nil {
					err = fmt.Errorf("exit %d: %s", code, strings.TrimSpace(out))
				}
				return errors.Wrap(errors.PartialSwitch, "enable "+svc.name, err)
			}
		case absent:
			return errors.New(errors.PartialSwitch, "service %s is not installed", svc.name)
		}
		if out, code, err := r.Run(ctx, script+" start"); err != nil || code != 0 {
			if err == nil {
				err = fmt.Errorf("exit %d: %s", code, strings.TrimSpace(out))
			}
			return errors.Wrap(errors.PartialSwitch, "start "+svc.name, err)
		}
		m.log.Info("service started", "service", svc.name)
	}
	return nil
}
