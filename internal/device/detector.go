package device

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
	"golang.org/x/sync/errgroup"

	"github.com/edgeforge-io/edgeforge/internal/transport"
	"github.com/edgeforge-io/edgeforge/pkg/errors"
	"github.com/edgeforge-io/edgeforge/pkg/log"
)

// Handle is a located device: the descriptor plus where it answered.
type Handle struct {
	Descriptor *Descriptor

	// Port is the serial port path for usb-serial devices.
	Port string

	// Host is the answering address for network devices.
	Host string
}

// Target returns the port or host the handle is bound to.
func (h *Handle) Target() string {
	if h.Port != "" {
		return h.Port
	}
	return h.Host
}

// portLister enumerates system serial ports. Swappable for tests.
type portLister func() ([]*enumerator.PortDetails, error)

// dialer probes a TCP endpoint. Swappable for tests.
type dialer func(ctx context.Context, addr string) error

// Detector locates described devices. Detection never mutates device
// state and is safe to call repeatedly, including as a pre-flight
// check inside later deployment steps.
type Detector struct {
	// DefaultBaud is used to probe candidate ports when the
	// descriptor does not declare a baud rate.
	DefaultBaud int

	log   log.Logger
	ports portLister
	dial  dialer
}

func NewDetector() *Detector {
	return &Detector{
		log:   log.WithName("device.detector"),
		ports: enumerator.GetDetailedPortsList,
		dial:  dialTCP,
	}
}

func dialTCP(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Detect locates the device the descriptor describes. A device whose
// port exists but is held by another operation surfaces as a Busy
// error, distinct from NotFound.
func (d *Detector) Detect(ctx context.Context, desc *Descriptor) (*Handle, error) {
	switch desc.Detection.Method {
	case "usb-serial":
		return d.detectSerial(ctx, desc)
	case "network":
		return d.detectNetwork(ctx, desc)
	}
	return nil, errors.New(errors.Precondition, "descriptor %q has no usable detection method", desc.ID)
}

func (d *Detector) detectSerial(ctx context.Context, desc *Descriptor) (*Handle, error) {
	ports, err := d.ports()
	if err != nil {
		return nil, errors.Wrap(errors.Unknown, "enumerate serial ports", err)
	}

	if len(desc.Detection.USB) > 0 {
		if h, err := d.matchUSB(desc, ports); h != nil || err != nil {
			return h, err
		}
	}
	if len(desc.Detection.Globs) > 0 {
		return d.matchGlobs(ctx, desc, ports)
	}
	return nil, errors.New(errors.NotFound, "no port matches descriptor %q", desc.ID)
}

// matchUSB scans enumerated ports for a configured VID/PID pair.
// Returns (nil, nil) when nothing matches so glob fallback can run.
func (d *Detector) matchUSB(desc *Descriptor, ports []*enumerator.PortDetails) (*Handle, error) {
	for _, want := range desc.Detection.USB {
		for _, p := range ports {
			if !p.IsUSB {
				continue
			}
			if !strings.EqualFold(p.VID, want.VID) || !strings.EqualFold(p.PID, want.PID) {
				continue
			}
			if transport.Held(p.Name) {
				return nil, errors.New(errors.Busy, "device %q present on %s but the port is in use", desc.ID, p.Name)
			}
			d.log.Debug("matched usb device", "id", desc.ID, "port", p.Name, "vid", p.VID, "pid", p.PID)
			return &Handle{Descriptor: desc, Port: p.Name}, nil
		}
	}
	return nil, nil
}

// matchGlobs tries each pattern in order and returns the first port
// that accepts an open. Ports that refuse with Busy are remembered so
// "present but busy" is reported instead of "absent" when nothing else
// matches.
func (d *Detector) matchGlobs(ctx context.Context, desc *Descriptor, ports []*enumerator.PortDetails) (*Handle, error) {
	known := map[string]bool{}
	for _, p := range ports {
		known[p.Name] = true
	}

	var busy string
	for _, pattern := range desc.Detection.Globs {
		candidates, err := filepath.Glob(pattern)
		if err != nil {
			return nil, errors.Wrap(errors.Precondition, fmt.Sprintf("glob %q", pattern), err)
		}
		for _, path := range candidates {
			if err := ctx.Err(); err != nil {
				return nil, errors.Wrap(errors.Aborted, "detect", err)
			}
			if len(known) > 0 && !known[path] {
				continue
			}
			if transport.Held(path) {
				busy = path
				continue
			}
			baud := desc.Firmware.FlashConfig.BaudRate
			if baud == 0 {
				baud = d.DefaultBaud
			}
			t, err := transport.OpenSerial(path, transport.SerialParams{BaudRate: baud})
			if err != nil {
				if errors.IsKind(err, errors.Busy) {
					busy = path
				}
				continue
			}
			t.Close()
			d.log.Debug("matched port by glob", "id", desc.ID, "port", path, "pattern", pattern)
			return &Handle{Descriptor: desc, Port: path}, nil
		}
	}
	if busy != "" {
		return nil, errors.New(errors.Busy, "device %q present on %s but the port is in use", desc.ID, busy)
	}
	return nil, errors.New(errors.NotFound, "no port matches descriptor %q", desc.ID)
}

// detectNetwork probes every candidate host concurrently and returns
// the first that answers on the descriptor's port within the scan
// timeout.
func (d *Detector) detectNetwork(ctx context.Context, desc *Descriptor) (*Handle, error) {
	probe := desc.Detection.Network
	ctx, cancel := context.WithTimeout(ctx, probe.Timeout())
	defer cancel()

	found := make(chan string, len(probe.Hosts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, host := range probe.Hosts {
		addr := net.JoinHostPort(host, fmt.Sprint(probe.Port))
		host := host
		g.Go(func() error {
			if err := d.dial(gctx, addr); err != nil {
				return nil // silent miss; the scan decides
			}
			select {
			case found <- host:
			default:
			}
			return nil
		})
	}
	_ = g.Wait()

	select {
	case host := <-found:
		if transport.Held(net.JoinHostPort(host, fmt.Sprint(probe.Port))) {
			return nil, errors.New(errors.Busy, "device %q answered at %s but the host is in use", desc.ID, host)
		}
		d.log.Debug("network device answered", "id", desc.ID, "host", host, "port", probe.Port)
		return &Handle{Descriptor: desc, Host: host}, nil
	default:
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.New(errors.Timeout, "no host answered for %q within %s", desc.ID, probe.Timeout())
		}
		return nil, errors.New(errors.NotFound, "no host answered for descriptor %q", desc.ID)
	}
}

// interval for pre-flight re-detection loops.
const redetectInterval = 500 * time.Millisecond

// WaitFor re-runs detection until the device appears or ctx expires.
// Used after a post-deployment reset to wait for the device to come
// back.
func (d *Detector) WaitFor(ctx context.Context, desc *Descriptor) (*Handle, error) {
	for {
		h, err := d.Detect(ctx, desc)
		if err == nil {
			return h, nil
		}
		if !errors.KindOf(err).Retryable() {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(errors.Timeout, "wait for device", ctx.Err())
		case <-time.After(redetectInterval):
		}
	}
}
