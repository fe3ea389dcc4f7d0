// Package station wires the provisioning components into the daemon:
// the device registry, the deployment engine, the REST API and the
// MQTT event bridge.
package station

import (
	"context"

	"github.com/edgeforge-io/edgeforge/internal/device"
	"github.com/edgeforge-io/edgeforge/internal/history"
	"github.com/edgeforge-io/edgeforge/pkg/log"
	"github.com/edgeforge-io/edgeforge/pkg/mqtt"
)

// Station is the assembled daemon.
type Station struct {
	registry *device.Registry
	history  *history.Repository
	mqtt     mqtt.Client // nil when the event bridge is disabled
	server   *Server
}

// Run serves until ctx is cancelled, then releases every resource.
func (s *Station) Run(ctx context.Context) error {
	if s.mqtt != nil {
		if err := s.mqtt.Start(ctx); err != nil {
			return err
		}
		defer s.mqtt.Disconnect(context.Background())
	}

	// Descriptor hot reload; exits with ctx.
	go func() {
		if err := s.registry.Watch(ctx); err != nil {
			log.Error(err, "descriptor watch stopped")
		}
	}()

	defer s.history.Close()

	return s.server.Start(ctx)
}
