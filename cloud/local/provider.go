// Package local provides a machine provider that fakes worker machines on
// the loopback interface. Useful for development against a locally running
// render agent and broker.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/drender/drender/driver"
)

type Provider struct {
	log *slog.Logger

	mu         sync.Mutex
	nextNumber int
}

// Provider implements driver.MachineProvider
var _ driver.MachineProvider = (*Provider)(nil)

func New(logger *slog.Logger) *Provider {
	return &Provider{log: logger}
}

func (p *Provider) Spawn(ctx context.Context, image string, count int) ([]driver.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	instances := make([]driver.Instance, count)
	for i := range instances {
		p.nextNumber++
		instances[i] = driver.Instance{
			ID:         fmt.Sprintf("local-%d", p.nextNumber),
			PublicIP:   "127.0.0.1",
			CloudImage: image,
			State:      "running",
		}
	}
	p.log.Info("Spawned local machines", "count", count)
	return instances, nil
}

func (p *Provider) Restart(ctx context.Context, instanceID string) error {
	p.log.Info("Restarted local machine", "instance", instanceID)
	return nil
}

func (p *Provider) Terminate(ctx context.Context, instanceIDs []string) error {
	p.log.Info("Terminated local machines", "instances", instanceIDs)
	return nil
}
