package openstack

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"

	"github.com/drender/drender/driver"
	"github.com/drender/drender/namegen"
)

// Provider runs worker machines on an OpenStack compute service. Machine
// images are expected to boot straight into the render agent; the control
// plane never logs into them.
type Provider struct {
	name   namegen.ID
	config Config
	client *gophercloud.ServiceClient
	log    *slog.Logger
}

// Provider implements driver.MachineProvider
var _ driver.MachineProvider = (*Provider)(nil)

func New(config Config) (*Provider, error) {
	opts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth options from env: %w", err)
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}

	client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{
		Region: os.Getenv("OS_REGION_NAME"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}

	return &Provider{
		name:   namegen.Get(),
		config: config,
		client: client,
		log:    config.Logger,
	}, nil
}

func (p *Provider) Spawn(ctx context.Context, image string, count int) ([]driver.Instance, error) {
	instances := make([]driver.Instance, 0, count)
	for i := 0; i < count; i++ {
		instance, err := p.spawnOne(ctx, image)
		if err != nil {
			return instances, err
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (p *Provider) spawnOne(ctx context.Context, image string) (driver.Instance, error) {
	name := fmt.Sprintf("drender-%s", namegen.Get())

	server, err := servers.Create(p.client, servers.CreateOpts{
		Name:           name,
		ImageRef:       image,
		FlavorRef:      p.config.Flavor,
		Networks:       p.config.Networks,
		SecurityGroups: p.config.SecurityGroups,
		Metadata: map[string]string{
			"drender-driver":         p.name.String(),
			"drender-provisioned-at": time.Now().Format(time.RFC3339),
		},
	}).Extract()
	if err != nil {
		return driver.Instance{}, fmt.Errorf("failed to create server '%s': %w", name, err)
	}

	p.log.Debug("Created server, waiting for it to become ready", "server", name)
	if err := servers.WaitForStatus(p.client, server.ID, "ACTIVE", 120); err != nil {
		return driver.Instance{}, fmt.Errorf("failed while waiting for server '%s' to become ready: %w", name, err)
	}

	address, err := p.ipv4Address(server.ID)
	if err != nil {
		return driver.Instance{}, err
	}

	return driver.Instance{
		ID:         server.ID,
		PublicIP:   address,
		CloudImage: image,
		State:      "ACTIVE",
	}, nil
}

func (p *Provider) ipv4Address(serverID string) (string, error) {
	pages, err := servers.ListAddresses(p.client, serverID).AllPages()
	if err != nil {
		return "", fmt.Errorf("failed to get server addresses for '%s': %w", serverID, err)
	}

	allAddresses, err := servers.ExtractAddresses(pages)
	if err != nil {
		return "", fmt.Errorf("failed to extract server addresses for '%s': %w", serverID, err)
	}

	for _, addresses := range allAddresses {
		for _, address := range addresses {
			if address.Version == 4 {
				return address.Address, nil
			}
		}
	}
	return "", fmt.Errorf("failed to find IPv4 address for server '%s'", serverID)
}

func (p *Provider) Restart(ctx context.Context, instanceID string) error {
	err := servers.Reboot(p.client, instanceID, servers.RebootOpts{Type: servers.SoftReboot}).ExtractErr()
	if err != nil {
		return fmt.Errorf("failed to reboot server '%s': %w", instanceID, err)
	}
	return nil
}

func (p *Provider) Terminate(ctx context.Context, instanceIDs []string) error {
	for _, id := range instanceIDs {
		if err := servers.Delete(p.client, id).ExtractErr(); err != nil {
			return fmt.Errorf("failed to delete server '%s': %w", id, err)
		}
	}
	return nil
}
