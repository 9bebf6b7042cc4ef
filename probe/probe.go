// Package probe implements the worker liveness check: an HTTP GET against
// the render agent's status endpoint.
package probe

import (
	"context"
	"fmt"
	"net/http"

	"github.com/drender/drender/driver"
)

const (
	DefaultPort = 8080
	DefaultPath = "/nodeStatus"
)

type HTTP struct {
	Port   int
	Path   string
	Client *http.Client
}

// HTTP implements driver.HealthProbe
var _ driver.HealthProbe = (*HTTP)(nil)

func NewHTTP() *HTTP {
	return &HTTP{
		Port:   DefaultPort,
		Path:   DefaultPath,
		Client: http.DefaultClient,
	}
}

// Check succeeds iff the agent answers with a 2xx within the deadline
// carried by ctx.
func (p *HTTP) Check(ctx context.Context, instance driver.Instance) error {
	url := fmt.Sprintf("http://%s:%d%s", instance.PublicIP, p.Port, p.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request for %s: %w", instance.ID, err)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("instance %s is unreachable: %w", instance.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("instance %s reported status %d", instance.ID, resp.StatusCode)
	}
	return nil
}
