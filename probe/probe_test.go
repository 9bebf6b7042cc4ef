package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drender/drender/driver"
)

// newTestProbe points the probe at a local HTTP server standing in for the
// render agent.
func newTestProbe(t *testing.T, handler http.HandlerFunc) (*HTTP, driver.Instance) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	host, portString, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portString)
	require.NoError(t, err)

	probe := NewHTTP()
	probe.Port = port
	return probe, driver.Instance{ID: "i-1", PublicIP: host}
}

func TestCheckHealthy(t *testing.T) {
	probe, instance := newTestProbe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultPath, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	assert.NoError(t, probe.Check(context.Background(), instance))
}

func TestCheckUnhealthyStatus(t *testing.T) {
	probe, instance := newTestProbe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := probe.Check(context.Background(), instance)
	assert.ErrorContains(t, err, "status 500")
}

func TestCheckTimesOut(t *testing.T) {
	probe, instance := newTestProbe(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.Error(t, probe.Check(ctx, instance))
}

func TestCheckUnreachable(t *testing.T) {
	probe := NewHTTP()
	probe.Port = 1 // nothing listens there

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := probe.Check(ctx, driver.Instance{ID: "i-1", PublicIP: "127.0.0.1"})
	assert.ErrorContains(t, err, "unreachable")
}
