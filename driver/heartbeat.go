package driver

import (
	"sync"
	"time"
)

// heartbeat is the cancellable periodic liveness check of one instance.
// The probing goroutine runs off the event loop; only the unhealthy
// verdict is posted back to it.
type heartbeat struct {
	instance Instance
	stop     chan any
	once     sync.Once
}

func newHeartbeat(instance Instance) *heartbeat {
	return &heartbeat{
		instance: instance,
		stop:     make(chan any),
	}
}

// Cancel stops the heartbeat. Idempotent.
func (hb *heartbeat) Cancel() {
	hb.once.Do(func() { close(hb.stop) })
}

// startHeartbeat arms the periodic probe for an instance and registers the
// handle in the store. Runs on the event loop.
func (d *Driver) startHeartbeat(instance Instance) {
	hb := newHeartbeat(instance)
	d.state.SetHeartbeat(instance.ID, hb)
	go d.runHeartbeat(hb)
}

func (d *Driver) runHeartbeat(hb *heartbeat) {
	ticker := time.NewTicker(d.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-hb.stop:
			return
		case <-d.stop:
			return
		case <-ticker.C:
			if err := d.resources.CheckHealth(d.ctx, hb.instance); err != nil {
				d.log.Warn("Instance failed health check", "instance", hb.instance.ID, "error", err)
				d.do(func() { d.onUnhealthy(hb.instance) })
			}
		}
	}
}
