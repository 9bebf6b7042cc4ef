package driver

import (
	"time"

	"github.com/drender/drender/metrics"
)

// startSweeper runs the periodic completion sweep for one project. The
// goroutine posts each sweep onto the event loop and exits once the
// project is fully rendered and all of its machines are gone.
func (d *Driver) startSweeper(projectID string) {
	go func() {
		ticker := time.NewTicker(d.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-d.stop:
				return
			case <-ticker.C:
				finished := make(chan bool, 1)
				d.do(func() { finished <- d.sweep(projectID) })
				select {
				case done := <-finished:
					if done {
						d.log.Info("Project complete, sweeper exiting", "project", projectID)
						return
					}
				case <-d.stop:
					return
				}
			}
		}
	}()
}

// sweep terminates instances whose active jobs are all fully rendered.
// The pending-terminate queue keeps a machine from being terminated twice
// while a previous termination is still in flight. Returns true when the
// project is complete and no instance of it remains in the store.
func (d *Driver) sweep(projectID string) bool {
	candidates := d.state.InstancesWithAllJobsDone(projectID)
	if newIDs := d.state.TryQueueTerminate(candidates); len(newIDs) > 0 {
		d.log.Info("Sweeping finished instances", "project", projectID, "instances", newIDs)
		go d.watchTerminate(newIDs)
	}

	if !d.state.IsProjectComplete(projectID) {
		return false
	}
	for _, job := range d.state.AllJobs(projectID) {
		if job.InstanceID != "" && d.state.Instance(job.InstanceID) != nil {
			return false
		}
	}
	return true
}

// watchTerminate destroys machines through the resource manager and, on
// success, removes them from the store. On failure the pending entries are
// released so the next sweep or health event can retry.
func (d *Driver) watchTerminate(instanceIDs []string) {
	err := d.resources.Terminate(d.ctx, instanceIDs)

	d.do(func() {
		if err != nil {
			d.log.Error("Termination failed", "instances", instanceIDs, "error", err)
			for _, id := range instanceIDs {
				d.state.DequeueTerminate(id)
			}
			return
		}

		for _, id := range instanceIDs {
			if d.state.Instance(id) != nil {
				metrics.ActiveInstances.Dec()
			}
			d.state.RemoveInstance(id)
			d.state.DequeueTerminate(id)
			metrics.InstancesTerminated.Inc()
		}
	})
}
