package driver

import (
	"github.com/drender/drender/metrics"
)

// consumeFrames drains the frame feed for the driver's lifetime. Each
// record is verified against the object store off the loop, then recorded
// on it. Frames may arrive out of order and duplicated; the progress set
// absorbs both.
func (d *Driver) consumeFrames(frames <-chan JobFrame) {
	for frame := range frames {
		go d.watchFrame(frame)
	}
	d.log.Info("Frame feed closed")
}

// watchFrame confirms the reported object actually exists before the frame
// counts as rendered. A storage miss drops the record; the worker will
// retry the notification.
func (d *Driver) watchFrame(frame JobFrame) {
	exists, err := d.resources.Exists(d.ctx, frame.OutputURI)
	if err != nil {
		d.log.Error("Could not verify frame output", "job", frame.JobID, "uri", frame.OutputURI, "error", err)
		return
	}
	if !exists {
		d.log.Warn("Dropping frame report, object missing from store",
			"job", frame.JobID, "frame", frame.LastFrameRendered, "uri", frame.OutputURI)
		metrics.FramesRejected.Inc()
		return
	}

	d.do(func() { d.recordFrames(frame) })
}

// recordFrames applies a verified JobFrame on the event loop. A frame for
// a deactivated job is still recorded: it counts toward project completion
// even though the worker was superseded.
func (d *Driver) recordFrames(frame JobFrame) {
	if d.state.Job(frame.JobID) == nil {
		d.log.Warn("Dropping frame report for unknown job", "job", frame.JobID)
		return
	}

	indices := append([]int{frame.LastFrameRendered}, frame.FramesRendered...)
	for _, index := range indices {
		if d.state.RecordFrame(frame.JobID, index) {
			metrics.FramesRecorded.Inc()
		}
	}
}
