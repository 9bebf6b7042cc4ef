// Package metrics exposes the control plane's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drender_frames_recorded_total",
		Help: "Frames confirmed rendered and recorded against a job.",
	})
	FramesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drender_frames_rejected_total",
		Help: "Frame reports dropped because the object was missing from storage.",
	})
	InstancesSpawned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drender_instances_spawned_total",
		Help: "Worker machines spawned, including replacements.",
	})
	InstancesRestarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drender_instances_restarted_total",
		Help: "Worker machines successfully restarted after a failed health check.",
	})
	InstancesTerminated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drender_instances_terminated_total",
		Help: "Worker machines terminated.",
	})
	RecoveryPartitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drender_recovery_partitions_total",
		Help: "Residual re-partitions performed while recovering failed machines.",
	})
	ActiveInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drender_active_instances",
		Help: "Worker machines currently tracked by the driver.",
	})
)
