package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ResourceManager adapts the machine and storage providers. Every call
// blocks and carries its own timeout; all but CheckHealth run on a
// semaphore-bounded pool slot. The driver invokes them from watch
// goroutines, never from the event loop. The manager holds no state beyond
// the provider handles.
type ResourceManager struct {
	machines MachineProvider
	storage  StorageProvider
	probe    HealthProbe

	spawnTimeout     time.Duration
	restartTimeout   time.Duration
	terminateTimeout time.Duration
	probeTimeout     time.Duration

	slots chan struct{}
	log   *slog.Logger
}

func newResourceManager(res Resources, config Config) *ResourceManager {
	return &ResourceManager{
		machines: res.Machines,
		storage:  res.Storage,
		probe:    res.Probe,

		spawnTimeout:     config.SpawnTimeout,
		restartTimeout:   config.RestartTimeout,
		terminateTimeout: config.TerminateTimeout,
		probeTimeout:     config.ProbeTimeout,

		slots: make(chan struct{}, config.WorkerPool),
		log:   config.Logger.With("component", "resources"),
	}
}

// acquire takes a pool slot, blocking until one frees up or ctx expires.
func (r *ResourceManager) acquire(ctx context.Context) (release func(), err error) {
	select {
	case r.slots <- struct{}{}:
		return func() { <-r.slots }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for worker pool slot: %w", ctx.Err())
	}
}

func (r *ResourceManager) Spawn(ctx context.Context, image string, count int) ([]Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, r.spawnTimeout)
	defer cancel()

	release, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	r.log.Info("Spawning machines", "image", image, "count", count)
	instances, err := r.machines.Spawn(ctx, image, count)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn %d machine(s) from image %s: %w", count, image, err)
	}
	return instances, nil
}

// Restart reboots the machine and health-verifies it with the probe,
// polling until the machine answers or the restart timeout elapses.
func (r *ResourceManager) Restart(ctx context.Context, instance Instance) error {
	ctx, cancel := context.WithTimeout(ctx, r.restartTimeout)
	defer cancel()

	release, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	r.log.Info("Restarting machine", "instance", instance.ID)
	if err := r.machines.Restart(ctx, instance.ID); err != nil {
		return fmt.Errorf("failed to restart machine %s: %w", instance.ID, err)
	}

	const retryInterval = 5 * time.Second
	for {
		probeCtx, probeCancel := context.WithTimeout(ctx, r.probeTimeout)
		err = r.probe.Check(probeCtx, instance)
		probeCancel()
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("machine %s did not come back after restart: %w", instance.ID, err)
		case <-time.After(retryInterval):
		}
	}
}

func (r *ResourceManager) Terminate(ctx context.Context, instanceIDs []string) error {
	ctx, cancel := context.WithTimeout(ctx, r.terminateTimeout)
	defer cancel()

	release, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	r.log.Info("Terminating machines", "instances", instanceIDs)
	if err := r.machines.Terminate(ctx, instanceIDs); err != nil {
		return fmt.Errorf("failed to terminate machines %v: %w", instanceIDs, err)
	}
	return nil
}

func (r *ResourceManager) CreateOutput(ctx context.Context, projectID string) (S3Source, error) {
	ctx, cancel := context.WithTimeout(ctx, r.spawnTimeout)
	defer cancel()

	release, err := r.acquire(ctx)
	if err != nil {
		return S3Source{}, err
	}
	defer release()

	r.log.Info("Creating output location", "project", projectID)
	src, err := r.storage.CreateOutput(ctx, projectID)
	if err != nil {
		return S3Source{}, fmt.Errorf("failed to create output location for project %s: %w", projectID, err)
	}
	return src, nil
}

func (r *ResourceManager) Exists(ctx context.Context, src S3Source) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	release, err := r.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	return r.storage.Exists(ctx, src)
}

// CheckHealth runs a single liveness probe with the configured timeout.
// Probes bypass the pool: they are cheap and must not starve behind
// minutes-long spawn calls.
func (r *ResourceManager) CheckHealth(ctx context.Context, instance Instance) error {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	return r.probe.Check(ctx, instance)
}
