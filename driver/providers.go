package driver

import "context"

// MachineProvider abstracts the cloud compute API. Implementations live in
// cloud/aws, cloud/openstack and cloud/local; all calls may block for
// minutes and are only ever invoked through the ResourceManager pool.
type MachineProvider interface {
	// Spawn starts count machines from the given image and returns them
	// once they are running and addressable.
	Spawn(ctx context.Context, image string, count int) ([]Instance, error)
	// Restart reboots a single machine. It returns once the reboot has been
	// requested; health verification is the caller's concern.
	Restart(ctx context.Context, instanceID string) error
	// Terminate destroys the given machines, awaiting provider ack.
	Terminate(ctx context.Context, instanceIDs []string) error
}

// StorageProvider abstracts the object store holding rendered frames.
type StorageProvider interface {
	// CreateOutput provisions the output location for a project and returns
	// its address. Idempotent per project id; layout is <projectID>/output/.
	CreateOutput(ctx context.Context, projectID string) (S3Source, error)
	// Exists reports whether the addressed object has been written.
	Exists(ctx context.Context, src S3Source) (bool, error)
}

// HealthProbe checks worker liveness. The default implementation performs
// GET /nodeStatus against port 8080 of the instance's public IP.
type HealthProbe interface {
	Check(ctx context.Context, instance Instance) error
}

// FrameFeed is the worker→driver reverse channel. Subscribe attaches to the
// frame queue at the given coordinates and produces JobFrame records until
// ctx is cancelled; the returned channel is closed when the feed ends.
type FrameFeed interface {
	Subscribe(ctx context.Context, q MessageQ) (<-chan JobFrame, error)
}

// JobDispatcher delivers a START message to the worker assigned to a job.
// Implementations are expected to retry delivery; there is no readiness
// barrier between machine spawn and the first dispatch.
type JobDispatcher interface {
	Dispatch(ctx context.Context, job *Job) error
}

// Resources bundles the external collaborators handed to New.
type Resources struct {
	Machines   MachineProvider
	Storage    StorageProvider
	Probe      HealthProbe
	Feed       FrameFeed
	Dispatcher JobDispatcher
}
