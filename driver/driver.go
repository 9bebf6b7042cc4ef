package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/drender/drender/metrics"
	"github.com/drender/drender/namegen"
	"github.com/samber/lo"
)

// FrameQueue is the broker queue carrying per-frame completion
// notifications from workers.
const FrameQueue = "drender.driver.frames"

var (
	ErrDriverStopped   = errors.New("driver is stopped")
	ErrUnknownSoftware = errors.New("no machine image for software")
	ErrInvalidRequest  = errors.New("invalid project request")
)

// Driver is the control plane entry point. It runs a single event-loop
// goroutine owning all domain state; blocking cloud work happens in watch
// goroutines through the ResourceManager and posts its results back onto
// the loop.
type Driver struct {
	name   namegen.ID
	config Config
	log    *slog.Logger

	resources  *ResourceManager
	feed       FrameFeed
	dispatcher JobDispatcher

	state *State

	deferred chan func()
	stop     chan any
	done     chan any
	stopOnce sync.Once

	// ctx is cancelled on shutdown and bounds all provider calls.
	ctx    context.Context
	cancel context.CancelFunc

	feedMu      sync.Mutex
	feedRunning bool
}

func New(res Resources, config Config) (*Driver, error) {
	config = config.withDefaults()
	if err := Validate(config); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		name:   namegen.Get(),
		config: config,
		log:    config.Logger.With("component", "driver"),

		resources:  newResourceManager(res, config),
		feed:       res.Feed,
		dispatcher: res.Dispatcher,

		state: NewState(),

		deferred: make(chan func()),
		stop:     make(chan any),
		done:     make(chan any),

		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Run executes the event loop until Shutdown is called. All state-store
// access happens here.
func (d *Driver) Run() {
	d.log.Info("Driver is running", "name", d.name)

	for {
		select {
		case f := <-d.deferred:
			f()

		case <-d.stop:
			d.log.Info("Driver is stopping")
			d.cancel()
			for _, instance := range d.state.Instances() {
				d.state.RemoveInstance(instance.ID)
			}
			close(d.done)
			return
		}
	}
}

func (d *Driver) Shutdown() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Wait blocks until the event loop has exited.
func (d *Driver) Wait() {
	<-d.done
}

// do posts a closure onto the event loop. Safe to call from any goroutine;
// closures are dropped once the driver is stopping.
func (d *Driver) do(f func()) {
	select {
	case d.deferred <- f:
	case <-d.stop:
	}
}

// after schedules a closure to run on the event loop after a delay.
func (d *Driver) after(delay time.Duration, f func()) {
	time.AfterFunc(delay, func() { d.do(f) })
}

// StartProject partitions the frame range into jobs, provisions one
// machine per job along with the output location, binds everything and
// starts monitoring. Rejected requests (invalid, unknown software, broker
// mismatch, duplicate id), feed subscription and provisioning failures
// surface to the caller; later failures are handled by recovery.
func (d *Driver) StartProject(ctx context.Context, req ProjectRequest) (*ProjectResponse, error) {
	type result struct {
		resp *ProjectResponse
		err  error
	}
	results := make(chan result, 1)

	d.do(func() {
		d.startProject(req, func(resp *ProjectResponse, err error) {
			results <- result{resp, err}
		})
	})

	select {
	case r := <-results:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.stop:
		return nil, ErrDriverStopped
	}
}

// Status returns a snapshot of the project, or an empty response when the
// id is unknown.
func (d *Driver) Status(ctx context.Context, projectID string) (*ProjectResponse, error) {
	results := make(chan *ProjectResponse, 1)

	d.do(func() {
		project := d.state.Project(projectID)
		if project == nil {
			results <- &ProjectResponse{}
			return
		}
		results <- d.buildStatus(project)
	})

	select {
	case resp := <-results:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.stop:
		return nil, ErrDriverStopped
	}
}

// HandleInstanceEvent routes an inbound instance control message.
func (d *Driver) HandleInstanceEvent(ctx context.Context, event InstanceHeartbeat) error {
	switch event.Action {
	case InstanceActionStartNewMachine:
		d.do(func() { d.onReplace(event.Instance) })
	case InstanceActionRestartMachine:
		d.do(func() { d.onUnhealthy(event.Instance) })
	case InstanceActionKillMachine:
		d.do(func() { d.onKill(event.Instance) })
	case InstanceActionHeartbeatCheck:
		go func() {
			if err := d.resources.CheckHealth(d.ctx, event.Instance); err != nil {
				d.do(func() { d.onUnhealthy(event.Instance) })
			}
		}()
	default:
		return fmt.Errorf("%w: unknown instance action %q", ErrInvalidRequest, event.Action)
	}
	return nil
}

// --- Project start ---

func (d *Driver) startProject(req ProjectRequest, reply func(*ProjectResponse, error)) {
	if req.FramesPerMachine == 0 {
		req.FramesPerMachine = DefaultFramesPerMachine
	}
	if err := validateRequest(req); err != nil {
		reply(nil, err)
		return
	}

	image, ok := d.config.Images[req.Software]
	if !ok {
		reply(nil, fmt.Errorf("%w: %s", ErrUnknownSoftware, req.Software))
		return
	}

	q := MessageQ{Host: req.PublicIP, QueueName: FrameQueue}
	if err := d.state.SetMessageQ(q); err != nil {
		reply(nil, err)
		return
	}

	project := &Project{
		ID:               req.ID,
		Source:           req.Source,
		StartFrame:       req.StartFrame,
		EndFrame:         req.EndFrame,
		FramesPerMachine: req.FramesPerMachine,
		Software:         req.Software,
		CreatedAt:        time.Now(),
	}
	if err := d.state.AddProject(project); err != nil {
		reply(nil, err)
		return
	}

	jobs := partitionJobs(project, d.state.MessageQ())
	if err := d.state.AddJobs(jobs, project.ID); err != nil {
		d.state.RemoveProject(project.ID)
		reply(nil, err)
		return
	}

	d.log.Info("Starting project", "project", project.ID, "jobs", len(jobs),
		"frames", project.Frames(), "software", project.Software)

	go d.watchProjectStart(project, image, jobs, *d.state.MessageQ(), reply)
}

func validateRequest(req ProjectRequest) error {
	switch {
	case req.ID == "":
		return fmt.Errorf("%w: missing project id", ErrInvalidRequest)
	case req.EndFrame < req.StartFrame:
		return fmt.Errorf("%w: endFrame %d before startFrame %d", ErrInvalidRequest, req.EndFrame, req.StartFrame)
	case req.FramesPerMachine < 1:
		return fmt.Errorf("%w: framesPerMachine must be at least 1", ErrInvalidRequest)
	case req.PublicIP == "":
		return fmt.Errorf("%w: missing broker host", ErrInvalidRequest)
	}
	return nil
}

// watchProjectStart performs the blocking half of a project start: frame
// feed subscription, machine spawn and output creation, the latter two in
// parallel. The outcome is posted back to the loop for binding.
func (d *Driver) watchProjectStart(project *Project, image string, jobs []*Job, q MessageQ, reply func(*ProjectResponse, error)) {
	if err := d.ensureFeed(q); err != nil {
		d.do(func() {
			d.state.RemoveProject(project.ID)
			reply(nil, fmt.Errorf("failed to subscribe to frame feed: %w", err))
		})
		return
	}

	var (
		wg        sync.WaitGroup
		instances []Instance
		output    S3Source
		spawnErr  error
		outputErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		instances, spawnErr = d.resources.Spawn(d.ctx, image, len(jobs))
	}()
	go func() {
		defer wg.Done()
		output, outputErr = d.resources.CreateOutput(d.ctx, project.ID)
	}()
	wg.Wait()

	d.do(func() { d.finishProjectStart(project, jobs, instances, output, spawnErr, outputErr, reply) })
}

func (d *Driver) finishProjectStart(project *Project, jobs []*Job, instances []Instance,
	output S3Source, spawnErr, outputErr error, reply func(*ProjectResponse, error)) {

	if err := errors.Join(spawnErr, outputErr); err != nil {
		d.log.Error("Could not create instances or output location", "project", project.ID, "error", err)
		// A half-provisioned start must not leak machines.
		if spawnErr == nil && len(instances) > 0 {
			ids := lo.Map(instances, func(i Instance, _ int) string { return i.ID })
			if newIDs := d.state.TryQueueTerminate(ids); len(newIDs) > 0 {
				go d.watchTerminate(newIDs)
			}
		}
		d.state.RemoveProject(project.ID)
		reply(nil, err)
		return
	}

	project.OutputURI = &output
	for i, job := range jobs {
		_ = d.state.BindInstance(job.ID, instances[i])
		_ = d.state.BindOutputURI(job.ID, output)
	}
	for _, instance := range instances {
		d.state.AddInstance(instance)
	}

	for _, job := range jobs {
		go d.watchDispatch(*job)
	}
	for _, instance := range instances {
		d.startHeartbeat(instance)
	}
	d.startSweeper(project.ID)

	metrics.InstancesSpawned.Add(float64(len(instances)))
	metrics.ActiveInstances.Add(float64(len(instances)))

	d.log.Info("Project started", "project", project.ID, "instances", len(instances), "output", output)
	reply(d.buildStatus(project), nil)
}

// ensureFeed subscribes to the frame queue exactly once per driver
// lifetime. Later starts reuse the running consumer.
func (d *Driver) ensureFeed(q MessageQ) error {
	d.feedMu.Lock()
	defer d.feedMu.Unlock()

	if d.feedRunning {
		return nil
	}
	frames, err := d.feed.Subscribe(d.ctx, q)
	if err != nil {
		return err
	}
	d.feedRunning = true
	go d.consumeFrames(frames)
	return nil
}

// watchDispatch sends the START message for one job to its worker. The
// dispatcher retries delivery; a final failure is only logged. The job is
// not dispatched again: the heartbeat checks machine liveness, not frame
// progress.
func (d *Driver) watchDispatch(job Job) {
	if err := d.dispatcher.Dispatch(d.ctx, &job); err != nil {
		d.log.Error("Could not start job", "job", job.ID, "instance", job.InstanceID, "error", err)
		return
	}
	d.log.Info("Started job", "job", job.ID, "frames",
		fmt.Sprintf("[%d..%d]", job.StartFrame, job.EndFrame), "instance", job.InstanceID)
}

func (d *Driver) buildStatus(project *Project) *ProjectResponse {
	resp := &ProjectResponse{
		ID:         project.ID,
		Source:     project.Source,
		StartFrame: project.StartFrame,
		EndFrame:   project.EndFrame,
		Software:   project.Software,
		OutputURI:  project.OutputURI,
		IsComplete: d.state.IsProjectComplete(project.ID),
	}
	for _, job := range d.state.AllJobs(project.ID) {
		entry := JobLog{
			ID:             job.ID,
			StartFrame:     job.StartFrame,
			EndFrame:       job.EndFrame,
			IsActive:       job.Active,
			FramesRendered: d.state.FrameCount(job.ID),
		}
		if instance := d.state.Instance(job.InstanceID); instance != nil {
			info := *instance
			entry.InstanceInfo = &info
		}
		resp.Log.Jobs = append(resp.Log.Jobs, entry)
	}
	return resp
}

// --- Recovery ---

// onUnhealthy is the soft recovery path: deactivate the instance's jobs,
// re-partition the unrendered frames, then restart the machine and resume
// on it. A failed restart escalates to a replacement spawn. The pending
// queues drop re-entrant unhealthy events while an action is in flight.
func (d *Driver) onUnhealthy(instance Instance) {
	if d.state.Instance(instance.ID) == nil {
		return
	}
	if d.state.TerminatePending(instance.ID) || d.state.SpawnPending(instance.ID) {
		return
	}
	if !d.state.TryQueueRestart(instance.ID) {
		return
	}

	residuals := d.transitionJobs(instance)
	if len(residuals) == 0 {
		// Every frame is already rendered; just reap the machine.
		d.state.DequeueRestart(instance.ID)
		if ids := d.state.TryQueueTerminate([]string{instance.ID}); len(ids) > 0 {
			go d.watchTerminate(ids)
		}
		return
	}

	d.log.Warn("Instance unhealthy, attempting restart", "instance", instance.ID, "residualJobs", len(residuals))
	go d.watchRestart(instance, residuals)
}

// onReplace is the hard recovery path: skip the restart attempt and spawn
// a fresh machine for the residual jobs right away.
func (d *Driver) onReplace(instance Instance) {
	if d.state.Instance(instance.ID) == nil {
		return
	}
	if d.state.TerminatePending(instance.ID) || d.state.RestartPending(instance.ID) {
		return
	}
	if !d.state.TryQueueSpawn(instance.ID) {
		return
	}

	residuals := d.transitionJobs(instance)
	if len(residuals) == 0 {
		d.state.DequeueSpawn(instance.ID)
		if ids := d.state.TryQueueTerminate([]string{instance.ID}); len(ids) > 0 {
			go d.watchTerminate(ids)
		}
		return
	}

	d.log.Warn("Replacing instance", "instance", instance.ID, "residualJobs", len(residuals))
	go d.watchReplacementSpawn(instance, d.imageForJobs(residuals), residuals)
}

// onKill handles an operator-initiated termination: residual work moves to
// a replacement machine, the killed machine is destroyed.
func (d *Driver) onKill(instance Instance) {
	var residuals []*Job
	if d.state.Instance(instance.ID) != nil {
		residuals = d.transitionJobs(instance)
	}
	if ids := d.state.TryQueueTerminate([]string{instance.ID}); len(ids) > 0 {
		go d.watchTerminate(ids)
	}
	if len(residuals) > 0 && d.state.TryQueueSpawn(instance.ID) {
		go d.watchReplacementSpawn(instance, d.imageForJobs(residuals), residuals)
	}
}

// transitionJobs deactivates the instance's active jobs, removes the
// instance (cancelling its heartbeat) and persists the residual sub-jobs
// covering the frames those jobs had not rendered. The deactivation
// strictly precedes the residual creation; a frame racing in for a
// deactivated job is still recorded against the original job id.
func (d *Driver) transitionJobs(instance Instance) []*Job {
	active := d.state.ActiveJobsOf(instance.ID)

	var residuals []*Job
	for _, job := range active {
		d.state.DeactivateJob(job.ID)
		residuals = append(residuals, residualJobs(job, d.state.FramesRendered(job.ID))...)
	}

	d.state.RemoveInstance(instance.ID)
	metrics.ActiveInstances.Dec()

	for projectID, group := range lo.GroupBy(residuals, func(j *Job) string { return j.ProjectID }) {
		_ = d.state.AddJobs(group, projectID)
	}
	if len(residuals) > 0 {
		metrics.RecoveryPartitions.Inc()
	}
	return residuals
}

func (d *Driver) imageForJobs(jobs []*Job) string {
	project := d.state.Project(jobs[0].ProjectID)
	return d.config.Images[project.Software]
}

func (d *Driver) watchRestart(instance Instance, residuals []*Job) {
	err := d.resources.Restart(d.ctx, instance)

	d.do(func() {
		d.state.DequeueRestart(instance.ID)
		if err != nil {
			d.log.Warn("Restart failed, escalating to replacement", "instance", instance.ID, "error", err)
			if d.state.TryQueueSpawn(instance.ID) {
				go d.watchReplacementSpawn(instance, d.imageForJobs(residuals), residuals)
			}
			return
		}

		metrics.InstancesRestarted.Inc()
		d.resumeOn(instance, residuals)
		d.log.Info("Instance restarted, jobs resumed", "instance", instance.ID, "jobs", len(residuals))
	})
}

func (d *Driver) watchReplacementSpawn(failed Instance, image string, residuals []*Job) {
	instances, err := d.resources.Spawn(d.ctx, image, 1)

	d.do(func() {
		if err != nil || len(instances) == 0 {
			d.log.Error("Replacement spawn failed, retrying after cooldown",
				"instance", failed.ID, "cooldown", d.config.SpawnRetryCooldown, "error", err)
			// The pending-spawn entry stays in place so no concurrent
			// recovery sneaks in before the retry.
			d.after(d.config.SpawnRetryCooldown, func() {
				go d.watchReplacementSpawn(failed, image, residuals)
			})
			return
		}

		d.state.DequeueSpawn(failed.ID)

		// The failed machine may still be running in the cloud; reap it.
		if ids := d.state.TryQueueTerminate([]string{failed.ID}); len(ids) > 0 {
			go d.watchTerminate(ids)
		}

		replacement := instances[0]
		metrics.InstancesSpawned.Inc()
		d.resumeOn(replacement, residuals)
		d.log.Info("Replacement machine online, jobs resumed",
			"failed", failed.ID, "replacement", replacement.ID, "jobs", len(residuals))
	})
}

// resumeOn binds residual jobs to a machine, dispatches them and arms the
// heartbeat. Runs on the event loop.
func (d *Driver) resumeOn(instance Instance, jobs []*Job) {
	d.state.AddInstance(instance)
	metrics.ActiveInstances.Inc()
	for _, job := range jobs {
		_ = d.state.BindInstance(job.ID, instance)
		go d.watchDispatch(*job)
	}
	d.startHeartbeat(instance)
}
