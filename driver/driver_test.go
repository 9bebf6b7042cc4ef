package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock machine provider ---

type mockMachines struct {
	mu           sync.Mutex
	nextID       int
	spawnCalls   int
	spawnErr     error
	restartCalls int
	restartErr   error
	restartBlock chan struct{}
	terminated   []string
}

func (m *mockMachines) Spawn(_ context.Context, image string, count int) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawnCalls++
	if m.spawnErr != nil {
		return nil, m.spawnErr
	}
	instances := make([]Instance, count)
	for i := range instances {
		m.nextID++
		instances[i] = Instance{
			ID:         fmt.Sprintf("i-%d", m.nextID),
			PublicIP:   fmt.Sprintf("10.0.0.%d", m.nextID),
			CloudImage: image,
			State:      "running",
		}
	}
	return instances, nil
}

func (m *mockMachines) Restart(ctx context.Context, _ string) error {
	m.mu.Lock()
	m.restartCalls++
	block, err := m.restartBlock, m.restartErr
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *mockMachines) Terminate(_ context.Context, instanceIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = append(m.terminated, instanceIDs...)
	return nil
}

func (m *mockMachines) terminatedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.terminated...)
}

func (m *mockMachines) stats() (spawns, restarts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spawnCalls, m.restartCalls
}

// --- Mock storage provider ---

type mockStorage struct {
	mu     sync.Mutex
	exists func(S3Source) bool
}

func (s *mockStorage) CreateOutput(_ context.Context, projectID string) (S3Source, error) {
	return S3Source{Bucket: "render", Key: projectID + "/output/"}, nil
}

func (s *mockStorage) Exists(_ context.Context, src S3Source) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exists == nil {
		return true, nil
	}
	return s.exists(src), nil
}

func (s *mockStorage) setExists(fn func(S3Source) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exists = fn
}

// --- Mock probe, feed, dispatcher ---

type mockProbe struct {
	mu        sync.Mutex
	unhealthy map[string]bool
}

func (p *mockProbe) Check(_ context.Context, instance Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unhealthy[instance.ID] {
		return errors.New("instance not responding")
	}
	return nil
}

func (p *mockProbe) setUnhealthy(instanceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unhealthy[instanceID] = true
}

type mockFeed struct {
	ch chan JobFrame
}

func (f *mockFeed) Subscribe(context.Context, MessageQ) (<-chan JobFrame, error) {
	return f.ch, nil
}

type mockDispatcher struct {
	mu   sync.Mutex
	jobs []Job
}

func (d *mockDispatcher) Dispatch(_ context.Context, job *Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, *job)
	return nil
}

func (d *mockDispatcher) dispatched() []Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Job(nil), d.jobs...)
}

// --- Harness ---

type harness struct {
	driver     *Driver
	machines   *mockMachines
	storage    *mockStorage
	probe      *mockProbe
	feed       *mockFeed
	dispatcher *mockDispatcher
}

func newTestHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		machines:   &mockMachines{},
		storage:    &mockStorage{},
		probe:      &mockProbe{unhealthy: map[string]bool{}},
		feed:       &mockFeed{ch: make(chan JobFrame, 64)},
		dispatcher: &mockDispatcher{},
	}

	config := Config{
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		Images:             map[string]string{"blender": "ami-blender"},
		HeartbeatInterval:  20 * time.Millisecond,
		ProbeTimeout:       100 * time.Millisecond,
		SweepInterval:      20 * time.Millisecond,
		SpawnTimeout:       2 * time.Second,
		RestartTimeout:     2 * time.Second,
		TerminateTimeout:   2 * time.Second,
		SpawnRetryCooldown: 50 * time.Millisecond,
		WorkerPool:         10,
	}

	driver, err := New(Resources{
		Machines:   h.machines,
		Storage:    h.storage,
		Probe:      h.probe,
		Feed:       h.feed,
		Dispatcher: h.dispatcher,
	}, config)
	require.NoError(t, err)
	h.driver = driver

	go driver.Run()
	t.Cleanup(func() {
		driver.Shutdown()
		driver.Wait()
	})
	return h
}

func (h *harness) start(t *testing.T, id string, startFrame, endFrame, perMachine int) *ProjectResponse {
	t.Helper()
	resp, err := h.driver.StartProject(context.Background(), ProjectRequest{
		ID:               id,
		Source:           S3Source{Bucket: "scenes", Key: "castle.blend"},
		StartFrame:       startFrame,
		EndFrame:         endFrame,
		FramesPerMachine: perMachine,
		Software:         "blender",
		PublicIP:         "10.0.0.1",
		Action:           ProjectActionStart,
	})
	require.NoError(t, err)
	return resp
}

func (h *harness) status(t *testing.T, projectID string) *ProjectResponse {
	t.Helper()
	resp, err := h.driver.Status(context.Background(), projectID)
	require.NoError(t, err)
	return resp
}

// emitFrame reports one rendered frame for a job through the feed.
func (h *harness) emitFrame(jobID string, frame int, projectID string) {
	h.feed.ch <- JobFrame{
		JobID:             jobID,
		LastFrameRendered: frame,
		OutputURI:         S3Source{Bucket: "render", Key: fmt.Sprintf("%s/output/frame-%04d.png", projectID, frame)},
	}
}

func jobCovering(resp *ProjectResponse, frame int) (JobLog, bool) {
	for _, job := range resp.Log.Jobs {
		if job.IsActive && frame >= job.StartFrame && frame <= job.EndFrame {
			return job, true
		}
	}
	return JobLog{}, false
}

// --- Scenarios ---

func TestStartProjectHappyPath(t *testing.T) {
	h := newTestHarness(t)

	resp := h.start(t, "p1", 1, 5, 2)
	require.Len(t, resp.Log.Jobs, 3)
	assert.False(t, resp.IsComplete)
	require.NotNil(t, resp.OutputURI)
	assert.Equal(t, "p1/output/", resp.OutputURI.Key)

	// One machine per job, bound pairwise.
	instances := map[string]bool{}
	for _, job := range resp.Log.Jobs {
		require.NotNil(t, job.InstanceInfo)
		instances[job.InstanceInfo.ID] = true
	}
	assert.Len(t, instances, 3)

	require.Eventually(t, func() bool {
		return len(h.dispatcher.dispatched()) == 3
	}, 2*time.Second, 10*time.Millisecond, "every job gets a START dispatch")

	// Workers report all frames.
	for frame := 1; frame <= 5; frame++ {
		job, ok := jobCovering(resp, frame)
		require.True(t, ok)
		h.emitFrame(job.ID, frame, "p1")
	}

	require.Eventually(t, func() bool {
		return h.status(t, "p1").IsComplete
	}, 2*time.Second, 10*time.Millisecond)

	// The sweeper reaps all three machines.
	require.Eventually(t, func() bool {
		return len(h.machines.terminatedIDs()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return lo.EveryBy(h.status(t, "p1").Log.Jobs, func(job JobLog) bool {
			return job.InstanceInfo == nil
		})
	}, 2*time.Second, 10*time.Millisecond, "terminated instances leave the store")
}

func TestStartProjectValidation(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.driver.StartProject(context.Background(), ProjectRequest{
		ID: "p1", StartFrame: 10, EndFrame: 5, FramesPerMachine: 2,
		Software: "blender", PublicIP: "10.0.0.1",
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.driver.StartProject(context.Background(), ProjectRequest{
		ID: "p1", StartFrame: 1, EndFrame: 5, FramesPerMachine: -3,
		Software: "blender", PublicIP: "10.0.0.1",
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.driver.StartProject(context.Background(), ProjectRequest{
		ID: "p1", StartFrame: 1, EndFrame: 5, FramesPerMachine: 2,
		Software: "houdini", PublicIP: "10.0.0.1",
	})
	assert.ErrorIs(t, err, ErrUnknownSoftware)
}

func TestStartProjectRejectsDuplicateAndForeignBroker(t *testing.T) {
	h := newTestHarness(t)
	h.start(t, "p1", 1, 2, 2)

	_, err := h.driver.StartProject(context.Background(), ProjectRequest{
		ID: "p1", Source: S3Source{Bucket: "scenes", Key: "x"}, StartFrame: 1, EndFrame: 2,
		FramesPerMachine: 2, Software: "blender", PublicIP: "10.0.0.1",
	})
	assert.ErrorIs(t, err, ErrProjectExists)

	_, err = h.driver.StartProject(context.Background(), ProjectRequest{
		ID: "p2", Source: S3Source{Bucket: "scenes", Key: "x"}, StartFrame: 1, EndFrame: 2,
		FramesPerMachine: 2, Software: "blender", PublicIP: "10.9.9.9",
	})
	assert.ErrorIs(t, err, ErrBrokerMismatch)
}

func TestStartProjectSpawnFailureFailsStart(t *testing.T) {
	h := newTestHarness(t)
	h.machines.mu.Lock()
	h.machines.spawnErr = errors.New("quota exceeded")
	h.machines.mu.Unlock()

	_, err := h.driver.StartProject(context.Background(), ProjectRequest{
		ID: "p1", Source: S3Source{Bucket: "scenes", Key: "x"}, StartFrame: 1, EndFrame: 5,
		FramesPerMachine: 2, Software: "blender", PublicIP: "10.0.0.1",
	})
	require.Error(t, err)

	// The failed start leaves no trace.
	assert.Empty(t, h.status(t, "p1").ID)
}

func TestStatusUnknownProjectIsEmpty(t *testing.T) {
	h := newTestHarness(t)
	resp := h.status(t, "ghost")
	assert.Empty(t, resp.ID)
	assert.Empty(t, resp.Log.Jobs)
}

// Mid-job crash: the machine dies with frames {1,2,3,5} of [1..10] done,
// the restart fails, and a replacement receives the two residual sub-jobs.
func TestRecoveryEscalatesToReplacement(t *testing.T) {
	h := newTestHarness(t)
	h.machines.mu.Lock()
	h.machines.restartErr = errors.New("reboot refused")
	h.machines.mu.Unlock()

	resp := h.start(t, "p1", 1, 10, 10)
	require.Len(t, resp.Log.Jobs, 1)
	original := resp.Log.Jobs[0]
	failed := original.InstanceInfo.ID

	for _, frame := range []int{1, 2, 3, 5} {
		h.emitFrame(original.ID, frame, "p1")
	}
	require.Eventually(t, func() bool {
		return h.status(t, "p1").Log.Jobs[0].FramesRendered == 4
	}, 2*time.Second, 10*time.Millisecond)

	h.probe.setUnhealthy(failed)

	// Residual partition: [4..4] and [6..10], both on one new machine.
	require.Eventually(t, func() bool {
		status := h.status(t, "p1")
		actives := lo.Filter(status.Log.Jobs, func(job JobLog, _ int) bool { return job.IsActive })
		if len(status.Log.Jobs) != 3 || len(actives) != 2 {
			return false
		}
		return lo.EveryBy(actives, func(job JobLog) bool {
			return job.InstanceInfo != nil && job.InstanceInfo.ID != failed
		})
	}, 2*time.Second, 10*time.Millisecond)

	status := h.status(t, "p1")
	actives := lo.Filter(status.Log.Jobs, func(job JobLog, _ int) bool { return job.IsActive })
	assert.Equal(t, 4, actives[0].StartFrame)
	assert.Equal(t, 4, actives[0].EndFrame)
	assert.Equal(t, 6, actives[1].StartFrame)
	assert.Equal(t, 10, actives[1].EndFrame)
	assert.Equal(t, actives[0].InstanceInfo.ID, actives[1].InstanceInfo.ID,
		"residual sub-jobs share the replacement machine")

	spawns, restarts := h.machines.stats()
	assert.Equal(t, 2, spawns, "initial fleet plus one replacement")
	assert.Equal(t, 1, restarts)

	// Finish the residual work; the project completes.
	h.emitFrame(actives[0].ID, 4, "p1")
	for frame := 6; frame <= 10; frame++ {
		h.emitFrame(actives[1].ID, frame, "p1")
	}
	require.Eventually(t, func() bool {
		return h.status(t, "p1").IsComplete
	}, 2*time.Second, 10*time.Millisecond)
}

// Soft recovery: the restart succeeds and the residual job resumes on the
// same machine. Duplicate unhealthy events while the restart is in flight
// are dropped.
func TestRecoveryRestartResumesOnSameMachine(t *testing.T) {
	h := newTestHarness(t)
	block := make(chan struct{})
	h.machines.mu.Lock()
	h.machines.restartBlock = block
	h.machines.mu.Unlock()

	resp := h.start(t, "p1", 1, 4, 4)
	instance := resp.Log.Jobs[0].InstanceInfo
	require.NotNil(t, instance)

	for i := 0; i < 2; i++ {
		require.NoError(t, h.driver.HandleInstanceEvent(context.Background(), InstanceHeartbeat{
			Instance: *instance,
			Action:   InstanceActionRestartMachine,
		}))
	}

	require.Eventually(t, func() bool {
		_, restarts := h.machines.stats()
		return restarts == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	_, restarts := h.machines.stats()
	assert.Equal(t, 1, restarts, "re-entrant unhealthy events are dropped while the restart is in flight")

	close(block)

	require.Eventually(t, func() bool {
		status := h.status(t, "p1")
		actives := lo.Filter(status.Log.Jobs, func(job JobLog, _ int) bool { return job.IsActive })
		return len(actives) == 1 && actives[0].InstanceInfo != nil &&
			actives[0].InstanceInfo.ID == instance.ID &&
			actives[0].StartFrame == 1 && actives[0].EndFrame == 4
	}, 2*time.Second, 10*time.Millisecond, "residual job resumes on the restarted machine")

	spawns, _ := h.machines.stats()
	assert.Equal(t, 1, spawns, "no replacement was spawned")
}

// A frame notification for a deactivated job is still recorded and counts
// toward completion.
func TestStaleFrameForDeactivatedJobCounts(t *testing.T) {
	h := newTestHarness(t)
	h.machines.mu.Lock()
	h.machines.restartErr = errors.New("reboot refused")
	h.machines.mu.Unlock()

	resp := h.start(t, "p1", 1, 3, 3)
	original := resp.Log.Jobs[0]

	h.emitFrame(original.ID, 1, "p1")
	require.Eventually(t, func() bool {
		return h.status(t, "p1").Log.Jobs[0].FramesRendered == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.probe.setUnhealthy(original.InstanceInfo.ID)
	require.Eventually(t, func() bool {
		return len(h.status(t, "p1").Log.Jobs) > 1
	}, 2*time.Second, 10*time.Millisecond)

	// The superseded worker still manages to report the rest.
	h.emitFrame(original.ID, 2, "p1")
	h.emitFrame(original.ID, 3, "p1")

	require.Eventually(t, func() bool {
		return h.status(t, "p1").IsComplete
	}, 2*time.Second, 10*time.Millisecond)
}

// A reported frame whose object is missing from the store is dropped.
func TestStorageMissDropsFrame(t *testing.T) {
	h := newTestHarness(t)
	h.storage.setExists(func(S3Source) bool { return false })

	resp := h.start(t, "p1", 1, 2, 2)
	job := resp.Log.Jobs[0]

	h.emitFrame(job.ID, 1, "p1")
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, 0, h.status(t, "p1").Log.Jobs[0].FramesRendered)
	assert.False(t, h.status(t, "p1").IsComplete)
}

func TestKillMachineMovesWorkAndTerminates(t *testing.T) {
	h := newTestHarness(t)

	resp := h.start(t, "p1", 1, 4, 4)
	instance := resp.Log.Jobs[0].InstanceInfo
	require.NotNil(t, instance)

	require.NoError(t, h.driver.HandleInstanceEvent(context.Background(), InstanceHeartbeat{
		Instance: *instance,
		Action:   InstanceActionKillMachine,
	}))

	require.Eventually(t, func() bool {
		return lo.Contains(h.machines.terminatedIDs(), instance.ID)
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		status := h.status(t, "p1")
		actives := lo.Filter(status.Log.Jobs, func(job JobLog, _ int) bool { return job.IsActive })
		return len(actives) == 1 && actives[0].InstanceInfo != nil && actives[0].InstanceInfo.ID != instance.ID
	}, 2*time.Second, 10*time.Millisecond, "unfinished frames move to a replacement machine")
}
