package driver

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	ErrProjectExists  = errors.New("project already exists")
	ErrUnknownProject = errors.New("unknown project")
	ErrUnknownJob     = errors.New("unknown job")
	ErrBrokerMismatch = errors.New("broker coordinates already set to a different host")
)

// State is the sole authority for projects, jobs, instances, frame progress
// and pending-action queues. It is owned by the driver event loop and is
// deliberately not safe for concurrent use: every mutation happens on the
// loop goroutine.
type State struct {
	projects    map[string]*Project
	projectJobs map[string][]string // project id → job ids, creation order
	jobs        map[string]*Job
	frames      map[string]map[int]struct{} // job id → rendered frames
	instances   map[string]*Instance
	heartbeats  map[string]*heartbeat

	pendingSpawn     map[string]struct{}
	pendingRestart   map[string]struct{}
	pendingTerminate map[string]struct{}

	messageQ *MessageQ
}

func NewState() *State {
	return &State{
		projects:    make(map[string]*Project),
		projectJobs: make(map[string][]string),
		jobs:        make(map[string]*Job),
		frames:      make(map[string]map[int]struct{}),
		instances:   make(map[string]*Instance),
		heartbeats:  make(map[string]*heartbeat),

		pendingSpawn:     make(map[string]struct{}),
		pendingRestart:   make(map[string]struct{}),
		pendingTerminate: make(map[string]struct{}),
	}
}

// SetMessageQ fixes the broker coordinates. The first caller wins; a later
// call with a different host is rejected so that a misconfigured start
// fails fast instead of silently splitting the frame feed.
func (s *State) SetMessageQ(q MessageQ) error {
	if s.messageQ == nil {
		s.messageQ = &q
		return nil
	}
	if s.messageQ.Host != q.Host {
		return fmt.Errorf("%w: have %s, got %s", ErrBrokerMismatch, s.messageQ.Host, q.Host)
	}
	return nil
}

func (s *State) MessageQ() *MessageQ {
	return s.messageQ
}

func (s *State) AddProject(p *Project) error {
	if _, ok := s.projects[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrProjectExists, p.ID)
	}
	s.projects[p.ID] = p
	return nil
}

func (s *State) Project(projectID string) *Project {
	return s.projects[projectID]
}

// RemoveProject forgets a project and its jobs. Only used to roll back a
// failed start; a running project is never removed.
func (s *State) RemoveProject(projectID string) {
	for _, jobID := range s.projectJobs[projectID] {
		delete(s.jobs, jobID)
		delete(s.frames, jobID)
	}
	delete(s.projectJobs, projectID)
	delete(s.projects, projectID)
}

// AddJobs assigns each job a fresh id, marks it active and links it to the
// project. Job ids are globally unique and never reused.
func (s *State) AddJobs(jobs []*Job, projectID string) error {
	if _, ok := s.projects[projectID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
	}
	for _, job := range jobs {
		job.ID = uuid.NewString()
		job.ProjectID = projectID
		job.Active = true
		s.jobs[job.ID] = job
		s.projectJobs[projectID] = append(s.projectJobs[projectID], job.ID)
		s.frames[job.ID] = make(map[int]struct{})
	}
	return nil
}

func (s *State) Job(jobID string) *Job {
	return s.jobs[jobID]
}

func (s *State) BindInstance(jobID string, instance Instance) error {
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	job.InstanceID = instance.ID
	return nil
}

func (s *State) BindOutputURI(jobID string, uri S3Source) error {
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	job.OutputURI = &uri
	return nil
}

// DeactivateJob is idempotent and monotone: a deactivated job is never
// reactivated, and its frame progress is preserved for history.
func (s *State) DeactivateJob(jobID string) {
	if job, ok := s.jobs[jobID]; ok {
		job.Active = false
	}
}

// ActiveJobsOf returns the active jobs currently bound to the instance.
// The reverse index is computed on demand; the store never holds
// instance→jobs references.
func (s *State) ActiveJobsOf(instanceID string) []*Job {
	var jobs []*Job
	for _, projectID := range lo.Keys(s.projectJobs) {
		for _, jobID := range s.projectJobs[projectID] {
			job := s.jobs[jobID]
			if job.Active && job.InstanceID == instanceID {
				jobs = append(jobs, job)
			}
		}
	}
	return jobs
}

func (s *State) AllJobs(projectID string) []*Job {
	return lo.Map(s.projectJobs[projectID], func(jobID string, _ int) *Job {
		return s.jobs[jobID]
	})
}

func (s *State) AllJobIDs(projectID string) []string {
	return append([]string(nil), s.projectJobs[projectID]...)
}

// RecordFrame adds a frame index to the job's progress set. Idempotent;
// indices outside the job's range are ignored so the progress set stays a
// subset of [startFrame, endFrame]. Frames for deactivated jobs are still
// recorded: they count toward project completion even when the worker was
// superseded.
func (s *State) RecordFrame(jobID string, frame int) bool {
	job, ok := s.jobs[jobID]
	if !ok || !job.Covers(frame) {
		return false
	}
	s.frames[jobID][frame] = struct{}{}
	return true
}

func (s *State) FramesRendered(jobID string) map[int]struct{} {
	return s.frames[jobID]
}

func (s *State) FrameCount(jobID string) int {
	return len(s.frames[jobID])
}

// jobDone reports whether every frame of the job's range has been rendered.
func (s *State) jobDone(job *Job) bool {
	return len(s.frames[job.ID]) >= job.Frames()
}

// InstancesWithAllJobsDone returns the instances of a project for which
// every bound active job has full frame coverage.
func (s *State) InstancesWithAllJobsDone(projectID string) []string {
	done := make(map[string]bool)
	for _, jobID := range s.projectJobs[projectID] {
		job := s.jobs[jobID]
		if !job.Active || job.InstanceID == "" {
			continue
		}
		if _, ok := s.instances[job.InstanceID]; !ok {
			continue
		}
		if finished, seen := done[job.InstanceID]; !seen {
			done[job.InstanceID] = s.jobDone(job)
		} else if finished && !s.jobDone(job) {
			done[job.InstanceID] = false
		}
	}
	var ids []string
	for id, finished := range done {
		if finished {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsProjectComplete reports whether the union of rendered frames across all
// jobs of the project, active or not, covers the full project range.
func (s *State) IsProjectComplete(projectID string) bool {
	project, ok := s.projects[projectID]
	if !ok {
		return false
	}
	rendered := make(map[int]struct{}, project.Frames())
	for _, jobID := range s.projectJobs[projectID] {
		for frame := range s.frames[jobID] {
			rendered[frame] = struct{}{}
		}
	}
	for frame := project.StartFrame; frame <= project.EndFrame; frame++ {
		if _, ok := rendered[frame]; !ok {
			return false
		}
	}
	return true
}

func (s *State) AddInstance(instance Instance) {
	inst := instance
	s.instances[instance.ID] = &inst
}

func (s *State) Instance(instanceID string) *Instance {
	return s.instances[instanceID]
}

func (s *State) Instances() []*Instance {
	return lo.Values(s.instances)
}

// RemoveInstance forgets an instance and cancels its heartbeat timer. The
// timer is cancelled before the instance disappears from the store so no
// probe can fire for an unknown machine.
func (s *State) RemoveInstance(instanceID string) {
	if hb, ok := s.heartbeats[instanceID]; ok {
		hb.Cancel()
		delete(s.heartbeats, instanceID)
	}
	delete(s.instances, instanceID)
}

func (s *State) SetHeartbeat(instanceID string, hb *heartbeat) {
	if previous, ok := s.heartbeats[instanceID]; ok {
		previous.Cancel()
	}
	s.heartbeats[instanceID] = hb
}

func (s *State) Heartbeat(instanceID string) *heartbeat {
	return s.heartbeats[instanceID]
}

// Queueing primitives. Each returns true iff the id was newly added;
// membership signals an action already in flight for that instance.

func (s *State) TryQueueSpawn(instanceID string) bool {
	return tryQueue(s.pendingSpawn, instanceID)
}

func (s *State) TryQueueRestart(instanceID string) bool {
	return tryQueue(s.pendingRestart, instanceID)
}

// TryQueueTerminate returns the subset of ids that were newly queued.
func (s *State) TryQueueTerminate(instanceIDs []string) []string {
	return lo.Filter(instanceIDs, func(id string, _ int) bool {
		return tryQueue(s.pendingTerminate, id)
	})
}

func (s *State) DequeueSpawn(instanceID string) {
	delete(s.pendingSpawn, instanceID)
}

func (s *State) DequeueRestart(instanceID string) {
	delete(s.pendingRestart, instanceID)
}

func (s *State) DequeueTerminate(instanceID string) {
	delete(s.pendingTerminate, instanceID)
}

func (s *State) SpawnPending(instanceID string) bool {
	_, ok := s.pendingSpawn[instanceID]
	return ok
}

func (s *State) RestartPending(instanceID string) bool {
	_, ok := s.pendingRestart[instanceID]
	return ok
}

func (s *State) TerminatePending(instanceID string) bool {
	_, ok := s.pendingTerminate[instanceID]
	return ok
}

func tryQueue(set map[string]struct{}, id string) bool {
	if _, ok := set[id]; ok {
		return false
	}
	set[id] = struct{}{}
	return true
}
