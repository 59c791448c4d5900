// Package training implements the Distributed Training Coordinator (C6):
// agent registration, per-job agent selection and topology assignment, and
// a coordination FSM driving initializing → coordinating → training →
// checkpointing → … → finalizing → completed, per §4.6 (the synchronizing
// status is declared but the run loop does not enter it).
package training

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/operators"
	"github.com/flowforge/orchestrator/internal/platform/logger"
)

// Like internal/pipeline, the coordination run loop is a single-goroutine
// sequential method rather than an internal/fsm.Interpreter: epochs
// advance strictly in order and the only external re-entrant events
// (PauseTraining/ResumeTraining/CancelTraining) are plain method calls
// against job state, not FSM-dispatched events. See DESIGN.md.

// Topology names the §4.6 communication pattern chosen by agent count.
type Topology string

const (
	TopologyParameterServer Topology = "parameter_server"
	TopologyAllReduceRing   Topology = "all_reduce_ring"
	TopologyHierarchical    Topology = "hierarchical_tree"
)

// AgentStatus tracks one registered agent's availability.
type AgentStatus string

const (
	AgentIdle   AgentStatus = "idle"
	AgentActive AgentStatus = "active"
	AgentFailed AgentStatus = "failed"
)

// AgentRecord is what the coordinator tracks for one registered agent.
type AgentRecord struct {
	ID            string
	Agent         operators.TrainingAgent
	Resources     domain.ResourceRequirements
	Status        AgentStatus
	LastHeartbeat time.Time
	PastJobsCount int
	SuccessRate   float64
	CurrentJobID  string
}

// JobStatus mirrors the §4.6 coordination FSM's state names.
type JobStatus string

const (
	JobInitializing  JobStatus = "initializing"
	JobCoordinating  JobStatus = "coordinating"
	JobTraining      JobStatus = "training"
	JobSynchronizing JobStatus = "synchronizing"
	JobCheckpointing JobStatus = "checkpointing"
	JobFinalizing    JobStatus = "finalizing"
	JobCompleted     JobStatus = "completed"
	JobRecovery      JobStatus = "recovery"
	JobPaused        JobStatus = "paused"
	JobFailed        JobStatus = "failed"
)

// EpochResult is one aggregated epoch's outcome.
type EpochResult struct {
	Epoch      int
	Loss       float64
	Accuracy   float64
	Throughput float64
}

// Job is one distributed training run.
type Job struct {
	ID                 string
	Config             domain.TrainingConfig
	Status             JobStatus
	Topology           Topology
	AgentIDs           []string
	MasterID           string
	Epochs             []EpochResult
	LastCheckpointAt   time.Time
	LastCheckpointData map[string][]byte // agent id -> checkpoint blob
	mu                 sync.Mutex
	pendingFailure     string // agent id detected failed by SweepHeartbeats, awaiting recovery
}

// takePendingFailure returns and clears any agent ID that SweepHeartbeats
// flagged as failed since the run loop last checked, or "" if none.
func (job *Job) takePendingFailure() string {
	job.mu.Lock()
	defer job.mu.Unlock()
	id := job.pendingFailure
	job.pendingFailure = ""
	return id
}

// Coordinator is the C6 accessor.
type Coordinator struct {
	log *logger.Logger
	bus *eventbus.Bus

	mu     sync.Mutex
	agents map[string]*AgentRecord
	jobs   map[string]*Job
}

func New(bus *eventbus.Bus, baseLog *logger.Logger) *Coordinator {
	return &Coordinator{
		log:    baseLog.With("component", "training"),
		bus:    bus,
		agents: make(map[string]*AgentRecord),
		jobs:   make(map[string]*Job),
	}
}

// RegisterAgent adds agent to the idle pool under id, tracked with its
// declared resources and a fresh heartbeat.
func (c *Coordinator) RegisterAgent(id string, agent operators.TrainingAgent, resources domain.ResourceRequirements) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[id] = &AgentRecord{
		ID:            id,
		Agent:         agent,
		Resources:     resources,
		Status:        AgentIdle,
		LastHeartbeat: time.Now(),
		SuccessRate:   1.0,
	}
}

// UnregisterAgent removes an agent from the pool. It is an error to
// unregister an agent that is currently assigned to a job.
func (c *Coordinator) UnregisterAgent(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.agents[id]
	if !ok {
		return fmt.Errorf("unregister agent %q: not found", id)
	}
	if rec.Status == AgentActive {
		return fmt.Errorf("unregister agent %q: currently assigned to job %q", id, rec.CurrentJobID)
	}
	delete(c.agents, id)
	return nil
}

// Heartbeat records a liveness ping from agent id.
func (c *Coordinator) Heartbeat(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.agents[id]; ok {
		rec.LastHeartbeat = time.Now()
	}
}

// SweepHeartbeats marks any agent whose last heartbeat is older than
// 2*heartbeatInterval as failed. For each such agent still assigned to a
// running job, it records the failure on that job (consumed by the job's
// own run loop at its next epoch boundary, the same way a synchronous
// RunStep error drives recover()) and publishes training:agent_failed for
// observability, per §4.6 / spec.md §8 S6.
func (c *Coordinator) SweepHeartbeats(heartbeatInterval time.Duration) []string {
	cutoff := time.Now().Add(-2 * heartbeatInterval)
	var failedJobIDs []string

	c.mu.Lock()
	var justFailed []*AgentRecord
	for _, rec := range c.agents {
		if rec.Status == AgentFailed {
			continue
		}
		if rec.LastHeartbeat.Before(cutoff) {
			rec.Status = AgentFailed
			justFailed = append(justFailed, rec)
		}
	}
	c.mu.Unlock()

	for _, rec := range justFailed {
		if rec.CurrentJobID == "" {
			continue
		}
		failedJobIDs = append(failedJobIDs, rec.CurrentJobID)

		c.mu.Lock()
		job, ok := c.jobs[rec.CurrentJobID]
		c.mu.Unlock()
		if ok {
			job.mu.Lock()
			if job.pendingFailure == "" {
				job.pendingFailure = rec.ID
			}
			job.mu.Unlock()
		}

		c.publish(rec.CurrentJobID, "training:agent_failed", rec.ID)
	}
	return failedJobIDs
}

func (c *Coordinator) publish(jobID, subtype string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish("training:"+jobID, eventbus.Event{Subtype: subtype, Payload: payload})
}

// selectAgents implements §4.6's agent-selection rule: filter by resource
// minima, rank by load-balancing count or score, cap at the triple
// minimum.
func (c *Coordinator) selectAgents(cfg domain.TrainingConfig) []*AgentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	var candidates []*AgentRecord
	for _, rec := range c.agents {
		if rec.Status != AgentIdle {
			continue
		}
		if meetsMinima(rec.Resources, cfg.ResourceMinima) {
			candidates = append(candidates, rec)
		}
	}

	if cfg.LoadBalancing {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].PastJobsCount < candidates[j].PastJobsCount
		})
	} else {
		sort.Slice(candidates, func(i, j int) bool {
			return score(candidates[i]) > score(candidates[j])
		})
	}

	limit := cfg.JobMaxAgents
	if cfg.GlobalMaxAgentsPerJob > 0 && cfg.GlobalMaxAgentsPerJob < limit {
		limit = cfg.GlobalMaxAgentsPerJob
	}
	if len(candidates) < limit {
		limit = len(candidates)
	}
	return candidates[:limit]
}

func meetsMinima(have, want domain.ResourceRequirements) bool {
	return have.CPU >= want.CPU && have.Memory >= want.Memory &&
		have.GPU >= want.GPU && have.Storage >= want.Storage
}

func score(rec *AgentRecord) float64 {
	r := rec.Resources
	return 0.7*rec.SuccessRate + 0.3*(r.CPU+r.Memory/1024+r.GPU*10)/30
}

func topologyFor(n int) Topology {
	switch {
	case n <= 2:
		return TopologyParameterServer
	case n <= 8:
		return TopologyAllReduceRing
	default:
		return TopologyHierarchical
	}
}

// StartDistributedTraining selects agents, assigns a topology, and runs
// the job to completion (synchronously, like internal/pipeline — the
// caller runs this in its own goroutine for concurrency).
func (c *Coordinator) StartDistributedTraining(ctx context.Context, jobID string, cfg domain.TrainingConfig) (*Job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("start distributed training %q: %w", jobID, err)
	}

	selected := c.selectAgents(cfg)
	if len(selected) < cfg.MinAgents {
		return nil, fmt.Errorf("start distributed training %q: only %d of %d minimum agents available", jobID, len(selected), cfg.MinAgents)
	}

	job := &Job{
		ID:                 jobID,
		Config:             cfg,
		Status:             JobInitializing,
		Topology:           topologyFor(len(selected)),
		MasterID:           selected[0].ID,
		LastCheckpointData: make(map[string][]byte),
	}
	for _, rec := range selected {
		job.AgentIDs = append(job.AgentIDs, rec.ID)
	}

	c.mu.Lock()
	c.jobs[jobID] = job
	for _, rec := range selected {
		rec.Status = AgentActive
		rec.CurrentJobID = jobID
	}
	c.mu.Unlock()

	c.run(ctx, job, selected)
	return job, nil
}

func (c *Coordinator) run(ctx context.Context, job *Job, agents []*AgentRecord) {
	job.mu.Lock()
	job.Status = JobCoordinating
	job.mu.Unlock()

	job.mu.Lock()
	job.Status = JobTraining
	startEpoch := len(job.Epochs)
	job.mu.Unlock()

	for epoch := startEpoch; epoch < job.Config.Epochs; epoch++ {
		select {
		case <-ctx.Done():
			c.finish(job, JobFailed)
			return
		default:
		}

		job.mu.Lock()
		paused := job.Status == JobPaused
		job.mu.Unlock()
		if paused {
			return
		}

		if staleAgent := job.takePendingFailure(); staleAgent != "" {
			if !c.recover(ctx, job, &agents, staleAgent) {
				c.finish(job, JobFailed)
				return
			}
		}

		result, failedAgent := c.runEpoch(ctx, job, agents, epoch)
		if failedAgent != "" {
			if !c.recover(ctx, job, &agents, failedAgent) {
				c.finish(job, JobFailed)
				return
			}
		}

		job.mu.Lock()
		job.Epochs = append(job.Epochs, result)
		job.mu.Unlock()

		if job.Config.CheckpointInterval > 0 && time.Since(job.LastCheckpointAt) >= job.Config.CheckpointInterval {
			job.mu.Lock()
			job.Status = JobCheckpointing
			job.mu.Unlock()
			c.checkpoint(ctx, job, agents)
			job.mu.Lock()
			job.Status = JobTraining
			job.mu.Unlock()
		}
	}

	job.mu.Lock()
	job.Status = JobFinalizing
	job.mu.Unlock()

	c.release(job, agents)
	c.finish(job, JobCompleted)
}

func (c *Coordinator) runEpoch(ctx context.Context, job *Job, agents []*AgentRecord, epoch int) (EpochResult, string) {
	start := time.Now()
	var totalLoss, totalAccuracy float64
	var totalSamples int
	var failedAgent string
	for _, rec := range agents {
		res, err := rec.Agent.RunStep(ctx, epoch)
		if err != nil {
			failedAgent = rec.ID
			continue
		}
		totalLoss += res.Loss
		totalAccuracy += res.Accuracy
		totalSamples += res.Samples
	}
	n := float64(len(agents))
	if n == 0 {
		n = 1
	}
	duration := time.Since(start).Seconds()
	if duration <= 0 {
		duration = 0.001
	}
	return EpochResult{
		Epoch:      epoch,
		Loss:       totalLoss / n,
		Accuracy:   totalAccuracy / n,
		Throughput: float64(totalSamples) / duration,
	}, failedAgent
}

func (c *Coordinator) checkpoint(ctx context.Context, job *Job, agents []*AgentRecord) {
	job.mu.Lock()
	for _, rec := range agents {
		blob, err := rec.Agent.Checkpoint(ctx)
		if err != nil {
			continue
		}
		job.LastCheckpointData[rec.ID] = blob
	}
	job.LastCheckpointAt = time.Now()
	job.mu.Unlock()
}

// recover implements §4.6 recovery: replace failedAgentID from the idle
// pool, re-electing the master if it was the one that failed, then
// restore replacements from the latest checkpoint. Returns false if
// recovery is disabled or no replacement is available.
func (c *Coordinator) recover(ctx context.Context, job *Job, agents *[]*AgentRecord, failedAgentID string) bool {
	job.mu.Lock()
	job.Status = JobRecovery
	job.mu.Unlock()
	c.publish(job.ID, "training:recovery_started", failedAgentID)

	if !job.Config.AutoRecovery {
		job.mu.Lock()
		job.Status = JobPaused
		job.mu.Unlock()
		c.publish(job.ID, "training:paused", failedAgentID)
		return false
	}

	c.mu.Lock()
	var replacement *AgentRecord
	for _, rec := range c.agents {
		if rec.Status == AgentIdle {
			replacement = rec
			break
		}
	}
	if replacement != nil {
		replacement.Status = AgentActive
		replacement.CurrentJobID = job.ID
	}
	c.mu.Unlock()

	if replacement == nil {
		return false
	}

	next := make([]*AgentRecord, 0, len(*agents))
	wasMaster := false
	for _, rec := range *agents {
		if rec.ID == failedAgentID {
			if rec.ID == job.MasterID {
				wasMaster = true
			}
			continue
		}
		next = append(next, rec)
	}
	next = append(next, replacement)
	*agents = next

	job.mu.Lock()
	job.AgentIDs = idsOf(next)
	if wasMaster {
		job.MasterID = next[0].ID
	}
	blob := job.LastCheckpointData[failedAgentID]
	job.mu.Unlock()

	if blob != nil {
		_ = replacement.Agent.Restore(ctx, blob)
	}

	job.mu.Lock()
	job.Status = JobTraining
	job.mu.Unlock()
	return true
}

func idsOf(agents []*AgentRecord) []string {
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return ids
}

func (c *Coordinator) release(job *Job, agents []*AgentRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range agents {
		if a, ok := c.agents[rec.ID]; ok {
			a.Status = AgentIdle
			a.CurrentJobID = ""
			a.PastJobsCount++
		}
	}
}

func (c *Coordinator) finish(job *Job, status JobStatus) {
	job.mu.Lock()
	job.Status = status
	job.mu.Unlock()
	c.publish(job.ID, "training:"+string(status), job.ID)
}

// PauseTraining transitions an in-flight job to paused; its run loop
// observes this at the next epoch boundary and returns without marking
// the job completed or failed.
func (c *Coordinator) PauseTraining(jobID string) error {
	job, err := c.getJob(jobID)
	if err != nil {
		return err
	}
	job.mu.Lock()
	job.Status = JobPaused
	job.mu.Unlock()
	return nil
}

// ResumeTraining restarts a paused job's run loop from its next epoch.
func (c *Coordinator) ResumeTraining(ctx context.Context, jobID string) error {
	job, err := c.getJob(jobID)
	if err != nil {
		return err
	}
	job.mu.Lock()
	if job.Status != JobPaused {
		job.mu.Unlock()
		return fmt.Errorf("resume training %q: not paused", jobID)
	}
	job.Status = JobTraining
	job.mu.Unlock()

	c.mu.Lock()
	agents := make([]*AgentRecord, 0, len(job.AgentIDs))
	for _, id := range job.AgentIDs {
		if rec, ok := c.agents[id]; ok {
			agents = append(agents, rec)
		}
	}
	c.mu.Unlock()

	c.run(ctx, job, agents)
	return nil
}

// CancelTraining halts a job and releases its agents back to the idle
// pool.
func (c *Coordinator) CancelTraining(jobID string) error {
	job, err := c.getJob(jobID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	var agents []*AgentRecord
	for _, id := range job.AgentIDs {
		if rec, ok := c.agents[id]; ok {
			agents = append(agents, rec)
		}
	}
	c.mu.Unlock()
	c.release(job, agents)
	c.finish(job, JobFailed)
	return nil
}

func (c *Coordinator) getJob(jobID string) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %q not found", jobID)
	}
	return job, nil
}

// CoordinatorMetrics summarizes the pool and running jobs.
type CoordinatorMetrics struct {
	TotalAgents   int
	IdleAgents    int
	ActiveAgents  int
	FailedAgents  int
	TotalJobs     int
	CompletedJobs int
	FailedJobs    int
}

func (c *Coordinator) GetCoordinatorMetrics() CoordinatorMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	var m CoordinatorMetrics
	for _, rec := range c.agents {
		m.TotalAgents++
		switch rec.Status {
		case AgentIdle:
			m.IdleAgents++
		case AgentActive:
			m.ActiveAgents++
		case AgentFailed:
			m.FailedAgents++
		}
	}
	for _, job := range c.jobs {
		m.TotalJobs++
		job.mu.Lock()
		status := job.Status
		job.mu.Unlock()
		switch status {
		case JobCompleted:
			m.CompletedJobs++
		case JobFailed:
			m.FailedJobs++
		}
	}
	return m
}
