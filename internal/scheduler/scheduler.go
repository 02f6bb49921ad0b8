// Package scheduler implements the master's coarse-lock scheduler: the
// pending queue, the node registry, and the in-memory job index that the
// placement loop and liveness sweep operate over. Exactly one of
// placement, sweep, submit, cancel, extend, register, heartbeat, or
// result-reporting runs at a time; everything else can proceed
// concurrently because every critical section only touches in-memory
// maps and a channel-free slice.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/protortyp/melon/internal/jobfsm"
	"github.com/protortyp/melon/internal/logging"
	"github.com/protortyp/melon/internal/melonerr"
	"github.com/protortyp/melon/internal/model"
	"github.com/protortyp/melon/internal/store"
)

// Dispatcher issues RPCs to a worker. It is implemented by the master's
// HTTP client to the worker API; the scheduler never talks to a worker
// directly, so placement, cancel, and extend can all be tested with a
// fake.
type Dispatcher interface {
	AssignJob(ctx context.Context, nodeAddr string, job *model.Job) error
	CancelJob(ctx context.Context, nodeAddr string, jobID uint64, user string) error
	ExtendJob(ctx context.Context, nodeAddr string, jobID uint64, user string, extensionMins uint32) error
}

// Config holds the tunables named in the placement/liveness design.
type Config struct {
	PlacementInterval time.Duration
	SweepInterval     time.Duration
	NodeTimeout       time.Duration
	RPCTimeout        time.Duration
}

// DefaultConfig returns the recommended tick intervals.
func DefaultConfig() Config {
	return Config{
		PlacementInterval: 1 * time.Second,
		SweepInterval:     5 * time.Second,
		NodeTimeout:       30 * time.Second,
		RPCTimeout:        5 * time.Second,
	}
}

// Metrics is the minimal set of counters/gauges the scheduler updates;
// a prometheus-backed implementation is wired in by the daemon.
type Metrics interface {
	SetQueueDepth(n int)
	SetNodeCount(n int)
	IncPlacementSuccess()
	IncPlacementFailure()
	IncNodeEvicted()
	IncJobTerminal(status model.JobStatus)
}

type noopMetrics struct{}

func (noopMetrics) SetQueueDepth(int)                    {}
func (noopMetrics) SetNodeCount(int)                     {}
func (noopMetrics) IncPlacementSuccess()                 {}
func (noopMetrics) IncPlacementFailure()                 {}
func (noopMetrics) IncNodeEvicted()                      {}
func (noopMetrics) IncJobTerminal(status model.JobStatus) {}

// Scheduler owns the master's mutable scheduling state: the pending
// queue, the node registry, and an in-memory mirror of every job
// submitted through this process, terminal ones included. All three are guarded by one mutex per the
// single-coarse-lock design; RPCs to workers are always issued after
// releasing it.
type Scheduler struct {
	mu sync.Mutex

	queue []uint64                // pending job ids, insertion order
	nodes map[string]*model.Node  // node id -> node
	jobs  map[uint64]*model.Job   // every job this process has touched

	repo       store.Repository
	dispatcher Dispatcher
	cfg        Config
	log        *logging.Logger
	metrics    Metrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Scheduler. repo must already contain any jobs from a
// prior run; New does not load them (the repository is the durable
// source of truth, but only PENDING/RUNNING jobs from before a restart
// would need recovery, which is out of scope per the no-recovery
// non-goal).
func New(repo store.Repository, dispatcher Dispatcher, cfg Config, log *logging.Logger, metrics Metrics) *Scheduler {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Scheduler{
		queue:      nil,
		nodes:      make(map[string]*model.Node),
		jobs:       make(map[uint64]*model.Job),
		repo:       repo,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
		metrics:    metrics,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the placement loop and the liveness sweep as
// background goroutines.
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.placementLoop()
	go s.sweepLoop()
}

// Stop signals both background loops to exit and waits for them.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Submit admits a new job: assigns it the next id, persists it
// PENDING, and appends it to the queue.
func (s *Scheduler) Submit(user, scriptPath string, req model.ResourceRequest, scriptArgs []string) (uint64, error) {
	if req.TimeMinutes == 0 {
		return 0, melonerr.Invalidf("req_res.time_minutes must be > 0")
	}
	if req.CPUCount < 1 {
		return 0, melonerr.Invalidf("req_res.cpu_count must be >= 1")
	}

	id, err := s.repo.NextJobID()
	if err != nil {
		return 0, melonerr.Wrap(err, "allocate job id")
	}

	job := &model.Job{
		ID:         id,
		User:       user,
		ScriptPath: scriptPath,
		ScriptArgs: scriptArgs,
		ReqRes:     req,
		SubmitTime: time.Now().Unix(),
		Status:     model.JobPending,
	}
	if err := s.repo.CreateJob(job); err != nil {
		return 0, melonerr.Wrap(err, "persist job")
	}

	s.mu.Lock()
	s.jobs[id] = job.Clone()
	s.queue = append(s.queue, id)
	s.metrics.SetQueueDepth(len(s.queue))
	s.mu.Unlock()

	s.log.Info("job submitted", map[string]interface{}{"job_id": id, "user": user})
	return id, nil
}

// ListJobs returns every job this scheduler has seen, in id order.
func (s *Scheduler) ListJobs() ([]*model.Job, error) {
	return s.repo.ListJobs()
}

// GetJobInfo looks up a single job by id.
func (s *Scheduler) GetJobInfo(id uint64) (*model.Job, error) {
	job, err := s.repo.GetJob(id)
	if err == store.ErrJobNotFound {
		return nil, melonerr.NotFoundf("job %d not found", id)
	}
	if err != nil {
		return nil, melonerr.Wrap(err, "get job")
	}
	return job, nil
}

// RegisterNode mints an opaque node id and adds the node to the
// registry with last_heartbeat=now.
func (s *Scheduler) RegisterNode(address string, total model.Resources) (string, error) {
	id := uuid.NewString()

	node := &model.Node{
		ID:            id,
		Address:       address,
		Total:         total,
		Free:          total,
		LastHeartbeat: time.Now().Unix(),
		AssignedJobs:  make(map[uint64]bool),
	}

	s.mu.Lock()
	s.nodes[id] = node
	s.metrics.SetNodeCount(len(s.nodes))
	s.mu.Unlock()

	if err := s.repo.UpsertNode(node.Clone()); err != nil {
		s.log.Error("failed to persist node registration", map[string]interface{}{"node_id": id, "error": err.Error()})
	}

	s.log.Info("node registered", map[string]interface{}{"node_id": id, "address": address})
	return id, nil
}

// SendHeartbeat refreshes a node's last_heartbeat. An unknown node id
// returns NotFound so the worker re-registers.
func (s *Scheduler) SendHeartbeat(nodeID string) error {
	s.mu.Lock()
	node, ok := s.nodes[nodeID]
	if ok {
		node.LastHeartbeat = time.Now().Unix()
	}
	s.mu.Unlock()

	if !ok {
		return melonerr.NotFoundf("node %s not registered", nodeID)
	}
	return nil
}

// SubmitJobResult records a worker-reported terminal status. Results
// for already-terminal jobs are accepted as a no-op per the lifecycle
// design; results for unknown jobs are rejected with NotFound.
func (s *Scheduler) SubmitJobResult(jobID uint64, status model.JobStatus, failureReason string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		s.log.Warn("result for unknown job rejected", map[string]interface{}{"job_id": jobID})
		return melonerr.NotFoundf("job %d not found", jobID)
	}
	if job.IsTerminal() {
		s.mu.Unlock()
		s.log.Info("result for terminal job ignored", map[string]interface{}{"job_id": jobID, "status": job.Status})
		return nil
	}
	if err := jobfsm.ValidateTransition(job.Status, status); err != nil {
		s.mu.Unlock()
		return melonerr.Invalidf("job %d: %v", jobID, err)
	}

	now := time.Now().Unix()
	next := job.Clone()
	next.Status = status
	next.StopTime = &now
	next.FailureReason = failureReason
	s.mu.Unlock()

	// Persist before touching any in-memory state: per the propagation
	// policy, a store-write failure must leave the transition unapplied.
	if err := s.repo.UpdateJob(next); err != nil {
		return melonerr.Wrap(err, "persist job result")
	}

	s.mu.Lock()
	if job, ok := s.jobs[jobID]; ok && !job.IsTerminal() {
		job.Status = status
		job.StopTime = &now
		job.FailureReason = failureReason
		if node, ok := s.nodes[job.AssignedNodeID]; ok {
			node.Free = node.Free.Add(job.ReqRes.AsResources())
			delete(node.AssignedJobs, jobID)
		}
	}
	s.mu.Unlock()

	s.metrics.IncJobTerminal(status)
	s.log.Info("job reached terminal state", map[string]interface{}{"job_id": jobID, "status": status.String()})
	return nil
}

// CancelJob implements §4.3: PENDING jobs are removed from the queue
// in place; RUNNING jobs are cancelled on the worker first, then
// marked FAILED regardless of whether the RPC succeeded.
func (s *Scheduler) CancelJob(jobID uint64, user string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return melonerr.NotFoundf("job %d not found", jobID)
	}
	if job.User != user {
		s.mu.Unlock()
		return melonerr.PermissionDeniedf("job %d is not owned by %s", jobID, user)
	}
	if job.IsTerminal() {
		s.mu.Unlock()
		return nil
	}

	if job.Status == model.JobPending {
		now := time.Now().Unix()
		next := job.Clone()
		next.Status = model.JobFailed
		next.StopTime = &now
		next.FailureReason = "cancelled-before-start"
		s.mu.Unlock()

		// Persist before removing the job from the queue or marking it
		// failed in memory: a store-write failure leaves the transition
		// unapplied, per the propagation policy.
		if err := s.repo.UpdateJob(next); err != nil {
			return melonerr.Wrap(err, "persist cancellation")
		}

		s.mu.Lock()
		if job, ok := s.jobs[jobID]; ok && job.Status == model.JobPending {
			s.removeFromQueueLocked(jobID)
			job.Status = model.JobFailed
			job.StopTime = &now
			job.FailureReason = "cancelled-before-start"
		}
		s.mu.Unlock()

		s.metrics.IncJobTerminal(model.JobFailed)
		return nil
	}

	// RUNNING: issue the RPC outside the lock, then commit regardless
	// of its outcome.
	node := s.nodes[job.AssignedNodeID]
	s.mu.Unlock()

	if node != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RPCTimeout)
		err := s.dispatcher.CancelJob(ctx, node.Address, jobID, user)
		cancel()
		if err != nil {
			s.log.Warn("cancel RPC to worker failed, committing cancellation anyway", map[string]interface{}{
				"job_id": jobID, "node_id": node.ID, "error": err.Error(),
			})
		}
	}

	s.mu.Lock()
	job, ok = s.jobs[jobID]
	if !ok || job.IsTerminal() {
		s.mu.Unlock()
		return nil
	}
	now := time.Now().Unix()
	next := job.Clone()
	next.Status = model.JobFailed
	next.StopTime = &now
	next.FailureReason = "cancelled"
	s.mu.Unlock()

	// Persist before crediting the node's free capacity back: a
	// store-write failure leaves the job RUNNING in memory for the next
	// cancel attempt or sweep tick to retry, rather than silently
	// freeing capacity for a job that is, as far as the store knows,
	// still occupying it.
	if err := s.repo.UpdateJob(next); err != nil {
		return melonerr.Wrap(err, "persist cancellation")
	}

	s.mu.Lock()
	if job, ok := s.jobs[jobID]; ok && !job.IsTerminal() {
		job.Status = model.JobFailed
		job.StopTime = &now
		job.FailureReason = "cancelled"
		if n, ok := s.nodes[job.AssignedNodeID]; ok {
			n.Free = n.Free.Add(job.ReqRes.AsResources())
			delete(n.AssignedJobs, jobID)
		}
	}
	s.mu.Unlock()

	s.metrics.IncJobTerminal(model.JobFailed)
	s.log.Info("job cancelled", map[string]interface{}{"job_id": jobID})
	return nil
}

// ExtendJob implements §4.3: a PENDING job's time budget is extended
// in place; a RUNNING job's extension is forwarded to the worker and
// only persisted once the worker acknowledges.
func (s *Scheduler) ExtendJob(jobID uint64, user string, extensionMins uint32) error {
	if extensionMins == 0 {
		return melonerr.Invalidf("extension_mins must be > 0")
	}

	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return melonerr.NotFoundf("job %d not found", jobID)
	}
	if job.User != user {
		s.mu.Unlock()
		return melonerr.PermissionDeniedf("job %d is not owned by %s", jobID, user)
	}
	if job.IsTerminal() {
		s.mu.Unlock()
		return melonerr.Unavailablef("job %d is no longer active", jobID)
	}

	if job.Status == model.JobPending {
		next := job.Clone()
		next.ReqRes.TimeMinutes += extensionMins
		s.mu.Unlock()

		if err := s.repo.UpdateJob(next); err != nil {
			return melonerr.Wrap(err, "persist extension")
		}

		s.mu.Lock()
		if job, ok := s.jobs[jobID]; ok && job.Status == model.JobPending {
			job.ReqRes.TimeMinutes += extensionMins
		}
		s.mu.Unlock()
		return nil
	}

	node := s.nodes[job.AssignedNodeID]
	s.mu.Unlock()

	if node == nil {
		return melonerr.Unavailablef("job %d has no reachable assigned node", jobID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RPCTimeout)
	err := s.dispatcher.ExtendJob(ctx, node.Address, jobID, user, extensionMins)
	cancel()
	if err != nil {
		return melonerr.Unavailablef("extend rejected by worker: %v", err)
	}

	s.mu.Lock()
	job, ok = s.jobs[jobID]
	if !ok || job.IsTerminal() {
		s.mu.Unlock()
		return melonerr.Unavailablef("job %d completed before extension could be recorded", jobID)
	}
	next := job.Clone()
	next.ReqRes.TimeMinutes += extensionMins
	s.mu.Unlock()

	// Persist before applying the longer deadline in memory: if the
	// store write fails the job keeps its prior (already-worker-
	// acknowledged) deadline in memory rather than drifting ahead of
	// what a crash-recovery reload from the store would see.
	if err := s.repo.UpdateJob(next); err != nil {
		return melonerr.Wrap(err, "persist extension")
	}

	s.mu.Lock()
	if job, ok := s.jobs[jobID]; ok && !job.IsTerminal() {
		job.ReqRes.TimeMinutes += extensionMins
	}
	s.mu.Unlock()

	s.log.Info("job extended", map[string]interface{}{"job_id": jobID, "extension_mins": extensionMins})
	return nil
}

// removeFromQueueLocked deletes jobID from the pending queue. Caller
// must hold s.mu.
func (s *Scheduler) removeFromQueueLocked(jobID uint64) {
	for i, id := range s.queue {
		if id == jobID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

func (s *Scheduler) placementLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PlacementInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runPlacementTick()
		case <-s.stopCh:
			return
		}
	}
}

// runPlacementTick implements the single-consumer placement algorithm
// from §4.1: first-fit over pending jobs against nodes in stable id
// order.
func (s *Scheduler) runPlacementTick() {
	s.mu.Lock()
	pending := append([]uint64(nil), s.queue...)
	nodeIDs := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)
	s.metrics.SetQueueDepth(len(pending))
	s.mu.Unlock()

	if len(pending) == 0 || len(nodeIDs) == 0 {
		return
	}

	for _, jobID := range pending {
		s.tryPlace(jobID, nodeIDs)
	}
}

func (s *Scheduler) tryPlace(jobID uint64, nodeIDs []string) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != model.JobPending {
		s.mu.Unlock()
		return
	}
	need := job.ReqRes.AsResources()

	var target *model.Node
	for _, nid := range nodeIDs {
		n := s.nodes[nid]
		if n != nil && n.Free.Fits(need) {
			target = n
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return
	}

	// Tentatively reserve under the lock, then release it for the RPC.
	target.Free = target.Free.Sub(need)
	jobForRPC := job.Clone()
	jobForRPC.AssignedNodeID = target.ID
	targetID, targetAddr := target.ID, target.Address
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RPCTimeout)
	err := s.dispatcher.AssignJob(ctx, targetAddr, jobForRPC)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok = s.jobs[jobID]
	if !ok || job.Status != model.JobPending {
		// Job moved on (e.g. cancelled) while the RPC was in flight;
		// undo the tentative reservation.
		if n, ok := s.nodes[targetID]; ok {
			n.Free = n.Free.Add(need)
		}
		return
	}

	if err != nil {
		// Credit resources back; leave the job PENDING for retry next
		// tick.
		if n, ok := s.nodes[targetID]; ok {
			n.Free = n.Free.Add(need)
		}
		s.metrics.IncPlacementFailure()
		s.log.Warn("assignment failed, retrying next tick", map[string]interface{}{
			"job_id": jobID, "node_id": targetID, "error": err.Error(),
		})
		return
	}

	now := time.Now().Unix()
	jobCopy := job.Clone()
	jobCopy.Status = model.JobRunning
	jobCopy.StartTime = &now
	jobCopy.AssignedNodeID = targetID

	// Persist the placement before applying it in memory: the worker
	// already accepted the job, so a store-write failure here must not
	// silently lose track of it — leaving the job PENDING in memory
	// lets the next placement tick retry, rather than stranding a job
	// the store doesn't know is running.
	if err := s.repo.UpdateJob(jobCopy); err != nil {
		if n, ok := s.nodes[targetID]; ok {
			n.Free = n.Free.Add(need)
		}
		s.log.Error("failed to persist placement, leaving job pending for retry", map[string]interface{}{"job_id": jobID, "error": err.Error()})
		return
	}

	job.Status = model.JobRunning
	job.StartTime = &now
	job.AssignedNodeID = targetID
	s.removeFromQueueLocked(jobID)
	if n, ok := s.nodes[targetID]; ok {
		n.AssignedJobs[jobID] = true
	}
	s.metrics.IncPlacementSuccess()
	s.log.Info("job placed", map[string]interface{}{"job_id": jobID, "node_id": targetID})
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runSweepTick()
		case <-s.stopCh:
			return
		}
	}
}

// runSweepTick implements §4.4's liveness sweep: nodes whose heartbeat
// is older than NodeTimeout are evicted, and every RUNNING job assigned
// to them is marked FAILED with reason node-lost.
func (s *Scheduler) runSweepTick() {
	cutoff := time.Now().Add(-s.cfg.NodeTimeout)

	s.mu.Lock()
	var stale []*model.Node
	for _, n := range s.nodes {
		if time.Unix(n.LastHeartbeat, 0).Before(cutoff) {
			stale = append(stale, n)
		}
	}
	if len(stale) == 0 {
		s.mu.Unlock()
		return
	}

	var toPersist []*model.Job
	now := time.Now().Unix()
	for _, n := range stale {
		for jobID := range n.AssignedJobs {
			job, ok := s.jobs[jobID]
			if !ok || job.Status != model.JobRunning {
				continue
			}
			next := job.Clone()
			next.Status = model.JobFailed
			next.StopTime = &now
			next.FailureReason = "node-lost"
			toPersist = append(toPersist, next)
		}
	}
	s.mu.Unlock()

	// Persist each job's node-lost failure before applying it, and
	// before evicting the node, in memory: a store-write failure must
	// leave the job RUNNING and the node present so the next sweep tick
	// retries, rather than the store and the in-memory view disagreeing
	// forever about whether the job failed.
	for _, next := range toPersist {
		if err := s.repo.UpdateJob(next); err != nil {
			s.log.Error("failed to persist node-lost failure, leaving job state unchanged", map[string]interface{}{"job_id": next.ID, "error": err.Error()})
			continue
		}

		s.mu.Lock()
		if job, ok := s.jobs[next.ID]; ok && job.Status == model.JobRunning {
			job.Status = model.JobFailed
			job.StopTime = next.StopTime
			job.FailureReason = next.FailureReason
		}
		s.mu.Unlock()
		s.metrics.IncJobTerminal(model.JobFailed)
	}

	for _, n := range stale {
		if err := s.repo.DeleteNode(n.ID); err != nil {
			s.log.Error("failed to delete evicted node, leaving it in memory for retry", map[string]interface{}{"node_id": n.ID, "error": err.Error()})
			continue
		}

		s.mu.Lock()
		delete(s.nodes, n.ID)
		s.metrics.SetNodeCount(len(s.nodes))
		s.mu.Unlock()

		s.metrics.IncNodeEvicted()
		s.log.Warn("node evicted for stale heartbeat", map[string]interface{}{"node_id": n.ID, "address": n.Address})
	}
}
