package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/protortyp/melon/internal/logging"
	"github.com/protortyp/melon/internal/model"
	"github.com/protortyp/melon/internal/store"
)

// fakeDispatcher records calls and can be configured to fail a given
// RPC kind, so placement/cancel/extend failure paths are reachable
// without a real worker.
type fakeDispatcher struct {
	mu sync.Mutex

	failAssign bool
	failCancel bool
	failExtend bool

	assigned []uint64
	cancelled []uint64
	extended  []uint64
}

func (f *fakeDispatcher) AssignJob(ctx context.Context, nodeAddr string, job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAssign {
		return context.DeadlineExceeded
	}
	f.assigned = append(f.assigned, job.ID)
	return nil
}

func (f *fakeDispatcher) CancelJob(ctx context.Context, nodeAddr string, jobID uint64, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCancel {
		return context.DeadlineExceeded
	}
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeDispatcher) ExtendJob(ctx context.Context, nodeAddr string, jobID uint64, user string, extensionMins uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failExtend {
		return context.DeadlineExceeded
	}
	f.extended = append(f.extended, jobID)
	return nil
}

func testLogger() *logging.Logger {
	l := logging.New(logging.FATAL, false) // suppress output in tests
	return l
}

func newTestScheduler(t *testing.T, dispatcher Dispatcher) (*Scheduler, store.Repository) {
	t.Helper()
	repo := store.NewMemoryRepository()
	cfg := DefaultConfig()
	cfg.PlacementInterval = 10 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.NodeTimeout = 50 * time.Millisecond
	return New(repo, dispatcher, cfg, testLogger(), nil), repo
}

// failingUpdateRepo wraps a real store.Repository but fails every
// UpdateJob call once armed, so tests can exercise the store-write
// failure path without a real database.
type failingUpdateRepo struct {
	store.Repository
	mu       sync.Mutex
	failNext bool
}

func (f *failingUpdateRepo) UpdateJob(job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return context.DeadlineExceeded
	}
	return f.Repository.UpdateJob(job)
}

func newTestSchedulerWithFailingRepo(t *testing.T, dispatcher Dispatcher) (*Scheduler, *failingUpdateRepo) {
	t.Helper()
	repo := &failingUpdateRepo{Repository: store.NewMemoryRepository()}
	cfg := DefaultConfig()
	cfg.PlacementInterval = 10 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.NodeTimeout = 50 * time.Millisecond
	return New(repo, dispatcher, cfg, testLogger(), nil), repo
}

func TestSubmitValidation(t *testing.T) {
	disp := &fakeDispatcher{}
	s, _ := newTestScheduler(t, disp)

	if _, err := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 1, TimeMinutes: 0}, nil); err == nil {
		t.Fatal("expected error for zero time_minutes")
	}
	if _, err := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 0, TimeMinutes: 5}, nil); err == nil {
		t.Fatal("expected error for zero cpu_count")
	}

	id, err := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 1, MemoryBytes: 1 << 20, TimeMinutes: 5}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job, err := s.GetJobInfo(id)
	if err != nil {
		t.Fatalf("GetJobInfo: %v", err)
	}
	if job.Status != model.JobPending || job.AssignedNodeID != "" || job.StartTime != nil {
		t.Fatalf("fresh job invariant violated: %+v", job)
	}
}

func TestPlacementHappyPath(t *testing.T) {
	disp := &fakeDispatcher{}
	s, _ := newTestScheduler(t, disp)

	nodeID, err := s.RegisterNode("10.0.0.1:7000", model.Resources{CPUCount: 4, MemoryBytes: 4 << 30})
	if err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}

	id, err := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 1, MemoryBytes: 1 << 30, TimeMinutes: 5}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	s.runPlacementTick()

	job, err := s.GetJobInfo(id)
	if err != nil {
		t.Fatalf("GetJobInfo: %v", err)
	}
	if job.Status != model.JobRunning {
		t.Fatalf("expected RUNNING, got %s", job.Status)
	}
	if job.AssignedNodeID != nodeID {
		t.Fatalf("expected assigned node %s, got %s", nodeID, job.AssignedNodeID)
	}
	if job.StartTime == nil {
		t.Fatal("expected StartTime to be set")
	}
}

func TestPlacementQueueing(t *testing.T) {
	disp := &fakeDispatcher{}
	s, _ := newTestScheduler(t, disp)

	s.RegisterNode("10.0.0.1:7000", model.Resources{CPUCount: 4, MemoryBytes: 4 << 30})

	idA, _ := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 4, MemoryBytes: 1 << 20, TimeMinutes: 5}, nil)
	idB, _ := s.Submit("alice", "/b.sh", model.ResourceRequest{CPUCount: 1, MemoryBytes: 1 << 20, TimeMinutes: 5}, nil)

	s.runPlacementTick()

	jobA, _ := s.GetJobInfo(idA)
	jobB, _ := s.GetJobInfo(idB)
	if jobA.Status != model.JobRunning {
		t.Fatalf("job A should be running, got %s", jobA.Status)
	}
	if jobB.Status != model.JobPending {
		t.Fatalf("job B should still be pending (no capacity left), got %s", jobB.Status)
	}

	if err := s.CancelJob(idA, "alice"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	s.runPlacementTick()

	jobB, _ = s.GetJobInfo(idB)
	if jobB.Status != model.JobRunning {
		t.Fatalf("job B should now be running after A was cancelled, got %s", jobB.Status)
	}
}

func TestCancelPermissionDenied(t *testing.T) {
	disp := &fakeDispatcher{}
	s, _ := newTestScheduler(t, disp)

	id, _ := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 1, TimeMinutes: 5}, nil)

	err := s.CancelJob(id, "bob")
	if err == nil {
		t.Fatal("expected PermissionDenied")
	}

	job, _ := s.GetJobInfo(id)
	if job.Status != model.JobPending {
		t.Fatalf("job status should be unchanged, got %s", job.Status)
	}
}

func TestCancelRunningJobCreditsResources(t *testing.T) {
	disp := &fakeDispatcher{}
	s, _ := newTestScheduler(t, disp)

	nodeID, _ := s.RegisterNode("10.0.0.1:7000", model.Resources{CPUCount: 2, MemoryBytes: 2 << 30})
	id, _ := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 2, MemoryBytes: 2 << 30, TimeMinutes: 5}, nil)
	s.runPlacementTick()

	if err := s.CancelJob(id, "alice"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	job, _ := s.GetJobInfo(id)
	if job.Status != model.JobFailed || job.FailureReason != "cancelled" {
		t.Fatalf("expected FAILED/cancelled, got %s/%s", job.Status, job.FailureReason)
	}

	s.mu.Lock()
	free := s.nodes[nodeID].Free
	s.mu.Unlock()
	if free.CPUCount != 2 || free.MemoryBytes != 2<<30 {
		t.Fatalf("resources not credited back: %+v", free)
	}
}

func TestExtendPendingJob(t *testing.T) {
	disp := &fakeDispatcher{}
	s, _ := newTestScheduler(t, disp)

	id, _ := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 1, TimeMinutes: 5}, nil)
	if err := s.ExtendJob(id, "alice", 10); err != nil {
		t.Fatalf("ExtendJob: %v", err)
	}
	job, _ := s.GetJobInfo(id)
	if job.ReqRes.TimeMinutes != 15 {
		t.Fatalf("expected time_minutes=15, got %d", job.ReqRes.TimeMinutes)
	}
}

func TestExtendRunningJobForwardsToWorker(t *testing.T) {
	disp := &fakeDispatcher{}
	s, _ := newTestScheduler(t, disp)

	s.RegisterNode("10.0.0.1:7000", model.Resources{CPUCount: 1, MemoryBytes: 1 << 30})
	id, _ := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 1, MemoryBytes: 1 << 30, TimeMinutes: 5}, nil)
	s.runPlacementTick()

	if err := s.ExtendJob(id, "alice", 10); err != nil {
		t.Fatalf("ExtendJob: %v", err)
	}
	job, _ := s.GetJobInfo(id)
	if job.ReqRes.TimeMinutes != 15 {
		t.Fatalf("expected time_minutes=15, got %d", job.ReqRes.TimeMinutes)
	}

	disp.mu.Lock()
	n := len(disp.extended)
	disp.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one ExtendJob RPC, got %d", n)
	}
}

func TestExtendUnreachableWorkerLeavesStateUnchanged(t *testing.T) {
	disp := &fakeDispatcher{failExtend: true}
	s, _ := newTestScheduler(t, disp)

	s.RegisterNode("10.0.0.1:7000", model.Resources{CPUCount: 1, MemoryBytes: 1 << 30})
	id, _ := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 1, MemoryBytes: 1 << 30, TimeMinutes: 5}, nil)
	s.runPlacementTick()

	if err := s.ExtendJob(id, "alice", 10); err == nil {
		t.Fatal("expected Unavailable error")
	}
	job, _ := s.GetJobInfo(id)
	if job.ReqRes.TimeMinutes != 5 {
		t.Fatalf("expected time_minutes unchanged at 5, got %d", job.ReqRes.TimeMinutes)
	}
}

func TestResultForUnknownJobRejected(t *testing.T) {
	disp := &fakeDispatcher{}
	s, _ := newTestScheduler(t, disp)

	if err := s.SubmitJobResult(999, model.JobCompleted, ""); err == nil {
		t.Fatal("expected NotFound for unknown job")
	}
}

func TestResultOnTerminalJobIsNoOp(t *testing.T) {
	disp := &fakeDispatcher{}
	s, _ := newTestScheduler(t, disp)

	id, _ := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 1, TimeMinutes: 5}, nil)
	if err := s.CancelJob(id, "alice"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	if err := s.SubmitJobResult(id, model.JobCompleted, ""); err != nil {
		t.Fatalf("result on terminal job should be a no-op, got error: %v", err)
	}
	job, _ := s.GetJobInfo(id)
	if job.Status != model.JobFailed {
		t.Fatalf("terminal status should not change, got %s", job.Status)
	}
}

func TestHeartbeatUnknownNode(t *testing.T) {
	disp := &fakeDispatcher{}
	s, _ := newTestScheduler(t, disp)

	if err := s.SendHeartbeat("ghost"); err == nil {
		t.Fatal("expected NotFound for unknown node")
	}
}

func TestLivenessSweepEvictsStaleNodeAndFailsJobs(t *testing.T) {
	disp := &fakeDispatcher{}
	s, _ := newTestScheduler(t, disp)

	nodeID, _ := s.RegisterNode("10.0.0.1:7000", model.Resources{CPUCount: 1, MemoryBytes: 1 << 30})
	id, _ := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 1, MemoryBytes: 1 << 30, TimeMinutes: 5}, nil)
	s.runPlacementTick()

	time.Sleep(s.cfg.NodeTimeout + 20*time.Millisecond)
	s.runSweepTick()

	job, _ := s.GetJobInfo(id)
	if job.Status != model.JobFailed || job.FailureReason != "node-lost" {
		t.Fatalf("expected FAILED/node-lost, got %s/%s", job.Status, job.FailureReason)
	}

	s.mu.Lock()
	_, stillPresent := s.nodes[nodeID]
	s.mu.Unlock()
	if stillPresent {
		t.Fatal("evicted node should be removed from registry")
	}
}

func TestPlacementRetriesAfterAssignFailure(t *testing.T) {
	disp := &fakeDispatcher{failAssign: true}
	s, _ := newTestScheduler(t, disp)

	nodeID, _ := s.RegisterNode("10.0.0.1:7000", model.Resources{CPUCount: 1, MemoryBytes: 1 << 30})
	id, _ := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 1, MemoryBytes: 1 << 30, TimeMinutes: 5}, nil)

	s.runPlacementTick()

	job, _ := s.GetJobInfo(id)
	if job.Status != model.JobPending {
		t.Fatalf("job should remain PENDING after assign failure, got %s", job.Status)
	}

	s.mu.Lock()
	free := s.nodes[nodeID].Free
	s.mu.Unlock()
	if free.CPUCount != 1 || free.MemoryBytes != 1<<30 {
		t.Fatalf("resources should be credited back after failed RPC: %+v", free)
	}
}

// The following tests exercise spec.md §7's propagation policy: a
// store-write failure on a state transition must leave that transition
// unapplied in memory, rather than the store and the in-memory view
// silently diverging.

func TestSubmitJobResultStoreFailureLeavesJobUnchanged(t *testing.T) {
	disp := &fakeDispatcher{}
	s, repo := newTestSchedulerWithFailingRepo(t, disp)

	nodeID, _ := s.RegisterNode("10.0.0.1:7000", model.Resources{CPUCount: 1, MemoryBytes: 1 << 30})
	id, _ := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 1, MemoryBytes: 1 << 30, TimeMinutes: 5}, nil)
	s.runPlacementTick()

	repo.mu.Lock()
	repo.failNext = true
	repo.mu.Unlock()

	if err := s.SubmitJobResult(id, model.JobCompleted, ""); err == nil {
		t.Fatal("expected store-write failure to surface as an error")
	}

	job, _ := s.GetJobInfo(id)
	if job.Status != model.JobRunning {
		t.Fatalf("job transition must not apply when the store write fails, got status %s", job.Status)
	}

	s.mu.Lock()
	free := s.nodes[nodeID].Free
	_, stillAssigned := s.nodes[nodeID].AssignedJobs[id]
	s.mu.Unlock()
	if free.CPUCount != 0 || free.MemoryBytes != 0 {
		t.Fatalf("node capacity must not be credited back until the result is durably persisted: %+v", free)
	}
	if !stillAssigned {
		t.Fatal("job must still be tracked as assigned to the node")
	}
}

func TestCancelRunningJobStoreFailureLeavesJobUnchanged(t *testing.T) {
	disp := &fakeDispatcher{}
	s, repo := newTestSchedulerWithFailingRepo(t, disp)

	nodeID, _ := s.RegisterNode("10.0.0.1:7000", model.Resources{CPUCount: 1, MemoryBytes: 1 << 30})
	id, _ := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 1, MemoryBytes: 1 << 30, TimeMinutes: 5}, nil)
	s.runPlacementTick()

	repo.mu.Lock()
	repo.failNext = true
	repo.mu.Unlock()

	if err := s.CancelJob(id, "alice"); err == nil {
		t.Fatal("expected store-write failure to surface as an error")
	}

	job, _ := s.GetJobInfo(id)
	if job.Status != model.JobRunning {
		t.Fatalf("cancellation must not apply when the store write fails, got status %s", job.Status)
	}

	s.mu.Lock()
	free := s.nodes[nodeID].Free
	s.mu.Unlock()
	if free.CPUCount != 0 || free.MemoryBytes != 0 {
		t.Fatalf("node capacity must not be credited back until the cancellation is durably persisted: %+v", free)
	}
}

func TestCancelPendingJobStoreFailureLeavesJobQueued(t *testing.T) {
	disp := &fakeDispatcher{}
	s, repo := newTestSchedulerWithFailingRepo(t, disp)

	id, _ := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 1, TimeMinutes: 5}, nil)

	repo.mu.Lock()
	repo.failNext = true
	repo.mu.Unlock()

	if err := s.CancelJob(id, "alice"); err == nil {
		t.Fatal("expected store-write failure to surface as an error")
	}

	job, _ := s.GetJobInfo(id)
	if job.Status != model.JobPending {
		t.Fatalf("cancellation must not apply when the store write fails, got status %s", job.Status)
	}

	s.mu.Lock()
	_, queued := indexOf(s.queue, id)
	s.mu.Unlock()
	if !queued {
		t.Fatal("job must remain in the pending queue when its cancellation fails to persist")
	}
}

func indexOf(queue []uint64, id uint64) (int, bool) {
	for i, v := range queue {
		if v == id {
			return i, true
		}
	}
	return -1, false
}

func TestExtendPendingJobStoreFailureLeavesTimeUnchanged(t *testing.T) {
	disp := &fakeDispatcher{}
	s, repo := newTestSchedulerWithFailingRepo(t, disp)

	id, _ := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 1, TimeMinutes: 5}, nil)

	repo.mu.Lock()
	repo.failNext = true
	repo.mu.Unlock()

	if err := s.ExtendJob(id, "alice", 10); err == nil {
		t.Fatal("expected store-write failure to surface as an error")
	}

	job, _ := s.GetJobInfo(id)
	if job.ReqRes.TimeMinutes != 5 {
		t.Fatalf("extension must not apply when the store write fails, got time_minutes=%d", job.ReqRes.TimeMinutes)
	}
}

func TestPlacementStoreFailureLeavesJobPendingAndCreditsNode(t *testing.T) {
	disp := &fakeDispatcher{}
	s, repo := newTestSchedulerWithFailingRepo(t, disp)

	nodeID, _ := s.RegisterNode("10.0.0.1:7000", model.Resources{CPUCount: 1, MemoryBytes: 1 << 30})
	id, _ := s.Submit("alice", "/a.sh", model.ResourceRequest{CPUCount: 1, MemoryBytes: 1 << 30, TimeMinutes: 5}, nil)

	repo.mu.Lock()
	repo.failNext = true
	repo.mu.Unlock()

	s.runPlacementTick()

	job, _ := s.GetJobInfo(id)
	if job.Status != model.JobPending {
		t.Fatalf("placement must not apply when the store write fails, got status %s", job.Status)
	}

	s.mu.Lock()
	free := s.nodes[nodeID].Free
	s.mu.Unlock()
	if free.CPUCount != 1 || free.MemoryBytes != 1<<30 {
		t.Fatalf("node capacity must be credited back when placement fails to persist: %+v", free)
	}
}
