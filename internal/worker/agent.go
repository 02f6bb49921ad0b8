// Package worker ties together hardware probing, registration,
// heartbeating and per-job supervision into the worker daemon process.
package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/protortyp/melon/internal/cgroup"
	"github.com/protortyp/melon/internal/logging"
	"github.com/protortyp/melon/internal/melonerr"
	"github.com/protortyp/melon/internal/model"
	"github.com/protortyp/melon/internal/supervisor"
	"github.com/protortyp/melon/internal/workerclient"
)

// MasterClient is the subset of *workerclient.Client the agent calls.
type MasterClient interface {
	NodeID() string
	Register(address string, total model.Resources) (string, error)
	SendHeartbeat() error
	SubmitJobResult(jobID uint64, status model.JobStatus, failureReason string) error
}

// Metrics is the minimal set of counters/gauges the agent updates; a
// nil Metrics passed to New is replaced with a no-op implementation so
// metrics collection stays optional.
type Metrics interface {
	SetJobsRunning(n int)
	IncJobCompleted(status model.JobStatus)
	ObserveJobDuration(status model.JobStatus, seconds float64)
	IncHeartbeatFailure()
}

type noopMetrics struct{}

func (noopMetrics) SetJobsRunning(int)                           {}
func (noopMetrics) IncJobCompleted(model.JobStatus)              {}
func (noopMetrics) ObserveJobDuration(model.JobStatus, float64) {}
func (noopMetrics) IncHeartbeatFailure()                         {}

// Config controls heartbeat cadence.
type Config struct {
	HeartbeatInterval time.Duration
}

// DefaultConfig returns production-sized intervals.
func DefaultConfig() Config {
	return Config{HeartbeatInterval: 10 * time.Second}
}

// Agent runs on a worker node: it registers with the master, sends
// heartbeats, and supervises the jobs the master assigns to it.
type Agent struct {
	address   string
	client    MasterClient
	cgroupMgr *cgroup.Manager
	cfg       Config
	log       *logging.Logger
	metrics   Metrics

	mu          sync.Mutex
	supervisors map[uint64]*supervisor.Supervisor
	free        model.Resources
	total       model.Resources

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns an Agent bound to client, advertising address to the
// master as its callback address for AssignJob/CancelJob/ExtendJob. A
// nil metrics is replaced with a no-op collector.
func New(address string, client MasterClient, cgroupMgr *cgroup.Manager, cfg Config, log *logging.Logger, metrics Metrics) *Agent {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Agent{
		address:     address,
		client:      client,
		cgroupMgr:   cgroupMgr,
		cfg:         cfg,
		log:         log,
		metrics:     metrics,
		supervisors: make(map[uint64]*supervisor.Supervisor),
		stopCh:      make(chan struct{}),
	}
}

// Start probes local hardware, registers with the master and launches
// the heartbeat loop. It cleans up any cgroups left behind by a prior
// crashed run before registering.
func (a *Agent) Start(probe func() (model.Resources, error)) error {
	a.cgroupMgr.CleanStale()

	total, err := probe()
	if err != nil {
		return fmt.Errorf("worker: probe hardware: %w", err)
	}

	if _, err := a.client.Register(a.address, total); err != nil {
		return fmt.Errorf("worker: register with master: %w", err)
	}
	a.log.Info("registered with master", map[string]interface{}{"node_id": a.client.NodeID(), "address": a.address})

	a.mu.Lock()
	a.free = total
	a.total = total
	a.mu.Unlock()

	a.wg.Add(1)
	go a.heartbeatLoop()
	return nil
}

// Stop halts the heartbeat loop and best-effort cancels every running
// supervisor, per the shutdown policy: in-flight jobs are reported
// FAILED rather than left orphaned.
func (a *Agent) Stop() {
	close(a.stopCh)

	a.mu.Lock()
	sups := make([]*supervisor.Supervisor, 0, len(a.supervisors))
	for _, s := range a.supervisors {
		sups = append(sups, s)
	}
	a.mu.Unlock()

	for _, s := range sups {
		s.Cancel()
	}
	a.wg.Wait()
}

func (a *Agent) heartbeatLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sendHeartbeat()
		}
	}
}

func (a *Agent) sendHeartbeat() {
	err := a.client.SendHeartbeat()
	if err == nil {
		return
	}
	if err == workerclient.ErrUnknownNode {
		a.log.Warn("master does not recognize this node, it was likely evicted; re-registering", nil)
		if _, err := a.client.Register(a.address, a.total); err != nil {
			a.log.Error("re-registration failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	a.metrics.IncHeartbeatFailure()
	a.log.Error("heartbeat failed", map[string]interface{}{"error": err.Error()})
}

// AssignJob starts supervising job, after a belt-and-braces check that
// this node still has enough free capacity — the master already
// checked before dispatching, but node state can have drifted (e.g. a
// second assignment racing the first). It implements workerapi.Agent.
func (a *Agent) AssignJob(job *model.Job) error {
	need := job.ReqRes.AsResources()

	a.mu.Lock()
	if _, exists := a.supervisors[job.ID]; exists {
		a.mu.Unlock()
		return melonerr.Invalidf("job %d is already assigned to this node", job.ID)
	}
	if !a.free.Fits(need) {
		a.mu.Unlock()
		return melonerr.ResourceExhaustedf("job %d needs %d cpus/%d bytes, node only has %d cpus/%d bytes free",
			job.ID, need.CPUCount, need.MemoryBytes, a.free.CPUCount, a.free.MemoryBytes)
	}

	now := time.Now().Unix()
	job.StartTime = &now

	sup := supervisor.New(job, a.cgroupMgr, a.client, a.log)
	a.supervisors[job.ID] = sup
	a.free = a.free.Sub(need)
	a.metrics.SetJobsRunning(len(a.supervisors))
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		start := time.Now()
		status, _ := sup.Run()

		a.mu.Lock()
		delete(a.supervisors, job.ID)
		a.free = a.free.Add(need)
		a.metrics.SetJobsRunning(len(a.supervisors))
		a.mu.Unlock()

		a.metrics.IncJobCompleted(status)
		a.metrics.ObserveJobDuration(status, time.Since(start).Seconds())
	}()

	return nil
}

// CancelJob requests termination of a running job's supervisor. It
// implements workerapi.Agent. user is accepted but not checked here:
// the master already enforced ownership before issuing the RPC.
func (a *Agent) CancelJob(jobID uint64, user string) error {
	sup, err := a.supervisorFor(jobID)
	if err != nil {
		return err
	}
	sup.Cancel()
	return nil
}

// ExtendJob pushes additional minutes onto a running job's deadline.
// It implements workerapi.Agent.
func (a *Agent) ExtendJob(jobID uint64, user string, extensionMins uint32) error {
	sup, err := a.supervisorFor(jobID)
	if err != nil {
		return err
	}
	sup.Extend(extensionMins)
	return nil
}

func (a *Agent) supervisorFor(jobID uint64) (*supervisor.Supervisor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sup, ok := a.supervisors[jobID]
	if !ok {
		return nil, melonerr.NotFoundf("job %d is not running on this node", jobID)
	}
	return sup, nil
}
