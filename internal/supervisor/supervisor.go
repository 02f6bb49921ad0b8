// Package supervisor owns one running job's child process: spawning it
// under a cgroup, racing its exit against the wall-clock deadline and a
// cancel signal, and reporting the terminal result to the master.
//
// The deadline is represented as a value on a channel rather than a
// fixed-fired timer: Extend pushes a duration onto extendCh, and the
// run loop adds it to the live timer on each wakeup, so an extension
// granted mid-wait takes effect immediately without restarting the
// wait.
package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/protortyp/melon/internal/cgroup"
	"github.com/protortyp/melon/internal/logging"
	"github.com/protortyp/melon/internal/model"
)

// killGrace is how long a terminated child gets to exit after SIGTERM
// before the supervisor escalates to SIGKILL.
const killGrace = 5 * time.Second

// ResultReporter sends a job's terminal status to the master.
type ResultReporter interface {
	SubmitJobResult(jobID uint64, status model.JobStatus, failureReason string) error
}

// Supervisor runs and supervises exactly one job's child process.
type Supervisor struct {
	job       *model.Job
	cgroupMgr *cgroup.Manager
	reporter  ResultReporter
	log       *logging.Logger

	mu       sync.Mutex
	cancelCh chan struct{}
	extendCh chan uint32 // minutes to add to the deadline, pushed by Extend

	cancelOnce sync.Once
}

// New returns a Supervisor for job, not yet started.
func New(job *model.Job, cgroupMgr *cgroup.Manager, reporter ResultReporter, log *logging.Logger) *Supervisor {
	return &Supervisor{
		job:       job,
		cgroupMgr: cgroupMgr,
		reporter:  reporter,
		log:       log.WithField("job_id", job.ID),
		cancelCh:  make(chan struct{}),
		extendCh:  make(chan uint32, 8),
	}
}

// Cancel requests termination of the job's child process. Idempotent:
// calling it more than once is safe.
func (s *Supervisor) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// Extend pushes additional minutes onto the job's deadline. Safe to
// call concurrently with Run.
func (s *Supervisor) Extend(minutes uint32) {
	select {
	case s.extendCh <- minutes:
	default:
		// Channel buffer exhausted (many rapid extends); drop and log
		// rather than block the RPC handler.
		s.log.Warn("extend channel full, dropping extension request", nil)
	}
}

// Run spawns the child and blocks until it reaches a terminal state,
// then reports the result and returns it so the caller can observe the
// outcome (e.g. for metrics). Run never returns an error: every
// failure path (missing script, spawn failure, panic in the wait loop)
// is converted to a FAILED result so the master is always notified,
// per the propagation policy.
func (s *Supervisor) Run() (status model.JobStatus, reason string) {
	defer s.reportPanicAsFailure(&status, &reason)

	if _, err := os.Stat(s.job.ScriptPath); err != nil {
		return s.report(model.JobFailed, fmt.Sprintf("script not found: %v", err))
	}

	cg, err := s.cgroupMgr.Create(s.job.ID, s.job.ReqRes.AsResources())
	if err != nil {
		s.log.Warn("cgroup creation failed, continuing without resource limits", map[string]interface{}{"error": err.Error()})
		cg = nil
	}
	defer s.cgroupMgr.Remove(cg)

	cmd := exec.Command(s.job.ScriptPath, s.job.ScriptArgs...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	// Own process group, so termination reaches the script's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return s.report(model.JobFailed, fmt.Sprintf("failed to start script: %v", err))
	}

	if cg != nil {
		if err := s.cgroupMgr.Attach(cg, cmd.Process.Pid); err != nil {
			s.log.Warn("failed to attach process to cgroup", map[string]interface{}{"error": err.Error()})
		}
	}

	status, reason = s.wait(cmd)
	return s.report(status, reason)
}

func (s *Supervisor) wait(cmd *exec.Cmd) (model.JobStatus, string) {
	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	deadline := s.job.Deadline()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case err := <-exitCh:
			if err == nil {
				return model.JobCompleted, ""
			}
			return model.JobFailed, fmt.Sprintf("script exited with error: %v", err)

		case minutes := <-s.extendCh:
			deadline = deadline.Add(time.Duration(minutes) * time.Minute)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(time.Until(deadline))

		case <-timer.C:
			// An extension already queued when the timer fires still counts.
			select {
			case minutes := <-s.extendCh:
				deadline = deadline.Add(time.Duration(minutes) * time.Minute)
				timer.Reset(time.Until(deadline))
				continue
			default:
			}
			s.terminateAndWait(cmd, exitCh)
			return model.JobTimeout, "wall-clock deadline exceeded"

		case <-s.cancelCh:
			s.terminateAndWait(cmd, exitCh)
			return model.JobFailed, "cancelled"
		}
	}
}

// terminateAndWait sends SIGTERM to the child's process group, gives it
// killGrace to exit, then SIGKILLs the group. It always drains exitCh so
// cmd.Wait's goroutine does not leak.
func (s *Supervisor) terminateAndWait(cmd *exec.Cmd, exitCh chan error) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)

	select {
	case <-exitCh:
		return
	case <-time.After(killGrace):
	}

	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	<-exitCh
}

func (s *Supervisor) report(status model.JobStatus, reason string) (model.JobStatus, string) {
	if err := s.reporter.SubmitJobResult(s.job.ID, status, reason); err != nil {
		s.log.Error("failed to report job result to master", map[string]interface{}{
			"status": status.String(), "error": err.Error(),
		})
	}
	return status, reason
}

// reportPanicAsFailure recovers a panic from Run's wait loop, reports it
// as a FAILED result, and sets status/reason so Run still returns the
// right outcome to its caller instead of the zero value.
func (s *Supervisor) reportPanicAsFailure(status *model.JobStatus, reason *string) {
	if r := recover(); r != nil {
		s.log.Error("supervisor panicked, reporting job as failed", map[string]interface{}{"panic": fmt.Sprint(r)})
		*status, *reason = s.report(model.JobFailed, fmt.Sprintf("supervisor panic: %v", r))
	}
}
