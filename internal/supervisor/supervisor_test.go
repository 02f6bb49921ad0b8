package supervisor

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/protortyp/melon/internal/cgroup"
	"github.com/protortyp/melon/internal/logging"
	"github.com/protortyp/melon/internal/model"
)

type fakeReporter struct {
	mu     sync.Mutex
	status model.JobStatus
	reason string
	called bool
}

func (f *fakeReporter) SubmitJobResult(jobID uint64, status model.JobStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.reason = reason
	f.called = true
	return nil
}

func (f *fakeReporter) result() (model.JobStatus, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.reason, f.called
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func testLogger() *logging.Logger { return logging.New(logging.FATAL, false) }

func TestSupervisorCompletedSuccessfully(t *testing.T) {
	job := &model.Job{
		ID:         1,
		ScriptPath: writeScript(t, "exit 0\n"),
		ReqRes:     model.ResourceRequest{CPUCount: 1, MemoryBytes: 1 << 20, TimeMinutes: 1},
	}
	start := time.Now().Unix()
	job.StartTime = &start

	reporter := &fakeReporter{}
	sup := New(job, cgroup.New(testLogger()), reporter, testLogger())
	sup.Run()

	status, _, called := reporter.result()
	if !called || status != model.JobCompleted {
		t.Fatalf("expected COMPLETED, got %s (called=%v)", status, called)
	}
}

func TestSupervisorNonZeroExit(t *testing.T) {
	job := &model.Job{
		ID:         2,
		ScriptPath: writeScript(t, "exit 7\n"),
		ReqRes:     model.ResourceRequest{CPUCount: 1, MemoryBytes: 1 << 20, TimeMinutes: 1},
	}
	start := time.Now().Unix()
	job.StartTime = &start

	reporter := &fakeReporter{}
	sup := New(job, cgroup.New(testLogger()), reporter, testLogger())
	sup.Run()

	status, _, called := reporter.result()
	if !called || status != model.JobFailed {
		t.Fatalf("expected FAILED, got %s (called=%v)", status, called)
	}
}

func TestSupervisorMissingScript(t *testing.T) {
	job := &model.Job{
		ID:         3,
		ScriptPath: "/nonexistent/script.sh",
		ReqRes:     model.ResourceRequest{CPUCount: 1, MemoryBytes: 1 << 20, TimeMinutes: 1},
	}
	start := time.Now().Unix()
	job.StartTime = &start

	reporter := &fakeReporter{}
	sup := New(job, cgroup.New(testLogger()), reporter, testLogger())
	sup.Run()

	status, _, called := reporter.result()
	if !called || status != model.JobFailed {
		t.Fatalf("expected FAILED for missing script, got %s (called=%v)", status, called)
	}
}

func TestSupervisorCancel(t *testing.T) {
	job := &model.Job{
		ID:         4,
		ScriptPath: writeScript(t, "sleep 30\n"),
		ReqRes:     model.ResourceRequest{CPUCount: 1, MemoryBytes: 1 << 20, TimeMinutes: 5},
	}
	start := time.Now().Unix()
	job.StartTime = &start

	reporter := &fakeReporter{}
	sup := New(job, cgroup.New(testLogger()), reporter, testLogger())

	done := make(chan struct{})
	go func() {
		sup.Run()
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	sup.Cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not exit after cancel")
	}

	status, reason, called := reporter.result()
	if !called || status != model.JobFailed || reason != "cancelled" {
		t.Fatalf("expected FAILED/cancelled, got %s/%s (called=%v)", status, reason, called)
	}
}

func TestSupervisorDeadlineExceeded(t *testing.T) {
	job := &model.Job{
		ID:         5,
		ScriptPath: writeScript(t, "sleep 30\n"),
		ReqRes:     model.ResourceRequest{CPUCount: 1, MemoryBytes: 1 << 20, TimeMinutes: 0},
	}
	// With TimeMinutes=0, Deadline() (start + time_minutes*60) equals
	// StartTime, which has already elapsed, exercising the timeout path
	// immediately rather than waiting out a real minute.
	start := time.Now().Unix()
	job.StartTime = &start

	reporter := &fakeReporter{}
	sup := New(job, cgroup.New(testLogger()), reporter, testLogger())

	done := make(chan struct{})
	go func() {
		sup.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not time out")
	}

	status, reason, called := reporter.result()
	if !called || status != model.JobTimeout || reason == "" {
		t.Fatalf("expected TIMEOUT, got %s/%s (called=%v)", status, reason, called)
	}
}

func TestSupervisorExtendPostponesDeadline(t *testing.T) {
	job := &model.Job{
		ID:         6,
		ScriptPath: writeScript(t, "sleep 1\nexit 0\n"),
		ReqRes:     model.ResourceRequest{CPUCount: 1, MemoryBytes: 1 << 20, TimeMinutes: 0},
	}
	start := time.Now().Unix()
	job.StartTime = &start

	reporter := &fakeReporter{}
	sup := New(job, cgroup.New(testLogger()), reporter, testLogger())

	done := make(chan struct{})
	go func() {
		sup.Run()
		close(done)
	}()

	// The deadline has already elapsed (TimeMinutes=0); immediately
	// push it out by a minute so the child's 1s sleep wins the race
	// instead of the timeout.
	sup.Extend(1)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not finish")
	}

	status, _, called := reporter.result()
	if !called || status != model.JobCompleted {
		t.Fatalf("expected COMPLETED after extension postponed the deadline, got %s (called=%v)", status, called)
	}
}
