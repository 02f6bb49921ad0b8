// Package model defines the data types shared by the master and worker.
package model

import "time"

// JobStatus is the five-state job lifecycle status.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobTimeout   JobStatus = "TIMEOUT"
)

// String returns the wire-format name of the status.
func (s JobStatus) String() string { return string(s) }

// ResourceRequest is the resolved resource ask for a job, already
// defaulted and parsed on the submission side.
type ResourceRequest struct {
	CPUCount     uint32 `json:"cpu_count"`
	MemoryBytes  uint64 `json:"memory_bytes"`
	TimeMinutes  uint32 `json:"time_minutes"`
}

// AsResources projects the cpu/memory portion of a ResourceRequest into
// a Resources value, for comparison against a node's free capacity.
func (r ResourceRequest) AsResources() Resources {
	return Resources{CPUCount: r.CPUCount, MemoryBytes: r.MemoryBytes}
}

// Job is the master's record of a single submission.
type Job struct {
	ID             uint64          `json:"id"`
	User           string          `json:"user"`
	ScriptPath     string          `json:"script_path"`
	ScriptArgs     []string        `json:"script_args,omitempty"`
	ReqRes         ResourceRequest `json:"req_res"`
	SubmitTime     int64           `json:"submit_time"`
	StartTime      *int64          `json:"start_time,omitempty"`
	StopTime       *int64          `json:"stop_time,omitempty"`
	Status         JobStatus       `json:"status"`
	AssignedNodeID string          `json:"assigned_node_id,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
}

// Deadline returns the job's effective wall-clock deadline. It is only
// meaningful once StartTime is set.
func (j *Job) Deadline() time.Time {
	if j.StartTime == nil {
		return time.Time{}
	}
	start := time.Unix(*j.StartTime, 0)
	return start.Add(time.Duration(j.ReqRes.TimeMinutes) * time.Minute)
}

// IsTerminal reports whether Status is one of the three terminal states.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobTimeout:
		return true
	default:
		return false
	}
}

// Clone returns a deep-enough copy safe to hand outside the repository's
// lock (ScriptArgs is copied; nothing in Job is reachable mutable state
// beyond that slice and the two pointer timestamps, which are replaced
// wholesale rather than mutated in place).
func (j *Job) Clone() *Job {
	cp := *j
	if j.ScriptArgs != nil {
		cp.ScriptArgs = append([]string(nil), j.ScriptArgs...)
	}
	if j.StartTime != nil {
		t := *j.StartTime
		cp.StartTime = &t
	}
	if j.StopTime != nil {
		t := *j.StopTime
		cp.StopTime = &t
	}
	return &cp
}
