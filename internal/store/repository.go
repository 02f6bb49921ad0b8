// Package store defines the JobRepository abstraction and its two
// concrete backends (sqlite, memory).
package store

import "github.com/protortyp/melon/internal/model"

// JobRepository is the durable mapping job_id -> job record. It is the
// only persistence abstraction the scheduler depends on; everything
// else (the pending queue, node registry) lives in the scheduler's own
// in-memory state.
type JobRepository interface {
	// CreateJob persists a new job. The job's ID must already be set.
	CreateJob(job *model.Job) error

	// GetJob returns the job with the given id, or ErrJobNotFound if it
	// doesn't exist.
	GetJob(id uint64) (*model.Job, error)

	// ListJobs returns every job, ordered by id ascending.
	ListJobs() ([]*model.Job, error)

	// UpdateJob writes through the full job record. Called on every
	// state transition per the write-through requirement.
	UpdateJob(job *model.Job) error

	// NextJobID returns a fresh, strictly-increasing job id.
	NextJobID() (uint64, error)

	Close() error
}

// NodeRepository maps node id to registration record. The sqlite
// backend writes node records to its nodes table, but the scheduler
// never reloads them at start, so node identity does not survive a
// master restart. Kept separate from JobRepository since only jobs are
// required to be durable; it is implemented by the same backend types
// for convenience.
type NodeRepository interface {
	UpsertNode(node *model.Node) error
	GetNode(id string) (*model.Node, error)
	DeleteNode(id string) error
	ListNodes() ([]*model.Node, error)
}

// Repository is the union implemented by both backends.
type Repository interface {
	JobRepository
	NodeRepository
}
