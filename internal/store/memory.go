package store

import (
	"sort"
	"sync"

	"github.com/protortyp/melon/internal/model"
)

// MemoryRepository is an in-process implementation of Repository, used
// by tests and by daemons started with an in-memory store. It carries
// its own lock because it is also usable standalone (e.g. by the
// read-only API) without the scheduler's coarse lock held.
type MemoryRepository struct {
	mu     sync.RWMutex
	jobs   map[uint64]*model.Job
	nodes  map[string]*model.Node
	nextID uint64
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:  make(map[uint64]*model.Job),
		nodes: make(map[string]*model.Node),
	}
}

func (r *MemoryRepository) NextJobID() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID, nil
}

func (r *MemoryRepository) CreateJob(job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryRepository) GetJob(id uint64) (*model.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryRepository) ListJobs() ([]*model.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jobs := make([]*model.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

func (r *MemoryRepository) UpdateJob(job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryRepository) UpsertNode(node *model.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[node.ID] = node.Clone()
	return nil
}

func (r *MemoryRepository) GetNode(id string) (*model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return node.Clone(), nil
}

func (r *MemoryRepository) DeleteNode(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, id)
	return nil
}

func (r *MemoryRepository) ListNodes() ([]*model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes := make([]*model.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n.Clone())
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (r *MemoryRepository) Close() error { return nil }
