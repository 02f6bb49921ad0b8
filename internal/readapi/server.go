// Package readapi serves the optional read-only HTTP API a web UI
// would consume: cluster health and the current job list. It never
// mutates scheduler state.
package readapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/protortyp/melon/internal/model"
)

// JobLister is the subset of *scheduler.Scheduler this API reads from.
type JobLister interface {
	ListJobs() ([]*model.Job, error)
}

// Handler implements the read-only API.
type Handler struct {
	sched JobLister
}

// New returns a Handler bound to sched.
func New(sched JobLister) *Handler {
	return &Handler{sched: sched}
}

// RegisterRoutes wires the read-only routes onto r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/health", h.Health).Methods("GET")
	r.HandleFunc("/api/jobs", h.ListJobs).Methods("GET")
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.sched.ListJobs()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobs)
}
