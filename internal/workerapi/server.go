// Package workerapi exposes the worker's RPC surface — AssignJob,
// CancelJob and ExtendJob, pushed by the master — as JSON-over-HTTP
// endpoints served with gorilla/mux. The teacher's agent only ever
// polled the master for work; this server is the push-side
// counterpart spec.md's RPC model requires.
package workerapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/protortyp/melon/internal/logging"
	"github.com/protortyp/melon/internal/melonerr"
	"github.com/protortyp/melon/internal/model"
)

// Agent is the subset of *worker.Agent the handlers call.
type Agent interface {
	AssignJob(job *model.Job) error
	CancelJob(jobID uint64, user string) error
	ExtendJob(jobID uint64, user string, extensionMins uint32) error
}

// Handler implements the worker's RPC surface.
type Handler struct {
	agent Agent
	log   *logging.Logger
}

// New returns a Handler bound to agent.
func New(agent Agent, log *logging.Logger) *Handler {
	return &Handler{agent: agent, log: log}
}

// RegisterRoutes wires every RPC onto r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/rpc/assign_job", h.AssignJob).Methods("POST")
	r.HandleFunc("/rpc/jobs/{id}/cancel", h.CancelJob).Methods("POST")
	r.HandleFunc("/rpc/jobs/{id}/extend", h.ExtendJob).Methods("POST")
}

type assignJobRequest struct {
	JobID      uint64                `json:"job_id"`
	ScriptPath string                `json:"script_path"`
	User       string                `json:"user"`
	ReqRes     model.ResourceRequest `json:"req_res"`
	ScriptArgs []string              `json:"script_args"`
}

func (h *Handler) AssignJob(w http.ResponseWriter, r *http.Request) {
	var req assignJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		melonerr.WriteHTTP(w, melonerr.Invalidf("malformed request body: %v", err))
		return
	}

	job := &model.Job{
		ID:         req.JobID,
		User:       req.User,
		ScriptPath: req.ScriptPath,
		ScriptArgs: req.ScriptArgs,
		ReqRes:     req.ReqRes,
		Status:     model.JobRunning,
	}

	if err := h.agent.AssignJob(job); err != nil {
		melonerr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type jobActionRequest struct {
	User          string `json:"user"`
	ExtensionMins uint32 `json:"extension_mins,omitempty"`
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDFromVars(r)
	if err != nil {
		melonerr.WriteHTTP(w, err)
		return
	}

	var req jobActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		melonerr.WriteHTTP(w, melonerr.Invalidf("malformed request body: %v", err))
		return
	}

	if err := h.agent.CancelJob(id, req.User); err != nil {
		melonerr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) ExtendJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDFromVars(r)
	if err != nil {
		melonerr.WriteHTTP(w, err)
		return
	}

	var req jobActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		melonerr.WriteHTTP(w, melonerr.Invalidf("malformed request body: %v", err))
		return
	}

	if err := h.agent.ExtendJob(id, req.User, req.ExtensionMins); err != nil {
		melonerr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func jobIDFromVars(r *http.Request) (uint64, error) {
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, melonerr.Invalidf("malformed job id %q", idStr)
	}
	return id, nil
}
