// Package masterapi exposes the master's RPC surface (spec.md §6) as
// JSON-over-HTTP endpoints, served with gorilla/mux.
package masterapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/protortyp/melon/internal/logging"
	"github.com/protortyp/melon/internal/melonerr"
	"github.com/protortyp/melon/internal/model"
)

// Scheduler is the subset of *scheduler.Scheduler the handlers call.
// Declaring it here (rather than importing the concrete type) keeps
// this package testable with a fake and avoids a dependency cycle with
// internal/scheduler's own tests.
type Scheduler interface {
	Submit(user, scriptPath string, req model.ResourceRequest, scriptArgs []string) (uint64, error)
	RegisterNode(address string, total model.Resources) (string, error)
	SendHeartbeat(nodeID string) error
	SubmitJobResult(jobID uint64, status model.JobStatus, failureReason string) error
	ListJobs() ([]*model.Job, error)
	GetJobInfo(id uint64) (*model.Job, error)
	CancelJob(jobID uint64, user string) error
	ExtendJob(jobID uint64, user string, extensionMins uint32) error
}

// Handler implements the master RPC surface.
type Handler struct {
	sched Scheduler
	log   *logging.Logger
}

// New returns a Handler bound to sched.
func New(sched Scheduler, log *logging.Logger) *Handler {
	return &Handler{sched: sched, log: log}
}

// RegisterRoutes wires every RPC onto r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/rpc/submit_job", h.SubmitJob).Methods("POST")
	r.HandleFunc("/rpc/register_node", h.RegisterNode).Methods("POST")
	r.HandleFunc("/rpc/heartbeat", h.SendHeartbeat).Methods("POST")
	r.HandleFunc("/rpc/submit_result", h.SubmitJobResult).Methods("POST")
	r.HandleFunc("/rpc/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/rpc/jobs/{id}", h.GetJobInfo).Methods("GET")
	r.HandleFunc("/rpc/jobs/{id}/cancel", h.CancelJob).Methods("POST")
	r.HandleFunc("/rpc/jobs/{id}/extend", h.ExtendJob).Methods("POST")
}

type submitJobRequest struct {
	ScriptPath string                `json:"script_path"`
	User       string                `json:"user"`
	ReqRes     model.ResourceRequest `json:"req_res"`
	ScriptArgs []string              `json:"script_args"`
}

type submitJobResponse struct {
	JobID uint64 `json:"job_id"`
}

func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		melonerr.WriteHTTP(w, melonerr.Invalidf("malformed request body: %v", err))
		return
	}

	id, err := h.sched.Submit(req.User, req.ScriptPath, req.ReqRes, req.ScriptArgs)
	if err != nil {
		melonerr.WriteHTTP(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, submitJobResponse{JobID: id})
}

type registerNodeRequest struct {
	Address string          `json:"address"`
	Total   model.Resources `json:"total"`
}

type registerNodeResponse struct {
	NodeID string `json:"node_id"`
}

func (h *Handler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		melonerr.WriteHTTP(w, melonerr.Invalidf("malformed request body: %v", err))
		return
	}

	id, err := h.sched.RegisterNode(req.Address, req.Total)
	if err != nil {
		melonerr.WriteHTTP(w, err)
		return
	}

	h.log.Info("node registered via RPC", map[string]interface{}{"node_id": id, "address": req.Address})
	writeJSON(w, http.StatusCreated, registerNodeResponse{NodeID: id})
}

type heartbeatRequest struct {
	NodeID string `json:"node_id"`
}

func (h *Handler) SendHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		melonerr.WriteHTTP(w, melonerr.Invalidf("malformed request body: %v", err))
		return
	}

	if err := h.sched.SendHeartbeat(req.NodeID); err != nil {
		melonerr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type submitJobResultRequest struct {
	JobID         uint64          `json:"job_id"`
	Status        model.JobStatus `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

func (h *Handler) SubmitJobResult(w http.ResponseWriter, r *http.Request) {
	var req submitJobResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		melonerr.WriteHTTP(w, melonerr.Invalidf("malformed request body: %v", err))
		return
	}

	if err := h.sched.SubmitJobResult(req.JobID, req.Status, req.FailureReason); err != nil {
		melonerr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.sched.ListJobs()
	if err != nil {
		melonerr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) GetJobInfo(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDFromVars(r)
	if err != nil {
		melonerr.WriteHTTP(w, err)
		return
	}

	job, err := h.sched.GetJobInfo(id)
	if err != nil {
		melonerr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type cancelJobRequest struct {
	User string `json:"user"`
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDFromVars(r)
	if err != nil {
		melonerr.WriteHTTP(w, err)
		return
	}

	var req cancelJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		melonerr.WriteHTTP(w, melonerr.Invalidf("malformed request body: %v", err))
		return
	}

	if err := h.sched.CancelJob(id, req.User); err != nil {
		melonerr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type extendJobRequest struct {
	User          string `json:"user"`
	ExtensionMins uint32 `json:"extension_mins"`
}

func (h *Handler) ExtendJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDFromVars(r)
	if err != nil {
		melonerr.WriteHTTP(w, err)
		return
	}

	var req extendJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		melonerr.WriteHTTP(w, melonerr.Invalidf("malformed request body: %v", err))
		return
	}

	if err := h.sched.ExtendJob(id, req.User, req.ExtensionMins); err != nil {
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

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
