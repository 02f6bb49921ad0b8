// Package masterclient is the master's HTTP client for calling a
// worker's AssignJob/CancelJob/ExtendJob RPCs. It implements
// scheduler.Dispatcher.
package masterclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/protortyp/melon/internal/model"
)

// Client calls a worker's RPC surface over HTTP/JSON.
type Client struct {
	httpClient *http.Client
}

// New returns a Client using httpClient, or http.DefaultClient if nil.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient}
}

type assignJobRequest struct {
	JobID      uint64                `json:"job_id"`
	ScriptPath string                `json:"script_path"`
	User       string                `json:"user"`
	ReqRes     model.ResourceRequest `json:"req_res"`
	ScriptArgs []string              `json:"script_args"`
}

// AssignJob sends the job to nodeAddr's worker RPC server. The call
// returns only once the worker has started its supervisor task, per
// spec.md §4.5.
func (c *Client) AssignJob(ctx context.Context, nodeAddr string, job *model.Job) error {
	body := assignJobRequest{
		JobID:      job.ID,
		ScriptPath: job.ScriptPath,
		User:       job.User,
		ReqRes:     job.ReqRes,
		ScriptArgs: job.ScriptArgs,
	}
	return c.post(ctx, nodeAddr, "/rpc/assign_job", body)
}

type jobActionRequest struct {
	User          string `json:"user"`
	ExtensionMins uint32 `json:"extension_mins,omitempty"`
}

// CancelJob tells nodeAddr's worker to terminate jobID. The RPC is
// idempotent on the worker side.
func (c *Client) CancelJob(ctx context.Context, nodeAddr string, jobID uint64, user string) error {
	return c.post(ctx, nodeAddr, fmt.Sprintf("/rpc/jobs/%d/cancel", jobID), jobActionRequest{User: user})
}

// ExtendJob tells nodeAddr's worker to push out jobID's deadline by
// extensionMins.
func (c *Client) ExtendJob(ctx context.Context, nodeAddr string, jobID uint64, user string, extensionMins uint32) error {
	return c.post(ctx, nodeAddr, fmt.Sprintf("/rpc/jobs/%d/extend", jobID), jobActionRequest{
		User:          user,
		ExtensionMins: extensionMins,
	})
}

func (c *Client) post(ctx context.Context, nodeAddr, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+nodeAddr+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(respBody))
	}
	return nil
}
