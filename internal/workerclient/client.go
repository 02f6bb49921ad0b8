// Package workerclient is the worker's HTTP client for calling the
// master's RegisterNode/SendHeartbeat/SubmitJobResult RPCs.
package workerclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/protortyp/melon/internal/model"
)

// Client manages communication with the master.
type Client struct {
	masterURL  string
	httpClient *http.Client
	nodeID     string
}

// New creates a client bound to masterURL (e.g. "http://10.0.0.1:7000").
func New(masterURL string) *Client {
	return &Client{
		masterURL: masterURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NodeID returns the id assigned by Register, empty before the first
// successful call.
func (c *Client) NodeID() string { return c.nodeID }

type registerRequest struct {
	Address string          `json:"address"`
	Total   model.Resources `json:"total"`
}

type registerResponse struct {
	NodeID string `json:"node_id"`
}

// Register registers the worker with the master and stores the
// returned node id for subsequent heartbeats.
func (c *Client) Register(address string, total model.Resources) (string, error) {
	data, err := json.Marshal(registerRequest{Address: address, Total: total})
	if err != nil {
		return "", fmt.Errorf("marshal registration: %w", err)
	}

	resp, err := c.httpClient.Post(c.masterURL+"/rpc/register_node", "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("send registration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("registration failed with status %d: %s", resp.StatusCode, string(body))
	}

	var reg registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return "", fmt.Errorf("decode registration response: %w", err)
	}
	c.nodeID = reg.NodeID
	return reg.NodeID, nil
}

// errNodeNotRegistered is returned by calls that require a prior
// Register.
var errNodeNotRegistered = fmt.Errorf("workerclient: node not registered")

// SendHeartbeat reports liveness. ErrUnknownNode-shaped responses
// (HTTP 404) are surfaced to the caller so the worker can re-register.
func (c *Client) SendHeartbeat() error {
	if c.nodeID == "" {
		return errNodeNotRegistered
	}

	resp, err := c.httpClient.Post(c.masterURL+"/rpc/heartbeat", "application/json",
		bytes.NewReader(mustJSON(map[string]string{"node_id": c.nodeID})))
	if err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownNode
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("heartbeat failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// ErrUnknownNode is returned when the master no longer recognizes this
// worker's node id (e.g. it was evicted by the liveness sweep); the
// worker should re-register.
var ErrUnknownNode = fmt.Errorf("workerclient: node id not recognized by master")

// SubmitJobResult reports a job's terminal status.
func (c *Client) SubmitJobResult(jobID uint64, status model.JobStatus, failureReason string) error {
	data, err := json.Marshal(map[string]interface{}{
		"job_id":         jobID,
		"status":         status,
		"failure_reason": failureReason,
	})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	resp, err := c.httpClient.Post(c.masterURL+"/rpc/submit_result", "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("send result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("submit result failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
