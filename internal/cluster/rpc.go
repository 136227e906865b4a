package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/me/stagerun/pkg/model"
)

// RPCCaller abstracts JSON-RPC 1.1 calls for testability.
type RPCCaller interface {
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// RPCError represents a JSON-RPC 1.1 error response.
type RPCError struct {
	Name    string `json:"name"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d (%s): %s", e.Code, e.Name, e.Message)
}

// codeNotFound is the error code a scheduler uses for unknown job ids.
const codeNotFound = 404

// ClientConfig holds the scheduler endpoint configuration.
type ClientConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

type rpcRequest struct {
	ID      string `json:"id"`
	Method  string `json:"method"`
	Version string `json:"version"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// HTTPRPCCaller implements RPCCaller using net/http.
type HTTPRPCCaller struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
	seq    atomic.Int64
}

// NewHTTPRPCCaller creates a caller targeting cfg.Endpoint.
func NewHTTPRPCCaller(cfg ClientConfig, logger *slog.Logger) *HTTPRPCCaller {
	return &HTTPRPCCaller{
		url:    cfg.Endpoint,
		token:  cfg.Token,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Call sends a JSON-RPC 1.1 request and returns the result field.
func (c *HTTPRPCCaller) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	id := fmt.Sprintf("stagerun-%d", c.seq.Add(1))

	body, err := json.Marshal(rpcRequest{
		ID:      id,
		Method:  method,
		Version: "1.1",
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	c.logger.Debug("rpc call", "method", method, "id", id)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc call %s: HTTP %d: %s", method, resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// RPCClient is a Scheduler reached through JSON-RPC.
type RPCClient struct {
	caller RPCCaller
	logger *slog.Logger
}

// NewRPCClient wraps caller as a Scheduler.
func NewRPCClient(caller RPCCaller, logger *slog.Logger) *RPCClient {
	return &RPCClient{
		caller: caller,
		logger: logger.With("component", "rpc-scheduler"),
	}
}

type submitRequest struct {
	Stage    string            `json:"stage"`
	Index    []string          `json:"index,omitempty"`
	Command  []string          `json:"command"`
	Env      map[string]string `json:"env,omitempty"`
	WorkDir  string            `json:"work_dir,omitempty"`
	DoneFlag string            `json:"done_flag"`
	Spec     Spec              `json:"spec"`
}

// Submit calls Scheduler.submit and returns the assigned job id.
func (c *RPCClient) Submit(ctx context.Context, job *model.Job, spec Spec) (string, error) {
	req := submitRequest{
		Stage:    job.Stage,
		Index:    job.Index,
		Command:  job.Command,
		Env:      job.Env,
		WorkDir:  job.WorkDir,
		DoneFlag: job.DoneFlag,
		Spec:     spec,
	}
	result, err := c.caller.Call(ctx, "Scheduler.submit", []any{req})
	if err != nil {
		return "", fmt.Errorf("job %s: submit: %w", job.Descriptor(), err)
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("job %s: parse submit response: %w", job.Descriptor(), err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("job %s: submit returned an empty id", job.Descriptor())
	}
	c.logger.Debug("job submitted", "job", job.Descriptor(), "external_id", resp.ID)
	return resp.ID, nil
}

// Query calls Scheduler.query and maps the remote state.
func (c *RPCClient) Query(ctx context.Context, id string) (Status, error) {
	result, err := c.caller.Call(ctx, "Scheduler.query", []any{id})
	if err != nil {
		return Status{}, notFound(fmt.Errorf("query %s: %w", id, err))
	}

	var resp struct {
		State       string      `json:"state"`
		Diagnostics Diagnostics `json:"diagnostics"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return Status{}, fmt.Errorf("parse query response for %s: %w", id, err)
	}
	return Status{State: mapRemoteState(resp.State), Diagnostics: resp.Diagnostics}, nil
}

// Cancel calls Scheduler.cancel.
func (c *RPCClient) Cancel(ctx context.Context, id string) error {
	if _, err := c.caller.Call(ctx, "Scheduler.cancel", []any{id}); err != nil {
		return notFound(fmt.Errorf("cancel %s: %w", id, err))
	}
	return nil
}

// ListActive calls Scheduler.list_active.
func (c *RPCClient) ListActive(ctx context.Context) ([]string, error) {
	result, err := c.caller.Call(ctx, "Scheduler.list_active", nil)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(result, &ids); err != nil {
		return nil, fmt.Errorf("parse list_active response: %w", err)
	}
	return ids, nil
}

// notFound adds ErrNotFound to the chain of err when the remote reported an
// unknown id.
func notFound(err error) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == codeNotFound {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

// mapRemoteState converts a scheduler state string to a JobState. Unknown states
// are treated as pending, so a job stuck in one is caught by the pending timeout.
func mapRemoteState(s string) model.JobState {
	switch s {
	case "pending", "queued":
		return model.JobStatePending
	case "running", "in-progress":
		return model.JobStateRunning
	case "inactive", "suspended":
		return model.JobStateInactive
	case "finished", "completed":
		return model.JobStateFinished
	case "failed":
		return model.JobStateFailed
	case "error":
		return model.JobStateError
	case "cancelled", "deleted":
		return model.JobStateCancelled
	default:
		return model.JobStatePending
	}
}
