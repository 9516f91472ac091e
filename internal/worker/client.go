package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gridxlabs/gridx/api"
	"github.com/gridxlabs/gridx/internal/tlsutil"
	"github.com/gridxlabs/gridx/types"
)

// Client talks the agent protocol to the coordinator.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a coordinator client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    tlsutil.SecureHTTPClient(60 * time.Second),
	}
}

// envelope mirrors the coordinator's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return types.NewError(types.ErrInternalError, "encode request").WithCause(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return types.NewError(types.ErrInternalError, "build request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewError(types.ErrServiceUnavailable, "coordinator unreachable").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return types.NewErrorf(types.ErrInternalError, "decode response (HTTP %d)", resp.StatusCode).WithCause(err)
	}
	if !env.Success {
		code := types.ErrInternalError
		message := fmt.Sprintf("coordinator returned HTTP %d", resp.StatusCode)
		retryable := false
		if env.Error != nil {
			code = types.ErrorCode(env.Error.Code)
			message = env.Error.Message
			retryable = env.Error.Retryable
		}
		return types.NewError(code, message).WithRetryable(retryable)
	}
	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return types.NewError(types.ErrInternalError, "decode response data").WithCause(err)
		}
	}
	return nil
}

// Register registers the agent; idempotent on the coordinator side.
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (*api.RegisterResponse, error) {
	var out api.RegisterResponse
	if err := c.postJSON(ctx, "/v1/agent/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat reports liveness and the agent's current status.
func (c *Client) Heartbeat(ctx context.Context, agentID string, status types.AgentStatus) error {
	return c.postJSON(ctx, "/v1/agent/heartbeat", api.HeartbeatRequest{
		AgentID: agentID,
		Status:  string(status),
	}, nil)
}

// RequestTask polls for work. A nil response means nothing is pending.
func (c *Client) RequestTask(ctx context.Context, agentID string) (*api.TaskResponse, error) {
	var out api.TaskResponse
	if err := c.postJSON(ctx, "/v1/agent/request_task", api.TaskRequest{AgentID: agentID}, &out); err != nil {
		return nil, err
	}
	if !out.Assigned {
		return nil, nil
	}
	return &out, nil
}

// UploadResult sends the artifact bytes and returns the stored URL.
func (c *Client) UploadResult(ctx context.Context, agentID, taskID string, artifact []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("agent_id", agentID); err != nil {
		return "", types.NewError(types.ErrInternalError, "build upload").WithCause(err)
	}
	if err := mw.WriteField("task_id", taskID); err != nil {
		return "", types.NewError(types.ErrInternalError, "build upload").WithCause(err)
	}
	fw, err := mw.CreateFormFile("model", "model.pth")
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "build upload").WithCause(err)
	}
	if _, err := fw.Write(artifact); err != nil {
		return "", types.NewError(types.ErrInternalError, "build upload").WithCause(err)
	}
	if err := mw.Close(); err != nil {
		return "", types.NewError(types.ErrInternalError, "build upload").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/agent/upload_result", &buf)
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "build request").WithCause(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out api.UploadResultResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	return out.ResultURL, nil
}

// CompleteTask reports a finished subtask. resultURL may be empty when
// execution produced no artifact.
func (c *Client) CompleteTask(ctx context.Context, agentID, taskID, resultURL string) error {
	return c.postJSON(ctx, "/v1/agent/complete_task", api.CompleteTaskRequest{
		AgentID:   agentID,
		TaskID:    taskID,
		ResultURL: resultURL,
	}, nil)
}

// Fetch downloads a file the coordinator pointed the agent at.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "build request").WithCause(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, types.NewErrorf(types.ErrTransientFetch, "fetch %s", url).WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewErrorf(types.ErrTransientFetch, "fetch %s: HTTP %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
