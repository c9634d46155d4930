package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hivelabs/hive/pkg/types"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status int
	Kind   string
	Reason string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Kind, e.Reason)
}

// Retryable reports whether the caller should retry with backoff. Bots treat
// 4xx as log-and-carry-on so they keep polling and can self-update.
func (e *APIError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusConflict
}

// Client talks to the scheduler API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	// Bot session credentials, set by Handshake.
	botID     string
	xsrfToken string
}

// New creates a client. token is the bearer token; empty is fine against a
// server running in open development mode.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.xsrfToken != "" {
		req.Header.Set("X-XSRF-Token", c.xsrfToken)
		req.Header.Set("X-Bot-ID", c.botID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		var parsed struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err == nil {
			apiErr.Kind = parsed.Error
			apiErr.Reason = parsed.Reason
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// NewTaskArgs mirrors the /tasks/new request body.
type NewTaskArgs struct {
	Name           string               `json:"name"`
	User           string               `json:"user"`
	Priority       int                  `json:"priority"`
	ExpirationSecs int                  `json:"expiration_secs"`
	Properties     types.TaskProperties `json:"properties"`
}

// NewTaskResult is the /tasks/new response.
type NewTaskResult struct {
	Request types.TaskRequest `json:"request"`
	TaskID  string            `json:"task_id"`
}

// NewTask submits a task.
func (c *Client) NewTask(ctx context.Context, args NewTaskArgs) (*NewTaskResult, error) {
	var out NewTaskResult
	if err := c.do(ctx, http.MethodPost, "/tasks/new", args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelResult is the /tasks/cancel response.
type CancelResult struct {
	OK         bool `json:"ok"`
	WasRunning bool `json:"was_running"`
}

// CancelTask cancels a task by its public id.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*CancelResult, error) {
	var out CancelResult
	in := map[string]string{"task_id": taskID}
	if err := c.do(ctx, http.MethodPost, "/tasks/cancel", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskSummary is one listing entry; the task id rides next to the summary
// fields.
type TaskSummary struct {
	types.TaskResultSummary
	TaskID string `json:"task_id"`
}

// TaskList is a page of task summaries.
type TaskList struct {
	Items  []TaskSummary `json:"items"`
	Cursor string        `json:"cursor"`
}

// ListTasksQuery filters /tasks/list.
type ListTasksQuery struct {
	State  string
	Name   string
	User   string
	Cursor string
	Limit  int
}

// ListTasks fetches one page of task summaries.
func (c *Client) ListTasks(ctx context.Context, q ListTasksQuery) (*TaskList, error) {
	vals := url.Values{}
	if q.State != "" {
		vals.Set("state", q.State)
	}
	if q.Name != "" {
		vals.Set("name", q.Name)
	}
	if q.User != "" {
		vals.Set("user", q.User)
	}
	if q.Cursor != "" {
		vals.Set("cursor", q.Cursor)
	}
	if q.Limit > 0 {
		vals.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/tasks/list"
	if len(vals) > 0 {
		path += "?" + vals.Encode()
	}
	var out TaskList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask fetches one task's result summary.
func (c *Client) GetTask(ctx context.Context, taskID string) (*TaskSummary, error) {
	var out TaskSummary
	if err := c.do(ctx, http.MethodGet, "/task/"+url.PathEscape(taskID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTaskRequest fetches the original submitted request.
func (c *Client) GetTaskRequest(ctx context.Context, taskID string) (*types.TaskRequest, error) {
	var out types.TaskRequest
	if err := c.do(ctx, http.MethodGet, "/task/"+url.PathEscape(taskID)+"/request", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskOutput fetches one command's output.
func (c *Client) TaskOutput(ctx context.Context, taskID string, commandIndex int) (string, error) {
	var out struct {
		Output string `json:"output"`
	}
	path := fmt.Sprintf("/task/%s/output/%d", url.PathEscape(taskID), commandIndex)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.Output, nil
}

// TaskOutputs fetches every command's output.
func (c *Client) TaskOutputs(ctx context.Context, taskID string) ([]string, error) {
	var out struct {
		Outputs []string `json:"outputs"`
	}
	if err := c.do(ctx, http.MethodGet, "/task/"+url.PathEscape(taskID)+"/output/all", nil, &out); err != nil {
		return nil, err
	}
	return out.Outputs, nil
}

// ListBots fetches the server's bot registry.
func (c *Client) ListBots(ctx context.Context) ([]*types.BotRecord, error) {
	var out struct {
		Items []*types.BotRecord `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/bots", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// TerminateBot schedules a bot shutdown on its next poll.
func (c *Client) TerminateBot(ctx context.Context, botID string) error {
	return c.do(ctx, http.MethodPost, "/bot/"+url.PathEscape(botID)+"/terminate", struct{}{}, nil)
}

// BotState is the self-reported state sent with polls.
type BotState struct {
	SleepStreak int     `json:"sleep_streak"`
	UptimeSecs  float64 `json:"uptime"`
	Quarantined string  `json:"quarantined,omitempty"`
}

type botRequest struct {
	ID         string              `json:"id"`
	Dimensions map[string][]string `json:"dimensions"`
	State      BotState            `json:"state"`
	Version    string              `json:"version"`
}

// HandshakeResult is the /bot/handshake response.
type HandshakeResult struct {
	BotVersion    string `json:"bot_version"`
	ServerVersion string `json:"server_version"`
	XSRFToken     string `json:"xsrf_token"`
}

// Handshake opens a bot session; the returned XSRF token is remembered and
// sent on every later bot call.
func (c *Client) Handshake(ctx context.Context, botID string, dims map[string][]string, state BotState, version string) (*HandshakeResult, error) {
	var out HandshakeResult
	in := botRequest{ID: botID, Dimensions: dims, State: state, Version: version}
	if err := c.do(ctx, http.MethodPost, "/bot/handshake", in, &out); err != nil {
		return nil, err
	}
	c.botID = botID
	c.xsrfToken = out.XSRFToken
	return &out, nil
}

// PollResult is the decoded poll command: Cmd names the variant, the other
// fields are populated per variant.
type PollResult struct {
	Cmd         string              `json:"cmd"`
	Manifest    *types.TaskManifest `json:"manifest,omitempty"`
	Duration    float64             `json:"duration,omitempty"`
	Quarantined bool                `json:"quarantined,omitempty"`
	Version     string              `json:"version,omitempty"`
	Message     string              `json:"message,omitempty"`
	TaskID      string              `json:"task_id,omitempty"`
}

// Poll asks the server for the next command.
func (c *Client) Poll(ctx context.Context, botID string, dims map[string][]string, state BotState, version string) (*PollResult, error) {
	var out PollResult
	in := botRequest{ID: botID, Dimensions: dims, State: state, Version: version}
	if err := c.do(ctx, http.MethodPost, "/bot/poll", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskUpdateArgs is one incremental report for a running task.
type TaskUpdateArgs struct {
	TaskID           string
	CommandIndex     int
	Output           []byte
	OutputChunkStart int64
	ExitCode         *int64
	Duration         *float64
	HardTimeout      bool
	IOTimeout        bool
}

// UpdateResult is the /bot/task_update response.
type UpdateResult struct {
	OK       bool `json:"ok"`
	MustStop bool `json:"must_stop"`
}

// TaskUpdate reports progress on a running task. Binary output travels
// base64-encoded.
func (c *Client) TaskUpdate(ctx context.Context, args TaskUpdateArgs) (*UpdateResult, error) {
	in := map[string]interface{}{
		"id":                 c.botID,
		"task_id":            args.TaskID,
		"command_index":      args.CommandIndex,
		"output_chunk_start": args.OutputChunkStart,
	}
	if len(args.Output) > 0 {
		in["output"] = base64.StdEncoding.EncodeToString(args.Output)
	}
	if args.ExitCode != nil {
		in["exit_code"] = *args.ExitCode
	}
	if args.Duration != nil {
		in["duration"] = *args.Duration
	}
	if args.HardTimeout {
		in["hard_timeout"] = true
	}
	if args.IOTimeout {
		in["io_timeout"] = true
	}
	var out UpdateResult
	if err := c.do(ctx, http.MethodPost, "/bot/task_update", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskError tells the server the bot cannot finish the task; the server
// declares BOT_DIED.
func (c *Client) TaskError(ctx context.Context, taskID, message string) error {
	in := map[string]string{
		"id":      c.botID,
		"task_id": taskID,
		"message": message,
	}
	return c.do(ctx, http.MethodPost, "/bot/task_error", in, nil)
}

// BotError reports an internal bot error; the server quarantines the bot.
func (c *Client) BotError(ctx context.Context, message string) error {
	in := map[string]string{
		"id":      c.botID,
		"message": message,
	}
	return c.do(ctx, http.MethodPost, "/bot/error", in, nil)
}

// Ping checks server liveness and returns its version.
func (c *Client) Ping(ctx context.Context) (string, error) {
	var out struct {
		ServerVersion string `json:"server_version"`
	}
	if err := c.do(ctx, http.MethodGet, "/server_ping", nil, &out); err != nil {
		return "", err
	}
	return out.ServerVersion, nil
}
