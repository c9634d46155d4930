package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivelabs/hive/pkg/config"
	"github.com/hivelabs/hive/pkg/scheduler"
	"github.com/hivelabs/hive/pkg/storage"
	"github.com/hivelabs/hive/pkg/types"
)

var linuxDims = map[string][]string{"os": {"Linux"}, "pool": {"default"}}

type testServer struct {
	t     *testing.T
	ts    *httptest.Server
	store storage.Store
}

// newTestServer spins up the full router over a fresh store. mut customizes
// the default configuration; nil keeps the open development mode.
func newTestServer(t *testing.T, mut func(*config.Server)) *testServer {
	t.Helper()
	cfg := config.DefaultServer()
	cfg.DataDir = t.TempDir()
	if mut != nil {
		mut(cfg)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sched := scheduler.New(store, nil, scheduler.Config{
		ChunkSize:     cfg.ChunkSize,
		MaxCandidates: cfg.MaxCandidates,
	})
	srv := NewServer(cfg, sched, store)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{t: t, ts: ts, store: store}
}

type call struct {
	method string
	path   string
	token  string
	xsrf   string
	botID  string
	body   interface{}
}

func (s *testServer) do(c call) (int, map[string]interface{}) {
	s.t.Helper()
	var rd io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(c.method, s.ts.URL+c.path, rd)
	require.NoError(s.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.xsrf != "" {
		req.Header.Set(XSRFHeader, c.xsrf)
		req.Header.Set("X-Bot-ID", c.botID)
	}
	resp, err := s.ts.Client().Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (s *testServer) handshake(botID, token string) string {
	s.t.Helper()
	status, out := s.do(call{
		method: http.MethodPost, path: "/bot/handshake", token: token,
		body: botRequest{ID: botID, Dimensions: linuxDims, Version: "dev"},
	})
	require.Equal(s.t, http.StatusOK, status)
	xsrf, _ := out["xsrf_token"].(string)
	require.NotEmpty(s.t, xsrf)
	return xsrf
}

func (s *testServer) poll(botID, token, xsrf string, body botRequest) map[string]interface{} {
	s.t.Helper()
	status, out := s.do(call{
		method: http.MethodPost, path: "/bot/poll",
		token: token, xsrf: xsrf, botID: botID, body: body,
	})
	require.Equal(s.t, http.StatusOK, status)
	return out
}

func validTaskArgs() scheduler.NewTaskArgs {
	return scheduler.NewTaskArgs{
		Name:           "compile",
		User:           "alice",
		Priority:       100,
		ExpirationSecs: 3600,
		Properties: types.TaskProperties{
			Commands:             [][]string{{"echo", "hello"}},
			Dimensions:           map[string]string{"os": "Linux"},
			ExecutionTimeoutSecs: 600,
		},
	}
}

func (s *testServer) submit(token string, args scheduler.NewTaskArgs) string {
	s.t.Helper()
	status, out := s.do(call{method: http.MethodPost, path: "/tasks/new", token: token, body: args})
	require.Equal(s.t, http.StatusOK, status)
	taskID, _ := out["task_id"].(string)
	require.NotEmpty(s.t, taskID)
	return taskID
}

func TestServerPing(t *testing.T) {
	s := newTestServer(t, nil)
	status, out := s.do(call{method: http.MethodGet, path: "/server_ping"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, ServerVersion, out["server_version"])
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	taskID := s.submit("", validTaskArgs())

	status, out := s.do(call{method: http.MethodGet, path: "/task/" + taskID})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "PENDING", out["state"])
	assert.Equal(t, taskID, out["task_id"])

	xsrf := s.handshake("bot-1", "")
	cmd := s.poll("bot-1", "", xsrf, botRequest{ID: "bot-1", Dimensions: linuxDims, Version: "dev"})
	require.Equal(t, "run", cmd["cmd"])
	manifest := cmd["manifest"].(map[string]interface{})
	runID := manifest["task_id"].(string)
	assert.Equal(t, "bot-1", manifest["bot_id"])

	// Stream output, then report the exit code.
	status, out = s.do(call{
		method: http.MethodPost, path: "/bot/task_update",
		xsrf: xsrf, botID: "bot-1",
		body: taskUpdateRequest{
			ID: "bot-1", TaskID: runID, CommandIndex: 0,
			Output: base64.StdEncoding.EncodeToString([]byte("hello\n")),
		},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out["must_stop"])

	zero := int64(0)
	dur := 1.25
	status, _ = s.do(call{
		method: http.MethodPost, path: "/bot/task_update",
		xsrf: xsrf, botID: "bot-1",
		body: taskUpdateRequest{
			ID: "bot-1", TaskID: runID, CommandIndex: 0,
			Output:           base64.StdEncoding.EncodeToString([]byte("hello\n")),
			OutputChunkStart: 0,
			ExitCode:         &zero, Duration: &dur,
		},
	})
	require.Equal(t, http.StatusOK, status)

	status, out = s.do(call{method: http.MethodGet, path: "/task/" + taskID})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "COMPLETED", out["state"])
	assert.Equal(t, false, out["failure"])
	assert.Equal(t, "bot-1", out["bot_id"])

	status, out = s.do(call{method: http.MethodGet, path: "/task/" + taskID + "/output/0"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello\n", out["output"])

	status, out = s.do(call{method: http.MethodGet, path: "/task/" + taskID + "/output/all"})
	require.Equal(t, http.StatusOK, status)
	outputs := out["outputs"].([]interface{})
	require.Len(t, outputs, 1)
	assert.Equal(t, "hello\n", outputs[0])
}

func TestPollSleepWhenQueueEmpty(t *testing.T) {
	s := newTestServer(t, nil)
	xsrf := s.handshake("bot-1", "")
	cmd := s.poll("bot-1", "", xsrf, botRequest{ID: "bot-1", Dimensions: linuxDims, Version: "dev"})
	require.Equal(t, "sleep", cmd["cmd"])
	d := cmd["duration"].(float64)
	assert.Greater(t, d, 0.0)
	assert.LessOrEqual(t, d, sleepMax*1.15)
	assert.Equal(t, false, cmd["quarantined"])
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Server) {
		cfg.Auth = config.Auth{
			BotTokens:   []string{"bot-secret"},
			UserTokens:  []string{"user-secret"},
			AdminTokens: []string{"admin-secret"},
		}
	})

	status, _ := s.do(call{method: http.MethodPost, path: "/tasks/new", body: validTaskArgs()})
	assert.Equal(t, http.StatusForbidden, status, "anonymous caller")

	status, _ = s.do(call{method: http.MethodPost, path: "/tasks/new", token: "bot-secret", body: validTaskArgs()})
	assert.Equal(t, http.StatusForbidden, status, "bot token on a client endpoint")

	status, _ = s.do(call{method: http.MethodPost, path: "/tasks/new", token: "user-secret", body: validTaskArgs()})
	assert.Equal(t, http.StatusOK, status)

	status, _ = s.do(call{
		method: http.MethodPost, path: "/bot/handshake", token: "user-secret",
		body: botRequest{ID: "b1", Dimensions: linuxDims, Version: "dev"},
	})
	assert.Equal(t, http.StatusForbidden, status, "user token on a bot endpoint")

	// A bot token alone is not enough past the handshake.
	status, _ = s.do(call{
		method: http.MethodPost, path: "/bot/poll", token: "bot-secret",
		body: botRequest{ID: "b1", Dimensions: linuxDims, Version: "dev"},
	})
	assert.Equal(t, http.StatusForbidden, status, "poll without an XSRF token")
}

func TestPriorityClamp(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Server) {
		cfg.Auth = config.Auth{
			UserTokens:  []string{"user-secret"},
			AdminTokens: []string{"admin-secret"},
		}
	})

	args := validTaskArgs()
	args.Priority = 10

	status, out := s.do(call{method: http.MethodPost, path: "/tasks/new", token: "user-secret", body: args})
	require.Equal(t, http.StatusOK, status)
	req := out["request"].(map[string]interface{})
	assert.Equal(t, float64(100), req["priority"], "non-admin priorities are clamped to 100")

	status, out = s.do(call{method: http.MethodPost, path: "/tasks/new", token: "admin-secret", body: args})
	require.Equal(t, http.StatusOK, status)
	req = out["request"].(map[string]interface{})
	assert.Equal(t, float64(10), req["priority"])
}

func TestXSRFBoundToBot(t *testing.T) {
	s := newTestServer(t, nil)
	xsrf := s.handshake("bot-1", "")

	// Another bot id in the body must not ride on bot-1's token.
	status, _ := s.do(call{
		method: http.MethodPost, path: "/bot/poll",
		xsrf: xsrf, botID: "bot-1",
		body: botRequest{ID: "bot-2", Dimensions: linuxDims, Version: "dev"},
	})
	assert.Equal(t, http.StatusForbidden, status)

	// Nor may the token be presented under another bot's id header.
	status, _ = s.do(call{
		method: http.MethodPost, path: "/bot/poll",
		xsrf: xsrf, botID: "bot-2",
		body: botRequest{ID: "bot-2", Dimensions: linuxDims, Version: "dev"},
	})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestErrorStatuses(t *testing.T) {
	s := newTestServer(t, nil)

	status, out := s.do(call{method: http.MethodGet, path: "/task/00000000000000010"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", out["error"])

	status, out = s.do(call{method: http.MethodGet, path: "/task/not-a-task-id"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", out["error"])

	args := validTaskArgs()
	args.Properties.Commands = nil
	status, out = s.do(call{method: http.MethodPost, path: "/tasks/new", body: args})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", out["error"])

	// Unknown body fields are rejected rather than silently dropped.
	status, _ = s.do(call{
		method: http.MethodPost, path: "/tasks/new",
		body: map[string]interface{}{"name": "x", "bogus": true},
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(call{method: http.MethodGet, path: "/bot/nonexistent"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCancelTask(t *testing.T) {
	s := newTestServer(t, nil)
	taskID := s.submit("", validTaskArgs())

	status, out := s.do(call{
		method: http.MethodPost, path: "/tasks/cancel",
		body: map[string]string{"task_id": taskID},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, false, out["was_running"])

	status, out = s.do(call{method: http.MethodGet, path: "/task/" + taskID})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "CANCELED", out["state"])

	// Canceling again is a no-op, not an error.
	status, out = s.do(call{
		method: http.MethodPost, path: "/tasks/cancel",
		body: map[string]string{"task_id": taskID},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out["ok"])
}

func TestPollVersionMismatch(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Server) {
		cfg.BotVersion = "v2"
	})
	xsrf := s.handshake("bot-1", "")
	cmd := s.poll("bot-1", "", xsrf, botRequest{ID: "bot-1", Dimensions: linuxDims, Version: "v1"})
	require.Equal(t, "update", cmd["cmd"])
	assert.Equal(t, "v2", cmd["version"])
}

func TestPollQuarantinedBot(t *testing.T) {
	s := newTestServer(t, nil)
	s.submit("", validTaskArgs())
	xsrf := s.handshake("bot-1", "")

	cmd := s.poll("bot-1", "", xsrf, botRequest{
		ID: "bot-1", Dimensions: linuxDims, Version: "dev",
		State: BotState{Quarantined: "disk full"},
	})
	require.Equal(t, "sleep", cmd["cmd"], "a quarantined bot never receives work")
	assert.Equal(t, true, cmd["quarantined"])

	status, out := s.do(call{method: http.MethodGet, path: "/bot/bot-1"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["quarantined"])
	assert.Equal(t, "disk full", out["quarantine_reason"])
}

func TestPollRestartAfterMaxUptime(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Server) {
		cfg.MaxBotUptime = config.Duration(time.Hour)
	})
	xsrf := s.handshake("bot-1", "")
	cmd := s.poll("bot-1", "", xsrf, botRequest{
		ID: "bot-1", Dimensions: linuxDims, Version: "dev",
		State: BotState{UptimeSecs: 7200},
	})
	assert.Equal(t, "restart", cmd["cmd"])
}

func TestTerminateBotFlow(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Server) {
		cfg.Auth = config.Auth{
			BotTokens:   []string{"bot-secret"},
			UserTokens:  []string{"user-secret"},
			AdminTokens: []string{"admin-secret"},
		}
	})
	xsrf := s.handshake("bot-1", "bot-secret")

	status, _ := s.do(call{method: http.MethodPost, path: "/bot/bot-1/terminate", token: "user-secret"})
	assert.Equal(t, http.StatusForbidden, status, "terminate needs admin")

	status, _ = s.do(call{method: http.MethodPost, path: "/bot/bot-1/terminate", token: "admin-secret"})
	require.Equal(t, http.StatusOK, status)

	cmd := s.poll("bot-1", "bot-secret", xsrf, botRequest{ID: "bot-1", Dimensions: linuxDims, Version: "dev"})
	require.Equal(t, "terminate", cmd["cmd"])

	// The flag is consumed; the next poll is back to normal.
	cmd = s.poll("bot-1", "bot-secret", xsrf, botRequest{ID: "bot-1", Dimensions: linuxDims, Version: "dev"})
	assert.Equal(t, "sleep", cmd["cmd"])
}

func TestListTasks(t *testing.T) {
	s := newTestServer(t, nil)
	first := s.submit("", validTaskArgs())
	args := validTaskArgs()
	args.Name = "lint"
	second := s.submit("", args)

	status, out := s.do(call{method: http.MethodGet, path: "/tasks/list"})
	require.Equal(t, http.StatusOK, status)
	items := out["items"].([]interface{})
	require.Len(t, items, 2)
	ids := []string{
		items[0].(map[string]interface{})["task_id"].(string),
		items[1].(map[string]interface{})["task_id"].(string),
	}
	assert.Contains(t, ids, first)
	assert.Contains(t, ids, second)

	status, out = s.do(call{method: http.MethodGet, path: "/tasks/list?name=lint"})
	require.Equal(t, http.StatusOK, status)
	items = out["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, second, items[0].(map[string]interface{})["task_id"])

	status, _ = s.do(call{method: http.MethodGet, path: "/tasks/list?state=bogus"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListBots(t *testing.T) {
	s := newTestServer(t, nil)
	s.handshake("bot-1", "")
	s.handshake("bot-2", "")

	status, out := s.do(call{method: http.MethodGet, path: "/bots"})
	require.Equal(t, http.StatusOK, status)
	items := out["items"].([]interface{})
	assert.Len(t, items, 2)
}

func TestTaskErrorEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	taskID := s.submit("", validTaskArgs())
	xsrf := s.handshake("bot-1", "")
	cmd := s.poll("bot-1", "", xsrf, botRequest{ID: "bot-1", Dimensions: linuxDims, Version: "dev"})
	require.Equal(t, "run", cmd["cmd"])
	runID := cmd["manifest"].(map[string]interface{})["task_id"].(string)

	status, _ := s.do(call{
		method: http.MethodPost, path: "/bot/task_error",
		xsrf: xsrf, botID: "bot-1",
		body: taskErrorRequest{ID: "bot-1", TaskID: runID, Message: "setup exploded"},
	})
	require.Equal(t, http.StatusOK, status)

	status, out := s.do(call{method: http.MethodGet, path: "/task/" + taskID})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "BOT_DIED", out["state"])
	assert.Equal(t, true, out["failure"])
}

func TestBotErrorQuarantines(t *testing.T) {
	s := newTestServer(t, nil)
	xsrf := s.handshake("bot-1", "")

	status, _ := s.do(call{
		method: http.MethodPost, path: "/bot/error",
		xsrf: xsrf, botID: "bot-1",
		body: map[string]string{"id": "bot-1", "message": "agent wedged"},
	})
	require.Equal(t, http.StatusOK, status)

	status, out := s.do(call{method: http.MethodGet, path: "/bot/bot-1"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["quarantined"])
}
