package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hivelabs/hive/pkg/config"
	"github.com/hivelabs/hive/pkg/log"
	"github.com/hivelabs/hive/pkg/metrics"
	"github.com/hivelabs/hive/pkg/scheduler"
	"github.com/hivelabs/hive/pkg/storage"
	"github.com/hivelabs/hive/pkg/taskid"
	"github.com/hivelabs/hive/pkg/types"
)

// ServerVersion is reported by /server_ping and the bot handshake. Set via
// ldflags at build time.
var ServerVersion = "dev"

// Server is the REST front of the scheduler.
type Server struct {
	cfg    *config.Server
	sched  *scheduler.Scheduler
	store  storage.Store
	auth   *Authenticator
	tokens *TokenManager
	logger zerolog.Logger

	httpServer *http.Server
}

// NewServer wires the REST server over a scheduler and its store.
func NewServer(cfg *config.Server, sched *scheduler.Scheduler, store storage.Store) *Server {
	return &Server{
		cfg:    cfg,
		sched:  sched,
		store:  store,
		auth:   NewAuthenticator(cfg.Auth),
		tokens: NewTokenManager(),
		logger: log.WithComponent("api"),
	}
}

// Router builds the chi router with all endpoints mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)

	r.Get("/server_ping", s.handlePing)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Client endpoints.
	r.Group(func(r chi.Router) {
		r.Use(s.requireRole(RoleUser))
		r.Post("/tasks/new", s.handleNewTask)
		r.Post("/tasks/cancel", s.handleCancelTask)
		r.Get("/tasks/list", s.handleListTasks)
		r.Get("/task/{taskID}", s.handleGetTask)
		r.Get("/task/{taskID}/request", s.handleGetRequest)
		r.Get("/task/{taskID}/output/all", s.handleGetAllOutputs)
		r.Get("/task/{taskID}/output/{cmdIndex}", s.handleGetOutput)
		r.Get("/bots", s.handleListBots)
		r.Get("/bot/{botID}", s.handleGetBot)
		r.Post("/bot/{botID}/terminate", s.handleTerminateBot)
	})

	// Bot endpoints. The handshake needs only the bot bearer token; the
	// rest also need the XSRF token it returned.
	r.Group(func(r chi.Router) {
		r.Use(s.requireRole(RoleBot))
		r.Post("/bot/handshake", s.handleHandshake)
		r.Group(func(r chi.Router) {
			r.Use(s.requireXSRF)
			r.Post("/bot/poll", s.handlePoll)
			r.Post("/bot/task_update", s.handleTaskUpdate)
			r.Post("/bot/task_update/{taskID}", s.handleTaskUpdate)
			r.Post("/bot/task_error", s.handleTaskError)
			r.Post("/bot/task_error/{taskID}", s.handleTaskError)
			r.Post("/bot/error", s.handleBotError)
		})
	})

	return r
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("api server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// observe times every request for the latency histogram and logs it.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		routePath := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePath = rctx.RoutePattern()
		}
		metrics.APIRequestDuration.
			WithLabelValues(r.Method, routePath, strconv.Itoa(sw.status)).
			Observe(elapsed.Seconds())
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// requireRole rejects callers below the given role. Admin satisfies every
// role, which is also what makes the tokenless development mode work.
func (s *Server) requireRole(min Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := s.auth.RoleOf(r)
			ok := role == min || role == RoleAdmin
			if !ok {
				writeErrorf(w, http.StatusForbidden, "auth", "missing or unrecognized bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(withRole(r.Context(), role)))
		})
	}
}

type roleKey struct{}

func withRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

func roleFrom(ctx context.Context) Role {
	if role, ok := ctx.Value(roleKey{}).(Role); ok {
		return role
	}
	return RoleAnonymous
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"server_version": ServerVersion,
	})
}

func (s *Server) handleNewTask(w http.ResponseWriter, r *http.Request) {
	var args scheduler.NewTaskArgs
	if err := decodeBody(r, &args); err != nil {
		writeErrorf(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	privileged := roleFrom(r.Context()) == RoleAdmin
	req, _, err := s.sched.MakeRequest(args, privileged)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request": req,
		"task_id": taskid.PackSummary(req.Key),
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskID string `json:"task_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErrorf(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	requestKey, _, _, err := taskid.Unpack(body.TaskID)
	if err != nil {
		writeErrorf(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	privileged := roleFrom(r.Context()) == RoleAdmin
	ok, wasRunning, err := s.sched.CancelTask(requestKey, privileged)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"ok":          ok,
		"was_running": wasRunning,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := scheduler.ListQuery{
		Name:   r.URL.Query().Get("name"),
		User:   r.URL.Query().Get("user"),
		Cursor: r.URL.Query().Get("cursor"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeErrorf(w, http.StatusBadRequest, "validation", "limit must be an integer")
			return
		}
		q.Limit = limit
	}
	if raw := r.URL.Query().Get("state"); raw != "" {
		state, err := types.ParseState(raw)
		if err != nil {
			writeErrorf(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
		q.State = &state
	}
	items, cursor, err := s.sched.ListTasks(q)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		resp = append(resp, summaryResponse(item))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":  resp,
		"cursor": cursor,
	})
}

// summaryResponse attaches the packed public id to the summary fields.
func summaryResponse(sum *types.TaskResultSummary) map[string]interface{} {
	raw, _ := json.Marshal(sum)
	var fields map[string]interface{}
	_ = json.Unmarshal(raw, &fields)
	fields["task_id"] = taskid.PackSummary(sum.RequestKey)
	return fields
}

// requestKeyFromURL unpacks the {taskID} path parameter; either entity kind
// is accepted for read endpoints.
func requestKeyFromURL(r *http.Request) (string, error) {
	requestKey, _, _, err := taskid.Unpack(chi.URLParam(r, "taskID"))
	return requestKey, err
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	requestKey, err := requestKeyFromURL(r)
	if err != nil {
		writeErrorf(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	sum, err := s.sched.GetSummary(requestKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse(sum))
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	requestKey, err := requestKeyFromURL(r)
	if err != nil {
		writeErrorf(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	req, err := s.sched.GetRequest(requestKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	requestKey, err := requestKeyFromURL(r)
	if err != nil {
		writeErrorf(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	cmdIndex, err := strconv.Atoi(chi.URLParam(r, "cmdIndex"))
	if err != nil {
		writeErrorf(w, http.StatusBadRequest, "validation", "command index must be an integer")
		return
	}
	out, err := s.sched.GetOutput(requestKey, cmdIndex)
	if err != nil {
		writeError(w, err)
		return
	}
	text, err := outputText(out)
	if err != nil {
		writeErrorf(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": text})
}

func (s *Server) handleGetAllOutputs(w http.ResponseWriter, r *http.Request) {
	requestKey, err := requestKeyFromURL(r)
	if err != nil {
		writeErrorf(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	outs, err := s.sched.GetAllOutputs(requestKey)
	if err != nil {
		writeError(w, err)
		return
	}
	texts := make([]string, len(outs))
	for i, out := range outs {
		if texts[i], err = outputText(out); err != nil {
			writeErrorf(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"outputs": texts})
}

// outputText refuses to silently mangle non-UTF-8 output with replacement
// characters; callers with binary output should not ask for it as text.
func outputText(out []byte) (string, error) {
	if !utf8.Valid(out) {
		return "", &scheduler.Error{Kind: scheduler.KindValidation, Reason: "output is not valid UTF-8"}
	}
	return string(out), nil
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	var bots []*types.BotRecord
	err := s.store.View(func(tx storage.Txn) error {
		return tx.ScanBots(func(b *types.BotRecord) (bool, error) {
			bots = append(bots, b)
			return true, nil
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": bots})
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	var bot *types.BotRecord
	err := s.store.View(func(tx storage.Txn) error {
		var err error
		bot, err = tx.GetBot(chi.URLParam(r, "botID"))
		return err
	})
	if storage.IsNotFound(err) {
		writeErrorf(w, http.StatusNotFound, "not_found", "unknown bot")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

func (s *Server) handleTerminateBot(w http.ResponseWriter, r *http.Request) {
	if roleFrom(r.Context()) != RoleAdmin {
		writeErrorf(w, http.StatusForbidden, "auth", "terminating a bot needs a privileged identity")
		return
	}
	botID := chi.URLParam(r, "botID")
	err := s.store.Update(func(tx storage.Txn) error {
		bot, err := tx.GetBot(botID)
		if err != nil {
			return err
		}
		bot.TerminatePending = true
		return tx.PutBot(bot)
	})
	if storage.IsNotFound(err) {
		writeErrorf(w, http.StatusNotFound, "not_found", "unknown bot")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
