package api

import (
	"encoding/base64"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hivelabs/hive/pkg/fingerprint"
	"github.com/hivelabs/hive/pkg/metrics"
	"github.com/hivelabs/hive/pkg/scheduler"
	"github.com/hivelabs/hive/pkg/storage"
	"github.com/hivelabs/hive/pkg/taskid"
	"github.com/hivelabs/hive/pkg/types"
)

// Sleep backoff: min(60s, base * 2^streak) with +-15% jitter.
const (
	sleepBase = 1.5
	sleepMax  = 60.0
)

// BotState is the self-reported state a bot sends with every poll.
type BotState struct {
	// SleepStreak counts consecutive non-run responses; it drives the
	// server-computed backoff.
	SleepStreak int `json:"sleep_streak"`
	// UptimeSecs is how long the bot process has been up.
	UptimeSecs float64 `json:"uptime"`
	// Quarantined is the bot's self-quarantine reason; empty means healthy.
	Quarantined string `json:"quarantined,omitempty"`
}

type botRequest struct {
	ID         string              `json:"id"`
	Dimensions map[string][]string `json:"dimensions"`
	State      BotState            `json:"state"`
	Version    string              `json:"version"`
}

// requireXSRF checks the handshake token on every bot call past the
// handshake itself. The token is bound to the bot id sent in the handshake.
func (s *Server) requireXSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(XSRFHeader)
		botID := r.Header.Get("X-Bot-ID")
		if token == "" || botID == "" || !s.tokens.Validate(token, botID) {
			writeErrorf(w, http.StatusForbidden, "auth", "missing or expired XSRF token; re-handshake")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sameBot guards against a bot speaking for another: the id in the body must
// be the one the XSRF token was issued to.
func sameBot(r *http.Request, id string) bool {
	return id == "" || id == r.Header.Get("X-Bot-ID")
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var body botRequest
	if err := decodeBody(r, &body); err != nil {
		writeErrorf(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if body.ID == "" {
		writeErrorf(w, http.StatusBadRequest, "validation", "bot id is required")
		return
	}
	if err := s.refreshBot(&body, ""); err != nil {
		writeError(w, err)
		return
	}
	token, err := s.tokens.Generate(body.ID)
	if err != nil {
		writeErrorf(w, http.StatusInternalServerError, "internal", "generating token")
		return
	}
	s.logger.Info().Str("bot_id", body.ID).Str("version", body.Version).Msg("bot handshake")
	writeJSON(w, http.StatusOK, map[string]string{
		"bot_version":    s.cfg.BotVersion,
		"server_version": ServerVersion,
		"xsrf_token":     token,
	})
}

// refreshBot records the bot's latest self-report. quarantineReason, when
// non-empty, is a server-side quarantine decision made by the caller.
func (s *Server) refreshBot(body *botRequest, quarantineReason string) error {
	now := time.Now().UTC()
	return s.store.Update(func(tx storage.Txn) error {
		bot, err := tx.GetBot(body.ID)
		if storage.IsNotFound(err) {
			bot = &types.BotRecord{ID: body.ID, FirstSeenAt: now}
		} else if err != nil {
			return err
		}
		bot.Dimensions = body.Dimensions
		bot.Version = body.Version
		bot.LastSeenAt = now
		switch {
		case quarantineReason != "":
			bot.Quarantined = true
			bot.QuarantineReason = quarantineReason
		case body.State.Quarantined != "":
			bot.Quarantined = true
			bot.QuarantineReason = body.State.Quarantined
		default:
			bot.Quarantined = false
			bot.QuarantineReason = ""
		}
		return tx.PutBot(bot)
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var body botRequest
	if err := decodeBody(r, &body); err != nil {
		writeErrorf(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if !sameBot(r, body.ID) {
		writeErrorf(w, http.StatusForbidden, "auth", "bot id does not match handshake token")
		return
	}

	cmd := s.pollCommand(&body)
	metrics.BotPolls.WithLabelValues(cmd.CommandName()).Inc()
	writeJSON(w, http.StatusOK, cmd)
}

// pollCommand decides the one command a poll returns. Priority order:
// version update, sleep (missing id / quarantine), terminate, restart, then
// reap or sleep.
func (s *Server) pollCommand(body *botRequest) types.BotCommand {
	if body.ID == "" {
		return types.CommandSleep{Duration: sleepDuration(body.State.SleepStreak)}
	}

	if body.Version != s.cfg.BotVersion {
		_ = s.refreshBot(body, "")
		return types.CommandUpdate{Version: s.cfg.BotVersion}
	}

	quarantineReason := ""
	if fingerprint.PowersetCount(body.Dimensions) > fingerprint.MaxDimensions {
		quarantineReason = "too many dimension combinations"
	}
	if err := s.refreshBot(body, quarantineReason); err != nil {
		s.logger.Error().Err(err).Str("bot_id", body.ID).Msg("refreshing bot record")
		return types.CommandSleep{Duration: sleepDuration(body.State.SleepStreak)}
	}

	var bot *types.BotRecord
	if err := s.store.View(func(tx storage.Txn) error {
		var err error
		bot, err = tx.GetBot(body.ID)
		return err
	}); err != nil {
		return types.CommandSleep{Duration: sleepDuration(body.State.SleepStreak)}
	}

	if bot.Quarantined {
		return types.CommandSleep{
			Duration:    sleepDuration(body.State.SleepStreak),
			Quarantined: true,
		}
	}

	if bot.TerminatePending {
		// Clear the flag so a restarted bot is not told to terminate again.
		_ = s.store.Update(func(tx storage.Txn) error {
			b, err := tx.GetBot(body.ID)
			if err != nil {
				return err
			}
			b.TerminatePending = false
			return tx.PutBot(b)
		})
		s.logger.Info().Str("bot_id", body.ID).Msg("bot terminating")
		return types.CommandTerminate{TaskID: "terminate-" + uuid.New().String()}
	}

	if s.cfg.MaxBotUptime.Std() > 0 && body.State.UptimeSecs > s.cfg.MaxBotUptime.Std().Seconds() {
		return types.CommandRestart{Message: "bot has been up too long; restarting to pick up a clean state"}
	}

	req, run, err := s.sched.BotReapTask(body.ID, body.Dimensions)
	if err != nil {
		s.logger.Error().Err(err).Str("bot_id", body.ID).Msg("reap failed")
		return types.CommandSleep{Duration: sleepDuration(body.State.SleepStreak)}
	}
	if run == nil {
		return types.CommandSleep{Duration: sleepDuration(body.State.SleepStreak)}
	}
	return types.CommandRun{Manifest: types.TaskManifest{
		BotID:       body.ID,
		TaskID:      taskid.PackRunResult(run.RequestKey, run.TryNumber),
		Commands:    req.Properties.Commands,
		Data:        req.Properties.Data,
		Env:         req.Properties.Env,
		HardTimeout: req.Properties.ExecutionTimeoutSecs,
		IOTimeout:   req.Properties.IOTimeoutSecs,
	}}
}

func sleepDuration(streak int) float64 {
	if streak < 0 {
		streak = 0
	}
	d := sleepBase * math.Pow(2, float64(streak))
	if d > sleepMax {
		d = sleepMax
	}
	// +-15% jitter spreads synchronized fleets apart.
	return d * (0.85 + 0.3*rand.Float64())
}

type taskUpdateRequest struct {
	ID               string   `json:"id"`
	TaskID           string   `json:"task_id"`
	CommandIndex     int      `json:"command_index"`
	Output           string   `json:"output,omitempty"`
	OutputChunkStart int64    `json:"output_chunk_start"`
	ExitCode         *int64   `json:"exit_code,omitempty"`
	Duration         *float64 `json:"duration,omitempty"`
	HardTimeout      bool     `json:"hard_timeout,omitempty"`
	IOTimeout        bool     `json:"io_timeout,omitempty"`
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	var body taskUpdateRequest
	if err := decodeBody(r, &body); err != nil {
		writeErrorf(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if !sameBot(r, body.ID) {
		writeErrorf(w, http.StatusForbidden, "auth", "bot id does not match handshake token")
		return
	}
	taskID := body.TaskID
	if fromURL := chi.URLParam(r, "taskID"); fromURL != "" {
		taskID = fromURL
	}
	requestKey, try, err := taskid.UnpackRunResult(taskID)
	if err != nil {
		writeErrorf(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	// Output travels base64-encoded so binary bytes survive JSON.
	var output []byte
	if body.Output != "" {
		output, err = base64.StdEncoding.DecodeString(body.Output)
		if err != nil {
			writeErrorf(w, http.StatusBadRequest, "validation", "output is not valid base64")
			return
		}
	}
	mustStop, err := s.sched.BotUpdateTask(scheduler.TaskUpdate{
		RequestKey:       requestKey,
		TryNumber:        try,
		BotID:            body.ID,
		CommandIndex:     body.CommandIndex,
		Output:           output,
		OutputChunkStart: body.OutputChunkStart,
		ExitCode:         body.ExitCode,
		Duration:         body.Duration,
		HardTimeout:      body.HardTimeout,
		IOTimeout:        body.IOTimeout,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"ok":        true,
		"must_stop": mustStop,
	})
}

type taskErrorRequest struct {
	ID      string `json:"id"`
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

func (s *Server) handleTaskError(w http.ResponseWriter, r *http.Request) {
	var body taskErrorRequest
	if err := decodeBody(r, &body); err != nil {
		writeErrorf(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if !sameBot(r, body.ID) {
		writeErrorf(w, http.StatusForbidden, "auth", "bot id does not match handshake token")
		return
	}
	taskID := body.TaskID
	if fromURL := chi.URLParam(r, "taskID"); fromURL != "" {
		taskID = fromURL
	}
	requestKey, try, err := taskid.UnpackRunResult(taskID)
	if err != nil {
		writeErrorf(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if err := s.sched.BotTaskError(requestKey, try, body.ID, body.Message); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleBotError(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErrorf(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if body.ID == "" {
		writeErrorf(w, http.StatusBadRequest, "validation", "bot id is required")
		return
	}
	s.logger.Error().Str("bot_id", body.ID).Str("error", body.Message).Msg("bot reported an internal error")
	err := s.store.Update(func(tx storage.Txn) error {
		bot, err := tx.GetBot(body.ID)
		if storage.IsNotFound(err) {
			bot = &types.BotRecord{ID: body.ID, FirstSeenAt: time.Now().UTC()}
		} else if err != nil {
			return err
		}
		bot.Quarantined = true
		bot.QuarantineReason = body.Message
		bot.LastSeenAt = time.Now().UTC()
		return tx.PutBot(bot)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
