package bot

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/hivelabs/hive/pkg/client"
	"github.com/hivelabs/hive/pkg/config"
	"github.com/hivelabs/hive/pkg/log"
)

// Terminal outcomes of the poll loop; the supervisor around the agent acts
// on them.
var (
	// ErrUpdateRequired: the server expects a different bot version; restart
	// with the new code.
	ErrUpdateRequired = errors.New("bot version out of date")
	// ErrRestartRequested: the server asked the host to restart.
	ErrRestartRequested = errors.New("restart requested by server")
)

// Agent is the bot agent.
type Agent struct {
	cfg    *config.Bot
	client *client.Client
	runner *Runner
	logger zerolog.Logger

	startedAt   time.Time
	sleepStreak int
	// quarantined is the agent's self-quarantine reason; set when the agent
	// hits an error it cannot recover from but should keep polling through.
	quarantined string
}

// NewAgent creates an agent from its configuration.
func NewAgent(cfg *config.Bot) *Agent {
	c := client.New(cfg.ServerURL, cfg.Token)
	return &Agent{
		cfg:       cfg,
		client:    c,
		runner:    NewRunner(cfg.WorkDir, c),
		logger:    log.WithBotID(cfg.BotID),
		startedAt: time.Now(),
	}
}

func (a *Agent) state() client.BotState {
	return client.BotState{
		SleepStreak: a.sleepStreak,
		UptimeSecs:  time.Since(a.startedAt).Seconds(),
		Quarantined: a.quarantined,
	}
}

// Run is the poll loop. It returns nil on a terminate command, a terminal
// sentinel when the server wants the process replaced, or the context error.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.handshake(ctx); err != nil {
		return err
	}

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0 // never stop retrying

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := a.client.Poll(ctx, a.cfg.BotID, a.cfg.Dimensions, a.state(), a.cfg.Version)
		if err != nil {
			if !a.pollFailed(ctx, err, retry) {
				return ctx.Err()
			}
			continue
		}
		retry.Reset()

		done, err := a.dispatch(ctx, result)
		if done || err != nil {
			return err
		}
	}
}

// pollFailed handles one failed poll. An expired XSRF session re-handshakes;
// everything else backs off and carries on. Returns false when the context
// ended.
func (a *Agent) pollFailed(ctx context.Context, err error, retry backoff.BackOff) bool {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Status == 403 {
		a.logger.Warn().Err(err).Msg("session rejected; re-handshaking")
		if err := a.handshake(ctx); err != nil {
			return false
		}
		return true
	}
	wait := retry.NextBackOff()
	a.logger.Error().Err(err).Dur("backoff", wait).Msg("poll failed")
	return sleepCtx(ctx, wait)
}

// dispatch acts on one poll command. done means the loop should exit.
func (a *Agent) dispatch(ctx context.Context, result *client.PollResult) (done bool, err error) {
	switch result.Cmd {
	case "run":
		a.sleepStreak = 0
		if result.Manifest == nil {
			a.logger.Error().Msg("run command without a manifest")
			return false, nil
		}
		a.logger.Info().Str("task_id", result.Manifest.TaskID).Msg("running task")
		if err := a.runner.RunTask(ctx, result.Manifest); err != nil {
			a.logger.Error().Err(err).Str("task_id", result.Manifest.TaskID).Msg("task failed on bot")
			if reportErr := a.client.TaskError(ctx, result.Manifest.TaskID, err.Error()); reportErr != nil {
				a.logger.Error().Err(reportErr).Msg("reporting task error")
			}
		}
		return false, nil

	case "sleep":
		a.sleepStreak++
		if !sleepCtx(ctx, time.Duration(result.Duration*float64(time.Second))) {
			return true, ctx.Err()
		}
		return false, nil

	case "update":
		a.sleepStreak = 0
		a.logger.Warn().Str("want", result.Version).Str("have", a.cfg.Version).Msg("server expects another bot version")
		return true, ErrUpdateRequired

	case "restart":
		a.sleepStreak = 0
		a.logger.Warn().Str("message", result.Message).Msg("server requested restart")
		return true, ErrRestartRequested

	case "terminate":
		a.logger.Info().Str("task_id", result.TaskID).Msg("server requested termination")
		return true, nil

	default:
		a.logger.Error().Str("cmd", result.Cmd).Msg("unknown poll command")
		a.sleepStreak++
		if !sleepCtx(ctx, time.Duration(sleepFallback*float64(time.Second))) {
			return true, ctx.Err()
		}
		return false, nil
	}
}

// sleepFallback is used when the server's command did not carry a duration.
const sleepFallback = 5.0

// handshake opens the session, retrying with backoff until the server is
// reachable or the context ends.
func (a *Agent) handshake(ctx context.Context) error {
	op := func() error {
		result, err := a.client.Handshake(ctx, a.cfg.BotID, a.cfg.Dimensions, a.state(), a.cfg.Version)
		if err != nil {
			a.logger.Warn().Err(err).Msg("handshake failed")
			return err
		}
		a.logger.Info().
			Str("server_version", result.ServerVersion).
			Str("expected_bot_version", result.BotVersion).
			Msg("handshake complete")
		return nil
	}
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(retry, ctx))
}

// sleepCtx sleeps unless the context ends first; reports whether the full
// sleep happened.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
