package sweeper

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hivelabs/hive/pkg/events"
	"github.com/hivelabs/hive/pkg/fingerprint"
	"github.com/hivelabs/hive/pkg/log"
	"github.com/hivelabs/hive/pkg/metrics"
	"github.com/hivelabs/hive/pkg/storage"
	"github.com/hivelabs/hive/pkg/taskid"
	"github.com/hivelabs/hive/pkg/types"
)

// expireBatch bounds how many index entries one pass handles, so a huge
// backlog cannot stall the bot-death sweep behind it.
const expireBatch = 500

// Config tunes the sweeper.
type Config struct {
	// Interval between passes.
	Interval time.Duration
	// BotDeathTimeout is how long a running attempt may go without an
	// update before it is declared BOT_DIED.
	BotDeathTimeout time.Duration
	// ReservationGrace is how long a claimed queue entry may sit without a
	// run result before the claim is reopened.
	ReservationGrace time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         time.Minute,
		BotDeathTimeout:  10 * time.Minute,
		ReservationGrace: 2 * time.Minute,
	}
}

// Sweeper runs the periodic expiration and timeout passes.
type Sweeper struct {
	store  storage.Store
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a sweeper over the given store. The broker may be nil.
func New(store storage.Store, broker *events.Broker, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.BotDeathTimeout <= 0 {
		cfg.BotDeathTimeout = DefaultConfig().BotDeathTimeout
	}
	if cfg.ReservationGrace <= 0 {
		cfg.ReservationGrace = DefaultConfig().ReservationGrace
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:  store,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("sweeper"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		now:    now,
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop stops the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.RunOnce(); err != nil {
				s.logger.Error().Err(err).Msg("sweep pass failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// RunOnce performs one full pass: expire, declare bot-died, reopen orphaned
// claims. Passes are serialized; calling RunOnce concurrently blocks.
func (s *Sweeper) RunOnce() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(timer).Seconds())
	}()

	now := s.now().UTC()
	if err := s.expirePending(now); err != nil {
		return err
	}
	if err := s.declareBotDied(now); err != nil {
		return err
	}
	return s.reopenOrphans(now)
}

// expirePending transitions past-deadline pending tasks to EXPIRED, driven
// by the expiration-ts index so no full queue scan is needed.
func (s *Sweeper) expirePending(now time.Time) error {
	var due []string
	err := s.store.View(func(tx storage.Txn) error {
		return tx.ScanExpirationIndex(now.UnixMilli(), func(requestKey string) (bool, error) {
			due = append(due, requestKey)
			return len(due) < expireBatch, nil
		})
	})
	if err != nil {
		return err
	}

	for _, requestKey := range due {
		if err := s.expireOne(requestKey, now); err != nil {
			s.logger.Error().Err(err).Str("request", requestKey).Msg("expire failed")
		}
	}
	return nil
}

func (s *Sweeper) expireOne(requestKey string, now time.Time) error {
	var expired bool
	err := s.store.Update(func(tx storage.Txn) error {
		req, err := tx.GetRequest(requestKey)
		if err != nil {
			return err
		}
		// The index entry has served; drop it whatever happens below.
		if err := tx.DeleteExpirationIndex(requestKey, req.ExpiresAt.UnixMilli()); err != nil {
			return err
		}
		summary, err := tx.GetSummary(requestKey)
		if err != nil {
			return err
		}
		if summary.State != types.StatePending {
			return nil
		}
		qn := fingerprint.QueueNumber(req.Priority, req.CreatedAt)
		toRun, err := tx.GetToRun(requestKey, qn)
		if err != nil {
			return err
		}
		if !toRun.Claimable() {
			// A reservation is in flight; the orphan pass arbitrates later.
			return nil
		}
		reaped := now
		toRun.ReapedAt = &reaped
		if err := tx.PutToRun(toRun); err != nil {
			return err
		}
		summary.State = types.StateExpired
		summary.AbandonedAt = &now
		summary.ModifiedAt = now
		expired = true
		return tx.PutSummary(summary)
	})
	if err != nil {
		return err
	}
	if expired {
		metrics.TasksCompleted.WithLabelValues(types.StateExpired.String()).Inc()
		s.publish(&events.Event{
			Type:   events.EventTaskExpired,
			TaskID: taskid.PackSummary(requestKey),
		})
		s.logger.Info().Str("task_id", taskid.PackSummary(requestKey)).Msg("task expired")
	}
	return nil
}

// declareBotDied transitions running attempts whose bot has been silent for
// longer than BotDeathTimeout.
func (s *Sweeper) declareBotDied(now time.Time) error {
	cutoff := now.Add(-s.cfg.BotDeathTimeout)
	type stale struct {
		requestKey string
		tryNumber  int
	}
	var found []stale
	err := s.store.View(func(tx storage.Txn) error {
		return tx.ScanRunResults(func(run *types.TaskRunResult) (bool, error) {
			if run.State == types.StateRunning && run.LastUpdateAt.Before(cutoff) {
				found = append(found, stale{run.RequestKey, run.TryNumber})
			}
			return true, nil
		})
	})
	if err != nil {
		return err
	}

	for _, f := range found {
		if err := s.botDiedOne(f.requestKey, f.tryNumber, now); err != nil {
			s.logger.Error().Err(err).Str("request", f.requestKey).Msg("bot-died transition failed")
		}
	}
	return nil
}

func (s *Sweeper) botDiedOne(requestKey string, tryNumber int, now time.Time) error {
	var died bool
	var botID string
	err := s.store.Update(func(tx storage.Txn) error {
		run, err := tx.GetRunResult(requestKey, tryNumber)
		if err != nil {
			return err
		}
		cutoff := now.Add(-s.cfg.BotDeathTimeout)
		if run.State != types.StateRunning || !run.LastUpdateAt.Before(cutoff) {
			// Re-check inside the transaction; an update may have landed.
			return nil
		}
		run.State = types.StateBotDied
		run.Failure = true
		run.AbandonedAt = &now
		run.ModifiedAt = now
		if err := tx.PutRunResult(run); err != nil {
			return err
		}
		summary, err := tx.GetSummary(requestKey)
		if err != nil {
			return err
		}
		summary.State = types.StateBotDied
		summary.Failure = true
		summary.AbandonedAt = &now
		summary.ModifiedAt = now
		died = true
		botID = run.BotID
		return tx.PutSummary(summary)
	})
	if err != nil {
		return err
	}
	if died {
		metrics.TasksCompleted.WithLabelValues(types.StateBotDied.String()).Inc()
		s.publish(&events.Event{
			Type:   events.EventTaskBotDied,
			TaskID: taskid.PackRunResult(requestKey, tryNumber),
			BotID:  botID,
		})
		s.logger.Warn().
			Str("task_id", taskid.PackRunResult(requestKey, tryNumber)).
			Str("bot_id", botID).
			Msg("bot declared dead")
	}
	return nil
}

// reopenOrphans finds queue entries that were claimed but whose reservation
// never landed (handler died between the two transactions) and makes them
// claimable again. No bot ever received the manifest for such a claim, so
// reopening preserves at-most-once dispatch.
func (s *Sweeper) reopenOrphans(now time.Time) error {
	type orphan struct {
		requestKey  string
		queueNumber uint64
	}
	cutoff := now.Add(-s.cfg.ReservationGrace)
	var found []orphan
	err := s.store.View(func(tx storage.Txn) error {
		return tx.ScanPending(func(toRun *types.TaskToRun) (bool, error) {
			if toRun.Claimable() || toRun.ReapedAt.After(cutoff) {
				return true, nil
			}
			summary, err := tx.GetSummary(toRun.RequestKey)
			if err != nil {
				return false, err
			}
			if summary.State == types.StatePending {
				found = append(found, orphan{toRun.RequestKey, toRun.QueueNumber})
			}
			return true, nil
		})
	})
	if err != nil {
		return err
	}

	for _, o := range found {
		err := s.store.Update(func(tx storage.Txn) error {
			toRun, err := tx.GetToRun(o.requestKey, o.queueNumber)
			if err != nil {
				return err
			}
			summary, err := tx.GetSummary(o.requestKey)
			if err != nil {
				return err
			}
			if toRun.Claimable() || summary.State != types.StatePending {
				return nil
			}
			if toRun.ReapedAt.After(now.Add(-s.cfg.ReservationGrace)) {
				return nil
			}
			toRun.ReapedAt = nil
			if err := tx.PutToRun(toRun); err != nil {
				return err
			}
			req, err := tx.GetRequest(o.requestKey)
			if err != nil {
				return err
			}
			// Re-arm expiration for the reopened entry.
			return tx.PutExpirationIndex(o.requestKey, req.ExpiresAt.UnixMilli())
		})
		if err != nil {
			s.logger.Error().Err(err).Str("request", o.requestKey).Msg("reopen failed")
			continue
		}
		s.logger.Warn().
			Str("task_id", taskid.PackSummary(o.requestKey)).
			Msg("reopened orphaned claim")
	}
	return nil
}

func (s *Sweeper) publish(ev *events.Event) {
	if s.broker != nil {
		s.broker.Publish(ev)
	}
}
