package scheduler

import (
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

// Limits on submitted requests.
const (
	MinPriority = 0
	MaxPriority = 255
	// PriorityFloor is the best priority a non-privileged identity may use;
	// lower values are silently raised to it.
	PriorityFloor = 100

	MinExpirationSecs = 30
	MaxExpirationSecs = 7 * 24 * 3600

	MaxTimeoutSecs = 24 * 3600
)

// claimRetries bounds retries of the claim transaction on contention before
// the candidate is skipped and the bot moves on.
const claimRetries = 3

// Config tunes the scheduler core.
type Config struct {
	// ChunkSize is the fixed size of task output chunks in bytes.
	ChunkSize int
	// MaxCandidates bounds the queue fan-out examined per bot poll.
	MaxCandidates int
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     100 * 1024,
		MaxCandidates: 50,
	}
}

// Scheduler is the task scheduling core. Safe for concurrent use; all
// coordination happens through the store's transactions.
type Scheduler struct {
	store  storage.Store
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a scheduler over the given store. The broker may be nil.
func New(store storage.Store, broker *events.Broker, cfg Config) *Scheduler {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultConfig().MaxCandidates
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:  store,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("scheduler"),
		now:    now,
	}
}

// NewTaskArgs is the submission input for MakeRequest.
type NewTaskArgs struct {
	Name           string               `json:"name"`
	User           string               `json:"user"`
	Priority       int                  `json:"priority"`
	ExpirationSecs int                  `json:"expiration_secs"`
	Properties     types.TaskProperties `json:"properties"`
}

// MakeRequest validates and persists a new task request together with its
// result summary and pending-queue entry, all in one transaction. Priorities
// better than PriorityFloor are clamped for non-privileged identities.
func (s *Scheduler) MakeRequest(args NewTaskArgs, privileged bool) (*types.TaskRequest, *types.TaskResultSummary, error) {
	if err := validateArgs(&args); err != nil {
		return nil, nil, err
	}
	if !privileged && args.Priority < PriorityFloor {
		args.Priority = PriorityFloor
	}

	now := s.now().UTC()
	req := &types.TaskRequest{
		Key:            taskid.NewRequestKey(now),
		Name:           args.Name,
		User:           args.User,
		Priority:       args.Priority,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(args.ExpirationSecs) * time.Second),
		Properties:     args.Properties,
		PropertiesHash: fingerprint.PropertiesHash(&args.Properties),
	}
	summary := &types.TaskResultSummary{
		RequestKey: req.Key,
		State:      types.StatePending,
		Name:       req.Name,
		User:       req.User,
		Priority:   req.Priority,
		CreatedAt:  now,
		ModifiedAt: now,
		ExitCodes:  make([]*int64, len(req.Properties.Commands)),
	}
	toRun := &types.TaskToRun{
		RequestKey:     req.Key,
		QueueNumber:    fingerprint.QueueNumber(req.Priority, now),
		DimensionsHash: fingerprint.DimensionsHash(req.Properties.Dimensions),
		ExpiresAt:      req.ExpiresAt,
	}

	err := s.store.Update(func(tx storage.Txn) error {
		if err := tx.PutRequest(req); err != nil {
			return err
		}
		if err := tx.PutSummary(summary); err != nil {
			return err
		}
		if err := tx.PutToRun(toRun); err != nil {
			return err
		}
		return tx.PutExpirationIndex(req.Key, req.ExpiresAt.UnixMilli())
	})
	if err != nil {
		return nil, nil, errf(KindUnavailable, "storing request: %v", err)
	}

	metrics.TasksCreated.Inc()
	s.publish(&events.Event{
		Type:   events.EventTaskCreated,
		TaskID: taskid.PackSummary(req.Key),
	})
	s.logger.Info().
		Str("task_id", taskid.PackSummary(req.Key)).
		Str("name", req.Name).
		Int("priority", req.Priority).
		Msg("task created")
	return req, summary, nil
}

func validateArgs(args *NewTaskArgs) error {
	if args.Name == "" {
		return errf(KindValidation, "name is required")
	}
	if args.User == "" {
		return errf(KindValidation, "user is required")
	}
	if args.Priority < MinPriority || args.Priority > MaxPriority {
		return errf(KindValidation, "priority %d out of range [%d, %d]", args.Priority, MinPriority, MaxPriority)
	}
	if args.ExpirationSecs < MinExpirationSecs || args.ExpirationSecs > MaxExpirationSecs {
		return errf(KindValidation, "expiration_secs %d out of range [%d, %d]", args.ExpirationSecs, MinExpirationSecs, MaxExpirationSecs)
	}
	p := &args.Properties
	if len(p.Commands) == 0 {
		return errf(KindValidation, "at least one command is required")
	}
	for i, argv := range p.Commands {
		if len(argv) == 0 {
			return errf(KindValidation, "command %d is empty", i)
		}
	}
	if len(p.Dimensions) == 0 {
		return errf(KindValidation, "at least one dimension is required")
	}
	for k, v := range p.Dimensions {
		if k == "" || v == "" {
			return errf(KindValidation, "dimension keys and values must be non-empty")
		}
	}
	if p.ExecutionTimeoutSecs <= 0 || p.ExecutionTimeoutSecs > MaxTimeoutSecs {
		return errf(KindValidation, "execution_timeout_secs %d out of range (0, %d]", p.ExecutionTimeoutSecs, MaxTimeoutSecs)
	}
	if p.IOTimeoutSecs < 0 || p.IOTimeoutSecs > MaxTimeoutSecs {
		return errf(KindValidation, "io_timeout_secs %d out of range [0, %d]", p.IOTimeoutSecs, MaxTimeoutSecs)
	}
	return nil
}

// CancelTask cancels a task. Pending tasks can be canceled by anyone who can
// see them; canceling a running task needs a privileged identity, and the
// bot is told to stop on its next update. Returns whether the cancel took
// effect and whether the task was running at the time.
func (s *Scheduler) CancelTask(requestKey string, privileged bool) (ok, wasRunning bool, err error) {
	now := s.now().UTC()
	err = s.store.Update(func(tx storage.Txn) error {
		summary, err := tx.GetSummary(requestKey)
		if storage.IsNotFound(err) {
			return errf(KindNotFound, "task %s not found", taskid.PackSummary(requestKey))
		} else if err != nil {
			return err
		}

		switch summary.State {
		case types.StatePending:
			req, err := tx.GetRequest(requestKey)
			if err != nil {
				return err
			}
			qn := fingerprint.QueueNumber(req.Priority, req.CreatedAt)
			toRun, err := tx.GetToRun(requestKey, qn)
			if err != nil {
				return err
			}
			if toRun.Claimable() {
				reaped := now
				toRun.ReapedAt = &reaped
				if err := tx.PutToRun(toRun); err != nil {
					return err
				}
			}
			if err := tx.DeleteExpirationIndex(requestKey, req.ExpiresAt.UnixMilli()); err != nil {
				return err
			}
			summary.State = types.StateCanceled
			summary.AbandonedAt = &now
			summary.ModifiedAt = now
			ok = true
			return tx.PutSummary(summary)

		case types.StateRunning:
			wasRunning = true
			if !privileged {
				return errf(KindConflict, "task %s is running; canceling it needs a privileged identity", taskid.PackSummary(requestKey))
			}
			run, err := tx.GetRunResult(requestKey, summary.TryNumber)
			if err != nil {
				return err
			}
			run.State = types.StateCanceled
			run.AbandonedAt = &now
			run.ModifiedAt = now
			if err := tx.PutRunResult(run); err != nil {
				return err
			}
			summary.State = types.StateCanceled
			summary.AbandonedAt = &now
			summary.ModifiedAt = now
			ok = true
			return tx.PutSummary(summary)

		default:
			// Already terminal; cancel is a no-op.
			return nil
		}
	})
	if err != nil {
		return false, wasRunning, err
	}
	if ok {
		metrics.TasksCompleted.WithLabelValues(types.StateCanceled.String()).Inc()
		s.publish(&events.Event{
			Type:   events.EventTaskCanceled,
			TaskID: taskid.PackSummary(requestKey),
		})
		s.logger.Info().
			Str("task_id", taskid.PackSummary(requestKey)).
			Bool("was_running", wasRunning).
			Msg("task canceled")
	}
	return ok, wasRunning, nil
}

// GetRequest loads a request by its key.
func (s *Scheduler) GetRequest(requestKey string) (*types.TaskRequest, error) {
	var req *types.TaskRequest
	err := s.store.View(func(tx storage.Txn) error {
		var err error
		req, err = tx.GetRequest(requestKey)
		return err
	})
	if storage.IsNotFound(err) {
		return nil, errf(KindNotFound, "task %s not found", taskid.PackSummary(requestKey))
	}
	return req, err
}

// GetSummary loads a result summary by its request key.
func (s *Scheduler) GetSummary(requestKey string) (*types.TaskResultSummary, error) {
	var summary *types.TaskResultSummary
	err := s.store.View(func(tx storage.Txn) error {
		var err error
		summary, err = tx.GetSummary(requestKey)
		return err
	})
	if storage.IsNotFound(err) {
		return nil, errf(KindNotFound, "task %s not found", taskid.PackSummary(requestKey))
	}
	return summary, err
}

// ListQuery filters and paginates task listings.
type ListQuery struct {
	// State restricts results to one task state when non-nil.
	State *types.TaskState
	// Name restricts results to an exact task name when non-empty.
	Name string
	// User restricts results to one submitter when non-empty.
	User string
	// Cursor resumes a previous listing; empty starts from the newest task.
	Cursor string
	// Limit caps the page size; values outside (0, 1000] become 100.
	Limit int
}

// ListTasks returns summaries newest-first plus a cursor for the next page;
// the cursor is empty when the listing is exhausted.
func (s *Scheduler) ListTasks(q ListQuery) ([]*types.TaskResultSummary, string, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}
	var (
		out    []*types.TaskResultSummary
		cursor string
	)
	err := s.store.View(func(tx storage.Txn) error {
		return tx.ScanSummaries(q.Cursor, func(sum *types.TaskResultSummary) (bool, error) {
			if q.State != nil && sum.State != *q.State {
				return true, nil
			}
			if q.Name != "" && sum.Name != q.Name {
				return true, nil
			}
			if q.User != "" && sum.User != q.User {
				return true, nil
			}
			out = append(out, sum)
			if len(out) == q.Limit {
				cursor = sum.RequestKey
				return false, nil
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, "", err
	}
	return out, cursor, nil
}

// GetOutput returns the committed output of one command of the task's
// current attempt. A task that never started has no output.
func (s *Scheduler) GetOutput(requestKey string, commandIndex int) ([]byte, error) {
	var out []byte
	err := s.store.View(func(tx storage.Txn) error {
		summary, err := tx.GetSummary(requestKey)
		if err != nil {
			return err
		}
		if summary.TryNumber == 0 {
			return nil
		}
		run, err := tx.GetRunResult(requestKey, summary.TryNumber)
		if err != nil {
			return err
		}
		out, err = storage.GetCommandOutput(tx, run, commandIndex)
		return err
	})
	if storage.IsNotFound(err) {
		return nil, errf(KindNotFound, "task %s not found", taskid.PackSummary(requestKey))
	}
	return out, err
}

// GetAllOutputs returns the committed output of every command of the task's
// current attempt, in command order.
func (s *Scheduler) GetAllOutputs(requestKey string) ([][]byte, error) {
	var outs [][]byte
	err := s.store.View(func(tx storage.Txn) error {
		summary, err := tx.GetSummary(requestKey)
		if err != nil {
			return err
		}
		outs = make([][]byte, len(summary.ExitCodes))
		if summary.TryNumber == 0 {
			return nil
		}
		run, err := tx.GetRunResult(requestKey, summary.TryNumber)
		if err != nil {
			return err
		}
		for i := range outs {
			outs[i], err = storage.GetCommandOutput(tx, run, i)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if storage.IsNotFound(err) {
		return nil, errf(KindNotFound, "task %s not found", taskid.PackSummary(requestKey))
	}
	return outs, err
}

func (s *Scheduler) publish(ev *events.Event) {
	if s.broker != nil {
		s.broker.Publish(ev)
	}
}
