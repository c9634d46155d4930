package scheduler

import (
	"bytes"

	"github.com/hivelabs/hive/pkg/events"
	"github.com/hivelabs/hive/pkg/metrics"
	"github.com/hivelabs/hive/pkg/storage"
	"github.com/hivelabs/hive/pkg/taskid"
	"github.com/hivelabs/hive/pkg/types"
)

// TaskUpdate is one incremental bot-to-server report for a running attempt.
type TaskUpdate struct {
	RequestKey   string
	TryNumber    int
	BotID        string
	CommandIndex int
	// Output is appended at OutputChunkStart; nil means no output this call.
	Output           []byte
	OutputChunkStart int64
	// ExitCode marks the command complete when non-nil.
	ExitCode *int64
	// Duration is the command's wall time in seconds.
	Duration *float64
	// HardTimeout reports the bot killed the command at its execution
	// timeout; IOTimeout that the output stream went silent too long.
	HardTimeout bool
	IOTimeout   bool
}

// BotUpdateTask applies one update in a single transaction: output chunks,
// exit codes, duration, and any resulting state transition commit together
// or not at all. Retried calls with identical arguments are no-ops.
//
// mustStop tells the bot to kill the task: the task was canceled server-side
// while the bot was running it.
func (s *Scheduler) BotUpdateTask(u TaskUpdate) (mustStop bool, err error) {
	if u.CommandIndex < 0 {
		return false, errf(KindValidation, "command_index %d is negative", u.CommandIndex)
	}
	if u.OutputChunkStart < 0 {
		return false, errf(KindValidation, "output_chunk_start %d is negative", u.OutputChunkStart)
	}

	now := s.now().UTC()
	var terminal types.TaskState
	apply := func(tx storage.Txn) error {
		mustStop = false
		terminal = types.StatePending
		run, err := tx.GetRunResult(u.RequestKey, u.TryNumber)
		if storage.IsNotFound(err) {
			return errf(KindNotFound, "run %s not found", taskid.PackRunResult(u.RequestKey, u.TryNumber))
		} else if err != nil {
			return err
		}
		if run.BotID != u.BotID {
			return errf(KindConflict, "run %s belongs to bot %s, not %s",
				taskid.PackRunResult(u.RequestKey, u.TryNumber), run.BotID, u.BotID)
		}
		if run.State == types.StateCanceled {
			// Canceled out from under the bot: acknowledge so the bot stops
			// cleanly, but accept no writes.
			mustStop = true
			return nil
		}
		if run.State.Terminal() {
			// The response to the completing update may have been lost; a
			// retry with the same inputs must succeed, not conflict.
			replay, err := replayOfFinalUpdate(tx, run, u)
			if err != nil {
				return err
			}
			if replay {
				return nil
			}
			return errf(KindConflict, "run %s is already %s",
				taskid.PackRunResult(u.RequestKey, u.TryNumber), run.State)
		}
		if u.CommandIndex >= len(run.ExitCodes) {
			return errf(KindValidation, "command_index %d out of range [0, %d)", u.CommandIndex, len(run.ExitCodes))
		}

		if len(u.Output) > 0 {
			if err := s.writeOutput(tx, run, u); err != nil {
				return err
			}
		}

		if u.ExitCode != nil {
			if prev := run.ExitCodes[u.CommandIndex]; prev != nil && *prev != *u.ExitCode {
				return errf(KindConflict, "command %d already completed with exit code %d", u.CommandIndex, *prev)
			}
			code := *u.ExitCode
			run.ExitCodes[u.CommandIndex] = &code
		}
		if u.Duration != nil {
			d := *u.Duration
			run.Durations[u.CommandIndex] = &d
		}

		run.LastUpdateAt = now
		run.ModifiedAt = now

		switch {
		case u.HardTimeout || u.IOTimeout:
			run.State = types.StateTimedOut
			run.Failure = true
			run.CompletedAt = &now
			terminal = types.StateTimedOut
		case allCompleted(run.ExitCodes):
			run.State = types.StateCompleted
			run.Failure = anyFailed(run.ExitCodes)
			run.CompletedAt = &now
			terminal = types.StateCompleted
		}

		if err := tx.PutRunResult(run); err != nil {
			return err
		}

		summary, err := tx.GetSummary(u.RequestKey)
		if err != nil {
			return err
		}
		summary.State = run.State
		summary.Failure = run.Failure
		summary.ExitCodes = run.ExitCodes
		summary.CompletedAt = run.CompletedAt
		summary.ModifiedAt = now
		return tx.PutSummary(summary)
	}

	// One internal retry on transactional failure; idempotence makes the
	// second application safe.
	err = s.store.Update(apply)
	if err != nil && KindOf(err) == KindInternal {
		err = s.store.Update(apply)
	}
	if err != nil {
		return false, err
	}

	metrics.TaskUpdates.Inc()
	if len(u.Output) > 0 {
		metrics.OutputBytes.Add(float64(len(u.Output)))
	}
	if terminal.Terminal() {
		metrics.TasksCompleted.WithLabelValues(terminal.String()).Inc()
		evType := events.EventTaskCompleted
		if terminal == types.StateTimedOut {
			evType = events.EventTaskTimedOut
		}
		s.publish(&events.Event{
			Type:   evType,
			TaskID: taskid.PackRunResult(u.RequestKey, u.TryNumber),
			BotID:  u.BotID,
		})
		s.logger.Info().
			Str("task_id", taskid.PackRunResult(u.RequestKey, u.TryNumber)).
			Str("bot_id", u.BotID).
			Str("state", terminal.String()).
			Msg("task finished")
	}
	return mustStop, nil
}

// replayOfFinalUpdate reports whether u is a retry of an update already
// applied to the terminal run: its exit code matches the recorded one, its
// timeout flags match the recorded state, and its output bytes are already
// committed verbatim. Such a retry is acknowledged without writes. A bare
// update carrying nothing is not a replay of anything.
func replayOfFinalUpdate(tx storage.Txn, run *types.TaskRunResult, u TaskUpdate) (bool, error) {
	if u.CommandIndex >= len(run.ExitCodes) {
		return false, nil
	}
	if u.ExitCode == nil && len(u.Output) == 0 && !u.HardTimeout && !u.IOTimeout {
		return false, nil
	}
	if (u.HardTimeout || u.IOTimeout) && run.State != types.StateTimedOut {
		return false, nil
	}
	if u.ExitCode != nil {
		prev := run.ExitCodes[u.CommandIndex]
		if prev == nil || *prev != *u.ExitCode {
			return false, nil
		}
	}
	if len(u.Output) > 0 {
		end := u.OutputChunkStart + int64(len(u.Output))
		if end > run.OutputSizes[u.CommandIndex] {
			return false, nil
		}
		committed, err := storage.GetCommandOutput(tx, run, u.CommandIndex)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(committed[u.OutputChunkStart:end], u.Output) {
			return false, nil
		}
	}
	return true, nil
}

// writeOutput commits u.Output at byte offset u.OutputChunkStart, split
// across fixed-size chunks. Writes are append-only: rewriting already
// committed bytes is allowed only when the bytes are identical, and a start
// beyond the current tail is a gap and rejected.
func (s *Scheduler) writeOutput(tx storage.Txn, run *types.TaskRunResult, u TaskUpdate) error {
	tail := run.OutputSizes[u.CommandIndex]
	start := u.OutputChunkStart
	end := start + int64(len(u.Output))

	if start > tail {
		return errf(KindConflict, "output gap: write starts at %d but committed tail is %d", start, tail)
	}
	if end > tail && run.ExitCodes[u.CommandIndex] != nil {
		return errf(KindConflict, "command %d already completed; no further output accepted", u.CommandIndex)
	}

	chunkSize := int64(s.cfg.ChunkSize)
	for ci := start / chunkSize; ci*chunkSize < end; ci++ {
		chunkStart := ci * chunkSize

		// Slice of the incoming output that lands in this chunk.
		from := chunkStart
		if from < start {
			from = start
		}
		to := chunkStart + chunkSize
		if to > end {
			to = end
		}
		incoming := u.Output[from-start : to-start]
		inChunkOff := from - chunkStart

		var data []byte
		if chunkStart < tail {
			existing, err := tx.GetChunk(run.Key(), u.CommandIndex, int(ci))
			if err != nil {
				return err
			}
			data = existing.Data
		}

		// Bytes below the committed tail must match what is already there.
		committed := tail - from
		if committed > int64(len(incoming)) {
			committed = int64(len(incoming))
		}
		if committed > 0 {
			if int64(len(data)) < inChunkOff+committed ||
				!bytes.Equal(data[inChunkOff:inChunkOff+committed], incoming[:committed]) {
				return errf(KindConflict, "output rewrite at offset %d does not match committed bytes", from)
			}
		}

		if need := inChunkOff + int64(len(incoming)); int64(len(data)) < need {
			grown := make([]byte, need)
			copy(grown, data)
			data = grown
		}
		copy(data[inChunkOff:], incoming)

		if err := tx.PutChunk(&types.TaskOutputChunk{
			RunKey:       run.Key(),
			CommandIndex: u.CommandIndex,
			ChunkIndex:   int(ci),
			Data:         data,
		}); err != nil {
			return err
		}
	}

	if end > tail {
		run.OutputSizes[u.CommandIndex] = end
	}
	return nil
}

// BotTaskError declares BOT_DIED for a run the bot reports it cannot finish.
// Idempotent: a second report for an already dead run is a no-op.
func (s *Scheduler) BotTaskError(requestKey string, tryNumber int, botID, message string) error {
	now := s.now().UTC()
	var transitioned bool
	err := s.store.Update(func(tx storage.Txn) error {
		run, err := tx.GetRunResult(requestKey, tryNumber)
		if storage.IsNotFound(err) {
			return errf(KindNotFound, "run %s not found", taskid.PackRunResult(requestKey, tryNumber))
		} else if err != nil {
			return err
		}
		if run.BotID != botID {
			return errf(KindConflict, "run %s belongs to bot %s, not %s",
				taskid.PackRunResult(requestKey, tryNumber), run.BotID, botID)
		}
		if run.State.Terminal() {
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
		transitioned = true
		return tx.PutSummary(summary)
	})
	if err != nil {
		return err
	}
	if transitioned {
		metrics.TasksCompleted.WithLabelValues(types.StateBotDied.String()).Inc()
		s.publish(&events.Event{
			Type:    events.EventTaskBotDied,
			TaskID:  taskid.PackRunResult(requestKey, tryNumber),
			BotID:   botID,
			Message: message,
		})
		s.logger.Warn().
			Str("task_id", taskid.PackRunResult(requestKey, tryNumber)).
			Str("bot_id", botID).
			Str("error", message).
			Msg("bot reported task error")
	}
	return nil
}

func allCompleted(codes []*int64) bool {
	for _, c := range codes {
		if c == nil {
			return false
		}
	}
	return true
}

func anyFailed(codes []*int64) bool {
	for _, c := range codes {
		if c != nil && *c != 0 {
			return true
		}
	}
	return false
}
