package scheduler

import (
	"github.com/hivelabs/hive/pkg/events"
	"github.com/hivelabs/hive/pkg/fingerprint"
	"github.com/hivelabs/hive/pkg/metrics"
	"github.com/hivelabs/hive/pkg/storage"
	"github.com/hivelabs/hive/pkg/taskid"
	"github.com/hivelabs/hive/pkg/types"
)

// candidate is a matched queue entry, remembered by key so the claim
// transaction can re-fetch and re-check it.
type candidate struct {
	requestKey  string
	queueNumber uint64
}

// BotReapTask finds the best pending task the bot can run and claims it
// atomically. Returns (nil, nil, nil) when nothing matched; the caller then
// tells the bot to sleep. At most one bot ever wins a given queue entry.
func (s *Scheduler) BotReapTask(botID string, dims map[string][]string) (*types.TaskRequest, *types.TaskRunResult, error) {
	if fingerprint.PowersetCount(dims) > fingerprint.MaxDimensions {
		return nil, nil, errf(KindValidation, "bot %s advertises too many dimensions", botID)
	}
	candidates, err := s.matchCandidates(dims)
	if err != nil {
		return nil, nil, errf(KindUnavailable, "matching candidates: %v", err)
	}

	for _, cand := range candidates {
		claimed, err := s.claim(cand)
		if err != nil {
			return nil, nil, err
		}
		if !claimed {
			metrics.ClaimConflicts.Inc()
			continue
		}
		req, run, err := s.reserve(cand, botID)
		if err != nil {
			return nil, nil, err
		}
		if run == nil {
			// The summary left PENDING under us (canceled or expired); the
			// claim stands but there is nothing to hand out.
			continue
		}
		metrics.TasksReaped.Inc()
		s.publish(&events.Event{
			Type:   events.EventTaskReaped,
			TaskID: taskid.PackRunResult(cand.requestKey, run.TryNumber),
			BotID:  botID,
		})
		s.logger.Info().
			Str("task_id", taskid.PackRunResult(cand.requestKey, run.TryNumber)).
			Str("bot_id", botID).
			Msg("task reaped")
		return req, run, nil
	}
	return nil, nil, nil
}

// matchCandidates walks the pending queue in queue-number order and returns
// the entries whose request dimensions the bot satisfies. At most
// MaxCandidates claimable entries are examined per call, so poll latency
// stays bounded even under a deep queue.
func (s *Scheduler) matchCandidates(dims map[string][]string) ([]candidate, error) {
	// The powerset of the bot's dimensions gives an exact prefilter on the
	// stored dimension hashes; nil means the powerset was too large and
	// every entry gets the full subset test.
	hashes := fingerprint.BotDimensionHashes(dims)

	now := s.now().UTC()
	var out []candidate
	examined := 0
	err := s.store.View(func(tx storage.Txn) error {
		return tx.ScanPending(func(toRun *types.TaskToRun) (bool, error) {
			if !toRun.Claimable() {
				return true, nil
			}
			if toRun.ExpiresAt.Before(now) {
				// Past its deadline; the sweeper owns it now.
				return true, nil
			}
			examined++
			if examined > s.cfg.MaxCandidates {
				return false, nil
			}
			if hashes != nil && !hashes[toRun.DimensionsHash] {
				return true, nil
			}
			req, err := tx.GetRequest(toRun.RequestKey)
			if err != nil {
				return false, err
			}
			if !fingerprint.MatchDimensions(req.Properties.Dimensions, dims) {
				return true, nil
			}
			out = append(out, candidate{
				requestKey:  toRun.RequestKey,
				queueNumber: toRun.QueueNumber,
			})
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// claim flips the queue entry's reaped timestamp from nil to now inside one
// transaction. Exactly one caller across the entry's lifetime gets true.
func (s *Scheduler) claim(cand candidate) (bool, error) {
	var (
		claimed bool
		err     error
	)
	for attempt := 0; attempt < claimRetries; attempt++ {
		claimed = false
		err = s.store.Update(func(tx storage.Txn) error {
			toRun, err := tx.GetToRun(cand.requestKey, cand.queueNumber)
			if storage.IsNotFound(err) {
				return nil
			} else if err != nil {
				return err
			}
			if !toRun.Claimable() {
				return nil
			}
			reaped := s.now().UTC()
			toRun.ReapedAt = &reaped
			claimed = true
			return tx.PutToRun(toRun)
		})
		if err == nil {
			return claimed, nil
		}
	}
	return false, errf(KindUnavailable, "claiming %s: %v", cand.requestKey, err)
}

// reserve creates the RUNNING run result and advances the summary, in one
// transaction anchored at the request subtree. If the process dies between
// claim and reserve, the sweeper reopens the orphaned claim.
func (s *Scheduler) reserve(cand candidate, botID string) (*types.TaskRequest, *types.TaskRunResult, error) {
	now := s.now().UTC()
	var (
		req *types.TaskRequest
		run *types.TaskRunResult
	)
	err := s.store.Update(func(tx storage.Txn) error {
		var err error
		req, err = tx.GetRequest(cand.requestKey)
		if err != nil {
			return err
		}
		summary, err := tx.GetSummary(cand.requestKey)
		if err != nil {
			return err
		}
		if summary.State != types.StatePending {
			return nil
		}
		run = &types.TaskRunResult{
			RequestKey:   cand.requestKey,
			TryNumber:    1,
			BotID:        botID,
			State:        types.StateRunning,
			StartedAt:    now,
			LastUpdateAt: now,
			ModifiedAt:   now,
			ExitCodes:    make([]*int64, len(req.Properties.Commands)),
			Durations:    make([]*float64, len(req.Properties.Commands)),
			OutputSizes:  make([]int64, len(req.Properties.Commands)),
		}
		if err := tx.PutRunResult(run); err != nil {
			return err
		}
		summary.State = types.StateRunning
		summary.BotID = botID
		summary.TryNumber = run.TryNumber
		summary.StartedAt = &now
		summary.ModifiedAt = now
		if err := tx.PutSummary(summary); err != nil {
			return err
		}
		// The entry can no longer expire; drop its index entry.
		return tx.DeleteExpirationIndex(cand.requestKey, req.ExpiresAt.UnixMilli())
	})
	if err != nil {
		return nil, nil, errf(KindUnavailable, "reserving %s: %v", cand.requestKey, err)
	}
	return req, run, nil
}
