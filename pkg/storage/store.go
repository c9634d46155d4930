package storage

import (
	"errors"

	"github.com/hivelabs/hive/pkg/types"
)

// ErrNotFound is returned when an entity does not exist. Callers match it
// with errors.Is.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err means the entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Txn is a serializable transaction over the entity store. Every mutation
// named by the scheduler happens inside exactly one Txn, so partial writes
// are impossible. Read-only transactions receive the same interface but
// reject puts.
type Txn interface {
	GetRequest(key string) (*types.TaskRequest, error)
	PutRequest(r *types.TaskRequest) error

	GetToRun(requestKey string, queueNumber uint64) (*types.TaskToRun, error)
	PutToRun(t *types.TaskToRun) error
	// ScanPending walks claimable and reaped queue entries in ascending
	// queue-number order, stopping when fn returns false.
	ScanPending(fn func(t *types.TaskToRun) (more bool, err error)) error

	GetSummary(requestKey string) (*types.TaskResultSummary, error)
	PutSummary(s *types.TaskResultSummary) error
	// ScanSummaries walks summaries in descending creation order (request
	// keys embed the creation time). A non-empty start key resumes strictly
	// after it.
	ScanSummaries(startAfter string, fn func(s *types.TaskResultSummary) (more bool, err error)) error

	GetRunResult(requestKey string, tryNumber int) (*types.TaskRunResult, error)
	PutRunResult(r *types.TaskRunResult) error
	// ScanRunResults walks every run result, in no particular order.
	ScanRunResults(fn func(r *types.TaskRunResult) (more bool, err error)) error

	GetChunk(runKey string, commandIndex, chunkIndex int) (*types.TaskOutputChunk, error)
	PutChunk(c *types.TaskOutputChunk) error

	// ScanExpirationIndex walks index entries with expiration <= the given
	// unix-millisecond bound, yielding the request keys.
	ScanExpirationIndex(beforeUnixMilli int64, fn func(requestKey string) (more bool, err error)) error
	// DeleteExpirationIndex drops a handled index entry.
	DeleteExpirationIndex(requestKey string, expUnixMilli int64) error
	// PutExpirationIndex registers a queue entry under its deadline.
	PutExpirationIndex(requestKey string, expUnixMilli int64) error

	GetBot(id string) (*types.BotRecord, error)
	PutBot(b *types.BotRecord) error
	ScanBots(fn func(b *types.BotRecord) (more bool, err error)) error
}

// Store is the durable transactional entity store.
type Store interface {
	// Update runs fn in a read-write serializable transaction. Two
	// concurrent Updates never interleave; this is the claim/update
	// atomicity primitive.
	Update(fn func(tx Txn) error) error
	// View runs fn in a read-only snapshot transaction.
	View(fn func(tx Txn) error) error
	Close() error
}

// GetCommandOutput concatenates the committed chunks of one command, in
// chunk order.
func GetCommandOutput(tx Txn, run *types.TaskRunResult, commandIndex int) ([]byte, error) {
	if commandIndex < 0 || commandIndex >= len(run.OutputSizes) {
		return nil, nil
	}
	size := run.OutputSizes[commandIndex]
	out := make([]byte, 0, size)
	for chunk := 0; int64(len(out)) < size; chunk++ {
		c, err := tx.GetChunk(run.Key(), commandIndex, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, c.Data...)
	}
	return out, nil
}
