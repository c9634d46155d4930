package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TaskState represents the lifecycle state of a task attempt or of the
// client-facing result summary. The variant set is fixed; the zero value is
// StatePending.
type TaskState int

const (
	StatePending TaskState = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateBotDied
	StateExpired
	StateCanceled
)

var stateNames = map[TaskState]string{
	StatePending:   "PENDING",
	StateRunning:   "RUNNING",
	StateCompleted: "COMPLETED",
	StateTimedOut:  "TIMED_OUT",
	StateBotDied:   "BOT_DIED",
	StateExpired:   "EXPIRED",
	StateCanceled:  "CANCELED",
}

var statesByName = func() map[string]TaskState {
	m := make(map[string]TaskState, len(stateNames))
	for s, n := range stateNames {
		m[n] = s
	}
	return m
}()

// transitions is the authoritative state machine. Terminal states have no
// outgoing edges.
var transitions = map[TaskState][]TaskState{
	StatePending: {StateRunning, StateExpired, StateCanceled},
	StateRunning: {StateCompleted, StateTimedOut, StateBotDied, StateCanceled},
}

func (s TaskState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

// Terminal reports whether no further state transition is permitted.
func (s TaskState) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransitionTo reports whether the edge s -> next exists in the state
// machine.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// MarshalJSON encodes the state by its canonical name.
func (s TaskState) MarshalJSON() ([]byte, error) {
	n, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown task state %d", int(s))
	}
	return json.Marshal(n)
}

// UnmarshalJSON decodes a state from its canonical name.
func (s *TaskState) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	st, ok := statesByName[n]
	if !ok {
		return fmt.Errorf("unknown task state %q", n)
	}
	*s = st
	return nil
}

// ParseState resolves a canonical state name.
func ParseState(name string) (TaskState, error) {
	st, ok := statesByName[name]
	if !ok {
		return 0, fmt.Errorf("unknown task state %q", name)
	}
	return st, nil
}

// DataRef points at an input the bot must fetch before running the commands.
type DataRef struct {
	URL    string `json:"url"`
	Digest string `json:"digest"`
}

// TaskProperties is the "what to run" half of a request. It is the portion
// that is fingerprinted for deduplication reporting.
type TaskProperties struct {
	// Commands is an ordered list of argv vectors, executed sequentially.
	Commands [][]string `json:"commands"`
	// Data lists (url, digest) inputs to stage before execution.
	Data []DataRef `json:"data,omitempty"`
	// Dimensions maps dimension key to the single required value. Keys are
	// unique by construction of the map type.
	Dimensions map[string]string `json:"dimensions"`
	// Env is merged into the bot's environment for the duration of the task.
	Env map[string]string `json:"env,omitempty"`
	// ExecutionTimeoutSecs is the hard per-command timeout enforced by the
	// bot and corroborated by the server sweeper.
	ExecutionTimeoutSecs int `json:"execution_timeout_secs"`
	// IOTimeoutSecs bounds the silence on a command's output stream.
	IOTimeoutSecs int `json:"io_timeout_secs"`
}

// TaskRequest is the immutable submitted job. It is never mutated after
// creation.
type TaskRequest struct {
	// Key is 16 lowercase hex characters, unique per request. Public task
	// ids are derived from it (see pkg/taskid).
	Key            string         `json:"key"`
	Name           string         `json:"name"`
	User           string         `json:"user"`
	Priority       int            `json:"priority"`
	CreatedAt      time.Time      `json:"created_ts"`
	ExpiresAt      time.Time      `json:"expiration_ts"`
	Properties     TaskProperties `json:"properties"`
	PropertiesHash string         `json:"properties_hash"`
}

// TaskToRun is the pending-queue entry for a request. It is created together
// with the request and mutated exactly once, when a bot claims it.
type TaskToRun struct {
	RequestKey string `json:"request_key"`
	// QueueNumber orders the queue: ascending scan yields highest priority
	// then oldest first. See pkg/fingerprint.QueueNumber.
	QueueNumber uint64 `json:"queue_number"`
	// DimensionsHash is a coarse prefilter over the request's dimension set.
	// The authoritative match is the subset test.
	DimensionsHash uint32    `json:"dimensions_hash"`
	ExpiresAt      time.Time `json:"expiration_ts"`
	// ReapedAt is nil while the entry is claimable.
	ReapedAt *time.Time `json:"reaped_ts"`
}

// Claimable reports whether the entry can still be handed to a bot.
func (t *TaskToRun) Claimable() bool {
	return t.ReapedAt == nil
}

// TaskResultSummary is the one-per-request, client-facing result view. Name,
// user and priority are denormalized from the request for query efficiency.
type TaskResultSummary struct {
	RequestKey string    `json:"request_key"`
	State      TaskState `json:"state"`
	// Failure is meaningful only at terminal states.
	Failure   bool   `json:"failure"`
	BotID     string `json:"bot_id,omitempty"`
	TryNumber int    `json:"try_number"`

	Name     string `json:"name"`
	User     string `json:"user"`
	Priority int    `json:"priority"`

	CreatedAt   time.Time  `json:"created_ts"`
	StartedAt   *time.Time `json:"started_ts"`
	CompletedAt *time.Time `json:"completed_ts"`
	AbandonedAt *time.Time `json:"abandoned_ts"`
	ModifiedAt  time.Time  `json:"modified_ts"`

	// ExitCodes has one slot per command; nil until the command completed.
	ExitCodes []*int64 `json:"exit_codes"`
}

// TaskRunResult is the per-attempt execution record, child of the summary.
// Currently always try #1.
type TaskRunResult struct {
	RequestKey string    `json:"request_key"`
	TryNumber  int       `json:"try_number"`
	BotID      string    `json:"bot_id"`
	State      TaskState `json:"state"`
	Failure    bool      `json:"failure"`

	StartedAt    time.Time  `json:"started_ts"`
	CompletedAt  *time.Time `json:"completed_ts"`
	AbandonedAt  *time.Time `json:"abandoned_ts"`
	LastUpdateAt time.Time  `json:"last_update_ts"`
	ModifiedAt   time.Time  `json:"modified_ts"`

	ExitCodes []*int64   `json:"exit_codes"`
	Durations []*float64 `json:"durations"`
	// OutputSizes tracks committed output bytes per command; the update
	// pipeline enforces append-only writes against these tails.
	OutputSizes []int64 `json:"output_sizes"`
}

// Key returns the run result's storage key, requestKey + try digit.
func (r *TaskRunResult) Key() string {
	return RunKey(r.RequestKey, r.TryNumber)
}

// RunKey builds the storage key of a run result.
func RunKey(requestKey string, tryNumber int) string {
	return requestKey + strconv.Itoa(tryNumber)
}

// TaskOutputChunk is a fixed-size segment of a command's combined
// stdout+stderr. Chunks for a command are strictly ordered by ChunkIndex
// starting at 0, with no gaps committed.
type TaskOutputChunk struct {
	RunKey       string `json:"run_key"`
	CommandIndex int    `json:"command_index"`
	ChunkIndex   int    `json:"chunk_index"`
	Data         []byte `json:"data"`
}

// BotRecord is the server's view of a bot, refreshed on handshake and poll.
type BotRecord struct {
	ID         string              `json:"id"`
	Dimensions map[string][]string `json:"dimensions"`
	Version    string              `json:"version"`
	ExternalIP string              `json:"external_ip,omitempty"`
	// Quarantined bots keep polling but are only ever told to sleep.
	Quarantined bool `json:"quarantined"`
	// QuarantineReason is set when the server quarantined the bot.
	QuarantineReason string `json:"quarantine_reason,omitempty"`
	// TerminatePending makes the next poll return a terminate command.
	TerminatePending bool      `json:"terminate_pending"`
	FirstSeenAt      time.Time `json:"first_seen_ts"`
	LastSeenAt       time.Time `json:"last_seen_ts"`
}
