package sweeper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivelabs/hive/pkg/fingerprint"
	"github.com/hivelabs/hive/pkg/scheduler"
	"github.com/hivelabs/hive/pkg/storage"
	"github.com/hivelabs/hive/pkg/types"
)

var linuxBot = map[string][]string{"os": {"Linux"}}

// fixture wires a scheduler and a sweeper over one store with one shared
// manual clock.
type fixture struct {
	store storage.Store
	sched *scheduler.Scheduler
	sweep *Sweeper
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store: store,
		now:   time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	schedCfg := scheduler.DefaultConfig()
	schedCfg.Clock = clock
	sweepCfg := DefaultConfig()
	sweepCfg.Clock = clock
	f.sched = scheduler.New(store, nil, schedCfg)
	f.sweep = New(store, nil, sweepCfg)
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) submit(t *testing.T, expirationSecs int) *types.TaskRequest {
	t.Helper()
	req, _, err := f.sched.MakeRequest(scheduler.NewTaskArgs{
		Name:           "sweep-test",
		User:           "alice",
		Priority:       100,
		ExpirationSecs: expirationSecs,
		Properties: types.TaskProperties{
			Commands:             [][]string{{"echo", "hi"}},
			Dimensions:           map[string]string{"os": "Linux"},
			ExecutionTimeoutSecs: 600,
		},
	}, false)
	require.NoError(t, err)
	return req
}

func (f *fixture) summary(t *testing.T, key string) *types.TaskResultSummary {
	t.Helper()
	sum, err := f.sched.GetSummary(key)
	require.NoError(t, err)
	return sum
}

func TestSweepExpiresPendingTask(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, 60)

	// Not yet due.
	require.NoError(t, f.sweep.RunOnce())
	assert.Equal(t, types.StatePending, f.summary(t, req.Key).State)

	f.advance(2 * time.Minute)
	require.NoError(t, f.sweep.RunOnce())

	sum := f.summary(t, req.Key)
	assert.Equal(t, types.StateExpired, sum.State)
	require.NotNil(t, sum.AbandonedAt)
	assert.Empty(t, sum.BotID, "no run result was ever created")

	// The queue entry is tombstoned.
	require.NoError(t, f.store.View(func(tx storage.Txn) error {
		qn := fingerprint.QueueNumber(req.Priority, req.CreatedAt)
		toRun, err := tx.GetToRun(req.Key, qn)
		require.NoError(t, err)
		assert.False(t, toRun.Claimable())
		return nil
	}))
}

func TestSweepLeavesReapedTasksAlone(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, 60)
	_, run, err := f.sched.BotReapTask("b1", linuxBot)
	require.NoError(t, err)
	require.NotNil(t, run)

	f.advance(2 * time.Minute)
	require.NoError(t, f.sweep.RunOnce())
	assert.Equal(t, types.StateRunning, f.summary(t, req.Key).State,
		"a reaped task does not expire")
}

func TestSweepDeclaresBotDied(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, 3600)
	_, run, err := f.sched.BotReapTask("b1", linuxBot)
	require.NoError(t, err)
	require.NotNil(t, run)

	// Quiet but within the death timeout.
	f.advance(5 * time.Minute)
	require.NoError(t, f.sweep.RunOnce())
	assert.Equal(t, types.StateRunning, f.summary(t, req.Key).State)

	f.advance(10 * time.Minute)
	require.NoError(t, f.sweep.RunOnce())

	sum := f.summary(t, req.Key)
	assert.Equal(t, types.StateBotDied, sum.State)
	assert.True(t, sum.Failure)
	require.NotNil(t, sum.AbandonedAt)

	// A zombie update from the dead bot is rejected.
	_, err = f.sched.BotUpdateTask(scheduler.TaskUpdate{
		RequestKey: req.Key, TryNumber: run.TryNumber, BotID: "b1",
		CommandIndex: 0, Output: []byte("late"),
	})
	require.Error(t, err)
	assert.Equal(t, scheduler.KindConflict, scheduler.KindOf(err))
}

func TestSweepBotDiedSparesActiveBots(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, 3600)
	_, run, err := f.sched.BotReapTask("b1", linuxBot)
	require.NoError(t, err)
	require.NotNil(t, run)

	f.advance(15 * time.Minute)
	// The bot checks in just before the sweep.
	_, err = f.sched.BotUpdateTask(scheduler.TaskUpdate{
		RequestKey: req.Key, TryNumber: run.TryNumber, BotID: "b1",
		CommandIndex: 0, Output: []byte("alive"),
	})
	require.NoError(t, err)

	require.NoError(t, f.sweep.RunOnce())
	assert.Equal(t, types.StateRunning, f.summary(t, req.Key).State)
}

func TestSweepReopensOrphanedClaim(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, 3600)

	// Simulate a crash between claim and reservation: the queue entry is
	// reaped but no run result exists and the summary is still PENDING.
	reapedAt := f.now
	require.NoError(t, f.store.Update(func(tx storage.Txn) error {
		qn := fingerprint.QueueNumber(req.Priority, req.CreatedAt)
		toRun, err := tx.GetToRun(req.Key, qn)
		require.NoError(t, err)
		toRun.ReapedAt = &reapedAt
		return tx.PutToRun(toRun)
	}))

	// Inside the grace period nothing happens.
	f.advance(time.Minute)
	require.NoError(t, f.sweep.RunOnce())
	require.NoError(t, f.store.View(func(tx storage.Txn) error {
		qn := fingerprint.QueueNumber(req.Priority, req.CreatedAt)
		toRun, err := tx.GetToRun(req.Key, qn)
		require.NoError(t, err)
		assert.False(t, toRun.Claimable())
		return nil
	}))

	f.advance(5 * time.Minute)
	require.NoError(t, f.sweep.RunOnce())

	// The claim is reopened and a bot can reap the task again.
	_, run, err := f.sched.BotReapTask("b2", linuxBot)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "b2", run.BotID)
}

func TestSweepIdempotent(t *testing.T) {
	f := newFixture(t)
	running := f.submit(t, 3600)
	f.advance(time.Second) // the older task is first in queue order
	expired := f.submit(t, 60)
	_, run, err := f.sched.BotReapTask("b1", linuxBot)
	require.NoError(t, err)
	require.NotNil(t, run)
	require.Equal(t, running.Key, run.RequestKey, "the unexpired task is the one reaped")

	f.advance(30 * time.Minute)
	require.NoError(t, f.sweep.RunOnce())
	first := map[string]types.TaskState{
		expired.Key: f.summary(t, expired.Key).State,
		running.Key: f.summary(t, running.Key).State,
	}
	assert.Equal(t, types.StateExpired, first[expired.Key])
	assert.Equal(t, types.StateBotDied, first[running.Key])

	firstModified := f.summary(t, expired.Key).ModifiedAt

	f.advance(time.Minute)
	require.NoError(t, f.sweep.RunOnce())
	require.NoError(t, f.sweep.RunOnce())

	assert.Equal(t, first[expired.Key], f.summary(t, expired.Key).State)
	assert.Equal(t, first[running.Key], f.summary(t, running.Key).State)
	assert.True(t, firstModified.Equal(f.summary(t, expired.Key).ModifiedAt),
		"re-running the sweep writes nothing")
}

func TestSweepStartStop(t *testing.T) {
	f := newFixture(t)
	s := New(f.store, nil, Config{Interval: 10 * time.Millisecond})
	s.Start()
	time.Sleep(50 * time.Millisecond)
	s.Stop()
}
