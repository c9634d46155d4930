package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivelabs/hive/pkg/fingerprint"
	"github.com/hivelabs/hive/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func putRequest(t *testing.T, store *BoltStore, key string, priority int, createdAt time.Time) *types.TaskRequest {
	t.Helper()
	req := &types.TaskRequest{
		Key:       key,
		Name:      "test",
		User:      "alice",
		Priority:  priority,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(time.Hour),
		Properties: types.TaskProperties{
			Commands:             [][]string{{"echo", "hi"}},
			Dimensions:           map[string]string{"os": "Linux"},
			ExecutionTimeoutSecs: 60,
		},
	}
	require.NoError(t, store.Update(func(tx Txn) error {
		return tx.PutRequest(req)
	}))
	return req
}

func TestRequestRoundTrip(t *testing.T) {
	store := newTestStore(t)
	req := putRequest(t, store, "00000000000000aa", 100, time.Now().UTC())

	var got *types.TaskRequest
	require.NoError(t, store.View(func(tx Txn) error {
		var err error
		got, err = tx.GetRequest(req.Key)
		return err
	}))
	assert.Equal(t, req.Name, got.Name)
	assert.Equal(t, req.Properties.Dimensions, got.Properties.Dimensions)
	assert.True(t, req.CreatedAt.Equal(got.CreatedAt))
}

func TestGetMissingIsNotFound(t *testing.T) {
	store := newTestStore(t)
	err := store.View(func(tx Txn) error {
		_, err := tx.GetRequest("0000000000000000")
		return err
	})
	assert.True(t, IsNotFound(err))

	err = store.View(func(tx Txn) error {
		_, err := tx.GetSummary("0000000000000000")
		return err
	})
	assert.True(t, IsNotFound(err))

	err = store.View(func(tx Txn) error {
		_, err := tx.GetBot("nope")
		return err
	})
	assert.True(t, IsNotFound(err))
}

func TestScanPendingOrder(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	// Inserted out of order on purpose.
	entries := []struct {
		key      string
		priority int
		age      time.Duration
	}{
		{"00000000000000a1", 200, time.Hour},
		{"00000000000000a2", 50, 0},
		{"00000000000000a3", 50, time.Hour},
		{"00000000000000a4", 100, 30 * time.Minute},
	}
	require.NoError(t, store.Update(func(tx Txn) error {
		for _, e := range entries {
			created := now.Add(-e.age)
			if err := tx.PutToRun(&types.TaskToRun{
				RequestKey:  e.key,
				QueueNumber: fingerprint.QueueNumber(e.priority, created),
				ExpiresAt:   now.Add(time.Hour),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	var order []string
	require.NoError(t, store.View(func(tx Txn) error {
		return tx.ScanPending(func(toRun *types.TaskToRun) (bool, error) {
			order = append(order, toRun.RequestKey)
			return true, nil
		})
	}))
	// Priority asc, then created asc.
	assert.Equal(t, []string{
		"00000000000000a3", // priority 50, old
		"00000000000000a2", // priority 50, new
		"00000000000000a4", // priority 100
		"00000000000000a1", // priority 200
	}, order)
}

func TestScanPendingStops(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.Update(func(tx Txn) error {
		for i := 0; i < 5; i++ {
			key := []byte("00000000000000a0")
			key[15] = byte('0' + i)
			if err := tx.PutToRun(&types.TaskToRun{
				RequestKey:  string(key),
				QueueNumber: fingerprint.QueueNumber(100, now.Add(time.Duration(i)*time.Second)),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	count := 0
	require.NoError(t, store.View(func(tx Txn) error {
		return tx.ScanPending(func(*types.TaskToRun) (bool, error) {
			count++
			return count < 2, nil
		})
	}))
	assert.Equal(t, 2, count)
}

func TestClaimFlow(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	qn := fingerprint.QueueNumber(100, now)
	require.NoError(t, store.Update(func(tx Txn) error {
		return tx.PutToRun(&types.TaskToRun{RequestKey: "00000000000000aa", QueueNumber: qn})
	}))

	require.NoError(t, store.Update(func(tx Txn) error {
		toRun, err := tx.GetToRun("00000000000000aa", qn)
		require.NoError(t, err)
		require.True(t, toRun.Claimable())
		toRun.ReapedAt = &now
		return tx.PutToRun(toRun)
	}))

	require.NoError(t, store.View(func(tx Txn) error {
		toRun, err := tx.GetToRun("00000000000000aa", qn)
		require.NoError(t, err)
		assert.False(t, toRun.Claimable())
		return nil
	}))
}

func TestScanSummariesNewestFirstWithCursor(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	keys := []string{"00000000000000a1", "00000000000000a2", "00000000000000a3"}
	require.NoError(t, store.Update(func(tx Txn) error {
		for _, key := range keys {
			if err := tx.PutSummary(&types.TaskResultSummary{
				RequestKey: key,
				State:      types.StatePending,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	var page []string
	require.NoError(t, store.View(func(tx Txn) error {
		return tx.ScanSummaries("", func(s *types.TaskResultSummary) (bool, error) {
			page = append(page, s.RequestKey)
			return len(page) < 2, nil
		})
	}))
	assert.Equal(t, []string{"00000000000000a3", "00000000000000a2"}, page)

	// Resume strictly after the cursor.
	page = nil
	require.NoError(t, store.View(func(tx Txn) error {
		return tx.ScanSummaries("00000000000000a2", func(s *types.TaskResultSummary) (bool, error) {
			page = append(page, s.RequestKey)
			return true, nil
		})
	}))
	assert.Equal(t, []string{"00000000000000a1"}, page)
}

func TestExpirationIndex(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.Update(func(tx Txn) error {
		if err := tx.PutExpirationIndex("00000000000000a1", now.Add(-time.Minute).UnixMilli()); err != nil {
			return err
		}
		if err := tx.PutExpirationIndex("00000000000000a2", now.Add(time.Hour).UnixMilli()); err != nil {
			return err
		}
		return tx.PutExpirationIndex("00000000000000a3", now.Add(-time.Hour).UnixMilli())
	}))

	var due []string
	require.NoError(t, store.View(func(tx Txn) error {
		return tx.ScanExpirationIndex(now.UnixMilli(), func(requestKey string) (bool, error) {
			due = append(due, requestKey)
			return true, nil
		})
	}))
	// Oldest deadline first; the future entry is excluded.
	assert.Equal(t, []string{"00000000000000a3", "00000000000000a1"}, due)

	require.NoError(t, store.Update(func(tx Txn) error {
		return tx.DeleteExpirationIndex("00000000000000a3", now.Add(-time.Hour).UnixMilli())
	}))
	due = nil
	require.NoError(t, store.View(func(tx Txn) error {
		return tx.ScanExpirationIndex(now.UnixMilli(), func(requestKey string) (bool, error) {
			due = append(due, requestKey)
			return true, nil
		})
	}))
	assert.Equal(t, []string{"00000000000000a1"}, due)
}

func TestChunksAndCommandOutput(t *testing.T) {
	store := newTestStore(t)
	run := &types.TaskRunResult{
		RequestKey:  "00000000000000aa",
		TryNumber:   1,
		BotID:       "b1",
		State:       types.StateRunning,
		ExitCodes:   make([]*int64, 1),
		Durations:   make([]*float64, 1),
		OutputSizes: []int64{11},
	}
	require.NoError(t, store.Update(func(tx Txn) error {
		if err := tx.PutRunResult(run); err != nil {
			return err
		}
		if err := tx.PutChunk(&types.TaskOutputChunk{
			RunKey: run.Key(), CommandIndex: 0, ChunkIndex: 0, Data: []byte("hello "),
		}); err != nil {
			return err
		}
		return tx.PutChunk(&types.TaskOutputChunk{
			RunKey: run.Key(), CommandIndex: 0, ChunkIndex: 1, Data: []byte("world"),
		})
	}))

	require.NoError(t, store.View(func(tx Txn) error {
		out, err := GetCommandOutput(tx, run, 0)
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(out))

		// Out-of-range command indexes yield nothing.
		out, err = GetCommandOutput(tx, run, 5)
		require.NoError(t, err)
		assert.Nil(t, out)
		return nil
	}))
}

func TestBotRecords(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.Update(func(tx Txn) error {
		for _, id := range []string{"b1", "b2"} {
			if err := tx.PutBot(&types.BotRecord{
				ID:          id,
				Dimensions:  map[string][]string{"os": {"Linux"}},
				FirstSeenAt: now,
				LastSeenAt:  now,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	var ids []string
	require.NoError(t, store.View(func(tx Txn) error {
		return tx.ScanBots(func(b *types.BotRecord) (bool, error) {
			ids = append(ids, b.ID)
			return true, nil
		})
	}))
	assert.Equal(t, []string{"b1", "b2"}, ids)
}
