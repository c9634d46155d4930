package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/hivelabs/hive/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketRequests     = []byte("requests")
	bucketPending      = []byte("pending")
	bucketSummaries    = []byte("summaries")
	bucketRunResults   = []byte("run_results")
	bucketOutputChunks = []byte("output_chunks")
	bucketExpIndex     = []byte("expiration_index")
	bucketBots         = []byte("bots")
)

// BoltStore implements Store using BoltDB. Bolt serializes all read-write
// transactions, which is exactly the single-writer transactional model the
// scheduler's claim and update pipelines require.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hive.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketRequests,
			bucketPending,
			bucketSummaries,
			bucketRunResults,
			bucketOutputChunks,
			bucketExpIndex,
			bucketBots,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Update runs fn in a read-write serializable transaction.
func (s *BoltStore) Update(fn func(tx Txn) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&boltTxn{tx: btx})
	})
}

// View runs fn in a read-only snapshot transaction.
func (s *BoltStore) View(fn func(tx Txn) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&boltTxn{tx: btx})
	})
}

// boltTxn adapts a bolt transaction to the Txn interface.
type boltTxn struct {
	tx *bolt.Tx
}

// pendingKey orders the queue: queue number first, request key as the
// deterministic tie-break.
func pendingKey(requestKey string, queueNumber uint64) []byte {
	key := make([]byte, 8+len(requestKey))
	binary.BigEndian.PutUint64(key, queueNumber)
	copy(key[8:], requestKey)
	return key
}

func expIndexKey(requestKey string, expUnixMilli int64) []byte {
	key := make([]byte, 8+len(requestKey))
	binary.BigEndian.PutUint64(key, uint64(expUnixMilli))
	copy(key[8:], requestKey)
	return key
}

func chunkKey(runKey string, commandIndex, chunkIndex int) []byte {
	key := make([]byte, len(runKey)+8)
	copy(key, runKey)
	binary.BigEndian.PutUint32(key[len(runKey):], uint32(commandIndex))
	binary.BigEndian.PutUint32(key[len(runKey)+4:], uint32(chunkIndex))
	return key
}

func (t *boltTxn) getJSON(bucket, key []byte, out interface{}) error {
	data := t.tx.Bucket(bucket).Get(key)
	if data == nil {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return json.Unmarshal(data, out)
}

func (t *boltTxn) putJSON(bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucket).Put(key, data)
}

func (t *boltTxn) GetRequest(key string) (*types.TaskRequest, error) {
	var r types.TaskRequest
	if err := t.getJSON(bucketRequests, []byte(key), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *boltTxn) PutRequest(r *types.TaskRequest) error {
	return t.putJSON(bucketRequests, []byte(r.Key), r)
}

func (t *boltTxn) GetToRun(requestKey string, queueNumber uint64) (*types.TaskToRun, error) {
	var r types.TaskToRun
	if err := t.getJSON(bucketPending, pendingKey(requestKey, queueNumber), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *boltTxn) PutToRun(r *types.TaskToRun) error {
	return t.putJSON(bucketPending, pendingKey(r.RequestKey, r.QueueNumber), r)
}

func (t *boltTxn) ScanPending(fn func(r *types.TaskToRun) (bool, error)) error {
	c := t.tx.Bucket(bucketPending).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var entry types.TaskToRun
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		more, err := fn(&entry)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (t *boltTxn) GetSummary(requestKey string) (*types.TaskResultSummary, error) {
	var s types.TaskResultSummary
	if err := t.getJSON(bucketSummaries, []byte(requestKey), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *boltTxn) PutSummary(s *types.TaskResultSummary) error {
	return t.putJSON(bucketSummaries, []byte(s.RequestKey), s)
}

func (t *boltTxn) ScanSummaries(startAfter string, fn func(s *types.TaskResultSummary) (bool, error)) error {
	c := t.tx.Bucket(bucketSummaries).Cursor()
	var k, v []byte
	if startAfter == "" {
		k, v = c.Last()
	} else {
		// Position at the cursor key, then step past it.
		k, v = c.Seek([]byte(startAfter))
		if k != nil && bytes.Equal(k, []byte(startAfter)) {
			k, v = c.Prev()
		} else if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
	}
	for ; k != nil; k, v = c.Prev() {
		var s types.TaskResultSummary
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		more, err := fn(&s)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (t *boltTxn) GetRunResult(requestKey string, tryNumber int) (*types.TaskRunResult, error) {
	var r types.TaskRunResult
	if err := t.getJSON(bucketRunResults, []byte(types.RunKey(requestKey, tryNumber)), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *boltTxn) PutRunResult(r *types.TaskRunResult) error {
	return t.putJSON(bucketRunResults, []byte(r.Key()), r)
}

func (t *boltTxn) ScanRunResults(fn func(r *types.TaskRunResult) (bool, error)) error {
	return filterStopScan(t.tx.Bucket(bucketRunResults).ForEach(func(k, v []byte) error {
		var r types.TaskRunResult
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		more, err := fn(&r)
		if err != nil {
			return err
		}
		if !more {
			return errStopScan
		}
		return nil
	}))
}

func (t *boltTxn) GetChunk(runKey string, commandIndex, chunkIndex int) (*types.TaskOutputChunk, error) {
	data := t.tx.Bucket(bucketOutputChunks).Get(chunkKey(runKey, commandIndex, chunkIndex))
	if data == nil {
		return nil, fmt.Errorf("chunk %s/%d/%d: %w", runKey, commandIndex, chunkIndex, ErrNotFound)
	}
	// Copy out: bolt memory is only valid inside the transaction.
	chunk := &types.TaskOutputChunk{
		RunKey:       runKey,
		CommandIndex: commandIndex,
		ChunkIndex:   chunkIndex,
		Data:         append([]byte(nil), data...),
	}
	return chunk, nil
}

func (t *boltTxn) PutChunk(c *types.TaskOutputChunk) error {
	return t.tx.Bucket(bucketOutputChunks).Put(
		chunkKey(c.RunKey, c.CommandIndex, c.ChunkIndex), c.Data)
}

func (t *boltTxn) ScanExpirationIndex(beforeUnixMilli int64, fn func(requestKey string) (bool, error)) error {
	c := t.tx.Bucket(bucketExpIndex).Cursor()
	var bound [8]byte
	binary.BigEndian.PutUint64(bound[:], uint64(beforeUnixMilli))
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if bytes.Compare(k[:8], bound[:]) > 0 {
			return nil
		}
		more, err := fn(string(v))
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (t *boltTxn) PutExpirationIndex(requestKey string, expUnixMilli int64) error {
	return t.tx.Bucket(bucketExpIndex).Put(
		expIndexKey(requestKey, expUnixMilli), []byte(requestKey))
}

func (t *boltTxn) DeleteExpirationIndex(requestKey string, expUnixMilli int64) error {
	return t.tx.Bucket(bucketExpIndex).Delete(expIndexKey(requestKey, expUnixMilli))
}

func (t *boltTxn) GetBot(id string) (*types.BotRecord, error) {
	var b types.BotRecord
	if err := t.getJSON(bucketBots, []byte(id), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *boltTxn) PutBot(b *types.BotRecord) error {
	return t.putJSON(bucketBots, []byte(b.ID), b)
}

func (t *boltTxn) ScanBots(fn func(b *types.BotRecord) (bool, error)) error {
	return filterStopScan(t.tx.Bucket(bucketBots).ForEach(func(k, v []byte) error {
		var b types.BotRecord
		if err := json.Unmarshal(v, &b); err != nil {
			return err
		}
		more, err := fn(&b)
		if err != nil {
			return err
		}
		if !more {
			return errStopScan
		}
		return nil
	}))
}

// errStopScan terminates a ForEach early; it never escapes this package.
var errStopScan = fmt.Errorf("stop scan")

func filterStopScan(err error) error {
	if err == errStopScan {
		return nil
	}
	return err
}
