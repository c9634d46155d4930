package taskid

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// Request keys are 16 lowercase hex characters; packed public ids append one
// digit: '0' names the TaskResultSummary, '1'..'9' name the TaskRunResult of
// that try number.

const requestKeyLen = 16

// Kind discriminates what a packed id names.
type Kind int

const (
	KindSummary Kind = iota
	KindRunResult
)

// NewRequestKey derives a fresh request key from the creation time plus
// random entropy. The high bits carry the millisecond timestamp so keys of
// requests created close together stay clustered in the store.
func NewRequestKey(createdAt time.Time) string {
	var entropy [3]byte
	if _, err := rand.Read(entropy[:]); err != nil {
		panic(err) // crypto/rand does not fail on supported platforms
	}
	v := uint64(createdAt.UnixMilli())<<20 |
		uint64(entropy[0])<<12 | uint64(entropy[1])<<4 | uint64(entropy[2])&0xf
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return hex.EncodeToString(buf[:])
}

// PackSummary returns the public id of a request's result summary.
func PackSummary(requestKey string) string {
	return requestKey + "0"
}

// PackRunResult returns the public id of a run result attempt.
func PackRunResult(requestKey string, tryNumber int) string {
	if tryNumber < 1 || tryNumber > 9 {
		panic(fmt.Sprintf("try number %d out of range", tryNumber))
	}
	return fmt.Sprintf("%s%d", requestKey, tryNumber)
}

// Unpack decodes a public task id into the request key, the entity kind and,
// for run results, the try number.
func Unpack(taskID string) (requestKey string, kind Kind, tryNumber int, err error) {
	if len(taskID) != requestKeyLen+1 {
		return "", 0, 0, fmt.Errorf("invalid task id %q: want %d characters", taskID, requestKeyLen+1)
	}
	requestKey = taskID[:requestKeyLen]
	if _, err := hex.DecodeString(requestKey); err != nil {
		return "", 0, 0, fmt.Errorf("invalid task id %q: not hex", taskID)
	}
	switch last := taskID[requestKeyLen]; {
	case last == '0':
		return requestKey, KindSummary, 0, nil
	case last >= '1' && last <= '9':
		return requestKey, KindRunResult, int(last - '0'), nil
	default:
		return "", 0, 0, fmt.Errorf("invalid task id %q: bad kind suffix", taskID)
	}
}

// UnpackRunResult decodes a public id that must name a run result.
func UnpackRunResult(taskID string) (requestKey string, tryNumber int, err error) {
	requestKey, kind, try, err := Unpack(taskID)
	if err != nil {
		return "", 0, err
	}
	if kind != KindRunResult {
		return "", 0, fmt.Errorf("task id %q names a result summary, not a run result", taskID)
	}
	return requestKey, try, nil
}
