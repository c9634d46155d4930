package fingerprint

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/hivelabs/hive/pkg/types"
)

// MaxDimensions bounds the powerset of a bot's advertised dimensions. Bots
// above the bound are quarantined instead of matched.
const MaxDimensions = 16384

// queueTimestampBits is the width of the created-at field inside a queue
// number; the 8 priority bits sit directly above it, keeping the whole value
// inside 63 bits.
const queueTimestampBits = 55

// PropertiesHash returns the stable SHA-1 fingerprint of a request's
// properties: keys sorted, list order preserved, strings as UTF-8.
func PropertiesHash(p *types.TaskProperties) string {
	h := sha1.New()
	for _, argv := range p.Commands {
		fmt.Fprintf(h, "cmd/%d\n", len(argv))
		for _, arg := range argv {
			writeString(h, arg)
		}
	}
	for _, d := range p.Data {
		writeString(h, d.URL)
		writeString(h, d.Digest)
	}
	writeSortedMap(h, "dim", p.Dimensions)
	writeSortedMap(h, "env", p.Env)
	fmt.Fprintf(h, "timeouts/%d/%d\n", p.ExecutionTimeoutSecs, p.IOTimeoutSecs)
	return hex.EncodeToString(h.Sum(nil))
}

// DimensionsHash fingerprints the set of (key, value) pairs a request
// demands. Requests with identical dimension sets share the hash; it is a
// coarse prefilter only, the subset test stays authoritative.
func DimensionsHash(dimensions map[string]string) uint32 {
	h := sha1.New()
	writeSortedMap(h, "dim", dimensions)
	return binary.BigEndian.Uint32(h.Sum(nil)[:4])
}

// QueueNumber packs priority and creation time into a 63-bit ordering key:
// ascending order is highest-priority-first, then oldest-first. Ties at
// millisecond resolution are broken by the request key suffix of the storage
// key, not here.
func QueueNumber(priority int, createdAt time.Time) uint64 {
	ms := uint64(createdAt.UnixMilli()) & (1<<queueTimestampBits - 1)
	return uint64(priority)<<queueTimestampBits | ms
}

// QueuePriority recovers the priority component of a queue number.
func QueuePriority(queueNumber uint64) int {
	return int(queueNumber >> queueTimestampBits)
}

// MatchDimensions reports whether a bot advertising bot (key -> satisfied
// values) can run a request demanding want (key -> single value):
// every demanded value must be among the bot's values for that key.
func MatchDimensions(want map[string]string, bot map[string][]string) bool {
	for key, value := range want {
		found := false
		for _, v := range bot[key] {
			if v == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// PowersetCount returns the number of request dimension sets a bot could
// possibly satisfy: the product over keys of (len(values)+1), counting the
// "key absent" choice. Saturates at MaxDimensions+1 to avoid overflow on
// pathological bots.
func PowersetCount(bot map[string][]string) int {
	count := 1
	for _, values := range bot {
		count *= len(values) + 1
		if count > MaxDimensions {
			return MaxDimensions + 1
		}
	}
	return count
}

// BotDimensionHashes enumerates the DimensionsHash of every request dimension
// set the bot can satisfy, for use as a coarse queue prefilter. Returns nil
// when the powerset exceeds MaxDimensions; callers then fall back to the
// plain subset test.
func BotDimensionHashes(bot map[string][]string) map[uint32]bool {
	if PowersetCount(bot) > MaxDimensions {
		return nil
	}
	keys := make([]string, 0, len(bot))
	for k := range bot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	subsets := []map[string]string{{}}
	for _, k := range keys {
		next := make([]map[string]string, 0, len(subsets)*(len(bot[k])+1))
		next = append(next, subsets...)
		for _, v := range bot[k] {
			for _, base := range subsets {
				extended := make(map[string]string, len(base)+1)
				for bk, bv := range base {
					extended[bk] = bv
				}
				extended[k] = v
				next = append(next, extended)
			}
		}
		subsets = next
	}

	hashes := make(map[uint32]bool, len(subsets))
	for _, s := range subsets {
		hashes[DimensionsHash(s)] = true
	}
	return hashes
}

func writeString(h interface{ Write([]byte) (int, error) }, s string) {
	fmt.Fprintf(h, "%d:%s\n", len(s), s)
}

func writeSortedMap(h interface{ Write([]byte) (int, error) }, tag string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(h, "%s/%d\n", tag, len(keys))
	for _, k := range keys {
		writeString(h, k)
		writeString(h, m[k])
	}
}
