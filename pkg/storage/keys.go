package storage

import "fmt"

// Key schema for Pebble storage:
//
//   job:<jobID>     → queue.Job (JSON)
//   ord:<orderID>   → Record (JSON)
//
// Prefixes keep job and order records in disjoint ranges so each can be
// scanned on its own.
const (
	prefixJob   = "job:"
	prefixOrder = "ord:"
)

// jobKey returns the key for a queued job.
// Format: "job:{jobID}"
func jobKey(id string) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixJob, id))
}

// orderKey returns the key for an order record.
// Format: "ord:{orderID}"
func orderKey(id string) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixOrder, id))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
