// Package counter provides the counter store port used by stateful policies.
package counter

import (
	"fmt"
	"strconv"
	"time"
)

// KeyType identifies what a counter key is partitioned by.
type KeyType string

const (
	// KeyTypeCount is for lifetime (or reset-window) usage counters.
	KeyTypeCount KeyType = "count"

	// KeyTypeRate is for fixed-window rate counters.
	KeyTypeRate KeyType = "rate"
)

// keyPrefix is the base prefix for all counter keys.
const keyPrefix = "counter"

// FormatKey returns a structured counter key.
// Format: "counter:{type}:{policyID}:{subject}"
// Examples:
//   - FormatKey(KeyTypeCount, "pol-1", "cred-9") -> "counter:count:pol-1:cred-9"
//   - FormatKey(KeyTypeRate, "pol-2", "10.0.0.7") -> "counter:rate:pol-2:10.0.0.7"
func FormatKey(keyType KeyType, policyID, subject string) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, keyType, policyID, subject)
}

// FormatWindowKey returns a rate counter key bound to the fixed window containing now.
// The window start is the Unix second at which the window began, so every
// evaluator instance agrees on the key without coordination.
// Format: "counter:rate:{policyID}:{subject}:{windowStartUnix}"
func FormatWindowKey(policyID, subject string, window time.Duration, now time.Time) (key string, resetAt time.Time) {
	start := WindowStart(now, window)
	key = FormatKey(KeyTypeRate, policyID, subject) + ":" + strconv.FormatInt(start.Unix(), 10)
	return key, start.Add(window)
}

// WindowStart aligns now to the beginning of its fixed window.
func WindowStart(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		return now
	}
	return now.Truncate(window)
}
