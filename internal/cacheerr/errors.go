// Error taxonomy of the cache-and-sync engine
package cacheerr

import (
	"fmt"

	"github.com/jmgilman/go/errors"
)

const (
	// CodeStorageQuotaExceeded: a cache write was rejected, the caller proceeds without caching
	CodeStorageQuotaExceeded errors.ErrorCode = "STORAGE_QUOTA_EXCEEDED"
	// CodeNotCached: CacheOnly miss, terminal
	CodeNotCached errors.ErrorCode = "NOT_CACHED"
	// CodeNetworkTimeout: bounded wait exceeded
	CodeNetworkTimeout errors.ErrorCode = "NETWORK_TIMEOUT"
	// CodeNetworkUnavailable: no connectivity
	CodeNetworkUnavailable errors.ErrorCode = "NETWORK_UNAVAILABLE"
	// CodeSyncExhausted: retry ceiling reached for a sync task
	CodeSyncExhausted errors.ErrorCode = "SYNC_EXHAUSTED"
	// CodeInvalidTransition: illegal generation state change
	CodeInvalidTransition errors.ErrorCode = "INVALID_TRANSITION"
)

// StorageQuotaExceeded reports a rejected write for key
func StorageQuotaExceeded(key string, cause error) error {
	var err errors.PlatformError
	if cause != nil {
		err = errors.Wrapf(cause, CodeStorageQuotaExceeded, "storage quota exceeded writing %s", key)
	} else {
		err = errors.Newf(CodeStorageQuotaExceeded, "storage quota exceeded writing %s", key)
	}
	return errors.WithContext(err, "key", key)
}

// NotCached reports a CacheOnly miss
func NotCached(key string) error {
	return errors.WithContext(errors.Newf(CodeNotCached, "%s is not cached", key), "key", key)
}

// NetworkTimeout wraps a fetch that exceeded its deadline
func NetworkTimeout(url string, cause error) error {
	err := errors.Wrapf(cause, CodeNetworkTimeout, "network timeout fetching %s", url)
	if cause == nil {
		err = errors.Newf(CodeNetworkTimeout, "network timeout fetching %s", url)
	}
	return errors.WithClassification(err, errors.ClassificationRetryable)
}

// NetworkUnavailable wraps a fetch that could not reach the network
func NetworkUnavailable(url string, cause error) error {
	err := errors.Wrapf(cause, CodeNetworkUnavailable, "network unavailable fetching %s", url)
	if cause == nil {
		err = errors.Newf(CodeNetworkUnavailable, "network unavailable fetching %s", url)
	}
	return errors.WithClassification(err, errors.ClassificationRetryable)
}

// SyncExhausted reports a task moved to the dead-letter record
func SyncExhausted(taskID string, attempts int, cause error) error {
	msg := fmt.Sprintf("sync task %s exhausted after %d attempts", taskID, attempts)
	var err errors.PlatformError
	if cause != nil {
		err = errors.Wrap(cause, CodeSyncExhausted, msg)
	} else {
		err = errors.New(CodeSyncExhausted, msg)
	}
	return errors.WithClassification(errors.WithContext(err, "task", taskID), errors.ClassificationPermanent)
}

// InvalidTransition reports a generation state machine misuse
func InvalidTransition(gen uint64, from, to string) error {
	return errors.Newf(CodeInvalidTransition, "generation %d cannot move from %s to %s", gen, from, to)
}

func IsStorageQuotaExceeded(err error) bool { return hasCode(err, CodeStorageQuotaExceeded) }
func IsNotCached(err error) bool            { return hasCode(err, CodeNotCached) }
func IsNetworkTimeout(err error) bool       { return hasCode(err, CodeNetworkTimeout) }
func IsNetworkUnavailable(err error) bool   { return hasCode(err, CodeNetworkUnavailable) }
func IsSyncExhausted(err error) bool        { return hasCode(err, CodeSyncExhausted) }

// IsNetwork is true for both timeout and unavailable errors
func IsNetwork(err error) bool {
	return IsNetworkTimeout(err) || IsNetworkUnavailable(err)
}

// hasCode walks the whole chain; GetCode only looks at the outermost PlatformError
func hasCode(err error, code errors.ErrorCode) bool {
	for err != nil {
		var pe errors.PlatformError
		if !errors.As(err, &pe) {
			return false
		}
		if pe.Code() == code {
			return true
		}
		err = pe.Unwrap()
	}
	return false
}
