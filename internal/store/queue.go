package store

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"
)

const (
	// MaxAttempts bounds how many errored attempts a job may accumulate
	// before it is no longer eligible for acquisition.
	MaxAttempts = 3

	// MaxErrorLength bounds the stored last_error text.
	MaxErrorLength = 5000
)

// JobQueue defines the durable work queue.
// Implementations must acquire with SELECT ... FOR UPDATE SKIP LOCKED semantics
// or an equivalent compare-and-swap so two workers never hold the same job.
type JobQueue interface {
	// Enqueue inserts a queued job scheduled now and returns its id.
	Enqueue(ctx context.Context, kind JobKind, payload json.RawMessage) (int64, error)

	// AcquireNext claims the oldest eligible queued job for workerID.
	// Returns nil, nil when nothing is eligible.
	AcquireNext(ctx context.Context, workerID string) (*Job, error)

	// MarkDone moves a job to done. Calling it twice is harmless.
	MarkDone(ctx context.Context, id int64) error

	// MarkError moves a job to error, bumps attempts and stores a truncated message.
	MarkError(ctx context.Context, id int64, message string) error

	// Stats counts jobs by status.
	Stats(ctx context.Context) (QueueStats, error)

	// CleanupOlderThan deletes done jobs finished more than days ago.
	CleanupOlderThan(ctx context.Context, days int) (int64, error)

	// RequeueErrored moves errored jobs untouched for olderThan and with
	// attempts below maxAttempts back to queued. Nothing calls it implicitly.
	RequeueErrored(ctx context.Context, olderThan time.Duration, maxAttempts int) (int64, error)

	// ReclaimStale moves running jobs whose lock is older than lease back to queued.
	ReclaimStale(ctx context.Context, lease time.Duration) (int64, error)
}

// TruncateError clips msg to MaxErrorLength bytes without splitting a UTF-8 rune.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	cut := MaxErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
