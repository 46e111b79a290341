// Package dedup holds short-lived markers that keep a source post from being
// processed twice and let the bot recognise its own generated output.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable wraps failures of the backing store.
var ErrUnavailable = errors.New("dedup store unavailable")

// Store is an expiring key-value store. A live key means "already handled";
// keys are never cleared early, only expire.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Acquire sets key only if absent and reports whether it did.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Close() error
}

const prefix = "relay:"

// LockKey guards a post while it is being processed.
func LockKey(chatID int64, messageID int) string {
	return fmt.Sprintf("%slock:%d:%d", prefix, chatID, messageID)
}

// ProcessedKey marks a source post whose broadcast has started.
func ProcessedKey(chatID int64, messageID int) string {
	return fmt.Sprintf("%sprocessed:%d:%d", prefix, chatID, messageID)
}

// GeneratedKey marks a message the bot itself published.
func GeneratedKey(chatID int64, messageID int) string {
	return fmt.Sprintf("%sgenerated:%d:%d", prefix, chatID, messageID)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
