package telegram

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Class buckets a delivery failure.
type Class int

const (
	// Technical covers malformed content and unexpected API errors. The
	// recipient stays active.
	Technical Class = iota
	// RateLimited means the API asked us to wait before retrying.
	RateLimited
	// Gone means the recipient blocked the bot or no longer exists.
	Gone
	// Migrated means a group became a supergroup under a new id; see
	// MigrationTarget.
	Migrated
)

func (c Class) String() string {
	switch c {
	case RateLimited:
		return "rate_limited"
	case Gone:
		return "gone"
	case Migrated:
		return "migrated"
	}
	return "technical"
}

// RetryAfterError carries the flood-control wait reported by the API.
type RetryAfterError struct {
	Wait time.Duration
	Err  error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.Wait, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// MigratedError reports that the target group now lives at To.
type MigratedError struct {
	To  int64
	Err error
}

func (e *MigratedError) Error() string {
	return fmt.Sprintf("chat migrated to %d: %v", e.To, e.Err)
}

func (e *MigratedError) Unwrap() error { return e.Err }

// MigrationTarget returns the new chat id carried by err, if any.
func MigrationTarget(err error) (int64, bool) {
	var me *MigratedError
	if errors.As(err, &me) && me.To != 0 {
		return me.To, true
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.MigrateToChatID != 0 {
		return apiErr.MigrateToChatID, true
	}
	return 0, false
}

var retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)

// Phrases Telegram uses when a chat is permanently unreachable for the bot.
var gonePhrases = []string{
	"bot was blocked by the user",
	"user is deactivated",
	"bot was kicked",
	"bot is not a member",
	"chat not found",
	"user not found",
	"group chat was deactivated",
	"peer_id_invalid",
	"bot can't initiate conversation",
}

// Permission errors about what the bot may post. The chat still exists and
// other content can reach it.
var rightsPhrases = []string{
	"not enough rights",
	"have no rights to send",
	"need administrator rights",
	"chat_write_forbidden",
}

// Classify maps any transport error into a Class. For RateLimited it also
// returns the wait the API asked for.
func Classify(err error) (Class, time.Duration) {
	if err == nil {
		return Technical, 0
	}
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return RateLimited, ra.Wait
	}
	if _, ok := MigrationTarget(err); ok {
		return Migrated, 0
	}

	code := 0
	msg := err.Error()
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.RetryAfter > 0 {
			return RateLimited, time.Duration(apiErr.RetryAfter) * time.Second
		}
		code = apiErr.Code
		msg = apiErr.Message
	}
	lower := strings.ToLower(msg)

	if code == 429 || strings.Contains(lower, "too many requests") {
		wait := time.Second
		if m := retryAfterRe.FindStringSubmatch(lower); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				wait = time.Duration(n) * time.Second
			}
		}
		return RateLimited, wait
	}
	for _, p := range rightsPhrases {
		if strings.Contains(lower, p) {
			return Technical, 0
		}
	}
	if code == 403 || strings.HasPrefix(lower, "forbidden") {
		return Gone, 0
	}
	for _, p := range gonePhrases {
		if strings.Contains(lower, p) {
			return Gone, 0
		}
	}
	return Technical, 0
}

// wrap turns flood-control and migration *tgbotapi.Errors into
// *RetryAfterError and *MigratedError so callers need not know the SDK's
// error type.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.RetryAfter > 0 {
		return &RetryAfterError{Wait: time.Duration(apiErr.RetryAfter) * time.Second, Err: err}
	}
	if apiErr.MigrateToChatID != 0 {
		return &MigratedError{To: apiErr.MigrateToChatID, Err: err}
	}
	return err
}
