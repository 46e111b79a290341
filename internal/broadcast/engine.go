// Package broadcast fans one message out to every active recipient and can
// later retract every delivered copy.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rwaea3/relay-bot/internal/db"
	"github.com/rwaea3/relay-bot/internal/telegram"
)

// Directory is the part of the recipient store the engine needs.
type Directory interface {
	ActiveIDs(ctx context.Context, kind db.Kind, after int64, limit int) ([]int64, error)
	Deactivate(ctx context.Context, kind db.Kind, chatID int64) (bool, error)
	MoveGroup(ctx context.Context, oldID, newID int64) error
}

// DeliveryLog stores receipts of delivered copies.
type DeliveryLog interface {
	AppendDeliveries(ctx context.Context, batch []db.Delivery) error
	Deliveries(ctx context.Context, source int) ([]db.Delivery, error)
	DeleteDeliveries(ctx context.Context, source int) (int64, error)
}

// Transport is the chat API surface used for fan-out and retraction.
type Transport interface {
	CopyMessage(ctx context.Context, to, fromChat int64, msgID int) (int, error)
	SendPhoto(ctx context.Context, to int64, photo telegram.Photo, caption string) (telegram.Sent, error)
	DeleteMessage(ctx context.Context, chat int64, msgID int) error
}

type Options struct {
	// SourceChatID is the chat copies are made from.
	SourceChatID int64
	BatchSize    int
	BatchPause   time.Duration
	// MaxRetries caps retry-after waits per recipient; 0 means unbounded.
	MaxRetries int
	Kinds      []db.Kind
	Metrics    *Metrics
}

// Job is one unit of fan-out. With PhotoFileID set the photo is sent with
// Caption; otherwise SourceMessageID is copied from the source chat.
type Job struct {
	SourceMessageID int
	PhotoFileID     string
	Caption         string
}

type Report struct {
	RunID     string
	Delivered int
	Gone      int
	Failed    int
	Retries   int
	Duration  time.Duration
}

func (r Report) Attempts() int { return r.Delivered + r.Gone + r.Failed }

type Engine struct {
	tr  Transport
	dir Directory
	log DeliveryLog
	opt Options
}

func NewEngine(tr Transport, dir Directory, dl DeliveryLog, opt Options) *Engine {
	if opt.BatchSize <= 0 {
		opt.BatchSize = 20
	}
	if len(opt.Kinds) == 0 {
		opt.Kinds = db.Kinds()
	}
	if opt.Metrics == nil {
		opt.Metrics = NewMetrics(nil)
	}
	return &Engine{tr: tr, dir: dir, log: dl, opt: opt}
}

type outcome int

const (
	delivered outcome = iota
	gone
	failed
)

func (o outcome) String() string {
	switch o {
	case delivered:
		return "delivered"
	case gone:
		return "gone"
	}
	return "failed"
}

type result struct {
	chatID    int64
	messageID int
	outcome   outcome
	retries   int
}

// Broadcast delivers job to every active recipient, kind by kind, in batches.
// Per-recipient failures are absorbed; an error is returned only when the
// directory or delivery log fails, or ctx ends.
func (e *Engine) Broadcast(ctx context.Context, job Job) (rep Report, err error) {
	start := time.Now()
	rep = Report{RunID: uuid.NewString()}
	logger := log.With().Str("run_id", rep.RunID).Int("source_message_id", job.SourceMessageID).Logger()
	defer func() {
		rep.Duration = time.Since(start)
		e.opt.Metrics.Duration.Observe(rep.Duration.Seconds())
	}()

	logger.Info().Bool("photo", job.PhotoFileID != "").Msg("broadcast started")
	first := true
	for _, kind := range e.opt.Kinds {
		after := db.PageStart
		for {
			ids, err := e.dir.ActiveIDs(ctx, kind, after, e.opt.BatchSize)
			if err != nil {
				return rep, fmt.Errorf("list %s recipients: %w", kind, err)
			}
			if len(ids) == 0 {
				break
			}
			if !first {
				if err := sleep(ctx, e.opt.BatchPause); err != nil {
					return rep, err
				}
			}
			first = false

			results := e.runBatch(ctx, logger, kind, ids, job)

			receipts := make([]db.Delivery, 0, len(results))
			now := time.Now()
			for _, r := range results {
				rep.Retries += r.retries
				e.opt.Metrics.Deliveries.WithLabelValues(string(kind), r.outcome.String()).Inc()
				switch r.outcome {
				case delivered:
					rep.Delivered++
					receipts = append(receipts, db.Delivery{
						SourceMessageID: job.SourceMessageID, Kind: kind,
						ChatID: r.chatID, MessageID: r.messageID, CreatedAt: now,
					})
				case gone:
					rep.Gone++
				default:
					rep.Failed++
				}
			}
			// Copies already sent must be recorded even when ctx ended mid-batch.
			if err := e.log.AppendDeliveries(context.WithoutCancel(ctx), receipts); err != nil {
				return rep, fmt.Errorf("record %s deliveries: %w", kind, err)
			}
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			if len(ids) < e.opt.BatchSize {
				break
			}
			after = ids[len(ids)-1]
		}
	}

	logger.Info().
		Int("delivered", rep.Delivered).
		Int("gone", rep.Gone).
		Int("failed", rep.Failed).
		Int("retries", rep.Retries).
		Dur("took", time.Since(start)).
		Msg("broadcast finished")
	return rep, nil
}

func (e *Engine) runBatch(ctx context.Context, logger zerolog.Logger, kind db.Kind, ids []int64, job Job) []result {
	results := make([]result, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			results[i] = e.deliver(ctx, logger, kind, id, job)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) send(ctx context.Context, to int64, job Job) (int, error) {
	if job.PhotoFileID != "" {
		sent, err := e.tr.SendPhoto(ctx, to, telegram.Photo{FileID: job.PhotoFileID}, job.Caption)
		return sent.MessageID, err
	}
	return e.tr.CopyMessage(ctx, to, e.opt.SourceChatID, job.SourceMessageID)
}

func (e *Engine) deliver(ctx context.Context, logger zerolog.Logger, kind db.Kind, chatID int64, job Job) result {
	res := result{chatID: chatID, outcome: failed}
	l := logger.With().Str("kind", string(kind)).Int64("chat_id", chatID).Logger()
	moved := false
	for {
		msgID, err := e.send(ctx, chatID, job)
		if err == nil {
			res.messageID = msgID
			res.outcome = delivered
			return res
		}
		if ctx.Err() != nil {
			l.Debug().Err(err).Msg("delivery interrupted")
			return res
		}

		class, wait := telegram.Classify(err)
		switch class {
		case telegram.RateLimited:
			if e.opt.MaxRetries > 0 && res.retries >= e.opt.MaxRetries {
				l.Error().Err(err).Int("retries", res.retries).Msg("retry limit reached")
				return res
			}
			res.retries++
			l.Debug().Dur("wait", wait).Int("attempt", res.retries).Msg("rate limited, waiting")
			if err := sleep(ctx, wait); err != nil {
				return res
			}
		case telegram.Migrated:
			to, _ := telegram.MigrationTarget(err)
			if kind != db.KindGroup || moved {
				l.Error().Err(err).Msg("delivery failed")
				return res
			}
			moved = true
			if merr := e.dir.MoveGroup(ctx, chatID, to); merr != nil {
				l.Error().Err(merr).Int64("new_chat_id", to).Msg("move upgraded group")
				return res
			}
			l.Info().Int64("new_chat_id", to).Msg("group upgraded, following")
			chatID = to
			res.chatID = to
			l = logger.With().Str("kind", string(kind)).Int64("chat_id", to).Logger()
		case telegram.Gone:
			res.outcome = gone
			if _, derr := e.dir.Deactivate(ctx, kind, chatID); derr != nil {
				l.Error().Err(derr).Msg("deactivate recipient")
			}
			l.Warn().Err(err).Msg("recipient gone, deactivated")
			return res
		default:
			l.Error().Err(err).Msg("delivery failed")
			return res
		}
	}
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsAbort reports whether err from Broadcast came from cancellation rather
// than a storage failure.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
