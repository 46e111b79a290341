package broadcast

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rwaea3/relay-bot/internal/db"
	"github.com/rwaea3/relay-bot/internal/telegram"
)

type RetractReport struct {
	Records int
	Deleted int
	Failed  int
	Purged  int64
}

// Retractor deletes every delivered copy of a broadcast.
type Retractor struct {
	tr  Transport
	log DeliveryLog
	opt Options
}

func NewRetractor(tr Transport, dl DeliveryLog, opt Options) *Retractor {
	if opt.BatchSize <= 0 {
		opt.BatchSize = 20
	}
	if opt.Metrics == nil {
		opt.Metrics = NewMetrics(nil)
	}
	return &Retractor{tr: tr, log: dl, opt: opt}
}

// Retract issues one delete per recorded copy of source, concurrently and
// best-effort, then purges the receipts whatever the delete outcomes were.
func (r *Retractor) Retract(ctx context.Context, source int) (RetractReport, error) {
	records, err := r.log.Deliveries(ctx, source)
	if err != nil {
		return RetractReport{}, fmt.Errorf("load deliveries: %w", err)
	}
	rep := RetractReport{Records: len(records)}
	logger := log.With().Int("source_message_id", source).Logger()

	var deleted, failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(r.opt.BatchSize)
	for _, rec := range records {
		g.Go(func() error {
			if err := r.delete(ctx, rec); err != nil {
				failed.Add(1)
				r.opt.Metrics.Retractions.WithLabelValues("failed").Inc()
				logger.Debug().Err(err).Str("kind", string(rec.Kind)).Int64("chat_id", rec.ChatID).Msg("delete copy failed")
				return nil
			}
			deleted.Add(1)
			r.opt.Metrics.Retractions.WithLabelValues("deleted").Inc()
			return nil
		})
	}
	_ = g.Wait()
	rep.Deleted = int(deleted.Load())
	rep.Failed = int(failed.Load())

	purged, err := r.log.DeleteDeliveries(context.WithoutCancel(ctx), source)
	if err != nil {
		return rep, fmt.Errorf("purge deliveries: %w", err)
	}
	rep.Purged = purged

	logger.Info().
		Int("records", rep.Records).
		Int("deleted", rep.Deleted).
		Int("failed", rep.Failed).
		Msg("retraction finished")
	return rep, nil
}

func (r *Retractor) delete(ctx context.Context, rec db.Delivery) error {
	retries := 0
	for {
		err := r.tr.DeleteMessage(ctx, rec.ChatID, rec.MessageID)
		if err == nil {
			return nil
		}
		class, wait := telegram.Classify(err)
		if class != telegram.RateLimited || ctx.Err() != nil {
			return err
		}
		if r.opt.MaxRetries > 0 && retries >= r.opt.MaxRetries {
			return err
		}
		retries++
		if serr := sleep(ctx, wait); serr != nil {
			return err
		}
	}
}
