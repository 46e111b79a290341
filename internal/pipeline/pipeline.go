// Package pipeline decides what happens to a post in the master channel:
// ignore it, drop it as a loop or duplicate, reject it as an ad, or broadcast
// it either as-is or as a freshly rendered card.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/rwaea3/relay-bot/internal/broadcast"
	"github.com/rwaea3/relay-bot/internal/dedup"
	"github.com/rwaea3/relay-bot/internal/render"
	"github.com/rwaea3/relay-bot/internal/telegram"
)

// Post is the part of a channel post the pipeline looks at.
type Post struct {
	ChatID    int64
	MessageID int
	// Text is the message text or the media caption.
	Text     string
	HasMedia bool
	// Forwarded is set for forwarded posts; ForwardChatID is the origin
	// chat when the origin is a chat.
	Forwarded     bool
	ForwardChatID int64
	// Links holds URLs from text-link entities, which do not appear in Text.
	Links []string
}

type Decision string

const (
	Ignore            Decision = "ignore"
	SelfLoop          Decision = "self_loop"
	Duplicate         Decision = "duplicate"
	Rejected          Decision = "rejected"
	BroadcastOriginal Decision = "broadcast_original"
	BroadcastCard     Decision = "broadcast_card"
	Failed            Decision = "failed"
)

type Broadcaster interface {
	Broadcast(ctx context.Context, job broadcast.Job) (broadcast.Report, error)
}

// Publisher posts the rendered card into the master channel.
type Publisher interface {
	SendPhoto(ctx context.Context, to int64, photo telegram.Photo, caption string) (telegram.Sent, error)
}

// Renderer is satisfied by *render.Manager.
type Renderer interface {
	Accepts(text string) bool
	Render(ctx context.Context, text string) (render.Artifact, error)
}

type Options struct {
	SourceChatID int64
	Handle       string
	// Signature captions published cards; defaults to "✨ " + Handle.
	Signature            string
	AllowedLinkSubstring string
	LockTTL              time.Duration
	DedupTTL             time.Duration
	Metrics              *Metrics
}

type Pipeline struct {
	store dedup.Store
	rend  Renderer
	pub   Publisher
	bc    Broadcaster
	opt   Options
}

// New builds a pipeline. rend may be nil, in which case text posts are
// broadcast unrendered.
func New(store dedup.Store, rend Renderer, pub Publisher, bc Broadcaster, opt Options) *Pipeline {
	if opt.Signature == "" {
		opt.Signature = strings.TrimSpace("✨ " + opt.Handle)
	}
	if opt.LockTTL <= 0 {
		opt.LockTTL = 60 * time.Second
	}
	if opt.DedupTTL <= 0 {
		opt.DedupTTL = 24 * time.Hour
	}
	if opt.Metrics == nil {
		opt.Metrics = NewMetrics(nil)
	}
	return &Pipeline{store: store, rend: rend, pub: pub, bc: bc, opt: opt}
}

// HandlePost runs one post through the pipeline. An error is returned only
// when the dedup store or the broadcast itself fails; render and publish
// failures degrade to broadcasting the original.
func (p *Pipeline) HandlePost(ctx context.Context, post Post) (Decision, error) {
	d, err := p.handle(ctx, post)
	p.opt.Metrics.Posts.WithLabelValues(string(d)).Inc()
	return d, err
}

func (p *Pipeline) handle(ctx context.Context, post Post) (Decision, error) {
	logger := log.With().Int64("chat_id", post.ChatID).Int("source_message_id", post.MessageID).Logger()

	if post.ChatID != p.opt.SourceChatID {
		return Ignore, nil
	}
	text := strings.TrimSpace(post.Text)
	if text == "" && !post.HasMedia {
		return Ignore, nil
	}

	generated, err := p.store.Exists(ctx, dedup.GeneratedKey(post.ChatID, post.MessageID))
	if err != nil {
		return Failed, err
	}
	if generated {
		logger.Debug().Msg("own card, skipped")
		return SelfLoop, nil
	}
	if HasSignature(text, p.opt.Handle) {
		logger.Debug().Msg("signed post, skipped")
		return SelfLoop, nil
	}

	locked, err := p.store.Acquire(ctx, dedup.LockKey(post.ChatID, post.MessageID), p.opt.LockTTL)
	if err != nil {
		return Failed, err
	}
	if !locked {
		return Duplicate, nil
	}
	processedKey := dedup.ProcessedKey(post.ChatID, post.MessageID)
	done, err := p.store.Exists(ctx, processedKey)
	if err != nil {
		return Failed, err
	}
	if done {
		return Duplicate, nil
	}

	if why, link := Screen(post, p.opt.SourceChatID, p.opt.AllowedLinkSubstring); why != NotRejected {
		logger.Info().Str("reason", string(why)).Str("link", link).Msg("post rejected")
		return Rejected, nil
	}

	if err := p.store.Set(ctx, processedKey, "1", p.opt.DedupTTL); err != nil {
		return Failed, err
	}

	if !post.HasMedia && p.rend != nil && p.rend.Accepts(text) {
		job, err := p.publishCard(ctx, post, text)
		if err == nil {
			return p.broadcast(ctx, BroadcastCard, job)
		}
		logger.Warn().Err(err).Msg("card unavailable, broadcasting original")
	}
	return p.broadcast(ctx, BroadcastOriginal, broadcast.Job{SourceMessageID: post.MessageID})
}

// publishCard renders text, posts the card to the master channel and marks
// the card as generated so it is not ingested again.
func (p *Pipeline) publishCard(ctx context.Context, post Post, text string) (broadcast.Job, error) {
	start := time.Now()
	art, err := p.rend.Render(ctx, text)
	p.opt.Metrics.Render.Observe(time.Since(start).Seconds())
	if err != nil {
		return broadcast.Job{}, err
	}
	sent, err := p.pub.SendPhoto(ctx, p.opt.SourceChatID, telegram.Photo{Data: art.Data, URL: art.URL, Name: art.Name}, p.opt.Signature)
	if err != nil {
		return broadcast.Job{}, fmt.Errorf("publish card: %w", err)
	}
	if err := p.store.Set(ctx, dedup.GeneratedKey(p.opt.SourceChatID, sent.MessageID), "1", p.opt.DedupTTL); err != nil {
		// The signature check still catches the loop.
		log.Warn().Err(err).Int("message_id", sent.MessageID).Msg("mark generated card")
	}
	if sent.FileID == "" {
		return broadcast.Job{}, fmt.Errorf("published card %d has no file id", sent.MessageID)
	}
	return broadcast.Job{SourceMessageID: post.MessageID, PhotoFileID: sent.FileID, Caption: p.opt.Signature}, nil
}

func (p *Pipeline) broadcast(ctx context.Context, d Decision, job broadcast.Job) (Decision, error) {
	if _, err := p.bc.Broadcast(ctx, job); err != nil {
		return d, fmt.Errorf("broadcast %d: %w", job.SourceMessageID, err)
	}
	return d, nil
}

type Metrics struct {
	Posts  *prometheus.CounterVec
	Render prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Posts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_pipeline_posts_total",
			Help: "Master channel posts by pipeline decision.",
		}, []string{"decision"}),
		Render: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_render_duration_seconds",
			Help:    "Time spent rendering a card, successful or not.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Posts, m.Render)
	}
	return m
}
