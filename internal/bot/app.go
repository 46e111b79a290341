// Package bot wires the relay components to the Telegram update stream.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/rwaea3/relay-bot/internal/broadcast"
	"github.com/rwaea3/relay-bot/internal/config"
	"github.com/rwaea3/relay-bot/internal/content"
	"github.com/rwaea3/relay-bot/internal/db"
	"github.com/rwaea3/relay-bot/internal/dedup"
	"github.com/rwaea3/relay-bot/internal/ops"
	"github.com/rwaea3/relay-bot/internal/pipeline"
	"github.com/rwaea3/relay-bot/internal/render"
	"github.com/rwaea3/relay-bot/internal/scheduler"
	"github.com/rwaea3/relay-bot/internal/telegram"
)

type App struct {
	cfg   config.Config
	db    *db.DB
	store dedup.Store

	bot *tgbotapi.BotAPI
	tg  *telegram.Client

	engine    *broadcast.Engine
	retractor *broadcast.Retractor
	pipe      *pipeline.Pipeline
	cards     *render.CardRenderer
	msgs      *content.Catalog
	sched     *scheduler.Scheduler
	limiter   *userLimiter
	reg       *prometheus.Registry

	// jobs tracks background pipeline and admin runs.
	jobs      sync.WaitGroup
	closeOnce sync.Once
}

// New opens storage, the dedup store and the bot session from cfg.
func New(cfg config.Config) (*App, error) {
	database, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	var store dedup.Store
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err = dedup.OpenRedis(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			_ = database.Close()
			return nil, err
		}
	} else {
		log.Warn().Msg("REDIS_URL not set, dedup markers are kept in memory")
		store = dedup.NewMemory()
	}

	b, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		_ = store.Close()
		_ = database.Close()
		return nil, fmt.Errorf("bot login: %w", err)
	}
	b.Debug = cfg.Debug

	app, err := assemble(cfg, database, store, b)
	if err != nil {
		_ = store.Close()
		_ = database.Close()
		return nil, err
	}
	return app, nil
}

func assemble(cfg config.Config, database *db.DB, store dedup.Store, b *tgbotapi.BotAPI) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	msgs, err := content.Load(cfg.MessagesPath, map[string]string{
		"bot_name":       cfg.ChannelName,
		"channel_handle": cfg.ChannelHandle,
		"bot_username":   b.Self.UserName,
	})
	if err != nil {
		return nil, err
	}

	tg := telegram.New(b)
	opt := broadcast.Options{
		SourceChatID: cfg.MasterSourceID,
		BatchSize:    cfg.Broadcast.BatchSize,
		BatchPause:   cfg.Broadcast.BatchPause.D(),
		MaxRetries:   cfg.Broadcast.MaxRetries,
		Metrics:      broadcast.NewMetrics(reg),
	}
	engine := broadcast.NewEngine(tg, database, database, opt)

	cards := render.NewCardRenderer(render.CardOptions{
		FontPath:     cfg.Render.FontPath,
		FontURL:      cfg.Render.FontURL,
		TemplatePath: cfg.Render.TemplatePath,
		Footer:       cfg.Render.Footer,
	})
	var providers []render.Provider
	if cfg.Render.RemoteURL != "" {
		providers = append(providers, render.Provider{
			Name:     "remote",
			Renderer: render.NewRemoteRenderer(cfg.Render.RemoteURL, cfg.Render.RemoteToken, cfg.Render.Timeout.D()),
			MinRunes: cfg.Render.MinRunes,
			MaxRunes: cfg.Render.RemoteMax,
		})
	}
	providers = append(providers, render.Provider{
		Name:     "card",
		Renderer: cards,
		MinRunes: cfg.Render.MinRunes,
		MaxRunes: cfg.Render.MaxRunes,
	})

	app := &App{
		cfg:       cfg,
		db:        database,
		store:     store,
		bot:       b,
		tg:        tg,
		engine:    engine,
		retractor: broadcast.NewRetractor(tg, database, opt),
		cards:     cards,
		msgs:      msgs,
		limiter:   newUserLimiter(cfg.DesignEvery.D(), cfg.DesignBurst),
		reg:       reg,
	}
	app.pipe = pipeline.New(store, render.NewManager(providers...), tg, engine, pipeline.Options{
		SourceChatID:         cfg.MasterSourceID,
		Handle:               cfg.ChannelHandle,
		AllowedLinkSubstring: cfg.AllowedLinkSubstring,
		LockTTL:              cfg.LockTTL.D(),
		DedupTTL:             cfg.DedupTTL.D(),
		Metrics:              pipeline.NewMetrics(reg),
	})

	if cfg.BackupCron != "" {
		app.sched, err = scheduler.New(cfg.BackupCron, database, tg, cfg.AdminIDs, app.backupCaption)
		if err != nil {
			return nil, err
		}
	}
	return app, nil
}

// Close waits for running jobs and releases storage. It is safe to call twice.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.sched != nil {
			a.sched.Stop()
		}
		a.jobs.Wait()
		_ = a.store.Close()
		_ = a.db.Close()
	})
}

// Run consumes updates until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	log.Info().Str("username", a.bot.Self.UserName).Int64("source", a.cfg.MasterSourceID).Msg("bot authorized")

	if a.sched != nil {
		a.sched.Start()
	}
	if a.cfg.OpsAddr != "" {
		go func() {
			if err := ops.Serve(ctx, a.cfg.OpsAddr, a.db, a.reg); err != nil {
				log.Error().Err(err).Msg("ops server")
			}
		}()
	}

	// Warm the font so the first card is not delayed by the download.
	go func() {
		if _, err := a.cards.EnsureFont(ctx); err != nil {
			log.Warn().Err(err).Msg("font warmup")
		}
	}()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message", "channel_post", "edited_channel_post", "callback_query", "my_chat_member"}
	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			a.handleUpdate(ctx, upd)
		}
	}
}

func (a *App) handleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.ChannelPost != nil:
		a.handleChannelPost(ctx, upd.ChannelPost)
	case upd.EditedChannelPost != nil:
		a.handleChannelPost(ctx, upd.EditedChannelPost)
	case upd.MyChatMember != nil:
		a.handleMyChatMember(ctx, *upd.MyChatMember)
	case upd.CallbackQuery != nil:
		a.handleCallback(ctx, *upd.CallbackQuery)
	case upd.Message != nil:
		a.handleMessage(ctx, upd.Message)
	}
}

// background runs fn on a detached goroutine tracked by Close.
func (a *App) background(ctx context.Context, fn func(ctx context.Context)) {
	a.jobs.Add(1)
	go func() {
		defer a.jobs.Done()
		fn(ctx)
	}()
}

func (a *App) handleChannelPost(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.Chat.ID != a.cfg.MasterSourceID {
		return
	}
	post := toPost(msg)
	a.background(ctx, func(ctx context.Context) {
		d, err := a.pipe.HandlePost(ctx, post)
		l := log.With().Int("source_message_id", post.MessageID).Str("decision", string(d)).Logger()
		if err != nil {
			l.Error().Err(err).Msg("post handling failed")
			return
		}
		l.Info().Msg("post handled")
	})
}

func toPost(msg *tgbotapi.Message) pipeline.Post {
	media := len(msg.Photo) > 0 || msg.Video != nil || msg.Animation != nil || msg.Document != nil ||
		msg.Audio != nil || msg.Voice != nil || msg.VideoNote != nil || msg.Sticker != nil
	p := pipeline.Post{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      msg.Text,
		HasMedia:  media,
		Forwarded: msg.ForwardDate != 0,
	}
	if p.Text == "" {
		p.Text = msg.Caption
	}
	if msg.ForwardFromChat != nil {
		p.ForwardChatID = msg.ForwardFromChat.ID
	}
	for _, ents := range [][]tgbotapi.MessageEntity{msg.Entities, msg.CaptionEntities} {
		for _, e := range ents {
			if e.Type == "text_link" && e.URL != "" {
				p.Links = append(p.Links, e.URL)
			}
		}
	}
	return p
}

// NotifyAdmins sends text to every configured admin.
func (a *App) NotifyAdmins(ctx context.Context, text string) {
	for _, id := range a.cfg.AdminIDs {
		if err := a.tg.SendText(ctx, id, text); err != nil {
			log.Warn().Err(err).Int64("chat_id", id).Msg("notify admin")
		}
	}
}

func (a *App) reply(chatID int64, text string, markup any) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	if _, err := a.bot.Send(msg); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("send message")
	}
}

func displayName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	if u.UserName != "" {
		return "@" + u.UserName
	}
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	return name
}
