package bot

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rwaea3/relay-bot/internal/telegram"
)

const callbackHowToChannel = "how_to_channel"

// userLimiter hands out one token bucket per user. Idle buckets expire.
type userLimiter struct {
	every time.Duration
	burst int
	c     *cache.Cache
}

func newUserLimiter(every time.Duration, burst int) *userLimiter {
	if every <= 0 {
		every = 20 * time.Second
	}
	if burst < 1 {
		burst = 1
	}
	return &userLimiter{every: every, burst: burst, c: cache.New(time.Hour, 10*time.Minute)}
}

func (l *userLimiter) Allow(userID int64) bool {
	key := fmt.Sprint(userID)
	if v, ok := l.c.Get(key); ok {
		return v.(*rate.Limiter).Allow()
	}
	lim := rate.NewLimiter(rate.Every(l.every), l.burst)
	if err := l.c.Add(key, lim, cache.DefaultExpiration); err != nil {
		// Lost the race to another request from the same user.
		if v, ok := l.c.Get(key); ok {
			lim = v.(*rate.Limiter)
		}
	}
	return lim.Allow()
}

func (a *App) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat != nil && a.handleMigration(ctx, msg) {
		return
	}
	if msg.Chat == nil || msg.From == nil || msg.Chat.Type != "private" {
		return
	}
	if a.cfg.IsAdmin(msg.From.ID) && a.handleAdmin(ctx, msg) {
		return
	}
	if msg.IsCommand() {
		if msg.Command() == "start" {
			a.handleStart(ctx, msg)
		}
		return
	}
	if strings.TrimSpace(msg.Text) != "" {
		a.handleDesign(ctx, msg)
	}
}

func (a *App) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	a.registerUser(ctx, msg.From)

	text := a.msgs.Get("welcome.header", "name", msg.From.FirstName) + "\n\n" + a.msgs.Get("welcome.body")
	kb := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL(a.msgs.Get("welcome.buttons.channel"), a.cfg.ChannelLink),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL(a.msgs.Get("welcome.buttons.add_group"),
				fmt.Sprintf("https://t.me/%s?startgroup=true", a.bot.Self.UserName)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(a.msgs.Get("welcome.buttons.how_to_channel"), callbackHowToChannel),
		),
	)
	a.reply(msg.Chat.ID, text, kb)
}

func (a *App) handleCallback(ctx context.Context, q tgbotapi.CallbackQuery) {
	if _, err := a.bot.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		log.Debug().Err(err).Msg("answer callback")
	}
	if q.From == nil {
		return
	}
	switch q.Data {
	case callbackHowToChannel:
		a.reply(q.From.ID, a.msgs.Get("welcome.how_to_channel"), nil)
	}
}

// handleDesign renders a private text as a card for the sender.
func (a *App) handleDesign(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if utf8.RuneCountInString(text) > a.cfg.DesignMaxRunes {
		a.reply(msg.Chat.ID, a.msgs.Get("art.error_too_long", "max", a.cfg.DesignMaxRunes), nil)
		return
	}
	if !a.limiter.Allow(msg.From.ID) {
		a.reply(msg.Chat.ID, a.msgs.Get("art.rate_limited"), nil)
		return
	}

	chatID := msg.Chat.ID
	_, _ = a.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatUploadPhoto))
	status, err := a.bot.Send(tgbotapi.NewMessage(chatID, a.msgs.Get("art.processing")))
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("send status")
	}

	a.background(ctx, func(ctx context.Context) {
		l := log.With().Int64("chat_id", chatID).Int("runes", utf8.RuneCountInString(text)).Logger()
		art, err := a.cards.Render(ctx, text)
		if err == nil {
			_, err = a.tg.SendPhoto(ctx, chatID, telegram.Photo{Data: art.Data, Name: art.Name}, a.msgs.Get("art.success_caption"))
		}
		if err != nil {
			l.Error().Err(err).Msg("private design failed")
			if status.MessageID != 0 {
				_, _ = a.bot.Send(tgbotapi.NewEditMessageText(chatID, status.MessageID, a.msgs.Get("art.error_generic")))
			}
			return
		}
		l.Info().Msg("private design sent")
		if status.MessageID != 0 {
			_ = a.tg.DeleteMessage(ctx, chatID, status.MessageID)
		}
	})
}
