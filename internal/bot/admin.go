package bot

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/rwaea3/relay-bot/internal/broadcast"
	"github.com/rwaea3/relay-bot/internal/db"
	"github.com/rwaea3/relay-bot/internal/scheduler"
	"github.com/rwaea3/relay-bot/internal/utils"
)

// maxRestoreBytes bounds a restore document download.
const maxRestoreBytes = 20 << 20

// handleAdmin serves admin commands and restore documents. It reports
// whether msg was consumed.
func (a *App) handleAdmin(ctx context.Context, msg *tgbotapi.Message) bool {
	if msg.Document != nil {
		if !strings.HasSuffix(strings.ToLower(msg.Document.FileName), ".json") {
			return false
		}
		a.handleRestoreDocument(ctx, msg)
		return true
	}
	if !msg.IsCommand() {
		return false
	}
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "stats":
		a.sendStats(ctx, chatID)
	case "backup":
		a.sendBackup(ctx, chatID)
	case "broadcast":
		a.manualBroadcast(ctx, chatID, msg.CommandArguments())
	case "retract":
		a.manualRetract(ctx, chatID, msg.CommandArguments())
	default:
		return false
	}
	return true
}

func count(n int) string {
	return utils.ToArabicDigits(utils.FormatCount(n))
}

// StatsText renders the active recipient counts.
func (a *App) StatsText(ctx context.Context) (string, error) {
	counts, err := a.db.CountActive(ctx)
	if err != nil {
		return "", err
	}
	u, c, g := counts[db.KindUser], counts[db.KindChannel], counts[db.KindGroup]
	return a.msgs.Get("admin.stats_report",
		"users", count(u), "channels", count(c), "groups", count(g), "total", count(u+c+g)), nil
}

func (a *App) sendStats(ctx context.Context, chatID int64) {
	text, err := a.StatsText(ctx)
	if err != nil {
		log.Error().Err(err).Msg("stats")
		a.reply(chatID, a.msgs.Get("admin.failed", "error", err), nil)
		return
	}
	a.reply(chatID, text, nil)
}

func (a *App) backupCaption(t time.Time) string {
	return a.msgs.Get("admin.backup_caption", "date", t.UTC().Format("2006-01-02 15:04 UTC"))
}

func (a *App) sendBackup(ctx context.Context, chatID int64) {
	a.reply(chatID, a.msgs.Get("admin.backup_started"), nil)
	now := time.Now()
	name, data, err := scheduler.Export(ctx, a.db, now)
	if err == nil {
		err = a.tg.SendDocument(ctx, chatID, name, data, a.backupCaption(now))
	}
	if err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("backup")
		a.reply(chatID, a.msgs.Get("admin.backup_failed", "error", err), nil)
		return
	}
	log.Info().Int64("chat_id", chatID).Str("file", name).Msg("backup sent")
}

func (a *App) handleRestoreDocument(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !strings.Contains(strings.ToLower(msg.Caption), "restore") {
		a.reply(chatID, a.msgs.Get("admin.restore_hint"), nil)
		return
	}
	a.reply(chatID, a.msgs.Get("admin.restore_started"), nil)
	data, err := a.tg.Download(ctx, msg.Document.FileID, maxRestoreBytes)
	if err != nil {
		log.Error().Err(err).Msg("download restore document")
		a.reply(chatID, a.msgs.Get("admin.restore_failed", "error", err), nil)
		return
	}
	a.restore(ctx, chatID, data)
}

// restore applies a backup document additively and reports the new rows.
func (a *App) restore(ctx context.Context, chatID int64, data []byte) {
	rep, err := a.db.RestoreBackup(ctx, bytes.NewReader(data))
	if err != nil {
		log.Error().Err(err).Msg("restore")
		a.reply(chatID, a.msgs.Get("admin.restore_failed", "error", err), nil)
		return
	}
	log.Info().Int("users", rep.Users).Int("channels", rep.Channels).Int("groups", rep.Groups).Msg("restore applied")
	a.reply(chatID, a.msgs.Get("admin.restore_report",
		"users", count(rep.Users), "channels", count(rep.Channels), "groups", count(rep.Groups)), nil)
}

func parseMessageID(arg string) (int, bool) {
	id, err := strconv.Atoi(strings.TrimSpace(arg))
	return id, err == nil && id > 0
}

// manualBroadcast copies a master channel message to every recipient,
// bypassing the pipeline filters.
func (a *App) manualBroadcast(ctx context.Context, chatID int64, arg string) {
	id, ok := parseMessageID(arg)
	if !ok {
		a.reply(chatID, a.msgs.Get("admin.broadcast_usage"), nil)
		return
	}
	a.background(ctx, func(ctx context.Context) {
		rep, err := a.engine.Broadcast(ctx, broadcast.Job{SourceMessageID: id})
		if err != nil {
			a.reply(chatID, a.msgs.Get("admin.failed", "error", err), nil)
			return
		}
		a.reply(chatID, a.msgs.Get("admin.broadcast_done",
			"delivered", count(rep.Delivered), "gone", count(rep.Gone), "failed", count(rep.Failed)), nil)
	})
}

func (a *App) manualRetract(ctx context.Context, chatID int64, arg string) {
	id, ok := parseMessageID(arg)
	if !ok {
		a.reply(chatID, a.msgs.Get("admin.retract_usage"), nil)
		return
	}
	a.background(ctx, func(ctx context.Context) {
		rep, err := a.retractor.Retract(ctx, id)
		if err != nil {
			a.reply(chatID, a.msgs.Get("admin.failed", "error", err), nil)
			return
		}
		a.reply(chatID, a.msgs.Get("admin.retract_done",
			"deleted", count(rep.Deleted), "records", count(rep.Records), "failed", count(rep.Failed)), nil)
	})
}
