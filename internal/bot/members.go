package bot

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/rwaea3/relay-bot/internal/db"
	"github.com/rwaea3/relay-bot/internal/utils"
)

func kindOf(chatType string) db.Kind {
	switch chatType {
	case "private":
		return db.KindUser
	case "channel":
		return db.KindChannel
	}
	return db.KindGroup
}

// registerUser records a private user and reports the store result.
func (a *App) registerUser(ctx context.Context, u *tgbotapi.User) db.RegisterResult {
	if u == nil || u.IsBot {
		return db.Unchanged
	}
	res, err := a.db.Register(ctx, db.Recipient{
		Kind:     db.KindUser,
		ChatID:   u.ID,
		Title:    u.FirstName,
		Username: u.UserName,
	})
	if err != nil {
		log.Error().Err(err).Int64("chat_id", u.ID).Msg("register user")
		return db.Unchanged
	}
	if res != db.Unchanged {
		log.Info().Int64("chat_id", u.ID).Str("result", res.String()).Msg("user registered")
	}
	if res == db.Created {
		a.NotifyAdmins(ctx, a.msgs.Get("admin.new_user", "name", u.FirstName, "id", u.ID))
	}
	return res
}

// handleMyChatMember tracks the bot joining or leaving chats. In private
// chats "kicked" means the user blocked the bot.
func (a *App) handleMyChatMember(ctx context.Context, m tgbotapi.ChatMemberUpdated) {
	if m.NewChatMember.User == nil || m.NewChatMember.User.ID != a.bot.Self.ID {
		return
	}
	kind := kindOf(m.Chat.Type)
	l := log.With().Str("kind", string(kind)).Int64("chat_id", m.Chat.ID).
		Str("title", utils.Truncate(m.Chat.Title, 64)).Str("status", m.NewChatMember.Status).Logger()

	switch m.NewChatMember.Status {
	case "member", "administrator":
		// In groups and channels the person adding the bot is subscribed too.
		a.registerUser(ctx, &m.From)
		if kind == db.KindUser {
			return
		}
		res, err := a.db.Register(ctx, db.Recipient{
			Kind:     kind,
			ChatID:   m.Chat.ID,
			Title:    m.Chat.Title,
			Username: m.Chat.UserName,
			AddedBy:  m.From.ID,
		})
		if err != nil {
			l.Error().Err(err).Msg("register chat")
			return
		}
		l.Info().Str("result", res.String()).Msg("chat registered")
		switch res {
		case db.Created:
			key := "admin.new_group"
			if kind == db.KindChannel {
				key = "admin.new_channel"
			}
			a.NotifyAdmins(ctx, a.msgs.Get(key, "title", m.Chat.Title, "by", displayName(&m.From)))
			if kind == db.KindGroup {
				a.reply(m.Chat.ID, a.msgs.Get("group.hello"), nil)
			}
		case db.Reactivated:
			a.NotifyAdmins(ctx, a.msgs.Get("admin.reactivated", "title", m.Chat.Title, "kind", string(kind)))
		}

	case "left", "kicked":
		changed, err := a.db.Deactivate(ctx, kind, m.Chat.ID)
		if err != nil {
			l.Error().Err(err).Msg("deactivate chat")
			return
		}
		if changed {
			l.Info().Msg("recipient deactivated")
		}
	}
}

// handleMigration follows a group upgraded to a supergroup. Telegram posts a
// service message in both the old chat and the new one; either suffices.
func (a *App) handleMigration(ctx context.Context, msg *tgbotapi.Message) bool {
	var from, to int64
	switch {
	case msg.MigrateToChatID != 0:
		from, to = msg.Chat.ID, msg.MigrateToChatID
	case msg.MigrateFromChatID != 0:
		from, to = msg.MigrateFromChatID, msg.Chat.ID
	default:
		return false
	}
	if err := a.db.MoveGroup(ctx, from, to); err != nil {
		log.Error().Err(err).Int64("chat_id", from).Int64("new_chat_id", to).Msg("move upgraded group")
		return true
	}
	log.Info().Int64("chat_id", from).Int64("new_chat_id", to).Msg("group upgraded to supergroup")
	return true
}
