package discord

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/diminDDL/discord-ollama/internal/convo"
	"github.com/diminDDL/discord-ollama/internal/engine"
	"github.com/diminDDL/discord-ollama/internal/policy"
)

const adminPermissions = discordgo.PermissionAdministrator | discordgo.PermissionManageChannels

func helpText(prefix string) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, line := range []string{
		"model [name] - show or set the channel model",
		"models - list available models",
		"refresh - refresh the model list",
		"prompt <text> - set the channel system prompt",
		"botauthors - toggle answering bot-authored messages",
		"whitelist - toggle the channel whitelist",
		"whitelist add|remove <@user>",
		"ban <@user> [reason] / unban <@user>",
		"serverban <@user> [reason] / serverunban <@user>",
		"bans - list bans in this server",
		"clear [@user] - clear a conversation",
		"clearall - clear every conversation in this channel",
	} {
		b.WriteString(prefix + line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (b *Bot) handleCommand(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, input string) {
	word, rest := splitFirstWord(input)
	if word == "" {
		return
	}

	cmd, adminOnly, reply := b.parseCommand(m, word, rest)
	if reply != "" {
		b.reply(s, m, []string{reply})
		return
	}
	if cmd == nil {
		return
	}

	if adminOnly && !b.isAdmin(s, m) {
		b.reply(s, m, []string{"You need Manage Channels or Administrator to do that."})
		return
	}

	out, err := b.engine.Execute(ctx, m.Author.ID, cmd)
	if err != nil {
		b.logger.Error().Err(err).Str("command", word).Msg("command failed")
		if errors.Is(err, convo.ErrStoreUnavailable) || errors.Is(err, policy.ErrStoreUnavailable) {
			b.reply(s, m, []string{engine.RetryReply})
			return
		}
		b.reply(s, m, []string{"That did not work. Check the logs."})
		return
	}
	b.reply(s, m, []string{out})
}

// parseCommand maps one prefix command to an engine command. A non-empty
// reply short-circuits with usage text; a nil command with no reply means
// the word is not ours and stays silent.
func (b *Bot) parseCommand(m *discordgo.MessageCreate, word, rest string) (cmd engine.Command, adminOnly bool, reply string) {
	guildID, channelID := m.GuildID, m.ChannelID

	switch strings.ToLower(word) {
	case "help":
		return nil, false, helpText(b.prefix)

	case "model":
		if rest == "" {
			return engine.GetModel{GuildID: guildID, ChannelID: channelID}, false, ""
		}
		return engine.SetModel{GuildID: guildID, ChannelID: channelID, Name: rest}, true, ""

	case "models":
		return engine.ListModels{}, false, ""

	case "refresh":
		return engine.RefreshModels{}, true, ""

	case "prompt":
		if rest == "" {
			return nil, false, "Usage: " + b.prefix + "prompt <text>"
		}
		return engine.SetPrompt{GuildID: guildID, ChannelID: channelID, Text: rest}, true, ""

	case "botauthors":
		return engine.ToggleBotAuthors{GuildID: guildID, ChannelID: channelID}, true, ""

	case "whitelist":
		if rest == "" {
			return engine.ToggleWhitelist{GuildID: guildID, ChannelID: channelID}, true, ""
		}
		sub, target := splitFirstWord(rest)
		userID := parseMention(target)
		if userID == "" {
			return nil, false, "Usage: " + b.prefix + "whitelist add|remove <@user>"
		}
		switch strings.ToLower(sub) {
		case "add":
			return engine.WhitelistAdd{GuildID: guildID, ChannelID: channelID, UserID: userID}, true, ""
		case "remove":
			return engine.WhitelistRemove{GuildID: guildID, ChannelID: channelID, UserID: userID}, true, ""
		}
		return nil, false, "Usage: " + b.prefix + "whitelist add|remove <@user>"

	case "ban":
		target, reason := splitFirstWord(rest)
		userID := parseMention(target)
		if userID == "" {
			return nil, false, "Usage: " + b.prefix + "ban <@user> [reason]"
		}
		return engine.BanUser{GuildID: guildID, ChannelID: channelID, UserID: userID, Reason: reason}, true, ""

	case "unban":
		userID := parseMention(rest)
		if userID == "" {
			return nil, false, "Usage: " + b.prefix + "unban <@user>"
		}
		return engine.UnbanUser{GuildID: guildID, ChannelID: channelID, UserID: userID}, true, ""

	case "serverban":
		target, reason := splitFirstWord(rest)
		userID := parseMention(target)
		if userID == "" {
			return nil, false, "Usage: " + b.prefix + "serverban <@user> [reason]"
		}
		return engine.ServerBanUser{GuildID: guildID, UserID: userID, Reason: reason}, true, ""

	case "serverunban":
		userID := parseMention(rest)
		if userID == "" {
			return nil, false, "Usage: " + b.prefix + "serverunban <@user>"
		}
		return engine.ServerUnbanUser{GuildID: guildID, UserID: userID}, true, ""

	case "bans":
		return engine.ListBans{GuildID: guildID}, true, ""

	case "clear":
		if rest == "" {
			// Anyone may clear their own conversation.
			return engine.ClearHistory{GuildID: guildID, ChannelID: channelID, UserID: m.Author.ID}, false, ""
		}
		userID := parseMention(rest)
		if userID == "" {
			return nil, false, "Usage: " + b.prefix + "clear [@user]"
		}
		return engine.ClearHistory{GuildID: guildID, ChannelID: channelID, UserID: userID}, true, ""

	case "clearall":
		return engine.ClearAllHistory{GuildID: guildID, ChannelID: channelID}, true, ""
	}

	return nil, false, ""
}

func (b *Bot) isAdmin(s *discordgo.Session, m *discordgo.MessageCreate) bool {
	perms, err := s.State.MessagePermissions(m.Message)
	if err != nil {
		perms, err = s.UserChannelPermissions(m.Author.ID, m.ChannelID)
		if err != nil {
			b.logger.Warn().Err(err).Str("user_id", m.Author.ID).Msg("permission lookup failed")
			return false
		}
	}
	return perms&adminPermissions != 0
}

func splitFirstWord(s string) (word, rest string) {
	s = strings.TrimSpace(s)
	if idx := strings.IndexAny(s, " \t\n"); idx >= 0 {
		return s[:idx], strings.TrimSpace(s[idx:])
	}
	return s, ""
}

// parseMention extracts the user ID from <@123> or <@!123>. A bare numeric
// ID is accepted too.
func parseMention(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<@") && strings.HasSuffix(s, ">") {
		s = strings.TrimSuffix(strings.TrimPrefix(s, "<@"), ">")
		s = strings.TrimPrefix(s, "!")
	}
	if s == "" {
		return ""
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return s
}
