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

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID {
		return
	}
	if m.GuildID == "" {
		return
	}

	ctx := context.Background()
	text := strings.TrimSpace(m.Content)

	if strings.HasPrefix(text, b.prefix) {
		b.handleCommand(ctx, s, m, strings.TrimPrefix(text, b.prefix))
		return
	}

	if !b.isAddressedToBot(s, m.Message) {
		return
	}

	b.handleChat(ctx, s, m)
}

// isAddressedToBot reports whether the message mentions the bot or replies
// to one of its messages. Everything else in the channel is ignored.
func (b *Bot) isAddressedToBot(s *discordgo.Session, m *discordgo.Message) bool {
	botID := s.State.User.ID
	for _, mention := range m.Mentions {
		if mention != nil && mention.ID == botID {
			return true
		}
	}
	return m.ReferencedMessage != nil &&
		m.ReferencedMessage.Author != nil &&
		m.ReferencedMessage.Author.ID == botID
}

func (b *Bot) handleChat(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	log := b.logger.With().
		Str("guild_id", m.GuildID).
		Str("channel_id", m.ChannelID).
		Str("user_id", m.Author.ID).
		Logger()

	ev := engine.Event{
		GuildID:     m.GuildID,
		ChannelID:   m.ChannelID,
		AuthorID:    m.Author.ID,
		Text:        stripBotMention(m.Content, s.State.User.ID),
		ImageURL:    firstImageURL(m.Message),
		IsBotAuthor: m.Author.Bot,
	}
	if ev.Text == "" && ev.ImageURL == "" {
		return
	}

	if err := s.ChannelTyping(m.ChannelID); err != nil {
		log.Debug().Err(err).Msg("typing indicator failed")
	}

	chunks, err := b.engine.HandleEvent(ctx, ev)
	if err != nil {
		log.Error().Err(err).Msg("event handling failed")
		if errors.Is(err, convo.ErrStoreUnavailable) || errors.Is(err, policy.ErrStoreUnavailable) {
			b.reply(s, m, []string{engine.RetryReply})
		}
		return
	}
	b.reply(s, m, chunks)
}

// reply delivers the chunks in order. The first chunk references the
// triggering message so threads stay readable; the rest follow as plain
// sends.
func (b *Bot) reply(s *discordgo.Session, m *discordgo.MessageCreate, chunks []string) {
	for i, chunk := range chunks {
		var err error
		if i == 0 {
			_, err = s.ChannelMessageSendReply(m.ChannelID, chunk, &discordgo.MessageReference{
				ChannelID: m.ChannelID,
				MessageID: m.ID,
			})
		} else {
			_, err = s.ChannelMessageSend(m.ChannelID, chunk)
		}
		if err != nil {
			b.logger.Error().Err(err).Str("channel_id", m.ChannelID).Msg("send failed")
			return
		}
	}
}

// stripBotMention removes the leading bot mention so the model sees the
// actual question. Mentions elsewhere in the text are left alone.
func stripBotMention(content, botID string) string {
	content = strings.TrimSpace(content)
	for _, prefix := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		if strings.HasPrefix(content, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(content, prefix))
		}
	}
	return content
}

func firstImageURL(m *discordgo.Message) string {
	for _, att := range m.Attachments {
		if att != nil && strings.HasPrefix(att.ContentType, "image/") {
			return att.URL
		}
	}
	return ""
}
