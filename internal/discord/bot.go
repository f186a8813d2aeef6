// Package discord adapts gateway traffic to engine events and commands.
// It owns the session lifecycle and everything platform-shaped: mentions,
// permissions, attachments, and message delivery.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/diminDDL/discord-ollama/internal/engine"
)

type Config struct {
	Token  string
	Prefix string
	Engine *engine.Engine
	Logger zerolog.Logger
}

type Bot struct {
	session *discordgo.Session
	engine  *engine.Engine
	logger  zerolog.Logger
	prefix  string
}

func New(cfg Config) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "!"
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	b := &Bot{
		session: session,
		engine:  cfg.Engine,
		logger:  cfg.Logger.With().Str("component", "discord").Logger(),
		prefix:  cfg.Prefix,
	}
	session.AddHandler(b.onMessageCreate)
	return b, nil
}

// Run opens the gateway connection and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	b.logger.Info().Str("user", b.session.State.User.Username).Msg("connected to discord")

	<-ctx.Done()
	b.logger.Info().Msg("closing discord session")
	return b.session.Close()
}
