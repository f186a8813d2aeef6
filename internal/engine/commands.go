package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/diminDDL/discord-ollama/internal/catalog"
	"github.com/diminDDL/discord-ollama/internal/ollama"
	"github.com/diminDDL/discord-ollama/internal/policy"
	"github.com/diminDDL/discord-ollama/internal/scope"
	"github.com/diminDDL/discord-ollama/internal/storage"
)

// Command is one admin or utility operation targeting a (guild, channel)
// scope. The set is closed; Execute switches over it exhaustively.
type Command interface{ isCommand() }

type (
	SetModel struct {
		GuildID, ChannelID string
		Name               string
	}
	GetModel struct {
		GuildID, ChannelID string
	}
	SetPrompt struct {
		GuildID, ChannelID string
		Text               string
	}
	ToggleBotAuthors struct {
		GuildID, ChannelID string
	}
	ToggleWhitelist struct {
		GuildID, ChannelID string
	}
	WhitelistAdd struct {
		GuildID, ChannelID string
		UserID             string
	}
	WhitelistRemove struct {
		GuildID, ChannelID string
		UserID             string
	}
	BanUser struct {
		GuildID, ChannelID string
		UserID             string
		Reason             string
	}
	UnbanUser struct {
		GuildID, ChannelID string
		UserID             string
	}
	ServerBanUser struct {
		GuildID string
		UserID  string
		Reason  string
	}
	ServerUnbanUser struct {
		GuildID string
		UserID  string
	}
	ListBans struct {
		GuildID string
	}
	ClearHistory struct {
		GuildID, ChannelID string
		UserID             string
	}
	ClearAllHistory struct {
		GuildID, ChannelID string
	}
	ListModels struct{}
	RefreshModels struct{}
)

func (SetModel) isCommand()         {}
func (GetModel) isCommand()         {}
func (SetPrompt) isCommand()        {}
func (ToggleBotAuthors) isCommand() {}
func (ToggleWhitelist) isCommand()  {}
func (WhitelistAdd) isCommand()     {}
func (WhitelistRemove) isCommand()  {}
func (BanUser) isCommand()          {}
func (UnbanUser) isCommand()        {}
func (ServerBanUser) isCommand()    {}
func (ServerUnbanUser) isCommand()  {}
func (ListBans) isCommand()         {}
func (ClearHistory) isCommand()     {}
func (ClearAllHistory) isCommand()  {}
func (ListModels) isCommand()       {}
func (RefreshModels) isCommand()    {}

// Execute runs one command on behalf of actorID and returns the
// confirmation text to show them. Permission checks happen in the platform
// adapter; Execute trusts its caller.
func (e *Engine) Execute(ctx context.Context, actorID string, cmd Command) (string, error) {
	switch c := cmd.(type) {
	case SetModel:
		return e.setModel(ctx, actorID, c)

	case GetModel:
		settings, err := e.convo.GetSettings(ctx, scope.New(c.GuildID, c.ChannelID))
		if err != nil {
			return "", err
		}
		if settings.Model == nil || *settings.Model == "" {
			return noModelReply, nil
		}
		return fmt.Sprintf("Current model: `%s`", *settings.Model), nil

	case SetPrompt:
		sc := scope.New(c.GuildID, c.ChannelID)
		if err := e.convo.SetPrompt(ctx, sc, c.Text); err != nil {
			return "", err
		}
		e.recordAudit(ctx, c.GuildID, c.ChannelID, actorID, "prompt_set", map[string]string{"prompt": c.Text})
		return "System prompt updated. New conversations will use it.", nil

	case ToggleBotAuthors:
		enabled, err := e.convo.ToggleBotAuthors(ctx, scope.New(c.GuildID, c.ChannelID))
		if err != nil {
			return "", err
		}
		e.recordAudit(ctx, c.GuildID, c.ChannelID, actorID, "bot_authors_toggle", map[string]string{"enabled": fmt.Sprint(enabled)})
		if enabled {
			return "Bot-authored messages are now answered in this channel.", nil
		}
		return "Bot-authored messages are now ignored in this channel.", nil

	case ToggleWhitelist:
		enabled, err := e.convo.ToggleWhitelist(ctx, scope.New(c.GuildID, c.ChannelID))
		if err != nil {
			return "", err
		}
		e.recordAudit(ctx, c.GuildID, c.ChannelID, actorID, "whitelist_toggle", map[string]string{"enabled": fmt.Sprint(enabled)})
		if enabled {
			return "Whitelist enabled. Only listed users can talk to the bot here.", nil
		}
		return "Whitelist disabled. Everyone can talk to the bot here.", nil

	case WhitelistAdd:
		if err := e.policy.WhitelistAdd(ctx, scope.New(c.GuildID, c.ChannelID), c.UserID); err != nil {
			return "", err
		}
		e.recordAudit(ctx, c.GuildID, c.ChannelID, actorID, "whitelist_add", map[string]string{"target": c.UserID})
		return fmt.Sprintf("Added <@%s> to the channel whitelist.", c.UserID), nil

	case WhitelistRemove:
		if err := e.policy.WhitelistRemove(ctx, scope.New(c.GuildID, c.ChannelID), c.UserID); err != nil {
			return "", err
		}
		e.recordAudit(ctx, c.GuildID, c.ChannelID, actorID, "whitelist_remove", map[string]string{"target": c.UserID})
		return fmt.Sprintf("Removed <@%s> from the channel whitelist.", c.UserID), nil

	case BanUser:
		err := e.policy.Ban(ctx, c.GuildID, c.ChannelID, c.UserID, actorID, c.Reason)
		switch {
		case errors.Is(err, policy.ErrAlreadyBanned):
			return fmt.Sprintf("<@%s> is already banned in this channel.", c.UserID), nil
		case errors.Is(err, policy.ErrServerBanned):
			return fmt.Sprintf("<@%s> is banned server-wide; a channel ban would change nothing.", c.UserID), nil
		case err != nil:
			return "", err
		}
		e.recordAudit(ctx, c.GuildID, c.ChannelID, actorID, "ban", map[string]string{"target": c.UserID, "reason": c.Reason})
		return fmt.Sprintf("Banned <@%s> from using the bot in this channel.", c.UserID), nil

	case UnbanUser:
		err := e.policy.Unban(ctx, c.GuildID, c.ChannelID, c.UserID)
		switch {
		case errors.Is(err, policy.ErrNotBanned):
			return fmt.Sprintf("<@%s> is not banned in this channel.", c.UserID), nil
		case errors.Is(err, policy.ErrServerBanned):
			return fmt.Sprintf("<@%s> is banned server-wide; lift that ban instead.", c.UserID), nil
		case err != nil:
			return "", err
		}
		e.recordAudit(ctx, c.GuildID, c.ChannelID, actorID, "unban", map[string]string{"target": c.UserID})
		return fmt.Sprintf("Unbanned <@%s> in this channel.", c.UserID), nil

	case ServerBanUser:
		if err := e.policy.ServerBan(ctx, c.GuildID, c.UserID, actorID, c.Reason); err != nil {
			return "", err
		}
		e.recordAudit(ctx, c.GuildID, "", actorID, "server_ban", map[string]string{"target": c.UserID, "reason": c.Reason})
		return fmt.Sprintf("Banned <@%s> from using the bot across this server.", c.UserID), nil

	case ServerUnbanUser:
		err := e.policy.ServerUnban(ctx, c.GuildID, c.UserID)
		if errors.Is(err, policy.ErrNotBanned) {
			return fmt.Sprintf("<@%s> has no server-wide ban.", c.UserID), nil
		}
		if err != nil {
			return "", err
		}
		e.recordAudit(ctx, c.GuildID, "", actorID, "server_unban", map[string]string{"target": c.UserID})
		return fmt.Sprintf("Lifted the server-wide ban on <@%s>.", c.UserID), nil

	case ListBans:
		records, err := e.policy.ListBans(ctx, c.GuildID)
		if err != nil {
			return "", err
		}
		return formatBans(records), nil

	case ClearHistory:
		if err := e.convo.ClearHistory(ctx, scope.New(c.GuildID, c.ChannelID), c.UserID); err != nil {
			return "", err
		}
		e.recordAudit(ctx, c.GuildID, c.ChannelID, actorID, "history_clear", map[string]string{"target": c.UserID})
		return "Conversation history cleared.", nil

	case ClearAllHistory:
		n, err := e.convo.ClearAllHistory(ctx, scope.New(c.GuildID, c.ChannelID))
		if err != nil {
			return "", err
		}
		e.recordAudit(ctx, c.GuildID, c.ChannelID, actorID, "history_clear_all", map[string]string{"deleted": fmt.Sprint(n)})
		return fmt.Sprintf("Cleared %d conversation(s) in this channel.", n), nil

	case ListModels:
		return formatModels(e.catalog.List(), e.catalog.LastUpdated()), nil

	case RefreshModels:
		models, err := e.catalog.Refresh(ctx)
		if err != nil {
			return "", fmt.Errorf("refresh model catalog: %w", err)
		}
		return formatModels(models, e.catalog.LastUpdated()), nil

	default:
		return "", fmt.Errorf("unknown command %T", cmd)
	}
}

// setModel validates the name against the cached catalog before persisting
// it, so a typo never silently breaks the channel.
func (e *Engine) setModel(ctx context.Context, actorID string, c SetModel) (string, error) {
	model, err := e.catalog.Resolve(c.Name)
	if errors.Is(err, catalog.ErrModelNotFound) {
		names := make([]string, 0, len(e.catalog.List()))
		for _, m := range e.catalog.List() {
			names = append(names, m.Name)
		}
		if len(names) == 0 {
			return fmt.Sprintf("Unknown model `%s` and the catalog is empty; try refreshing the model list.", c.Name), nil
		}
		return fmt.Sprintf("Unknown model `%s`. Available: %s", c.Name, strings.Join(names, ", ")), nil
	}
	if err != nil {
		return "", err
	}

	if err := e.convo.SetModel(ctx, scope.New(c.GuildID, c.ChannelID), model.Name); err != nil {
		return "", err
	}
	e.recordAudit(ctx, c.GuildID, c.ChannelID, actorID, "model_set", map[string]string{"model": model.Name})
	return fmt.Sprintf("Model set to `%s`.", model.Name), nil
}

// recordAudit is best-effort: a down audit database never fails the command
// the moderator just ran.
func (e *Engine) recordAudit(ctx context.Context, guildID, channelID, actorID, action string, meta map[string]string) {
	encoded, err := json.Marshal(meta)
	if err != nil {
		encoded = []byte("{}")
	}
	err = e.audit.LogAction(ctx, storage.AuditEntry{
		GuildID:   guildID,
		ChannelID: channelID,
		UserID:    actorID,
		Action:    action,
		MetaJSON:  string(encoded),
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("action", action).Msg("audit write failed")
	}
}

func formatBans(records []policy.BanRecord) string {
	if len(records) == 0 {
		return "No bans in this server."
	}
	var b strings.Builder
	b.WriteString("Bans:\n")
	for _, r := range records {
		if r.ServerWide {
			fmt.Fprintf(&b, "- <@%s>: server-wide", r.UserID)
		} else {
			fmt.Fprintf(&b, "- <@%s>: channels %s", r.UserID, strings.Join(r.Channels, ", "))
		}
		if r.Reason != "" {
			fmt.Fprintf(&b, " (%s)", r.Reason)
		}
		fmt.Fprintf(&b, " since %s\n", humanize.Time(r.IssuedAt))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatModels(models []ollama.ModelDescriptor, updated time.Time) string {
	if len(models) == 0 {
		return "No models available. Is the inference backend running?"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Available models (as of %s):\n", humanize.Time(updated))
	for _, m := range models {
		fmt.Fprintf(&b, "- `%s`", m.Name)
		var details []string
		if m.ParameterSize != "" {
			details = append(details, m.ParameterSize)
		}
		if m.QuantizationLevel != "" {
			details = append(details, m.QuantizationLevel)
		}
		if m.SizeBytes > 0 {
			details = append(details, humanize.Bytes(uint64(m.SizeBytes)))
		}
		if len(details) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(details, ", "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
