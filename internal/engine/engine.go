// Package engine composes a conversational turn: policy gate, settings
// and history resolution, backend invocation, post-processing, and the
// history commit. It owns no state of its own; everything lives in the
// store so any number of workers can run the same engine concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/diminDDL/discord-ollama/internal/catalog"
	"github.com/diminDDL/discord-ollama/internal/convo"
	"github.com/diminDDL/discord-ollama/internal/metrics"
	"github.com/diminDDL/discord-ollama/internal/ollama"
	"github.com/diminDDL/discord-ollama/internal/policy"
	"github.com/diminDDL/discord-ollama/internal/scope"
	"github.com/diminDDL/discord-ollama/internal/storage"
)

const (
	noModelReply    = "No model selected for this channel."
	apologyReply    = "Sorry, the model backend did not respond. Please try again later."
	emptyReplyChunk = "(no response)"

	// RetryReply is the user-facing text the platform adapter sends when a
	// store failure surfaces out of HandleEvent or Execute.
	RetryReply = "Temporary storage error. Please try again."
)

type Backend interface {
	Chat(ctx context.Context, model string, turns []ollama.Turn) (ollama.Turn, error)
}

// ImageResolver turns an attachment URL into a base64 payload the backend
// accepts. Implemented by the platform adapter.
type ImageResolver interface {
	Resolve(ctx context.Context, url string) (string, error)
}

// Event is one inbound message already reduced to engine terms by the
// platform adapter.
type Event struct {
	GuildID     string
	ChannelID   string
	AuthorID    string
	Text        string
	ImageURL    string
	IsBotAuthor bool
}

type Config struct {
	Policy        *policy.Engine
	Convo         *convo.Manager
	Catalog       *catalog.Cache
	Backend       Backend
	Images        ImageResolver
	Audit         *storage.Store
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
	DefaultPrompt string
	ChunkSize     int
	ChatTimeout   time.Duration
	DebugMode     bool
}

type Engine struct {
	policy        *policy.Engine
	convo         *convo.Manager
	catalog       *catalog.Cache
	backend       Backend
	images        ImageResolver
	audit         *storage.Store
	metrics       *metrics.Metrics
	logger        zerolog.Logger
	defaultPrompt string
	chunkSize     int
	chatTimeout   time.Duration
	debugMode     bool
}

func New(cfg Config) *Engine {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 2000
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = 120 * time.Second
	}
	return &Engine{
		policy:        cfg.Policy,
		convo:         cfg.Convo,
		catalog:       cfg.Catalog,
		backend:       cfg.Backend,
		images:        cfg.Images,
		audit:         cfg.Audit,
		metrics:       m,
		logger:        cfg.Logger.With().Str("component", "engine").Logger(),
		defaultPrompt: cfg.DefaultPrompt,
		chunkSize:     cfg.ChunkSize,
		chatTimeout:   cfg.ChatTimeout,
		debugMode:     cfg.DebugMode,
	}
}

// HandleEvent runs one conversational turn and returns the ordered reply
// chunks, each to be delivered as an independent message. A nil, nil
// return means the event was silently dropped (policy block or bot
// author); blocked users get no reply so the ban's existence is not
// leaked.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) ([]string, error) {
	e.metrics.EventsTotal.Inc()
	log := e.logger.With().
		Str("guild_id", ev.GuildID).
		Str("channel_id", ev.ChannelID).
		Str("user_id", ev.AuthorID).
		Logger()

	blocked, err := e.policy.IsBlocked(ctx, ev.GuildID, ev.ChannelID, ev.AuthorID)
	if err != nil {
		return nil, fmt.Errorf("policy check: %w", err)
	}
	if blocked {
		e.metrics.BlockedEvents.Inc()
		log.Debug().Msg("event blocked by policy")
		return nil, nil
	}

	sc := scope.New(ev.GuildID, ev.ChannelID)

	// Resolving.
	settings, err := e.convo.GetSettings(ctx, sc)
	if err != nil {
		return nil, err
	}
	if ev.IsBotAuthor && !settings.AllowBotAuthors {
		log.Debug().Msg("bot author ignored")
		return nil, nil
	}
	if settings.Model == nil || *settings.Model == "" {
		return []string{noModelReply}, nil
	}
	model := *settings.Model

	prompt, err := e.resolvePrompt(ctx, sc, settings)
	if err != nil {
		return nil, err
	}

	// Assembling. Image failures degrade to a text-only turn.
	userTurn := ollama.Turn{Role: ollama.RoleUser, Content: ev.Text}
	if ev.ImageURL != "" && e.images != nil {
		if payload, err := e.images.Resolve(ctx, ev.ImageURL); err != nil {
			log.Warn().Err(err).Msg("image resolution failed, continuing text-only")
		} else {
			userTurn.Images = []string{payload}
		}
	}

	turns, err := e.convo.AppendUserTurn(ctx, sc, ev.AuthorID, prompt, userTurn)
	if err != nil {
		return nil, err
	}

	// Invoking.
	chatCtx, cancel := context.WithTimeout(ctx, e.chatTimeout)
	reply, err := e.backend.Chat(chatCtx, model, turns)
	cancel()
	if err != nil {
		return e.abortTurn(ctx, sc, ev.AuthorID, log, err)
	}

	// PostProcessing.
	text := StripReasoning(reply.Content)
	chunks := Chunk(text, e.chunkSize)
	if len(chunks) == 0 {
		// Delivered but never persisted.
		e.metrics.DispatchedTurns.Inc()
		return []string{emptyReplyChunk}, nil
	}

	// Committing. The full unsplit text goes to history; eviction applies.
	if _, err := e.convo.AppendTurn(ctx, sc, ev.AuthorID, ollama.Turn{
		Role:    ollama.RoleAssistant,
		Content: text,
	}); err != nil {
		return nil, err
	}

	e.metrics.DispatchedTurns.Inc()
	log.Debug().Str("model", model).Int("chunks", len(chunks)).Msg("turn dispatched")
	return chunks, nil
}

// abortTurn rolls the pending user turn back out of history so a failed
// backend call leaves no partial trace, then produces the apology reply.
func (e *Engine) abortTurn(ctx context.Context, sc scope.Scope, userID string, log zerolog.Logger, cause error) ([]string, error) {
	e.metrics.FailedTurns.Inc()
	if err := e.convo.PopTurn(ctx, sc, userID); err != nil {
		log.Error().Err(err).Msg("failed to roll back pending user turn")
	}

	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		log.Warn().Err(cause).Msg("backend call timed out")
	default:
		log.Warn().Err(cause).Msg("backend call failed")
	}

	reply := apologyReply
	if e.debugMode {
		reply = fmt.Sprintf("%s (%v)", apologyReply, cause)
	}
	return []string{reply}, nil
}

func (e *Engine) resolvePrompt(ctx context.Context, sc scope.Scope, settings convo.ChannelSettings) (string, error) {
	if settings.SystemPrompt != nil {
		return *settings.SystemPrompt, nil
	}
	// Persist the fallback so subsequent reads are stable.
	return e.convo.EnsurePrompt(ctx, sc, e.defaultPrompt)
}
