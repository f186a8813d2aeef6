// Package convo owns channel settings and bounded per-user conversation
// history. The redis store is the single source of truth; every mutation
// here is a single atomic store operation or an optimistic WATCH/MULTI
// transaction, so concurrent workers never lose an update.
package convo

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/diminDDL/discord-ollama/internal/scope"
)

// ErrStoreUnavailable wraps every store failure surfaced by this package,
// including optimistic-transaction retry exhaustion. Callers treat it as
// retryable; no partial write has been committed when it is returned.
var ErrStoreUnavailable = errors.New("store unavailable")

const (
	DefaultMaxHistory = 20

	// Eviction never touches turn 0 and drops pairs, so the smallest
	// enforceable ceiling is the system turn plus one exchange.
	minHistory = 3

	fieldModel     = "model"
	fieldPrompt    = "prompt"
	fieldAllowBots = "allow_bots"
	fieldWhitelist = "whitelist"

	// Bounded retries for WATCH conflicts before giving up.
	maxTxRetries = 100
)

// ChannelSettings distinguishes "not configured" (nil) from "configured to
// empty" for the string fields.
type ChannelSettings struct {
	Model            *string
	SystemPrompt     *string
	AllowBotAuthors  bool
	WhitelistEnabled bool
}

type Manager struct {
	redis      *redis.Client
	maxHistory int
}

func NewManager(rdb *redis.Client, maxHistory int) *Manager {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	if maxHistory < minHistory {
		maxHistory = minHistory
	}
	return &Manager{redis: rdb, maxHistory: maxHistory}
}

func (m *Manager) GetSettings(ctx context.Context, sc scope.Scope) (ChannelSettings, error) {
	fields, err := m.redis.HGetAll(ctx, scope.SettingsKey(sc)).Result()
	if err != nil {
		return ChannelSettings{}, storeErr("get settings", err)
	}

	var out ChannelSettings
	if v, ok := fields[fieldModel]; ok {
		out.Model = &v
	}
	if v, ok := fields[fieldPrompt]; ok {
		out.SystemPrompt = &v
	}
	out.AllowBotAuthors = fields[fieldAllowBots] == "1"
	out.WhitelistEnabled = fields[fieldWhitelist] == "1"
	return out, nil
}

func (m *Manager) SetModel(ctx context.Context, sc scope.Scope, name string) error {
	if err := m.redis.HSet(ctx, scope.SettingsKey(sc), fieldModel, name).Err(); err != nil {
		return storeErr("set model", err)
	}
	return nil
}

func (m *Manager) SetPrompt(ctx context.Context, sc scope.Scope, text string) error {
	if err := m.redis.HSet(ctx, scope.SettingsKey(sc), fieldPrompt, text).Err(); err != nil {
		return storeErr("set prompt", err)
	}
	return nil
}

// EnsurePrompt persists fallback as the channel prompt if none is
// configured, and returns the effective prompt. Subsequent reads are stable
// after the first dispatch against an unconfigured channel.
func (m *Manager) EnsurePrompt(ctx context.Context, sc scope.Scope, fallback string) (string, error) {
	key := scope.SettingsKey(sc)
	set, err := m.redis.HSetNX(ctx, key, fieldPrompt, fallback).Result()
	if err != nil {
		return "", storeErr("ensure prompt", err)
	}
	if set {
		return fallback, nil
	}
	v, err := m.redis.HGet(ctx, key, fieldPrompt).Result()
	if err == redis.Nil {
		return fallback, nil
	}
	if err != nil {
		return "", storeErr("read prompt", err)
	}
	return v, nil
}

func (m *Manager) ToggleBotAuthors(ctx context.Context, sc scope.Scope) (bool, error) {
	return m.toggleField(ctx, sc, fieldAllowBots)
}

func (m *Manager) ToggleWhitelist(ctx context.Context, sc scope.Scope) (bool, error) {
	return m.toggleField(ctx, sc, fieldWhitelist)
}

// WhitelistEnabled reads the single flag without loading the whole hash.
// The policy engine consults this on every inbound event.
func (m *Manager) WhitelistEnabled(ctx context.Context, guildID, channelID string) (bool, error) {
	v, err := m.redis.HGet(ctx, scope.SettingsKey(scope.New(guildID, channelID)), fieldWhitelist).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, storeErr("read whitelist flag", err)
	}
	return v == "1", nil
}

func (m *Manager) toggleField(ctx context.Context, sc scope.Scope, field string) (bool, error) {
	key := scope.SettingsKey(sc)
	var enabled bool

	txn := func(tx *redis.Tx) error {
		v, err := tx.HGet(ctx, key, field).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		enabled = v != "1"
		value := "0"
		if enabled {
			value = "1"
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, value)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := m.redis.Watch(ctx, txn, key)
		if err == nil {
			return enabled, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return false, storeErr("toggle "+field, err)
	}
	return false, storeErr("toggle "+field, redis.TxFailedErr)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
