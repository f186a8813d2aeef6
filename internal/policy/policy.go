// Package policy decides whether an author may interact within a channel,
// based on ban records and per-channel whitelists. Checks are read-only;
// the admin mutators each commit as one atomic store update.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/diminDDL/discord-ollama/internal/scope"
)

var (
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrServerBanned rejects per-channel operations on a user who already
	// has a server-wide ban; the narrower record would be dead state.
	ErrServerBanned = errors.New("user is banned server-wide")

	ErrNotBanned     = errors.New("user is not banned")
	ErrAlreadyBanned = errors.New("user is already banned")
)

// BanRecord is stored as a JSON field in the guild's ban hash, keyed by
// user ID. Channels is meaningless when ServerWide is set.
type BanRecord struct {
	UserID     string    `json:"-"`
	Reason     string    `json:"reason"`
	IssuedAt   time.Time `json:"issued_at"`
	IssuerID   string    `json:"issuer_id"`
	ServerWide bool      `json:"server_wide"`
	Channels   []string  `json:"channels,omitempty"`
}

// SettingsReader exposes the one channel setting the policy check needs.
// Implemented by the conversation state manager.
type SettingsReader interface {
	WhitelistEnabled(ctx context.Context, guildID, channelID string) (bool, error)
}

type Engine struct {
	redis    *redis.Client
	settings SettingsReader
}

func NewEngine(rdb *redis.Client, settings SettingsReader) *Engine {
	return &Engine{redis: rdb, settings: settings}
}

// IsBlocked evaluates, in order, first match wins: server-wide ban, channel
// ban, whitelist gate. No side effects.
func (e *Engine) IsBlocked(ctx context.Context, guildID, channelID, authorID string) (bool, error) {
	record, err := e.getBan(ctx, guildID, authorID)
	if err != nil {
		return false, err
	}
	if record != nil {
		if record.ServerWide {
			return true, nil
		}
		if slices.Contains(record.Channels, channelID) {
			return true, nil
		}
	}

	enabled, err := e.settings.WhitelistEnabled(ctx, guildID, channelID)
	if err != nil {
		return false, err
	}
	if !enabled {
		return false, nil
	}

	member, err := e.redis.SIsMember(ctx, scope.WhitelistKey(scope.New(guildID, channelID)), authorID).Result()
	if err != nil {
		return false, storeErr("whitelist membership", err)
	}
	return !member, nil
}

// Ban adds a per-channel ban, growing the channel set of an existing
// record. Rejected when a server-wide ban already covers the user.
func (e *Engine) Ban(ctx context.Context, guildID, channelID, userID, issuerID, reason string) error {
	return e.banTx(ctx, guildID, userID, func(record *BanRecord) (*BanRecord, error) {
		if record == nil {
			return &BanRecord{
				Reason:   reason,
				IssuedAt: time.Now().UTC(),
				IssuerID: issuerID,
				Channels: []string{channelID},
			}, nil
		}
		if record.ServerWide {
			return nil, ErrServerBanned
		}
		if slices.Contains(record.Channels, channelID) {
			return nil, ErrAlreadyBanned
		}
		record.Channels = append(record.Channels, channelID)
		return record, nil
	})
}

// Unban lifts a per-channel ban; the record is deleted when its last
// channel is removed. Server-wide bans are not liftable per channel.
func (e *Engine) Unban(ctx context.Context, guildID, channelID, userID string) error {
	return e.banTx(ctx, guildID, userID, func(record *BanRecord) (*BanRecord, error) {
		if record == nil {
			return nil, ErrNotBanned
		}
		if record.ServerWide {
			return nil, ErrServerBanned
		}
		idx := slices.Index(record.Channels, channelID)
		if idx < 0 {
			return nil, ErrNotBanned
		}
		record.Channels = slices.Delete(record.Channels, idx, idx+1)
		if len(record.Channels) == 0 {
			return nil, nil // delete the record
		}
		return record, nil
	})
}

// ServerBan bans the user across the whole guild. It overwrites any
// per-channel record so no stale narrower ban is left behind.
func (e *Engine) ServerBan(ctx context.Context, guildID, userID, issuerID, reason string) error {
	record := BanRecord{
		Reason:     reason,
		IssuedAt:   time.Now().UTC(),
		IssuerID:   issuerID,
		ServerWide: true,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode ban record: %w", err)
	}
	if err := e.redis.HSet(ctx, scope.BanKey(guildID), userID, encoded).Err(); err != nil {
		return storeErr("server ban", err)
	}
	return nil
}

// ServerUnban removes a server-wide ban. A per-channel record is left
// alone; lifting those is Unban's job.
func (e *Engine) ServerUnban(ctx context.Context, guildID, userID string) error {
	return e.banTx(ctx, guildID, userID, func(record *BanRecord) (*BanRecord, error) {
		if record == nil || !record.ServerWide {
			return nil, ErrNotBanned
		}
		return nil, nil
	})
}

func (e *Engine) WhitelistAdd(ctx context.Context, sc scope.Scope, userID string) error {
	if err := e.redis.SAdd(ctx, scope.WhitelistKey(sc), userID).Err(); err != nil {
		return storeErr("whitelist add", err)
	}
	return nil
}

func (e *Engine) WhitelistRemove(ctx context.Context, sc scope.Scope, userID string) error {
	if err := e.redis.SRem(ctx, scope.WhitelistKey(sc), userID).Err(); err != nil {
		return storeErr("whitelist remove", err)
	}
	return nil
}

// ListBans returns every ban record in the guild, for the admin surface.
func (e *Engine) ListBans(ctx context.Context, guildID string) ([]BanRecord, error) {
	fields, err := e.redis.HGetAll(ctx, scope.BanKey(guildID)).Result()
	if err != nil {
		return nil, storeErr("list bans", err)
	}
	out := make([]BanRecord, 0, len(fields))
	for userID, raw := range fields {
		var record BanRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("decode ban record for %s: %w", userID, err)
		}
		record.UserID = userID
		out = append(out, record)
	}
	slices.SortFunc(out, func(a, b BanRecord) int {
		return a.IssuedAt.Compare(b.IssuedAt)
	})
	return out, nil
}

func (e *Engine) getBan(ctx context.Context, guildID, userID string) (*BanRecord, error) {
	raw, err := e.redis.HGet(ctx, scope.BanKey(guildID), userID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get ban record", err)
	}
	var record BanRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("decode ban record: %w", err)
	}
	record.UserID = userID
	return &record, nil
}

// banTx runs one read-modify-write over a user's ban record under WATCH.
// mutate returns the new record, or nil to delete it.
func (e *Engine) banTx(ctx context.Context, guildID, userID string, mutate func(*BanRecord) (*BanRecord, error)) error {
	key := scope.BanKey(guildID)
	const maxRetries = 100

	txn := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, userID).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		var record *BanRecord
		if err != redis.Nil {
			record = &BanRecord{}
			if err := json.Unmarshal([]byte(raw), record); err != nil {
				return fmt.Errorf("decode ban record: %w", err)
			}
		}

		updated, err := mutate(record)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if updated == nil {
				pipe.HDel(ctx, key, userID)
				return nil
			}
			encoded, err := json.Marshal(updated)
			if err != nil {
				return fmt.Errorf("encode ban record: %w", err)
			}
			pipe.HSet(ctx, key, userID, encoded)
			return nil
		})
		return err
	}

	for i := 0; i < maxRetries; i++ {
		err := e.redis.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, ErrServerBanned) || errors.Is(err, ErrNotBanned) || errors.Is(err, ErrAlreadyBanned) {
			return err
		}
		return storeErr("ban transaction", err)
	}
	return storeErr("ban transaction", redis.TxFailedErr)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
