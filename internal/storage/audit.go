package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

type AuditEntry struct {
	ID        int64
	GuildID   string
	ChannelID string
	UserID    string
	Action    string
	MetaJSON  string
	CreatedAt time.Time
}

// LogAction records one admin mutation. Nil receivers are allowed so the
// audit log can be disabled by configuration.
func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if s == nil {
		return nil
	}
	if strings.TrimSpace(e.MetaJSON) == "" {
		e.MetaJSON = "{}"
	}
	if !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("guild_id", "channel_id", "user_id", "action", "meta_json").
		Values(e.GuildID, e.ChannelID, e.UserID, e.Action, e.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) RecentActions(ctx context.Context, guildID string, limit uint64) ([]AuditEntry, error) {
	if s == nil {
		return nil, nil
	}
	if limit == 0 {
		limit = 20
	}
	q := s.sql.Select("id", "guild_id", "channel_id", "user_id", "action", "meta_json", "created_at").
		From("audit_log").
		Where(sq.Eq{"guild_id": guildID}).
		OrderBy("created_at DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recent actions query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent actions: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.GuildID, &e.ChannelID, &e.UserID, &e.Action, &e.MetaJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}
