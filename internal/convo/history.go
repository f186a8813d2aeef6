package convo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/diminDDL/discord-ollama/internal/ollama"
	"github.com/diminDDL/discord-ollama/internal/scope"
)

// History is stored as one JSON blob per (scope, user) key rather than a
// redis list: append and eviction must commit as one unit, and a WATCH
// loop over a single value gives that directly. Turn 0 holds the system
// prompt once history is non-empty and is never evicted.

func (m *Manager) GetHistory(ctx context.Context, sc scope.Scope, userID string) ([]ollama.Turn, error) {
	raw, err := m.redis.Get(ctx, scope.HistoryKey(sc, userID)).Result()
	if err == redis.Nil {
		return []ollama.Turn{}, nil
	}
	if err != nil {
		return nil, storeErr("get history", err)
	}
	return decodeHistory(raw)
}

// AppendTurn appends one turn and applies eviction in the same optimistic
// transaction. Concurrent appends for the same key retry on conflict; no
// caller ever observes a state between append and eviction, and no turn is
// lost.
func (m *Manager) AppendTurn(ctx context.Context, sc scope.Scope, userID string, turn ollama.Turn) (int, error) {
	var newLength int
	err := m.historyTx(ctx, sc, userID, func(turns []ollama.Turn) ([]ollama.Turn, error) {
		turns = append(turns, turn)
		turns = evict(turns, m.maxHistory)
		newLength = len(turns)
		return turns, nil
	})
	if err != nil {
		return 0, err
	}
	return newLength, nil
}

// AppendUserTurn seeds turn 0 with the system prompt when the history is
// empty, then appends turn, in the same transaction. Two concurrent first
// messages therefore cannot double-seed the prompt. Returns the committed
// sequence.
func (m *Manager) AppendUserTurn(ctx context.Context, sc scope.Scope, userID, systemPrompt string, turn ollama.Turn) ([]ollama.Turn, error) {
	var committed []ollama.Turn
	err := m.historyTx(ctx, sc, userID, func(turns []ollama.Turn) ([]ollama.Turn, error) {
		if len(turns) == 0 {
			turns = append(turns, ollama.Turn{Role: ollama.RoleSystem, Content: systemPrompt})
		}
		turns = append(turns, turn)
		turns = evict(turns, m.maxHistory)
		committed = turns
		return turns, nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// PopTurn removes the most recent turn. Used to roll a pending user turn
// back out after a failed backend call so the failure leaves no trace.
func (m *Manager) PopTurn(ctx context.Context, sc scope.Scope, userID string) error {
	return m.historyTx(ctx, sc, userID, func(turns []ollama.Turn) ([]ollama.Turn, error) {
		if len(turns) == 0 {
			return turns, nil
		}
		return turns[:len(turns)-1], nil
	})
}

// ClearHistory deletes the key outright. Idempotent.
func (m *Manager) ClearHistory(ctx context.Context, sc scope.Scope, userID string) error {
	if err := m.redis.Del(ctx, scope.HistoryKey(sc, userID)).Err(); err != nil {
		return storeErr("clear history", err)
	}
	return nil
}

// ClearAllHistory deletes every per-user history key under the scope via a
// prefix SCAN, returning the number of conversations removed.
func (m *Manager) ClearAllHistory(ctx context.Context, sc scope.Scope) (int, error) {
	var deleted int
	iter := m.redis.Scan(ctx, 0, scope.HistoryPattern(sc), 100).Iterator()
	for iter.Next(ctx) {
		if err := m.redis.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, storeErr("clear all history", err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, storeErr("scan history keys", err)
	}
	return deleted, nil
}

func (m *Manager) historyTx(ctx context.Context, sc scope.Scope, userID string, mutate func([]ollama.Turn) ([]ollama.Turn, error)) error {
	key := scope.HistoryKey(sc, userID)

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		var turns []ollama.Turn
		if err != redis.Nil {
			if turns, err = decodeHistory(raw); err != nil {
				return err
			}
		}

		turns, err = mutate(turns)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(turns) == 0 {
				pipe.Del(ctx, key)
				return nil
			}
			encoded, err := json.Marshal(turns)
			if err != nil {
				return fmt.Errorf("encode history: %w", err)
			}
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := m.redis.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return storeErr("history transaction", err)
	}
	return storeErr("history transaction", redis.TxFailedErr)
}

// evict drops the oldest retained pair (indices 1 and 2) until the history
// fits. Eviction is positional, not role-matched: after a rollback leaves
// odd parity, an assistant turn can be evicted while its paired user turn
// survives. Turn 0 is never touched.
func evict(turns []ollama.Turn, maxHistory int) []ollama.Turn {
	for len(turns) > maxHistory && len(turns) > 2 {
		turns = append(turns[:1], turns[3:]...)
	}
	return turns
}

func decodeHistory(raw string) ([]ollama.Turn, error) {
	var turns []ollama.Turn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return turns, nil
}
