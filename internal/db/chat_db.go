package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rajivgeraev/aski-chat/internal/models"
)

const (
	kindChats    = "chats"
	kindMessages = "messages"
)

const schema = `
	CREATE TABLE IF NOT EXISTS chat_snapshots (
		user_id    TEXT        NOT NULL,
		kind       TEXT        NOT NULL,
		chat_id    TEXT        NOT NULL DEFAULT '',
		payload    JSONB       NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, kind, chat_id)
	)
`

// Archive stores the last good chat list and message buffers per user
type Archive struct {
	pool *pgxpool.Pool
}

// NewArchive creates an Archive over the given pool
func NewArchive(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

// Migrate creates the snapshot table
func (a *Archive) Migrate() error {
	ctx, cancel := GetContext()
	defer cancel()

	if _, err := a.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create chat_snapshots: %w", err)
	}
	return nil
}

// SaveChats replaces the chat list snapshot and drops message snapshots of
// chats that are no longer listed
func (a *Archive) SaveChats(ctx context.Context, userID string, chats []models.Chat) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	payload, err := json.Marshal(chats)
	if err != nil {
		return fmt.Errorf("encode chats: %w", err)
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := upsertSnapshot(ctx, tx, userID, kindChats, "", payload); err != nil {
		return err
	}

	chatIDs := make([]string, len(chats))
	for i, c := range chats {
		chatIDs[i] = c.ID
	}
	_, err = tx.Exec(ctx, `
		DELETE FROM chat_snapshots
		WHERE user_id = $1 AND kind = $2 AND NOT (chat_id = ANY($3))
	`, userID, kindMessages, chatIDs)
	if err != nil {
		return fmt.Errorf("prune message snapshots: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LoadChats returns the chat list snapshot, nil when there is none
func (a *Archive) LoadChats(ctx context.Context, userID string) ([]models.Chat, error) {
	payload, err := a.loadSnapshot(ctx, userID, kindChats, "")
	if err != nil || payload == nil {
		return nil, err
	}

	var chats []models.Chat
	if err := json.Unmarshal(payload, &chats); err != nil {
		return nil, fmt.Errorf("decode chats: %w", err)
	}
	return chats, nil
}

// SaveMessages replaces the message snapshot of a chat
func (a *Archive) SaveMessages(ctx context.Context, userID, chatID string, messages []models.Message) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	return upsertSnapshot(ctx, a.pool, userID, kindMessages, chatID, payload)
}

// LoadMessages returns the message snapshot of a chat, nil when there is none
func (a *Archive) LoadMessages(ctx context.Context, userID, chatID string) ([]models.Message, error) {
	payload, err := a.loadSnapshot(ctx, userID, kindMessages, chatID)
	if err != nil || payload == nil {
		return nil, err
	}

	var messages []models.Message
	if err := json.Unmarshal(payload, &messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return messages, nil
}

// execer is satisfied by both the pool and a transaction
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertSnapshot(ctx context.Context, db execer, userID, kind, chatID string, payload []byte) error {
	_, err := db.Exec(ctx, `
		INSERT INTO chat_snapshots (user_id, kind, chat_id, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, kind, chat_id)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = CURRENT_TIMESTAMP
	`, userID, kind, chatID, payload)
	if err != nil {
		return fmt.Errorf("save %s snapshot: %w", kind, err)
	}
	return nil
}

func (a *Archive) loadSnapshot(ctx context.Context, userID, kind, chatID string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var payload []byte
	err := a.pool.QueryRow(ctx, `
		SELECT payload FROM chat_snapshots
		WHERE user_id = $1 AND kind = $2 AND chat_id = $3
	`, userID, kind, chatID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s snapshot: %w", kind, err)
	}
	return payload, nil
}
