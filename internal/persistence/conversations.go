package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/relay/internal/ident"
)

// Conversation is a chat thread owned by the relay. It owns its messages and
// tasks; deleting a conversation cascades to both.
type Conversation struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateConversation inserts a new conversation with a store-assigned ID.
func (s *Store) CreateConversation(ctx context.Context, name string) (Conversation, error) {
	conv := Conversation{
		ID:        ident.New(),
		Name:      name,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO conversations (id, name, is_active, created_at) VALUES (?, ?, ?, ?);`,
			conv.ID, conv.Name, conv.IsActive, conv.CreatedAt,
		)
		return err
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns one conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, is_active, created_at FROM conversations WHERE id = ?;`, id,
	).Scan(&conv.ID, &conv.Name, &conv.IsActive, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns all conversations, newest first.
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, is_active, created_at FROM conversations ORDER BY created_at DESC;`,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.Name, &conv.IsActive, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation together with its messages and
// tasks. Tasks carry no FK to conversations (the host may reference a
// conversation the relay never stored), so their removal is explicit here;
// each task's artifacts still cascade via FK.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE conversation_id = ?;`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?;`, id)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
