package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/relay/internal/ident"
)

// Message roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Message is one immutable chat entry. Content is an ordered sequence of
// content parts (text, file reference, tool invocation, tool result) that the
// store treats as an opaque JSON document.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	TaskID         string    `json:"task_id,omitempty"`
	Role           string    `json:"role"`
	Content        any       `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateMessage inserts a message with a store-assigned ID. Content is
// serialized verbatim; it is never interpreted here.
func (s *Store) CreateMessage(ctx context.Context, conversationID, taskID, role string, content any) (Message, error) {
	if role != RoleUser && role != RoleAgent {
		return Message{}, fmt.Errorf("invalid message role %q", role)
	}
	raw, err := encodePayload(content)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:             ident.New(),
		ConversationID: conversationID,
		TaskID:         taskID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, task_id, role, content, created_at)
			 VALUES (?, ?, NULLIF(?, ''), ?, ?, ?);`,
			msg.ID, msg.ConversationID, msg.TaskID, msg.Role, raw, msg.CreatedAt,
		)
		return err
	})
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// GetMessage returns one message by ID with its content decoded.
func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, COALESCE(task_id, ''), role, content, created_at
		 FROM messages WHERE id = ?;`, id,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a conversation's messages, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, COALESCE(task_id, ''), role, content, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC;`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var msg Message
	var raw string
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.TaskID, &msg.Role, &raw, &msg.CreatedAt); err != nil {
		return Message{}, err
	}
	msg.Content = decodePayload(raw)
	return msg, nil
}
