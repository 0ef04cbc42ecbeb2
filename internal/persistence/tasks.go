package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/relay/internal/ident"
)

// Task mirrors a host-side task. Its ID is assigned by the host and trusted
// as the upsert key; only the reconciler mutates task rows. Status is a
// free-form host tag and StateDetails an opaque structured payload.
type Task struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Status         string    `json:"status"`
	StateDetails   any       `json:"state_details"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Artifact is one output slot of a task. ArtifactRef is the host-assigned
// logical identifier; a later update for the same (task, ref) replaces the
// content wholesale.
type Artifact struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	ArtifactRef string    `json:"artifact_ref"`
	Content     any       `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskSnapshot is the canonical view delivered to subscribers: the task row
// plus all of its artifacts ordered by creation time ascending.
type TaskSnapshot struct {
	Task
	Artifacts []Artifact `json:"artifacts"`
}

// GetTask returns one task by its host-assigned ID.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, status, state_details, created_at, updated_at
		 FROM tasks WHERE id = ?;`, id,
	)
	var t Task
	var raw string
	err := row.Scan(&t.ID, &t.ConversationID, &t.Status, &raw, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	t.StateDetails = decodePayload(raw)
	return t, nil
}

// InsertTask creates a task row. The caller supplies all fields, including
// timestamps; the host owns the ID.
func (s *Store) InsertTask(ctx context.Context, t Task) error {
	raw, err := encodePayload(t.StateDetails)
	if err != nil {
		return err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO tasks (id, conversation_id, status, state_details, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?);`,
			t.ID, t.ConversationID, t.Status, raw, t.CreatedAt, t.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask overwrites a task's mutable fields. conversation_id is replaced
// with whatever the caller supplies; the host is authoritative.
func (s *Store) UpdateTask(ctx context.Context, t Task) error {
	raw, err := encodePayload(t.StateDetails)
	if err != nil {
		return err
	}
	var affected int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET conversation_id = ?, status = ?, state_details = ?, updated_at = ?
			 WHERE id = ?;`,
			t.ConversationID, t.Status, raw, t.UpdatedAt, t.ID,
		)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasks returns a conversation's tasks, oldest first.
func (s *Store) ListTasks(ctx context.Context, conversationID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, status, state_details, created_at, updated_at
		 FROM tasks WHERE conversation_id = ? ORDER BY created_at ASC;`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var raw string
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Status, &raw, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.StateDetails = decodePayload(raw)
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertArtifact stores content for one artifact slot. A prior row for the
// same (task_id, artifact_ref) keeps its ID and creation time but has its
// content replaced atomically.
func (s *Store) UpsertArtifact(ctx context.Context, taskID, artifactRef string, content any) error {
	raw, err := encodePayload(content)
	if err != nil {
		return err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO artifacts (id, task_id, artifact_ref, content, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(task_id, artifact_ref) DO UPDATE SET content = excluded.content;`,
			ident.New(), taskID, artifactRef, raw, time.Now().UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns a task's artifacts ordered by creation time
// ascending, content decoded.
func (s *Store) ListArtifacts(ctx context.Context, taskID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, artifact_ref, content, created_at
		 FROM artifacts WHERE task_id = ? ORDER BY created_at ASC, artifact_ref ASC;`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var raw string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.ArtifactRef, &raw, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Content = decodePayload(raw)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Snapshot hydrates the canonical view of a task.
func (s *Store) Snapshot(ctx context.Context, taskID string) (TaskSnapshot, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return TaskSnapshot{}, err
	}
	artifacts, err := s.ListArtifacts(ctx, taskID)
	if err != nil {
		return TaskSnapshot{}, err
	}
	return TaskSnapshot{Task: task, Artifacts: artifacts}, nil
}
