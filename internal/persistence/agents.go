package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/relay/internal/ident"
)

// Agent is a registered remote agent endpoint. URL is unique; a duplicate
// registration fails with ErrAgentExists rather than upserting.
type Agent struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Icon        string    `json:"icon"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateAgent inserts an agent row with a store-assigned ID.
func (s *Store) CreateAgent(ctx context.Context, url, name, description, icon string) (Agent, error) {
	agent := Agent{
		ID:          ident.New(),
		URL:         url,
		Name:        name,
		Description: description,
		Icon:        icon,
		CreatedAt:   time.Now().UTC(),
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO agents (id, url, name, description, icon, created_at)
			 VALUES (?, ?, ?, ?, ?, ?);`,
			agent.ID, agent.URL, agent.Name, agent.Description, agent.Icon, agent.CreatedAt,
		)
		return err
	})
	if isUniqueViolation(err) {
		return Agent{}, ErrAgentExists
	}
	if err != nil {
		return Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	return agent, nil
}

// GetAgent returns one agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, url, name, description, icon, created_at FROM agents WHERE id = ?;`, id,
	).Scan(&a.ID, &a.URL, &a.Name, &a.Description, &a.Icon, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all registered agents, oldest first.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, name, description, icon, created_at FROM agents ORDER BY created_at ASC;`,
	)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.URL, &a.Name, &a.Description, &a.Icon, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
