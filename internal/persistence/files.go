package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/relay/internal/ident"
)

// FileBlob is an immutable uploaded file, addressable only by its assigned
// ID.
type FileBlob struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mime_type"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveFile stores a blob with a store-assigned ID.
func (s *Store) SaveFile(ctx context.Context, name, mimeType string, data []byte) (FileBlob, error) {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	blob := FileBlob{
		ID:        ident.New(),
		Name:      name,
		MimeType:  mimeType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO files (id, name, mime_type, data, created_at) VALUES (?, ?, ?, ?, ?);`,
			blob.ID, blob.Name, blob.MimeType, blob.Data, blob.CreatedAt,
		)
		return err
	})
	if err != nil {
		return FileBlob{}, fmt.Errorf("insert file: %w", err)
	}
	return blob, nil
}

// GetFile returns a stored blob with its bytes.
func (s *Store) GetFile(ctx context.Context, id string) (FileBlob, error) {
	var blob FileBlob
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, mime_type, data, created_at FROM files WHERE id = ?;`, id,
	).Scan(&blob.ID, &blob.Name, &blob.MimeType, &blob.Data, &blob.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FileBlob{}, ErrNotFound
	}
	if err != nil {
		return FileBlob{}, fmt.Errorf("get file: %w", err)
	}
	return blob, nil
}
