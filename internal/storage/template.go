package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTemplateNotFound is returned when a template id does not exist.
var ErrTemplateNotFound = errors.New("template not found")

// Template holds the channel-agnostic message content variants.
type Template struct {
	ID       int64
	Name     string
	Subject  string
	BodyHTML string
	BodyText string
}

// TemplateStore reads message templates.
type TemplateStore struct {
	pool *pgxpool.Pool
}

// NewTemplateStore creates a TemplateStore over the given pool.
func NewTemplateStore(pool *pgxpool.Pool) *TemplateStore {
	return &TemplateStore{pool: pool}
}

// GetByID loads a template.
func (s *TemplateStore) GetByID(ctx context.Context, id int64) (*Template, error) {
	var t Template
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, COALESCE(subject, ''), COALESCE(body_html, ''), COALESCE(body_text, '')
		   FROM crm_templates WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Subject, &t.BodyHTML, &t.BodyText)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("get template %d: %w", id, err)
	}
	return &t, nil
}
