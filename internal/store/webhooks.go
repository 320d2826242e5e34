package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Webhook is a project-scoped outbound subscription.
type Webhook struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultWebhookEvents is the event set a subscription gets when none is
// specified.
func DefaultWebhookEvents() []string {
	return []string{"new_post", "new_comment", "status_change", "mention"}
}

// CreateWebhook registers a webhook for a project.
func (s *Store) CreateWebhook(ctx context.Context, projectID, url string, events []string) (*Webhook, error) {
	if len(events) == 0 {
		events = DefaultWebhookEvents()
	}
	w := &Webhook{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		URL:       url,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO webhooks (id, project_id, url, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.ProjectID, w.URL, w.Events, w.Active, w.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	return w, nil
}

// ListWebhooks returns all webhooks of a project.
func (s *Store) ListWebhooks(ctx context.Context, projectID string) ([]*Webhook, error) {
	return s.queryWebhooks(ctx, `
		SELECT id, project_id, url, events, active, created_at
		FROM webhooks WHERE project_id = $1 ORDER BY created_at`, projectID)
}

// ListActiveWebhooks returns only the active webhooks of a project; this is
// the dispatcher's subscription source.
func (s *Store) ListActiveWebhooks(ctx context.Context, projectID string) ([]*Webhook, error) {
	return s.queryWebhooks(ctx, `
		SELECT id, project_id, url, events, active, created_at
		FROM webhooks WHERE project_id = $1 AND active ORDER BY created_at`, projectID)
}

// DeleteWebhook removes a webhook.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryWebhooks(ctx context.Context, query, projectID string) ([]*Webhook, error) {
	rows, err := s.db.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []*Webhook
	for rows.Next() {
		var w Webhook
		if err := rows.Scan(&w.ID, &w.ProjectID, &w.URL, &w.Events, &w.Active, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		hooks = append(hooks, &w)
	}
	return hooks, rows.Err()
}
