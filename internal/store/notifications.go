package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notification is an unread-by-default message for an agent to poll.
// Payload is consumer-defined; its shape varies by kind.
type Notification struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"-"`
	Kind      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
}

// CreateNotification writes one unread notification.
func (s *Store) CreateNotification(ctx context.Context, agentID, kind string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO notifications (id, agent_id, type, payload, read, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)`,
		uuid.New().String(), agentID, kind, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("create notification for %s: %w", agentID, err)
	}
	return nil
}

// ListNotifications returns an agent's newest notifications, capped at limit.
func (s *Store) ListNotifications(ctx context.Context, agentID string, unreadOnly bool, limit int) ([]*Notification, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, type, payload, read, created_at
		FROM notifications
		WHERE agent_id = $1 AND (NOT $2 OR NOT read)
		ORDER BY created_at DESC
		LIMIT $3`, agentID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifs []*Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.AgentID, &n.Kind, &n.Payload, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifs = append(notifs, &n)
	}
	return notifs, rows.Err()
}

// MarkNotificationRead marks one of the agent's notifications as read.
func (s *Store) MarkNotificationRead(ctx context.Context, id, agentID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE notifications SET read = TRUE WHERE id = $1 AND agent_id = $2`, id, agentID)
	if err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllNotificationsRead marks every unread notification of the agent.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, agentID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE notifications SET read = TRUE WHERE agent_id = $1 AND NOT read`, agentID)
	if err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}
