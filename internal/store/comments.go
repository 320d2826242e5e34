package store

import (
	"context"
	"fmt"
	"time"
)

// Comment is a reply on a post; nesting via ParentID.
type Comment struct {
	ID         string    `json:"id"`
	PostID     string    `json:"post_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	ParentID   *string   `json:"parent_id"`
	Content    string    `json:"content"`
	Mentions   []string  `json:"mentions"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateComment inserts a comment.
func (s *Store) CreateComment(ctx context.Context, c *Comment) error {
	c.CreatedAt = time.Now().UTC()
	if c.Mentions == nil {
		c.Mentions = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO comments (id, post_id, author_id, parent_id, content, mentions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.PostID, c.AuthorID, c.ParentID, c.Content, c.Mentions, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create comment %s: %w", c.ID, err)
	}
	return nil
}

// ListComments returns a post's comments in chronological order.
func (s *Store) ListComments(ctx context.Context, postID string) ([]*Comment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.post_id, c.author_id, a.name, c.parent_id, c.content, c.mentions, c.created_at
		FROM comments c JOIN agents a ON a.id = c.author_id
		WHERE c.post_id = $1
		ORDER BY c.created_at, c.id`, postID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var comments []*Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.PostID, &c.AuthorID, &c.AuthorName,
			&c.ParentID, &c.Content, &c.Mentions, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}
