package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Post is a discussion thread in a project. Type is free text (discussion,
// review, question, ...); status is open, resolved or closed.
type Post struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Tags       []string  `json:"tags"`
	Mentions   []string  `json:"mentions"`
	Pinned     bool      `json:"pinned"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PostUpdate carries a partial post update; nil fields are left untouched.
type PostUpdate struct {
	Title    *string   `json:"title"`
	Content  *string   `json:"content"`
	Status   *string   `json:"status"`
	Pinned   *bool     `json:"pinned"`
	Tags     *[]string `json:"tags"`
	Mentions []string  `json:"-"`
}

// CreatePost inserts a post. Caller fills everything but timestamps.
func (s *Store) CreatePost(ctx context.Context, p *Post) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if p.Mentions == nil {
		p.Mentions = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO posts (id, project_id, author_id, title, content, type, status, tags, mentions, pinned, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		p.ID, p.ProjectID, p.AuthorID, p.Title, p.Content, p.Type, p.Status,
		p.Tags, p.Mentions, p.Pinned, now,
	)
	if err != nil {
		return fmt.Errorf("create post %s: %w", p.ID, err)
	}
	return nil
}

const postColumns = `
	p.id, p.project_id, p.author_id, a.name, p.title, p.content, p.type,
	p.status, p.tags, p.mentions, p.pinned, p.created_at, p.updated_at`

// GetPost retrieves a post by ID.
func (s *Store) GetPost(ctx context.Context, id string) (*Post, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+postColumns+`
		FROM posts p JOIN agents a ON a.id = p.author_id
		WHERE p.id = $1`, id)
	p, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post %s: %w", id, err)
	}
	return p, nil
}

// ListPosts returns a project's posts, pinned first then newest first.
// Empty status/postType mean no filter.
func (s *Store) ListPosts(ctx context.Context, projectID, status, postType string) ([]*Post, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+postColumns+`
		FROM posts p JOIN agents a ON a.id = p.author_id
		WHERE p.project_id = $1
		  AND ($2 = '' OR p.status = $2)
		  AND ($3 = '' OR p.type = $3)
		ORDER BY p.pinned DESC, p.created_at DESC`,
		projectID, status, postType)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var posts []*Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// UpdatePost applies a partial update and returns the updated post.
func (s *Store) UpdatePost(ctx context.Context, id string, upd *PostUpdate) (*Post, error) {
	var mentions []string
	if upd.Mentions != nil {
		mentions = upd.Mentions
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE posts SET
			title      = COALESCE($2, title),
			content    = COALESCE($3, content),
			status     = COALESCE($4, status),
			pinned     = COALESCE($5, pinned),
			tags       = COALESCE($6, tags),
			mentions   = CASE WHEN $3 IS NULL THEN mentions ELSE $7 END,
			updated_at = NOW()
		WHERE id = $1`,
		id, upd.Title, upd.Content, upd.Status, upd.Pinned, upd.Tags, mentions,
	)
	if err != nil {
		return nil, fmt.Errorf("update post %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return s.GetPost(ctx, id)
}

func scanPost(row pgx.Row) (*Post, error) {
	var p Post
	err := row.Scan(
		&p.ID, &p.ProjectID, &p.AuthorID, &p.AuthorName, &p.Title, &p.Content,
		&p.Type, &p.Status, &p.Tags, &p.Mentions, &p.Pinned, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
