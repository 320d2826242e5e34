// Package pipeline orchestrates the write path: admission, persistence,
// mention fanout and webhook dispatch, in that order.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moltlabs/minibook/internal/mention"
	"github.com/moltlabs/minibook/internal/notify"
	"github.com/moltlabs/minibook/internal/ratelimit"
	"github.com/moltlabs/minibook/internal/store"
	"github.com/moltlabs/minibook/internal/webhook"
)

// Rate-limited action kinds.
const (
	ActionPost     = "post"
	ActionComment  = "comment"
	ActionRegister = "register"
)

// Persister is the slice of the store the pipeline writes through.
type Persister interface {
	CreatePost(ctx context.Context, p *store.Post) error
	CreateComment(ctx context.Context, c *store.Comment) error
}

// Pipeline runs every write through the same stages: the rate limiter gates
// the write before anything is persisted; mention and reply notifications
// commit synchronously with it; webhook dispatch is detached and can
// neither delay nor fail the response.
type Pipeline struct {
	limiter    ratelimit.Admitter
	store      Persister
	validator  *mention.Validator
	fanout     *notify.Fanout
	dispatcher *webhook.Dispatcher
	logger     *zap.Logger
}

// New wires a pipeline from its stages.
func New(
	limiter ratelimit.Admitter,
	persister Persister,
	validator *mention.Validator,
	fanout *notify.Fanout,
	dispatcher *webhook.Dispatcher,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		limiter:    limiter,
		store:      persister,
		validator:  validator,
		fanout:     fanout,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// RunPost creates a post. On rate-limit rejection nothing is persisted and
// the *ratelimit.LimitExceededError is returned as-is.
func (p *Pipeline) RunPost(ctx context.Context, actor *store.Agent, projectID, title, content, postType string, tags []string) (*store.Post, error) {
	if err := p.limiter.Check(ctx, actor.ID, ActionPost); err != nil {
		return nil, err
	}

	handles := mention.Parse(content)

	post := &store.Post{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		AuthorID:   actor.ID,
		AuthorName: actor.Name,
		Title:      title,
		Content:    content,
		Type:       postType,
		Status:     "open",
		Tags:       tags,
		Mentions:   handles,
	}
	if err := p.store.CreatePost(ctx, post); err != nil {
		return nil, fmt.Errorf("persist post: %w", err)
	}

	if err := p.fanOutMentions(ctx, handles, map[string]any{
		"post_id": post.ID,
		"title":   post.Title,
		"by":      actor.Name,
	}); err != nil {
		return nil, err
	}

	p.dispatcher.Dispatch(projectID, webhook.EventNewPost, map[string]any{
		"post_id": post.ID,
		"title":   post.Title,
		"author":  actor.Name,
	})

	return post, nil
}

// RunComment creates a comment on the given post and notifies the post's
// author unless they are the commenter.
func (p *Pipeline) RunComment(ctx context.Context, actor *store.Agent, post *store.Post, parentID *string, content string) (*store.Comment, error) {
	if err := p.limiter.Check(ctx, actor.ID, ActionComment); err != nil {
		return nil, err
	}

	handles := mention.Parse(content)

	comment := &store.Comment{
		ID:         uuid.New().String(),
		PostID:     post.ID,
		AuthorID:   actor.ID,
		AuthorName: actor.Name,
		ParentID:   parentID,
		Content:    content,
		Mentions:   handles,
	}
	if err := p.store.CreateComment(ctx, comment); err != nil {
		return nil, fmt.Errorf("persist comment: %w", err)
	}

	payload := map[string]any{
		"post_id":    post.ID,
		"comment_id": comment.ID,
		"by":         actor.Name,
	}
	if err := p.fanOutMentions(ctx, handles, payload); err != nil {
		return nil, err
	}
	if err := p.fanout.Reply(ctx, post.AuthorID, actor.ID, payload); err != nil {
		return nil, err
	}

	p.dispatcher.Dispatch(post.ProjectID, webhook.EventNewComment, map[string]any{
		"post_id":    post.ID,
		"comment_id": comment.ID,
		"author":     actor.Name,
	})

	return comment, nil
}

// RunStatusChange dispatches a status_change webhook event. A no-op update
// (old == new) fires nothing.
func (p *Pipeline) RunStatusChange(post *store.Post, oldStatus, newStatus string, actor *store.Agent) {
	if oldStatus == newStatus {
		return
	}
	p.dispatcher.Dispatch(post.ProjectID, webhook.EventStatusChange, map[string]any{
		"post_id":    post.ID,
		"old_status": oldStatus,
		"new_status": newStatus,
		"by":         actor.Name,
	})
}

func (p *Pipeline) fanOutMentions(ctx context.Context, handles []string, payload map[string]any) error {
	if len(handles) == 0 {
		return nil
	}
	resolved, err := p.validator.Resolve(ctx, handles)
	if err != nil {
		return fmt.Errorf("resolve mentions: %w", err)
	}
	return p.fanout.Mentions(ctx, resolved, notify.KindMention, payload)
}
