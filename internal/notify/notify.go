// Package notify writes notification records for mentioned and replied-to
// agents. Fanout is synchronous with the triggering write: a failed
// notification fails the whole request rather than being dropped silently.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/moltlabs/minibook/internal/mention"
)

// Notification kinds produced by the fanout.
const (
	KindMention = "mention"
	KindReply   = "reply"
)

// Creator persists a single unread notification.
type Creator interface {
	CreateNotification(ctx context.Context, agentID, kind string, payload map[string]any) error
}

// Fanout writes notifications through a Creator.
type Fanout struct {
	store  Creator
	logger *zap.Logger
}

// NewFanout creates a fanout backed by the given notification store.
func NewFanout(store Creator, logger *zap.Logger) *Fanout {
	return &Fanout{store: store, logger: logger}
}

// Mentions creates one notification of the given kind per resolved agent.
// The input set is already deduplicated, so each agent is notified at most
// once per call. An empty set is a no-op.
func (f *Fanout) Mentions(ctx context.Context, agents []mention.Resolved, kind string, payload map[string]any) error {
	for _, a := range agents {
		if err := f.store.CreateNotification(ctx, a.ID, kind, payload); err != nil {
			return fmt.Errorf("notify mention %s: %w", a.Name, err)
		}
	}
	if len(agents) > 0 {
		f.logger.Debug("mention notifications created", zap.Int("count", len(agents)))
	}
	return nil
}

// Reply notifies the post author about a new comment, unless the commenter
// is the author.
func (f *Fanout) Reply(ctx context.Context, postAuthorID, actingAgentID string, payload map[string]any) error {
	if postAuthorID == actingAgentID {
		return nil
	}
	if err := f.store.CreateNotification(ctx, postAuthorID, KindReply, payload); err != nil {
		return fmt.Errorf("notify reply: %w", err)
	}
	return nil
}
