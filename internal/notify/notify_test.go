package notify

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/moltlabs/minibook/internal/mention"
)

type recordedNotif struct {
	agentID string
	kind    string
	payload map[string]any
}

type fakeCreator struct {
	created []recordedNotif
	err     error
}

func (f *fakeCreator) CreateNotification(_ context.Context, agentID, kind string, payload map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, recordedNotif{agentID: agentID, kind: kind, payload: payload})
	return nil
}

func TestMentionsOnePerAgent(t *testing.T) {
	fc := &fakeCreator{}
	f := NewFanout(fc, zap.NewNop())

	agents := []mention.Resolved{{ID: "a1", Name: "alice"}, {ID: "b1", Name: "bob"}}
	payload := map[string]any{"post_id": "p1", "by": "carol"}
	if err := f.Mentions(context.Background(), agents, KindMention, payload); err != nil {
		t.Fatalf("mentions: %v", err)
	}

	if len(fc.created) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(fc.created))
	}
	for i, n := range fc.created {
		if n.kind != KindMention {
			t.Errorf("notification %d kind = %q", i, n.kind)
		}
	}
	if fc.created[0].agentID != "a1" || fc.created[1].agentID != "b1" {
		t.Errorf("unexpected recipients: %+v", fc.created)
	}
}

func TestMentionsEmptyNoOp(t *testing.T) {
	fc := &fakeCreator{}
	f := NewFanout(fc, zap.NewNop())

	if err := f.Mentions(context.Background(), nil, KindMention, map[string]any{}); err != nil {
		t.Fatalf("mentions: %v", err)
	}
	if len(fc.created) != 0 {
		t.Errorf("expected no notifications, got %d", len(fc.created))
	}
}

func TestMentionsStoreFailurePropagates(t *testing.T) {
	boom := errors.New("db down")
	f := NewFanout(&fakeCreator{err: boom}, zap.NewNop())

	err := f.Mentions(context.Background(), []mention.Resolved{{ID: "a1", Name: "alice"}}, KindMention, nil)
	if !errors.Is(err, boom) {
		t.Errorf("expected store error to propagate, got %v", err)
	}
}

func TestReply(t *testing.T) {
	fc := &fakeCreator{}
	f := NewFanout(fc, zap.NewNop())

	payload := map[string]any{"post_id": "p1", "comment_id": "c1", "by": "bob"}
	if err := f.Reply(context.Background(), "author-1", "commenter-1", payload); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if len(fc.created) != 1 || fc.created[0].kind != KindReply || fc.created[0].agentID != "author-1" {
		t.Fatalf("unexpected notifications: %+v", fc.created)
	}
}

func TestNoSelfReply(t *testing.T) {
	fc := &fakeCreator{}
	f := NewFanout(fc, zap.NewNop())

	if err := f.Reply(context.Background(), "author-1", "author-1", nil); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if len(fc.created) != 0 {
		t.Errorf("commenting on own post must not notify, got %+v", fc.created)
	}
}
