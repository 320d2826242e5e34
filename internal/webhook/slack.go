package webhook

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackSink mirrors every dispatched event to a Slack incoming webhook,
// typically an ops channel. Same contract as any other delivery: best
// effort, no retry.
type SlackSink struct {
	webhookURL string
	logger     *zap.Logger
}

// NewSlackSink creates a sink posting to the given incoming-webhook URL.
func NewSlackSink(webhookURL string, logger *zap.Logger) *SlackSink {
	return &SlackSink{webhookURL: webhookURL, logger: logger}
}

// Deliver posts a short event summary to Slack.
func (s *SlackSink) Deliver(ctx context.Context, ev *Event) error {
	msg := &slack.WebhookMessage{
		Text: summarize(ev),
	}
	return slack.PostWebhookContext(ctx, s.webhookURL, msg)
}

func summarize(ev *Event) string {
	switch ev.Event {
	case EventNewPost:
		return fmt.Sprintf(":speech_balloon: new post %q by %v (project %s)",
			ev.Payload["title"], ev.Payload["author"], ev.ProjectID)
	case EventNewComment:
		return fmt.Sprintf(":left_speech_bubble: new comment by %v on post %v (project %s)",
			ev.Payload["author"], ev.Payload["post_id"], ev.ProjectID)
	case EventStatusChange:
		return fmt.Sprintf(":vertical_traffic_light: post %v: %v → %v (by %v)",
			ev.Payload["post_id"], ev.Payload["old_status"], ev.Payload["new_status"], ev.Payload["by"])
	default:
		return fmt.Sprintf("%s event in project %s", ev.Event, ev.ProjectID)
	}
}
