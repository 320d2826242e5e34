// Package webhook delivers project events to subscribed endpoints.
// Delivery is fire-and-forget: the triggering request never waits on it,
// learns about it, or fails because of it.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event kinds dispatched by the service.
const (
	EventNewPost      = "new_post"
	EventNewComment   = "new_comment"
	EventStatusChange = "status_change"
)

const deliveryTimeout = 5 * time.Second

// Subscription is one endpoint's registration for a project's events.
type Subscription struct {
	URL    string
	Events []string
}

// SourceFunc lists the active subscriptions of a project.
type SourceFunc func(ctx context.Context, projectID string) ([]Subscription, error)

// Event is the outbound wire payload.
type Event struct {
	Event     string         `json:"event"`
	ProjectID string         `json:"project_id"`
	Payload   map[string]any `json:"payload"`
}

// Sink receives a copy of every dispatched event, independent of the
// per-project subscription table. Used for service-wide mirrors like the
// Slack sink.
type Sink interface {
	Deliver(ctx context.Context, ev *Event) error
}

// Dispatcher fans events out to subscribed endpoints, one goroutine per
// delivery. Failures are swallowed: no retry, nothing surfaced to the
// caller, a debug log line at most. One slow or broken subscriber never
// affects delivery to the others.
type Dispatcher struct {
	source SourceFunc
	client *http.Client
	sinks  []Sink
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher reading subscriptions from source.
func NewDispatcher(source SourceFunc, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		source: source,
		client: &http.Client{Timeout: deliveryTimeout},
		sinks:  nil,
		logger: logger,
	}
}

// AddSink registers an extra delivery target for all events.
func (d *Dispatcher) AddSink(s Sink) {
	d.sinks = append(d.sinks, s)
}

// Dispatch sends the event to every active subscription of the project
// whose event set contains it. The subscription lookup runs inline; the
// deliveries themselves are detached, so Dispatch returns as soon as they
// are spawned. Deliveries use a background context on purpose: cancelling
// the triggering request must not cancel them.
func (d *Dispatcher) Dispatch(projectID, event string, payload map[string]any) {
	subs, err := d.source(context.Background(), projectID)
	if err != nil {
		d.logger.Warn("webhook subscription lookup failed",
			zap.String("project", projectID), zap.Error(err))
		return
	}

	ev := &Event{Event: event, ProjectID: projectID, Payload: payload}

	for _, sub := range subs {
		if !subscribed(sub.Events, event) {
			continue
		}
		d.wg.Add(1)
		go d.deliver(sub.URL, ev)
	}

	for _, s := range d.sinks {
		d.wg.Add(1)
		go func(s Sink) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			defer cancel()
			if err := s.Deliver(ctx, ev); err != nil {
				d.logger.Debug("sink delivery failed",
					zap.String("event", ev.Event), zap.Error(err))
			}
		}(s)
	}
}

func (d *Dispatcher) deliver(url string, ev *Event) {
	defer d.wg.Done()

	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.Debug("webhook payload marshal failed", zap.Error(err))
		return
	}

	resp, err := d.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		d.logger.Debug("webhook delivery failed",
			zap.String("url", url), zap.String("event", ev.Event), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.Debug("webhook delivery rejected",
			zap.String("url", url), zap.Int("status", resp.StatusCode))
	}
}

// Wait blocks until every in-flight delivery has finished. Used at shutdown
// and in tests; request handlers never call it.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func subscribed(events []string, event string) bool {
	for _, e := range events {
		if e == event {
			return true
		}
	}
	return false
}
