package altopt

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const notifyTimeout = 5 * time.Second

// Event is posted to the webhook when a step finishes, successfully or not.
type Event struct {
	RunID     string `json:"run_id"`
	Step      string `json:"step"`
	Outcome   string `json:"outcome"`
	Iteration int    `json:"iteration,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Notifier delivers pipeline events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// WebhookNotifier posts events as JSON to a URL.
type WebhookNotifier struct {
	URL    string
	client *resty.Client
}

// NewWebhookNotifier creates a notifier for url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		client: resty.New().SetTimeout(notifyTimeout),
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(ev).
		Post(n.URL)
	if err != nil {
		return fmt.Errorf("posting %s event: %w", ev.Step, err)
	}
	if resp.IsError() {
		return fmt.Errorf("posting %s event: %s", ev.Step, resp.Status())
	}
	return nil
}
