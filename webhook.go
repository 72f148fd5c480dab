package tweetwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// WebhookNotifier posts notifications as JSON to an HTTP endpoint that
// authenticates with a bearer token.
type WebhookNotifier struct {
	URL   string
	Token string

	// To identifies the destination (chat, channel, phone number) to the
	// receiving service.
	To string

	client *http.Client
	log    *zap.SugaredLogger
}

// NewWebhookNotifier returns a notifier posting to url.
func NewWebhookNotifier(url, token, to string, options ...func(*WebhookNotifier)) (*WebhookNotifier, error) {
	if url == "" {
		return nil, errors.New("webhook URL must be specified")
	}
	if to == "" {
		return nil, errors.New("webhook destination must be specified")
	}
	wn := &WebhookNotifier{
		URL:    url,
		Token:  token,
		To:     to,
		client: initHTTPClient(20 * time.Second),
		log:    zap.NewNop().Sugar(),
	}
	for _, o := range options {
		o(wn)
	}
	return wn, nil
}

// WithWebhookLogger sets the *zap.SugaredLogger the notifier logs to.
func WithWebhookLogger(logger *zap.SugaredLogger) func(*WebhookNotifier) {
	return func(wn *WebhookNotifier) {
		wn.log = logger
	}
}

type webhookMessage struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// Notify posts the message text. Any 2xx status counts as delivered.
func (wn *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(webhookMessage{To: wn.To, Text: n.Text})
	if err != nil {
		return errors.Wrap(err, "error encoding webhook message")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wn.URL, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "error building webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	if wn.Token != "" {
		req.Header.Set("Authorization", "Bearer "+wn.Token)
	}

	resp, err := wn.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "error reaching webhook")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("webhook error %s: %s", resp.Status, truncate(string(body), 200))
	}
	wn.log.Debugw("sent webhook notification", "post_id", n.Post.ID, "to", wn.To)
	return nil
}
