// Package webhook signs and fires the dispatcher webhook on task creation.
// Failures are logged, never surfaced to the caller.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const timeout = 3 * time.Second

// Dispatcher fires the signed dispatcher webhook.
type Dispatcher struct {
	url    string
	secret string
	client *http.Client
	log    zerolog.Logger
}

// New constructs a Dispatcher. If url is empty, Fire is a no-op.
func New(url, secret string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("component", "webhook").Logger(),
	}
}

// Payload is the dispatcher webhook request body.
type Payload struct {
	TaskID    string `json:"taskId"`
	Target    string `json:"target"`
	Priority  string `json:"priority"`
	Title     string `json:"title"`
	Timestamp int64  `json:"timestamp"`
}

// Fire POSTs payload to the configured dispatcher URL, HMAC-signed, with a
// 3-second deadline. Errors are logged, never returned: the caller must
// treat this as fire-and-forget.
func (d *Dispatcher) Fire(ctx context.Context, p Payload) {
	if d.url == "" {
		return
	}
	go d.fire(p)
}

func (d *Dispatcher) fire(p Payload) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	body, err := json.Marshal(p)
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to marshal webhook payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CacheBash-Signature", sign(body, d.secret))

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Warn().Err(err).Str("taskId", p.TaskID).Msg("dispatcher webhook failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.log.Warn().Int("status", resp.StatusCode).Str("taskId", p.TaskID).Msg("dispatcher webhook returned non-2xx")
	}
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
