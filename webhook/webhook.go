package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/use-agent/proofshot/models"
)

// Event types.
const (
	EventCaptured       = "evidence.captured"
	EventFailed         = "evidence.failed"
	EventBatchCompleted = "batch.completed"
)

// SignatureHeader carries "sha256=<hex>" of the body when a secret is set.
const SignatureHeader = "X-Proofshot-Signature"

// Event is the payload sent to webhook endpoints.
type Event struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// EvidenceEvent builds the event announcing one stored record.
func EvidenceEvent(jobID string, rec *models.EvidenceRecord) *Event {
	typ := EventCaptured
	if rec.Status != models.StatusCaptured {
		typ = EventFailed
	}
	return &Event{Type: typ, JobID: jobID, Timestamp: time.Now().Unix(), Data: rec}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Notifier delivers events with retries. The zero value is not usable; use New.
type Notifier struct {
	secret string
	client *http.Client
	delays []time.Duration
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates a Notifier. Events are signed with HMAC-SHA256 when secret is
// non-empty.
func New(secret string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second, 30 * time.Second},
		logger: logger,
	}
}

// Deliver sends a webhook event synchronously.
func (n *Notifier) Deliver(ctx context.Context, url string, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Proofshot-Webhook/1.0")
	if n.secret != "" {
		req.Header.Set(SignatureHeader, Sign(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// DeliverAsync sends a webhook event in the background with up to 3
// retries (1s, 5s, 30s). An empty url is a no-op.
func (n *Notifier) DeliverAsync(url string, event *Event) {
	if url == "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for attempt, delay := range n.delays {
			if delay > 0 {
				time.Sleep(delay)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := n.Deliver(ctx, url, event)
			cancel()
			if err == nil {
				n.logger.Info("webhook delivered",
					"url", url,
					"event", event.Type,
					"job_id", event.JobID,
					"attempt", attempt+1,
				)
				return
			}
			n.logger.Warn("webhook delivery failed",
				"url", url,
				"event", event.Type,
				"job_id", event.JobID,
				"attempt", attempt+1,
				"error", err,
			)
		}
		n.logger.Error("webhook delivery exhausted all retries",
			"url", url,
			"event", event.Type,
			"job_id", event.JobID,
		)
	}()
}

// Wait blocks until every in-flight async delivery has finished.
func (n *Notifier) Wait() { n.wg.Wait() }
