package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/platinummonkey/conveyor/pkg/observability"
)

// WebhookEmitter POSTs signed event payloads to a single configured
// endpoint.
type WebhookEmitter struct {
	url    string
	secret string
	client *http.Client
	logger *observability.Logger
}

// NewWebhookEmitter creates an emitter for the given endpoint. The secret
// signs every payload; it must match the receiver's configuration.
func NewWebhookEmitter(url, secret string, timeout time.Duration, logger *observability.Logger) *WebhookEmitter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookEmitter{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Emit delivers a single event. Non-2xx responses are errors so the
// caller's async wrapper logs them.
func (e *WebhookEmitter) Emit(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Conveyor-Event", string(event.Type))
	req.Header.Set("X-Conveyor-Event-ID", event.ID)
	req.Header.Set("X-Conveyor-Delivery", time.Now().UTC().Format(time.RFC3339))

	if e.secret != "" {
		req.Header.Set("X-Conveyor-Signature", generateSignature(payload, e.secret))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}

	e.logger.WithFields(map[string]interface{}{
		"event_type": event.Type,
		"event_id":   event.ID,
		"org_id":     event.OrgID,
	}).Debug("webhook delivered")

	return nil
}

// VerifySignature verifies a webhook signature against the payload
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := generateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// generateSignature generates an HMAC-SHA256 signature
func generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
