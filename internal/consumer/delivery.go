package consumer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/snehjoshi/diagq/internal/sink"
	"github.com/snehjoshi/diagq/internal/types"
)

// SignatureHeader carries the HMAC-SHA256 of the request body when the
// subscription has a secret.
const SignatureHeader = "X-Diagq-Signature"

// webhookPayload is the JSON body POSTed to the webhook URL.
type webhookPayload struct {
	Subscription string      `json:"subscription"`
	Kind         string      `json:"kind"`
	Batch        types.Batch `json:"batch"`
}

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// deliverBatch POSTs ev to the subscription URL.
// Returns nil only when the endpoint responds with a 2xx status.
func deliverBatch(ctx context.Context, client *http.Client, sub *Subscription, ev sink.Event) error {
	body, err := json.Marshal(webhookPayload{Subscription: sub.ID, Kind: ev.Kind, Batch: ev.Batch})
	if err != nil {
		return fmt.Errorf("consumer: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("consumer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Diagq-Batch", ev.Batch.ID)
	if sub.secret != "" {
		req.Header.Set(SignatureHeader, Sign(sub.secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("consumer: POST to %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("consumer: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
