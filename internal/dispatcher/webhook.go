package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultTimeout = 30 * time.Second

	// responseLimit caps how much of a runtime response is read.
	responseLimit = 10 << 20
)

// hopHeaders are response headers never handed back to an enqueuer.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Date":              true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
}

type HTTPWebhookSender struct {
	client *http.Client
}

func NewHTTPWebhookSender() *HTTPWebhookSender {
	return &HTTPWebhookSender{
		client: &http.Client{},
	}
}

// Send posts the invocation to the runtime with an HMAC signature.
// Headers: X-EasyTrigger-Event-ID, X-EasyTrigger-Event-Type,
// X-EasyTrigger-Attempt-ID, X-EasyTrigger-Signature.
func (s *HTTPWebhookSender) Send(ctx context.Context, req WebhookRequest) WebhookResult {
	start := time.Now()

	body, err := json.Marshal(req.Payload)
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-EasyTrigger-Event-ID", req.Payload.Event.ID)
	httpReq.Header.Set("X-EasyTrigger-Event-Type", string(req.Payload.Event.Type))
	httpReq.Header.Set("X-EasyTrigger-Attempt-ID", req.AttemptID)
	httpReq.Header.Set("X-EasyTrigger-Signature", computeSignature(req.Secret, body))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		return WebhookResult{StatusCode: resp.StatusCode, Error: fmt.Errorf("read response: %w", err), Duration: time.Since(start)}
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if hopHeaders[k] || len(v) == 0 {
			continue
		}
		headers[k] = v[0]
	}

	return WebhookResult{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       respBody,
		Duration:   time.Since(start),
	}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature lets a runtime check that an invocation came from us.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
