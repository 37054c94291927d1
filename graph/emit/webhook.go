package emit

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
)

// WebhookEmitter delivers events to an external HTTP endpoint,
// signing each payload with HMAC-SHA256 so the receiver can verify
// authenticity. Delivery is at-least-once: Emit retries transient
// failures a bounded number of times before giving up and passing the
// error to onError (if set), never blocking the caller beyond that bound.
type WebhookEmitter struct {
	url        string
	secret     []byte
	client     *http.Client
	maxRetries int
	onError    func(event Event, err error)
}

// NewWebhookEmitter returns a WebhookEmitter posting signed events to
// url. onError may be nil; when set, it is invoked after all retries
// for an event are exhausted.
func NewWebhookEmitter(url string, secret []byte, onError func(Event, error)) *WebhookEmitter {
	return &WebhookEmitter{
		url:        url,
		secret:     secret,
		client:     &http.Client{Timeout: 5 * time.Second},
		maxRetries: 3,
		onError:    onError,
	}
}

func (w *WebhookEmitter) sign(body []byte) string {
	mac := hmac.New(sha256.New, w.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (w *WebhookEmitter) deliver(ctx context.Context, body []byte) error {
	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Signature-SHA256", w.sign(body))

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			lastErr = fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
		}
		if attempt < w.maxRetries {
			time.Sleep(time.Duration(1<<attempt) * 100 * time.Millisecond)
		}
	}
	return lastErr
}

// Emit posts event synchronously, retrying on failure. Callers
// concerned about latency should wrap this in their own goroutine; the
// orchestrator does not, it calls Emit inline from its coordinator loop.
func (w *WebhookEmitter) Emit(event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		if w.onError != nil {
			w.onError(event, err)
		}
		return
	}
	if err := w.deliver(context.Background(), body); err != nil {
		if w.onError != nil {
			w.onError(event, err)
		}
	}
}

// EmitBatch posts events one at a time, collecting and returning the
// first delivery error after attempting the rest.
func (w *WebhookEmitter) EmitBatch(ctx context.Context, events []Event) error {
	var firstErr error
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := w.deliver(ctx, body); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if w.onError != nil {
				w.onError(e, err)
			}
		}
	}
	return firstErr
}

// Flush is a no-op: WebhookEmitter delivers synchronously and buffers
// nothing.
func (w *WebhookEmitter) Flush(_ context.Context) error { return nil }
