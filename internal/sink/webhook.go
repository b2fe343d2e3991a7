package sink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/oriys/ackflow/internal/broker"
)

// WebhookError indicates a non-2xx response from the webhook endpoint.
type WebhookError struct {
	StatusCode int
	Body       string
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.StatusCode)
}

const maxWebhookResponseBody = 64 * 1024 // 64KB

// WebhookConfig configures a WebhookSink.
type WebhookConfig struct {
	URL     string
	Method  string // default POST
	Headers map[string]string

	// SigningSecret enables HMAC-SHA256 signing. The signature covers
	// "<timestamp>.<body>" and is carried in X-Ackflow-Signature with the
	// timestamp in X-Ackflow-Timestamp.
	SigningSecret string

	Timeout time.Duration // default 30s
}

// WebhookSink forwards each message body to an HTTP endpoint. The response
// status decides the acknowledgement: 2xx acks, anything else nacks and
// the broker redelivers.
type WebhookSink struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("sink: webhook url required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &WebhookSink{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
	}, nil
}

func (s *WebhookSink) Deliver(ctx context.Context, msg *broker.Message) error {
	req, err := http.NewRequestWithContext(ctx, s.cfg.Method, s.cfg.URL, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("sink: create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", "Ackflow-Webhook/1.0")
	req.Header.Set("X-Ackflow-Topic", msg.Topic)
	req.Header.Set("X-Ackflow-Message-ID", msg.ID)
	if msg.Attempt > 0 {
		req.Header.Set("X-Ackflow-Attempt", strconv.Itoa(msg.Attempt))
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	if s.cfg.SigningSecret != "" {
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-Ackflow-Signature", signPayload(s.cfg.SigningSecret, timestamp, msg.Payload))
		req.Header.Set("X-Ackflow-Timestamp", timestamp)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink: webhook delivery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponseBody))
		return &WebhookError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxWebhookResponseBody))
	return nil
}

func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// signPayload computes the hex HMAC-SHA256 of "<timestamp>.<body>".
func signPayload(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
