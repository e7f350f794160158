package worker

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
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/db"
)

const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderSignature = "X-Webhook-Signature"

	userAgent = "Campus-Webhooks/1.0"

	// maxResponseBody caps how much of the target's answer is kept on the delivery.
	maxResponseBody = 1024
)

// WebhookSender POSTs the event envelope to HTTP(S) targets.
type WebhookSender struct {
	client *http.Client
	logger *zap.Logger
}

type WebhookConfig struct {
	Timeout time.Duration // per request, default 30s
}

// NewWebhookSender creates a new webhook sender
func NewWebhookSender(logger *zap.Logger, cfg WebhookConfig) *WebhookSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Sign returns the X-Webhook-Signature value for body: "sha256=" followed by
// the hex HMAC-SHA256 of body keyed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *WebhookSender) Send(ctx context.Context, attempt *db.Attempt) (*db.AttemptResult, error) {
	body, err := json.Marshal(attempt.Event.Envelope())
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, attempt.Config.TargetURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderEvent, attempt.Event.EventType)
	req.Header.Set(HeaderDelivery, attempt.Delivery.ID)
	if attempt.Config.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(attempt.Config.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	result := &db.AttemptResult{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(bodyBytes),
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}

	s.logger.Info("webhook delivered",
		zap.String("delivery_id", attempt.Delivery.ID),
		zap.String("url", attempt.Config.TargetURL),
		zap.Int("status_code", resp.StatusCode),
	)

	return result, nil
}

func (s *WebhookSender) SupportsTarget(target string) bool {
	return strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
}
