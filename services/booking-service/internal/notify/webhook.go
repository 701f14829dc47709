package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WebhookSender posts {"to","body"} to an HTTP relay. Used for local SMS
// gateways and test environments without Twilio credentials.
type WebhookSender struct {
	url   string
	token string
	http  *http.Client
}

func NewWebhookSender(url string, token string) *WebhookSender {
	return &WebhookSender{
		url:   strings.TrimSpace(url),
		token: strings.TrimSpace(token),
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (s *WebhookSender) ProviderID() string { return "sms-webhook" }

func (s *WebhookSender) Send(ctx context.Context, to string, message string) Result {
	if s.url == "" {
		return Failed("sms webhook url not configured")
	}
	raw, err := json.Marshal(map[string]string{"to": to, "body": message})
	if err != nil {
		return Failed(err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return Failed(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return Failed(err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Failed(fmt.Sprintf("sms webhook returned %d", resp.StatusCode))
	}
	return Sent(resp.Header.Get("X-Message-Id"))
}
