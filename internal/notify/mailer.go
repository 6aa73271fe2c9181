package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Mailer delivers a rendered email through a Resend-compatible HTTP API.
type Mailer struct {
	Endpoint string
	APIKey   string
	From     string
	Client   *http.Client
}

func NewMailer(endpoint, apiKey, from string) *Mailer {
	if endpoint == "" {
		endpoint = "https://api.resend.com/emails"
	}
	return &Mailer{Endpoint: endpoint, APIKey: apiKey, From: from, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Send posts one email. A non-2xx response is an error; the response body
// is included for operator diagnosis.
func (m *Mailer) Send(ctx context.Context, to []string, subject, html string) error {
	if m.APIKey == "" {
		return fmt.Errorf("mailer not configured")
	}
	body, err := json.Marshal(map[string]any{
		"from":    m.From,
		"to":      to,
		"subject": subject,
		"html":    html,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.APIKey)
	resp, err := m.Client.Do(req)
	if err != nil {
		return fmt.Errorf("mail request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("mail delivery failed (status %d): %s", resp.StatusCode, string(b))
	}
	return nil
}
