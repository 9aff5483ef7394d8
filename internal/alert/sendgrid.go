package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"keepgoing-assistant/pkg"
)

type SendGridConfig struct {
	APIKey    string
	BaseURL   string
	FromEmail string
	FromName  string
	Timeout   time.Duration
}

// SendGridChannel emails alerts through the SendGrid v3 mail send API.
type SendGridChannel struct {
	cfg        SendGridConfig
	httpClient *http.Client
}

func NewSendGridChannel(cfg SendGridConfig) (*SendGridChannel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing SENDGRID_API_KEY")
	}
	if strings.TrimSpace(cfg.FromEmail) == "" {
		return nil, fmt.Errorf("missing SENDGRID_FROM_EMAIL")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.sendgrid.com"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SendGridChannel{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (c *SendGridChannel) Name() string { return "email" }

type emailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type mailSendRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             emailAddress      `json:"from"`
	Subject          string            `json:"subject"`
	Content          []mailContent     `json:"content"`
	Categories       []string          `json:"categories,omitempty"`
	CustomArgs       map[string]string `json:"custom_args,omitempty"`
}

type personalization struct {
	To []emailAddress `json:"to"`
}

type mailContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (c *SendGridChannel) Deliver(ctx context.Context, to pkg.ClinicianContact, rec pkg.AlertRecord) (Receipt, error) {
	if strings.TrimSpace(to.Email) == "" {
		return Receipt{}, fmt.Errorf("sendgrid: clinician has no email")
	}
	body := mailSendRequest{
		Personalizations: []personalization{{To: []emailAddress{{Email: to.Email, Name: to.Name}}}},
		From:             emailAddress{Email: c.cfg.FromEmail, Name: c.cfg.FromName},
		Subject:          fmt.Sprintf("Urgent: patient safety alert (%s)", humanCategory(rec.Category)),
		Content:          []mailContent{{Type: "text/plain", Value: emailBody(rec)}},
		Categories:       []string{"emergency-alert"},
		CustomArgs:       map[string]string{"alert_id": rec.ID},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return Receipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v3/mail/send", bytes.NewReader(b))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("sendgrid: %w", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	if res.StatusCode/100 != 2 {
		return Receipt{}, fmt.Errorf("sendgrid: status %d", res.StatusCode)
	}
	return Receipt{Channel: c.Name(), ID: res.Header.Get("X-Message-Id")}, nil
}

func emailBody(rec pkg.AlertRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A message from one of your patients was flagged as a possible emergency.\n\n")
	fmt.Fprintf(&b, "Patient: %s\n", rec.PatientID)
	fmt.Fprintf(&b, "Category: %s\n", humanCategory(rec.Category))
	fmt.Fprintf(&b, "Confidence: %.2f\n", rec.Confidence)
	fmt.Fprintf(&b, "Received: %s\n\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Message:\n%s\n\n", rec.SourceText)
	fmt.Fprintf(&b, "The patient has been shown emergency service contacts. Please follow up as soon as possible.\nAlert ID: %s\n", rec.ID)
	return b.String()
}

func humanCategory(c string) string {
	return strings.ReplaceAll(c, "_", " ")
}
