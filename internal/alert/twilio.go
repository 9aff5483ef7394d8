package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"keepgoing-assistant/pkg"
)

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	FromNumber string
	Timeout    time.Duration
}

// TwilioChannel texts a short alert notice.  The message body never
// includes the patient's words.
type TwilioChannel struct {
	cfg        TwilioConfig
	httpClient *http.Client
}

func NewTwilioChannel(cfg TwilioConfig) (*TwilioChannel, error) {
	cfg.AccountSID = strings.TrimSpace(cfg.AccountSID)
	if cfg.AccountSID == "" {
		return nil, fmt.Errorf("missing TWILIO_ACCOUNT_SID")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("missing TWILIO_AUTH_TOKEN")
	}
	if strings.TrimSpace(cfg.FromNumber) == "" {
		return nil, fmt.Errorf("missing TWILIO_FROM_NUMBER")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.twilio.com/2010-04-01"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &TwilioChannel{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (c *TwilioChannel) Name() string { return "sms" }

type twilioMessage struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	ErrorMessage *string `json:"error_message"`
}

func (c *TwilioChannel) Deliver(ctx context.Context, to pkg.ClinicianContact, rec pkg.AlertRecord) (Receipt, error) {
	if strings.TrimSpace(to.Phone) == "" {
		return Receipt{}, fmt.Errorf("twilio: clinician has no phone")
	}
	form := url.Values{}
	form.Set("To", strings.TrimSpace(to.Phone))
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", fmt.Sprintf("URGENT patient safety alert (%s, confidence %.2f). Check your email or dashboard now. Ref %s",
		humanCategory(rec.Category), rec.Confidence, shortID(rec.ID)))

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.cfg.BaseURL, url.PathEscape(c.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Receipt{}, err
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("twilio: %w", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return Receipt{}, fmt.Errorf("twilio: read body: %w", err)
	}
	if res.StatusCode/100 != 2 {
		return Receipt{}, fmt.Errorf("twilio: status %d", res.StatusCode)
	}
	var msg twilioMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Receipt{}, fmt.Errorf("twilio: decode: %w", err)
	}
	if msg.ErrorMessage != nil && *msg.ErrorMessage != "" {
		return Receipt{}, fmt.Errorf("twilio: %s", *msg.ErrorMessage)
	}
	return Receipt{Channel: c.Name(), ID: msg.SID}, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
