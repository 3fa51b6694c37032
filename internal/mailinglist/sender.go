package mailinglist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vhskeelz/skeelzdb/internal/httpx"
)

const (
	DefaultSenderURL   = "https://api.sender.net"
	DefaultSenderGroup = "dN7PqD"
	DefaultSenderQuery = `SELECT "Email" AS email, "Candidate first name" AS first_name,
		"Candidate last name" AS last_name, "Phone number" AS phone_number,
		"Candidate location" AS city, "Gender" AS gender
		FROM skeelz_export_candidates`
)

type SenderConfig struct {
	URL      string       `toml:"url" mapstructure:"url"`
	APIToken string       `toml:"api_token" mapstructure:"api_token"`
	Group    string       `toml:"group" mapstructure:"group"`
	Query    string       `toml:"query" mapstructure:"query"`
	HTTP     httpx.Config `toml:"http" mapstructure:"http"`
}

// Sender creates subscribers synchronously; nothing is left to wait for.
type Sender struct {
	cfg  SenderConfig
	http *httpx.Client
}

func NewSender(cfg SenderConfig) *Sender {
	if cfg.URL == "" {
		cfg.URL = DefaultSenderURL
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Group == "" {
		cfg.Group = DefaultSenderGroup
	}
	if cfg.Query == "" {
		cfg.Query = DefaultSenderQuery
	}
	return &Sender{cfg: cfg, http: httpx.New("sender", cfg.HTTP)}
}

func (s *Sender) Name() string  { return "sender_subscriber" }
func (s *Sender) Query() string { return s.cfg.Query }

func (s *Sender) Payload(sub Subscriber) map[string]any {
	return map[string]any{
		"email":     sub.Email,
		"firstname": nullable(sub.FirstName),
		"lastname":  nullable(sub.LastName),
		"fields": map[string]any{
			"city":        nullable(sub.City),
			"gender":      sub.Gender,
			"phonenumber": nullable(sub.Phone),
		},
		"groups": []any{s.cfg.Group},
	}
}

func (s *Sender) Subscribe(ctx context.Context, sub Subscriber) (string, error) {
	b, err := json.Marshal(s.Payload(sub))
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL+"/v2/subscribers", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnprocessableEntity:
		return "", &RejectedError{Email: sub.Email, Body: string(body)}
	default:
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	var res struct {
		Success bool `json:"success"`
		Data    struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if !res.Success {
		return "", fmt.Errorf("failed to create: %s", body)
	}
	if res.Data.ID == "" {
		return sub.Email, nil
	}
	return res.Data.ID, nil
}

func (s *Sender) Pending(string) bool { return false }

func (s *Sender) Wait(context.Context, func(string, ...any)) error { return nil }
