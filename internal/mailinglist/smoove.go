package mailinglist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vhskeelz/skeelzdb/internal/httpx"
)

const (
	DefaultSmooveURL    = "https://rest.smoove.io"
	DefaultSmooveListID = 865719
	// DefaultSmooveQuery reads the unique candidates view.
	DefaultSmooveQuery = `SELECT email, first_name, last_name, phone_number, city, gender
		FROM vehadarta_candidate_data_uniques_candidates`

	smooveGenderField = "i50"
)

// ErrWaitTimeout is returned when asynchronous provider work did not finish
// in time.
var ErrWaitTimeout = errors.New("timed out waiting for provider")

type SmooveConfig struct {
	URL    string `toml:"url" mapstructure:"url"`
	APIKey string `toml:"api_key" mapstructure:"api_key"`
	ListID int    `toml:"list_id" mapstructure:"list_id"`
	Query  string `toml:"query" mapstructure:"query"`
	// PollInterval and WaitTimeout bound the status polling after all
	// contacts were submitted.
	PollInterval time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	WaitTimeout  time.Duration `toml:"wait_timeout" mapstructure:"wait_timeout"`
	HTTP         httpx.Config  `toml:"http" mapstructure:"http"`
}

// Smoove submits contacts through the asynchronous contacts API: a create
// that never updates existing contacts, then an update that subscribes the
// contact to the list.
type Smoove struct {
	cfg  SmooveConfig
	http *httpx.Client

	mu      sync.Mutex
	pending map[string][]string // email -> operation uuids
}

func NewSmoove(cfg SmooveConfig) *Smoove {
	if cfg.URL == "" {
		cfg.URL = DefaultSmooveURL
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.ListID == 0 {
		cfg.ListID = DefaultSmooveListID
	}
	if cfg.Query == "" {
		cfg.Query = DefaultSmooveQuery
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Minute
	}
	return &Smoove{cfg: cfg, http: httpx.New("smoove", cfg.HTTP), pending: map[string][]string{}}
}

func (s *Smoove) Name() string  { return "smoove_contact" }
func (s *Smoove) Query() string { return s.cfg.Query }

func smooveGender(g string) any {
	switch g {
	case "male":
		return "זכר"
	case "female":
		return "נקבה"
	}
	return nil
}

func (s *Smoove) Payload(sub Subscriber) map[string]any {
	return map[string]any{
		"email":     sub.Email,
		"firstName": nullable(sub.FirstName),
		"lastName":  nullable(sub.LastName),
		"phone":     nullable(sub.Phone),
		"city":      nullable(sub.City),
		"customFields": map[string]any{
			smooveGenderField: smooveGender(sub.Gender),
		},
		"lists_ToSubscribe": []any{s.cfg.ListID},
	}
}

func (s *Smoove) contactsURL(updateIfExists bool) string {
	return fmt.Sprintf("%s/v1/async/contacts?updateIfExists=%t&restoreIfDeleted=false&restoreIfUnsubscribed=false&overrideNullableValue=false",
		s.cfg.URL, updateIfExists)
}

// Subscribe returns the contact email; Smoove keys contacts by address.
func (s *Smoove) Subscribe(ctx context.Context, sub Subscriber) (string, error) {
	create, err := s.submit(ctx, s.contactsURL(false), s.Payload(sub))
	if err != nil {
		return "", fmt.Errorf("create contact: %w", err)
	}
	update, err := s.submit(ctx, s.contactsURL(true), map[string]any{
		"email":             sub.Email,
		"lists_ToSubscribe": []any{s.cfg.ListID},
	})
	if err != nil {
		return "", fmt.Errorf("subscribe contact: %w", err)
	}
	s.mu.Lock()
	s.pending[sub.Email] = append(s.pending[sub.Email], create, update)
	s.mu.Unlock()
	return sub.Email, nil
}

// submit posts an async contact operation and returns its uuid.
func (s *Smoove) submit(ctx context.Context, u string, payload map[string]any) (string, error) {
	status, body, err := s.request(ctx, http.MethodPost, u, payload)
	if err != nil {
		return "", err
	}
	if status != http.StatusAccepted {
		return "", fmt.Errorf("unexpected status %d: %s", status, body)
	}
	var res map[string]any
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	id, _ := caseInsensitiveGet(res, "uuid").(string)
	if id == "" {
		return "", fmt.Errorf("no Uuid in response: %s", body)
	}
	if caseInsensitiveGet(res, "timestamp") == nil {
		return "", fmt.Errorf("no Timestamp in response: %s", body)
	}
	return id, nil
}

func caseInsensitiveGet(m map[string]any, key string) any {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

func (s *Smoove) request(ctx context.Context, method, u string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, err
}

func (s *Smoove) Pending(email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[email]) > 0
}

// Wait polls every pending operation until all succeeded. Contacts whose
// operations all succeeded stop being pending even when Wait fails.
func (s *Smoove) Wait(ctx context.Context, logf func(string, ...any)) error {
	deadline := time.Now().Add(s.cfg.WaitTimeout)
	for {
		s.mu.Lock()
		pending := make(map[string][]string, len(s.pending))
		for k, v := range s.pending {
			pending[k] = v
		}
		s.mu.Unlock()

		for email, ids := range pending {
			var left []string
			for _, id := range ids {
				status, err := s.status(ctx, id)
				if err != nil {
					return fmt.Errorf("%s: %w", email, err)
				}
				if status != "Succeeded" {
					left = append(left, id)
				}
			}
			s.mu.Lock()
			if len(left) == 0 {
				delete(s.pending, email)
			} else {
				s.pending[email] = left
			}
			s.mu.Unlock()
		}

		s.mu.Lock()
		n := len(s.pending)
		s.mu.Unlock()
		if n == 0 {
			return nil
		}
		logf("waiting for smoove to finish processing %d contacts", n)
		if time.Now().After(deadline) {
			return fmt.Errorf("smoove: %w after %s", ErrWaitTimeout, s.cfg.WaitTimeout)
		}
		t := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Smoove) status(ctx context.Context, id string) (string, error) {
	code, body, err := s.request(ctx, http.MethodGet, s.cfg.URL+"/v1/async/contacts/"+id+"/status", nil)
	if err != nil {
		return "", err
	}
	if code != http.StatusOK {
		return "", fmt.Errorf("status of %s: unexpected status %d: %s", id, code, body)
	}
	var res struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("decode status: %w", err)
	}
	return res.Status, nil
}
