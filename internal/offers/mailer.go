package offers

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/vhskeelz/skeelzdb/internal/httpx"
)

// Mailer delivers one group of offers.
type Mailer interface {
	Send(ctx context.Context, t Type, g Group) error
}

type MailerConfig struct {
	// URL receives one JSON POST per group.
	URL   string       `toml:"url" mapstructure:"url"`
	Token string       `toml:"token" mapstructure:"token"`
	HTTP  httpx.Config `toml:"http" mapstructure:"http"`
}

// HTTPMailer posts groups to a transactional mail endpoint which renders
// the template selected by the mailing type.
type HTTPMailer struct {
	cfg  MailerConfig
	http *httpx.Client
}

func NewHTTPMailer(cfg MailerConfig) (*HTTPMailer, error) {
	if cfg.URL == "" {
		return nil, errors.New("offers: mailer url is required")
	}
	return &HTTPMailer{cfg: cfg, http: httpx.New("mailer", cfg.HTTP)}, nil
}

type message struct {
	Template string `json:"template"`
	Group
}

func (m *HTTPMailer) Send(ctx context.Context, t Type, g Group) error {
	b, err := json.Marshal(message{Template: string(t), Group: g})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.Token)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mailer: status %d: %s", resp.StatusCode, body)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var csvHeader = []string{
	"group_key", "candidate_id", "position_id", "candidate_name", "company_email", "company_name",
	"position_name", "city", "details_url", "fit_desc", "candidate_email", "creation_date",
}

// DumpCSV writes groups to <dataDir>/candidate_offers_<type>_mailing/dry_run/<type>.csv
// and returns the file path.
func DumpCSV(dataDir string, t Type, groups []Group) (string, error) {
	dir := filepath.Join(dataDir, t.dirname(), "dry_run")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, string(t)+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	w := csv.NewWriter(f)
	_ = w.Write(csvHeader)
	for _, g := range groups {
		for _, o := range g.Offers {
			_ = w.Write([]string{
				g.Key, o.CandidateID, o.PositionID, o.CandidateName, o.CompanyEmail, o.CompanyName,
				o.PositionName, o.City, o.DetailsURL, o.FitDesc, o.CandidateEmail, o.CreationDate,
			})
		}
	}
	w.Flush()
	if err := errors.Join(w.Error(), f.Close()); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
