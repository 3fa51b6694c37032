// Package offers mails grouped candidate/position offers and records which
// offers were sent so a later run never sends them again.
package offers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/vhskeelz/skeelzdb/internal/batch"
	"github.com/vhskeelz/skeelzdb/internal/fields"
	"github.com/vhskeelz/skeelzdb/internal/metrics"
	"github.com/vhskeelz/skeelzdb/internal/store"
)

// Type selects the audience and grouping of a mailing.
type Type string

const (
	// NumFits mails each company the number of fitting candidates per
	// position and city.
	NumFits Type = "num_fits"
	// Interested mails each company the candidates interested in its
	// positions.
	Interested Type = "interested"
	// NewMatches mails each candidate their new position matches.
	NewMatches Type = "new_matches"
)

// Types lists every mailing type.
var Types = []Type{NumFits, Interested, NewMatches}

// Offer status values.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// ErrSendFailures is returned when at least one group could not be mailed.
var ErrSendFailures = errors.New("some offer mails failed to send")

func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown mailing type %q", s)
}

// StatusTable is the per-type table of mailed offers.
func (t Type) StatusTable() string {
	return "candidate_offers_" + string(t) + "_mailing_status"
}

func (t Type) dirname() string {
	return "candidate_offers_" + string(t) + "_mailing"
}

// FitRange labels fit percentages in (From, To].
type FitRange struct {
	From  float64 `toml:"from" mapstructure:"from"`
	To    float64 `toml:"to" mapstructure:"to"`
	Label string  `toml:"label" mapstructure:"label"`
}

type Config struct {
	// DataDir receives the dry-run dumps.
	DataDir string `toml:"data_dir" mapstructure:"data_dir"`
	// DetailsURL is expanded with {position_id} and {candidate_id}.
	DetailsURL string `toml:"details_url" mapstructure:"details_url"`
	// MediumMinFit and HighMinFit split num_fits offers into medium and
	// high; offers below MediumMinFit are not mailed.
	MediumMinFit float64 `toml:"medium_min_fit" mapstructure:"medium_min_fit"`
	HighMinFit   float64 `toml:"high_min_fit" mapstructure:"high_min_fit"`
	// NewMatchesMinFit is the lowest fit mailed to candidates.
	NewMatchesMinFit float64 `toml:"new_matches_min_fit" mapstructure:"new_matches_min_fit"`
	// FitRanges label interested and new_matches offers; OtherLabel covers
	// interested offers outside every range.
	FitRanges  []FitRange   `toml:"fit_ranges" mapstructure:"fit_ranges"`
	OtherLabel string       `toml:"other_label" mapstructure:"other_label"`
	Mailer     MailerConfig `toml:"mailer" mapstructure:"mailer"`
}

// DefaultConfig returns thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		DataDir:          ".data",
		MediumMinFit:     0.6,
		HighMinFit:       0.8,
		NewMatchesMinFit: 0.7,
		FitRanges: []FitRange{
			{From: 0.6, To: 0.8, Label: "good"},
			{From: 0.8, To: 1, Label: "excellent"},
		},
		OtherLabel: "other",
	}
}

// Offer is one candidate/position pair ready to mail.
type Offer struct {
	CandidateID    string `json:"candidate_id"`
	PositionID     string `json:"position_id"`
	CandidateName  string `json:"candidate_name"`
	CompanyEmail   string `json:"company_email"`
	CompanyName    string `json:"company_name"`
	PositionName   string `json:"position_name"`
	City           string `json:"city"`
	DetailsURL     string `json:"details_url"`
	FitDesc        string `json:"fit_desc"`
	CandidateEmail string `json:"candidate_email"`
	CreationDate   string `json:"creation_date"`
}

// Group is the set of offers sent in one mail.
type Group struct {
	Key    string  `json:"group_key"`
	To     string  `json:"to"`
	Offers []Offer `json:"offers"`
}

// GroupKey returns the grouping key of o for t.
func GroupKey(t Type, o Offer) string {
	var parts []string
	switch t {
	case NumFits:
		parts = []string{o.CompanyEmail, o.PositionID, o.City}
	case Interested:
		parts = []string{o.CompanyEmail}
	case NewMatches:
		parts = []string{o.CandidateEmail}
	}
	return strings.Join(parts, ";;")
}

func recipient(t Type, o Offer) string {
	if t == NewMatches {
		return o.CandidateEmail
	}
	return o.CompanyEmail
}

// GroupOffers groups offers by key, keeping first-seen order of groups and
// the row order inside each group.
func GroupOffers(t Type, offers []Offer) []Group {
	idx := map[string]int{}
	var out []Group
	for _, o := range offers {
		k := GroupKey(t, o)
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, Group{Key: k, To: recipient(t, o)})
		}
		out[i].Offers = append(out[i].Offers, o)
	}
	return out
}

// FitDesc labels a fit percentage; ok is false when the offer must not be
// mailed.
func (c Config) FitDesc(t Type, fit float64) (string, bool) {
	switch t {
	case NumFits:
		if fit < c.MediumMinFit || fit > 1 {
			return "", false
		}
		if fit < c.HighMinFit {
			return "medium", true
		}
		return "high", true
	case Interested:
		if label, ok := c.rangeLabel(fit); ok {
			return label, true
		}
		return c.OtherLabel, true
	case NewMatches:
		if fit < c.NewMatchesMinFit || fit > 1 {
			return "", false
		}
		return c.rangeLabel(fit)
	}
	return "", false
}

func (c Config) rangeLabel(fit float64) (string, bool) {
	for _, r := range c.FitRanges {
		if fit > r.From && fit <= r.To {
			return r.Label, true
		}
	}
	return "", false
}

func (c Config) detailsURL(positionID, candidateID string) string {
	return strings.NewReplacer("{position_id}", positionID, "{candidate_id}", candidateID).Replace(c.DetailsURL)
}

// EnsureSchema creates the status table of t.
func EnsureSchema(ctx context.Context, db store.Store, t Type) error {
	return store.EnsureSchema(ctx, db, []string{
		`CREATE TABLE IF NOT EXISTS ` + t.StatusTable() + ` (
			candidate_id TEXT NOT NULL,
			position_offer_id TEXT NOT NULL,
			status TEXT NOT NULL,
			date TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS ` + t.StatusTable() + `_pair ON ` + t.StatusTable() + ` (candidate_id, position_offer_id)`,
	})
}

func offersQuery(t Type) string {
	where := ""
	if t == Interested {
		where = `l."Interested" = 'Yes' AND `
	}
	return `WITH numbered_positions AS (
		SELECT *, ROW_NUMBER() OVER (PARTITION BY position_id ORDER BY position_id) AS rn
		FROM vehadarta_positions_skills
	)
	SELECT DISTINCT
		l.candidate_id, l."positionOfferId" AS position_id, l."Candidate name" AS candidate_name,
		t.ta_email, t.ta_name, p.position_name, l."fitPercentage" AS fit_percentage, p.city,
		l.email, p."dateCreated" AS date_created
	FROM vehadarta_candidate_offers_list l
	JOIN numbered_positions p ON l."positionOfferId" = p.position_id AND p.rn = 1
	JOIN vehadarta_company_and_company_ta t ON p."companyId" = t."companyId" AND t."companyId" != 'null'
	WHERE ` + where + `NOT EXISTS (
		SELECT 1 FROM ` + t.StatusTable() + ` s
		WHERE s.candidate_id = l.candidate_id AND s.position_offer_id = l."positionOfferId" AND s.status = 'sent'
	)
	ORDER BY l.candidate_id, position_id`
}

// Fetch returns the offers of t that were not sent yet.
func Fetch(ctx context.Context, db store.Store, cfg Config, t Type) ([]Offer, error) {
	rows, err := db.QueryContext(ctx, offersQuery(t))
	if err != nil {
		return nil, fmt.Errorf("fetch %s offers: %w", t, err)
	}
	defer func() { _ = rows.Close() }()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Offer
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		raw := make(map[string]any, len(cols))
		for i, c := range cols {
			raw[c] = vals[i]
		}
		r := fields.Preprocess(raw)
		desc := cfg.OtherLabel
		if fit, err := strconv.ParseFloat(r["fit_percentage"], 64); err == nil {
			var ok bool
			if desc, ok = cfg.FitDesc(t, fit); !ok {
				continue
			}
		} else if t != Interested {
			continue
		}
		out = append(out, Offer{
			CandidateID:    r["candidate_id"],
			PositionID:     r["position_id"],
			CandidateName:  r["candidate_name"],
			CompanyEmail:   r["ta_email"],
			CompanyName:    r["ta_name"],
			PositionName:   r["position_name"],
			City:           r["city"],
			DetailsURL:     cfg.detailsURL(r["position_id"], r["candidate_id"]),
			FitDesc:        desc,
			CandidateEmail: r["email"],
			CreationDate:   r["date_created"],
		})
	}
	return out, rows.Err()
}

type Summary struct {
	Type   Type `json:"type"`
	Offers int  `json:"offers"`
	Groups int  `json:"groups"`
	Sent   int  `json:"sent"`
	Failed int  `json:"failed"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%s: offers=%d groups=%d sent=%d failed=%d", s.Type, s.Offers, s.Groups, s.Sent, s.Failed)
}

// Sender runs one mailing.
type Sender struct {
	db     store.Store
	cfg    Config
	batch  batch.Config
	mailer Mailer
	logf   func(string, ...any)
}

// NewSender returns a sender; mailer may be nil for dry runs only.
func NewSender(db store.Store, cfg Config, bc batch.Config, mailer Mailer, logf func(string, ...any)) *Sender {
	if logf == nil {
		logf = func(format string, args ...any) { slog.Info(fmt.Sprintf(format, args...)) }
	}
	return &Sender{db: db, cfg: cfg, batch: bc, mailer: mailer, logf: logf}
}

// Run fetches and groups the pending offers of t. A dry run dumps the
// groups to a CSV file under DataDir; otherwise each group is mailed and
// its offers are marked sent or failed.
func (s *Sender) Run(ctx context.Context, t Type, dryRun bool) (Summary, error) {
	sum := Summary{Type: t}
	s.logf("running migrations for %s", t)
	if err := EnsureSchema(ctx, s.db, t); err != nil {
		return sum, err
	}
	s.logf("fetching candidate positions")
	offers, err := Fetch(ctx, s.db, s.cfg, t)
	if err != nil {
		return sum, err
	}
	sum.Offers = len(offers)
	s.logf("fetched %d candidate positions", len(offers))
	groups := GroupOffers(t, offers)
	sum.Groups = len(groups)
	s.logf("grouped to %d groups", len(groups))

	if dryRun {
		s.logf("dry run, not sending emails")
		path, err := DumpCSV(s.cfg.DataDir, t, groups)
		if err != nil {
			return sum, err
		}
		s.logf("saved to %s", path)
		return sum, nil
	}
	if s.mailer == nil {
		return sum, errors.New("offers: no mailer configured")
	}

	err = batch.With(ctx, s.db, s.batch, func(log *batch.Log) error {
		for _, g := range groups {
			if err := ctx.Err(); err != nil {
				return err
			}
			status := StatusSent
			if err := s.mailer.Send(ctx, t, g); err != nil {
				s.logf("WARNING failed to send %s mail to %s: %v", t, g.To, err)
				status = StatusFailed
				sum.Failed++
			} else {
				sum.Sent++
			}
			metrics.IncSyncOutcome("offers_"+string(t), status)
			for _, o := range g.Offers {
				if err := log.Append(ctx, statusStmt(t, o, status), false); err != nil {
					return err
				}
			}
		}
		return nil
	})
	s.logf("%s", sum)
	if err != nil {
		return sum, err
	}
	if sum.Failed > 0 {
		return sum, fmt.Errorf("%w: %d of %d groups", ErrSendFailures, sum.Failed, sum.Groups)
	}
	return sum, nil
}

func statusStmt(t Type, o Offer, status string) string {
	return fmt.Sprintf(`INSERT INTO %s (candidate_id, position_offer_id, status, date) VALUES (%s, %s, %s, CURRENT_TIMESTAMP)`,
		t.StatusTable(), store.Quote(o.CandidateID), store.Quote(o.PositionID), store.Quote(status))
}

// Statuses returns the recorded status rows of t as candidate/position
// pairs mapped to their latest status.
func Statuses(ctx context.Context, db store.Store, t Type) (map[[2]string]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT candidate_id, position_offer_id, status FROM `+t.StatusTable()+` ORDER BY date`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := map[[2]string]string{}
	for rows.Next() {
		var c, p, st string
		if err := rows.Scan(&c, &p, &st); err != nil {
			return nil, err
		}
		key := [2]string{c, p}
		if out[key] != StatusSent {
			out[key] = st
		}
	}
	return out, rows.Err()
}
