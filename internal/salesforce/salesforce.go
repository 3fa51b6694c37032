// Package salesforce is a small REST client for the CRM objects a sync run
// touches: JWT bearer login, SOQL queries and sobject create/update/delete.
package salesforce

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vhskeelz/skeelzdb/internal/httpx"
)

const (
	DefaultLoginURL   = "https://login.salesforce.com"
	DefaultAPIVersion = "v60.0"
)

// Well known error codes.
const (
	CodeInvalidEmail    = "INVALID_EMAIL_ADDRESS"
	CodeEntityIsDeleted = "ENTITY_IS_DELETED"
)

type Config struct {
	LoginURL    string `toml:"login_url" mapstructure:"login_url"`
	ConsumerKey string `toml:"consumer_key" mapstructure:"consumer_key"`
	Username    string `toml:"username" mapstructure:"username"`
	// PrivateKey is the PEM encoded RSA key, or its base64 encoding.
	PrivateKey string       `toml:"private_key" mapstructure:"private_key"`
	APIVersion string       `toml:"api_version" mapstructure:"api_version"`
	HTTP       httpx.Config `toml:"http" mapstructure:"http"`
}

// ErrorDetail is one element of a REST error response.
type ErrorDetail struct {
	ErrorCode string   `json:"errorCode"`
	Message   string   `json:"message"`
	Fields    []string `json:"fields,omitempty"`
}

// APIError is a non-success response from the REST API.
type APIError struct {
	Op      string
	Status  int
	Details []ErrorDetail
	Body    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("salesforce %s: status %d: %s", e.Op, e.Status, e.Body)
}

// Only reports whether code is the single error code of the response.
func (e *APIError) Only(code string) bool {
	return len(e.Details) == 1 && e.Details[0].ErrorCode == code
}

// HasCode reports whether any detail carries code.
func (e *APIError) HasCode(code string) bool {
	for _, d := range e.Details {
		if d.ErrorCode == code {
			return true
		}
	}
	return false
}

// IsCode reports whether err is an *APIError whose only code is code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Only(code)
}

// Record is one SOQL result row.
type Record map[string]any

// ID returns the record's Id field.
func (r Record) ID() string {
	s, _ := r["Id"].(string)
	return s
}

// String returns field as a string; empty for null or non-string values.
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

type Client struct {
	http        *httpx.Client
	instanceURL string
	token       string
	version     string
}

// New returns a client for an already obtained access token.
func New(instanceURL, token, version string, hc *httpx.Client) *Client {
	if version == "" {
		version = DefaultAPIVersion
	}
	if hc == nil {
		hc = httpx.New("salesforce", httpx.Config{})
	}
	return &Client{http: hc, instanceURL: strings.TrimRight(instanceURL, "/"), token: token, version: version}
}

func parseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "-----BEGIN") {
		return []byte(raw), nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("private key is neither PEM nor base64: %w", err)
	}
	return b, nil
}

// Login performs the OAuth JWT bearer flow and returns an authorized
// client.
func Login(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ConsumerKey == "" || cfg.Username == "" || cfg.PrivateKey == "" {
		return nil, errors.New("salesforce: consumer_key, username and private_key are required")
	}
	loginURL := strings.TrimRight(cfg.LoginURL, "/")
	if loginURL == "" {
		loginURL = DefaultLoginURL
	}
	pemKey, err := parseKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("salesforce: parse private key: %w", err)
	}
	// aud must be a plain string, not the single element array
	// RegisteredClaims would produce.
	claims := jwt.MapClaims{
		"iss": cfg.ConsumerKey,
		"sub": cfg.Username,
		"aud": loginURL,
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("salesforce: sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL+"/services/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := httpx.New("salesforce", cfg.HTTP)
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Op: "login", Status: resp.StatusCode, Body: string(body)}
	}
	var tok struct {
		InstanceURL string `json:"instance_url"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("salesforce: decode token response: %w", err)
	}
	return New(tok.InstanceURL, tok.AccessToken, cfg.APIVersion, hc), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(b)
	}
	u := path
	if !strings.HasPrefix(u, "http") {
		u = c.instanceURL + path
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if resp.StatusCode >= 300 {
		ae := &APIError{Op: op, Status: resp.StatusCode, Body: string(b)}
		_ = json.Unmarshal(b, &ae.Details)
		return resp.StatusCode, b, ae
	}
	return resp.StatusCode, b, nil
}

func (c *Client) base() string { return "/services/data/" + c.version }

// Query runs soql and follows pagination until every record is read.
func (c *Client) Query(ctx context.Context, soql string) ([]Record, error) {
	path := c.base() + "/query?" + url.Values{"q": {soql}}.Encode()
	var out []Record
	for path != "" {
		_, b, err := c.do(ctx, "query", http.MethodGet, path, nil)
		if err != nil {
			return nil, fmt.Errorf("%w\nsoql=%s", err, soql)
		}
		var page struct {
			Records        []Record `json:"records"`
			Done           bool     `json:"done"`
			NextRecordsURL string   `json:"nextRecordsUrl"`
		}
		if err := json.Unmarshal(b, &page); err != nil {
			return nil, fmt.Errorf("salesforce: decode query response: %w", err)
		}
		out = append(out, page.Records...)
		path = ""
		if !page.Done {
			path = page.NextRecordsURL
		}
	}
	return out, nil
}

// Create inserts a new object and returns its id.
func (c *Client) Create(ctx context.Context, object string, data map[string]any) (string, error) {
	_, b, err := c.do(ctx, "create "+object, http.MethodPost, c.base()+"/sobjects/"+url.PathEscape(object)+"/", data)
	if err != nil {
		return "", err
	}
	var res struct {
		ID      string        `json:"id"`
		Success bool          `json:"success"`
		Errors  []ErrorDetail `json:"errors"`
	}
	if err := json.Unmarshal(b, &res); err != nil || !res.Success || res.ID == "" {
		return "", &APIError{Op: "create " + object, Status: http.StatusOK, Details: res.Errors, Body: string(b)}
	}
	return res.ID, nil
}

// Update patches the object with the given id and returns the id the CRM
// reports for it, which is id itself when the response has no body.
func (c *Client) Update(ctx context.Context, object, id string, data map[string]any) (string, error) {
	_, b, err := c.do(ctx, "update "+object, http.MethodPatch,
		c.base()+"/sobjects/"+url.PathEscape(object)+"/Id/"+url.PathEscape(id), data)
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return id, nil
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &res); err != nil {
		return "", fmt.Errorf("salesforce: decode update response: %w", err)
	}
	if res.ID == "" {
		return id, nil
	}
	return res.ID, nil
}

// Delete removes the object with the given id.
func (c *Client) Delete(ctx context.Context, object, id string) error {
	_, _, err := c.do(ctx, "delete "+object, http.MethodDelete,
		c.base()+"/sobjects/"+url.PathEscape(object)+"/"+url.PathEscape(id), nil)
	return err
}

// Quote renders s as a SOQL string literal.
func Quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`, "\t", `\t`)
	return "'" + r.Replace(s) + "'"
}
