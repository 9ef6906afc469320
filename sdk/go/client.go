package premail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for the premail client.
type Config struct {
	// BaseURL is the root URL of the premail server.
	// Examples: "https://mail.example.com" or "https://mail.example.com/api/v1"
	// The "/api/v1" suffix is appended automatically if missing.
	BaseURL string

	// Token is the API bearer token. Leave empty when the server runs
	// without API tokens.
	Token string

	// HTTPClient is an optional custom HTTP client.
	// If nil, a default client with 60s timeout is used, long enough for a
	// direct send to wait out a slow Gmail call.
	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if !strings.HasSuffix(c.BaseURL, "/api/v1") {
		c.BaseURL = c.BaseURL + "/api/v1"
	}
}

// Client is the premail SDK client.
type Client struct {
	cfg Config
}

// NewClient creates a new premail client with the given configuration.
func NewClient(cfg Config) *Client {
	cfg.defaults()
	return &Client{cfg: cfg}
}

// Send transmits a message immediately as userID. Failures come back as
// *APIError whose Code is one of the Reason constants.
func (c *Client) Send(ctx context.Context, userID string, data EmailData) (*SendResult, error) {
	var resp SendResult
	if err := c.do(ctx, http.MethodPost, "/send", SendRequest{UserID: userID, EmailData: data}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateEmail stores a draft or scheduled email.
func (c *Client) CreateEmail(ctx context.Context, req CreateEmailRequest) (*Email, error) {
	var e Email
	if err := c.do(ctx, http.MethodPost, "/emails", req, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEmail returns one email.
func (c *Client) GetEmail(ctx context.Context, id string) (*Email, error) {
	var e Email
	if err := c.do(ctx, http.MethodGet, "/emails/"+url.PathEscape(id), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEmails returns a user's emails, most recently updated first. Zero
// limit uses the server default.
func (c *Client) ListEmails(ctx context.Context, userID string, limit, offset int) ([]Email, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/users/" + url.PathEscape(userID) + "/emails"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Emails []Email `json:"emails"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Emails, nil
}

// UpdateEmail changes a draft or scheduled email.
func (c *Client) UpdateEmail(ctx context.Context, id string, req UpdateEmailRequest) (*Email, error) {
	var e Email
	if err := c.do(ctx, http.MethodPatch, "/emails/"+url.PathEscape(id), req, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteEmail removes an email that is not being sent.
func (c *Client) DeleteEmail(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/emails/"+url.PathEscape(id), nil, nil)
}

// PutCredential stores Gmail token material for userID.
func (c *Client) PutCredential(ctx context.Context, userID string, req PutCredentialRequest) (*Credential, error) {
	var cred Credential
	if err := c.do(ctx, http.MethodPut, credentialPath(userID), req, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// GetCredential returns metadata about userID's stored credential.
func (c *Client) GetCredential(ctx context.Context, userID string) (*Credential, error) {
	var cred Credential
	if err := c.do(ctx, http.MethodGet, credentialPath(userID), nil, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// DeleteCredential removes userID's stored credential.
func (c *Client) DeleteCredential(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, credentialPath(userID), nil, nil)
}

// AuthorizeURL returns the Gmail consent URL for userID. An empty state
// lets the server pick one; the chosen state is returned.
func (c *Client) AuthorizeURL(ctx context.Context, userID, state string) (authURL, outState string, err error) {
	path := credentialPath(userID) + "/authorize-url"
	if state != "" {
		path += "?state=" + url.QueryEscape(state)
	}
	var resp struct {
		URL   string `json:"url"`
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", "", err
	}
	return resp.URL, resp.State, nil
}

// DispatcherStatus reports the state of the scheduled-send loop.
func (c *Client) DispatcherStatus(ctx context.Context) (*DispatcherStatus, error) {
	var s DispatcherStatus
	if err := c.do(ctx, http.MethodGet, "/dispatcher", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Tick runs one dispatch pass on the server. Requires a service token.
func (c *Client) Tick(ctx context.Context) (*TickResult, error) {
	var res TickResult
	if err := c.do(ctx, http.MethodPost, "/dispatcher/tick", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func credentialPath(userID string) string {
	return "/users/" + url.PathEscape(userID) + "/credential"
}

// do sends a request to the premail API and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("premail: failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("premail: failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("premail: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("premail: failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, body)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("premail: failed to parse response: %w", err)
	}
	return nil
}
