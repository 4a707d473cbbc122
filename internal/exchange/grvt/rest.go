package grvt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	loginPath = "/auth/api_key/login"

	sessionCookieName = "gravity"
	accountIDHeader   = "X-Grvt-Account-Id"

	// Sessions carry their own expiry via the cookie; this fallback applies
	// when the venue omits one.
	defaultSessionTTL = 30 * time.Minute
	// Refresh slightly early so in-flight requests never straddle expiry.
	sessionExpiryMargin = time.Minute
)

// restClient holds an api-key session against the venue. Every data and
// order endpoint is an authenticated JSON POST; a 401 invalidates the
// session and the request is retried once after a fresh login.
type restClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger

	mu        sync.Mutex
	cookie    string
	accountID string
	expiry    time.Time
}

func newRESTClient(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *restClient {
	return &restClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// session returns a valid cookie and account id, logging in when the
// current session is missing or near expiry.
func (c *restClient) session(ctx context.Context) (string, string, error) {
	c.mu.Lock()
	cookie, accountID, expiry := c.cookie, c.accountID, c.expiry
	c.mu.Unlock()
	if cookie != "" && time.Now().Before(expiry.Add(-sessionExpiryMargin)) {
		return cookie, accountID, nil
	}
	return c.login(ctx)
}

func (c *restClient) login(ctx context.Context) (string, string, error) {
	body, err := json.Marshal(map[string]string{"api_key": c.apiKey})
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", "", fmt.Errorf("login: http %d: %s", resp.StatusCode, string(snippet))
	}

	var cookie string
	expiry := time.Now().Add(defaultSessionTTL)
	for _, ck := range resp.Cookies() {
		if ck.Name != sessionCookieName {
			continue
		}
		cookie = ck.Value
		if !ck.Expires.IsZero() {
			expiry = ck.Expires
		}
	}
	if cookie == "" {
		return "", "", fmt.Errorf("login: response missing %s cookie", sessionCookieName)
	}
	accountID := resp.Header.Get(accountIDHeader)

	c.mu.Lock()
	c.cookie = cookie
	c.accountID = accountID
	c.expiry = expiry
	c.mu.Unlock()
	c.log.Debug("session established", zap.String("account_id", accountID), zap.Time("expiry", expiry))
	return cookie, accountID, nil
}

func (c *restClient) invalidate() {
	c.mu.Lock()
	c.cookie = ""
	c.accountID = ""
	c.expiry = time.Time{}
	c.mu.Unlock()
}

// post sends an authenticated JSON request and decodes the response into
// out. out may be nil when the caller only cares about success.
func (c *restClient) post(ctx context.Context, path string, body, out any) error {
	status, data, err := c.do(ctx, path, body)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.invalidate()
		status, data, err = c.do(ctx, path, body)
		if err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return &venueError{status: status, body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}

func (c *restClient) do(ctx context.Context, path string, body any) (int, []byte, error) {
	cookie, accountID, err := c.session(ctx)
	if err != nil {
		return 0, nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", sessionCookieName+"="+cookie)
	if accountID != "" {
		req.Header.Set(accountIDHeader, accountID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

// venueError carries the venue's HTTP failure verbatim so callers can match
// on its message (order-not-found detection).
type venueError struct {
	status int
	body   string
}

func (e *venueError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("http %d", e.status)
	}
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}
