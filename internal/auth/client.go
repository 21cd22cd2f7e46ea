package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noteflow/notes-gateway/internal/resilience"
)

const refreshSkew = 30 * time.Second

// Client talks to the hosted auth platform's token endpoint. It keeps the
// current session, refreshes it with the rotation token before expiry and
// notifies subscribers whenever the session is replaced or ended.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
	retry      *resilience.RetryConfig

	mu      sync.Mutex
	current *Session
	subs    map[int]func(*Session)
	nextSub int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryConfig overrides the retry policy for refresh requests.
func WithRetryConfig(cfg *resilience.RetryConfig) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// NewClient creates an auth client for the given platform origin.
func NewClient(baseURL, apiKey string, logger zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		retry:      resilience.DefaultRetryConfig(),
		subs:       make(map[int]func(*Session)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// SignIn performs a password grant and installs the resulting session.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	sess, err := c.tokenRequest(ctx, "password", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	c.install(sess)
	return sess, nil
}

// Refresh exchanges the rotation token for a fresh session.
func (c *Client) Refresh(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	if current == nil || current.RefreshToken == "" {
		return nil, fmt.Errorf("no session to refresh")
	}

	var sess *Session
	err := resilience.Retry(func() error {
		var reqErr error
		sess, reqErr = c.tokenRequest(ctx, "refresh_token", map[string]string{
			"refresh_token": current.RefreshToken,
		})
		return reqErr
	}, c.retry, resilience.IsRetryableNetworkError)
	if err != nil {
		return nil, err
	}

	c.install(sess)
	return sess, nil
}

// SignOut drops the session and notifies subscribers with nil.
func (c *Client) SignOut(ctx context.Context) {
	c.install(nil)
}

// Session returns the current session, refreshing it first when it is close
// to expiry.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	if current == nil {
		return nil, nil
	}
	if !current.Expired(refreshSkew) {
		return current, nil
	}

	sess, err := c.Refresh(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Session refresh failed")
		return nil, err
	}
	return sess, nil
}

// OnChange registers a session-change callback and returns an unsubscribe func.
func (c *Client) OnChange(fn func(*Session)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Client) install(sess *Session) {
	c.mu.Lock()
	c.current = sess
	subs := make([]func(*Session), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(sess)
	}
}

func (c *Client) tokenRequest(ctx context.Context, grantType string, body map[string]string) (*Session, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/auth/v1/token?grant_type=%s", c.baseURL, grantType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("auth response malformed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := tr.ErrorDescription
		if msg == "" {
			msg = tr.Error
		}
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("auth rejected: %s", msg)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("auth response missing access token")
	}

	return &Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		UserID:       tr.User.ID,
		Email:        tr.User.Email,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
