// Package authority implements the HTTP client for the remote authority
// service, the last-writer-visible source of truth for sessions when nodes
// disagree. Requests carry a short-lived HS256 bearer token identifying
// the calling node plus an explicit node identifier header.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/statemesh/statemesh/sessionsync"
)

// NodeIDHeader carries the calling node's identifier.
const NodeIDHeader = "X-Node-ID"

// Config for the authority client. Defaults can be loaded via envdecode.
type Config struct {
	// BaseURL of the authority service, like "https://authority.internal".
	// ENV: AUTHORITY_URL
	BaseURL string `env:"AUTHORITY_URL"`
	// SigningKey is the shared HS256 secret for minting bearer tokens.
	// ENV: AUTHORITY_SIGNING_KEY
	SigningKey string `env:"AUTHORITY_SIGNING_KEY"`
	// NodeID identifies this node to the authority. ENV: NODE_ID
	NodeID string `env:"NODE_ID"`
	// TokenTTL bounds the lifetime of each minted bearer token.
	// ENV: AUTHORITY_TOKEN_TTL
	TokenTTL time.Duration `env:"AUTHORITY_TOKEN_TTL,default=1m"`
	// RequestTimeout bounds each HTTP call. ENV: AUTHORITY_TIMEOUT
	RequestTimeout time.Duration `env:"AUTHORITY_TIMEOUT,default=10s"`

	// HTTPClient overrides the transport; nil selects a client with
	// RequestTimeout applied.
	HTTPClient *http.Client
}

// Client talks to the authority. It implements sessionsync.Authority.
type Client struct {
	baseURL    string
	signingKey []byte
	nodeID     string
	tokenTTL   time.Duration
	http       *http.Client
}

// New creates an authority client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("authority base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse authority url: %w", err)
	}
	if cfg.SigningKey == "" {
		return nil, fmt.Errorf("authority signing key is required")
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Minute
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		signingKey: []byte(cfg.SigningKey),
		nodeID:     cfg.NodeID,
		tokenTTL:   cfg.TokenTTL,
		http:       httpClient,
	}, nil
}

// Fetch retrieves the authority's copy of a session. Returns
// sessionsync.ErrNotFound when the authority has no record of it.
func (c *Client) Fetch(ctx context.Context, sessionID string) (*sessionsync.SessionContext, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch session %s: %w", sessionID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var sess sessionsync.SessionContext
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&sess); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
		}
		return &sess, nil
	case http.StatusNotFound:
		return nil, sessionsync.ErrNotFound
	default:
		return nil, fmt.Errorf("fetch session %s: authority returned %d", sessionID, resp.StatusCode)
	}
}

// Store writes the full session record to the authority.
func (c *Client) Store(ctx context.Context, sess *sessionsync.SessionContext) error {
	body, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.SessionID, err)
	}

	req, err := c.newRequest(ctx, http.MethodPut, "/session", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("store session %s: %w", sess.SessionID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("store session %s: authority returned %d", sess.SessionID, resp.StatusCode)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	token, err := c.mintToken()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(NodeIDHeader, c.nodeID)
	return req, nil
}

// mintToken signs a short-lived HS256 credential carrying the node ID.
func (c *Client) mintToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   c.nodeID,
		Audience:  jwt.ClaimStrings{"authority"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign bearer token: %w", err)
	}
	return token, nil
}

var _ sessionsync.Authority = (*Client)(nil)
