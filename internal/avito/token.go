package avito

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/BTreeMap/AvitoAssistant/internal/models"
)

const (
	// RefreshMargin is how long before expiry a token is replaced.
	RefreshMargin = 60 * time.Second
	// defaultTokenTTL applies when the token response carries no expires_in.
	defaultTokenTTL = 3600 * time.Second
)

// TokenProvider supplies bearer tokens for the Avito API.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// TokenCache holds a client_credentials access token and its expiry.
// Concurrent callers share one refresh.
type TokenCache struct {
	httpClient   *http.Client
	baseURL      string
	clientID     string
	clientSecret string
	now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	group     singleflight.Group
}

// Compile-time check that TokenCache implements TokenProvider.
var _ TokenProvider = (*TokenCache)(nil)

// NewTokenCache creates a cache that exchanges the client credentials at
// baseURL/token. A nil httpClient uses a client with DefaultTimeout.
func NewTokenCache(httpClient *http.Client, baseURL, clientID, clientSecret string) *TokenCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &TokenCache{
		httpClient:   httpClient,
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		now:          time.Now,
	}
}

// Token returns a cached token, refreshing it when it expires within RefreshMargin.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.expiresAt.Sub(c.now()) > RefreshMargin {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	v, err, shared := c.group.Do("token", func() (interface{}, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	if shared {
		slog.Debug("TokenCache.Token: joined in-flight refresh")
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next call refreshes it.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

func (c *TokenCache) refresh(ctx context.Context) (string, error) {
	if c.clientID == "" || c.clientSecret == "" {
		return "", fmt.Errorf("%w: AVITO_CLIENT_ID / AVITO_CLIENT_SECRET not set", models.ErrInvalidInput)
	}
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := do(c.httpClient, req)
	if err != nil {
		slog.Error("TokenCache.refresh: token request failed", "error", err)
		return "", err
	}
	res := gjson.ParseBytes(body)
	tok := res.Get("access_token").String()
	if tok == "" {
		return "", &APIError{Method: req.Method, URL: req.URL.String(), StatusCode: http.StatusOK, Body: "no access_token in response"}
	}
	ttl := defaultTokenTTL
	if secs := res.Get("expires_in").Int(); secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}

	c.mu.Lock()
	c.token = tok
	c.expiresAt = c.now().Add(ttl)
	c.mu.Unlock()
	slog.Info("TokenCache.refresh: token refreshed", "expires_in", ttl)
	return tok, nil
}
