// Package avito is a small client for the Avito messenger HTTP API.
package avito

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/AvitoAssistant/internal/models"
)

const (
	// DefaultBaseURL is the production API root.
	DefaultBaseURL = "https://api.avito.ru"
	// DefaultTimeout bounds each HTTP call.
	DefaultTimeout = 20 * time.Second
	// MaxPageSize is the largest page Avito accepts for chats and messages.
	MaxPageSize = 100
	// maxErrorBody caps how much of an error response is kept.
	maxErrorBody = 2048
)

// APIError is a non-2xx response from Avito.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("avito: %s %s -> %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Unwrap maps the response onto the shared error taxonomy.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return models.ErrNotFound
	}
	return models.ErrBackendUnavailable
}

// Opts holds configuration for a Client.
type Opts struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenProvider
}

// Option configures a Client.
type Option func(*Opts)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithTokenProvider injects the token source.
func WithTokenProvider(p TokenProvider) Option {
	return func(o *Opts) { o.Tokens = p }
}

// Client calls the Avito messenger API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
}

// NewClient creates a Client. A token provider is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("%w: avito token provider not set", models.ErrInvalidInput)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{baseURL: strings.TrimRight(cfg.BaseURL, "/"), http: cfg.HTTPClient, tokens: cfg.Tokens}, nil
}

// SendText posts a text message into a chat on behalf of accountID.
func (c *Client) SendText(ctx context.Context, accountID, chatID, text string) error {
	if accountID == "" || chatID == "" {
		return fmt.Errorf("%w: account id and chat id are required", models.ErrInvalidInput)
	}
	payload := map[string]interface{}{
		"type":    "text",
		"message": map[string]string{"text": text},
	}
	path := fmt.Sprintf("/messenger/v1/accounts/%s/chats/%s/messages", url.PathEscape(accountID), url.PathEscape(chatID))
	if _, err := c.call(ctx, http.MethodPost, path, nil, payload); err != nil {
		slog.Error("Client.SendText: send failed", "chat_id", chatID, "error", err)
		return err
	}
	slog.Debug("Client.SendText: message sent", "chat_id", chatID, "length", len([]rune(text)))
	return nil
}

// MarkRead marks a chat as read.
func (c *Client) MarkRead(ctx context.Context, accountID, chatID string) error {
	if accountID == "" || chatID == "" {
		return fmt.Errorf("%w: account id and chat id are required", models.ErrInvalidInput)
	}
	path := fmt.Sprintf("/messenger/v1/accounts/%s/chats/%s/read", url.PathEscape(accountID), url.PathEscape(chatID))
	_, err := c.call(ctx, http.MethodPost, path, nil, nil)
	return err
}

// SubscribeWebhook registers url as the messenger webhook receiver.
func (c *Client) SubscribeWebhook(ctx context.Context, webhookURL string) (json.RawMessage, error) {
	if strings.TrimSpace(webhookURL) == "" {
		return nil, fmt.Errorf("%w: webhook url is required", models.ErrInvalidInput)
	}
	body, err := c.call(ctx, http.MethodPost, "/messenger/v3/webhook", nil, map[string]string{"url": webhookURL})
	if err != nil {
		return nil, err
	}
	slog.Info("Client.SubscribeWebhook: webhook subscribed", "url", webhookURL)
	return rawJSON(body), nil
}

// Whoami returns the account profile behind the current credentials.
func (c *Client) Whoami(ctx context.Context) (json.RawMessage, error) {
	body, err := c.call(ctx, http.MethodGet, "/core/v1/accounts/self", nil, nil)
	if err != nil {
		return nil, err
	}
	return rawJSON(body), nil
}

// AccountID returns the id field of Whoami.
func (c *Client) AccountID(ctx context.Context) (string, error) {
	me, err := c.Whoami(ctx)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(me, "id").String()
	if id == "" {
		return "", fmt.Errorf("%w: no id in /core/v1/accounts/self response", models.ErrNotFound)
	}
	return id, nil
}

// ListChats returns one page of u2i chats. limit is clamped to 1..MaxPageSize.
func (c *Client) ListChats(ctx context.Context, accountID string, limit, offset int) ([]gjson.Result, error) {
	q := url.Values{
		"limit":      {strconv.Itoa(clampLimit(limit))},
		"offset":     {strconv.Itoa(max(0, offset))},
		"chat_types": {"u2i"},
	}
	body, err := c.call(ctx, http.MethodGet, fmt.Sprintf("/messenger/v2/accounts/%s/chats", url.PathEscape(accountID)), q, nil)
	if err != nil {
		return nil, err
	}
	return listField(body, "chats"), nil
}

// ListMessages returns one page of messages in a chat, newest first.
func (c *Client) ListMessages(ctx context.Context, accountID, chatID string, limit, offset int) ([]gjson.Result, error) {
	q := url.Values{
		"limit":  {strconv.Itoa(clampLimit(limit))},
		"offset": {strconv.Itoa(max(0, offset))},
	}
	path := fmt.Sprintf("/messenger/v3/accounts/%s/chats/%s/messages/", url.PathEscape(accountID), url.PathEscape(chatID))
	body, err := c.call(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, err
	}
	return listField(body, "messages"), nil
}

// call performs an authenticated request. A 401 drops the cached token and
// the request is repeated once with a fresh one.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, payload interface{}) ([]byte, error) {
	var encoded []byte
	if payload != nil {
		var err error
		if encoded, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		var body io.Reader
		if encoded != nil {
			body = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, body)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Accept", "application/json")
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := do(c.http, req)
		var apiErr *APIError
		if attempt == 0 && errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			slog.Warn("Client.call: token rejected, refreshing", "method", method, "path", path)
			c.tokens.Invalidate()
			continue
		}
		return resp, err
	}
}

// do executes req and returns the body of a 2xx response.
func do(hc *http.Client, req *http.Request) ([]byte, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", models.ErrBackendUnavailable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", models.ErrBackendUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &APIError{Method: req.Method, URL: req.URL.Path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// listField returns the array under key, falling back to "result".
func listField(body []byte, key string) []gjson.Result {
	res := gjson.ParseBytes(body)
	list := res.Get(key)
	if !list.IsArray() {
		list = res.Get("result")
	}
	if !list.IsArray() {
		return nil
	}
	return list.Array()
}

func rawJSON(body []byte) json.RawMessage {
	if len(bytes.TrimSpace(body)) == 0 || !gjson.ValidBytes(body) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(body)
}

func clampLimit(limit int) int {
	return min(max(limit, 1), MaxPageSize)
}
