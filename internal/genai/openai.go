package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/AvitoAssistant/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultRequestTimeout bounds every individual backend call, independent of
// the run polling deadline.
const DefaultRequestTimeout = 20 * time.Second

// DefaultAssistantModel is used when an assistant has to be created.
const DefaultAssistantModel = string(openai.ChatModelGPT4oMini)

// Opts holds configuration for the OpenAI-backed client.
type Opts struct {
	APIKey         string
	BaseURL        string
	AssistantID    string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Option configures the client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL overrides the API base URL (tests, proxies).
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithAssistantID sets the assistant that runs are started against.
func WithAssistantID(id string) Option {
	return func(o *Opts) { o.AssistantID = id }
}

// WithRequestTimeout sets the per-call timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client implements ThreadBackend and KnowledgeBackend over openai-go.
type Client struct {
	client      openai.Client
	assistantID string
}

// Compile-time checks that Client implements both backend ports.
var (
	_ ThreadBackend    = (*Client)(nil)
	_ KnowledgeBackend = (*Client)(nil)
)

// NewClient creates a client. The API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{RequestTimeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: OpenAI API key not set", models.ErrInvalidInput)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.RequestTimeout),
		// Nothing in the reply path is retried; a retry would eat the polling deadline.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.HTTPClient))
	}

	slog.Debug("genai.NewClient: client configured", "base_url_set", cfg.BaseURL != "",
		"assistant_id", cfg.AssistantID, "request_timeout", cfg.RequestTimeout)
	return &Client{client: openai.NewClient(reqOpts...), assistantID: cfg.AssistantID}, nil
}

// AssistantID returns the configured assistant id.
func (c *Client) AssistantID() string {
	return c.assistantID
}

// SetAssistantID replaces the assistant id, e.g. after EnsureAssistant created one.
func (c *Client) SetAssistantID(id string) {
	c.assistantID = id
}

// EnsureAssistant creates an assistant from spec when none is configured and returns its id.
func (c *Client) EnsureAssistant(ctx context.Context, spec AssistantSpec) (string, error) {
	if c.assistantID != "" {
		return c.assistantID, nil
	}
	model := spec.Model
	if model == "" {
		model = DefaultAssistantModel
	}
	params := openai.BetaAssistantNewParams{
		Model:        openai.ChatModel(model),
		Name:         openai.String(spec.Name),
		Instructions: openai.String(spec.Instructions),
	}
	if spec.VectorStoreID != "" {
		params.Tools = []openai.AssistantToolUnionParam{{OfFileSearch: &openai.FileSearchToolParam{}}}
		params.ToolResources = openai.BetaAssistantNewParamsToolResources{
			FileSearch: openai.BetaAssistantNewParamsToolResourcesFileSearch{VectorStoreIDs: []string{spec.VectorStoreID}},
		}
	}
	asst, err := c.client.Beta.Assistants.New(ctx, params)
	if err != nil {
		return "", classify("create assistant", err)
	}
	slog.Info("genai.EnsureAssistant: created assistant", "assistant_id", asst.ID)
	c.assistantID = asst.ID
	return asst.ID, nil
}

func (c *Client) CreateThread(ctx context.Context) (string, error) {
	th, err := c.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", classify("create thread", err)
	}
	return th.ID, nil
}

func (c *Client) AppendUserMessage(ctx context.Context, threadID, text string) error {
	_, err := c.client.Beta.Threads.Messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{
		Role:    openai.BetaThreadMessageNewParamsRoleUser,
		Content: openai.BetaThreadMessageNewParamsContentUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return classify("append message", err)
	}
	return nil
}

func (c *Client) CreateRun(ctx context.Context, threadID, additionalInstructions string) (Run, error) {
	if c.assistantID == "" {
		return Run{}, fmt.Errorf("%w: assistant id not configured", models.ErrInvalidInput)
	}
	params := openai.BetaThreadRunNewParams{AssistantID: c.assistantID}
	if additionalInstructions != "" {
		params.AdditionalInstructions = openai.String(additionalInstructions)
	}
	run, err := c.client.Beta.Threads.Runs.New(ctx, threadID, params)
	if err != nil {
		return Run{}, classify("create run", err)
	}
	return toRun(run), nil
}

func (c *Client) GetRun(ctx context.Context, threadID, runID string) (Run, error) {
	run, err := c.client.Beta.Threads.Runs.Get(ctx, threadID, runID)
	if err != nil {
		return Run{}, classify("retrieve run", err)
	}
	return toRun(run), nil
}

func (c *Client) ListMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error) {
	page, err := c.client.Beta.Threads.Messages.List(ctx, threadID, openai.BetaThreadMessageListParams{
		Order: openai.BetaThreadMessageListParamsOrderDesc,
		Limit: openai.Int(int64(limit)),
	})
	if err != nil {
		return nil, classify("list messages", err)
	}
	out := make([]ThreadMessage, 0, len(page.Data))
	for _, m := range page.Data {
		msg := ThreadMessage{ID: m.ID, Role: string(m.Role), RunID: m.RunID}
		for _, part := range m.Content {
			seg := ContentSegment{Type: part.Type}
			if part.Type == "text" {
				seg.Text = part.Text.Value
			}
			msg.Segments = append(msg.Segments, seg)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *Client) UploadFile(ctx context.Context, filename string, data []byte) (StoredFile, error) {
	f, err := c.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(data), filename, "application/octet-stream"),
		Purpose: openai.FilePurposeAssistants,
	})
	if err != nil {
		return StoredFile{}, classify("upload file", err)
	}
	return toStoredFile(f), nil
}

func (c *Client) GetFile(ctx context.Context, fileID string) (StoredFile, error) {
	f, err := c.client.Files.Get(ctx, fileID)
	if err != nil {
		return StoredFile{}, classify("retrieve file", err)
	}
	return toStoredFile(f), nil
}

func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	if _, err := c.client.Files.Delete(ctx, fileID); err != nil {
		return classify("delete file", err)
	}
	return nil
}

func (c *Client) CreateVectorStore(ctx context.Context, name string) (string, error) {
	vs, err := c.client.VectorStores.New(ctx, openai.VectorStoreNewParams{Name: openai.String(name)})
	if err != nil {
		return "", classify("create vector store", err)
	}
	return vs.ID, nil
}

func (c *Client) AttachFile(ctx context.Context, vectorStoreID, fileID string) (IndexedFile, error) {
	vf, err := c.client.VectorStores.Files.New(ctx, vectorStoreID, openai.VectorStoreFileNewParams{FileID: fileID})
	if err != nil {
		return IndexedFile{}, classify("attach file", err)
	}
	return toIndexedFile(vf), nil
}

func (c *Client) GetIndexedFile(ctx context.Context, vectorStoreID, fileID string) (IndexedFile, error) {
	vf, err := c.client.VectorStores.Files.Get(ctx, vectorStoreID, fileID)
	if err != nil {
		return IndexedFile{}, classify("retrieve vector store file", err)
	}
	return toIndexedFile(vf), nil
}

func (c *Client) ListIndexedFiles(ctx context.Context, vectorStoreID string, limit int) ([]IndexedFile, error) {
	page, err := c.client.VectorStores.Files.List(ctx, vectorStoreID, openai.VectorStoreFileListParams{
		Limit: openai.Int(int64(limit)),
	})
	if err != nil {
		return nil, classify("list vector store files", err)
	}
	out := make([]IndexedFile, 0, len(page.Data))
	for i := range page.Data {
		out = append(out, toIndexedFile(&page.Data[i]))
	}
	return out, nil
}

func (c *Client) DetachFile(ctx context.Context, vectorStoreID, fileID string) error {
	if _, err := c.client.VectorStores.Files.Delete(ctx, vectorStoreID, fileID); err != nil {
		return classify("detach file", err)
	}
	return nil
}

func (c *Client) AssistantVectorStores(ctx context.Context) ([]string, error) {
	if c.assistantID == "" {
		return nil, fmt.Errorf("%w: assistant id not configured", models.ErrInvalidInput)
	}
	asst, err := c.client.Beta.Assistants.Get(ctx, c.assistantID)
	if err != nil {
		return nil, classify("retrieve assistant", err)
	}
	return asst.ToolResources.FileSearch.VectorStoreIDs, nil
}

// SetAssistantVectorStores replaces the file_search vector stores and leaves
// every other configured tool in place. file_search is appended to the tool
// list only when the assistant does not have it yet.
func (c *Client) SetAssistantVectorStores(ctx context.Context, vectorStoreIDs []string) error {
	if c.assistantID == "" {
		return fmt.Errorf("%w: assistant id not configured", models.ErrInvalidInput)
	}
	asst, err := c.client.Beta.Assistants.Get(ctx, c.assistantID)
	if err != nil {
		return classify("retrieve assistant", err)
	}

	var reqOpts []option.RequestOption
	if !hasFileSearch(asst.Tools) {
		tools := make([]json.RawMessage, 0, len(asst.Tools)+1)
		for _, t := range asst.Tools {
			tools = append(tools, json.RawMessage(t.RawJSON()))
		}
		tools = append(tools, json.RawMessage(`{"type":"file_search"}`))
		reqOpts = append(reqOpts, option.WithJSONSet("tools", tools))
		slog.Debug("genai.SetAssistantVectorStores: enabling file_search", "assistant_id", c.assistantID, "tools", len(tools))
	}

	_, err = c.client.Beta.Assistants.Update(ctx, c.assistantID, openai.BetaAssistantUpdateParams{
		ToolResources: openai.BetaAssistantUpdateParamsToolResources{
			FileSearch: openai.BetaAssistantUpdateParamsToolResourcesFileSearch{VectorStoreIDs: vectorStoreIDs},
		},
	}, reqOpts...)
	if err != nil {
		return classify("update assistant", err)
	}
	return nil
}

func hasFileSearch(tools []openai.AssistantToolUnion) bool {
	for _, t := range tools {
		if t.Type == "file_search" {
			return true
		}
	}
	return false
}

func toRun(r *openai.Run) Run {
	return Run{
		ID:        r.ID,
		ThreadID:  r.ThreadID,
		Status:    models.RunStatus(r.Status),
		CreatedAt: time.Unix(r.CreatedAt, 0),
		LastError: r.LastError.Message,
	}
}

func toStoredFile(f *openai.FileObject) StoredFile {
	return StoredFile{
		ID:        f.ID,
		Filename:  f.Filename,
		Bytes:     f.Bytes,
		CreatedAt: f.CreatedAt,
		Purpose:   string(f.Purpose),
		Status:    string(f.Status),
	}
}

func toIndexedFile(vf *openai.VectorStoreFile) IndexedFile {
	lastErr := vf.LastError.Message
	if lastErr == "" && vf.LastError.Code != "" {
		lastErr = string(vf.LastError.Code)
	}
	return IndexedFile{
		ID:         vf.ID,
		Status:     string(vf.Status),
		LastError:  lastErr,
		CreatedAt:  vf.CreatedAt,
		UsageBytes: vf.UsageBytes,
	}
}

// classify maps SDK errors onto the shared taxonomy: 404 becomes ErrNotFound,
// everything else (transport, 5xx, rejected requests) ErrBackendUnavailable.
func classify(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s: %v", models.ErrNotFound, op, err)
		}
		return fmt.Errorf("%w: %s: status %d: %s", models.ErrBackendUnavailable, op, apiErr.StatusCode, strings.TrimSpace(apiErr.Message))
	}
	return fmt.Errorf("%w: %s: %v", models.ErrBackendUnavailable, op, err)
}
