package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/AvitoAssistant/internal/knowledge"
	"github.com/BTreeMap/AvitoAssistant/internal/messaging"
	"github.com/BTreeMap/AvitoAssistant/internal/models"
)

// Default server settings.
const (
	DefaultAddr            = ":8000"
	DefaultShutdownTimeout = 15 * time.Second
	maxWebhookBody         = 1 << 20
	maxUploadBody          = 64 << 20
)

// EventSubmitter accepts decoded webhook events.
type EventSubmitter interface {
	Submit(ctx context.Context, ev models.InboundEvent) (messaging.Submission, error)
	Stop(ctx context.Context) error
}

// SettingsStore reads and writes the operator-editable settings.
type SettingsStore interface {
	Instructions(ctx context.Context) (string, error)
	EffectiveInstructions(ctx context.Context) string
	SetInstructions(ctx context.Context, value string) error
	BotEnabled(ctx context.Context) (bool, error)
	SetBotEnabled(ctx context.Context, enabled bool) error
}

// KnowledgeBase manages reference documents.
type KnowledgeBase interface {
	KnownVectorStoreID() (string, error)
	Upload(ctx context.Context, data []byte, displayName string) (models.KnowledgeDocument, error)
	List(ctx context.Context) ([]models.KnowledgeDocument, error)
	Inspect(ctx context.Context, documentID string) (knowledge.Inspection, error)
	Delete(ctx context.Context, documentID string) error
}

// DialogsExporter renders the account's chat history as text.
type DialogsExporter interface {
	DialogsDump(ctx context.Context, accountID string, now time.Time) (string, error)
}

// Deps are the collaborators behind the HTTP surface. Knowledge and Dialogs
// may be nil, in which case their routes answer 503.
type Deps struct {
	Events    EventSubmitter
	Settings  SettingsStore
	Knowledge KnowledgeBase
	Dialogs   DialogsExporter
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr        string // HTTP listen address
	RootPath    string // prefix every route is mounted under
	AdminToken  string // bearer token for admin routes; empty disables auth
	AccountID   string // Avito account used by the dialogs export
	AssistantID string // reported by the settings endpoint
}

// Option defines a function that configures the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRootPath mounts all routes under prefix.
func WithRootPath(prefix string) Option {
	return func(o *Opts) { o.RootPath = prefix }
}

// WithAdminToken requires a bearer token on admin routes.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// WithAccountID sets the Avito account used by the dialogs export.
func WithAccountID(id string) Option {
	return func(o *Opts) { o.AccountID = id }
}

// WithAssistantID sets the assistant id reported by the settings endpoint.
func WithAssistantID(id string) Option {
	return func(o *Opts) { o.AssistantID = id }
}

// Server is the HTTP front of the relay.
type Server struct {
	deps Deps
	cfg  Opts
	now  func() time.Time
}

// NewServer creates a server over deps.
func NewServer(deps Deps, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.RootPath = NormalizeRootPath(cfg.RootPath)
	return &Server{deps: deps, cfg: cfg, now: time.Now}
}

// NormalizeRootPath returns p with a single leading slash and no trailing
// slash, or "" for the root.
func NormalizeRootPath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

// Handler returns the routed handler, mounted under the root path.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/avito-webhook", s.webhookHandler)
	r.Get("/health", s.healthHandler)

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(BearerAuth(s.cfg.AdminToken))
		r.Get("/settings", s.getSettingsHandler)
		r.Put("/settings", s.putSettingsHandler)
		r.Get("/files", s.listFilesHandler)
		r.Post("/files", s.uploadFilesHandler)
		r.Get("/files/{id}", s.inspectFileHandler)
		r.Delete("/files/{id}", s.deleteFileHandler)
		r.Get("/dialogs.txt", s.dialogsHandler)
	})

	if s.cfg.RootPath == "" {
		return r
	}
	root := chi.NewRouter()
	root.Mount(s.cfg.RootPath, r)
	return root
}

// Run serves until ctx is cancelled, then shuts down gracefully and drains
// queued replies.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.cfg.Addr, "root_path", s.cfg.RootPath, "admin_auth", s.cfg.AdminToken != "")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: listener failed", "error", err)
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: HTTP shutdown failed", "error", err)
	}
	if s.deps.Events != nil {
		if err := s.deps.Events.Stop(shutdownCtx); err != nil {
			slog.Warn("Server.Run: pending replies abandoned", "error", err)
		}
	}
	return nil
}
