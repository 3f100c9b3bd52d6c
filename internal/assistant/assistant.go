package assistant

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/AvitoAssistant/internal/conversation"
	"github.com/BTreeMap/AvitoAssistant/internal/genai"
	"github.com/BTreeMap/AvitoAssistant/internal/models"
)

// Conversations resolves threads and the instructions for the next run.
type Conversations interface {
	GetOrCreateThread(ctx context.Context, chatID string) (string, error)
	EffectiveInstructions(ctx context.Context) string
}

// Opts holds configuration for an Assistant.
type Opts struct {
	Deadline     time.Duration
	PollInterval time.Duration
	ReplyPrefix  string
	Clock        Clock
}

// Option configures an Assistant.
type Option func(*Opts)

// WithDeadline sets the run polling deadline.
func WithDeadline(d time.Duration) Option {
	return func(o *Opts) { o.Deadline = d }
}

// WithReplyPrefix sets the text prepended to every reply.
func WithReplyPrefix(prefix string) Option {
	return func(o *Opts) { o.ReplyPrefix = prefix }
}

// WithAssistantClock injects the clock used by the orchestrator.
func WithAssistantClock(c Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithAssistantPollInterval overrides the orchestrator poll interval.
func WithAssistantPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

// Assistant turns a buyer message into a reply.
type Assistant struct {
	conversations Conversations
	orchestrator  *Orchestrator
	extractor     *Extractor
	deadline      time.Duration
}

// New creates an Assistant.
func New(conversations Conversations, backend genai.ThreadBackend, opts ...Option) *Assistant {
	cfg := Opts{Deadline: DefaultDeadline, PollInterval: DefaultPollInterval, Clock: RealClock}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Assistant{
		conversations: conversations,
		orchestrator:  NewOrchestrator(backend, WithClock(cfg.Clock), WithPollInterval(cfg.PollInterval)),
		extractor:     NewExtractor(backend, cfg.ReplyPrefix),
		deadline:      cfg.Deadline,
	}
}

// Reply produces the reply for one buyer message on chatID.
//
// ErrInvalidInput is returned with an empty reply and the event should be
// dropped. Backend failures still yield a sendable fallback reply; the error
// is returned alongside it for logging.
func (a *Assistant) Reply(ctx context.Context, chatID, buyerText string, listing *models.ListingContext) (string, error) {
	message, err := conversation.BuildMessage(buyerText, chatID, listing)
	if err != nil {
		return "", err
	}

	threadID, err := a.conversations.GetOrCreateThread(ctx, chatID)
	if err != nil {
		if errors.Is(err, models.ErrInvalidInput) {
			return "", err
		}
		slog.Error("Assistant.Reply: thread unavailable, sending fallback", "chat_id", chatID, "error", err)
		return a.fallback(), err
	}

	instructions := a.conversations.EffectiveInstructions(ctx)
	run, err := a.orchestrator.RunAndWait(ctx, threadID, message, instructions, a.deadline)
	if err != nil {
		if errors.Is(err, models.ErrInvalidInput) {
			return "", err
		}
		slog.Error("Assistant.Reply: run failed, sending fallback", "chat_id", chatID, "thread_id", threadID,
			"run_id", run.RunID, "error", err)
		return a.fallback(), err
	}
	if run.TimedOut {
		slog.Warn("Assistant.Reply: soft timeout", "chat_id", chatID, "thread_id", threadID, "run_id", run.RunID,
			"status", run.Status, "error", run.Err())
	}

	reply := a.extractor.ExtractReply(ctx, threadID, run)
	slog.Info("Assistant.Reply: reply ready", "chat_id", chatID, "thread_id", threadID, "run_id", run.RunID,
		"status", run.Status, "length", len([]rune(reply)))
	return reply, nil
}

func (a *Assistant) fallback() string {
	return Sanitize("", a.extractor.prefix)
}
