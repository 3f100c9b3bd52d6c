package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/AvitoAssistant/internal/conversation"
	"github.com/BTreeMap/AvitoAssistant/internal/models"
	"github.com/BTreeMap/AvitoAssistant/internal/store"
)

// HandlerOpts holds configuration for a ResponseHandler.
type HandlerOpts struct {
	Dedup       store.DedupRepo
	SendTimeout time.Duration
}

// HandlerOption configures a ResponseHandler.
type HandlerOption func(*HandlerOpts)

// WithDedup records inbound message ids and skips redeliveries.
func WithDedup(repo store.DedupRepo) HandlerOption {
	return func(o *HandlerOpts) { o.Dedup = repo }
}

// WithSendTimeout bounds each outbound send.
func WithSendTimeout(d time.Duration) HandlerOption {
	return func(o *HandlerOpts) { o.SendTimeout = d }
}

// DefaultSendTimeout bounds each outbound send.
const DefaultSendTimeout = 20 * time.Second

// Submission is the outcome of handing an event to the handler.
type Submission string

const (
	SubmissionQueued    Submission = "queued"
	SubmissionIgnored   Submission = "ignored"
	SubmissionDuplicate Submission = "duplicate"
	SubmissionDisabled  Submission = "disabled"
)

// ResponseHandler filters inbound events and answers buyer messages, one
// chat at a time.
type ResponseHandler struct {
	replier     Replier
	sender      Sender
	bot         BotSwitch
	dedup       store.DedupRepo
	queue       *ChatQueue
	sendTimeout time.Duration
}

// NewResponseHandler creates a handler that replies through sender.
func NewResponseHandler(replier Replier, sender Sender, bot BotSwitch, opts ...HandlerOption) *ResponseHandler {
	cfg := HandlerOpts{SendTimeout: DefaultSendTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ResponseHandler{
		replier:     replier,
		sender:      sender,
		bot:         bot,
		dedup:       cfg.Dedup,
		queue:       NewChatQueue(),
		sendTimeout: cfg.SendTimeout,
	}
}

// Submit queues ev for a reply and returns immediately.
func (rh *ResponseHandler) Submit(ctx context.Context, ev models.InboundEvent) (Submission, error) {
	if !ev.IsBuyerText() {
		slog.Debug("ResponseHandler.Submit: event ignored", "chat_id", ev.ChatID, "type", ev.MessageType,
			"self_authored", ev.AuthorID != "" && ev.AuthorID == ev.RecipientAccountID)
		return SubmissionIgnored, nil
	}

	enabled, err := rh.bot.BotEnabled(ctx)
	if err != nil {
		slog.Warn("ResponseHandler.Submit: bot switch unreadable, using default", "error", err)
	}
	if !enabled {
		slog.Debug("ResponseHandler.Submit: bot disabled", "chat_id", ev.ChatID)
		return SubmissionDisabled, nil
	}

	if rh.dedup != nil && ev.MessageID != "" {
		isNew, err := rh.dedup.RecordInbound(ev.MessageID, ev.ChatID)
		if err != nil {
			// a broken dedup table must not stop replies
			slog.Error("ResponseHandler.Submit: recording inbound failed", "message_id", ev.MessageID, "error", err)
		} else if !isNew {
			slog.Info("ResponseHandler.Submit: duplicate delivery skipped", "chat_id", ev.ChatID, "message_id", ev.MessageID)
			return SubmissionDuplicate, nil
		}
	}

	correlationID := uuid.NewString()
	err = rh.queue.Enqueue(ev.ChatID, func(ctx context.Context) {
		rh.process(ctx, ev, correlationID)
	})
	if err != nil {
		return SubmissionIgnored, err
	}
	slog.Debug("ResponseHandler.Submit: event queued", "chat_id", ev.ChatID, "message_id", ev.MessageID, "correlation_id", correlationID)
	return SubmissionQueued, nil
}

func (rh *ResponseHandler) process(ctx context.Context, ev models.InboundEvent, correlationID string) {
	log := slog.With("chat_id", ev.ChatID, "message_id", ev.MessageID, "correlation_id", correlationID)
	started := time.Now()

	reply, err := rh.replier.Reply(ctx, ev.ChatID, ev.Text, conversation.ListingFromItemID(ev.ListingID))
	if errors.Is(err, models.ErrInvalidInput) {
		log.Info("ResponseHandler.process: event dropped", "error", err)
		return
	}
	if err != nil {
		log.Warn("ResponseHandler.process: degraded reply", "error", err)
	}
	if reply == "" {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, rh.sendTimeout)
	defer cancel()
	if err := rh.sender.SendText(sendCtx, ev.RecipientAccountID, ev.ChatID, reply); err != nil {
		log.Error("ResponseHandler.process: sending reply failed", "error", err)
		return
	}
	log.Info("ResponseHandler.process: reply sent", "elapsed", time.Since(started), "length", len([]rune(reply)))

	if rh.dedup != nil && ev.MessageID != "" {
		if err := rh.dedup.MarkProcessed(ev.MessageID); err != nil {
			log.Warn("ResponseHandler.process: marking processed failed", "error", err)
		}
	}
}

// Stop waits for queued replies to finish.
func (rh *ResponseHandler) Stop(ctx context.Context) error {
	return rh.queue.Stop(ctx)
}
