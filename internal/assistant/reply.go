package assistant

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/AvitoAssistant/internal/genai"
	"github.com/BTreeMap/AvitoAssistant/internal/models"
)

const (
	// FallbackReply is sent whenever no usable assistant output exists.
	FallbackReply = "Спасибо за сообщение! Сейчас уточню детали и вернусь с ответом."
	// MaxReplyRunes is the outbound channel limit.
	MaxReplyRunes = 1000
	// messageLookback is how many recent thread messages are scanned.
	messageLookback = 10
)

// citationPattern matches file_search citation markers, in both the
// full-width 【4:0†source】 form and the ASCII [4:0†source] form.
var citationPattern = regexp.MustCompile(`【\d+:[^】]+】|\[\d+:\d+†[^\]]*\]`)

// Extractor selects the assistant output of a run and sanitizes it.
type Extractor struct {
	backend genai.ThreadBackend
	prefix  string
}

// NewExtractor creates an Extractor. prefix is prepended to every reply.
func NewExtractor(backend genai.ThreadBackend, prefix string) *Extractor {
	return &Extractor{backend: backend, prefix: prefix}
}

// ExtractReply returns the sanitized text of the most recent assistant
// message on the thread. It never returns an empty string.
func (e *Extractor) ExtractReply(ctx context.Context, threadID string, run models.CompletionRun) string {
	msgs, err := e.backend.ListMessages(ctx, threadID, messageLookback)
	if err != nil {
		slog.Warn("Extractor.ExtractReply: listing messages failed, using fallback", "thread_id", threadID, "run_id", run.RunID, "error", err)
		return Sanitize("", e.prefix)
	}
	text := latestAssistantText(msgs, run.RunID)
	if text == "" {
		slog.Info("Extractor.ExtractReply: no assistant output", "thread_id", threadID, "run_id", run.RunID,
			"status", run.Status, "timed_out", run.TimedOut)
	}
	return Sanitize(text, e.prefix)
}

// latestAssistantText joins the text segments of the first assistant message
// in msgs that has any. msgs are expected most recent first. When runID is
// set, only messages written by that run count, so an answer from an earlier
// turn is never sent again.
func latestAssistantText(msgs []genai.ThreadMessage, runID string) string {
	for _, m := range msgs {
		if m.Role != "assistant" {
			continue
		}
		if runID != "" && m.RunID != runID {
			continue
		}
		var chunks []string
		for _, seg := range m.Segments {
			if seg.Type == "text" {
				chunks = append(chunks, seg.Text)
			}
		}
		if len(chunks) > 0 {
			return strings.TrimSpace(strings.Join(chunks, "\n"))
		}
	}
	return ""
}

// Sanitize strips citation markers, substitutes the fallback for blank text,
// prepends prefix and truncates to MaxReplyRunes.
func Sanitize(text, prefix string) string {
	text = citationPattern.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		text = FallbackReply
	}
	return truncateRunes(prefix+text, MaxReplyRunes)
}

func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
