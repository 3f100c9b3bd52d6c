package assistant

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/AvitoAssistant/internal/conversation"
	"github.com/BTreeMap/AvitoAssistant/internal/genai"
	"github.com/BTreeMap/AvitoAssistant/internal/models"
	"github.com/BTreeMap/AvitoAssistant/internal/store"
)

// fakeClock advances only when Sleep is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps++
}

// mockBackend scripts run statuses and thread contents.
type mockBackend struct {
	mu sync.Mutex

	threadsCreated int
	appended       []string
	instructions   []string
	statuses       []models.RunStatus // returned by successive GetRun calls; the last one repeats
	polls          int
	messages       []genai.ThreadMessage

	createThreadErr error
	appendErr       error
	createRunErr    error
	getRunErr       error
	listErr         error
}

func (m *mockBackend) CreateThread(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createThreadErr != nil {
		return "", m.createThreadErr
	}
	m.threadsCreated++
	return "thread_" + string(rune('a'+m.threadsCreated-1)), nil
}

func (m *mockBackend) AppendUserMessage(ctx context.Context, threadID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appended = append(m.appended, threadID+"|"+text)
	return nil
}

func (m *mockBackend) CreateRun(ctx context.Context, threadID, additionalInstructions string) (genai.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createRunErr != nil {
		return genai.Run{}, m.createRunErr
	}
	m.instructions = append(m.instructions, additionalInstructions)
	return genai.Run{ID: "run_1", ThreadID: threadID, Status: models.RunStatusQueued}, nil
}

func (m *mockBackend) GetRun(ctx context.Context, threadID, runID string) (genai.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getRunErr != nil {
		return genai.Run{}, m.getRunErr
	}
	i := m.polls
	if i >= len(m.statuses) {
		i = len(m.statuses) - 1
	}
	m.polls++
	return genai.Run{ID: runID, ThreadID: threadID, Status: m.statuses[i]}, nil
}

func (m *mockBackend) ListMessages(ctx context.Context, threadID string, limit int) ([]genai.ThreadMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	if len(m.messages) > limit {
		return m.messages[:limit], nil
	}
	return m.messages, nil
}

func assistantText(parts ...string) genai.ThreadMessage {
	msg := genai.ThreadMessage{ID: "msg_a", Role: "assistant", RunID: "run_1"}
	for _, p := range parts {
		msg.Segments = append(msg.Segments, genai.ContentSegment{Type: "text", Text: p})
	}
	return msg
}

func TestRunAndWait_CompletesAfterPolling(t *testing.T) {
	backend := &mockBackend{statuses: []models.RunStatus{models.RunStatusQueued, models.RunStatusInProgress, models.RunStatusCompleted}}
	clock := newFakeClock()
	o := NewOrchestrator(backend, WithClock(clock))

	run, err := o.RunAndWait(context.Background(), "thread_a", "hello", "be brief", 15*time.Second)
	if err != nil {
		t.Fatalf("RunAndWait failed: %v", err)
	}
	if run.Status != models.RunStatusCompleted || run.TimedOut {
		t.Errorf("expected completed without timeout, got %+v", run)
	}
	if clock.sleeps != 2 {
		t.Errorf("expected 2 sleeps, got %d", clock.sleeps)
	}
	if len(backend.instructions) != 1 || backend.instructions[0] != "be brief" {
		t.Errorf("instructions must be passed per run, got %v", backend.instructions)
	}
	if run.Err() != nil {
		t.Errorf("expected no timeout error, got %v", run.Err())
	}
}

func TestRunAndWait_SoftTimeout(t *testing.T) {
	backend := &mockBackend{statuses: []models.RunStatus{models.RunStatusInProgress}}
	clock := newFakeClock()
	o := NewOrchestrator(backend, WithClock(clock))
	start := clock.Now()

	deadline := 15 * time.Second
	run, err := o.RunAndWait(context.Background(), "thread_a", "hello", "", deadline)
	if err != nil {
		t.Fatalf("soft timeout must not be an error, got %v", err)
	}
	if !run.TimedOut || run.Status != models.RunStatusInProgress {
		t.Errorf("expected timed out in_progress run, got %+v", run)
	}
	if !errors.Is(run.Err(), models.ErrTimeout) {
		t.Errorf("expected ErrTimeout from run.Err, got %v", run.Err())
	}
	elapsed := clock.Now().Sub(start)
	if elapsed < deadline || elapsed > deadline+DefaultPollInterval {
		t.Errorf("expected return within deadline + one interval, elapsed %v", elapsed)
	}
}

func TestRunAndWait_TerminalStatuses(t *testing.T) {
	for _, status := range []models.RunStatus{models.RunStatusFailed, models.RunStatusCancelled, models.RunStatusExpired, models.RunStatusIncomplete} {
		t.Run(string(status), func(t *testing.T) {
			backend := &mockBackend{statuses: []models.RunStatus{status}}
			clock := newFakeClock()
			run, err := NewOrchestrator(backend, WithClock(clock)).RunAndWait(context.Background(), "thread_a", "hi", "", 0)
			if err != nil {
				t.Fatalf("RunAndWait failed: %v", err)
			}
			if run.Status != status || run.TimedOut || clock.sleeps != 0 {
				t.Errorf("expected immediate %s, got %+v after %d sleeps", status, run, clock.sleeps)
			}
		})
	}
}

func TestRunAndWait_BackendErrors(t *testing.T) {
	transport := errors.New("connection reset")
	tests := []struct {
		name    string
		backend *mockBackend
	}{
		{"append", &mockBackend{appendErr: transport, statuses: []models.RunStatus{models.RunStatusCompleted}}},
		{"create run", &mockBackend{createRunErr: transport, statuses: []models.RunStatus{models.RunStatusCompleted}}},
		{"poll", &mockBackend{getRunErr: transport, statuses: []models.RunStatus{models.RunStatusCompleted}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			_, err := NewOrchestrator(tt.backend, WithClock(clock)).RunAndWait(context.Background(), "thread_a", "hi", "", time.Second)
			if !errors.Is(err, models.ErrBackendUnavailable) {
				t.Errorf("expected ErrBackendUnavailable, got %v", err)
			}
			if clock.sleeps != 0 {
				t.Errorf("errors must not be retried, slept %d times", clock.sleeps)
			}
		})
	}
}

func TestExtractReply(t *testing.T) {
	tests := []struct {
		name     string
		messages []genai.ThreadMessage
		listErr  error
		prefix   string
		want     string
	}{
		{
			name:     "joins text segments of latest assistant message",
			messages: []genai.ThreadMessage{assistantText(" Доставка 300 ₽.", "Отправим завтра. "), assistantText("older")},
			want:     "Доставка 300 ₽.\nОтправим завтра.",
		},
		{
			name: "skips user messages and assistant messages without text",
			messages: []genai.ThreadMessage{
				{Role: "user", Segments: []genai.ContentSegment{{Type: "text", Text: "вопрос"}}},
				{Role: "assistant", Segments: []genai.ContentSegment{{Type: "image_file"}}},
				assistantText("ответ"),
			},
			want: "ответ",
		},
		{
			name:     "strips citations",
			messages: []genai.ThreadMessage{assistantText("Гарантия 1 год【4:0†price.pdf】. Возврат 14 дней[3:1†source]")},
			want:     "Гарантия 1 год. Возврат 14 дней",
		},
		{
			name:     "prefix",
			messages: []genai.ThreadMessage{assistantText("Да, в наличии.")},
			prefix:   "🤖 ",
			want:     "🤖 Да, в наличии.",
		},
		{
			name: "fallback when no assistant message",
			want: FallbackReply,
		},
		{
			name:     "fallback when only citations",
			messages: []genai.ThreadMessage{assistantText("【1:2†faq.txt】")},
			want:     FallbackReply,
		},
		{
			name:    "fallback on list error",
			listErr: errors.New("timeout"),
			prefix:  "Бот: ",
			want:    "Бот: " + FallbackReply,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{messages: tt.messages, listErr: tt.listErr}
			got := NewExtractor(backend, tt.prefix).ExtractReply(context.Background(), "thread_a", models.CompletionRun{})
			if got != tt.want {
				t.Errorf("ExtractReply() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractReply_IgnoresEarlierRuns(t *testing.T) {
	previous := assistantText("Доставка стоит 300 рублей.")
	previous.RunID = "run_0"
	backend := &mockBackend{messages: []genai.ThreadMessage{
		{Role: "user", Segments: []genai.ContentSegment{{Type: "text", Text: "А самовывоз?"}}},
		previous,
	}}
	run := models.CompletionRun{ThreadID: "thread_a", RunID: "run_1", Status: models.RunStatusInProgress, TimedOut: true}

	if got := NewExtractor(backend, "").ExtractReply(context.Background(), "thread_a", run); got != FallbackReply {
		t.Errorf("expected fallback instead of the previous answer, got %q", got)
	}

	backend.messages = append([]genai.ThreadMessage{assistantText("Самовывоз бесплатно.")}, backend.messages...)
	if got := NewExtractor(backend, "").ExtractReply(context.Background(), "thread_a", run); got != "Самовывоз бесплатно." {
		t.Errorf("expected the current run's answer, got %q", got)
	}
}

func TestSanitize_TruncatesRunes(t *testing.T) {
	long := strings.Repeat("ж", 1500)
	got := Sanitize(long, "Бот: ")
	if n := utf8.RuneCountInString(got); n != MaxReplyRunes {
		t.Errorf("expected %d runes, got %d", MaxReplyRunes, n)
	}
	if !utf8.ValidString(got) {
		t.Error("truncation split a multi-byte rune")
	}
	if !strings.HasPrefix(got, "Бот: ") {
		t.Error("prefix must survive truncation")
	}

	if got := Sanitize("короткий ответ", ""); got != "короткий ответ" {
		t.Errorf("short text must be untouched, got %q", got)
	}
}

func TestAssistantReply_NewChatScenario(t *testing.T) {
	backend := &mockBackend{
		statuses: []models.RunStatus{models.RunStatusInProgress, models.RunStatusCompleted},
		messages: []genai.ThreadMessage{assistantText("Доставка по городу 300 ₽【4:0†delivery.md】")},
	}
	st := store.NewInMemoryStore()
	conv := conversation.NewManager(st, backend)
	a := New(conv, backend, WithAssistantClock(newFakeClock()))
	ctx := context.Background()

	reply, err := a.Reply(ctx, "c1", "Сколько стоит доставка?", nil)
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if reply == "" || utf8.RuneCountInString(reply) > MaxReplyRunes || strings.Contains(reply, "【") {
		t.Errorf("unexpected reply %q", reply)
	}
	if backend.threadsCreated != 1 {
		t.Errorf("expected one thread, got %d", backend.threadsCreated)
	}
	if len(backend.appended) != 1 || !strings.HasPrefix(backend.appended[0], "thread_a|Сколько стоит доставка?") {
		t.Errorf("unexpected appended turns %v", backend.appended)
	}
	if len(backend.instructions) != 1 || backend.instructions[0] != conversation.DefaultInstructions("") {
		t.Errorf("expected default persona as run instructions, got %v", backend.instructions)
	}

	// second message on the same chat reuses the thread
	backend.polls = 0
	if _, err := a.Reply(ctx, "c1", "А самовывоз?", nil); err != nil {
		t.Fatalf("second Reply failed: %v", err)
	}
	if backend.threadsCreated != 1 {
		t.Errorf("second message must reuse the thread, created %d", backend.threadsCreated)
	}
	if len(backend.appended) != 2 || !strings.HasPrefix(backend.appended[1], "thread_a|") {
		t.Errorf("unexpected appended turns %v", backend.appended)
	}
}

func TestAssistantReply_InstructionEditApplies(t *testing.T) {
	backend := &mockBackend{statuses: []models.RunStatus{models.RunStatusCompleted}}
	conv := conversation.NewManager(store.NewInMemoryStore(), backend)
	a := New(conv, backend, WithAssistantClock(newFakeClock()))
	ctx := context.Background()

	if err := conv.SetInstructions(ctx, "Только про цены."); err != nil {
		t.Fatalf("SetInstructions failed: %v", err)
	}
	if _, err := a.Reply(ctx, "c1", "Привет", nil); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if backend.instructions[0] != "Только про цены." {
		t.Errorf("expected override instructions, got %q", backend.instructions[0])
	}
}

func TestAssistantReply_Degrades(t *testing.T) {
	t.Run("thread creation fails", func(t *testing.T) {
		backend := &mockBackend{createThreadErr: errors.New("dial tcp: refused"), statuses: []models.RunStatus{models.RunStatusCompleted}}
		a := New(conversation.NewManager(store.NewInMemoryStore(), backend), backend, WithReplyPrefix("Бот: "))
		reply, err := a.Reply(context.Background(), "c1", "Есть в наличии?", nil)
		if !errors.Is(err, models.ErrBackendUnavailable) {
			t.Errorf("expected ErrBackendUnavailable alongside the fallback, got %v", err)
		}
		if reply != "Бот: "+FallbackReply {
			t.Errorf("expected fallback reply, got %q", reply)
		}
	})

	t.Run("poll fails", func(t *testing.T) {
		backend := &mockBackend{getRunErr: errors.New("EOF"), statuses: []models.RunStatus{models.RunStatusCompleted}}
		a := New(conversation.NewManager(store.NewInMemoryStore(), backend), backend, WithAssistantClock(newFakeClock()))
		reply, err := a.Reply(context.Background(), "c1", "Есть в наличии?", nil)
		if !errors.Is(err, models.ErrBackendUnavailable) || reply != FallbackReply {
			t.Errorf("expected fallback with ErrBackendUnavailable, got %q, %v", reply, err)
		}
	})

	t.Run("timeout uses available output", func(t *testing.T) {
		backend := &mockBackend{
			statuses: []models.RunStatus{models.RunStatusInProgress},
			messages: []genai.ThreadMessage{assistantText("Частичный ответ")},
		}
		a := New(conversation.NewManager(store.NewInMemoryStore(), backend), backend,
			WithAssistantClock(newFakeClock()), WithDeadline(3*time.Second))
		reply, err := a.Reply(context.Background(), "c1", "Есть в наличии?", nil)
		if err != nil || reply != "Частичный ответ" {
			t.Errorf("expected best-effort reply, got %q, %v", reply, err)
		}
	})
}

func TestAssistantReply_InvalidInputDropped(t *testing.T) {
	backend := &mockBackend{statuses: []models.RunStatus{models.RunStatusCompleted}}
	a := New(conversation.NewManager(store.NewInMemoryStore(), backend), backend)
	reply, err := a.Reply(context.Background(), "c1", "   ", nil)
	if !errors.Is(err, models.ErrInvalidInput) || reply != "" {
		t.Errorf("expected dropped event, got %q, %v", reply, err)
	}
	if backend.threadsCreated != 0 {
		t.Error("no thread should be created for invalid input")
	}
}
