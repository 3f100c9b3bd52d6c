package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/AvitoAssistant/internal/models"
	"github.com/BTreeMap/AvitoAssistant/internal/store"
)

type mockSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (m *mockSender) SendText(ctx context.Context, accountID, chatID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, accountID+"/"+chatID+":"+text)
	return nil
}

func (m *mockSender) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.sent...)
}

type mockReplier struct {
	mu      sync.Mutex
	calls   []string
	listing []*models.ListingContext
	reply   string
	err     error
	delay   time.Duration
}

func (m *mockReplier) Reply(ctx context.Context, chatID, buyerText string, listing *models.ListingContext) (string, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, chatID+":"+buyerText)
	m.listing = append(m.listing, listing)
	if m.reply == "" && m.err == nil {
		return "re: " + buyerText, nil
	}
	return m.reply, m.err
}

type staticSwitch bool

func (s staticSwitch) BotEnabled(ctx context.Context) (bool, error) { return bool(s), nil }

func buyerEvent(id, chatID, text string) models.InboundEvent {
	return models.InboundEvent{MessageID: id, ChatID: chatID, AuthorID: "1", RecipientAccountID: "42", MessageType: "text", Text: text}
}

func stopHandler(t *testing.T, rh *ResponseHandler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rh.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestDecodeWebhook(t *testing.T) {
	body := []byte(`{"id":"evt","version":"v3.0.0","timestamp":1700000000,"payload":{"type":"message","value":{
		"id":"m1","chat_id":"u2i-abc","user_id":424242,"author_id":1001,"created":1700000000,
		"type":"text","chat_type":"u2i","content":{"text":"  Сколько стоит доставка?  "},"item_id":987}}}`)
	ev, err := DecodeWebhook(body)
	if err != nil {
		t.Fatalf("DecodeWebhook failed: %v", err)
	}
	want := models.InboundEvent{MessageID: "m1", ChatID: "u2i-abc", AuthorID: "1001", RecipientAccountID: "424242",
		MessageType: "text", Text: "Сколько стоит доставка?", ListingID: "987"}
	if ev != want {
		t.Errorf("DecodeWebhook() = %+v, want %+v", ev, want)
	}
	if !ev.IsBuyerText() {
		t.Error("expected buyer text event")
	}
}

func TestDecodeWebhook_Invalid(t *testing.T) {
	for name, body := range map[string]string{
		"not json":     `not json`,
		"other type":   `{"payload":{"type":"status","value":{}}}`,
		"no value":     `{"payload":{"type":"message"}}`,
		"empty object": `{}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeWebhook([]byte(body)); !errors.Is(err, models.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestChatQueue_SerialPerChat(t *testing.T) {
	q := NewChatQueue()
	var mu sync.Mutex
	var order []int
	var running, maxRunning int

	for i := 0; i < 5; i++ {
		i := i
		if err := q.Enqueue("c1", func(ctx context.Context) {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			running--
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if maxRunning != 1 {
		t.Errorf("jobs for one chat overlapped (max %d concurrent)", maxRunning)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("jobs ran out of order: %v", order)
		}
	}
	if q.ActiveChats() != 0 {
		t.Errorf("expected idle workers to exit, %d active", q.ActiveChats())
	}
	if err := q.Enqueue("c1", func(context.Context) {}); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped after Stop, got %v", err)
	}
}

func TestChatQueue_ParallelAcrossChats(t *testing.T) {
	q := NewChatQueue()
	release := make(chan struct{})
	started := make(chan string, 2)
	for _, chat := range []string{"a", "b"} {
		chat := chat
		q.Enqueue(chat, func(ctx context.Context) {
			started <- chat
			<-release
		})
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("different chats must not block each other")
		}
	}
	close(release)
	q.Stop(context.Background())
}

func TestChatQueue_RecoversPanics(t *testing.T) {
	q := NewChatQueue()
	ran := false
	q.Enqueue("c1", func(ctx context.Context) { panic("boom") })
	q.Enqueue("c1", func(ctx context.Context) { ran = true })
	q.Stop(context.Background())
	if !ran {
		t.Error("a panicking job must not kill the chat worker")
	}
}

func TestResponseHandler_RepliesInOrder(t *testing.T) {
	replier := &mockReplier{}
	sender := &mockSender{}
	rh := NewResponseHandler(replier, sender, staticSwitch(true))

	ev := buyerEvent("m1", "c1", "Привет")
	ev.ListingID = "987"
	for _, e := range []models.InboundEvent{ev, buyerEvent("m2", "c1", "Есть доставка?")} {
		sub, err := rh.Submit(context.Background(), e)
		if err != nil || sub != SubmissionQueued {
			t.Fatalf("Submit = %s, %v", sub, err)
		}
	}
	stopHandler(t, rh)

	sent := sender.messages()
	if len(sent) != 2 || sent[0] != "42/c1:re: Привет" || sent[1] != "42/c1:re: Есть доставка?" {
		t.Errorf("unexpected sent messages %v", sent)
	}
	if replier.listing[0] == nil || replier.listing[0].URL != "https://avito.ru/987" {
		t.Errorf("expected listing context from item id, got %+v", replier.listing[0])
	}
	if replier.listing[1] != nil {
		t.Errorf("expected no listing context, got %+v", replier.listing[1])
	}
}

func TestResponseHandler_Filters(t *testing.T) {
	tests := []struct {
		name string
		ev   models.InboundEvent
	}{
		{"self authored", models.InboundEvent{ChatID: "c1", AuthorID: "42", RecipientAccountID: "42", MessageType: "text", Text: "hi"}},
		{"non text", models.InboundEvent{ChatID: "c1", AuthorID: "1", RecipientAccountID: "42", MessageType: "image"}},
		{"blank text", models.InboundEvent{ChatID: "c1", AuthorID: "1", RecipientAccountID: "42", MessageType: "text", Text: "  "}},
		{"no chat", models.InboundEvent{AuthorID: "1", RecipientAccountID: "42", MessageType: "text", Text: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			replier := &mockReplier{}
			rh := NewResponseHandler(replier, &mockSender{}, staticSwitch(true))
			sub, err := rh.Submit(context.Background(), tt.ev)
			if err != nil || sub != SubmissionIgnored {
				t.Errorf("Submit = %s, %v", sub, err)
			}
			stopHandler(t, rh)
			if len(replier.calls) != 0 {
				t.Errorf("filtered event reached the replier: %v", replier.calls)
			}
		})
	}
}

func TestResponseHandler_BotDisabled(t *testing.T) {
	replier := &mockReplier{}
	rh := NewResponseHandler(replier, &mockSender{}, staticSwitch(false))
	sub, _ := rh.Submit(context.Background(), buyerEvent("m1", "c1", "hi"))
	stopHandler(t, rh)
	if sub != SubmissionDisabled || len(replier.calls) != 0 {
		t.Errorf("expected disabled submission, got %s with %d calls", sub, len(replier.calls))
	}
}

func TestResponseHandler_Dedup(t *testing.T) {
	repo := store.NewInMemoryStore()
	replier := &mockReplier{}
	sender := &mockSender{}
	rh := NewResponseHandler(replier, sender, staticSwitch(true), WithDedup(repo))

	first, _ := rh.Submit(context.Background(), buyerEvent("m1", "c1", "hi"))
	again, _ := rh.Submit(context.Background(), buyerEvent("m1", "c1", "hi"))
	stopHandler(t, rh)

	if first != SubmissionQueued || again != SubmissionDuplicate {
		t.Errorf("expected queued then duplicate, got %s then %s", first, again)
	}
	if len(sender.messages()) != 1 {
		t.Errorf("expected a single reply, got %v", sender.messages())
	}
}

func TestResponseHandler_DegradedReplyStillSent(t *testing.T) {
	replier := &mockReplier{reply: "Спасибо за сообщение!", err: models.ErrBackendUnavailable}
	sender := &mockSender{}
	rh := NewResponseHandler(replier, sender, staticSwitch(true))
	rh.Submit(context.Background(), buyerEvent("m1", "c1", "hi"))
	stopHandler(t, rh)
	if sent := sender.messages(); len(sent) != 1 || sent[0] != "42/c1:Спасибо за сообщение!" {
		t.Errorf("expected fallback to be sent, got %v", sent)
	}
}

func TestResponseHandler_InvalidInputDropped(t *testing.T) {
	replier := &mockReplier{err: models.ErrInvalidInput}
	sender := &mockSender{}
	rh := NewResponseHandler(replier, sender, staticSwitch(true))
	rh.Submit(context.Background(), buyerEvent("m1", "c1", "hi"))
	stopHandler(t, rh)
	if len(sender.messages()) != 0 {
		t.Errorf("expected nothing sent, got %v", sender.messages())
	}
}

func TestResponseHandler_SendFailureNotRetried(t *testing.T) {
	replier := &mockReplier{}
	sender := &mockSender{err: errors.New("avito: 502")}
	rh := NewResponseHandler(replier, sender, staticSwitch(true), WithDedup(store.NewInMemoryStore()))
	rh.Submit(context.Background(), buyerEvent("m1", "c1", "hi"))
	stopHandler(t, rh)
	if len(replier.calls) != 1 {
		t.Errorf("expected exactly one reply attempt, got %d", len(replier.calls))
	}
}
