package avito

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/AvitoAssistant/internal/models"
)

// fakeAvito is a minimal Avito API.
type fakeAvito struct {
	tokenCalls atomic.Int32
	expiresIn  int
	rejectNext atomic.Bool

	mu   sync.Mutex
	sent []string
	read []string
}

func (f *fakeAvito) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "client_credentials" || r.PostForm.Get("client_id") != "id" {
			t.Errorf("unexpected token form %v", r.PostForm)
		}
		n := f.tokenCalls.Add(1)
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":%d,"token_type":"Bearer"}`, n, f.expiresIn)
	})
	mux.HandleFunc("POST /messenger/v1/accounts/{account}/chats/{chat}/messages", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		var body struct {
			Type    string `json:"type"`
			Message struct {
				Text string `json:"text"`
			} `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Type != "text" {
			t.Errorf("unexpected send body %+v err=%v", body, err)
		}
		f.mu.Lock()
		f.sent = append(f.sent, r.PathValue("account")+"/"+r.PathValue("chat")+":"+body.Message.Text)
		f.mu.Unlock()
		io.WriteString(w, `{"id":"m1"}`)
	})
	mux.HandleFunc("POST /messenger/v1/accounts/{account}/chats/{chat}/read", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		f.mu.Lock()
		f.read = append(f.read, r.PathValue("account")+"/"+r.PathValue("chat"))
		f.mu.Unlock()
		io.WriteString(w, `{"ok":true}`)
	})
	mux.HandleFunc("POST /messenger/v3/webhook", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		io.WriteString(w, `{"ok":true}`)
	})
	mux.HandleFunc("GET /core/v1/accounts/self", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		io.WriteString(w, `{"id":424242,"name":"Магазин"}`)
	})
	mux.HandleFunc("GET /messenger/v2/accounts/{account}/chats", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		if r.URL.Query().Get("limit") != "100" || r.URL.Query().Get("chat_types") != "u2i" {
			t.Errorf("unexpected chats query %s", r.URL.RawQuery)
		}
		io.WriteString(w, `{"chats":[
			{"id":"c1","context":{"type":"item","value":{"id":987,"title":"Велосипед","url":"https://avito.ru/987"}},
			 "users":[{"id":1,"name":"Покупатель"},{"id":424242}]},
			{"id":"c2","title":"Пустой"}
		]}`)
	})
	mux.HandleFunc("GET /messenger/v3/accounts/{account}/chats/{chat}/messages/", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		if r.PathValue("chat") == "c2" {
			io.WriteString(w, `{"messages":[]}`)
			return
		}
		io.WriteString(w, `{"messages":[
			{"id":"m2","author_id":424242,"created":1700000060,"type":"text","content":{"text":"Да, в наличии"}},
			{"id":"m1","author_id":1,"created":1700000000,"type":"text","content":{"text":"Здравствуйте!\nЕщё продаёте?"}}
		]}`)
	})
	return mux
}

func (f *fakeAvito) authorized(w http.ResponseWriter, r *http.Request) bool {
	if f.rejectNext.CompareAndSwap(true, false) || !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer tok-") {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":"invalid token"}`)
		return false
	}
	return true
}

func newTestClient(t *testing.T, f *fakeAvito) (*Client, *TokenCache) {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	tokens := NewTokenCache(srv.Client(), srv.URL, "id", "secret")
	c, err := NewClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithTokenProvider(tokens))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c, tokens
}

func TestTokenCache_ReusesUntilNearExpiry(t *testing.T) {
	f := &fakeAvito{expiresIn: 3600}
	_, tokens := newTestClient(t, f)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tokens.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := tokens.Token(ctx)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	second, _ := tokens.Token(ctx)
	if first != second || f.tokenCalls.Load() != 1 {
		t.Errorf("expected cached token, got %q/%q after %d calls", first, second, f.tokenCalls.Load())
	}

	// inside the refresh margin
	now = now.Add(3600*time.Second - RefreshMargin + time.Second)
	third, err := tokens.Token(ctx)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if third == first || f.tokenCalls.Load() != 2 {
		t.Errorf("expected refreshed token, got %q after %d calls", third, f.tokenCalls.Load())
	}
}

func TestTokenCache_ConcurrentRefresh(t *testing.T) {
	f := &fakeAvito{expiresIn: 3600}
	_, tokens := newTestClient(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tokens.Token(context.Background()); err != nil {
				t.Errorf("Token failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := f.tokenCalls.Load(); n < 1 || n > 2 {
		t.Errorf("expected refreshes to be shared, got %d token calls", n)
	}
}

func TestTokenCache_MissingCredentials(t *testing.T) {
	tokens := NewTokenCache(nil, "http://127.0.0.1:1", "", "")
	if _, err := tokens.Token(context.Background()); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestClient_SendText(t *testing.T) {
	f := &fakeAvito{expiresIn: 3600}
	c, _ := newTestClient(t, f)
	if err := c.SendText(context.Background(), "424242", "c1", "Здравствуйте!"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if len(f.sent) != 1 || f.sent[0] != "424242/c1:Здравствуйте!" {
		t.Errorf("unexpected sent messages %v", f.sent)
	}
	if err := c.SendText(context.Background(), "", "c1", "x"); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestClient_MarkRead(t *testing.T) {
	f := &fakeAvito{expiresIn: 3600}
	c, _ := newTestClient(t, f)
	if err := c.MarkRead(context.Background(), "424242", "c1"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if len(f.read) != 1 || f.read[0] != "424242/c1" {
		t.Errorf("unexpected read calls %v", f.read)
	}
	if err := c.MarkRead(context.Background(), "424242", ""); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestClient_RetriesOnceAfterUnauthorized(t *testing.T) {
	f := &fakeAvito{expiresIn: 3600}
	c, tokens := newTestClient(t, f)
	if _, err := tokens.Token(context.Background()); err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	f.rejectNext.Store(true)

	id, err := c.AccountID(context.Background())
	if err != nil {
		t.Fatalf("AccountID failed: %v", err)
	}
	if id != "424242" {
		t.Errorf("expected 424242, got %q", id)
	}
	if f.tokenCalls.Load() != 2 {
		t.Errorf("expected token refresh after 401, got %d token calls", f.tokenCalls.Load())
	}
}

func TestClient_ErrorTaxonomy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			io.WriteString(w, `{"access_token":"tok-1","expires_in":3600}`)
			return
		}
		if strings.Contains(r.URL.Path, "missing") {
			http.Error(w, `{"error":"chat not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()
	c, err := NewClient(WithBaseURL(srv.URL), WithTokenProvider(NewTokenCache(srv.Client(), srv.URL, "id", "secret")))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	err = c.SendText(context.Background(), "1", "missing", "x")
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	err = c.SendText(context.Background(), "1", "c1", "x")
	var apiErr *APIError
	if !errors.Is(err, models.ErrBackendUnavailable) || !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502 APIError, got %v", err)
	}
}

func TestClient_DialogsDump(t *testing.T) {
	f := &fakeAvito{expiresIn: 3600}
	c, _ := newTestClient(t, f)

	dump, err := c.DialogsDump(context.Background(), "424242", time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("DialogsDump failed: %v", err)
	}
	for _, want := range []string{
		"Avito dialogs dump (account 424242), generated 2025-03-01 10:00:00 UTC",
		"Всего чатов: 2",
		"CHAT c1 | Велосипед",
		"Товар: https://avito.ru/987",
		"Участники: Покупатель, user:424242",
		"[2023-11-14 22:13:20] id=m1 author=1 type=text: Здравствуйте!\n    Ещё продаёте?",
		"id=m2 author=424242 type=text: Да, в наличии",
		"CHAT c2 | Пустой\n(сообщений нет)",
	} {
		if !strings.Contains(dump, want) {
			t.Errorf("dump missing %q:\n%s", want, dump)
		}
	}
	// oldest first
	if strings.Index(dump, "id=m1") > strings.Index(dump, "id=m2") {
		t.Error("messages must be ordered oldest first")
	}
}

func TestClampLimit(t *testing.T) {
	for in, want := range map[int]int{-5: 1, 0: 1, 50: 50, 100: 100, 500: 100} {
		if got := clampLimit(in); got != want {
			t.Errorf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
