package conversation

import (
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/AvitoAssistant/internal/models"
)

func TestBuildMessage(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		chatID  string
		listing *models.ListingContext
		want    string
	}{
		{
			name:   "plain",
			text:   "Сколько стоит доставка?",
			chatID: "c1",
			want:   "Сколько стоит доставка?\n\n[Источник: Авито-чат c1]",
		},
		{
			name:    "full listing",
			text:    "Ещё продаёте?",
			chatID:  "u2i-abc",
			listing: &models.ListingContext{Title: "Велосипед", PriceDisplay: "12 000 ₽", URL: "https://avito.ru/123"},
			want:    "Ещё продаёте?\n\n[Источник: Авито-чат u2i-abc]\nКонтекст объявления: \"Велосипед\" | Цена: 12 000 ₽ | URL: https://avito.ru/123\n",
		},
		{
			name:    "listing from item id",
			text:    "Торг уместен?",
			chatID:  "c3",
			listing: ListingFromItemID("987"),
			want:    "Торг уместен?\n\n[Источник: Авито-чат c3]\nКонтекст объявления: \"\" | Цена: - | URL: https://avito.ru/987\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildMessage(tt.text, tt.chatID, tt.listing)
			if err != nil {
				t.Fatalf("BuildMessage failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("BuildMessage() = %q, want %q", got, tt.want)
			}
			if !strings.HasPrefix(got, tt.text) || !strings.Contains(got, tt.chatID) {
				t.Errorf("output must start with the buyer text and name the chat: %q", got)
			}
		})
	}
}

func TestBuildMessage_InvalidInput(t *testing.T) {
	if _, err := BuildMessage(" \n\t", "c1", nil); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for blank text, got %v", err)
	}
	if _, err := BuildMessage("hi", "", nil); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for blank chat id, got %v", err)
	}
}

func TestListingFromItemID_Blank(t *testing.T) {
	if got := ListingFromItemID(""); got != nil {
		t.Errorf("expected nil listing, got %+v", got)
	}
}
