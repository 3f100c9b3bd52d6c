package conversation

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/AvitoAssistant/internal/models"
)

// ListingBaseURL is the canonical listing URL prefix.
const ListingBaseURL = "https://avito.ru/"

// BuildMessage assembles the user turn appended to a thread: the buyer text,
// a provenance line naming the chat and, when listing is non-nil, a listing
// context block. Missing listing fields render as "-".
func BuildMessage(buyerText, chatID string, listing *models.ListingContext) (string, error) {
	if strings.TrimSpace(buyerText) == "" {
		return "", fmt.Errorf("%w: buyer text is blank", models.ErrInvalidInput)
	}
	if strings.TrimSpace(chatID) == "" {
		return "", fmt.Errorf("%w: chat id is required", models.ErrInvalidInput)
	}

	var b strings.Builder
	b.WriteString(buyerText)
	b.WriteString("\n\n[Источник: Авито-чат ")
	b.WriteString(chatID)
	b.WriteString("]")
	if listing != nil {
		fmt.Fprintf(&b, "\nКонтекст объявления: \"%s\" | Цена: %s | URL: %s\n",
			listing.Title, orDash(listing.PriceDisplay), orDash(listing.URL))
	}
	return b.String(), nil
}

// ListingFromItemID returns the listing context available from a webhook
// event, which carries only the item id. It returns nil for a blank id.
func ListingFromItemID(itemID string) *models.ListingContext {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return nil
	}
	return &models.ListingContext{URL: ListingBaseURL + itemID}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
