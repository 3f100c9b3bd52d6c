package messaging

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/AvitoAssistant/internal/models"
)

// DecodeWebhook extracts the message event from an Avito messenger v3
// webhook body. Ids may arrive as numbers or strings and are normalized to
// strings. Anything other than a message payload is ErrInvalidInput.
func DecodeWebhook(body []byte) (models.InboundEvent, error) {
	if !gjson.ValidBytes(body) {
		return models.InboundEvent{}, fmt.Errorf("%w: webhook body is not JSON", models.ErrInvalidInput)
	}
	payload := gjson.GetBytes(body, "payload")
	if t := payload.Get("type").String(); t != "message" {
		return models.InboundEvent{}, fmt.Errorf("%w: unsupported payload type %q", models.ErrInvalidInput, t)
	}
	v := payload.Get("value")
	if !v.IsObject() {
		return models.InboundEvent{}, fmt.Errorf("%w: payload has no value", models.ErrInvalidInput)
	}

	ev := models.InboundEvent{
		MessageID:          v.Get("id").String(),
		ChatID:             v.Get("chat_id").String(),
		AuthorID:           v.Get("author_id").String(),
		RecipientAccountID: v.Get("user_id").String(),
		MessageType:        v.Get("type").String(),
		Text:               strings.TrimSpace(v.Get("content.text").String()),
		ListingID:          v.Get("item_id").String(),
	}
	if ev.ListingID == "0" {
		ev.ListingID = ""
	}
	return ev, nil
}
