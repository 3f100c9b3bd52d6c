package avito

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const tsLayout = "2006-01-02 15:04:05"

// DialogsDump renders every chat of accountID with its full message history
// as a plain-text transcript, oldest message first within each chat.
func (c *Client) DialogsDump(ctx context.Context, accountID string, now time.Time) (string, error) {
	var chats []gjson.Result
	for offset := 0; ; offset += MaxPageSize {
		batch, err := c.ListChats(ctx, accountID, MaxPageSize, offset)
		if err != nil {
			return "", err
		}
		chats = append(chats, batch...)
		if len(batch) < MaxPageSize {
			break
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Avito dialogs dump (account %s), generated %s UTC\n", accountID, now.UTC().Format(tsLayout))
	fmt.Fprintf(&b, "Всего чатов: %d\n\n", len(chats))

	for _, chat := range chats {
		chatID := firstString(chat, "id", "chat_id", "chatId")
		if chatID == "" {
			continue
		}
		b.WriteString(strings.Repeat("=", 80) + "\n")
		header := "CHAT " + chatID
		if title := chatTitle(chat); title != "" {
			header += " | " + title
		}
		b.WriteString(header + "\n")
		if itemURL := chatItemURL(chat); itemURL != "" {
			b.WriteString("Товар: " + itemURL + "\n")
		}
		if parts := chatParticipants(chat); len(parts) > 0 {
			b.WriteString("Участники: " + strings.Join(parts, ", ") + "\n")
		}

		var messages []gjson.Result
		for offset := 0; ; offset += MaxPageSize {
			batch, err := c.ListMessages(ctx, accountID, chatID, MaxPageSize, offset)
			if err != nil {
				return "", err
			}
			messages = append(messages, batch...)
			if len(batch) < MaxPageSize {
				break
			}
		}
		if len(messages) == 0 {
			b.WriteString("(сообщений нет)\n\n")
			continue
		}
		sort.SliceStable(messages, func(i, j int) bool { return messageTS(messages[i]) < messageTS(messages[j]) })
		for _, m := range messages {
			writeMessage(&b, m)
		}
		b.WriteString("\n")
	}

	if len(chats) == 0 {
		b.WriteString("Чаты не найдены или недоступны.\n")
	}
	return strings.TrimSpace(b.String()) + "\n", nil
}

func writeMessage(b *strings.Builder, m gjson.Result) {
	parts := []string{"[" + formatTS(firstRaw(m, "created", "timestamp", "created_at")) + "]"}
	if id := firstString(m, "id", "message_id"); id != "" {
		parts = append(parts, "id="+id)
	}
	author := firstString(m, "author_id", "user_id", "authorId")
	if author == "" {
		author = "?"
	}
	parts = append(parts, "author="+author)
	msgType := firstString(m, "type", "message_type")
	if msgType == "" {
		msgType = "?"
	}
	parts = append(parts, "type="+msgType)
	if dir := m.Get("direction").String(); dir != "" {
		parts = append(parts, "direction="+dir)
	}
	prefix := strings.Join(parts, " ")

	text := strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(messageText(m))
	lines := strings.Split(text, "\n")
	if lines[0] != "" {
		b.WriteString(prefix + ": " + lines[0] + "\n")
	} else {
		b.WriteString(prefix + ":\n")
	}
	for _, extra := range lines[1:] {
		b.WriteString("    " + extra + "\n")
	}
	if att := m.Get("attachments"); att.Exists() && att.Raw != "null" && att.Raw != "[]" {
		b.WriteString("    attachments: " + att.Raw + "\n")
	}
}

func chatTitle(chat gjson.Result) string {
	if t := chat.Get("title").String(); t != "" {
		return t
	}
	ctx := chat.Get("context")
	if ctx.IsObject() {
		if t := firstString(ctx.Get("value"), "title", "name"); t != "" {
			return t
		}
		return firstString(ctx, "title", "name")
	}
	if ctx.Type == gjson.String {
		return ctx.String()
	}
	return ""
}

func chatItemURL(chat gjson.Result) string {
	if id := firstString(chat, "item_id", "itemId"); id != "" {
		return "https://avito.ru/" + id
	}
	value := chat.Get("context.value")
	if u := value.Get("url").String(); u != "" {
		return u
	}
	if id := firstString(value, "id", "item_id"); id != "" {
		return "https://avito.ru/" + id
	}
	return ""
}

func chatParticipants(chat gjson.Result) []string {
	var out []string
	chat.Get("users").ForEach(func(_, u gjson.Result) bool {
		if !u.IsObject() {
			return true
		}
		name := firstString(u, "name", "user_name", "login")
		if name == "" && u.Get("id").Exists() {
			name = "user:" + u.Get("id").String()
		}
		if name != "" {
			out = append(out, name)
		}
		return true
	})
	return out
}

func messageText(m gjson.Result) string {
	content := m.Get("content")
	switch {
	case content.IsObject():
		if t := content.Get("text"); t.Type == gjson.String {
			return t.String()
		}
		for _, path := range []string{"message.text", "message.body", "message.description", "payload.text", "payload.body"} {
			if t := content.Get(path); t.Type == gjson.String {
				return t.String()
			}
		}
		return content.Raw
	case content.Type == gjson.String:
		return content.String()
	case !content.Exists() || content.Type == gjson.Null:
		return ""
	default:
		return content.Raw
	}
}

func messageTS(m gjson.Result) int64 {
	return firstRaw(m, "created", "timestamp", "created_at").Int()
}

func formatTS(v gjson.Result) string {
	if !v.Exists() || v.String() == "" {
		return "-"
	}
	if v.Type == gjson.Number || isDigits(v.String()) {
		return time.Unix(v.Int(), 0).UTC().Format(tsLayout)
	}
	return v.String()
}

func firstRaw(r gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() && v.Type != gjson.Null && v.String() != "" {
			return v
		}
	}
	return gjson.Result{}
}

func firstString(r gjson.Result, keys ...string) string {
	return firstRaw(r, keys...).String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
