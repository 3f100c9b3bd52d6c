// Package conversation maps Avito chats onto AI conversation threads and
// assembles the text that is appended to those threads.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/AvitoAssistant/internal/models"
	"github.com/BTreeMap/AvitoAssistant/internal/store"
)

// DefaultSellerProfile is used when no seller profile is configured.
const DefaultSellerProfile = "Вы — вежливый ассистент продавца. Коротко и по делу."

const personaTemplate = "Ты — ассистент продавца на Авито. Отвечай кратко (1–3 предложения), " +
	"без маркетинговых штампов, с уважением на «Вы». Если клиент задаёт цену — не торопись её " +
	"называть, уточни детали. Если просит телефон — предложи продолжить в чате или оставить номер. " +
	"Если вопрос не по теме — мягко верни к товару/услуге.\n\n" +
	"Профиль продавца:\n%s\n"

// ComposeSellerProfile builds a seller profile from its parts, skipping
// blank ones. It returns "" when every part is blank.
func ComposeSellerProfile(name, about, rules, faq string) string {
	var parts []string
	if v := strings.TrimSpace(name); v != "" {
		parts = append(parts, "Название/бренд: "+v)
	}
	if v := strings.TrimSpace(about); v != "" {
		parts = append(parts, "О нас: "+v)
	}
	if v := strings.TrimSpace(rules); v != "" {
		parts = append(parts, "Правила общения:\n"+v)
	}
	if v := strings.TrimSpace(faq); v != "" {
		parts = append(parts, "FAQ:\n"+v)
	}
	return strings.Join(parts, "\n\n")
}

// DefaultInstructions renders the default persona prompt for a seller profile.
func DefaultInstructions(sellerProfile string) string {
	if strings.TrimSpace(sellerProfile) == "" {
		sellerProfile = DefaultSellerProfile
	}
	return fmt.Sprintf(personaTemplate, sellerProfile)
}

// ThreadCreator creates conversation threads on the AI backend.
type ThreadCreator interface {
	CreateThread(ctx context.Context) (string, error)
}

// Opts holds configuration for a Manager.
type Opts struct {
	SellerProfile     string
	BotEnabledDefault bool
	Now               func() time.Time
}

// Option configures a Manager.
type Option func(*Opts)

// WithSellerProfile sets the seller profile embedded in the default persona.
func WithSellerProfile(profile string) Option {
	return func(o *Opts) { o.SellerProfile = profile }
}

// WithBotEnabledDefault sets the bot switch value used when none is persisted.
func WithBotEnabledDefault(enabled bool) Option {
	return func(o *Opts) { o.BotEnabledDefault = enabled }
}

// WithNow overrides the clock used to stamp new bindings.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Manager owns chat bindings and the operator settings.
type Manager struct {
	store             store.Store
	threads           ThreadCreator
	defaultPersona    string
	botEnabledDefault bool
	now               func() time.Time
}

// NewManager creates a Manager over st, creating threads through threads.
func NewManager(st store.Store, threads ThreadCreator, opts ...Option) *Manager {
	cfg := Opts{BotEnabledDefault: true, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{
		store:             st,
		threads:           threads,
		defaultPersona:    DefaultInstructions(cfg.SellerProfile),
		botEnabledDefault: cfg.BotEnabledDefault,
		now:               cfg.Now,
	}
}

// GetOrCreateThread returns the thread bound to chatID, creating and
// persisting one on first contact. If two callers race on first contact the
// binding that reached storage first is returned to both.
func (m *Manager) GetOrCreateThread(ctx context.Context, chatID string) (string, error) {
	if strings.TrimSpace(chatID) == "" {
		return "", fmt.Errorf("%w: chat id is required", models.ErrInvalidInput)
	}

	existing, err := m.store.GetChatBinding(chatID)
	if err != nil {
		return "", fmt.Errorf("%w: read binding: %v", models.ErrBackendUnavailable, err)
	}
	if existing != nil {
		slog.Debug("Manager.GetOrCreateThread: existing binding", "chat_id", chatID, "thread_id", existing.ThreadID)
		return existing.ThreadID, nil
	}

	threadID, err := m.threads.CreateThread(ctx)
	if err != nil {
		slog.Error("Manager.GetOrCreateThread: thread creation failed", "chat_id", chatID, "error", err)
		return "", fmt.Errorf("%w: create thread: %v", models.ErrBackendUnavailable, err)
	}

	stored, err := m.store.SaveChatBinding(models.ChatBinding{
		ChatID:    chatID,
		ThreadID:  threadID,
		CreatedAt: m.now().UTC(),
	})
	if err != nil {
		slog.Error("Manager.GetOrCreateThread: persisting binding failed", "chat_id", chatID, "thread_id", threadID, "error", err)
		return "", fmt.Errorf("%w: save binding: %v", models.ErrBackendUnavailable, err)
	}
	slog.Info("Manager.GetOrCreateThread: bound chat to thread", "chat_id", chatID, "thread_id", stored.ThreadID)
	return stored.ThreadID, nil
}

// EffectiveInstructions returns the operator override when it is set and
// non-blank, and the default persona otherwise. A storage failure falls back
// to the default persona so a reply can still be produced.
func (m *Manager) EffectiveInstructions(ctx context.Context) string {
	saved, ok, err := m.store.GetSetting(models.SettingInstructions)
	if err != nil {
		slog.Warn("Manager.EffectiveInstructions: reading override failed, using default persona", "error", err)
		return m.defaultPersona
	}
	if !ok || strings.TrimSpace(saved) == "" {
		return m.defaultPersona
	}
	return saved
}

// Instructions returns the raw stored override, or "" when none is set.
func (m *Manager) Instructions(ctx context.Context) (string, error) {
	saved, _, err := m.store.GetSetting(models.SettingInstructions)
	if err != nil {
		return "", fmt.Errorf("%w: read instructions: %v", models.ErrBackendUnavailable, err)
	}
	return saved, nil
}

// SetInstructions replaces the override. A blank value restores the default persona.
func (m *Manager) SetInstructions(ctx context.Context, value string) error {
	if err := m.store.SetSetting(models.SettingInstructions, value); err != nil {
		return fmt.Errorf("%w: write instructions: %v", models.ErrBackendUnavailable, err)
	}
	slog.Info("Manager.SetInstructions: instructions updated", "length", len(value), "blank", strings.TrimSpace(value) == "")
	return nil
}

// BotEnabled reports the persisted bot switch, or the configured default.
func (m *Manager) BotEnabled(ctx context.Context) (bool, error) {
	v, ok, err := m.store.GetSetting(models.SettingBotEnabled)
	if err != nil {
		return m.botEnabledDefault, fmt.Errorf("%w: read bot switch: %v", models.ErrBackendUnavailable, err)
	}
	if !ok {
		return m.botEnabledDefault, nil
	}
	return v == "1", nil
}

// SetBotEnabled persists the bot switch.
func (m *Manager) SetBotEnabled(ctx context.Context, enabled bool) error {
	v := "0"
	if enabled {
		v = "1"
	}
	if err := m.store.SetSetting(models.SettingBotEnabled, v); err != nil {
		return fmt.Errorf("%w: write bot switch: %v", models.ErrBackendUnavailable, err)
	}
	slog.Info("Manager.SetBotEnabled: bot switch updated", "enabled", enabled)
	return nil
}
