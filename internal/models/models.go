// Package models defines the core data structures for AvitoAssistant.
//
// It includes chat bindings, completion runs, knowledge documents and the API
// response envelope, which are shared across modules.
package models

import (
	"strings"
	"time"
)

// Settings keys stored in the settings table.
const (
	// SettingInstructions holds the operator-supplied system prompt override.
	SettingInstructions = "instructions"
	// SettingBotEnabled holds the persisted bot on/off switch ("1" or "0").
	SettingBotEnabled = "bot_enabled"
)

// KV keys stored in the kv table.
const (
	// KVVectorStoreID holds the id of the vector store created by the admin interface.
	KVVectorStoreID = "vector_store_id"
	// KVAssistantID holds the id of an assistant created at startup.
	KVAssistantID = "assistant_id"
)

// ChatBinding maps an external Avito chat to an AI conversation thread.
// It is created on first contact and never mutated afterwards.
type ChatBinding struct {
	ChatID    string    `json:"chat_id"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ListingContext describes the listing a buyer is asking about.
type ListingContext struct {
	Title        string `json:"title"`
	PriceDisplay string `json:"price_display"`
	URL          string `json:"url"`
}

// RunStatus is the lifecycle status of a completion run.
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusInProgress     RunStatus = "in_progress"
	RunStatusRequiresAction RunStatus = "requires_action"
	RunStatusCancelling     RunStatus = "cancelling"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusExpired        RunStatus = "expired"
	RunStatusIncomplete     RunStatus = "incomplete"
)

// IsTerminal reports whether no further status transitions are expected.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusExpired, RunStatusIncomplete:
		return true
	default:
		return false
	}
}

// CompletionRun is the ephemeral state of one AI completion over a thread.
// It is never persisted.
type CompletionRun struct {
	ThreadID  string    `json:"thread_id"`
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	StartedAt time.Time `json:"started_at"`
	// TimedOut is set when the polling deadline elapsed before a terminal status.
	TimedOut bool `json:"timed_out"`
}

// Err returns ErrTimeout for a soft-timed-out run and nil otherwise. It is
// meant for logging; a timed out run is still a usable result.
func (r CompletionRun) Err() error {
	if r.TimedOut {
		return ErrTimeout
	}
	return nil
}

// IndexStatus is the retrieval-index state of a knowledge document.
type IndexStatus string

const (
	IndexStatusPending IndexStatus = "pending"
	IndexStatusReady   IndexStatus = "ready"
	IndexStatusFailed  IndexStatus = "failed"
)

// KnowledgeDocument is an uploaded reference document and its index binding.
// Metadata fields are nil when the storage lookup failed.
type KnowledgeDocument struct {
	DocumentID  string      `json:"id"`
	DisplayName *string     `json:"filename"`
	SizeBytes   *int64      `json:"bytes"`
	CreatedAt   *int64      `json:"created_at"`
	IndexStatus IndexStatus `json:"status"`
	ErrorDetail string      `json:"last_error,omitempty"`
}

// InboundEvent is a decoded Avito messenger webhook message.
type InboundEvent struct {
	MessageID          string `json:"id"`
	ChatID             string `json:"chat_id"`
	AuthorID           string `json:"author_id"`
	RecipientAccountID string `json:"user_id"`
	MessageType        string `json:"type"`
	Text               string `json:"text"`
	ListingID          string `json:"item_id,omitempty"`
}

// IsBuyerText reports whether the event is an incoming, non-blank text message
// written by someone other than the receiving account.
func (e InboundEvent) IsBuyerText() bool {
	if e.ChatID == "" || e.RecipientAccountID == "" {
		return false
	}
	if e.AuthorID == e.RecipientAccountID {
		return false
	}
	if e.MessageType != "text" {
		return false
	}
	return strings.TrimSpace(e.Text) != ""
}

// SettingsView is the admin settings payload.
type SettingsView struct {
	Instructions  string  `json:"instructions"`
	AssistantID   string  `json:"assistant_id,omitempty"`
	VectorStoreID *string `json:"vector_store_id"`
	BotEnabled    bool    `json:"bot_enabled"`
}

// SettingsUpdate is the admin PUT settings payload. Absent fields are left untouched.
type SettingsUpdate struct {
	Instructions *string `json:"instructions,omitempty"`
	BotEnabled   *bool   `json:"bot_enabled,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
