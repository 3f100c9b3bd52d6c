// Package genai provides the AI backend port used by AvitoAssistant and its
// implementation over the OpenAI Assistants API.
//
// Everything above this package speaks in the small domain types declared
// here (Run, ThreadMessage, StoredFile, IndexedFile); only this package knows
// about openai-go request and response shapes.
package genai

import (
	"context"
	"time"

	"github.com/BTreeMap/AvitoAssistant/internal/models"
)

// Run is a backend snapshot of a completion run.
type Run struct {
	ID        string
	ThreadID  string
	Status    models.RunStatus
	CreatedAt time.Time
	LastError string
}

// ContentSegment is one content part of a thread message.
type ContentSegment struct {
	Type string // "text", "image_file", ...
	Text string // set only for text segments
}

// ThreadMessage is one turn in a conversation thread.
type ThreadMessage struct {
	ID       string
	Role     string // "user" or "assistant"
	RunID    string // run that authored the message; empty for user turns
	Segments []ContentSegment
}

// StoredFile is the storage-layer metadata of an uploaded file.
type StoredFile struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	Bytes     int64  `json:"bytes"`
	CreatedAt int64  `json:"created_at"`
	Purpose   string `json:"purpose"`
	Status    string `json:"status"`
}

// IndexedFile is the binding of a file to a vector store, with the raw
// indexing status reported by the backend.
type IndexedFile struct {
	ID         string `json:"id"`
	Status     string `json:"status"` // in_progress | completed | cancelled | failed
	LastError  string `json:"last_error,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UsageBytes int64  `json:"usage_bytes"`
}

// AssistantSpec describes an assistant to create when none is configured.
type AssistantSpec struct {
	Name          string
	Model         string
	Instructions  string
	VectorStoreID string
}

// ThreadBackend is the subset of the backend used for conversations.
type ThreadBackend interface {
	// CreateThread creates an empty conversation thread.
	CreateThread(ctx context.Context) (string, error)
	// AppendUserMessage adds a user turn to a thread.
	AppendUserMessage(ctx context.Context, threadID, text string) error
	// CreateRun starts a completion run. additionalInstructions apply to this run only.
	CreateRun(ctx context.Context, threadID, additionalInstructions string) (Run, error)
	// GetRun retrieves the current state of a run.
	GetRun(ctx context.Context, threadID, runID string) (Run, error)
	// ListMessages returns up to limit messages, most recent first.
	ListMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error)
}

// KnowledgeBackend is the subset of the backend used for document storage and retrieval indexing.
type KnowledgeBackend interface {
	UploadFile(ctx context.Context, filename string, data []byte) (StoredFile, error)
	GetFile(ctx context.Context, fileID string) (StoredFile, error)
	DeleteFile(ctx context.Context, fileID string) error

	CreateVectorStore(ctx context.Context, name string) (string, error)
	AttachFile(ctx context.Context, vectorStoreID, fileID string) (IndexedFile, error)
	GetIndexedFile(ctx context.Context, vectorStoreID, fileID string) (IndexedFile, error)
	ListIndexedFiles(ctx context.Context, vectorStoreID string, limit int) ([]IndexedFile, error)
	DetachFile(ctx context.Context, vectorStoreID, fileID string) error

	// AssistantVectorStores returns the vector stores bound to the assistant's file_search tool.
	AssistantVectorStores(ctx context.Context) ([]string, error)
	// SetAssistantVectorStores replaces the assistant's file_search vector stores.
	SetAssistantVectorStores(ctx context.Context, vectorStoreIDs []string) error
}
