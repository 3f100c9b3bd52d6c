// Package knowledge keeps the seller's reference documents in the vector
// store used by the assistant's file_search tool.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/AvitoAssistant/internal/genai"
	"github.com/BTreeMap/AvitoAssistant/internal/models"
)

const (
	// VectorStoreName is the name given to a vector store created on demand.
	VectorStoreName = "Avito Assistant Knowledge Base"
	// DefaultListLimit is the page size used when listing indexed files.
	DefaultListLimit = 100
	// DefaultMetadataConcurrency bounds parallel file metadata lookups in List.
	DefaultMetadataConcurrency = 4
	// failedDetail is reported for failed files the backend gave no reason for.
	failedDetail = "indexing failed"
)

// KV persists the id of a vector store created on demand.
type KV interface {
	GetKV(key string) (string, bool, error)
	SetKV(key, value string) error
}

// Opts holds configuration for a Sync.
type Opts struct {
	VectorStoreID       string
	ListLimit           int
	MetadataConcurrency int
}

// Option configures a Sync.
type Option func(*Opts)

// WithVectorStoreID pins the vector store instead of resolving it from storage.
func WithVectorStoreID(id string) Option {
	return func(o *Opts) { o.VectorStoreID = id }
}

// WithListLimit sets the page size for List.
func WithListLimit(n int) Option {
	return func(o *Opts) { o.ListLimit = n }
}

// WithMetadataConcurrency bounds concurrent metadata lookups in List.
func WithMetadataConcurrency(n int) Option {
	return func(o *Opts) { o.MetadataConcurrency = n }
}

// Sync reconciles uploaded documents with the retrieval index.
type Sync struct {
	backend     genai.KnowledgeBackend
	kv          KV
	limit       int
	concurrency int

	mu       sync.Mutex
	vsID     string
	attached bool
}

// NewSync creates a Sync.
func NewSync(backend genai.KnowledgeBackend, kv KV, opts ...Option) *Sync {
	cfg := Opts{ListLimit: DefaultListLimit, MetadataConcurrency: DefaultMetadataConcurrency}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = DefaultListLimit
	}
	if cfg.MetadataConcurrency <= 0 {
		cfg.MetadataConcurrency = DefaultMetadataConcurrency
	}
	return &Sync{
		backend:     backend,
		kv:          kv,
		limit:       cfg.ListLimit,
		concurrency: cfg.MetadataConcurrency,
		vsID:        strings.TrimSpace(cfg.VectorStoreID),
	}
}

// KnownVectorStoreID returns the configured or persisted vector store id
// without creating one. It returns "" when none exists yet.
func (s *Sync) KnownVectorStoreID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knownLocked()
}

func (s *Sync) knownLocked() (string, error) {
	if s.vsID != "" {
		return s.vsID, nil
	}
	id, ok, err := s.kv.GetKV(models.KVVectorStoreID)
	if err != nil {
		return "", fmt.Errorf("%w: read vector store id: %v", models.ErrBackendUnavailable, err)
	}
	if ok && strings.TrimSpace(id) != "" {
		s.vsID = id
	}
	return s.vsID, nil
}

// VectorStoreID resolves the vector store, creating and persisting one when
// none is known, and makes sure it is attached to the assistant.
func (s *Sync) VectorStoreID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.knownLocked()
	if err != nil {
		return "", err
	}
	if id == "" {
		id, err = s.backend.CreateVectorStore(ctx, VectorStoreName)
		if err != nil {
			return "", err
		}
		if err := s.kv.SetKV(models.KVVectorStoreID, id); err != nil {
			// the store exists remotely; keep using it for this process
			slog.Error("Sync.VectorStoreID: persisting vector store id failed", "vector_store_id", id, "error", err)
		}
		s.vsID = id
		slog.Info("Sync.VectorStoreID: created vector store", "vector_store_id", id)
	}

	if !s.attached {
		if err := s.ensureAttached(ctx, id); err != nil {
			slog.Warn("Sync.VectorStoreID: attaching vector store to assistant failed", "vector_store_id", id, "error", err)
		} else {
			s.attached = true
		}
	}
	return id, nil
}

// ensureAttached adds vsID to the assistant's file_search vector stores.
func (s *Sync) ensureAttached(ctx context.Context, vsID string) error {
	current, err := s.backend.AssistantVectorStores(ctx)
	if err != nil {
		return err
	}
	for _, id := range current {
		if id == vsID {
			return nil
		}
	}
	updated := append(append([]string{}, current...), vsID)
	if err := s.backend.SetAssistantVectorStores(ctx, updated); err != nil {
		return err
	}
	slog.Info("Sync.ensureAttached: vector store attached to assistant", "vector_store_id", vsID, "vector_store_ids", updated)
	return nil
}

// Upload stores data as a new document and binds it to the index. The
// returned document carries the first status the index reported, usually
// pending.
func (s *Sync) Upload(ctx context.Context, data []byte, displayName string) (models.KnowledgeDocument, error) {
	displayName = strings.TrimSpace(displayName)
	if len(data) == 0 {
		return models.KnowledgeDocument{}, fmt.Errorf("%w: document is empty", models.ErrInvalidInput)
	}
	if displayName == "" {
		return models.KnowledgeDocument{}, fmt.Errorf("%w: display name is required", models.ErrInvalidInput)
	}

	vsID, err := s.VectorStoreID(ctx)
	if err != nil {
		return models.KnowledgeDocument{}, err
	}

	f, err := s.backend.UploadFile(ctx, displayName, data)
	if err != nil {
		slog.Error("Sync.Upload: storing file failed", "filename", displayName, "error", err)
		return models.KnowledgeDocument{}, err
	}
	vf, err := s.backend.AttachFile(ctx, vsID, f.ID)
	if err != nil {
		slog.Error("Sync.Upload: binding file to index failed, removing stored file", "file_id", f.ID, "error", err)
		if delErr := s.backend.DeleteFile(ctx, f.ID); delErr != nil {
			slog.Error("Sync.Upload: cleanup of unbound file failed", "file_id", f.ID, "error", delErr)
		}
		return models.KnowledgeDocument{}, err
	}

	doc := documentFrom(vf, &f)
	slog.Info("Sync.Upload: document uploaded", "file_id", f.ID, "filename", displayName, "bytes", len(data), "status", doc.IndexStatus)
	return doc, nil
}

// List returns every document bound to the index, most recent first.
// A document whose storage metadata cannot be fetched is still listed with
// those fields absent.
func (s *Sync) List(ctx context.Context) ([]models.KnowledgeDocument, error) {
	vsID, err := s.VectorStoreID(ctx)
	if err != nil {
		return nil, err
	}
	bindings, err := s.backend.ListIndexedFiles(ctx, vsID, s.limit)
	if err != nil {
		return nil, err
	}

	files := make([]*genai.StoredFile, len(bindings))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, b := range bindings {
		g.Go(func() error {
			f, err := s.backend.GetFile(ctx, b.ID)
			if err != nil {
				slog.Warn("Sync.List: file metadata unavailable", "file_id", b.ID, "error", err)
				return nil
			}
			files[i] = &f
			return nil
		})
	}
	g.Wait()

	type entry struct {
		doc     models.KnowledgeDocument
		created int64
	}
	entries := make([]entry, len(bindings))
	for i, b := range bindings {
		e := entry{doc: documentFrom(b, files[i]), created: b.CreatedAt}
		if e.doc.CreatedAt != nil {
			e.created = *e.doc.CreatedAt
		}
		entries[i] = e
	}
	sort.SliceStable(entries, func(a, b int) bool { return entries[a].created > entries[b].created })

	docs := make([]models.KnowledgeDocument, len(entries))
	for i, e := range entries {
		docs[i] = e.doc
	}
	return docs, nil
}

// Inspection is the diagnostic view of one document. FileError and
// IndexError report each lookup independently.
type Inspection struct {
	Document   models.KnowledgeDocument `json:"document"`
	File       *genai.StoredFile        `json:"file,omitempty"`
	Index      *genai.IndexedFile       `json:"index,omitempty"`
	FileError  string                   `json:"file_error,omitempty"`
	IndexError string                   `json:"index_error,omitempty"`
}

// Inspect looks a document up in both storage and the index. It fails with
// ErrNotFound only when neither knows the id.
func (s *Sync) Inspect(ctx context.Context, documentID string) (Inspection, error) {
	if strings.TrimSpace(documentID) == "" {
		return Inspection{}, fmt.Errorf("%w: document id is required", models.ErrInvalidInput)
	}
	out := Inspection{}

	f, fileErr := s.backend.GetFile(ctx, documentID)
	if fileErr == nil {
		out.File = &f
	} else {
		out.FileError = fileErr.Error()
	}

	var indexErr error
	vsID, err := s.KnownVectorStoreID()
	switch {
	case err != nil:
		indexErr = err
	case vsID == "":
		indexErr = fmt.Errorf("%w: no vector store configured", models.ErrNotFound)
	default:
		vf, err := s.backend.GetIndexedFile(ctx, vsID, documentID)
		if err == nil {
			out.Index = &vf
		}
		indexErr = err
	}
	if indexErr != nil {
		out.IndexError = indexErr.Error()
	}

	if out.File == nil && out.Index == nil {
		if errors.Is(fileErr, models.ErrNotFound) && errors.Is(indexErr, models.ErrNotFound) {
			return out, fmt.Errorf("%w: document %s", models.ErrNotFound, documentID)
		}
		return out, fileErr
	}

	if out.Index != nil {
		out.Document = documentFrom(*out.Index, out.File)
	} else {
		// stored but not bound: nothing indexed it
		out.Document = documentFrom(genai.IndexedFile{ID: documentID, Status: "failed", LastError: "not bound to the index"}, out.File)
	}
	return out, nil
}

// Delete unbinds the document from the index and deletes the stored file.
// An unbind failure is logged and does not stop the file deletion.
func (s *Sync) Delete(ctx context.Context, documentID string) error {
	if strings.TrimSpace(documentID) == "" {
		return fmt.Errorf("%w: document id is required", models.ErrInvalidInput)
	}

	vsID, err := s.KnownVectorStoreID()
	if err != nil {
		slog.Warn("Sync.Delete: vector store id unavailable, skipping unbind", "file_id", documentID, "error", err)
	} else if vsID != "" {
		if err := s.backend.DetachFile(ctx, vsID, documentID); err != nil {
			slog.Warn("Sync.Delete: unbind failed, deleting stored file anyway", "file_id", documentID, "vector_store_id", vsID, "error", err)
		}
	}

	if err := s.backend.DeleteFile(ctx, documentID); err != nil {
		slog.Error("Sync.Delete: deleting stored file failed", "file_id", documentID, "error", err)
		return err
	}
	slog.Info("Sync.Delete: document deleted", "file_id", documentID)
	return nil
}

// documentFrom merges the index binding with optional storage metadata.
// The index status always wins over the storage status.
func documentFrom(b genai.IndexedFile, f *genai.StoredFile) models.KnowledgeDocument {
	status, detail := MapIndexStatus(b.Status, b.LastError)
	doc := models.KnowledgeDocument{DocumentID: b.ID, IndexStatus: status, ErrorDetail: detail}
	if f != nil {
		name, size, created := f.Filename, f.Bytes, f.CreatedAt
		doc.DisplayName = &name
		doc.SizeBytes = &size
		doc.CreatedAt = &created
	}
	return doc
}

// MapIndexStatus maps a raw vector store file status onto IndexStatus.
// Failed statuses always come with a non-empty detail.
func MapIndexStatus(raw, lastError string) (models.IndexStatus, string) {
	switch raw {
	case "completed":
		return models.IndexStatusReady, ""
	case "failed", "cancelled":
		detail := strings.TrimSpace(lastError)
		if detail == "" {
			if raw == "cancelled" {
				detail = "indexing cancelled"
			} else {
				detail = failedDetail
			}
		}
		return models.IndexStatusFailed, detail
	default:
		return models.IndexStatusPending, ""
	}
}
