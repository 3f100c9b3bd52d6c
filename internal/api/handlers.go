package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/AvitoAssistant/internal/messaging"
	"github.com/BTreeMap/AvitoAssistant/internal/models"
)

// webhookAck is the body Avito receives for every delivery.
type webhookAck struct {
	OK         bool  `json:"ok"`
	BotEnabled *bool `json:"bot_enabled,omitempty"`
}

// webhookHandler always acknowledges with 200 so Avito does not redeliver;
// replies are produced asynchronously.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		slog.Warn("Server.webhookHandler: reading body failed", "error", err)
		writeJSONResponse(w, http.StatusOK, webhookAck{OK: true})
		return
	}

	ev, err := messaging.DecodeWebhook(body)
	if err != nil {
		slog.Debug("Server.webhookHandler: payload skipped", "error", err)
		writeJSONResponse(w, http.StatusOK, webhookAck{OK: true})
		return
	}

	sub, err := s.deps.Events.Submit(r.Context(), ev)
	if err != nil {
		slog.Error("Server.webhookHandler: submit failed", "chat_id", ev.ChatID, "error", err)
	}
	if sub == messaging.SubmissionDisabled {
		disabled := false
		writeJSONResponse(w, http.StatusOK, webhookAck{OK: true, BotEnabled: &disabled})
		return
	}
	writeJSONResponse(w, http.StatusOK, webhookAck{OK: true})
}

// healthHandler responds with a simple health check
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok", "root_path": s.cfg.RootPath})
}

func (s *Server) getSettingsHandler(w http.ResponseWriter, r *http.Request) {
	// read the raw override first so a storage failure reaches the operator
	if _, err := s.deps.Settings.Instructions(r.Context()); err != nil {
		slog.Error("Server.getSettingsHandler: reading instructions failed", "error", err)
		writeError(w, err)
		return
	}
	view := models.SettingsView{
		Instructions: s.deps.Settings.EffectiveInstructions(r.Context()),
		AssistantID:  s.cfg.AssistantID,
	}
	enabled, err := s.deps.Settings.BotEnabled(r.Context())
	if err != nil {
		slog.Warn("Server.getSettingsHandler: bot switch unreadable", "error", err)
	}
	view.BotEnabled = enabled

	if s.deps.Knowledge != nil {
		id, err := s.deps.Knowledge.KnownVectorStoreID()
		if err != nil {
			slog.Warn("Server.getSettingsHandler: vector store id unreadable", "error", err)
		} else if id != "" {
			view.VectorStoreID = &id
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) putSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var upd models.SettingsUpdate
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&upd); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body: %v", models.ErrInvalidInput, err))
		return
	}
	if upd.Instructions == nil && upd.BotEnabled == nil {
		writeError(w, fmt.Errorf("%w: nothing to update", models.ErrInvalidInput))
		return
	}
	if upd.Instructions != nil {
		if err := s.deps.Settings.SetInstructions(r.Context(), *upd.Instructions); err != nil {
			writeError(w, err)
			return
		}
		slog.Info("Server.putSettingsHandler: instructions updated", "length", len([]rune(*upd.Instructions)))
	}
	if upd.BotEnabled != nil {
		if err := s.deps.Settings.SetBotEnabled(r.Context(), *upd.BotEnabled); err != nil {
			writeError(w, err)
			return
		}
		slog.Info("Server.putSettingsHandler: bot switch updated", "bot_enabled", *upd.BotEnabled)
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("settings updated", nil))
}

func (s *Server) requireKnowledge(w http.ResponseWriter) bool {
	if s.deps.Knowledge == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("knowledge base is not configured"))
		return false
	}
	return true
}

func (s *Server) listFilesHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireKnowledge(w) {
		return
	}
	docs, err := s.deps.Knowledge.List(r.Context())
	if err != nil {
		slog.Error("Server.listFilesHandler: listing failed", "error", err)
		writeError(w, err)
		return
	}
	if docs == nil {
		docs = []models.KnowledgeDocument{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(docs))
}

func (s *Server) uploadFilesHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireKnowledge(w) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, fmt.Errorf("%w: multipart form expected: %v", models.ErrInvalidInput, err))
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, fmt.Errorf("%w: no files in field \"files\"", models.ErrInvalidInput))
		return
	}

	uploaded := make([]models.KnowledgeDocument, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, fmt.Errorf("%w: opening %s: %v", models.ErrInvalidInput, fh.Filename, err))
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, fmt.Errorf("%w: reading %s: %v", models.ErrInvalidInput, fh.Filename, err))
			return
		}
		doc, err := s.deps.Knowledge.Upload(r.Context(), data, fh.Filename)
		if err != nil {
			slog.Error("Server.uploadFilesHandler: upload failed", "filename", fh.Filename, "uploaded", len(uploaded), "error", err)
			writeError(w, err)
			return
		}
		uploaded = append(uploaded, doc)
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(uploaded))
}

func (s *Server) inspectFileHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireKnowledge(w) {
		return
	}
	in, err := s.deps.Knowledge.Inspect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(in))
}

func (s *Server) deleteFileHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireKnowledge(w) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Knowledge.Delete(r.Context(), id); err != nil {
		slog.Error("Server.deleteFileHandler: delete failed", "document_id", id, "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("document deleted", nil))
}

func (s *Server) dialogsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dialogs == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Avito client is not configured"))
		return
	}
	accountID := strings.TrimSpace(s.cfg.AccountID)
	if accountID == "" {
		writeError(w, fmt.Errorf("%w: AVITO_ACCOUNT_ID is not set", models.ErrInvalidInput))
		return
	}

	now := s.now().UTC()
	dump, err := s.deps.Dialogs.DialogsDump(r.Context(), accountID, now)
	if err != nil {
		slog.Error("Server.dialogsHandler: export failed", "account_id", accountID, "error", err)
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "avito-dialogs-"+now.Format("20060102-150405")+".txt"))
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, dump); err != nil {
		slog.Error("Server.dialogsHandler: writing response failed", "error", err)
	}
}
