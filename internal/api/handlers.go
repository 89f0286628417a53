package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hvaillaud/marginalia/internal/apperr"
	"github.com/hvaillaud/marginalia/internal/reading"
)

// Handler holds API route handlers.
type Handler struct {
	svc *reading.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *reading.Service) *Handler {
	return &Handler{svc: svc}
}

// chapterIndex extracts the chapter index path parameter.
func chapterIndex(r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrSourceUnavailable):
		writeJSON(w, http.StatusBadGateway, errorBody("device source unavailable"))
	default:
		slog.Error(what+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// ListBooks handles GET /api/books.
func (h *Handler) ListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.svc.ListBooks(r.Context())
	if err != nil {
		writeError(w, err, "list books")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"books": books})
}

// GetBook handles GET /api/books/{bookID}.
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.svc.GetBook(r.Context(), chi.URLParam(r, "bookID"))
	if err != nil {
		writeError(w, err, "get book")
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// GetChapter handles GET /api/books/{bookID}/chapters/{index}.
func (h *Handler) GetChapter(w http.ResponseWriter, r *http.Request) {
	idx, ok := chapterIndex(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid chapter index"))
		return
	}
	view, err := h.svc.GetChapter(r.Context(), chi.URLParam(r, "bookID"), idx)
	if err != nil {
		writeError(w, err, "get chapter")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListHighlights handles GET /api/books/{bookID}/highlights.
func (h *Handler) ListHighlights(w http.ResponseWriter, r *http.Request) {
	highlights, err := h.svc.ListHighlights(r.Context(), chi.URLParam(r, "bookID"))
	if err != nil {
		writeError(w, err, "list highlights")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"highlights": highlights})
}

// AddHighlight handles POST /api/books/{bookID}/chapters/{index}/highlights.
func (h *Handler) AddHighlight(w http.ResponseWriter, r *http.Request) {
	idx, ok := chapterIndex(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid chapter index"))
		return
	}
	var req AddHighlightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Quote == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("quote is required"))
		return
	}
	hl, err := h.svc.AddHighlight(r.Context(), chi.URLParam(r, "bookID"), idx, req.Quote, req.Comment)
	if err != nil {
		writeError(w, err, "add highlight")
		return
	}
	writeJSON(w, http.StatusCreated, hl)
}

// DeleteHighlight handles DELETE /api/highlights/{id}.
func (h *Handler) DeleteHighlight(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid highlight id"))
		return
	}
	if err := h.svc.DeleteHighlight(r.Context(), id); err != nil {
		writeError(w, err, "delete highlight")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ImportHighlights handles POST /api/books/{bookID}/highlights/import.
func (h *Handler) ImportHighlights(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ImportHighlights(r.Context(), chi.URLParam(r, "bookID"))
	if err != nil {
		writeError(w, err, "import highlights")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// OpenNote handles GET /api/books/{bookID}/chapters/{index}/note.
func (h *Handler) OpenNote(w http.ResponseWriter, r *http.Request) {
	idx, ok := chapterIndex(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid chapter index"))
		return
	}
	view, err := h.svc.OpenNote(r.Context(), chi.URLParam(r, "bookID"), idx)
	if err != nil {
		writeError(w, err, "open note")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// UpdateNote handles PUT /api/books/{bookID}/chapters/{index}/note.
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	idx, ok := chapterIndex(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid chapter index"))
		return
	}
	var req UpdateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	view, err := h.svc.UpdateNote(r.Context(), chi.URLParam(r, "bookID"), idx, req.Content)
	if err != nil {
		writeError(w, err, "update note")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// NoteStatus handles GET /api/books/{bookID}/chapters/{index}/note/status.
func (h *Handler) NoteStatus(w http.ResponseWriter, r *http.Request) {
	idx, ok := chapterIndex(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid chapter index"))
		return
	}
	st, err := h.svc.NoteStatus(r.Context(), chi.URLParam(r, "bookID"), idx)
	if err != nil {
		writeError(w, err, "note status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RetryNoteFlush handles POST /api/books/{bookID}/chapters/{index}/note/retry.
func (h *Handler) RetryNoteFlush(w http.ResponseWriter, r *http.Request) {
	idx, ok := chapterIndex(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid chapter index"))
		return
	}
	st, err := h.svc.RetryNoteFlush(r.Context(), chi.URLParam(r, "bookID"), idx)
	if err != nil {
		writeError(w, err, "retry note flush")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// CloseNote handles DELETE /api/books/{bookID}/chapters/{index}/note.
// A pending edit is flushed before the session is torn down.
func (h *Handler) CloseNote(w http.ResponseWriter, r *http.Request) {
	idx, ok := chapterIndex(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid chapter index"))
		return
	}
	if err := h.svc.CloseNote(r.Context(), chi.URLParam(r, "bookID"), idx); err != nil {
		if errors.Is(err, apperr.ErrSyncFailed) {
			writeJSON(w, http.StatusConflict, errorBody(err.Error()))
			return
		}
		writeError(w, err, "close note")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OpenConversation handles POST /api/books/{bookID}/chapters/{index}/conversations.
func (h *Handler) OpenConversation(w http.ResponseWriter, r *http.Request) {
	idx, ok := chapterIndex(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid chapter index"))
		return
	}
	conv, err := h.svc.OpenConversation(r.Context(), chi.URLParam(r, "bookID"), idx)
	if err != nil {
		writeError(w, err, "open conversation")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

// ListConversations handles GET /api/books/{bookID}/chapters/{index}/conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	idx, ok := chapterIndex(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid chapter index"))
		return
	}
	convs, err := h.svc.ListConversations(r.Context(), chi.URLParam(r, "bookID"), idx)
	if err != nil {
		writeError(w, err, "list conversations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// History handles GET /api/conversations/{id}.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	turns, err := h.svc.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "conversation history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

// ProposeRewrite handles POST /api/conversations/{id}/rewrite.
func (h *Handler) ProposeRewrite(w http.ResponseWriter, r *http.Request) {
	var req RewriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	proposal, err := h.svc.ProposeRewrite(r.Context(), chi.URLParam(r, "id"), req.Instructions)
	if err != nil {
		writeError(w, err, "propose rewrite")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"proposal": proposal})
}

// AcceptRewrite handles POST /api/conversations/{id}/rewrite/accept.
func (h *Handler) AcceptRewrite(w http.ResponseWriter, r *http.Request) {
	var req AcceptRewriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	view, err := h.svc.AcceptRewrite(r.Context(), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		writeError(w, err, "accept rewrite")
		return
	}
	writeJSON(w, http.StatusOK, view)
}
