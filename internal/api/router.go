package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hvaillaud/marginalia/internal/reading"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *reading.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Library.
	r.Get("/books", h.ListBooks)
	r.Get("/books/{bookID}", h.GetBook)
	r.Get("/books/{bookID}/chapters/{index}", h.GetChapter)

	// Highlights.
	r.Get("/books/{bookID}/highlights", h.ListHighlights)
	r.Post("/books/{bookID}/highlights/import", h.ImportHighlights)
	r.Post("/books/{bookID}/chapters/{index}/highlights", h.AddHighlight)
	r.Delete("/highlights/{id}", h.DeleteHighlight)

	// Chapter notes.
	r.Get("/books/{bookID}/chapters/{index}/note", h.OpenNote)
	r.Put("/books/{bookID}/chapters/{index}/note", h.UpdateNote)
	r.Delete("/books/{bookID}/chapters/{index}/note", h.CloseNote)
	r.Get("/books/{bookID}/chapters/{index}/note/status", h.NoteStatus)
	r.Post("/books/{bookID}/chapters/{index}/note/retry", h.RetryNoteFlush)

	// Conversations.
	r.Post("/books/{bookID}/chapters/{index}/conversations", h.OpenConversation)
	r.Get("/books/{bookID}/chapters/{index}/conversations", h.ListConversations)
	r.Get("/conversations/{id}", h.History)
	r.Post("/conversations/{id}/turns", h.StreamTurn)
	r.Post("/conversations/{id}/rewrite", h.ProposeRewrite)
	r.Post("/conversations/{id}/rewrite/accept", h.AcceptRewrite)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
