package api

import "github.com/hvaillaud/marginalia/internal/reading"

// AddHighlightRequest is the request body for creating an in-app highlight.
type AddHighlightRequest struct {
	Quote   string `json:"quote"`
	Comment string `json:"comment,omitempty"`
}

// UpdateNoteRequest is the request body for a note edit.
type UpdateNoteRequest struct {
	Content string `json:"content"`
}

// TurnRequest is the request body for a conversation turn.
type TurnRequest = reading.TurnInput

// RewriteRequest is the request body for a note rewrite proposal.
type RewriteRequest struct {
	Instructions string `json:"instructions,omitempty"`
}

// AcceptRewriteRequest is the request body for applying a proposal.
type AcceptRewriteRequest struct {
	Content string `json:"content"`
}

// ChapterView is the chapter detail response (aliased from the domain layer).
type ChapterView = reading.ChapterView

// NoteView is the note buffer response (aliased from the domain layer).
type NoteView = reading.NoteView
