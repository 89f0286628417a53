// Package models defines the domain types for Marginalia.
package models

import "time"

// Highlight sources.
const (
	SourceImported  = "imported"
	SourceCreatedIn = "created-in-app"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Book is a processed ebook. Its chapter structure is fixed at import time;
// re-importing replaces the book as a whole.
type Book struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Authors    []string  `json:"authors,omitempty"`
	SourceFile string    `json:"source_file,omitempty"`
	ImportedAt time.Time `json:"imported_at"`
	Chapters   []Chapter `json:"chapters,omitempty"`
}

// Chapter is one spine item of a book. Index is the linear reading order
// and drives next/previous navigation. Title is the join key to the vault
// note, so titles must be unique within a book.
type Chapter struct {
	BookID  string `json:"book_id"`
	Index   int    `json:"index"`
	Title   string `json:"title"`
	Content string `json:"content,omitempty"` // cleaned HTML
	Text    string `json:"text,omitempty"`    // plain text for LLM context
}

// Anchor locates a highlight inside a book: chapter plus rune offsets into
// the chapter's plain text. Start/End may be -1 when the quote could not be
// located (the highlight is still kept).
type Anchor struct {
	ChapterTitle string `json:"chapter_title"`
	Start        int    `json:"start"`
	End          int    `json:"end"`
}

// Highlight is a quoted passage. Identity is (book, anchor, normalised
// quote) — device-assigned ids are not stable across exports and are not
// part of the identity.
type Highlight struct {
	ID        int64     `json:"id"`
	BookID    string    `json:"book_id"`
	Anchor    Anchor    `json:"anchor"`
	Quote     string    `json:"quote"`
	Comment   string    `json:"comment,omitempty"`
	Source    string    `json:"source"` // SourceImported or SourceCreatedIn
	CreatedAt time.Time `json:"created_at"`
}

// Note is the in-app view of a chapter's vault note. The file is the
// durable source of truth; ModTime is the file modification time observed
// at the last read or write.
type Note struct {
	BookID       string    `json:"book_id"`
	ChapterTitle string    `json:"chapter_title"`
	Content      string    `json:"content"`
	ModTime      time.Time `json:"mod_time"`
}

// Conversation is a chat thread attached to one chapter.
type Conversation struct {
	ID           string    `json:"id"`
	BookID       string    `json:"book_id"`
	ChapterIndex int       `json:"chapter_index"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
}

// Turn is one message in a conversation. Turns are append-only and never
// rewritten; Incomplete marks a turn whose stream was interrupted.
type Turn struct {
	Index      int       `json:"index"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Context    string    `json:"context,omitempty"` // opaque context blob attached by the caller
	Incomplete bool      `json:"incomplete,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
