// Package reading is the facade the reading interface talks to: it
// coordinates the library store, the vault, the note sync registry, the
// device importer, and the chat service.
package reading

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hvaillaud/marginalia/internal/apperr"
	"github.com/hvaillaud/marginalia/internal/chat"
	"github.com/hvaillaud/marginalia/internal/device"
	"github.com/hvaillaud/marginalia/internal/library"
	"github.com/hvaillaud/marginalia/internal/models"
	"github.com/hvaillaud/marginalia/internal/notesync"
	"github.com/hvaillaud/marginalia/internal/textutil"
	"github.com/hvaillaud/marginalia/internal/vault"
)

// Highlight event kinds published to the reading interface.
const (
	EventHighlightAdded    = "highlight.added"
	EventHighlightRemoved  = "highlight.removed"
	EventHighlightImported = "highlight.imported"
)

// Publisher receives highlight change notifications for the event stream.
type Publisher interface {
	PublishHighlightEvent(kind, bookID string)
}

// Service wires the stores and coordinators behind the HTTP API.
type Service struct {
	db       *library.DB
	vault    *vault.Vault
	registry *notesync.Registry
	chat     *chat.Service
	importer *device.Importer
	deviceDB string
	events   Publisher
	logger   *slog.Logger
}

// NewService creates the reading facade. events may be nil.
func NewService(db *library.DB, v *vault.Vault, reg *notesync.Registry, chatSvc *chat.Service, imp *device.Importer, deviceDB string, events Publisher, logger *slog.Logger) *Service {
	return &Service{
		db:       db,
		vault:    v,
		registry: reg,
		chat:     chatSvc,
		importer: imp,
		deviceDB: deviceDB,
		events:   events,
		logger:   logger,
	}
}

func (s *Service) publishHighlight(kind, bookID string) {
	if s.events != nil {
		s.events.PublishHighlightEvent(kind, bookID)
	}
}

// ListBooks returns the imported books.
func (s *Service) ListBooks(_ context.Context) ([]models.Book, error) {
	return s.db.ListBooks()
}

// GetBook returns a book with its chapter table of contents.
func (s *Service) GetBook(_ context.Context, bookID string) (*models.Book, error) {
	return s.db.GetBook(bookID)
}

// ChapterView is a chapter plus its navigation and annotations.
type ChapterView struct {
	Chapter    models.Chapter     `json:"chapter"`
	PrevIndex  *int               `json:"prev_index,omitempty"`
	NextIndex  *int               `json:"next_index,omitempty"`
	Highlights []models.Highlight `json:"highlights"`
}

// GetChapter returns one chapter with content, prev/next indices, and its
// highlights in anchor order.
func (s *Service) GetChapter(_ context.Context, bookID string, index int) (*ChapterView, error) {
	ch, err := s.db.GetChapter(bookID, index)
	if err != nil {
		return nil, err
	}
	count, err := s.db.ChapterCount(bookID)
	if err != nil {
		return nil, err
	}
	highlights, err := s.db.ListHighlightsForChapter(bookID, ch.Title)
	if err != nil {
		return nil, err
	}
	if highlights == nil {
		highlights = []models.Highlight{}
	}

	view := &ChapterView{Chapter: *ch, Highlights: highlights}
	if index > 0 {
		prev := index - 1
		view.PrevIndex = &prev
	}
	if index < count-1 {
		next := index + 1
		view.NextIndex = &next
	}
	return view, nil
}

// AddHighlight creates an in-app highlight on a chapter. The quote is
// located in the chapter text to derive its anchor offsets; a quote that
// cannot be located keeps offset -1 and is stored anyway.
func (s *Service) AddHighlight(_ context.Context, bookID string, chapterIndex int, quote, comment string) (*models.Highlight, error) {
	ch, err := s.db.GetChapter(bookID, chapterIndex)
	if err != nil {
		return nil, err
	}

	h := models.Highlight{
		BookID:  bookID,
		Quote:   quote,
		Comment: comment,
		Source:  models.SourceCreatedIn,
		Anchor:  models.Anchor{ChapterTitle: ch.Title, Start: -1, End: -1},
	}
	if start, end, ok := textutil.LocateQuote(ch.Text, quote); ok {
		h.Anchor.Start, h.Anchor.End = start, end
	}

	id, inserted, err := s.db.InsertHighlight(h)
	if err != nil {
		return nil, err
	}
	if inserted {
		s.publishHighlight(EventHighlightAdded, bookID)
	}
	return s.db.GetHighlight(id)
}

// ListHighlights returns every highlight of a book in chapter order.
func (s *Service) ListHighlights(_ context.Context, bookID string) ([]models.Highlight, error) {
	if _, err := s.db.GetBook(bookID); err != nil {
		return nil, err
	}
	return s.db.ListHighlightsForBook(bookID)
}

// DeleteHighlight removes a highlight. This is the only deletion path;
// imports never remove anything.
func (s *Service) DeleteHighlight(_ context.Context, id int64) error {
	h, err := s.db.GetHighlight(id)
	if err != nil {
		return err
	}
	if err := s.db.DeleteHighlight(id); err != nil {
		return err
	}
	s.publishHighlight(EventHighlightRemoved, h.BookID)
	return nil
}

// ImportHighlights reconciles the device's highlight snapshot for a book
// into the annotation store.
func (s *Service) ImportHighlights(ctx context.Context, bookID string) (library.ReconcileResult, error) {
	src := device.NewHighlightSource(s.deviceDB)
	res, err := s.importer.ImportHighlights(ctx, bookID, src)
	if err == nil && res.Added > 0 {
		s.publishHighlight(EventHighlightImported, bookID)
	}
	return res, err
}

// NoteView is a note buffer plus its sync status.
type NoteView struct {
	Content string          `json:"content"`
	Status  notesync.Status `json:"status"`
}

// OpenNote opens (or returns) the sync session for a chapter's note and
// returns the current buffer.
func (s *Service) OpenNote(_ context.Context, bookID string, chapterIndex int) (*NoteView, error) {
	sess, err := s.noteSession(bookID, chapterIndex)
	if err != nil {
		return nil, err
	}
	return &NoteView{Content: sess.Content(), Status: sess.Status()}, nil
}

// UpdateNote records a local edit. The buffer updates immediately; the
// flush to the vault is debounced by the session.
func (s *Service) UpdateNote(_ context.Context, bookID string, chapterIndex int, content string) (*NoteView, error) {
	sess, err := s.noteSession(bookID, chapterIndex)
	if err != nil {
		return nil, err
	}
	sess.SetContent(content)
	return &NoteView{Content: sess.Content(), Status: sess.Status()}, nil
}

// NoteStatus reports the sync state of a chapter note.
func (s *Service) NoteStatus(_ context.Context, bookID string, chapterIndex int) (*notesync.Status, error) {
	sess, err := s.noteSession(bookID, chapterIndex)
	if err != nil {
		return nil, err
	}
	st := sess.Status()
	return &st, nil
}

// RetryNoteFlush retries a failed flush immediately.
func (s *Service) RetryNoteFlush(_ context.Context, bookID string, chapterIndex int) (*notesync.Status, error) {
	sess, err := s.noteSession(bookID, chapterIndex)
	if err != nil {
		return nil, err
	}
	sess.Flush()
	st := sess.Status()
	return &st, nil
}

// CloseNote tears down a chapter note's session, completing any pending
// flush first.
func (s *Service) CloseNote(ctx context.Context, bookID string, chapterIndex int) error {
	ch, err := s.db.GetChapter(bookID, chapterIndex)
	if err != nil {
		return err
	}
	return s.registry.Close(ctx, bookID, ch.Title)
}

// OpenConversation starts a new conversation on a chapter.
func (s *Service) OpenConversation(_ context.Context, bookID string, chapterIndex int) (*models.Conversation, error) {
	if _, err := s.db.GetChapter(bookID, chapterIndex); err != nil {
		return nil, err
	}
	return s.db.CreateConversation(bookID, chapterIndex, "")
}

// ListConversations returns a chapter's conversations in creation order.
func (s *Service) ListConversations(_ context.Context, bookID string, chapterIndex int) ([]models.Conversation, error) {
	return s.db.ListConversations(bookID, chapterIndex)
}

// History returns a conversation's turns in append order.
func (s *Service) History(_ context.Context, conversationID string) ([]models.Turn, error) {
	if _, err := s.db.GetConversation(conversationID); err != nil {
		return nil, err
	}
	return s.db.History(conversationID)
}

// TurnInput is a user message for a conversation.
type TurnInput struct {
	Message    string   `json:"message"`
	QuotedText string   `json:"quoted_text,omitempty"`
	Snippets   []string `json:"snippets,omitempty"`
}

// StreamTurn assembles the chapter and note context for a conversation and
// streams the assistant's reply through emit.
func (s *Service) StreamTurn(ctx context.Context, conversationID string, in TurnInput, emit func(string) error) (models.Turn, error) {
	req, err := s.turnRequest(conversationID, in)
	if err != nil {
		return models.Turn{}, err
	}
	return s.chat.StreamTurn(ctx, *req, emit)
}

// ProposeRewrite produces a proposed revision of the chapter note from the
// conversation. The proposal is returned, not written.
func (s *Service) ProposeRewrite(ctx context.Context, conversationID string, instructions string) (string, error) {
	req, err := s.turnRequest(conversationID, TurnInput{Message: instructions})
	if err != nil {
		return "", err
	}
	return s.chat.ProposeRewrite(ctx, *req)
}

// AcceptRewrite applies an accepted proposal to the chapter note through
// the sync session, so the usual debounce/flush/conflict machinery applies.
func (s *Service) AcceptRewrite(ctx context.Context, conversationID string, content string) (*NoteView, error) {
	conv, err := s.db.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	return s.UpdateNote(ctx, conv.BookID, conv.ChapterIndex, content)
}

// noteSession resolves the chapter title and opens the sync session.
func (s *Service) noteSession(bookID string, chapterIndex int) (*notesync.Session, error) {
	book, err := s.db.GetBook(bookID)
	if err != nil {
		return nil, err
	}
	ch, err := s.db.GetChapter(bookID, chapterIndex)
	if err != nil {
		return nil, err
	}
	return s.registry.Open(bookID, book.Title, ch.Title)
}

// turnRequest assembles the reading context for one conversation turn. The
// note snapshot comes from the open sync session when there is one, else
// straight from the vault.
func (s *Service) turnRequest(conversationID string, in TurnInput) (*chat.TurnRequest, error) {
	conv, err := s.db.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	book, err := s.db.GetBook(conv.BookID)
	if err != nil {
		return nil, err
	}
	ch, err := s.db.GetChapter(conv.BookID, conv.ChapterIndex)
	if err != nil {
		return nil, err
	}

	var note string
	if sess, ok := s.registry.Get(conv.BookID, ch.Title); ok {
		note = sess.Content()
	} else if content, _, err := s.vault.Read(book.Title, ch.Title); err == nil {
		note = content
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	return &chat.TurnRequest{
		ConversationID: conversationID,
		Message:        in.Message,
		QuotedText:     in.QuotedText,
		Snippets:       in.Snippets,
		BookTitle:      book.Title,
		ChapterTitle:   ch.Title,
		ChapterText:    ch.Text,
		NoteContent:    note,
	}, nil
}
