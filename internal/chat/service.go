// Package chat runs chapter-scoped conversations with the language model:
// it assembles reading context into prompts, streams responses to the
// caller, and persists turns through the conversation store.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hvaillaud/marginalia/internal/apperr"
	"github.com/hvaillaud/marginalia/internal/llm"
	"github.com/hvaillaud/marginalia/internal/models"
)

// IncompleteMarker is appended to the persisted content of a turn whose
// stream was interrupted.
const IncompleteMarker = "[incomplete]"

// maxChapterContextRunes caps how much chapter text goes into the system
// prompt, leaving room for notes and history.
const maxChapterContextRunes = 8000

// Store is the slice of the conversation store the chat service needs.
type Store interface {
	CreateConversation(bookID string, chapterIndex int, title string) (*models.Conversation, error)
	GetConversation(id string) (*models.Conversation, error)
	AppendTurn(conversationID string, t models.Turn) (int, error)
	History(conversationID string) ([]models.Turn, error)
	SetConversationTitle(id, title string) error
}

// Completer is the streaming completion capability.
type Completer interface {
	ChatStream(ctx context.Context, messages []llm.Message) (<-chan llm.Fragment, error)
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// Service coordinates conversations, prompts, and streaming.
type Service struct {
	store  Store
	llm    Completer
	logger *slog.Logger
}

// NewService creates a chat service.
func NewService(store Store, completer Completer, logger *slog.Logger) *Service {
	return &Service{store: store, llm: completer, logger: logger}
}

// TurnRequest carries one user message plus the reading context assembled
// by the caller.
type TurnRequest struct {
	ConversationID string
	Message        string
	QuotedText     string
	Snippets       []string

	BookTitle    string
	ChapterTitle string
	ChapterText  string
	NoteContent  string

	ExcludeChapter bool
	ExcludeNotes   bool
}

// turnContext is the opaque context blob persisted alongside a user turn.
type turnContext struct {
	QuotedText string   `json:"quoted_text,omitempty"`
	Snippets   []string `json:"snippets,omitempty"`
	Chapter    string   `json:"chapter,omitempty"`
}

// StreamTurn persists the user turn, streams the assistant's reply through
// emit, and persists the completed assistant turn. When the stream is
// cancelled or drops, exactly the fragments already delivered are persisted
// with an incomplete marker and ErrStreamInterrupted is returned; emit
// errors (client gone) count as cancellation.
func (s *Service) StreamTurn(ctx context.Context, req TurnRequest, emit func(fragment string) error) (models.Turn, error) {
	conv, err := s.store.GetConversation(req.ConversationID)
	if err != nil {
		return models.Turn{}, err
	}
	history, err := s.store.History(req.ConversationID)
	if err != nil {
		return models.Turn{}, err
	}

	ctxBlob, _ := json.Marshal(turnContext{
		QuotedText: req.QuotedText,
		Snippets:   req.Snippets,
		Chapter:    req.ChapterTitle,
	})
	userTurn := models.Turn{Role: models.RoleUser, Content: req.Message, Context: string(ctxBlob)}
	if _, err := s.store.AppendTurn(conv.ID, userTurn); err != nil {
		return models.Turn{}, err
	}

	// First user message names the conversation.
	if len(history) == 0 {
		s.retitle(conv.ID, req.Message)
	}

	messages := s.buildMessages(req, history)

	// The stream gets its own cancel so an abandoned receive loop (emit
	// failure, interruption) releases the producer instead of leaving it
	// blocked on a send nobody reads.
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	stream, err := s.llm.ChatStream(streamCtx, messages)
	if err != nil {
		return models.Turn{}, err
	}

	var b strings.Builder
	var streamErr error
	for f := range stream {
		if f.Err != nil {
			streamErr = f.Err
			break
		}
		b.WriteString(f.Text)
		if err := emit(f.Text); err != nil {
			streamErr = err
			break
		}
	}
	if streamErr == nil && ctx.Err() != nil {
		streamErr = ctx.Err()
	}

	if streamErr != nil {
		cancelStream()
		for range stream {
		}
		// Keep what was actually delivered, marked incomplete, so the
		// caller's partial view and the store agree.
		content := b.String()
		if content != "" {
			content += "\n\n"
		}
		content += IncompleteMarker
		partial := models.Turn{Role: models.RoleAssistant, Content: content, Incomplete: true}
		if _, appendErr := s.store.AppendTurn(conv.ID, partial); appendErr != nil {
			s.logger.Error("chat: persist partial turn failed",
				slog.String("conversation", conv.ID),
				slog.String("error", appendErr.Error()))
		}
		return partial, fmt.Errorf("%w: %v", apperr.ErrStreamInterrupted, streamErr)
	}

	full := models.Turn{Role: models.RoleAssistant, Content: b.String()}
	idx, err := s.store.AppendTurn(conv.ID, full)
	if err != nil {
		return models.Turn{}, err
	}
	full.Index = idx
	return full, nil
}

// ProposeRewrite asks the model for a complete revised version of the
// chapter note, grounded in the conversation so far. The result is a
// proposal only — nothing is written until the interface explicitly
// accepts it.
func (s *Service) ProposeRewrite(ctx context.Context, req TurnRequest) (string, error) {
	history, err := s.store.History(req.ConversationID)
	if err != nil {
		return "", err
	}

	instruction := "Rewrite the user's chapter note so it incorporates the insights from this conversation. " +
		"Reply with the full revised note in Markdown and nothing else."
	if req.Message != "" {
		instruction += " Additional instructions: " + req.Message
	}
	rewriteReq := req
	rewriteReq.Message = instruction

	proposed, err := s.llm.Chat(ctx, s.buildMessages(rewriteReq, history))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", apperr.ErrStreamInterrupted, err)
		}
		return "", err
	}
	return strings.TrimSpace(proposed), nil
}

// buildMessages assembles the full model input: system context first (as a
// primed user/assistant exchange, since the provider has no separate system
// role), then the stored history, then the current message with its quoted
// text and snippets.
func (s *Service) buildMessages(req TurnRequest, history []models.Turn) []llm.Message {
	messages := []llm.Message{
		{Role: "user", Content: s.buildSystemPrompt(req)},
		{Role: "assistant", Content: "Understood. I'm ready to discuss the chapter."},
	}
	for _, t := range history {
		role := "assistant"
		if t.Role == models.RoleUser {
			role = "user"
		}
		messages = append(messages, llm.Message{Role: role, Content: t.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: decorateMessage(req)})
	return messages
}

func (s *Service) buildSystemPrompt(req TurnRequest) string {
	var b strings.Builder
	b.WriteString("You are a thoughtful reading companion.")
	if req.BookTitle != "" {
		fmt.Fprintf(&b, " The user is reading the book %q.", req.BookTitle)
	}

	if !req.ExcludeChapter {
		text := truncateRunes(req.ChapterText, maxChapterContextRunes)
		if len([]rune(req.ChapterText)) > maxChapterContextRunes {
			text += "\n\n[... chapter continues ...]"
		}
		fmt.Fprintf(&b, "\n\nYou have access to the chapter %q the user is currently reading:\n\n---\n%s\n---",
			req.ChapterTitle, text)
	}

	if !req.ExcludeNotes {
		notes := req.NoteContent
		if strings.TrimSpace(notes) == "" {
			notes = "(no notes yet)"
		}
		fmt.Fprintf(&b, "\n\nThe user's notes on this chapter so far:\n\n---\n%s\n---", notes)
	}
	return b.String()
}

// decorateMessage prefixes the user message with quoted text and snippets.
func decorateMessage(req TurnRequest) string {
	msg := req.Message
	if len(req.Snippets) > 0 {
		parts := make([]string, len(req.Snippets))
		for i, sn := range req.Snippets {
			parts[i] = fmt.Sprintf("[Excerpt]: %q", sn)
		}
		msg = strings.Join(parts, "\n\n") + "\n\n---\n\n" + msg
	}
	if req.QuotedText != "" {
		msg = fmt.Sprintf("[Quoted from the text]: %q\n\n%s", req.QuotedText, msg)
	}
	return msg
}

// retitle names a conversation after its first user message.
func (s *Service) retitle(conversationID, firstMessage string) {
	title := strings.TrimSpace(firstMessage)
	if len([]rune(title)) > 30 {
		title = string([]rune(title)[:30]) + "..."
	}
	if title == "" {
		return
	}
	if err := s.store.SetConversationTitle(conversationID, title); err != nil {
		s.logger.Warn("chat: retitle failed",
			slog.String("conversation", conversationID),
			slog.String("error", err.Error()))
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
