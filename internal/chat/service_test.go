package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hvaillaud/marginalia/internal/apperr"
	"github.com/hvaillaud/marginalia/internal/library"
	"github.com/hvaillaud/marginalia/internal/llm"
	"github.com/hvaillaud/marginalia/internal/models"
	"github.com/hvaillaud/marginalia/internal/testutil"
)

// fakeCompleter replays a scripted fragment sequence.
type fakeCompleter struct {
	fragments []llm.Fragment
	gotInput  []llm.Message
}

func (f *fakeCompleter) ChatStream(ctx context.Context, messages []llm.Message) (<-chan llm.Fragment, error) {
	f.gotInput = messages
	out := make(chan llm.Fragment, len(f.fragments))
	for _, fr := range f.fragments {
		out <- fr
	}
	close(out)
	return out, nil
}

func (f *fakeCompleter) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	stream, err := f.ChatStream(ctx, messages)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for fr := range stream {
		if fr.Err != nil {
			return "", fr.Err
		}
		b.WriteString(fr.Text)
	}
	return b.String(), nil
}

func testService(t *testing.T, completer Completer) (*Service, *library.DB, string) {
	t.Helper()
	db := testutil.TestDB(t)
	testutil.SeedBook(t, db)
	conv, err := db.CreateConversation("walden", 0, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(db, completer, logger), db, conv.ID
}

func turnRequest(convID, message string) TurnRequest {
	return TurnRequest{
		ConversationID: convID,
		Message:        message,
		BookTitle:      "Walden",
		ChapterTitle:   "Economy",
		ChapterText:    "When I wrote the following pages I lived alone in the woods.",
		NoteContent:    "Simplicity as a theme.",
	}
}

func TestStreamTurnPersistsBothTurns(t *testing.T) {
	fc := &fakeCompleter{fragments: []llm.Fragment{
		{Text: "Thoreau "}, {Text: "valued "}, {Text: "simplicity."},
	}}
	svc, db, convID := testService(t, fc)

	var streamed strings.Builder
	turn, err := svc.StreamTurn(context.Background(), turnRequest(convID, "What is the theme?"), func(s string) error {
		streamed.WriteString(s)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	if streamed.String() != "Thoreau valued simplicity." {
		t.Errorf("streamed = %q", streamed.String())
	}
	if turn.Content != streamed.String() {
		t.Errorf("persisted turn %q differs from streamed output", turn.Content)
	}

	history, err := db.History(convID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d turns, want 2", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("roles = %q, %q", history[0].Role, history[1].Role)
	}
}

func TestStreamTurnInterruptedKeepsDeliveredFragments(t *testing.T) {
	fc := &fakeCompleter{fragments: []llm.Fragment{
		{Text: "First part. "},
		{Text: "Second part."},
		{Err: fmt.Errorf("connection reset")},
	}}
	svc, db, convID := testService(t, fc)

	var streamed strings.Builder
	turn, err := svc.StreamTurn(context.Background(), turnRequest(convID, "go on"), func(s string) error {
		streamed.WriteString(s)
		return nil
	})
	if !errors.Is(err, apperr.ErrStreamInterrupted) {
		t.Fatalf("err = %v, want ErrStreamInterrupted", err)
	}

	if !turn.Incomplete {
		t.Error("turn not marked incomplete")
	}
	if !strings.HasPrefix(turn.Content, "First part. Second part.") {
		t.Errorf("persisted content = %q", turn.Content)
	}
	if !strings.Contains(turn.Content, IncompleteMarker) {
		t.Errorf("incomplete marker missing: %q", turn.Content)
	}

	history, _ := db.History(convID)
	if len(history) != 2 {
		t.Fatalf("got %d turns, want user + partial assistant", len(history))
	}
	if history[1].Content != turn.Content {
		t.Error("stored partial differs from returned partial")
	}
}

func TestStreamTurnEmitFailureCountsAsInterruption(t *testing.T) {
	fc := &fakeCompleter{fragments: []llm.Fragment{{Text: "a"}, {Text: "b"}}}
	svc, _, convID := testService(t, fc)

	_, err := svc.StreamTurn(context.Background(), turnRequest(convID, "hi"), func(string) error {
		return fmt.Errorf("client gone")
	})
	if !errors.Is(err, apperr.ErrStreamInterrupted) {
		t.Errorf("err = %v, want ErrStreamInterrupted", err)
	}
}

// endlessCompleter streams fragments until its context is cancelled and
// records when its producer goroutine exits.
type endlessCompleter struct {
	released chan struct{}
}

func (c *endlessCompleter) ChatStream(ctx context.Context, _ []llm.Message) (<-chan llm.Fragment, error) {
	out := make(chan llm.Fragment)
	go func() {
		defer close(out)
		defer close(c.released)
		for {
			select {
			case out <- llm.Fragment{Text: "x"}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *endlessCompleter) Chat(ctx context.Context, _ []llm.Message) (string, error) {
	return "", nil
}

func TestStreamTurnEmitFailureReleasesStream(t *testing.T) {
	ec := &endlessCompleter{released: make(chan struct{})}
	svc, _, convID := testService(t, ec)

	_, err := svc.StreamTurn(context.Background(), turnRequest(convID, "hi"), func(string) error {
		return fmt.Errorf("client gone")
	})
	if !errors.Is(err, apperr.ErrStreamInterrupted) {
		t.Fatalf("err = %v, want ErrStreamInterrupted", err)
	}

	// The producer must be cancelled and drained, not left blocked on a
	// send nobody will receive.
	select {
	case <-ec.released:
	case <-time.After(2 * time.Second):
		t.Fatal("stream producer still running after interrupted turn")
	}
}

func TestFirstMessageTitlesConversation(t *testing.T) {
	fc := &fakeCompleter{fragments: []llm.Fragment{{Text: "ok"}}}
	svc, db, convID := testService(t, fc)

	long := "Why did Thoreau insist on living deliberately in the woods near the pond?"
	if _, err := svc.StreamTurn(context.Background(), turnRequest(convID, long), func(string) error { return nil }); err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	conv, err := db.GetConversation(convID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	wantTitle := string([]rune(long)[:30]) + "..."
	if conv.Title != wantTitle {
		t.Errorf("title = %q, want %q", conv.Title, wantTitle)
	}

	// Second message must not retitle.
	if _, err := svc.StreamTurn(context.Background(), turnRequest(convID, "another question"), func(string) error { return nil }); err != nil {
		t.Fatalf("second StreamTurn: %v", err)
	}
	conv, _ = db.GetConversation(convID)
	if conv.Title != wantTitle {
		t.Errorf("title changed on second message: %q", conv.Title)
	}
}

func TestPromptCarriesChapterAndNotes(t *testing.T) {
	fc := &fakeCompleter{fragments: []llm.Fragment{{Text: "ok"}}}
	svc, _, convID := testService(t, fc)

	req := turnRequest(convID, "question")
	req.QuotedText = "lived alone in the woods"
	req.Snippets = []string{"economy of living"}
	if _, err := svc.StreamTurn(context.Background(), req, func(string) error { return nil }); err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	if len(fc.gotInput) < 3 {
		t.Fatalf("model input has %d messages", len(fc.gotInput))
	}
	system := fc.gotInput[0].Content
	if !strings.Contains(system, "Walden") || !strings.Contains(system, "lived alone in the woods") {
		t.Errorf("system prompt missing chapter context: %q", system)
	}
	if !strings.Contains(system, "Simplicity as a theme.") {
		t.Errorf("system prompt missing notes: %q", system)
	}

	last := fc.gotInput[len(fc.gotInput)-1].Content
	if !strings.Contains(last, "[Quoted from the text]:") {
		t.Errorf("quoted text decoration missing: %q", last)
	}
	if !strings.Contains(last, "[Excerpt]:") {
		t.Errorf("snippet decoration missing: %q", last)
	}
}

func TestExcludeFlagsTrimPrompt(t *testing.T) {
	fc := &fakeCompleter{fragments: []llm.Fragment{{Text: "ok"}}}
	svc, _, convID := testService(t, fc)

	req := turnRequest(convID, "question")
	req.ExcludeChapter = true
	req.ExcludeNotes = true
	if _, err := svc.StreamTurn(context.Background(), req, func(string) error { return nil }); err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	system := fc.gotInput[0].Content
	if strings.Contains(system, "lived alone in the woods") {
		t.Errorf("chapter text present despite exclusion: %q", system)
	}
	if strings.Contains(system, "Simplicity as a theme.") {
		t.Errorf("notes present despite exclusion: %q", system)
	}
}

func TestProposeRewriteReturnsProposalOnly(t *testing.T) {
	fc := &fakeCompleter{fragments: []llm.Fragment{{Text: "# Economy\n\nRevised note.\n"}}}
	svc, db, convID := testService(t, fc)

	proposal, err := svc.ProposeRewrite(context.Background(), turnRequest(convID, ""))
	if err != nil {
		t.Fatalf("ProposeRewrite: %v", err)
	}
	if !strings.Contains(proposal, "Revised note.") {
		t.Errorf("proposal = %q", proposal)
	}

	// A proposal is not a conversation turn and writes nothing.
	history, _ := db.History(convID)
	if len(history) != 0 {
		t.Errorf("proposal persisted %d turns", len(history))
	}
}
