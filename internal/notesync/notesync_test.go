package notesync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hvaillaud/marginalia/internal/apperr"
	"github.com/hvaillaud/marginalia/internal/vault"
)

func testConfig() Config {
	return Config{
		PollInterval:  20 * time.Millisecond,
		Debounce:      10 * time.Millisecond,
		FlushAttempts: 2,
		RetryBackoff:  5 * time.Millisecond,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) (*Registry, *vault.Vault) {
	t.Helper()
	v, err := vault.New(t.TempDir())
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	reg := NewRegistry(v, nil, testLogger(), testConfig())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reg.CloseAll(ctx)
	})
	return reg, v
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// eventRecorder collects published note events.
type eventRecorder struct {
	mu    sync.Mutex
	kinds []string
}

func (r *eventRecorder) PublishNoteEvent(kind, bookID, chapterTitle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *eventRecorder) has(kind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func TestEditFlushesAfterDebounce(t *testing.T) {
	reg, v := testRegistry(t)

	s, err := reg.Open("walden", "Walden", "Economy")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.SetContent("first draft")

	waitFor(t, "flush", func() bool {
		content, _, err := v.Read("Walden", "Economy")
		return err == nil && content == "first draft"
	})

	waitFor(t, "clean state", func() bool { return s.Status().State == StateClean })
}

func TestRapidEditsCoalesce(t *testing.T) {
	reg, v := testRegistry(t)

	s, err := reg.Open("walden", "Walden", "Economy")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, content := range []string{"a", "ab", "abc", "final"} {
		s.SetContent(content)
	}

	waitFor(t, "final content flushed", func() bool {
		content, _, err := v.Read("Walden", "Economy")
		return err == nil && content == "final"
	})
	if s.Content() != "final" {
		t.Errorf("buffer = %q", s.Content())
	}
}

func TestRemoteEditRefreshesBuffer(t *testing.T) {
	reg, v := testRegistry(t)

	s, err := reg.Open("walden", "Walden", "Economy")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.SetContent("local version")
	waitFor(t, "flush", func() bool { return s.Status().State == StateClean })

	// External editor rewrites the file with a clearly later mod time.
	abs, err := v.AbsPath(vault.ChapterNotePath("Walden", "Economy"))
	if err != nil {
		t.Fatalf("AbsPath: %v", err)
	}
	if err := os.WriteFile(abs, []byte("external version"), 0o644); err != nil {
		t.Fatalf("external write: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(abs, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	waitFor(t, "buffer refresh", func() bool { return s.Content() == "external version" })
}

func TestRemoteEditDeferredWhileDirty(t *testing.T) {
	v, err := vault.New(t.TempDir())
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	cfg := testConfig()
	cfg.Debounce = time.Hour // keep the edit unflushed for the whole test
	reg := NewRegistry(v, nil, testLogger(), cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reg.CloseAll(ctx)
	})

	// Existing note so the external write has something to replace.
	if _, err := v.Write("Walden", "Economy", "base"); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	s, err := reg.Open("walden", "Walden", "Economy")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.SetContent("unsaved local edit")

	abs, _ := v.AbsPath(vault.ChapterNotePath("Walden", "Economy"))
	if err := os.WriteFile(abs, []byte("external version"), 0o644); err != nil {
		t.Fatalf("external write: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	_ = os.Chtimes(abs, future, future)

	// Give the poll loop several ticks to (wrongly) apply the remote edit.
	time.Sleep(100 * time.Millisecond)

	if s.Content() != "unsaved local edit" {
		t.Errorf("local edit overwritten: %q", s.Content())
	}
	if s.Status().State != StateDirtyLocal {
		t.Errorf("state = %q, want %q", s.Status().State, StateDirtyLocal)
	}

	// Release the flush. The local edit lands in the vault and the deferred
	// remote re-check finds nothing newer, so both sides settle on it.
	s.Flush()
	waitFor(t, "clean state", func() bool { return s.Status().State == StateClean })
	content, _, err := v.Read("Walden", "Economy")
	if err != nil {
		t.Fatalf("Read after flush: %v", err)
	}
	if content != "unsaved local edit" {
		t.Errorf("settled file = %q, want the local edit", content)
	}

	// Several more poll ticks must not revive the superseded remote edit.
	time.Sleep(100 * time.Millisecond)
	if s.Content() != "unsaved local edit" {
		t.Errorf("settled buffer = %q", s.Content())
	}
	if s.Status().State != StateClean {
		t.Errorf("settled state = %q", s.Status().State)
	}
}

func TestFlushFailureSurfacesSyncFailed(t *testing.T) {
	reg, v := testRegistry(t)
	events := &eventRecorder{}
	reg.events = events

	// A directory squatting on the note path makes the atomic rename fail.
	abs, err := v.AbsPath(vault.ChapterNotePath("Walden", "Economy"))
	if err != nil {
		t.Fatalf("AbsPath: %v", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	s, err := reg.Open("walden", "Walden", "Economy")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.SetContent("doomed edit")

	waitFor(t, "sync_failed state", func() bool { return s.Status().State == StateSyncFailed })
	st := s.Status()
	if st.LastError == "" {
		t.Error("sync_failed without an error message")
	}
	if !events.has(EventSyncFailed) {
		t.Error("sync_failed event not published")
	}
	// The buffer keeps the edit for manual retry.
	if s.Content() != "doomed edit" {
		t.Errorf("buffer = %q", s.Content())
	}

	// Clearing the obstruction and retrying succeeds.
	if err := os.Remove(abs); err != nil {
		t.Fatalf("remove obstruction: %v", err)
	}
	s.SetContent("doomed edit ") // new edit clears the failure and re-arms the flush
	waitFor(t, "recovery", func() bool {
		content, _, err := v.Read("Walden", "Economy")
		return err == nil && content == "doomed edit "
	})
}

func TestCloseFlushesPendingEdit(t *testing.T) {
	v, err := vault.New(t.TempDir())
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	cfg := testConfig()
	cfg.Debounce = time.Hour // edit must survive only because close flushes it
	reg := NewRegistry(v, nil, testLogger(), cfg)

	s, err := reg.Open("walden", "Walden", "Economy")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.SetContent("last words")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reg.Close(ctx, "walden", "Economy"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	content, _, err := v.Read("Walden", "Economy")
	if err != nil {
		t.Fatalf("Read after close: %v", err)
	}
	if content != "last words" {
		t.Errorf("flushed content = %q", content)
	}
}

func TestCloseIdempotentAndMissingSession(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()
	if err := reg.Close(ctx, "walden", "never opened"); err != nil {
		t.Errorf("closing unknown session: %v", err)
	}
}

func TestOpenSeedsBufferFromVault(t *testing.T) {
	reg, v := testRegistry(t)
	if _, err := v.Write("Walden", "Economy", "existing note"); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	s, err := reg.Open("walden", "Walden", "Economy")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Content() != "existing note" {
		t.Errorf("buffer = %q", s.Content())
	}
	if st := s.Status().State; st != StateClean {
		t.Errorf("state = %q, want clean", st)
	}
}

func TestOpenMissingNoteStartsEmpty(t *testing.T) {
	reg, _ := testRegistry(t)
	s, err := reg.Open("walden", "Walden", "Economy")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Content() != "" {
		t.Errorf("buffer = %q, want empty", s.Content())
	}
}

func TestNudgeUnknownPathIgnored(t *testing.T) {
	reg, _ := testRegistry(t)
	reg.Nudge("books/Nobody/Nothing.md") // must not panic
}

func TestCloseSyncFailurePropagates(t *testing.T) {
	reg, v := testRegistry(t)

	abs, err := v.AbsPath(vault.ChapterNotePath("Walden", "Economy"))
	if err != nil {
		t.Fatalf("AbsPath: %v", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	s, err := reg.Open("walden", "Walden", "Economy")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.SetContent("cannot land")
	waitFor(t, "sync_failed", func() bool { return s.Status().State == StateSyncFailed })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = reg.Close(ctx, "walden", "Economy")
	if !errors.Is(err, apperr.ErrSyncFailed) {
		t.Errorf("Close err = %v, want ErrSyncFailed", err)
	}
}
