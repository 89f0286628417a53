// Package notesync keeps a chapter's in-app note buffer and its vault file
// converging under concurrent edits from the reading interface and external
// editors. There is no lock on the file: conflicts are detected by comparing
// modification times and content checksums, local edits are debounced into
// atomic flushes, and remote changes are only applied while no local edit is
// pending.
package notesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hvaillaud/marginalia/internal/apperr"
	"github.com/hvaillaud/marginalia/internal/checksum"
	"github.com/hvaillaud/marginalia/internal/vault"
)

// Session states surfaced to the interface.
const (
	StateClean      = "clean"
	StateDirtyLocal = "dirty"
	StateFlushing   = "flushing"
	StateSyncFailed = "sync_failed"
)

// Event kinds published after session transitions.
const (
	EventRemote     = "note.remote"
	EventFlushed    = "note.flushed"
	EventSyncFailed = "note.sync_failed"
)

// Publisher receives note sync events for broadcast to the interface.
type Publisher interface {
	PublishNoteEvent(kind, bookID, chapterTitle string)
}

// Status is a snapshot of a session's sync state.
type Status struct {
	State       string    `json:"state"`
	LastError   string    `json:"last_error,omitempty"`
	LastFlushed time.Time `json:"last_flushed,omitempty"`
	ModTime     time.Time `json:"mod_time,omitempty"`
}

// Session owns the sync state machine for one open chapter note.
//
// Invariants: at most one flush is in flight at a time; a local edit
// arriving during a flush is coalesced into the next flush, never
// interleaved; the buffer is never replaced with file content while a local
// edit is unflushed; no mutex is held across file I/O.
type Session struct {
	bookID       string
	bookTitle    string
	chapterTitle string

	vault  *vault.Vault
	events Publisher
	logger *slog.Logger

	debounce      time.Duration
	pollInterval  time.Duration
	flushAttempts int
	retryBackoff  time.Duration

	mu            sync.Mutex
	buf           string
	bufSum        string
	lastSeenMod   time.Time
	lastFlushed   time.Time
	dirty         bool
	flushing      bool
	pendingRemote bool
	closed        bool
	syncErr       error
	debounceTimer *time.Timer
	flushDone     chan struct{} // closed when the in-flight flush settles

	wake chan struct{}
	done chan struct{}
}

func newSession(bookID, bookTitle, chapterTitle string, v *vault.Vault, events Publisher, logger *slog.Logger, cfg Config) (*Session, error) {
	s := &Session{
		bookID:        bookID,
		bookTitle:     bookTitle,
		chapterTitle:  chapterTitle,
		vault:         v,
		events:        events,
		logger:        logger,
		debounce:      cfg.Debounce,
		pollInterval:  cfg.PollInterval,
		flushAttempts: cfg.FlushAttempts,
		retryBackoff:  cfg.RetryBackoff,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	// Seed the buffer from the file. A missing file is fine: the note is
	// created lazily on first flush.
	content, mod, err := v.Read(bookTitle, chapterTitle)
	switch {
	case err == nil:
		s.buf = content
		s.bufSum = checksum.Sum([]byte(content))
		s.lastSeenMod = mod
	case errors.Is(err, apperr.ErrNotFound):
		s.bufSum = checksum.Sum(nil)
	default:
		return nil, err
	}

	go s.run()
	return s, nil
}

// Content returns the current buffer. The buffer reflects local edits
// immediately, before any flush.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

// Status returns a snapshot of the session's sync state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:       s.stateLocked(),
		LastFlushed: s.lastFlushed,
		ModTime:     s.lastSeenMod,
	}
	if s.syncErr != nil {
		st.LastError = s.syncErr.Error()
	}
	return st
}

func (s *Session) stateLocked() string {
	switch {
	case s.syncErr != nil:
		return StateSyncFailed
	case s.flushing:
		return StateFlushing
	case s.dirty:
		return StateDirtyLocal
	default:
		return StateClean
	}
}

// SetContent records a local edit. The buffer is updated immediately and a
// debounce timer is (re)started; the flush happens when edits pause.
func (s *Session) SetContent(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = content
	s.bufSum = checksum.Sum([]byte(content))
	s.dirty = true
	s.syncErr = nil
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debounceTimer = time.AfterFunc(s.debounce, s.Flush)
}

// Flush pushes a pending local edit to the vault immediately, bypassing the
// debounce. Used by the debounce timer, manual retry, and teardown.
func (s *Session) Flush() {
	s.mu.Lock()
	if !s.dirty || s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	s.flushDone = make(chan struct{})
	s.mu.Unlock()

	s.flushLoop()
}

// flushLoop writes the buffer out, retrying with backoff up to the bounded
// attempt count. Runs without the session mutex held; re-flushes when the
// buffer changed while a write was in flight.
func (s *Session) flushLoop() {
	for {
		s.mu.Lock()
		content := s.buf
		snapshot := s.bufSum
		s.mu.Unlock()

		mod, err := s.writeWithRetry(content)

		s.mu.Lock()
		if err != nil {
			s.flushing = false
			s.syncErr = fmt.Errorf("%w: %v", apperr.ErrSyncFailed, err)
			close(s.flushDone)
			s.mu.Unlock()
			s.logger.Error("notesync: flush failed",
				slog.String("book", s.bookID),
				slog.String("chapter", s.chapterTitle),
				slog.String("error", err.Error()))
			if s.events != nil {
				s.events.PublishNoteEvent(EventSyncFailed, s.bookID, s.chapterTitle)
			}
			return
		}

		s.lastSeenMod = mod
		s.lastFlushed = time.Now()
		if s.bufSum != snapshot {
			// Another local edit landed while writing; coalesce it into
			// the next flush iteration.
			s.mu.Unlock()
			continue
		}
		s.dirty = false
		s.flushing = false
		recheck := s.pendingRemote
		s.pendingRemote = false
		close(s.flushDone)
		s.mu.Unlock()

		if s.events != nil {
			s.events.PublishNoteEvent(EventFlushed, s.bookID, s.chapterTitle)
		}
		if recheck {
			// A remote change was deferred while the local edit was
			// pending; re-check now that both sides have settled.
			s.nudge()
		}
		return
	}
}

func (s *Session) writeWithRetry(content string) (time.Time, error) {
	var lastErr error
	backoff := s.retryBackoff
	for attempt := 0; attempt < s.flushAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-s.done:
			}
			backoff *= 2
		}
		mod, err := s.vault.Write(s.bookTitle, s.chapterTitle, content)
		if err == nil {
			return mod, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// poll checks the vault file for external changes. A remote change is
// applied only from a settled state; while a local edit is pending it is
// deferred and re-checked after the flush completes.
func (s *Session) poll() {
	s.mu.Lock()
	if s.dirty || s.flushing {
		s.pendingRemote = true
		s.mu.Unlock()
		return
	}
	lastSeen := s.lastSeenMod
	bufSum := s.bufSum
	s.mu.Unlock()

	content, mod, err := s.vault.Read(s.bookTitle, s.chapterTitle)
	if err != nil {
		// Missing file before first flush is normal; other errors are
		// transient and retried on the next tick.
		if !errors.Is(err, apperr.ErrNotFound) {
			s.logger.Warn("notesync: poll read failed",
				slog.String("chapter", s.chapterTitle),
				slog.String("error", err.Error()))
		}
		return
	}
	if !mod.After(lastSeen) || checksum.Sum([]byte(content)) == bufSum {
		return
	}

	s.mu.Lock()
	// Re-check: a local edit may have arrived while reading.
	if s.dirty || s.flushing {
		s.pendingRemote = true
		s.mu.Unlock()
		return
	}
	s.buf = content
	s.bufSum = checksum.Sum([]byte(content))
	s.lastSeenMod = mod
	s.mu.Unlock()

	s.logger.Debug("notesync: buffer refreshed from vault",
		slog.String("book", s.bookID),
		slog.String("chapter", s.chapterTitle))
	if s.events != nil {
		s.events.PublishNoteEvent(EventRemote, s.bookID, s.chapterTitle)
	}
}

// run is the session's poll loop: a fixed-interval tick plus watcher
// nudges. It is active only while the session is open.
func (s *Session) run() {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.poll()
		case <-s.wake:
			s.poll()
		}
	}
}

// nudge schedules an immediate poll without blocking.
func (s *Session) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// close stops the poll loop and completes any pending flush before
// returning. A pending local edit is always flushed to completion so
// teardown never loses data; a flush failure surfaces as ErrSyncFailed and
// leaves the buffer with the caller.
func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	inFlight := s.flushDone
	flushing := s.flushing
	s.mu.Unlock()

	close(s.done)

	if flushing {
		select {
		case <-inFlight:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.Flush() // flush any still-pending edit synchronously

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncErr != nil {
		return s.syncErr
	}
	return nil
}
