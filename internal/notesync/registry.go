package notesync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hvaillaud/marginalia/internal/vault"
)

// Config tunes the sync machinery.
type Config struct {
	PollInterval  time.Duration // vault poll cadence while a note is open
	Debounce      time.Duration // quiet period before a local edit flushes
	FlushAttempts int           // bounded retries before surfacing SyncFailed
	RetryBackoff  time.Duration // initial backoff between flush attempts
}

// DefaultConfig returns the standard sync tuning.
func DefaultConfig() Config {
	return Config{
		PollInterval:  2 * time.Second,
		Debounce:      750 * time.Millisecond,
		FlushAttempts: 4,
		RetryBackoff:  250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.FlushAttempts <= 0 {
		c.FlushAttempts = d.FlushAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	return c
}

type sessionKey struct {
	bookID       string
	chapterTitle string
}

// Registry holds the open note sessions, one per (book, chapter). Sessions
// are created when a note panel opens and torn down on close after any
// pending flush completes. The registry is passed explicitly to request
// handlers; there is no ambient global state.
type Registry struct {
	vault  *vault.Vault
	events Publisher
	logger *slog.Logger
	cfg    Config

	mu       sync.Mutex
	sessions map[sessionKey]*Session
	byPath   map[string]sessionKey // vault-relative note path → session
}

// NewRegistry creates an empty session registry.
func NewRegistry(v *vault.Vault, events Publisher, logger *slog.Logger, cfg Config) *Registry {
	return &Registry{
		vault:    v,
		events:   events,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		sessions: make(map[sessionKey]*Session),
		byPath:   make(map[string]sessionKey),
	}
}

// Open returns the session for a chapter note, creating it (and starting
// its poll loop) on first use.
func (r *Registry) Open(bookID, bookTitle, chapterTitle string) (*Session, error) {
	key := sessionKey{bookID: bookID, chapterTitle: chapterTitle}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s, nil
	}

	s, err := newSession(bookID, bookTitle, chapterTitle, r.vault, r.events, r.logger, r.cfg)
	if err != nil {
		return nil, err
	}
	r.sessions[key] = s
	r.byPath[vault.ChapterNotePath(bookTitle, chapterTitle)] = key
	r.logger.Debug("notesync: session opened",
		slog.String("book", bookID), slog.String("chapter", chapterTitle))
	return s, nil
}

// Get returns an already-open session, if any.
func (r *Registry) Get(bookID, chapterTitle string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey{bookID: bookID, chapterTitle: chapterTitle}]
	return s, ok
}

// Close tears down one session. Its poll loop stops but a pending local
// edit is flushed to completion first.
func (r *Registry) Close(ctx context.Context, bookID, chapterTitle string) error {
	key := sessionKey{bookID: bookID, chapterTitle: chapterTitle}

	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
		delete(r.byPath, vault.ChapterNotePath(s.bookTitle, chapterTitle))
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return s.close(ctx)
}

// CloseAll drains every session; used at shutdown so no buffered edit is
// lost.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for k, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, k)
	}
	r.byPath = make(map[string]sessionKey)
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.close(ctx); err != nil {
			r.logger.Warn("notesync: close on shutdown",
				slog.String("chapter", s.chapterTitle),
				slog.String("error", err.Error()))
		}
	}
}

// Nudge wakes the session watching the given vault-relative path, if one is
// open. Called by the vault watcher; unknown paths are ignored.
func (r *Registry) Nudge(relPath string) {
	r.mu.Lock()
	key, ok := r.byPath[relPath]
	var s *Session
	if ok {
		s = r.sessions[key]
	}
	r.mu.Unlock()

	if s != nil {
		s.nudge()
	}
}
