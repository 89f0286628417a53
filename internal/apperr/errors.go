// Package apperr defines the sentinel errors shared across the service.
package apperr

import "errors"

var (
	// ErrNotFound means no book, chapter, note, or highlight exists at the
	// given identity. Surfaced to the caller, never fatal.
	ErrNotFound = errors.New("not found")

	// ErrSourceUnavailable means the device database or book manifest could
	// not be read. Imports abort atomically; the store is left unchanged.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrPathCollision means two chapter titles in one book sanitise to the
	// same vault path. Fatal to that book's import; requires a manual rename.
	ErrPathCollision = errors.New("note path collision")

	// ErrSyncFailed means a note flush exhausted its retries. The in-app
	// buffer is retained for manual retry.
	ErrSyncFailed = errors.New("note sync failed")

	// ErrStreamInterrupted means the LLM stream dropped mid-turn. Fragments
	// already received are persisted with an incomplete marker.
	ErrStreamInterrupted = errors.New("stream interrupted")
)
