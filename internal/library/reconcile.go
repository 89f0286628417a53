package library

import (
	"fmt"
	"time"

	"github.com/hvaillaud/marginalia/internal/models"
	"github.com/hvaillaud/marginalia/internal/textutil"
)

// ReconcileResult reports the outcome of one highlight import.
type ReconcileResult struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}

// Reconcile merges a device-sourced highlight snapshot into the store.
//
// Policy: add or keep, never delete. Each imported highlight is keyed by
// (anchor, normalised quote); keys already present are skipped so repeated
// imports are idempotent. Highlights created in the app are an independent
// set and are never touched, even when the snapshot does not contain them.
// Anchor drift on the device produces a new row unless the anchor matches
// exactly — two different highlights are never silently merged.
//
// The whole merge runs in one transaction: either every new row lands or
// none does.
func (db *DB) Reconcile(bookID string, imported []models.Highlight) (ReconcileResult, error) {
	var res ReconcileResult

	tx, err := db.conn.Begin()
	if err != nil {
		return res, fmt.Errorf("library: begin reconcile: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO highlights
			(book_id, chapter_title, start_off, end_off, quote, quote_key, comment, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return res, fmt.Errorf("library: prepare reconcile insert: %w", err)
	}
	defer stmt.Close()

	for _, h := range imported {
		key := textutil.NormalizeQuote(h.Quote)
		createdAt := h.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		r, err := stmt.Exec(bookID, h.Anchor.ChapterTitle, h.Anchor.Start, h.Anchor.End,
			h.Quote, key, h.Comment, models.SourceImported, createdAt)
		if err != nil {
			return ReconcileResult{}, fmt.Errorf("library: reconcile insert: %w", err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			res.Added++
		} else {
			res.Skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return ReconcileResult{}, fmt.Errorf("library: commit reconcile: %w", err)
	}
	return res, nil
}
