package library

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hvaillaud/marginalia/internal/apperr"
	"github.com/hvaillaud/marginalia/internal/models"
	"github.com/hvaillaud/marginalia/internal/textutil"
)

// InsertHighlight stores a highlight. Inserts are idempotent under the
// identity key (book, anchor, normalised quote): a duplicate insert is a
// no-op, not an error. Returns the stored row id and whether a new row was
// actually created.
func (db *DB) InsertHighlight(h models.Highlight) (int64, bool, error) {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	key := textutil.NormalizeQuote(h.Quote)

	res, err := db.conn.Exec(`
		INSERT OR IGNORE INTO highlights
			(book_id, chapter_title, start_off, end_off, quote, quote_key, comment, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.BookID, h.Anchor.ChapterTitle, h.Anchor.Start, h.Anchor.End, h.Quote, key, h.Comment, h.Source, h.CreatedAt)
	if err != nil {
		return 0, false, fmt.Errorf("library: insert highlight: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var id int64
		err := db.conn.QueryRow(`
			SELECT id FROM highlights
			WHERE book_id = ? AND chapter_title = ? AND start_off = ? AND end_off = ? AND quote_key = ?
		`, h.BookID, h.Anchor.ChapterTitle, h.Anchor.Start, h.Anchor.End, key).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("library: lookup duplicate highlight: %w", err)
		}
		return id, false, nil
	}
	id, _ := res.LastInsertId()
	return id, true, nil
}

// ListHighlightsForChapter returns a chapter's highlights ordered by anchor
// position so rendering is stable. Unlocated anchors (offset -1) sort last.
func (db *DB) ListHighlightsForChapter(bookID, chapterTitle string) ([]models.Highlight, error) {
	rows, err := db.conn.Query(`
		SELECT id, book_id, chapter_title, start_off, end_off, quote, comment, source, created_at
		FROM highlights
		WHERE book_id = ? AND chapter_title = ?
		ORDER BY CASE WHEN start_off < 0 THEN 1 ELSE 0 END, start_off, id
	`, bookID, chapterTitle)
	if err != nil {
		return nil, fmt.Errorf("library: list highlights: %w", err)
	}
	defer rows.Close()
	return scanHighlights(rows)
}

// ListHighlightsForBook returns every highlight of a book, chapter order
// unspecified, anchor order within a chapter.
func (db *DB) ListHighlightsForBook(bookID string) ([]models.Highlight, error) {
	rows, err := db.conn.Query(`
		SELECT id, book_id, chapter_title, start_off, end_off, quote, comment, source, created_at
		FROM highlights
		WHERE book_id = ?
		ORDER BY chapter_title, CASE WHEN start_off < 0 THEN 1 ELSE 0 END, start_off, id
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("library: list book highlights: %w", err)
	}
	defer rows.Close()
	return scanHighlights(rows)
}

// DeleteHighlight removes a highlight by row id. Manual operation only;
// the reconciler never deletes.
func (db *DB) DeleteHighlight(id int64) error {
	res, err := db.conn.Exec(`DELETE FROM highlights WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("library: delete highlight: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// GetHighlight returns one highlight by row id.
func (db *DB) GetHighlight(id int64) (*models.Highlight, error) {
	row := db.conn.QueryRow(`
		SELECT id, book_id, chapter_title, start_off, end_off, quote, comment, source, created_at
		FROM highlights WHERE id = ?
	`, id)
	h, err := scanHighlight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("library: get highlight: %w", err)
	}
	return &h, nil
}

func scanHighlights(rows *sql.Rows) ([]models.Highlight, error) {
	var out []models.Highlight
	for rows.Next() {
		h, err := scanHighlight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHighlight(rs rowScanner) (models.Highlight, error) {
	var h models.Highlight
	err := rs.Scan(&h.ID, &h.BookID, &h.Anchor.ChapterTitle, &h.Anchor.Start, &h.Anchor.End,
		&h.Quote, &h.Comment, &h.Source, &h.CreatedAt)
	return h, err
}
