package library

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hvaillaud/marginalia/internal/apperr"
	"github.com/hvaillaud/marginalia/internal/models"
)

// PutBook stores a book and its chapters, replacing any previous import of
// the same id as a whole. Chapter structure is immutable between imports.
func (db *DB) PutBook(b models.Book) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("library: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	authorsJSON, _ := json.Marshal(b.Authors)

	if _, err := tx.Exec(`DELETE FROM chapters WHERE book_id = ?`, b.ID); err != nil {
		return fmt.Errorf("library: clear chapters: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO books (id, title, authors, source_file, imported_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title       = excluded.title,
			authors     = excluded.authors,
			source_file = excluded.source_file,
			imported_at = excluded.imported_at
	`, b.ID, b.Title, string(authorsJSON), b.SourceFile, b.ImportedAt)
	if err != nil {
		return fmt.Errorf("library: upsert book: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO chapters (book_id, idx, title, content, text) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("library: prepare chapter insert: %w", err)
	}
	defer stmt.Close()
	for _, ch := range b.Chapters {
		if _, err := stmt.Exec(b.ID, ch.Index, ch.Title, ch.Content, ch.Text); err != nil {
			return fmt.Errorf("library: insert chapter %d: %w", ch.Index, err)
		}
	}

	return tx.Commit()
}

// GetBook returns a book with its chapter list (titles only, no content).
func (db *DB) GetBook(id string) (*models.Book, error) {
	b, err := db.scanBook(id)
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.Query(`SELECT idx, title FROM chapters WHERE book_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("library: list chapters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		ch := models.Chapter{BookID: id}
		if err := rows.Scan(&ch.Index, &ch.Title); err != nil {
			return nil, err
		}
		b.Chapters = append(b.Chapters, ch)
	}
	return b, rows.Err()
}

// ListBooks returns all imported books ordered by title, without chapters.
func (db *DB) ListBooks() ([]models.Book, error) {
	rows, err := db.conn.Query(`SELECT id, title, authors, source_file, imported_at FROM books ORDER BY title`)
	if err != nil {
		return nil, fmt.Errorf("library: list books: %w", err)
	}
	defer rows.Close()

	var out []models.Book
	for rows.Next() {
		b, err := scanBookRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetChapter returns one chapter with its full content.
func (db *DB) GetChapter(bookID string, index int) (*models.Chapter, error) {
	ch := models.Chapter{BookID: bookID, Index: index}
	err := db.conn.QueryRow(
		`SELECT title, content, text FROM chapters WHERE book_id = ? AND idx = ?`,
		bookID, index,
	).Scan(&ch.Title, &ch.Content, &ch.Text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("library: get chapter: %w", err)
	}
	return &ch, nil
}

// ChaptersWithText returns every chapter of a book with full content, in
// reading order.
func (db *DB) ChaptersWithText(bookID string) ([]models.Chapter, error) {
	rows, err := db.conn.Query(`SELECT idx, title, content, text FROM chapters WHERE book_id = ? ORDER BY idx`, bookID)
	if err != nil {
		return nil, fmt.Errorf("library: chapters with text: %w", err)
	}
	defer rows.Close()

	var out []models.Chapter
	for rows.Next() {
		ch := models.Chapter{BookID: bookID}
		if err := rows.Scan(&ch.Index, &ch.Title, &ch.Content, &ch.Text); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// ChapterCount returns the number of chapters in a book.
func (db *DB) ChapterCount(bookID string) (int, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM chapters WHERE book_id = ?`, bookID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("library: chapter count: %w", err)
	}
	return n, nil
}

func (db *DB) scanBook(id string) (*models.Book, error) {
	row := db.conn.QueryRow(`SELECT id, title, authors, source_file, imported_at FROM books WHERE id = ?`, id)
	var b models.Book
	var authorsJSON string
	err := row.Scan(&b.ID, &b.Title, &authorsJSON, &b.SourceFile, &b.ImportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("library: get book: %w", err)
	}
	_ = json.Unmarshal([]byte(authorsJSON), &b.Authors)
	return &b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBookRow(rs rowScanner) (models.Book, error) {
	var b models.Book
	var authorsJSON string
	var importedAt time.Time
	if err := rs.Scan(&b.ID, &b.Title, &authorsJSON, &b.SourceFile, &importedAt); err != nil {
		return b, err
	}
	b.ImportedAt = importedAt
	_ = json.Unmarshal([]byte(authorsJSON), &b.Authors)
	return b, nil
}
