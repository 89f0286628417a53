package library

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hvaillaud/marginalia/internal/apperr"
	"github.com/hvaillaud/marginalia/internal/models"
)

// CreateConversation starts a new conversation for a chapter and returns it.
func (db *DB) CreateConversation(bookID string, chapterIndex int, title string) (*models.Conversation, error) {
	c := models.Conversation{
		ID:           uuid.NewString(),
		BookID:       bookID,
		ChapterIndex: chapterIndex,
		Title:        title,
		CreatedAt:    time.Now().UTC(),
	}
	if c.Title == "" {
		c.Title = "Chat " + c.CreatedAt.Format("15:04")
	}
	_, err := db.conn.Exec(`
		INSERT INTO conversations (id, book_id, chapter_index, title, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.BookID, c.ChapterIndex, c.Title, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("library: create conversation: %w", err)
	}
	return &c, nil
}

// GetConversation returns one conversation by id.
func (db *DB) GetConversation(id string) (*models.Conversation, error) {
	var c models.Conversation
	err := db.conn.QueryRow(`
		SELECT id, book_id, chapter_index, title, created_at FROM conversations WHERE id = ?
	`, id).Scan(&c.ID, &c.BookID, &c.ChapterIndex, &c.Title, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("library: get conversation: %w", err)
	}
	return &c, nil
}

// ListConversations returns a chapter's conversations ordered by creation time.
func (db *DB) ListConversations(bookID string, chapterIndex int) ([]models.Conversation, error) {
	rows, err := db.conn.Query(`
		SELECT id, book_id, chapter_index, title, created_at
		FROM conversations
		WHERE book_id = ? AND chapter_index = ?
		ORDER BY created_at, id
	`, bookID, chapterIndex)
	if err != nil {
		return nil, fmt.Errorf("library: list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.BookID, &c.ChapterIndex, &c.Title, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetConversationTitle updates a conversation's display title.
func (db *DB) SetConversationTitle(id, title string) error {
	res, err := db.conn.Exec(`UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("library: set conversation title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// AppendTurn persists one turn at the end of a conversation and returns its
// index. Appends are strictly ordered per conversation; the turn is durable
// when this returns, so a crash loses at most the in-flight turn.
func (db *DB) AppendTurn(conversationID string, t models.Turn) (int, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("library: begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("library: check conversation: %w", err)
	}
	if exists == 0 {
		return 0, apperr.ErrNotFound
	}

	var next int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(idx)+1, 0) FROM turns WHERE conversation_id = ?`, conversationID).Scan(&next); err != nil {
		return 0, fmt.Errorf("library: next turn index: %w", err)
	}

	incomplete := 0
	if t.Incomplete {
		incomplete = 1
	}
	_, err = tx.Exec(`
		INSERT INTO turns (conversation_id, idx, role, content, context, incomplete, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, conversationID, next, t.Role, t.Content, t.Context, incomplete, t.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("library: insert turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("library: commit append: %w", err)
	}
	return next, nil
}

// History returns a conversation's turns in append order.
func (db *DB) History(conversationID string) ([]models.Turn, error) {
	rows, err := db.conn.Query(`
		SELECT idx, role, content, context, incomplete, created_at
		FROM turns
		WHERE conversation_id = ?
		ORDER BY idx
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("library: history: %w", err)
	}
	defer rows.Close()

	var out []models.Turn
	for rows.Next() {
		var t models.Turn
		var incomplete int
		if err := rows.Scan(&t.Index, &t.Role, &t.Content, &t.Context, &incomplete, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Incomplete = incomplete != 0
		out = append(out, t)
	}
	return out, rows.Err()
}
