package vault

import (
	"fmt"
	"path"
	"strings"

	"github.com/hvaillaud/marginalia/internal/apperr"
)

const booksDir = "books"

// Sanitize strips characters that are illegal in file names and trims
// surrounding whitespace and dots. The mapping is deterministic: the same
// title always yields the same name.
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20:
		case strings.ContainsRune(`<>:"/\|?*`, r):
		default:
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), " .")
}

// ChapterNotePath derives the vault-relative path of a chapter's note from
// the book and chapter titles.
func ChapterNotePath(bookTitle, chapterTitle string) string {
	return path.Join(booksDir, Sanitize(bookTitle), Sanitize(chapterTitle)+".md")
}

// IndexNotePath derives the vault-relative path of a book's index note.
func IndexNotePath(bookTitle string) string {
	safe := Sanitize(bookTitle)
	return path.Join(booksDir, safe, safe+".md")
}

// CheckCollisions verifies that every chapter title in a book derives a
// distinct note path, and that none of them shadows the book's index note.
// A collision is a configuration error for that book: it must be surfaced
// at import time, never resolved by silently merging notes.
func CheckCollisions(bookTitle string, chapterTitles []string) error {
	seen := make(map[string]string, len(chapterTitles)+1)
	seen[IndexNotePath(bookTitle)] = bookTitle + " (book index)"
	for _, title := range chapterTitles {
		p := ChapterNotePath(bookTitle, title)
		if prev, ok := seen[p]; ok {
			return fmt.Errorf("%w: %q and %q both map to %s", apperr.ErrPathCollision, prev, title, p)
		}
		seen[p] = title
	}
	return nil
}
