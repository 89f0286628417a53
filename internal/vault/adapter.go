package vault

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hvaillaud/marginalia/internal/apperr"
)

const chaptersHeading = "## Chapters"

// Read returns the content and modification time of a chapter's note.
// Returns apperr.ErrNotFound when the note file does not exist yet.
func (v *Vault) Read(bookTitle, chapterTitle string) (string, time.Time, error) {
	data, mod, err := v.ReadFile(ChapterNotePath(bookTitle, chapterTitle))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(data), mod, nil
}

// Write stores a chapter's note and returns the file modification time.
// The book index note is updated first, so a chapter note is never orphaned
// from its book index.
func (v *Vault) Write(bookTitle, chapterTitle, content string) (time.Time, error) {
	if err := v.EnsureIndexed(bookTitle, chapterTitle); err != nil {
		return time.Time{}, err
	}
	return v.WriteFile(ChapterNotePath(bookTitle, chapterTitle), []byte(content))
}

// EnsureIndexed makes sure the book's index note exists and carries exactly
// one link line for the chapter. Idempotent: repeated calls append nothing.
// Links are append-only; nothing is ever pruned automatically.
func (v *Vault) EnsureIndexed(bookTitle, chapterTitle string) error {
	indexRel := IndexNotePath(bookTitle)

	var content string
	data, _, err := v.ReadFile(indexRel)
	switch {
	case err == nil:
		content = string(data)
	case errors.Is(err, apperr.ErrNotFound):
		content = fmt.Sprintf("# %s\n\n%s\n\n", bookTitle, chaptersHeading)
	default:
		return err
	}

	link := chapterLink(bookTitle, chapterTitle)
	if containsLine(content, link) {
		return nil
	}

	content = strings.TrimRight(content, "\n") + "\n" + link + "\n"
	if _, err := v.WriteFile(indexRel, []byte(content)); err != nil {
		return err
	}
	return nil
}

// chapterLink is the wikilink line added to the book index note: the target
// is the sanitised note name, the alias the original chapter title.
func chapterLink(bookTitle, chapterTitle string) string {
	return fmt.Sprintf("- [[%s|%s]]", Sanitize(chapterTitle), chapterTitle)
}

func containsLine(content, line string) bool {
	for _, l := range strings.Split(content, "\n") {
		if strings.TrimSpace(l) == line {
			return true
		}
	}
	return false
}
