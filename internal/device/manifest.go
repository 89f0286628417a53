// Package device is the ingestion boundary for e-reader data: book
// manifests produced by the external extraction tool, and highlight
// snapshots read from the device database. Everything crossing this
// boundary is validated into explicit shapes; malformed input surfaces as
// ErrSourceUnavailable instead of leaking inward.
package device

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/hvaillaud/marginalia/internal/apperr"
	"github.com/hvaillaud/marginalia/internal/models"
	"github.com/hvaillaud/marginalia/internal/textutil"
)

// Manifest is the JSON shape the external book-extraction tool produces.
// Decryption and ebook parsing happen entirely outside this process.
type Manifest struct {
	Title        string            `json:"title"`
	Authors      []string          `json:"authors"`
	FileLocation string            `json:"file_location"`
	Chapters     []ManifestChapter `json:"chapters"`
}

// ManifestChapter is one spine item in a manifest.
type ManifestChapter struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Text    string `json:"text"`
}

// Validate checks the manifest's required structure.
func (m Manifest) Validate() error {
	if err := validation.ValidateStruct(&m,
		validation.Field(&m.Title, validation.Required),
		validation.Field(&m.Chapters, validation.Required, validation.Length(1, 0)),
	); err != nil {
		return err
	}
	for i, ch := range m.Chapters {
		if err := validation.ValidateStruct(&ch,
			validation.Field(&ch.Title, validation.Required),
		); err != nil {
			return fmt.Errorf("chapter %d: %w", i, err)
		}
	}
	return nil
}

// LoadManifest reads and validates a book manifest and converts it to a
// domain Book. Chapter plain text falls back to stripping the HTML content
// when the extractor did not supply it.
func LoadManifest(path string) (*models.Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest %s: %v", apperr.ErrSourceUnavailable, path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parse manifest %s: %v", apperr.ErrSourceUnavailable, path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid manifest %s: %v", apperr.ErrSourceUnavailable, path, err)
	}

	book := &models.Book{
		ID:         BookID(m.Title),
		Title:      m.Title,
		Authors:    m.Authors,
		SourceFile: m.FileLocation,
		ImportedAt: time.Now().UTC(),
	}
	for i, ch := range m.Chapters {
		text := ch.Text
		if text == "" {
			text = textutil.StripHTML(ch.Content)
		}
		book.Chapters = append(book.Chapters, models.Chapter{
			BookID:  book.ID,
			Index:   i,
			Title:   ch.Title,
			Content: ch.Content,
			Text:    text,
		})
	}
	return book, nil
}

var idRe = regexp.MustCompile(`[^a-z0-9]+`)

// BookID derives a stable identifier from a book title.
func BookID(title string) string {
	id := idRe.ReplaceAllString(strings.ToLower(title), "-")
	return strings.Trim(id, "-")
}
