package device

import (
	"context"
	"log/slog"

	"github.com/hvaillaud/marginalia/internal/library"
	"github.com/hvaillaud/marginalia/internal/models"
	"github.com/hvaillaud/marginalia/internal/vault"
)

// Importer wires the ingestion boundary to the library store.
type Importer struct {
	db     *library.DB
	logger *slog.Logger
}

// NewImporter creates an importer writing into the given library.
func NewImporter(db *library.DB, logger *slog.Logger) *Importer {
	return &Importer{db: db, logger: logger}
}

// ImportBook loads a manifest and stores the book as a whole replacement.
// Chapter titles are checked for note-path collisions up front: a collision
// is fatal to the book and nothing is stored.
func (i *Importer) ImportBook(manifestPath string) (*models.Book, error) {
	book, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	titles := make([]string, len(book.Chapters))
	for idx, ch := range book.Chapters {
		titles[idx] = ch.Title
	}
	if err := vault.CheckCollisions(book.Title, titles); err != nil {
		return nil, err
	}

	if err := i.db.PutBook(*book); err != nil {
		return nil, err
	}
	i.logger.Info("imported book",
		slog.String("book", book.ID),
		slog.Int("chapters", len(book.Chapters)))
	return book, nil
}

// ImportHighlights fetches the device's highlight snapshot for a book,
// anchors each quote to a chapter, and reconciles the result into the
// annotation store. The source read happens entirely before the store is
// touched, so an unreadable device leaves the store unchanged.
func (i *Importer) ImportHighlights(ctx context.Context, bookID string, src *HighlightSource) (library.ReconcileResult, error) {
	book, err := i.db.GetBook(bookID)
	if err != nil {
		return library.ReconcileResult{}, err
	}
	chapters, err := i.db.ChaptersWithText(bookID)
	if err != nil {
		return library.ReconcileResult{}, err
	}

	raw, err := src.Fetch(ctx, book.Title)
	if err != nil {
		return library.ReconcileResult{}, err
	}

	anchored := AnchorHighlights(chapters, raw)
	res, err := i.db.Reconcile(bookID, anchored)
	if err != nil {
		return library.ReconcileResult{}, err
	}
	i.logger.Info("reconciled highlights",
		slog.String("book", bookID),
		slog.Int("added", res.Added),
		slog.Int("skipped", res.Skipped))
	return res, nil
}
