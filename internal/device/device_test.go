package device

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/hvaillaud/marginalia/internal/apperr"
	"github.com/hvaillaud/marginalia/internal/models"
	"github.com/hvaillaud/marginalia/internal/testutil"
)

// writeDeviceDB builds a minimal e-reader annotation database.
func writeDeviceDB(t *testing.T, rows []RawHighlight) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "KoboReader.sqlite")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open device db: %v", err)
	}
	defer db.Close()

	schema := `
		CREATE TABLE content (ContentID TEXT, Title TEXT, ContentType INTEGER);
		CREATE TABLE Bookmark (VolumeID TEXT, Text TEXT, Annotation TEXT, ContentID TEXT, Type TEXT, DateCreated TEXT);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO content VALUES (?, ?, 6)`,
		"file:///mnt/walden.epub!ch1", "Walden",
	); err != nil {
		t.Fatalf("insert content: %v", err)
	}
	for i, r := range rows {
		if _, err := db.Exec(
			`INSERT INTO Bookmark VALUES (?, ?, ?, ?, 'highlight', ?)`,
			"file:///mnt/walden.epub", r.Quote, r.Comment, r.ContentID,
			"2024-03-0"+string(rune('1'+i))+"T10:00:00",
		); err != nil {
			t.Fatalf("insert bookmark: %v", err)
		}
	}
	return path
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validManifest = `{
	"title": "Walden",
	"authors": ["Henry David Thoreau"],
	"file_location": "walden.epub",
	"chapters": [
		{"title": "Economy", "content": "<p>I lived alone in the woods.</p>"},
		{"title": "Sounds", "content": "<p>Trains passed.</p>", "text": "Trains passed."}
	]
}`

func TestLoadManifest(t *testing.T) {
	book, err := LoadManifest(writeManifest(t, validManifest))
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if book.ID != "walden" {
		t.Errorf("id = %q", book.ID)
	}
	if len(book.Chapters) != 2 {
		t.Fatalf("got %d chapters", len(book.Chapters))
	}
	// Plain text derived from the HTML when the extractor omitted it.
	if book.Chapters[0].Text != "I lived alone in the woods." {
		t.Errorf("derived text = %q", book.Chapters[0].Text)
	}
	if book.Chapters[1].Text != "Trains passed." {
		t.Errorf("supplied text = %q", book.Chapters[1].Text)
	}
}

func TestLoadManifestInvalid(t *testing.T) {
	cases := map[string]string{
		"missing title":    `{"chapters": [{"title": "x", "content": "y"}]}`,
		"no chapters":      `{"title": "Walden", "chapters": []}`,
		"untitled chapter": `{"title": "Walden", "chapters": [{"content": "y"}]}`,
		"not json":         `{`,
	}
	for name, manifest := range cases {
		if _, err := LoadManifest(writeManifest(t, manifest)); !errors.Is(err, apperr.ErrSourceUnavailable) {
			t.Errorf("%s: err = %v, want ErrSourceUnavailable", name, err)
		}
	}
}

func TestBookID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Walden", "walden"},
		{"Moby-Dick; or, The Whale", "moby-dick-or-the-whale"},
		{"  Écrits 2nd Ed. ", "crits-2nd-ed"},
	}
	for _, c := range cases {
		if got := BookID(c.in); got != c.want {
			t.Errorf("BookID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFetchHighlights(t *testing.T) {
	path := writeDeviceDB(t, []RawHighlight{
		{Quote: "lived alone in the woods", Comment: "core image", ContentID: "file:///mnt/walden.epub!ch1"},
		{Quote: "Trains passed", ContentID: "file:///mnt/walden.epub!ch2"},
	})

	src := NewHighlightSource(path)
	got, err := src.Fetch(context.Background(), "Walden")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d highlights", len(got))
	}
	if got[0].Quote != "lived alone in the woods" || got[0].Comment != "core image" {
		t.Errorf("first highlight = %+v", got[0])
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("created-at not parsed")
	}
}

func TestFetchMissingDatabase(t *testing.T) {
	src := NewHighlightSource(filepath.Join(t.TempDir(), "absent.sqlite"))
	if _, err := src.Fetch(context.Background(), "Walden"); !errors.Is(err, apperr.ErrSourceUnavailable) {
		t.Errorf("err = %v, want ErrSourceUnavailable", err)
	}
}

func TestFetchUnknownBook(t *testing.T) {
	path := writeDeviceDB(t, nil)
	src := NewHighlightSource(path)
	if _, err := src.Fetch(context.Background(), "Not In Library"); !errors.Is(err, apperr.ErrSourceUnavailable) {
		t.Errorf("err = %v, want ErrSourceUnavailable", err)
	}
}

func TestAnchorHighlights(t *testing.T) {
	chapters := []models.Chapter{
		{Title: "Economy", Text: "When I wrote the following pages I lived alone in the woods."},
		{Title: "Sounds", Text: "Trains passed in the distance."},
	}
	raw := []RawHighlight{
		{Quote: "lived alone in the woods"},
		{Quote: "Trains passed"},
		{Quote: "never appears anywhere"},
	}

	got := AnchorHighlights(chapters, raw)
	if len(got) != 3 {
		t.Fatalf("got %d highlights", len(got))
	}
	if got[0].Anchor.ChapterTitle != "Economy" || got[0].Anchor.Start < 0 {
		t.Errorf("first anchor = %+v", got[0].Anchor)
	}
	if got[1].Anchor.ChapterTitle != "Sounds" {
		t.Errorf("second anchor = %+v", got[1].Anchor)
	}
	// Unlocatable quote still imported, without a position.
	if got[2].Anchor.ChapterTitle != "" || got[2].Anchor.Start != -1 {
		t.Errorf("third anchor = %+v", got[2].Anchor)
	}
	for _, h := range got {
		if h.Source != models.SourceImported {
			t.Errorf("source = %q", h.Source)
		}
	}
}

func TestImporterRoundTrip(t *testing.T) {
	db := testutil.TestDB(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	imp := NewImporter(db, logger)

	book, err := imp.ImportBook(writeManifest(t, validManifest))
	if err != nil {
		t.Fatalf("ImportBook: %v", err)
	}

	devPath := writeDeviceDB(t, []RawHighlight{
		{Quote: "lived alone in the woods"},
	})
	src := NewHighlightSource(devPath)

	res, err := imp.ImportHighlights(context.Background(), book.ID, src)
	if err != nil {
		t.Fatalf("ImportHighlights: %v", err)
	}
	if res.Added != 1 {
		t.Errorf("added = %d", res.Added)
	}

	// Second run is a no-op.
	res, err = imp.ImportHighlights(context.Background(), book.ID, src)
	if err != nil {
		t.Fatalf("ImportHighlights again: %v", err)
	}
	if res.Added != 0 || res.Skipped != 1 {
		t.Errorf("repeat: added=%d skipped=%d", res.Added, res.Skipped)
	}
}

func TestImportBookPathCollision(t *testing.T) {
	db := testutil.TestDB(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	imp := NewImporter(db, logger)

	manifest := `{
		"title": "Walden",
		"chapters": [
			{"title": "Sounds?", "content": "a"},
			{"title": "Sounds*", "content": "b"}
		]
	}`
	if _, err := imp.ImportBook(writeManifest(t, manifest)); !errors.Is(err, apperr.ErrPathCollision) {
		t.Fatalf("err = %v, want ErrPathCollision", err)
	}

	// Nothing stored for the failed book.
	if _, err := db.GetBook("walden"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("book stored despite collision: err = %v", err)
	}
}
