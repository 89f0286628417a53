package library

import (
	"testing"

	"github.com/hvaillaud/marginalia/internal/models"
)

func deviceSnapshot() []models.Highlight {
	return []models.Highlight{
		{Anchor: models.Anchor{ChapterTitle: "Economy", Start: 5, End: 12}, Quote: "lived alone"},
		{Anchor: models.Anchor{ChapterTitle: "Sounds", Start: 0, End: 3}, Quote: "two"},
	}
}

func TestReconcileIdempotent(t *testing.T) {
	db := testDB(t)
	seedBook(t, db)

	res, err := db.Reconcile("walden", deviceSnapshot())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Added != 2 || res.Skipped != 0 {
		t.Fatalf("first import: added=%d skipped=%d", res.Added, res.Skipped)
	}

	res, err = db.Reconcile("walden", deviceSnapshot())
	if err != nil {
		t.Fatalf("Reconcile again: %v", err)
	}
	if res.Added != 0 || res.Skipped != 2 {
		t.Errorf("repeat import: added=%d skipped=%d", res.Added, res.Skipped)
	}
}

func TestReconcileNeverDeletes(t *testing.T) {
	db := testDB(t)
	seedBook(t, db)

	// An in-app highlight that the device snapshot does not contain.
	if _, _, err := db.InsertHighlight(models.Highlight{
		BookID: "walden",
		Anchor: models.Anchor{ChapterTitle: "Economy", Start: 20, End: 30},
		Quote:  "kept forever",
		Source: models.SourceCreatedIn,
	}); err != nil {
		t.Fatalf("InsertHighlight: %v", err)
	}

	// Device-sourced highlight that later disappears from the snapshot.
	if _, err := db.Reconcile("walden", deviceSnapshot()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// Shrunken snapshot: one highlight removed on the device.
	if _, err := db.Reconcile("walden", deviceSnapshot()[:1]); err != nil {
		t.Fatalf("Reconcile shrunk: %v", err)
	}

	all, err := db.ListHighlightsForBook("walden")
	if err != nil {
		t.Fatalf("ListHighlightsForBook: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d highlights, want 3 (nothing deleted)", len(all))
	}

	var inApp bool
	for _, h := range all {
		if h.Source == models.SourceCreatedIn {
			inApp = true
		}
	}
	if !inApp {
		t.Error("in-app highlight lost during reconcile")
	}
}

func TestReconcileAnchorDriftCreatesNewRow(t *testing.T) {
	db := testDB(t)
	seedBook(t, db)

	first := []models.Highlight{
		{Anchor: models.Anchor{ChapterTitle: "Economy", Start: 5, End: 12}, Quote: "lived alone"},
	}
	if _, err := db.Reconcile("walden", first); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// Same quote at a different position.
	drifted := []models.Highlight{
		{Anchor: models.Anchor{ChapterTitle: "Economy", Start: 7, End: 14}, Quote: "lived alone"},
	}
	res, err := db.Reconcile("walden", drifted)
	if err != nil {
		t.Fatalf("Reconcile drifted: %v", err)
	}
	if res.Added != 1 {
		t.Errorf("drifted anchor: added=%d, want 1", res.Added)
	}
}

func TestReconcileForcesImportedSource(t *testing.T) {
	db := testDB(t)
	seedBook(t, db)

	snap := []models.Highlight{
		{Anchor: models.Anchor{ChapterTitle: "Economy", Start: 1, End: 2}, Quote: "one", Source: "whatever"},
	}
	if _, err := db.Reconcile("walden", snap); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	all, err := db.ListHighlightsForBook("walden")
	if err != nil {
		t.Fatalf("ListHighlightsForBook: %v", err)
	}
	if len(all) != 1 || all[0].Source != models.SourceImported {
		t.Errorf("source = %q, want %q", all[0].Source, models.SourceImported)
	}
}
