// Package testutil provides shared test helpers for setting up vaults and databases.
package testutil

import (
	"os"
	"testing"
	"time"

	"github.com/hvaillaud/marginalia/internal/library"
	"github.com/hvaillaud/marginalia/internal/models"
	"github.com/hvaillaud/marginalia/internal/vault"
)

// TestDB creates a temporary SQLite library that is automatically cleaned up.
func TestDB(t *testing.T) *library.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "marginalia-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := library.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestVault creates a temporary vault directory.
func TestVault(t *testing.T) (string, *vault.Vault) {
	t.Helper()
	vaultDir := t.TempDir()
	v, err := vault.New(vaultDir)
	if err != nil {
		t.Fatal(err)
	}
	return vaultDir, v
}

// SeedBook stores a small two-chapter book and returns it.
func SeedBook(t *testing.T, db *library.DB) models.Book {
	t.Helper()
	book := models.Book{
		ID:         "walden",
		Title:      "Walden",
		Authors:    []string{"Henry David Thoreau"},
		SourceFile: "walden.epub",
		ImportedAt: time.Now().UTC().Truncate(time.Second),
		Chapters: []models.Chapter{
			{
				Index:   0,
				Title:   "Economy",
				Content: "<p>When I wrote the following pages I lived alone in the woods.</p>",
				Text:    "When I wrote the following pages I lived alone in the woods.",
			},
			{
				Index:   1,
				Title:   "Where I Lived, and What I Lived For",
				Content: "<p>I went to the woods because I wished to live deliberately.</p>",
				Text:    "I went to the woods because I wished to live deliberately.",
			},
		},
	}
	if err := db.PutBook(book); err != nil {
		t.Fatal(err)
	}
	return book
}
