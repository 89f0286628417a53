package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hvaillaud/marginalia/internal/apperr"
	"github.com/hvaillaud/marginalia/internal/models"
	"github.com/hvaillaud/marginalia/internal/textutil"
)

// RawHighlight is one highlight row as recovered from the device database,
// before it is anchored to a chapter.
type RawHighlight struct {
	Quote     string
	Comment   string
	ContentID string
	CreatedAt time.Time
}

// HighlightSource reads highlight snapshots from an e-reader's local SQLite
// database. The database belongs to the device software and may be locked
// or absent; every failure mode maps to ErrSourceUnavailable so imports
// abort atomically.
type HighlightSource struct {
	path string
}

// NewHighlightSource creates a source for the database at path.
func NewHighlightSource(path string) *HighlightSource {
	return &HighlightSource{path: path}
}

// Fetch returns the device's highlights for the book with the given title,
// ordered by creation date. The volume is located by exact title first,
// then by substring match.
func (s *HighlightSource) Fetch(ctx context.Context, bookTitle string) ([]RawHighlight, error) {
	if _, err := os.Stat(s.path); err != nil {
		return nil, fmt.Errorf("%w: device db %s: %v", apperr.ErrSourceUnavailable, s.path, err)
	}

	db, err := sql.Open("sqlite3", "file:"+s.path+"?mode=ro&_busy_timeout=2000")
	if err != nil {
		return nil, fmt.Errorf("%w: open device db: %v", apperr.ErrSourceUnavailable, err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: device db locked or unreadable: %v", apperr.ErrSourceUnavailable, err)
	}

	volumeID, err := s.findVolume(ctx, db, bookTitle)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT Text, Annotation, ContentID, DateCreated
		FROM Bookmark
		WHERE VolumeID = ? AND Type = 'highlight'
		ORDER BY DateCreated
	`, volumeID)
	if err != nil {
		return nil, fmt.Errorf("%w: query bookmarks: %v", apperr.ErrSourceUnavailable, err)
	}
	defer rows.Close()

	var out []RawHighlight
	for rows.Next() {
		var text, annotation, contentID, dateCreated sql.NullString
		if err := rows.Scan(&text, &annotation, &contentID, &dateCreated); err != nil {
			return nil, fmt.Errorf("%w: scan bookmark: %v", apperr.ErrSourceUnavailable, err)
		}
		if !text.Valid || text.String == "" {
			return nil, fmt.Errorf("%w: malformed bookmark row (empty text)", apperr.ErrSourceUnavailable)
		}
		h := RawHighlight{
			Quote:     text.String,
			Comment:   annotation.String,
			ContentID: contentID.String,
		}
		if dateCreated.Valid {
			h.CreatedAt = parseDeviceTime(dateCreated.String)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read bookmarks: %v", apperr.ErrSourceUnavailable, err)
	}
	return out, nil
}

func (s *HighlightSource) findVolume(ctx context.Context, db *sql.DB, bookTitle string) (string, error) {
	var contentID string
	err := db.QueryRowContext(ctx, `
		SELECT ContentID FROM content WHERE Title = ? AND ContentType = 6 LIMIT 1
	`, bookTitle).Scan(&contentID)
	if errors.Is(err, sql.ErrNoRows) {
		err = db.QueryRowContext(ctx, `
			SELECT ContentID FROM content WHERE Title LIKE ? AND ContentType = 6 LIMIT 1
		`, "%"+bookTitle+"%").Scan(&contentID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no volume matching title %q", apperr.ErrSourceUnavailable, bookTitle)
	}
	if err != nil {
		return "", fmt.Errorf("%w: query content: %v", apperr.ErrSourceUnavailable, err)
	}
	// Device content ids often carry a "!..." suffix on top of the volume id.
	if i := strings.IndexByte(contentID, '!'); i >= 0 {
		contentID = contentID[:i]
	}
	return contentID, nil
}

// parseDeviceTime accepts the timestamp formats seen in device exports.
func parseDeviceTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// AnchorHighlights locates each raw highlight inside the book's chapter
// text and produces domain highlights tagged as imported. Quotes that match
// no chapter keep an empty anchor (offset -1) and are still imported: the
// policy tolerates a lost position, never a lost highlight.
func AnchorHighlights(chapters []models.Chapter, raw []RawHighlight) []models.Highlight {
	out := make([]models.Highlight, 0, len(raw))
	for _, r := range raw {
		h := models.Highlight{
			Quote:     r.Quote,
			Comment:   r.Comment,
			Source:    models.SourceImported,
			CreatedAt: r.CreatedAt,
			Anchor:    models.Anchor{Start: -1, End: -1},
		}
		for _, ch := range chapters {
			if start, end, ok := textutil.LocateQuote(ch.Text, r.Quote); ok {
				h.Anchor = models.Anchor{ChapterTitle: ch.Title, Start: start, End: end}
				break
			}
		}
		out = append(out, h)
	}
	return out
}
