package data

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Entry is an article shared by every feed and user that sees it. GUID is unique across the system.
type Entry struct {
	ID           int64
	GUID         string
	Title        string
	Link         string
	Content      string
	ContentHash  string
	Author       string
	PublishedAt  pgtype.Timestamptz
	UpdatedAt    pgtype.Timestamptz
	CreationTime time.Time
}

type Enclosure struct {
	ID       int64
	EntryID  int64
	URL      string
	MimeType string
	Title    pgtype.Text
	Length   pgtype.Int8
}

// ContentHash returns the hex SHA-1 of content.
func ContentHash(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

const insertEntrySQL = `insert into "entries"("guid", "title", "link", "content", "content_hash", "author", "published_at", "updated_at")
values($1, $2, $3, $4, $5, $6, $7, $8)
on conflict ("guid") do nothing
returning "id"`

// FindOrCreateEntry stores row unless an entry with the same GUID exists. Either way row.ID is set. An existing
// entry is left unmodified and row is replaced with the stored entry.
func FindOrCreateEntry(ctx context.Context, db Queryer, row *Entry) (created bool, err error) {
	if row.ContentHash == "" {
		row.ContentHash = ContentHash(row.Content)
	}

	row.ID, created, err = findOrCreate[int64](ctx, db,
		insertEntrySQL,
		[]any{row.GUID, row.Title, row.Link, row.Content, row.ContentHash, row.Author, row.PublishedAt, row.UpdatedAt},
		`select "id" from "entries" where "guid"=$1`, row.GUID,
	)
	if err != nil || created {
		return created, err
	}

	stored, err := SelectEntryByGUID(ctx, db, row.GUID)
	if err != nil {
		return false, err
	}
	*row = *stored
	return false, nil
}

const selectEntrySQL = `select
  "id",
  "guid",
  "title",
  "link",
  "content",
  "content_hash",
  "author",
  "published_at",
  "updated_at",
  "creation_time"
from "entries"`

func RowToEntry(row pgx.CollectableRow) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.GUID, &e.Title, &e.Link, &e.Content, &e.ContentHash, &e.Author, &e.PublishedAt, &e.UpdatedAt, &e.CreationTime)
	return e, err
}

func SelectEntryByGUID(ctx context.Context, db Queryer, guid string) (*Entry, error) {
	rows, _ := db.Query(ctx, selectEntrySQL+` where "guid"=$1`, guid)
	entry, err := pgx.CollectOneRow(rows, RowToEntry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &entry, nil
}

// InsertEnclosures stores the enclosures of a newly created entry.
func InsertEnclosures(ctx context.Context, db Queryer, entryID int64, enclosures []Enclosure) error {
	for i := range enclosures {
		e := &enclosures[i]
		e.EntryID = entryID
		err := db.QueryRow(ctx,
			`insert into "enclosures"("entry_id", "url", "mime_type", "title", "length") values($1, $2, $3, $4, $5) returning "id"`,
			entryID, e.URL, e.MimeType, e.Title, e.Length,
		).Scan(&e.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

func SelectEnclosures(ctx context.Context, db Queryer, entryID int64) ([]Enclosure, error) {
	rows, _ := db.Query(ctx, `select "id", "entry_id", "url", "mime_type", "title", "length" from "enclosures" where "entry_id"=$1 order by "id"`, entryID)
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Enclosure, error) {
		var e Enclosure
		err := row.Scan(&e.ID, &e.EntryID, &e.URL, &e.MimeType, &e.Title, &e.Length)
		return e, err
	})
}
