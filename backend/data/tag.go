package data

import (
	"context"

	"github.com/jackc/pgx/v5"
)

const insertTagSQL = `insert into "tags"("user_id", "name", "fg_color", "bg_color")
values($1, $2, $3, $4)
on conflict ("user_id", "name") do nothing
returning "id"`

func FindOrCreateTag(ctx context.Context, db Queryer, userID int32, name, fgColor, bgColor string) (int32, error) {
	id, _, err := findOrCreate[int32](ctx, db,
		insertTagSQL,
		[]any{userID, name, fgColor, bgColor},
		`select "id" from "tags" where "user_id"=$1 and "name"=$2`, userID, name,
	)
	return id, err
}

// AttachTag tags the entry for the user. Attaching a tag twice, or a tag the user does not own, does nothing.
func AttachTag(ctx context.Context, db Queryer, userID int32, entryID int64, tagID int32) error {
	_, err := db.Exec(ctx, `insert into "entry_tags"("entry_id", "tag_id")
select $2, "id" from "tags" where "id"=$3 and "user_id"=$1
on conflict do nothing`, userID, entryID, tagID)
	return err
}

func DetachTag(ctx context.Context, db Queryer, userID int32, entryID int64, name string) error {
	_, err := db.Exec(ctx, `delete from "entry_tags"
using "tags"
where "entry_tags"."tag_id"="tags"."id"
  and "tags"."user_id"=$1
  and "entry_tags"."entry_id"=$2
  and "tags"."name"=$3`, userID, entryID, name)
	return err
}

func SelectEntryTagNames(ctx context.Context, db Queryer, userID int32, entryID int64) ([]string, error) {
	rows, _ := db.Query(ctx, `select "tags"."name"
from "entry_tags"
  join "tags" on "entry_tags"."tag_id"="tags"."id"
where "tags"."user_id"=$1 and "entry_tags"."entry_id"=$2
order by "tags"."name"`, userID, entryID)
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
