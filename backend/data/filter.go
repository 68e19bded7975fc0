package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/feedpipe/backend/filter"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const selectEnabledFiltersSQL = `select "id", "name", "match_any_rule", "inverse"
from "filters"
where "user_id"=$1 and "enabled"
order by "position", "id"`

const selectFilterRulesSQL = `select "filter_id", "rule_type", "pattern", "feed_id", "category_id", "inverse"
from "filter_rules"
where "filter_id"=any($1)
order by "filter_id", "position", "id"`

const selectFilterActionsSQL = `select "filter_id", "action_type", "param"
from "filter_actions"
where "filter_id"=any($1)
order by "filter_id", "position", "id"`

// SelectEnabledFilters loads the user's enabled filters in execution order with their rules and actions.
func SelectEnabledFilters(ctx context.Context, db Queryer, userID int32) ([]filter.Filter, error) {
	rows, _ := db.Query(ctx, selectEnabledFiltersSQL, userID)
	filters, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (filter.Filter, error) {
		var f filter.Filter
		err := row.Scan(&f.ID, &f.Name, &f.MatchAnyRule, &f.Inverse)
		return f, err
	})
	if err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		return filters, nil
	}

	ids := make([]int32, len(filters))
	byID := make(map[int32]*filter.Filter, len(filters))
	for i := range filters {
		ids[i] = filters[i].ID
		byID[filters[i].ID] = &filters[i]
	}

	rows, _ = db.Query(ctx, selectFilterRulesSQL, ids)
	var filterID int32
	var spec filter.RuleSpec
	var feedID, categoryID pgtype.Int4
	_, err = pgx.ForEachRow(rows, []any{&filterID, &spec.Type, &spec.Pattern, &feedID, &categoryID, &spec.Inverse}, func() error {
		spec.FeedID = feedID.Int32
		spec.CategoryID = categoryID.Int32
		r, err := filter.ParseRule(spec)
		if err != nil {
			return fmt.Errorf("filter %d: %w", filterID, err)
		}
		f := byID[filterID]
		f.Rules = append(f.Rules, r)
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows, _ = db.Query(ctx, selectFilterActionsSQL, ids)
	var actionType, param string
	_, err = pgx.ForEachRow(rows, []any{&filterID, &actionType, &param}, func() error {
		a, err := filter.ParseAction(actionType, param)
		if err != nil {
			return fmt.Errorf("filter %d: %w", filterID, err)
		}
		f := byID[filterID]
		f.Actions = append(f.Actions, a)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return filters, nil
}

func TouchFilter(ctx context.Context, db Queryer, filterID int32, t time.Time) error {
	return execOne(ctx, db, `update "filters" set "last_triggered_at"=$2 where "id"=$1`, filterID, t)
}

func SelectFilterLastTriggeredAt(ctx context.Context, db Queryer, filterID int32) (pgtype.Timestamptz, error) {
	var t pgtype.Timestamptz
	err := db.QueryRow(ctx, `select "last_triggered_at" from "filters" where "id"=$1`, filterID).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}
