package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/mmdatafocus/pos_sync/syncerr"
)

// Row is one remote record keyed by column name.
type Row map[string]any

// Tombstone is a soft-deleted remote record.
type Tombstone struct {
	ID        string
	DeletedAt time.Time
}

const (
	colID        = "id"
	colTenant    = "tenant_id"
	colUpdatedAt = "updated_at"
	colDeletedAt = "deleted_at"
)

// serverClock stamps writes with the wall clock at execution rather than the
// transaction start, so a pull watermark taken from one write never sorts ahead of
// a row committed after it.
const serverClock = "clock_timestamp()"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Table is the remote collection for one entity kind. The store assigns updated_at
// on every write; callers never send their own clock.
type Table struct {
	q    Querier
	name string
}

func NewTable(q Querier, name string) *Table {
	return &Table{q: q, name: name}
}

func (t *Table) Name() string { return t.name }

// dataColumns returns the writable columns of row, sorted, without the ones the
// table manages itself.
func dataColumns(rows ...Row) []string {
	seen := map[string]bool{}
	var cols []string
	for _, r := range rows {
		for k := range r {
			switch k {
			case colID, colTenant, colUpdatedAt, colDeletedAt:
				continue
			}
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func (t *Table) upsertSuffix(cols []string) string {
	set := ""
	for _, c := range cols {
		set += fmt.Sprintf("%s = EXCLUDED.%s, ", c, c)
	}
	set += colUpdatedAt + " = " + serverClock
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s WHERE %s.%s = EXCLUDED.%s AND %s.%s IS NULL",
		colID, set, t.name, colTenant, colTenant, t.name, colDeletedAt)
}

// Upsert writes row for tenantID and returns the server-assigned updated_at.
//
// When base is non-nil the update only applies if the remote row has not changed
// after base; otherwise a ConflictError is returned. A soft-deleted row is never
// revived: writing to it is a ConflictError whatever the base. A row id owned by
// another tenant is a ValidationError.
func (t *Table) Upsert(ctx context.Context, tenantID string, row Row, base *time.Time) (time.Time, error) {
	op := t.name + ".upsert"
	id, _ := row[colID].(string)
	if id == "" || tenantID == "" {
		return time.Time{}, syncerr.Validation(op, colID, colTenant)
	}

	cols := dataColumns(row)
	insertCols := append([]string{colID, colTenant}, cols...)
	insertCols = append(insertCols, colUpdatedAt)
	vals := []any{id, tenantID}
	for _, c := range cols {
		vals = append(vals, row[c])
	}
	vals = append(vals, sq.Expr(serverClock))

	suffix := t.upsertSuffix(cols)
	var suffixArgs []any
	if base != nil {
		suffix += fmt.Sprintf(" AND %s.%s <= ?", t.name, colUpdatedAt)
		suffixArgs = append(suffixArgs, *base)
	}

	query, args, err := psql.Insert(t.name).
		Columns(insertCols...).
		Values(vals...).
		Suffix(suffix+" RETURNING "+colUpdatedAt, suffixArgs...).
		ToSql()
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: build: %w", op, err)
	}

	var updatedAt time.Time
	err = t.q.QueryRow(ctx, query, args...).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, t.explainSkippedWrite(ctx, op, tenantID, id, base)
	}
	if err != nil {
		return time.Time{}, mapError(op, err)
	}
	return updatedAt, nil
}

// explainSkippedWrite runs when ON CONFLICT ... WHERE filtered the update out.
func (t *Table) explainSkippedWrite(ctx context.Context, op, tenantID, id string, base *time.Time) error {
	query, args, err := psql.Select(colTenant, colUpdatedAt, colDeletedAt).From(t.name).Where(sq.Eq{colID: id}).ToSql()
	if err != nil {
		return fmt.Errorf("%s: build: %w", op, err)
	}
	var owner string
	var remoteUpdated time.Time
	var deletedAt *time.Time
	if err := t.q.QueryRow(ctx, query, args...).Scan(&owner, &remoteUpdated, &deletedAt); err != nil {
		return mapError(op, err)
	}
	if owner != tenantID {
		return syncerr.ValidationCause(op, fmt.Errorf("id %s belongs to another tenant", id))
	}
	if deletedAt != nil {
		return syncerr.Conflict(op, nil, fmt.Errorf("%w: %s was deleted at %s", ErrDeleted, id,
			deletedAt.UTC().Format(time.RFC3339Nano)))
	}
	if base != nil && remoteUpdated.After(*base) {
		return syncerr.Conflict(op, nil, fmt.Errorf("remote changed at %s after last sync %s",
			remoteUpdated.UTC().Format(time.RFC3339Nano), base.UTC().Format(time.RFC3339Nano)))
	}
	return syncerr.Network(op, fmt.Errorf("upsert of %s was not applied", id))
}

// UpsertBatch writes rows in one statement and returns the server timestamp per id.
// Rows whose id belongs to another tenant or is soft-deleted are absent from the
// result. There is no base check, so callers only batch rows the store has never
// acknowledged.
func (t *Table) UpsertBatch(ctx context.Context, tenantID string, rows []Row) (map[string]time.Time, error) {
	op := t.name + ".upsert_batch"
	out := make(map[string]time.Time, len(rows))
	if len(rows) == 0 {
		return out, nil
	}
	if tenantID == "" {
		return nil, syncerr.Validation(op, colTenant)
	}

	cols := dataColumns(rows...)
	insertCols := append([]string{colID, colTenant}, cols...)
	insertCols = append(insertCols, colUpdatedAt)
	b := psql.Insert(t.name).Columns(insertCols...)
	for _, r := range rows {
		id, _ := r[colID].(string)
		if id == "" {
			return nil, syncerr.Validation(op, colID)
		}
		vals := []any{id, tenantID}
		for _, c := range cols {
			vals = append(vals, r[c])
		}
		vals = append(vals, sq.Expr(serverClock))
		b = b.Values(vals...)
	}
	query, args, err := b.Suffix(t.upsertSuffix(cols) + " RETURNING " + colID + ", " + colUpdatedAt).ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build: %w", op, err)
	}

	res, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer res.Close()
	for res.Next() {
		var id string
		var updatedAt time.Time
		if err := res.Scan(&id, &updatedAt); err != nil {
			return nil, mapError(op, err)
		}
		out[id] = updatedAt
	}
	if err := res.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

// List returns the tenant's live rows, optionally only those updated after since,
// oldest first.
func (t *Table) List(ctx context.Context, tenantID string, since *time.Time) ([]Row, error) {
	op := t.name + ".list"
	b := psql.Select("*").From(t.name).
		Where(sq.Eq{colTenant: tenantID}).
		Where(sq.Eq{colDeletedAt: nil}).
		OrderBy(colUpdatedAt, colID)
	if since != nil {
		b = b.Where(sq.Gt{colUpdatedAt: *since})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build: %w", op, err)
	}
	res, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	maps, err := pgx.CollectRows(res, pgx.RowToMap)
	if err != nil {
		return nil, mapError(op, err)
	}
	out := make([]Row, 0, len(maps))
	for _, m := range maps {
		out = append(out, Row(m))
	}
	return out, nil
}

// Get returns one live-or-deleted row of the tenant.
func (t *Table) Get(ctx context.Context, tenantID, id string) (Row, bool, error) {
	op := t.name + ".get"
	query, args, err := psql.Select("*").From(t.name).
		Where(sq.Eq{colID: id, colTenant: tenantID}).
		Limit(1).ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("%s: build: %w", op, err)
	}
	res, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, false, mapError(op, err)
	}
	m, err := pgx.CollectOneRow(res, pgx.RowToMap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapError(op, err)
	}
	return Row(m), true, nil
}

// ListDeleted returns the tenant's tombstones, optionally only those deleted after since.
func (t *Table) ListDeleted(ctx context.Context, tenantID string, since *time.Time) ([]Tombstone, error) {
	op := t.name + ".list_deleted"
	b := psql.Select(colID, colDeletedAt).From(t.name).
		Where(sq.Eq{colTenant: tenantID}).
		Where(sq.NotEq{colDeletedAt: nil}).
		OrderBy(colDeletedAt)
	if since != nil {
		b = b.Where(sq.Gt{colDeletedAt: *since})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build: %w", op, err)
	}
	res, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer res.Close()
	var out []Tombstone
	for res.Next() {
		var ts Tombstone
		if err := res.Scan(&ts.ID, &ts.DeletedAt); err != nil {
			return nil, mapError(op, err)
		}
		out = append(out, ts)
	}
	if err := res.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

// SoftDelete stamps deleted_at. Deleting an already-deleted or unknown id is a no-op
// returning the zero time.
func (t *Table) SoftDelete(ctx context.Context, tenantID, id string) (time.Time, error) {
	op := t.name + ".soft_delete"
	query, args, err := psql.Update(t.name).
		Set(colDeletedAt, sq.Expr(serverClock)).
		Set(colUpdatedAt, sq.Expr(serverClock)).
		Where(sq.Eq{colID: id, colTenant: tenantID, colDeletedAt: nil}).
		Suffix("RETURNING " + colUpdatedAt).
		ToSql()
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: build: %w", op, err)
	}
	var updatedAt time.Time
	err = t.q.QueryRow(ctx, query, args...).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, mapError(op, err)
	}
	return updatedAt, nil
}
