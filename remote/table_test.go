package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mmdatafocus/pos_sync/syncerr"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return mock
}

func TestTable_Upsert(t *testing.T) {
	serverTime := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	base := serverTime.Add(-time.Hour)

	tests := []struct {
		name    string
		base    *time.Time
		setup   func(mock pgxmock.PgxPoolIface)
		wantErr error
	}{
		{
			name: "insert or update returns server timestamp",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO tickets \(id,tenant_id,issue,status,updated_at\) VALUES \(\$1,\$2,\$3,\$4,clock_timestamp\(\)\) ON CONFLICT \(id\) DO UPDATE SET issue = EXCLUDED.issue, status = EXCLUDED.status, updated_at = clock_timestamp\(\) WHERE tickets.tenant_id = EXCLUDED.tenant_id AND tickets.deleted_at IS NULL RETURNING updated_at`).
					WithArgs("t-1", "shop-1", "no power", "open").
					WillReturnRows(pgxmock.NewRows([]string{"updated_at"}).AddRow(serverTime))
			},
		},
		{
			name: "stale base is a conflict",
			base: &base,
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO tickets .* AND tickets.updated_at <= \$5 RETURNING updated_at`).
					WithArgs("t-1", "shop-1", "no power", "open", base).
					WillReturnError(pgx.ErrNoRows)
				mock.ExpectQuery(`SELECT tenant_id, updated_at, deleted_at FROM tickets WHERE id = \$1`).
					WithArgs("t-1").
					WillReturnRows(pgxmock.NewRows([]string{"tenant_id", "updated_at", "deleted_at"}).AddRow("shop-1", serverTime, nil))
			},
			wantErr: syncerr.ErrConflict,
		},
		{
			name: "id owned by another tenant is a validation error",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO tickets`).
					WithArgs("t-1", "shop-1", "no power", "open").
					WillReturnError(pgx.ErrNoRows)
				mock.ExpectQuery(`SELECT tenant_id, updated_at, deleted_at FROM tickets`).
					WithArgs("t-1").
					WillReturnRows(pgxmock.NewRows([]string{"tenant_id", "updated_at", "deleted_at"}).AddRow("shop-9", serverTime, nil))
			},
			wantErr: syncerr.ErrValidation,
		},
		{
			name: "soft-deleted row is not revived",
			setup: func(mock pgxmock.PgxPoolIface) {
				deleted := serverTime.Add(-time.Minute)
				mock.ExpectQuery(`INSERT INTO tickets .* AND tickets.deleted_at IS NULL RETURNING updated_at`).
					WithArgs("t-1", "shop-1", "no power", "open").
					WillReturnError(pgx.ErrNoRows)
				mock.ExpectQuery(`SELECT tenant_id, updated_at, deleted_at FROM tickets`).
					WithArgs("t-1").
					WillReturnRows(pgxmock.NewRows([]string{"tenant_id", "updated_at", "deleted_at"}).AddRow("shop-1", deleted, &deleted))
			},
			wantErr: ErrDeleted,
		},
		{
			name: "connection failure is a network error",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO tickets`).
					WithArgs("t-1", "shop-1", "no power", "open").
					WillReturnError(errors.New("dial tcp: connection refused"))
			},
			wantErr: syncerr.ErrNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			tt.setup(mock)
			table := NewTable(mock, "tickets")

			got, err := table.Upsert(context.Background(), "shop-1", Row{
				"id": "t-1", "issue": "no power", "status": "open", "tenant_id": "ignored", "updated_at": "ignored",
			}, tt.base)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				if errors.Is(tt.wantErr, ErrDeleted) {
					require.ErrorIs(t, err, syncerr.ErrConflict)
				}
				return
			}
			require.NoError(t, err)
			require.True(t, got.Equal(serverTime))
		})
	}
}

func TestTable_UpsertRequiresIdentity(t *testing.T) {
	mock := newMock(t)
	table := NewTable(mock, "customers")
	_, err := table.Upsert(context.Background(), "shop-1", Row{"name": "Aye"}, nil)
	require.ErrorIs(t, err, syncerr.ErrValidation)
	_, err = table.Upsert(context.Background(), "", Row{"id": "c-1"}, nil)
	require.ErrorIs(t, err, syncerr.ErrValidation)
}

func TestTable_UpsertBatch(t *testing.T) {
	mock := newMock(t)
	ts := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	mock.ExpectQuery(`INSERT INTO customers \(id,tenant_id,name,updated_at\) VALUES \(\$1,\$2,\$3,clock_timestamp\(\)\),\(\$4,\$5,\$6,clock_timestamp\(\)\) ON CONFLICT .* AND customers.deleted_at IS NULL RETURNING id, updated_at`).
		WithArgs("c-1", "shop-1", "Aye", "c-2", "shop-1", "Ko").
		WillReturnRows(pgxmock.NewRows([]string{"id", "updated_at"}).AddRow("c-1", ts))

	table := NewTable(mock, "customers")
	got, err := table.UpsertBatch(context.Background(), "shop-1", []Row{
		{"id": "c-1", "name": "Aye"},
		{"id": "c-2", "name": "Ko"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1, "rows filtered by the tenant or tombstone check are absent")
	require.True(t, got["c-1"].Equal(ts))
}

func TestTable_ListFiltersTenantAndDeleted(t *testing.T) {
	mock := newMock(t)
	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ts := since.Add(time.Hour)
	mock.ExpectQuery(`SELECT \* FROM customers WHERE tenant_id = \$1 AND deleted_at IS NULL AND updated_at > \$2 ORDER BY updated_at, id`).
		WithArgs("shop-1", since).
		WillReturnRows(pgxmock.NewRows([]string{"id", "tenant_id", "name", "updated_at"}).
			AddRow("c-1", "shop-1", "Aye", ts))

	rows, err := NewTable(mock, "customers").List(context.Background(), "shop-1", &since)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Aye", rows[0]["name"])
}

func TestTable_ListDeleted(t *testing.T) {
	mock := newMock(t)
	ts := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT id, deleted_at FROM tickets WHERE tenant_id = \$1 AND deleted_at IS NOT NULL ORDER BY deleted_at`).
		WithArgs("shop-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "deleted_at"}).AddRow("t-9", ts))

	got, err := NewTable(mock, "tickets").ListDeleted(context.Background(), "shop-1", nil)
	require.NoError(t, err)
	require.Equal(t, []Tombstone{{ID: "t-9", DeletedAt: ts}}, got)
}

func TestTable_SoftDeleteIsIdempotent(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`UPDATE tickets SET deleted_at = clock_timestamp\(\), updated_at = clock_timestamp\(\) WHERE deleted_at IS NULL AND id = \$1 AND tenant_id = \$2 RETURNING updated_at`).
		WithArgs("t-1", "shop-1").
		WillReturnError(pgx.ErrNoRows)

	got, err := NewTable(mock, "tickets").SoftDelete(context.Background(), "shop-1", "t-1")
	require.NoError(t, err)
	require.True(t, got.IsZero())
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{&pgconn.PgError{Code: "23505"}, syncerr.ErrValidation},
		{&pgconn.PgError{Code: "23502"}, syncerr.ErrValidation},
		{&pgconn.PgError{Code: "28P01"}, syncerr.ErrUnauthenticated},
		{&pgconn.PgError{Code: "40001"}, syncerr.ErrNetwork},
		{context.DeadlineExceeded, syncerr.ErrNetwork},
		{pgx.ErrNoRows, syncerr.ErrValidation},
	}
	for _, tc := range cases {
		require.ErrorIs(t, mapError("op", tc.err), tc.want, "mapping %v", tc.err)
	}
	require.NoError(t, mapError("op", nil))
}
