package stock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

type docRow struct {
	doc     []byte
	version int64
}

func (r docRow) Scan(dest ...any) error {
	*(dest[0].(*[]byte)) = r.doc
	*(dest[1].(*int64)) = r.version
	return nil
}

type fakeQueryer struct {
	row     pgx.Row
	execTag pgconn.CommandTag
	execErr error
}

func (f *fakeQueryer) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return f.execTag, f.execErr
}

func (f *fakeQueryer) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *fakeQueryer) QueryRow(context.Context, string, ...any) pgx.Row {
	return f.row
}

func TestTxRepoMapsSerializationFailures(t *testing.T) {
	ctx := context.Background()
	for _, code := range []string{"40001", "40P01"} {
		pgErr := &pgconn.PgError{Code: code, Message: "could not serialize access due to concurrent update"}

		repo := &txRepo{q: &fakeQueryer{row: errRow{err: pgErr}}}
		_, err := repo.GetForUpdate(ctx, "rice")
		require.ErrorIs(t, err, ErrVersionConflict, code)

		rec := NewRecord("rice", UnitKg, fixedNow)
		rec.Version = 3
		repo = &txRepo{q: &fakeQueryer{execErr: pgErr}}
		require.ErrorIs(t, repo.Update(ctx, &rec), ErrVersionConflict, code)
		require.Equal(t, int64(3), rec.Version)

		fresh := NewRecord("salt", UnitPackets, fixedNow)
		require.ErrorIs(t, repo.Insert(ctx, &fresh), ErrVersionConflict, code)
	}
}

func TestTxRepoKeepsOtherErrors(t *testing.T) {
	ctx := context.Background()
	repo := &txRepo{q: &fakeQueryer{row: errRow{err: pgx.ErrNoRows}}}
	_, err := repo.GetForUpdate(ctx, "rice")
	require.ErrorIs(t, err, ErrNotFound)

	repo = &txRepo{q: &fakeQueryer{execErr: &pgconn.PgError{Code: "23505"}}}
	rec := NewRecord("rice", UnitKg, fixedNow)
	require.ErrorIs(t, repo.Insert(ctx, &rec), ErrAlreadyExists)

	boom := &pgconn.PgError{Code: "53300"}
	repo = &txRepo{q: &fakeQueryer{execErr: boom}}
	err = repo.Update(ctx, &rec)
	require.ErrorAs(t, err, &boom)
	require.NotErrorIs(t, err, ErrVersionConflict)
}

func TestTxRepoUpdateDetectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	rec := NewRecord("rice", UnitKg, fixedNow)
	rec.Version = 2

	repo := &txRepo{q: &fakeQueryer{execTag: pgconn.NewCommandTag("UPDATE 0")}}
	require.ErrorIs(t, repo.Update(ctx, &rec), ErrVersionConflict)
	require.Equal(t, int64(2), rec.Version)

	repo = &txRepo{q: &fakeQueryer{execTag: pgconn.NewCommandTag("UPDATE 1")}}
	require.NoError(t, repo.Update(ctx, &rec))
	require.Equal(t, int64(3), rec.Version)
}

func TestTxRepoDecodesDocument(t *testing.T) {
	rec := NewRecord("rice", UnitKg, fixedNow)
	rec.AgentStocks = nil
	doc, err := json.Marshal(rec)
	require.NoError(t, err)

	repo := &txRepo{q: &fakeQueryer{row: docRow{doc: doc, version: 7}}}
	got, err := repo.GetForUpdate(context.Background(), "rice")
	require.NoError(t, err)
	require.Equal(t, int64(7), got.Version)
	require.Equal(t, UnitKg, got.Unit)
	require.NotNil(t, got.AgentStocks)
	require.NotNil(t, got.Movements)
	require.WithinDuration(t, fixedNow, got.CreatedAt, time.Second)
}
