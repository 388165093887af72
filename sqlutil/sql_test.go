package sqlutil

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "txn.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	db.MustExec(`CREATE TABLE counters (name TEXT PRIMARY KEY, n INTEGER NOT NULL)`)
	return db
}

func count(t *testing.T, db *sqlx.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM counters`))
	return n
}

func TestWithTransaction(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	err := WithTransaction(ctx, db, func(txn *sqlx.Tx) error {
		_, err := txn.Exec(`INSERT INTO counters (name, n) VALUES ('a', 1)`)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, db))

	boom := errors.New("boom")
	err = WithTransaction(ctx, db, func(txn *sqlx.Tx) error {
		if _, err := txn.Exec(`INSERT INTO counters (name, n) VALUES ('b', 2)`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, count(t, db), "rolled back insert is visible")

	err = WithTransaction(ctx, db, func(txn *sqlx.Tx) error {
		txn.MustExec(`INSERT INTO counters (name, n) VALUES ('c', 3)`)
		panic("half way")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "half way")
	assert.Equal(t, 1, count(t, db))
}

func TestWithTransactionCancelled(t *testing.T) {
	db := openDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := WithTransaction(ctx, db, func(txn *sqlx.Tx) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}
