package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CreatesFileAndMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "test.db")
	db, err := New(Config{Path: path, Profile: ProfileLedger, Name: "test"})
	require.NoError(t, err)
	defer db.Close()

	schema := `CREATE TABLE IF NOT EXISTS items (id INTEGER PRIMARY KEY, name TEXT NOT NULL);`
	require.NoError(t, db.Migrate(schema))
	require.NoError(t, db.Migrate(schema))

	_, err = db.Conn().Exec(`INSERT INTO items (name) VALUES ('a')`)
	require.NoError(t, err)

	require.NoError(t, db.WALCheckpoint())
	stats, err := db.GetStats(context.Background())
	require.NoError(t, err)
	assert.Greater(t, stats.SizeBytes, int64(0))
	assert.Greater(t, stats.PageCount, int64(0))
	assert.Equal(t, path, db.Path())
	assert.Equal(t, "test", db.Name())
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db, err := New(Config{Path: filepath.Join(t.TempDir(), "tx.db"), Name: "tx"})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate(`CREATE TABLE IF NOT EXISTS items (name TEXT)`))

	boom := errors.New("boom")
	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO items VALUES ('x')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n))
	assert.Zero(t, n)

	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		panic("bad")
	})
	assert.Error(t, err)
}
