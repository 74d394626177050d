package database

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionLifecycle(t *testing.T) {
	db := newTestDB(t)

	id, err := db.CreateSession("tcp", "127.0.0.1:50000")
	require.NoError(t, err)

	sess, err := db.getSession(id)
	require.NoError(t, err)
	assert.Equal(t, "tcp", sess.ConnectionType)
	assert.Equal(t, "127.0.0.1:50000", sess.RemoteAddr)
	assert.Nil(t, sess.Nickname)
	assert.Nil(t, sess.ListenAddr)
	assert.NotZero(t, sess.ConnectedAt)

	require.NoError(t, db.SetSessionIdentity(id, "alice", "127.0.0.1:9001"))
	sess, err = db.getSession(id)
	require.NoError(t, err)
	require.NotNil(t, sess.Nickname)
	assert.Equal(t, "alice", *sess.Nickname)
	assert.Equal(t, "127.0.0.1:9001", *sess.ListenAddr)

	require.NoError(t, db.SetSessionIdentity(id, "", ""))
	sess, err = db.getSession(id)
	require.NoError(t, err)
	assert.Nil(t, sess.Nickname)

	require.NoError(t, db.UpdateSessionActivity(id))
	require.NoError(t, db.DeleteSession(id))

	_, err = db.getSession(id)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestListAndClearSessions(t *testing.T) {
	db := newTestDB(t)

	for _, remote := range []string{"10.0.0.1:1", "10.0.0.2:2", "10.0.0.3:3"} {
		_, err := db.CreateSession("tcp", remote)
		require.NoError(t, err)
	}

	sessions, err := db.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, "10.0.0.1:1", sessions[0].RemoteAddr)

	n, err := db.ClearSessions()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	sessions, err = db.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestPresenceLog(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.RecordPresence(1, "alice", "127.0.0.1:9001", EventLogin))
	require.NoError(t, db.RecordPresence(2, "bob", "127.0.0.1:9002", EventLogin))
	require.NoError(t, db.RecordPresence(1, "alice", "127.0.0.1:9001", EventLogout))

	all, err := db.ListPresence("", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, EventLogout, all[0].Event, "newest first")

	alice, err := db.ListPresence("alice", 10)
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, []string{EventLogout, EventLogin}, []string{alice[0].Event, alice[1].Event})

	limited, err := db.ListPresence("", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath)
	require.NoError(t, err)
	_, err = db.CreateSession("tcp", "10.0.0.1:1")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	version, err := getCurrentVersion(db.conn)
	require.NoError(t, err)
	migrations, err := loadMigrations()
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, version)

	sessions, err := db.ListSessions()
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestInMemoryDatabase(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.CreateSession("websocket", "[::1]:4000")
	require.NoError(t, err)

	sessions, err := db.ListSessions()
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}
