package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herdline/internal/db"
	"herdline/internal/events"
	"herdline/internal/migrate"
)

func openLog(t *testing.T) events.Log {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	ts := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	return events.Log{DB: conn, Now: func() time.Time { return ts }}
}

func appendAll(t *testing.T, l events.Log, entries ...events.Entry) {
	t.Helper()
	ctx := context.Background()
	tx, err := l.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	for _, e := range entries {
		require.NoError(t, l.Append(ctx, tx, e))
	}
	require.NoError(t, tx.Commit())
}

func TestAppendAndLatest(t *testing.T) {
	l := openLog(t)
	appendAll(t, l,
		events.Entry{Type: events.ProjectCreated, ProjectID: "p1", Kind: events.KindProject, EntityID: "p1", ActorID: "u1", Payload: events.Payload{"weight_kg": 140}},
		events.Entry{Type: events.TasksRecorded, ProjectID: "p1", Kind: events.KindDay, EntityID: "2024-01-01", ActorID: "u1"},
		events.Entry{Type: events.ProjectCreated, ProjectID: "p2", Kind: events.KindProject, EntityID: "p2", ActorID: "u2"},
	)

	got, err := l.Latest(context.Background(), events.Filter{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, events.TasksRecorded, got[0].Type)
	assert.Equal(t, "2024-01-01", got[0].EntityID)
	assert.Equal(t, "2024-01-01T08:00:00Z", got[0].TS)

	payload, err := events.DecodePayload(got[1])
	require.NoError(t, err)
	assert.Equal(t, 140.0, payload["weight_kg"])

	created, err := l.Latest(context.Background(), events.Filter{Type: events.ProjectCreated, Limit: 1})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "p2", created[0].ProjectID)
}

func TestAppendRejectsUnknownType(t *testing.T) {
	l := openLog(t)
	ctx := context.Background()
	tx, err := l.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	err = l.Append(ctx, tx, events.Entry{Type: "project.renamed", ActorID: "u1"})
	assert.ErrorIs(t, err, events.ErrUnknownType)
	err = l.Append(ctx, tx, events.Entry{Type: events.ProjectDeleted, ProjectID: "p1"})
	assert.Error(t, err)
}

func TestRolledBackAppendLeavesNoEvent(t *testing.T) {
	l := openLog(t)
	ctx := context.Background()
	tx, err := l.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, tx, events.Entry{Type: events.ProjectDeleted, ProjectID: "p1", Kind: events.KindProject, ActorID: "u1"}))
	require.NoError(t, tx.Rollback())

	got, err := l.Latest(ctx, events.Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
