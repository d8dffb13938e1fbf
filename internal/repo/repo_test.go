package repo

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herdline/internal/db"
	"herdline/internal/domain"
	"herdline/internal/migrate"
)

const stamp = "2024-01-01T00:00:00Z"

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

func withTx(t *testing.T, r Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func seedCow(t *testing.T, r Repo, id, owner string) domain.Project {
	t.Helper()
	p := domain.Project{
		ID:              id,
		OwnerID:         owner,
		Name:            "Bella",
		AnimalKind:      domain.Cow,
		AcquisitionDate: domain.NewDate(2024, time.January, 1),
		CurrentWeightKg: 140,
		FeedTier:        domain.TierT1,
		TargetWeightKg:  350,
		CheckPeriodDays: 30,
		CreatedAt:       stamp,
		UpdatedAt:       stamp,
	}
	require.NoError(t, withTx(t, r, func(tx *sql.Tx) error { return r.InsertProjectTx(context.Background(), tx, p) }))
	return p
}

func TestProjectRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	want := seedCow(t, r, "p1", "u1")

	got, err := r.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = r.GetProject(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.GetOwnedProject(ctx, "p1", "u2")
	assert.ErrorIs(t, err, ErrNotOwner)

	seedCow(t, r, "p2", "u2")
	mine, err := r.ListProjectsByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	all, err := r.ListAllProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestApplyCheckpointIsCompareAndSet(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedCow(t, r, "p1", "u1")

	err := withTx(t, r, func(tx *sql.Tx) error {
		return r.ApplyCheckpointTx(ctx, tx, "p1", "u1", nil, 140, 30, domain.TierT2, stamp)
	})
	require.NoError(t, err)

	// A second writer that also observed "never fired" loses.
	err = withTx(t, r, func(tx *sql.Tx) error {
		return r.ApplyCheckpointTx(ctx, tx, "p1", "u1", nil, 140, 30, domain.TierT3, stamp)
	})
	assert.ErrorIs(t, err, ErrConflict)

	p, err := r.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierT2, p.FeedTier)
	require.NotNil(t, p.LastCheckpointDay)
	assert.Equal(t, 30, *p.LastCheckpointDay)

	prev := 30
	err = withTx(t, r, func(tx *sql.Tx) error {
		return r.ApplyCheckpointTx(ctx, tx, "p1", "u1", &prev, 140, 60, domain.TierT2, stamp)
	})
	require.NoError(t, err)

	err = withTx(t, r, func(tx *sql.Tx) error {
		return r.ApplyCheckpointTx(ctx, tx, "p1", "intruder", &prev, 140, 90, domain.TierT3, stamp)
	})
	assert.ErrorIs(t, err, ErrNotOwner)
	err = withTx(t, r, func(tx *sql.Tx) error {
		return r.ApplyCheckpointTx(ctx, tx, "nope", "u1", nil, 140, 30, domain.TierT3, stamp)
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyCheckpointRequiresObservedWeight(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedCow(t, r, "p1", "u1")
	require.NoError(t, withTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateWeightTx(ctx, tx, "p1", "u1", 300, domain.TierT3, stamp)
	}))

	err := withTx(t, r, func(tx *sql.Tx) error {
		return r.ApplyCheckpointTx(ctx, tx, "p1", "u1", nil, 140, 30, domain.TierT2, stamp)
	})
	assert.ErrorIs(t, err, ErrConflict)

	p, err := r.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierT3, p.FeedTier)
	assert.Nil(t, p.LastCheckpointDay)
}

func TestReplaceCompletions(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedCow(t, r, "p1", "u1")
	day := domain.NewDate(2024, time.January, 5)
	other := day.AddDays(1)

	save := func(d domain.Date, m map[domain.TaskKey]bool) {
		require.NoError(t, withTx(t, r, func(tx *sql.Tx) error {
			return r.ReplaceCompletionsTx(ctx, tx, "p1", "u1", d, m)
		}))
	}
	save(day, map[domain.TaskKey]bool{{Phase: "morning", Index: 0}: true})
	save(other, map[domain.TaskKey]bool{{Phase: "evening", Index: 0}: true})
	save(day, map[domain.TaskKey]bool{{Phase: "morning", Index: 1}: true})

	got, err := r.DayCompletions(ctx, "p1", day)
	require.NoError(t, err)
	assert.Equal(t, map[domain.TaskKey]bool{{Phase: "morning", Index: 1}: true}, got)

	got, err = r.DayCompletions(ctx, "p1", other)
	require.NoError(t, err)
	assert.Equal(t, map[domain.TaskKey]bool{{Phase: "evening", Index: 0}: true}, got)

	err = withTx(t, r, func(tx *sql.Tx) error {
		return r.ReplaceCompletionsTx(ctx, tx, "p1", "u2", day, nil)
	})
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestAppendPhotoKeepsOrder(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedCow(t, r, "p1", "u1")
	day := domain.NewDate(2024, time.January, 5)

	appendRefs := func(refs ...domain.PhotoRef) {
		require.NoError(t, withTx(t, r, func(tx *sql.Tx) error {
			for _, ref := range refs {
				if err := r.AppendPhotoTx(ctx, tx, "p1", "u1", day, "morning", ref, stamp); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	appendRefs("a", "b")
	appendRefs("c")

	photos, err := r.DayPhotos(ctx, "p1", day)
	require.NoError(t, err)
	assert.Equal(t, []domain.PhotoRef{"a", "b", "c"}, photos["morning"])

	err = withTx(t, r, func(tx *sql.Tx) error {
		return r.AppendPhotoTx(ctx, tx, "p1", "u2", day, "morning", "x", stamp)
	})
	assert.ErrorIs(t, err, ErrNotOwner)

	full, err := r.LoadProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []domain.PhotoRef{"a", "b", "c"}, full.TaskPhotos[day]["morning"])
}

func TestDeleteProjectCascades(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedCow(t, r, "p1", "u1")
	day := domain.NewDate(2024, time.January, 5)
	require.NoError(t, withTx(t, r, func(tx *sql.Tx) error {
		return r.AppendPhotoTx(ctx, tx, "p1", "u1", day, "morning", "a", stamp)
	}))

	err := withTx(t, r, func(tx *sql.Tx) error { return r.DeleteProjectTx(ctx, tx, "p1", "u2") })
	assert.ErrorIs(t, err, ErrNotOwner)
	require.NoError(t, withTx(t, r, func(tx *sql.Tx) error { return r.DeleteProjectTx(ctx, tx, "p1", "u1") }))

	refs, err := r.ListPhotoRefs(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, refs)
}
