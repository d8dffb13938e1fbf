package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herdline/internal/config"
	"herdline/internal/db"
	"herdline/internal/domain"
	"herdline/internal/engine"
	"herdline/internal/events"
	"herdline/internal/migrate"
	"herdline/internal/photos"
	"herdline/internal/repo"
)

var (
	day1     = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	owner    = engine.Actor{ID: "u1"}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Store  *photos.FileStore
	clock  *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := photos.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("photo store: %v", err)
	}
	env := &testEnv{Ctx: context.Background(), Store: store}
	now := day1
	env.clock = &now
	eng := engine.New(conn, config.Default(), store)
	eng.Now = func() time.Time { return *env.clock }
	env.Engine = eng
	return env
}

// setDay moves the clock so that p's elapsed day count equals elapsed.
func (env *testEnv) setDay(elapsed int) {
	*env.clock = day1.AddDate(0, 0, elapsed-1)
}

func (env *testEnv) newCow(t *testing.T, weight float64) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{
		OwnerID:    owner.ID,
		Name:       "Bella",
		AnimalKind: domain.Cow,
		WeightKg:   weight,
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func TestCreateProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.newCow(t, 140)
	assert.Equal(t, domain.TierT1, p.FeedTier)
	assert.Equal(t, domain.DateOf(day1), p.AcquisitionDate)
	assert.Equal(t, 350.0, p.TargetWeightKg)
	assert.Equal(t, 30, p.CheckPeriodDays)
	assert.Nil(t, p.LastCheckpointDay)
	assert.Empty(t, p.TaskCompletion)
	assert.Empty(t, p.TaskPhotos)

	goat, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{
		OwnerID: "u1", Name: "Billy", AnimalKind: domain.Goat, WeightKg: 12,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TierT150, goat.FeedTier)
	assert.Equal(t, 24.0, goat.TargetWeightKg)
}

func TestCreateProjectValidation(t *testing.T) {
	env := newTestEnv(t)
	base := engine.CreateProjectOptions{OwnerID: "u1", Name: "x", AnimalKind: domain.Cow, WeightKg: 100}

	bad := base
	bad.WeightKg = -1
	_, err := env.Engine.CreateProject(env.Ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidWeight)

	bad = base
	bad.AnimalKind = "sheep"
	_, err = env.Engine.CreateProject(env.Ctx, bad)
	assert.ErrorIs(t, err, domain.ErrUnknownAnimal)

	bad = base
	bad.AcquisitionDate = domain.DateOf(day1).AddDays(1)
	_, err = env.Engine.CreateProject(env.Ctx, bad)
	assert.ErrorIs(t, err, domain.ErrFutureDate)

	bad = base
	bad.Name = "  "
	_, err = env.Engine.CreateProject(env.Ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCheckpointFiresOncePerDay(t *testing.T) {
	env := newTestEnv(t)
	p := env.newCow(t, 140)

	env.setDay(29)
	p, res, err := env.Engine.MaybeRecheck(env.Ctx, p)
	require.NoError(t, err)
	assert.False(t, res.Due)
	assert.False(t, res.Fired)

	env.setDay(30)
	p, res, err = env.Engine.MaybeRecheck(env.Ctx, p)
	require.NoError(t, err)
	require.True(t, res.Fired)
	assert.Equal(t, 170.0, res.AdjustedWeightKg)
	assert.Equal(t, domain.TierT2, p.FeedTier)
	require.NotNil(t, p.LastCheckpointDay)
	assert.Equal(t, 30, *p.LastCheckpointDay)

	// Second view on the same day.
	p, res, err = env.Engine.MaybeRecheck(env.Ctx, p)
	require.NoError(t, err)
	assert.True(t, res.Due)
	assert.False(t, res.Fired)

	stored, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierT2, stored.FeedTier)
	assert.Equal(t, 30, *stored.LastCheckpointDay)

	fired, err := env.Engine.Events.Latest(env.Ctx, events.Filter{ProjectID: p.ID, Type: events.CheckpointFired, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, fired, 1)

	env.setDay(60)
	_, res, err = env.Engine.MaybeRecheck(env.Ctx, p)
	require.NoError(t, err)
	assert.True(t, res.Fired)
}

func TestCheckpointConflictIsNoop(t *testing.T) {
	env := newTestEnv(t)
	p := env.newCow(t, 140)
	env.setDay(30)

	// Both views loaded the project before either fired.
	first, res, err := env.Engine.MaybeRecheck(env.Ctx, p)
	require.NoError(t, err)
	require.True(t, res.Fired)

	second, res, err := env.Engine.MaybeRecheck(env.Ctx, p)
	require.NoError(t, err)
	assert.False(t, res.Fired)
	assert.True(t, res.Conflict)
	assert.Equal(t, first.FeedTier, second.FeedTier)
	assert.Equal(t, 30, *second.LastCheckpointDay)

	// The caller's copy is untouched.
	assert.Nil(t, p.LastCheckpointDay)
	assert.Equal(t, domain.TierT1, p.FeedTier)
}

func TestCheckpointWithStaleWeightConflicts(t *testing.T) {
	env := newTestEnv(t)
	stale := env.newCow(t, 140)
	env.setDay(30)

	_, err := env.Engine.UpdateWeight(env.Ctx, stale.ID, "u1", 300)
	require.NoError(t, err)

	got, res, err := env.Engine.MaybeRecheck(env.Ctx, stale)
	require.NoError(t, err)
	assert.False(t, res.Fired)
	assert.True(t, res.Conflict)
	assert.Equal(t, 300.0, got.CurrentWeightKg)
	assert.Equal(t, domain.TierT3, got.FeedTier)
	assert.Nil(t, got.LastCheckpointDay)

	stored, err := env.Engine.Repo.GetProject(env.Ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierT3, stored.FeedTier)

	// The reloaded copy fires against the current weight.
	got, res, err = env.Engine.MaybeRecheck(env.Ctx, got)
	require.NoError(t, err)
	require.True(t, res.Fired)
	assert.Equal(t, 330.0, res.AdjustedWeightKg)
	assert.Equal(t, domain.TierT3, got.FeedTier)
}

func TestEndToEndCow(t *testing.T) {
	env := newTestEnv(t)
	p := env.newCow(t, 140)

	dash, err := env.Engine.Dashboard(env.Ctx, p.ID, owner, domain.Date{})
	require.NoError(t, err)
	assert.Equal(t, 1, dash.ElapsedDays)
	assert.False(t, dash.WeightCheckDue)
	require.Len(t, dash.Schedule, 4)
	assert.Contains(t, dash.Schedule[0].Tasks[2].Description, "1 kg")
	assert.Contains(t, dash.Schedule[0].Tasks[3].Description, "5 kg")
	assert.Equal(t, 5.0, dash.FodderKg)
	assert.InDelta(t, 40.0, dash.TargetProgress, 0.001)

	env.setDay(30)
	dash, err = env.Engine.Dashboard(env.Ctx, p.ID, owner, domain.Date{})
	require.NoError(t, err)
	assert.Equal(t, 30, dash.ElapsedDays)
	assert.True(t, dash.WeightCheckDue)
	assert.True(t, dash.Checkpoint.Fired)
	assert.Equal(t, domain.TierT2, dash.Project.FeedTier)
	assert.Equal(t, 30, *dash.Project.LastCheckpointDay)
}

func TestAdminDashboardIsReadOnly(t *testing.T) {
	env := newTestEnv(t)
	p := env.newCow(t, 140)
	env.setDay(30)

	_, err := env.Engine.Dashboard(env.Ctx, p.ID, engine.Actor{ID: "u2"}, domain.Date{})
	assert.ErrorIs(t, err, repo.ErrNotOwner)

	dash, err := env.Engine.Dashboard(env.Ctx, p.ID, engine.Actor{ID: "admin", Admin: true}, domain.Date{})
	require.NoError(t, err)
	assert.True(t, dash.WeightCheckDue)
	assert.False(t, dash.Checkpoint.Fired)
	assert.Nil(t, dash.Project.LastCheckpointDay)
}

func TestTaskCompletionReplacesDay(t *testing.T) {
	env := newTestEnv(t)
	p := env.newCow(t, 140)
	env.setDay(3)
	date := domain.DateOf(day1).AddDays(1)

	_, err := env.Engine.RecordTaskCompletion(env.Ctx, p.ID, "u1", date, map[domain.TaskKey]bool{{Phase: "morning", Index: 0}: true})
	require.NoError(t, err)
	res, err := env.Engine.RecordTaskCompletion(env.Ctx, p.ID, "u1", date, map[domain.TaskKey]bool{{Phase: "morning", Index: 1}: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Saved)
	assert.Empty(t, res.Orphans)

	loaded, err := env.Engine.GetProject(env.Ctx, p.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, map[domain.TaskKey]bool{{Phase: "morning", Index: 1}: true}, loaded.TaskCompletion[date])

	_, err = env.Engine.RecordTaskCompletion(env.Ctx, p.ID, "u2", date, nil)
	assert.ErrorIs(t, err, repo.ErrNotOwner)

	_, err = env.Engine.RecordTaskCompletion(env.Ctx, p.ID, "u1", domain.DateOf(*env.clock).AddDays(1), nil)
	assert.ErrorIs(t, err, domain.ErrFutureDate)
}

func TestOrphanKeysDoNotCollideAcrossDates(t *testing.T) {
	env := newTestEnv(t)
	p := env.newCow(t, 140)
	env.setDay(5)
	d1 := domain.DateOf(day1)
	d2 := d1.AddDays(1)

	res, err := env.Engine.RecordTaskCompletion(env.Ctx, p.ID, "u1", d1, map[domain.TaskKey]bool{
		{Phase: "morning", Index: 0}: true,
		{Phase: "night", Index: 0}:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.TaskKey{{Phase: "night", Index: 0}}, res.Orphans)

	_, err = env.Engine.RecordTaskCompletion(env.Ctx, p.ID, "u1", d2, map[domain.TaskKey]bool{
		{Phase: "morning", Index: 0}: false,
	})
	require.NoError(t, err)

	loaded, err := env.Engine.GetProject(env.Ctx, p.ID, owner)
	require.NoError(t, err)
	assert.True(t, loaded.TaskCompletion[d1][domain.TaskKey{Phase: "morning", Index: 0}])
	assert.True(t, loaded.TaskCompletion[d1][domain.TaskKey{Phase: "night", Index: 0}])
	assert.False(t, loaded.TaskCompletion[d2][domain.TaskKey{Phase: "morning", Index: 0}])
	assert.Len(t, loaded.TaskCompletion[d2], 1)
}

func TestAttachPhotosAppendsInOrder(t *testing.T) {
	env := newTestEnv(t)
	p := env.newCow(t, 140)
	date := domain.DateOf(day1)
	ids := []string{"a", "b", "c"}
	env.Engine.Photos.NewID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	res, err := env.Engine.AttachPhotos(env.Ctx, p.ID, "u1", date, "morning", []photos.Upload{
		{Filename: "a.png", Data: pngBytes},
		{Filename: "notes.txt", Data: []byte("hello")},
		{Filename: "b.png", Data: pngBytes},
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.PhotoRef{"a_a.png", "b_b.png"}, res.Accepted)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "notes.txt", res.Skipped[0].Filename)

	_, err = env.Engine.AttachPhotos(env.Ctx, p.ID, "u1", date, "morning", []photos.Upload{{Filename: "c.png", Data: pngBytes}})
	require.NoError(t, err)

	_, dayPhotos, err := env.Engine.Day(env.Ctx, p.ID, owner, date)
	require.NoError(t, err)
	assert.Equal(t, []domain.PhotoRef{"a_a.png", "b_b.png", "c_c.png"}, dayPhotos["morning"])

	refs, err := env.Engine.ReleasePhotoRefs(env.Ctx, p.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, []domain.PhotoRef{"a_a.png", "b_b.png", "c_c.png"}, refs)
}

func TestPhotoReadsAttachedBlob(t *testing.T) {
	env := newTestEnv(t)
	p := env.newCow(t, 140)
	other := env.newCow(t, 150)
	res, err := env.Engine.AttachPhotos(env.Ctx, p.ID, "u1", domain.DateOf(day1), "morning", []photos.Upload{{Filename: "a.png", Data: pngBytes}})
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	ref := res.Accepted[0]

	data, contentType, err := env.Engine.Photo(env.Ctx, p.ID, owner, ref)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
	assert.Equal(t, "image/png", contentType)

	_, _, err = env.Engine.Photo(env.Ctx, p.ID, engine.Actor{ID: "ops", Admin: true}, ref)
	assert.NoError(t, err)
	_, _, err = env.Engine.Photo(env.Ctx, p.ID, engine.Actor{ID: "u2"}, ref)
	assert.ErrorIs(t, err, repo.ErrNotOwner)
	_, _, err = env.Engine.Photo(env.Ctx, other.ID, owner, ref)
	assert.ErrorIs(t, err, photos.ErrBlobNotFound)
}

func TestAttachPhotosRejects(t *testing.T) {
	env := newTestEnv(t)
	p := env.newCow(t, 140)
	date := domain.DateOf(day1)

	_, err := env.Engine.AttachPhotos(env.Ctx, p.ID, "u1", date, "brunch", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = env.Engine.AttachPhotos(env.Ctx, p.ID, "u2", date, "morning", []photos.Upload{{Filename: "a.png", Data: pngBytes}})
	assert.ErrorIs(t, err, repo.ErrNotOwner)

	env.Engine.Photos.Policy.MaxUploadBytes = int64(len(pngBytes)) + 1
	res, err := env.Engine.AttachPhotos(env.Ctx, p.ID, "u1", date, "morning", []photos.Upload{
		{Filename: "a.png", Data: pngBytes},
		{Filename: "b.png", Data: pngBytes},
	})
	require.NoError(t, err)
	assert.Len(t, res.Accepted, 1)
	assert.Len(t, res.Skipped, 1)
}

func TestUpdateWeight(t *testing.T) {
	env := newTestEnv(t)
	p := env.newCow(t, 140)

	updated, err := env.Engine.UpdateWeight(env.Ctx, p.ID, "u1", 290)
	require.NoError(t, err)
	assert.Equal(t, domain.TierT3, updated.FeedTier)
	assert.Equal(t, 290.0, updated.CurrentWeightKg)

	_, err = env.Engine.UpdateWeight(env.Ctx, p.ID, "u1", -3)
	assert.ErrorIs(t, err, domain.ErrInvalidWeight)
	_, err = env.Engine.UpdateWeight(env.Ctx, p.ID, "u2", 200)
	assert.ErrorIs(t, err, repo.ErrNotOwner)
	_, err = env.Engine.UpdateWeight(env.Ctx, "missing", "u1", 200)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDeleteProjectReleasesPhotos(t *testing.T) {
	env := newTestEnv(t)
	p := env.newCow(t, 140)
	date := domain.DateOf(day1)
	res, err := env.Engine.AttachPhotos(env.Ctx, p.ID, "u1", date, "evening", []photos.Upload{{Filename: "a.png", Data: pngBytes}})
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)

	_, err = env.Engine.DeleteProject(env.Ctx, p.ID, "u2")
	assert.ErrorIs(t, err, repo.ErrNotOwner)

	del, err := env.Engine.DeleteProject(env.Ctx, p.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, res.Accepted, del.Released)
	assert.Zero(t, del.BlobDeleteErrs)

	_, err = env.Store.Get(env.Ctx, res.Accepted[0])
	assert.ErrorIs(t, err, photos.ErrBlobNotFound)
	_, err = env.Engine.GetProject(env.Ctx, p.ID, owner)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	evts, err := env.Engine.Events.Latest(env.Ctx, events.Filter{ProjectID: p.ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "project.deleted", evts[0].Type)
}

func TestListProjects(t *testing.T) {
	env := newTestEnv(t)
	env.newCow(t, 140)
	_, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{OwnerID: "u2", Name: "Other", AnimalKind: domain.Goat, WeightKg: 8})
	require.NoError(t, err)

	mine, err := env.Engine.ListProjects(env.Ctx, owner, false)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	_, err = env.Engine.ListProjects(env.Ctx, owner, true)
	assert.ErrorIs(t, err, engine.ErrAdminRequired)

	all, err := env.Engine.ListProjects(env.Ctx, engine.Actor{ID: "root", Admin: true}, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
