package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"herdline/internal/config"
	"herdline/internal/domain"
	"herdline/internal/events"
	"herdline/internal/feed"
	"herdline/internal/photos"
	"herdline/internal/repo"
)

var ErrAdminRequired = errors.New("admin role required")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Log
	Config *config.Config
	Photos photos.Uploader
	Logger *zap.Logger
	Now    func() time.Time
}

// Actor is the authenticated caller. Admins may read any project; writes
// always require ownership.
type Actor struct {
	ID    string
	Admin bool
}

func New(db *sql.DB, cfg *config.Config, store photos.Store) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Log{DB: db},
		Config: cfg,
		Photos: photos.Uploader{Store: store, Policy: photos.PolicyFromConfig(cfg.Photos)},
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Today is the calendar date of the engine clock.
func (e Engine) Today() domain.Date {
	return domain.DateOf(e.now())
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) eventLog() events.Log {
	l := e.Events
	if l.Now == nil {
		l.Now = e.now
	}
	return l
}

// CreateProjectOptions are parameters for a new project.
type CreateProjectOptions struct {
	OwnerID         string
	Name            string
	AnimalKind      domain.AnimalKind
	AcquisitionDate domain.Date
	WeightKg        float64
	// CheckPeriodDays overrides the configured period when > 0.
	CheckPeriodDays int
}

func (e Engine) CreateProject(ctx context.Context, opts CreateProjectOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.OwnerID) == "" {
		return domain.Project{}, fmt.Errorf("%w: owner is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Project{}, fmt.Errorf("%w: name is required", domain.ErrInvalidInput)
	}
	if !opts.AnimalKind.Valid() {
		return domain.Project{}, fmt.Errorf("%w: %q", domain.ErrUnknownAnimal, opts.AnimalKind)
	}
	if err := feed.ValidateWeight(opts.WeightKg); err != nil {
		return domain.Project{}, err
	}
	today := e.Today()
	if opts.AcquisitionDate.IsZero() {
		opts.AcquisitionDate = today
	}
	if opts.AcquisitionDate.After(today) {
		return domain.Project{}, fmt.Errorf("%w: %s", domain.ErrFutureDate, opts.AcquisitionDate)
	}
	animal := e.Config.Animal(opts.AnimalKind)
	period := opts.CheckPeriodDays
	if period <= 0 {
		period = animal.CheckPeriodDays
	}
	if period < 1 {
		return domain.Project{}, fmt.Errorf("%w: check period must be >= 1", domain.ErrInvalidInput)
	}

	now := e.stamp()
	p := domain.Project{
		ID:              uuid.NewString(),
		OwnerID:         opts.OwnerID,
		Name:            strings.TrimSpace(opts.Name),
		AnimalKind:      opts.AnimalKind,
		AcquisitionDate: opts.AcquisitionDate,
		CurrentWeightKg: opts.WeightKg,
		FeedTier:        feed.Tier(opts.WeightKg, opts.AnimalKind),
		TargetWeightKg:  animal.TargetWeightKg,
		CheckPeriodDays: period,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.eventLog().Append(ctx, tx, events.Entry{Type: events.ProjectCreated, ProjectID: p.ID, Kind: events.KindProject, EntityID: p.ID, ActorID: p.OwnerID, Payload: events.Payload{
		"animal_kind": p.AnimalKind, "weight_kg": p.CurrentWeightKg, "feed_tier": p.FeedTier,
	}}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.log().Info("project created", zap.String("project_id", p.ID), zap.String("owner_id", p.OwnerID), zap.String("animal", string(p.AnimalKind)))
	p.TaskCompletion = map[domain.Date]map[domain.TaskKey]bool{}
	p.TaskPhotos = map[domain.Date]map[string][]domain.PhotoRef{}
	return p, nil
}

// GetProject returns the project with its ledger if actor may read it.
func (e Engine) GetProject(ctx context.Context, id string, actor Actor) (domain.Project, error) {
	p, err := e.Repo.LoadProject(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}
	if err := canRead(p, actor); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ListProjects lists the actor's projects, or every project when all is set.
func (e Engine) ListProjects(ctx context.Context, actor Actor, all bool) ([]domain.Project, error) {
	if all {
		if !actor.Admin {
			return nil, ErrAdminRequired
		}
		return e.Repo.ListAllProjects(ctx)
	}
	return e.Repo.ListProjectsByOwner(ctx, actor.ID)
}

// UpdateWeight stores an explicit weigh-in and recomputes the tier from it.
func (e Engine) UpdateWeight(ctx context.Context, id, ownerID string, weightKg float64) (domain.Project, error) {
	if err := feed.ValidateWeight(weightKg); err != nil {
		return domain.Project{}, err
	}
	p, err := e.Repo.GetOwnedProject(ctx, id, ownerID)
	if err != nil {
		return domain.Project{}, err
	}
	tier := feed.Tier(weightKg, p.AnimalKind)
	now := e.stamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWeightTx(ctx, tx, id, ownerID, weightKg, tier, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.eventLog().Append(ctx, tx, events.Entry{Type: events.ProjectWeightUpdated, ProjectID: id, Kind: events.KindProject, EntityID: id, ActorID: ownerID, Payload: events.Payload{
		"from_kg": p.CurrentWeightKg, "to_kg": weightKg, "feed_tier": tier,
	}}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.CurrentWeightKg = weightKg
	p.FeedTier = tier
	p.UpdatedAt = now
	return p, nil
}

// DeleteResult lists the refs released by a deletion and how many blobs
// could not be removed from the photo store.
type DeleteResult struct {
	Released       []domain.PhotoRef `json:"released"`
	BlobDeleteErrs int               `json:"blob_delete_errors"`
}

// DeleteProject removes the project and then frees its photo blobs. Blob
// failures are logged and counted; the project stays deleted.
func (e Engine) DeleteProject(ctx context.Context, id, ownerID string) (DeleteResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DeleteResult{}, err
	}
	defer tx.Rollback()
	// listed in the same tx so an upload racing the delete cannot leak a blob
	refs, err := e.Repo.ListPhotoRefsTx(ctx, tx, id)
	if err != nil {
		return DeleteResult{}, err
	}
	if err := e.Repo.DeleteProjectTx(ctx, tx, id, ownerID); err != nil {
		return DeleteResult{}, err
	}
	if err := e.eventLog().Append(ctx, tx, events.Entry{Type: events.ProjectDeleted, ProjectID: id, Kind: events.KindProject, EntityID: id, ActorID: ownerID, Payload: events.Payload{
		"photos": len(refs),
	}}); err != nil {
		return DeleteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return DeleteResult{}, err
	}

	res := DeleteResult{Released: refs}
	if e.Photos.Store == nil {
		return res, nil
	}
	for _, ref := range refs {
		if err := e.Photos.Store.Delete(ctx, ref); err != nil {
			res.BlobDeleteErrs++
			e.log().Warn("photo blob not deleted", zap.String("project_id", id), zap.String("ref", string(ref)), zap.Error(err))
		}
	}
	return res, nil
}

// ProjectEvents returns the newest events of a project readable by actor.
func (e Engine) ProjectEvents(ctx context.Context, id string, actor Actor, limit int) ([]domain.Event, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canRead(p, actor); err != nil {
		return nil, err
	}
	return e.Events.Latest(ctx, events.Filter{ProjectID: id, Limit: limit})
}

func canRead(p domain.Project, actor Actor) error {
	if actor.Admin || p.OwnerID == actor.ID {
		return nil
	}
	return repo.ErrNotOwner
}
