package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"herdline/internal/checkpoint"
	"herdline/internal/domain"
	"herdline/internal/events"
	"herdline/internal/feed"
	"herdline/internal/metrics"
	"herdline/internal/repo"
	"herdline/internal/schedule"
)

// RecheckResult describes what MaybeRecheck did.
type RecheckResult struct {
	ElapsedDays      int     `json:"elapsed_days"`
	Due              bool    `json:"due"`
	Fired            bool    `json:"fired"`
	Conflict         bool    `json:"conflict,omitempty"`
	AdjustedWeightKg float64 `json:"adjusted_weight_kg,omitempty"`
}

// MaybeRecheck fires the periodic tier checkpoint for p if it is due today and
// has not fired for this elapsed day. The tier and checkpoint day are written
// together with a compare-and-set on the checkpoint day and the weight the tier
// was computed from; losing that race returns the committed project with Fired
// unset. On any other error the
// returned project is p unchanged.
func (e Engine) MaybeRecheck(ctx context.Context, p domain.Project) (domain.Project, RecheckResult, error) {
	growth := e.Config.Animal(p.AnimalKind).GrowthAdjustmentKg
	d := checkpoint.Evaluate(p, e.Today(), growth)
	res := RecheckResult{ElapsedDays: d.ElapsedDays, Due: d.Due}
	if !d.Fire {
		return p, res, nil
	}

	now := e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, res, fmt.Errorf("recheck: %w", err)
	}
	defer tx.Rollback()

	err = e.Repo.ApplyCheckpointTx(ctx, tx, p.ID, p.OwnerID, p.LastCheckpointDay, p.CurrentWeightKg, d.ElapsedDays, d.Tier, now)
	if errors.Is(err, repo.ErrConflict) {
		metrics.RecordCheckpoint(string(p.AnimalKind), "conflict")
		e.log().Debug("checkpoint already taken", zap.String("project_id", p.ID), zap.Int("elapsed_days", d.ElapsedDays))
		fresh, err := e.Repo.GetProject(ctx, p.ID)
		if err != nil {
			return p, res, fmt.Errorf("reload after conflict: %w", err)
		}
		fresh.TaskCompletion, fresh.TaskPhotos = p.TaskCompletion, p.TaskPhotos
		res.Conflict = true
		return fresh, res, nil
	}
	if err != nil {
		return p, res, fmt.Errorf("recheck: %w", err)
	}
	if err := e.eventLog().Append(ctx, tx, events.Entry{Type: events.CheckpointFired, ProjectID: p.ID, Kind: events.KindProject, EntityID: p.ID, ActorID: p.OwnerID, Payload: events.Payload{
		"elapsed_days": d.ElapsedDays, "adjusted_weight_kg": d.AdjustedWeightKg, "from_tier": p.FeedTier, "to_tier": d.Tier,
	}}); err != nil {
		return p, res, fmt.Errorf("recheck: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return p, res, fmt.Errorf("recheck: %w", err)
	}

	metrics.RecordCheckpoint(string(p.AnimalKind), "fired")
	e.log().Info("checkpoint fired",
		zap.String("project_id", p.ID),
		zap.Int("elapsed_days", d.ElapsedDays),
		zap.String("tier", string(d.Tier)))

	day := d.ElapsedDays
	updated := p
	updated.FeedTier = d.Tier
	updated.LastCheckpointDay = &day
	updated.UpdatedAt = now
	res.Fired = true
	res.AdjustedWeightKg = d.AdjustedWeightKg
	return updated, res, nil
}

// Dashboard is everything shown for one project on one day.
type Dashboard struct {
	Project        domain.Project               `json:"project"`
	Date           domain.Date                  `json:"date"`
	ElapsedDays    int                          `json:"elapsed_days"`
	WeightCheckDue bool                         `json:"weight_check_due"`
	Checkpoint     RecheckResult                `json:"checkpoint"`
	TargetProgress float64                      `json:"target_progress"`
	FodderKg       float64                      `json:"fodder_kg"`
	Grain          string                       `json:"grain"`
	Schedule       []domain.Phase               `json:"schedule"`
	Completions    map[domain.TaskKey]bool      `json:"completions"`
	Photos         map[string][]domain.PhotoRef `json:"photos"`
}

// Dashboard runs the checkpoint for the owner, then assembles the schedule and
// the ledger entry for date (today when zero). Admins viewing someone else's
// project get a read-only view.
func (e Engine) Dashboard(ctx context.Context, id string, actor Actor, date domain.Date) (Dashboard, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return Dashboard{}, err
	}
	if err := canRead(p, actor); err != nil {
		return Dashboard{}, err
	}
	today := e.Today()
	if date.IsZero() {
		date = today
	}
	if date.After(today) {
		return Dashboard{}, fmt.Errorf("%w: %s", domain.ErrFutureDate, date)
	}

	var rc RecheckResult
	if p.OwnerID == actor.ID {
		p, rc, err = e.MaybeRecheck(ctx, p)
		if err != nil {
			return Dashboard{}, err
		}
	} else {
		d := checkpoint.Evaluate(p, today, 0)
		rc = RecheckResult{ElapsedDays: d.ElapsedDays, Due: d.Due}
	}

	completions, err := e.Repo.DayCompletions(ctx, id, date)
	if err != nil {
		return Dashboard{}, err
	}
	dayPhotos, err := e.Repo.DayPhotos(ctx, id, date)
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{
		Project:        p,
		Date:           date,
		ElapsedDays:    rc.ElapsedDays,
		WeightCheckDue: rc.Due,
		Checkpoint:     rc,
		TargetProgress: p.TargetProgress(),
		FodderKg:       feed.FodderKg(p.CurrentWeightKg, p.AnimalKind),
		Grain:          schedule.GrainText(p.CurrentWeightKg, p.AnimalKind),
		Schedule:       schedule.Build(rc.ElapsedDays, p.CurrentWeightKg, p.AnimalKind),
		Completions:    completions,
		Photos:         dayPhotos,
	}, nil
}
