package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"herdline/internal/domain"
	"herdline/internal/events"
	"herdline/internal/metrics"
	"herdline/internal/photos"
	"herdline/internal/schedule"
)

type TaskSaveResult struct {
	Date    domain.Date      `json:"date"`
	Saved   int              `json:"saved"`
	Orphans []domain.TaskKey `json:"orphans,omitempty"`
}

// RecordTaskCompletion replaces the completion map stored for date. Keys that
// are not part of the animal's schedule are stored and reported as orphans.
func (e Engine) RecordTaskCompletion(ctx context.Context, id, ownerID string, date domain.Date, completions map[domain.TaskKey]bool) (TaskSaveResult, error) {
	if date.IsZero() {
		return TaskSaveResult{}, fmt.Errorf("%w: date is required", domain.ErrInvalidInput)
	}
	if date.After(e.Today()) {
		return TaskSaveResult{}, fmt.Errorf("%w: %s", domain.ErrFutureDate, date)
	}
	keys := make([]domain.TaskKey, 0, len(completions))
	for k := range completions {
		if k.Phase == "" || k.Index < 0 {
			return TaskSaveResult{}, fmt.Errorf("%w: %q", domain.ErrInvalidTaskKey, k.String())
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Phase != keys[j].Phase {
			return keys[i].Phase < keys[j].Phase
		}
		return keys[i].Index < keys[j].Index
	})

	p, err := e.Repo.GetOwnedProject(ctx, id, ownerID)
	if err != nil {
		return TaskSaveResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TaskSaveResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceCompletionsTx(ctx, tx, id, ownerID, date, completions); err != nil {
		return TaskSaveResult{}, err
	}
	done := 0
	for _, v := range completions {
		if v {
			done++
		}
	}
	if err := e.eventLog().Append(ctx, tx, events.Entry{Type: events.TasksRecorded, ProjectID: id, Kind: events.KindDay, EntityID: date.String(), ActorID: ownerID, Payload: events.Payload{
		"tasks": len(completions), "done": done,
	}}); err != nil {
		return TaskSaveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TaskSaveResult{}, err
	}
	metrics.RecordTaskSave()

	res := TaskSaveResult{Date: date, Saved: len(completions), Orphans: schedule.OrphanKeys(p.AnimalKind, keys)}
	if len(res.Orphans) > 0 {
		e.log().Warn("task keys outside schedule", zap.String("project_id", id), zap.Int("orphans", len(res.Orphans)))
	}
	return res, nil
}

type SkippedFile struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

type AttachResult struct {
	Accepted []domain.PhotoRef `json:"accepted"`
	Skipped  []SkippedFile     `json:"skipped,omitempty"`
}

// AttachPhotos stores each acceptable upload and appends its ref to the
// (date, phase) list. Rejected or unstorable files are skipped, never failing
// the batch.
func (e Engine) AttachPhotos(ctx context.Context, id, ownerID string, date domain.Date, phase string, uploads []photos.Upload) (AttachResult, error) {
	if date.IsZero() {
		return AttachResult{}, fmt.Errorf("%w: date is required", domain.ErrInvalidInput)
	}
	if date.After(e.Today()) {
		return AttachResult{}, fmt.Errorf("%w: %s", domain.ErrFutureDate, date)
	}
	p, err := e.Repo.GetOwnedProject(ctx, id, ownerID)
	if err != nil {
		return AttachResult{}, err
	}
	if !knownPhase(p.AnimalKind, phase) {
		return AttachResult{}, fmt.Errorf("%w: unknown phase %q for %s", domain.ErrInvalidInput, phase, p.AnimalKind)
	}
	if e.Photos.Store == nil {
		return AttachResult{}, errors.New("photo store not configured")
	}

	res := AttachResult{Accepted: []domain.PhotoRef{}}
	budget := e.Photos.Policy.MaxUploadBytes
	for _, up := range uploads {
		ref, err := e.Photos.Save(ctx, up, budget)
		var invalid *photos.InvalidFileError
		switch {
		case errors.As(err, &invalid):
			res.Skipped = append(res.Skipped, SkippedFile{Filename: up.Filename, Reason: invalid.Reason})
			continue
		case err != nil:
			e.log().Error("photo store failed", zap.String("project_id", id), zap.String("filename", up.Filename), zap.Error(err))
			res.Skipped = append(res.Skipped, SkippedFile{Filename: up.Filename, Reason: "storage unavailable"})
			continue
		}
		budget -= int64(len(up.Data))
		res.Accepted = append(res.Accepted, ref)
	}
	defer func() { metrics.RecordPhotos(len(res.Accepted), len(res.Skipped)) }()
	if len(res.Accepted) == 0 {
		return res, nil
	}

	if err := e.appendPhotos(ctx, id, ownerID, date, phase, res.Accepted); err != nil {
		for _, ref := range res.Accepted {
			if derr := e.Photos.Store.Delete(ctx, ref); derr != nil {
				e.log().Warn("orphaned photo blob", zap.String("ref", string(ref)), zap.Error(derr))
			}
		}
		res.Accepted = []domain.PhotoRef{}
		return res, err
	}
	return res, nil
}

func (e Engine) appendPhotos(ctx context.Context, id, ownerID string, date domain.Date, phase string, refs []domain.PhotoRef) error {
	now := e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, ref := range refs {
		if err := e.Repo.AppendPhotoTx(ctx, tx, id, ownerID, date, phase, ref, now); err != nil {
			return err
		}
	}
	if err := e.eventLog().Append(ctx, tx, events.Entry{Type: events.PhotosAttached, ProjectID: id, Kind: events.KindDay, EntityID: date.String(), ActorID: ownerID, Payload: events.Payload{
		"phase": phase, "count": len(refs),
	}}); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleasePhotoRefs lists every photo ref of the project in append order so a
// deletion flow can free the blobs.
func (e Engine) ReleasePhotoRefs(ctx context.Context, id, ownerID string) ([]domain.PhotoRef, error) {
	if _, err := e.Repo.GetOwnedProject(ctx, id, ownerID); err != nil {
		return nil, err
	}
	return e.Repo.ListPhotoRefs(ctx, id)
}

// Photo returns the bytes and media type of a ref attached to the project.
// Refs of other projects are reported as missing.
func (e Engine) Photo(ctx context.Context, id string, actor Actor, ref domain.PhotoRef) ([]byte, string, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if err := canRead(p, actor); err != nil {
		return nil, "", err
	}
	ok, err := e.Repo.HasPhotoRef(ctx, id, ref)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", photos.ErrBlobNotFound, ref)
	}
	if e.Photos.Store == nil {
		return nil, "", errors.New("photo store not configured")
	}
	data, err := e.Photos.Store.Get(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	return data, photos.ContentType(ref), nil
}

// Day returns the ledger entry of one date.
func (e Engine) Day(ctx context.Context, id string, actor Actor, date domain.Date) (map[domain.TaskKey]bool, map[string][]domain.PhotoRef, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := canRead(p, actor); err != nil {
		return nil, nil, err
	}
	completions, err := e.Repo.DayCompletions(ctx, id, date)
	if err != nil {
		return nil, nil, err
	}
	dayPhotos, err := e.Repo.DayPhotos(ctx, id, date)
	if err != nil {
		return nil, nil, err
	}
	return completions, dayPhotos, nil
}

func knownPhase(animal domain.AnimalKind, phase string) bool {
	for _, name := range schedule.PhaseNames(animal) {
		if name == phase {
			return true
		}
	}
	return false
}
