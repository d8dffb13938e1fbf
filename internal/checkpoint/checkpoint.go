// Package checkpoint decides when a project's feed tier is re-evaluated.
//
// A checkpoint is due on every elapsed day that is a multiple of the project's
// check period. It fires at most once per elapsed day: LastCheckpointDay records
// the day it last fired and an equal value blocks a second fire.
package checkpoint

import (
	"herdline/internal/domain"
	"herdline/internal/feed"
)

// Decision is the outcome of evaluating a project on a given day.
type Decision struct {
	ElapsedDays      int
	Due              bool
	Fire             bool
	AdjustedWeightKg float64
	Tier             domain.Tier
}

// Due reports whether elapsedDays lands on a checkpoint for the period.
func Due(elapsedDays, periodDays int) bool {
	if periodDays < 1 || elapsedDays == 0 {
		return false
	}
	return elapsedDays%periodDays == 0
}

// Evaluate computes whether the checkpoint fires for p on today and, if so,
// the tier to persist. growthKg is added to the current weight before lookup.
func Evaluate(p domain.Project, today domain.Date, growthKg float64) Decision {
	d := Decision{ElapsedDays: p.ElapsedDays(today)}
	d.Due = Due(d.ElapsedDays, p.CheckPeriodDays)
	if !d.Due {
		return d
	}
	if p.LastCheckpointDay != nil && *p.LastCheckpointDay == d.ElapsedDays {
		return d
	}
	d.Fire = true
	d.AdjustedWeightKg = p.CurrentWeightKg + growthKg
	d.Tier = feed.Tier(d.AdjustedWeightKg, p.AnimalKind)
	return d
}
