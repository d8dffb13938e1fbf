package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidWeight  = errors.New("invalid weight")
	ErrUnknownAnimal  = errors.New("unknown animal kind")
	ErrFutureDate     = errors.New("acquisition date is in the future")
	ErrInvalidTaskKey = errors.New("invalid task key")
	ErrInvalidDate    = errors.New("invalid date")
	ErrInvalidInput   = errors.New("invalid input")
)

// AnimalKind is fixed when a project is created.
type AnimalKind string

const (
	Goat AnimalKind = "goat"
	Cow  AnimalKind = "cow"
)

// ParseAnimalKind accepts "goat" or "cow" in any case.
func ParseAnimalKind(s string) (AnimalKind, error) {
	k := AnimalKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAnimal, s)
	}
	return k, nil
}

func (k AnimalKind) Valid() bool {
	return k == Goat || k == Cow
}

// Tier is the cached grain ration level of a project.
// Goat tiers name grams of grain, cow tiers name kilograms.
type Tier string

const (
	TierT100 Tier = "T100"
	TierT150 Tier = "T150"
	TierT200 Tier = "T200"
	TierT1   Tier = "T1"
	TierT2   Tier = "T2"
	TierT3   Tier = "T3"
)

// GrainGrams returns the daily grain ration for the tier, 0 for unknown tiers.
func (t Tier) GrainGrams() int {
	switch t {
	case TierT100:
		return 100
	case TierT150:
		return 150
	case TierT200:
		return 200
	case TierT1:
		return 1000
	case TierT2:
		return 2000
	case TierT3:
		return 3000
	}
	return 0
}

type PhotoRef string

type Task struct {
	Description string `json:"description"`
	TimeRange   string `json:"time_range"`
}

type Phase struct {
	Name  string `json:"name"`
	Tasks []Task `json:"tasks"`
}

// Project is one tracked animal.
type Project struct {
	ID                string     `json:"id"`
	OwnerID           string     `json:"owner_id"`
	Name              string     `json:"name"`
	AnimalKind        AnimalKind `json:"animal_kind"`
	AcquisitionDate   Date       `json:"acquisition_date"`
	CurrentWeightKg   float64    `json:"current_weight_kg"`
	FeedTier          Tier       `json:"feed_tier"`
	TargetWeightKg    float64    `json:"target_weight_kg"`
	CheckPeriodDays   int        `json:"check_period_days"`
	LastCheckpointDay *int       `json:"last_checkpoint_day,omitempty"`
	CreatedAt         string     `json:"created_at"`
	UpdatedAt         string     `json:"updated_at"`

	TaskCompletion map[Date]map[TaskKey]bool      `json:"task_completion,omitempty"`
	TaskPhotos     map[Date]map[string][]PhotoRef `json:"task_photos,omitempty"`
}

// ElapsedDays counts the acquisition day itself as day 1.
func (p Project) ElapsedDays(today Date) int {
	return today.DaysSince(p.AcquisitionDate) + 1
}

// TargetProgress is the current weight as a percentage of the target weight.
func (p Project) TargetProgress() float64 {
	if p.TargetWeightKg <= 0 {
		return 0
	}
	return p.CurrentWeightKg / p.TargetWeightKg * 100
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
