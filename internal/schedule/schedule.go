// Package schedule builds the daily care schedule for an animal.
//
// The phase and task layout is fixed per animal kind. Only the grain and
// fodder amounts written into task descriptions follow the animal's weight.
package schedule

import (
	"strconv"
	"strings"

	"herdline/internal/domain"
	"herdline/internal/feed"
)

const (
	PhaseMorning   = "morning"
	PhaseMidday    = "midday"
	PhaseAfternoon = "afternoon"
	PhaseEvening   = "evening"
	PhaseDefault   = "default"
)

type taskTemplate struct {
	text      string
	timeRange string
}

type phaseTemplate struct {
	name  string
	tasks []taskTemplate
}

// {grain} and {fodder} are replaced with the rations for the animal's weight.
var cowPlan = []phaseTemplate{
	{PhaseMorning, []taskTemplate{
		{"Clean the shed floor and remove dung", "05:30 - 06:00"},
		{"Give fresh drinking water", "06:00 - 06:15"},
		{"Feed {grain} grain concentrate", "06:15 - 06:45"},
		{"Feed {fodder} green fodder", "06:45 - 07:30"},
		{"Check eyes, nose, hooves and dung for signs of illness", "07:30 - 07:45"},
	}},
	{PhaseMidday, []taskTemplate{
		{"Refill drinking water", "12:00 - 12:15"},
		{"Give dry straw or hay", "12:15 - 12:45"},
		{"Let the cow rest in the shade", "12:45 - 14:00"},
	}},
	{PhaseAfternoon, []taskTemplate{
		{"Brush or bathe the cow", "15:00 - 15:30"},
		{"Clean the feeding trough", "15:30 - 15:45"},
		{"Feed {fodder} green fodder", "15:45 - 16:30"},
		{"Walk the cow for light exercise", "16:30 - 17:00"},
	}},
	{PhaseEvening, []taskTemplate{
		{"Secure the shed, hang the mosquito net and leave night water", "18:30 - 19:00"},
	}},
}

var goatPlan = []phaseTemplate{
	{PhaseMorning, []taskTemplate{
		{"Clean the pen and change bedding", "06:00 - 06:30"},
		{"Give fresh drinking water", "06:30 - 06:45"},
		{"Feed {grain} grain mix", "06:45 - 07:00"},
		{"Feed {fodder} green fodder", "07:00 - 07:30"},
		{"Check eyes, nose and droppings for signs of illness", "07:30 - 07:45"},
		{"Let the goat out to graze", "07:45 - 10:00"},
	}},
	{PhaseMidday, []taskTemplate{
		{"Refill drinking water", "12:00 - 12:10"},
		{"Move the goat to shade", "12:10 - 12:20"},
		{"Give dry hay", "12:20 - 12:45"},
		{"Put out a salt and mineral lick", "12:45 - 13:00"},
		{"Check legs and gait for lameness", "13:00 - 13:15"},
	}},
	{PhaseEvening, []taskTemplate{
		{"Bring the goat in and close the pen", "18:00 - 18:30"},
	}},
}

var fallbackPlan = []phaseTemplate{
	{PhaseDefault, []taskTemplate{
		{"Check on the animal and give fresh water", "All day"},
	}},
}

func plan(animal domain.AnimalKind) []phaseTemplate {
	switch animal {
	case domain.Cow:
		return cowPlan
	case domain.Goat:
		return goatPlan
	}
	return fallbackPlan
}

// Build returns the day's phases for the animal. elapsedDays is accepted for
// callers that track the day counter; the layout does not depend on it.
func Build(elapsedDays int, weightKg float64, animal domain.AnimalKind) []domain.Phase {
	_ = elapsedDays
	r := strings.NewReplacer(
		"{grain}", GrainText(weightKg, animal),
		"{fodder}", kg(feed.FodderKg(weightKg, animal)),
	)
	tmpl := plan(animal)
	phases := make([]domain.Phase, 0, len(tmpl))
	for _, pt := range tmpl {
		ph := domain.Phase{Name: pt.name, Tasks: make([]domain.Task, 0, len(pt.tasks))}
		for _, tt := range pt.tasks {
			ph.Tasks = append(ph.Tasks, domain.Task{
				Description: r.Replace(tt.text),
				TimeRange:   tt.timeRange,
			})
		}
		phases = append(phases, ph)
	}
	return phases
}

// Keys lists every task key of the animal's schedule in display order.
func Keys(animal domain.AnimalKind) []domain.TaskKey {
	var keys []domain.TaskKey
	for _, pt := range plan(animal) {
		for i := range pt.tasks {
			keys = append(keys, domain.TaskKey{Phase: pt.name, Index: i})
		}
	}
	return keys
}

// PhaseNames lists the animal's phases in display order.
func PhaseNames(animal domain.AnimalKind) []string {
	tmpl := plan(animal)
	names := make([]string, 0, len(tmpl))
	for _, pt := range tmpl {
		names = append(names, pt.name)
	}
	return names
}

// OrphanKeys returns the keys that are not part of the animal's schedule.
func OrphanKeys(animal domain.AnimalKind, keys []domain.TaskKey) []domain.TaskKey {
	known := make(map[domain.TaskKey]struct{})
	for _, k := range Keys(animal) {
		known[k] = struct{}{}
	}
	var orphans []domain.TaskKey
	for _, k := range keys {
		if _, ok := known[k]; !ok {
			orphans = append(orphans, k)
		}
	}
	return orphans
}

// GrainText renders the tier's grain ration, grams for goats and kilograms for cows.
func GrainText(weightKg float64, animal domain.AnimalKind) string {
	grams := feed.Tier(weightKg, animal).GrainGrams()
	if animal == domain.Cow {
		return kg(float64(grams) / 1000)
	}
	return strconv.Itoa(grams) + " g"
}

func kg(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + " kg"
}
