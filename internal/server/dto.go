package server

import (
	"sort"

	"herdline/internal/domain"
	"herdline/internal/engine"
	"herdline/internal/feed"
	"herdline/internal/schedule"
)

// Request payloads

type CreateProjectRequest struct {
	Name            string  `json:"name" minLength:"1"`
	AnimalKind      string  `json:"animal_kind" enum:"goat,cow"`
	AcquisitionDate string  `json:"acquisition_date,omitempty" doc:"YYYY-MM-DD, defaults to today"`
	WeightKg        float64 `json:"weight_kg" minimum:"0"`
	CheckPeriodDays int     `json:"check_period_days,omitempty" minimum:"0"`
}

type UpdateWeightRequest struct {
	WeightKg float64 `json:"weight_kg" minimum:"0"`
}

type SaveTasksRequest struct {
	// Completions maps "phase.index" keys to done flags. The map replaces
	// everything stored for the date.
	Completions map[string]bool `json:"completions"`
}

// Responses

type ProjectResponse struct {
	ID                string  `json:"id"`
	OwnerID           string  `json:"owner_id"`
	Name              string  `json:"name"`
	AnimalKind        string  `json:"animal_kind"`
	AcquisitionDate   string  `json:"acquisition_date"`
	ElapsedDays       int     `json:"elapsed_days"`
	WeightKg          float64 `json:"weight_kg"`
	FeedTier          string  `json:"feed_tier"`
	TargetWeightKg    float64 `json:"target_weight_kg"`
	TargetProgress    float64 `json:"target_progress"`
	CheckPeriodDays   int     `json:"check_period_days"`
	LastCheckpointDay *int    `json:"last_checkpoint_day,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

type TaskResponse struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	TimeRange   string `json:"time_range"`
	Done        bool   `json:"done"`
}

type PhaseResponse struct {
	Name  string         `json:"name"`
	Tasks []TaskResponse `json:"tasks"`
}

type DashboardResponse struct {
	Project         ProjectResponse     `json:"project"`
	Date            string              `json:"date"`
	ElapsedDays     int                 `json:"elapsed_days"`
	WeightCheckDue  bool                `json:"weight_check_due"`
	CheckpointFired bool                `json:"checkpoint_fired"`
	FodderKg        float64             `json:"fodder_kg"`
	Grain           string              `json:"grain"`
	Schedule        []PhaseResponse     `json:"schedule"`
	Completions     map[string]bool     `json:"completions"`
	Photos          map[string][]string `json:"photos"`
}

type DayResponse struct {
	Date        string              `json:"date"`
	Completions map[string]bool     `json:"completions"`
	Photos      map[string][]string `json:"photos"`
}

type SaveTasksResponse struct {
	Date    string   `json:"date"`
	Saved   int      `json:"saved"`
	Orphans []string `json:"orphans"`
}

type SkippedFileResponse struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

type AttachPhotosResponse struct {
	Accepted []string              `json:"accepted"`
	Skipped  []SkippedFileResponse `json:"skipped"`
}

type DeleteProjectResponse struct {
	Released         []string `json:"released"`
	BlobDeleteErrors int      `json:"blob_delete_errors"`
}

type ScheduleResponse struct {
	AnimalKind string          `json:"animal_kind"`
	WeightKg   float64         `json:"weight_kg"`
	FeedTier   string          `json:"feed_tier"`
	FodderKg   float64         `json:"fodder_kg"`
	Grain      string          `json:"grain"`
	Phases     []PhaseResponse `json:"phases"`
}

func projectResponse(p domain.Project, today domain.Date) ProjectResponse {
	return ProjectResponse{
		ID:                p.ID,
		OwnerID:           p.OwnerID,
		Name:              p.Name,
		AnimalKind:        string(p.AnimalKind),
		AcquisitionDate:   p.AcquisitionDate.String(),
		ElapsedDays:       p.ElapsedDays(today),
		WeightKg:          p.CurrentWeightKg,
		FeedTier:          string(p.FeedTier),
		TargetWeightKg:    p.TargetWeightKg,
		TargetProgress:    p.TargetProgress(),
		CheckPeriodDays:   p.CheckPeriodDays,
		LastCheckpointDay: p.LastCheckpointDay,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project, today domain.Date) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p, today))
	}
	return out
}

func phasesResponse(phases []domain.Phase, done map[domain.TaskKey]bool) []PhaseResponse {
	out := make([]PhaseResponse, 0, len(phases))
	for _, ph := range phases {
		pr := PhaseResponse{Name: ph.Name, Tasks: make([]TaskResponse, 0, len(ph.Tasks))}
		for i, t := range ph.Tasks {
			key := domain.TaskKey{Phase: ph.Name, Index: i}
			pr.Tasks = append(pr.Tasks, TaskResponse{
				Key:         key.String(),
				Description: t.Description,
				TimeRange:   t.TimeRange,
				Done:        done[key],
			})
		}
		out = append(out, pr)
	}
	return out
}

func completionsResponse(m map[domain.TaskKey]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k.String()] = v
	}
	return out
}

func photosResponse(m map[string][]domain.PhotoRef) map[string][]string {
	out := make(map[string][]string, len(m))
	for phase, refs := range m {
		out[phase] = refStrings(refs)
	}
	return out
}

func refStrings(refs []domain.PhotoRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, string(r))
	}
	return out
}

func dashboardResponse(d engine.Dashboard, today domain.Date) DashboardResponse {
	return DashboardResponse{
		Project:         projectResponse(d.Project, today),
		Date:            d.Date.String(),
		ElapsedDays:     d.ElapsedDays,
		WeightCheckDue:  d.WeightCheckDue,
		CheckpointFired: d.Checkpoint.Fired,
		FodderKg:        d.FodderKg,
		Grain:           d.Grain,
		Schedule:        phasesResponse(d.Schedule, d.Completions),
		Completions:     completionsResponse(d.Completions),
		Photos:          photosResponse(d.Photos),
	}
}

func saveTasksResponse(r engine.TaskSaveResult) SaveTasksResponse {
	orphans := make([]string, 0, len(r.Orphans))
	for _, k := range r.Orphans {
		orphans = append(orphans, k.String())
	}
	sort.Strings(orphans)
	return SaveTasksResponse{Date: r.Date.String(), Saved: r.Saved, Orphans: orphans}
}

func attachResponse(r engine.AttachResult) AttachPhotosResponse {
	out := AttachPhotosResponse{Accepted: refStrings(r.Accepted), Skipped: []SkippedFileResponse{}}
	for _, s := range r.Skipped {
		out.Skipped = append(out.Skipped, SkippedFileResponse{Filename: s.Filename, Reason: s.Reason})
	}
	return out
}

func scheduleResponse(animal domain.AnimalKind, weightKg float64, day int) ScheduleResponse {
	return ScheduleResponse{
		AnimalKind: string(animal),
		WeightKg:   weightKg,
		FeedTier:   string(feed.Tier(weightKg, animal)),
		FodderKg:   feed.FodderKg(weightKg, animal),
		Grain:      schedule.GrainText(weightKg, animal),
		Phases:     phasesResponse(schedule.Build(day, weightKg, animal), nil),
	}
}
