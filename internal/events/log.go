// Package events is the append-only change log of herdline projects.
//
// Entries are written inside the transaction of the change they describe, so
// a rolled back change leaves no event behind. Rows carry no foreign key: the
// project.deleted entry outlives its project.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"herdline/internal/domain"
)

const (
	ProjectCreated       = "project.created"
	ProjectWeightUpdated = "project.weight.updated"
	CheckpointFired      = "project.checkpoint.fired"
	ProjectDeleted       = "project.deleted"
	TasksRecorded        = "day.tasks.recorded"
	PhotosAttached       = "day.photos.attached"
)

const (
	KindProject = "project"
	KindDay     = "day"
)

var known = map[string]bool{
	ProjectCreated:       true,
	ProjectWeightUpdated: true,
	CheckpointFired:      true,
	ProjectDeleted:       true,
	TasksRecorded:        true,
	PhotosAttached:       true,
}

// ErrUnknownType rejects entries whose type is not one of the constants above.
var ErrUnknownType = errors.New("unknown event type")

type Payload map[string]any

// Entry is one change to record. EntityID is the project id for project
// events and the YYYY-MM-DD date for day events.
type Entry struct {
	Type      string
	ProjectID string
	Kind      string
	EntityID  string
	ActorID   string
	Payload   Payload
}

// Log reads and appends events.
type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Log) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

// Append records e inside tx.
func (l Log) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if !known[e.Type] {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.ActorID == "" {
		return errors.New("event actor is required")
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	ts := l.now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.ProjectID), e.Kind, nullable(e.EntityID), e.ActorID, string(data))
	return err
}

// Filter narrows Latest. Zero fields match everything; Limit defaults to 50.
type Filter struct {
	ProjectID string
	Type      string
	Limit     int
}

// Latest returns matching events, newest first.
func (l Log) Latest(ctx context.Context, f Filter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'{}') FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// DecodePayload unmarshals the JSON payload of e.
func DecodePayload(e domain.Event) (Payload, error) {
	p := Payload{}
	if e.Payload == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
		return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
	}
	return p, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
