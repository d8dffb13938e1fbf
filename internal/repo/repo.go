package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"herdline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrNotOwner = errors.New("not owner")
	// ErrConflict means a conditional write lost to a concurrent writer.
	ErrConflict = errors.New("conflict")
)

const projectColumns = `id,owner_id,name,animal_kind,acquisition_date,weight_kg,feed_tier,target_weight_kg,check_period_days,last_checkpoint_day,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowsQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanProject(row scanner) (domain.Project, error) {
	var (
		p    domain.Project
		acq  string
		last sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.AnimalKind, &acq, &p.CurrentWeightKg, &p.FeedTier,
		&p.TargetWeightKg, &p.CheckPeriodDays, &last, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if p.AcquisitionDate, err = domain.ParseDate(acq); err != nil {
		return p, fmt.Errorf("project %s: %w", p.ID, err)
	}
	if last.Valid {
		v := int(last.Int64)
		p.LastCheckpointDay = &v
	}
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OwnerID, p.Name, string(p.AnimalKind), p.AcquisitionDate.String(), p.CurrentWeightKg, string(p.FeedTier),
		p.TargetWeightKg, p.CheckPeriodDays, nullableIntPtr(p.LastCheckpointDay), p.CreatedAt, p.UpdatedAt)
	return err
}

// GetProject loads the project row without ledger data or ownership checks.
func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// GetOwnedProject is GetProject restricted to ownerID.
func (r Repo) GetOwnedProject(ctx context.Context, id, ownerID string) (domain.Project, error) {
	p, err := r.GetProject(ctx, id)
	if err != nil {
		return p, err
	}
	if p.OwnerID != ownerID {
		return domain.Project{}, ErrNotOwner
	}
	return p, nil
}

// LoadProject returns the project with its full completion and photo ledger.
func (r Repo) LoadProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := r.GetProject(ctx, id)
	if err != nil {
		return p, err
	}
	if err := r.loadLedger(ctx, &p); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (r Repo) ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error) {
	return r.listProjects(ctx, `SELECT `+projectColumns+` FROM projects WHERE owner_id=? ORDER BY created_at DESC, id`, ownerID)
}

func (r Repo) ListAllProjects(ctx context.Context) ([]domain.Project, error) {
	return r.listProjects(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY owner_id, created_at DESC, id`)
}

func (r Repo) listProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateWeightTx stores an explicit weight update together with its tier.
func (r Repo) UpdateWeightTx(ctx context.Context, tx *sql.Tx, id, ownerID string, weightKg float64, tier domain.Tier, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET weight_kg=?, feed_tier=?, updated_at=? WHERE id=? AND owner_id=?`,
		weightKg, string(tier), updatedAt, id, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ownership(ctx, tx, id, ownerID)
	}
	return nil
}

// ApplyCheckpointTx writes tier and checkpoint day only if last_checkpoint_day
// still holds prevDay and weight_kg still holds the weight the tier was derived
// from. An owned row that was changed by someone else yields ErrConflict.
func (r Repo) ApplyCheckpointTx(ctx context.Context, tx *sql.Tx, id, ownerID string, prevDay *int, weightKg float64, day int, tier domain.Tier, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET feed_tier=?, last_checkpoint_day=?, updated_at=? WHERE id=? AND owner_id=? AND last_checkpoint_day IS ? AND weight_kg=?`,
		string(tier), day, updatedAt, id, ownerID, nullableIntPtr(prevDay), weightKg)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := ownership(ctx, tx, id, ownerID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// ReplaceCompletionsTx swaps the whole completion map stored for date.
func (r Repo) ReplaceCompletionsTx(ctx context.Context, tx *sql.Tx, id, ownerID string, date domain.Date, completions map[domain.TaskKey]bool) error {
	if err := ownership(ctx, tx, id, ownerID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_completions WHERE project_id=? AND date=?`, id, date.String()); err != nil {
		return err
	}
	for key, done := range completions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_completions(project_id,date,phase,task_index,done) VALUES (?,?,?,?,?)`,
			id, date.String(), key.Phase, key.Index, boolInt(done)); err != nil {
			return err
		}
	}
	return nil
}

// AppendPhotoTx pushes one ref onto the (date, phase) list. The insert selects
// the owning project row so ownership and append happen in one statement.
func (r Repo) AppendPhotoTx(ctx context.Context, tx *sql.Tx, id, ownerID string, date domain.Date, phase string, ref domain.PhotoRef, createdAt string) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO task_photos(project_id,date,phase,ref,created_at) SELECT id,?,?,?,? FROM projects WHERE id=? AND owner_id=?`,
		date.String(), phase, string(ref), createdAt, id, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ownership(ctx, tx, id, ownerID)
	}
	return nil
}

// ListPhotoRefs returns every stored ref of a project in append order.
func (r Repo) ListPhotoRefs(ctx context.Context, id string) ([]domain.PhotoRef, error) {
	return listPhotoRefs(ctx, r.DB, id)
}

// ListPhotoRefsTx is ListPhotoRefs inside tx.
func (r Repo) ListPhotoRefsTx(ctx context.Context, tx *sql.Tx, id string) ([]domain.PhotoRef, error) {
	return listPhotoRefs(ctx, tx, id)
}

func listPhotoRefs(ctx context.Context, q rowsQuerier, id string) ([]domain.PhotoRef, error) {
	rows, err := q.QueryContext(ctx, `SELECT ref FROM task_photos WHERE project_id=? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []domain.PhotoRef
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, domain.PhotoRef(ref))
	}
	return refs, rows.Err()
}

// HasPhotoRef reports whether ref is in the project's ledger.
func (r Repo) HasPhotoRef(ctx context.Context, id string, ref domain.PhotoRef) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_photos WHERE project_id=? AND ref=?`, id, string(ref)).Scan(&n)
	return n > 0, err
}

func (r Repo) DayCompletions(ctx context.Context, id string, date domain.Date) (map[domain.TaskKey]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT phase,task_index,done FROM task_completions WHERE project_id=? AND date=? ORDER BY phase, task_index`, id, date.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.TaskKey]bool{}
	for rows.Next() {
		var (
			key  domain.TaskKey
			done int
		)
		if err := rows.Scan(&key.Phase, &key.Index, &done); err != nil {
			return nil, err
		}
		res[key] = done != 0
	}
	return res, rows.Err()
}

func (r Repo) DayPhotos(ctx context.Context, id string, date domain.Date) (map[string][]domain.PhotoRef, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT phase,ref FROM task_photos WHERE project_id=? AND date=? ORDER BY id`, id, date.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]domain.PhotoRef{}
	for rows.Next() {
		var phase, ref string
		if err := rows.Scan(&phase, &ref); err != nil {
			return nil, err
		}
		res[phase] = append(res[phase], domain.PhotoRef(ref))
	}
	return res, rows.Err()
}

func (r Repo) loadLedger(ctx context.Context, p *domain.Project) error {
	p.TaskCompletion = map[domain.Date]map[domain.TaskKey]bool{}
	p.TaskPhotos = map[domain.Date]map[string][]domain.PhotoRef{}

	rows, err := r.DB.QueryContext(ctx, `SELECT date,phase,task_index,done FROM task_completions WHERE project_id=?`, p.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			ds   string
			key  domain.TaskKey
			done int
		)
		if err := rows.Scan(&ds, &key.Phase, &key.Index, &done); err != nil {
			rows.Close()
			return err
		}
		d, err := domain.ParseDate(ds)
		if err != nil {
			rows.Close()
			return err
		}
		if p.TaskCompletion[d] == nil {
			p.TaskCompletion[d] = map[domain.TaskKey]bool{}
		}
		p.TaskCompletion[d][key] = done != 0
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	rows, err = r.DB.QueryContext(ctx, `SELECT date,phase,ref FROM task_photos WHERE project_id=? ORDER BY id`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var ds, phase, ref string
		if err := rows.Scan(&ds, &phase, &ref); err != nil {
			return err
		}
		d, err := domain.ParseDate(ds)
		if err != nil {
			return err
		}
		if p.TaskPhotos[d] == nil {
			p.TaskPhotos[d] = map[string][]domain.PhotoRef{}
		}
		p.TaskPhotos[d][phase] = append(p.TaskPhotos[d][phase], domain.PhotoRef(ref))
	}
	return rows.Err()
}

// DeleteProjectTx removes the project; ledger rows cascade.
func (r Repo) DeleteProjectTx(ctx context.Context, tx *sql.Tx, id, ownerID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=? AND owner_id=?`, id, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ownership(ctx, tx, id, ownerID)
	}
	return nil
}

// ownership classifies a write that matched no row.
func ownership(ctx context.Context, q querier, id, ownerID string) error {
	var owner string
	err := q.QueryRowContext(ctx, `SELECT owner_id FROM projects WHERE id=?`, id).Scan(&owner)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if owner != ownerID {
		return ErrNotOwner
	}
	return nil
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
