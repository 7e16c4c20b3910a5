package repo

import (
	"context"
	"database/sql"

	"riverops/internal/domain"
)

// InsertUser adds a roster entry. Roster management is CLI-only; session
// issuance lives outside this service.
func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,role,area_id,active,created_at) VALUES (?,?,?,?,?,?)`,
		u.ID, nullable(u.Name), u.Role, nullable(u.AreaID), boolInt(u.Active), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(name,''),role,COALESCE(area_id,''),active,created_at FROM users WHERE id=?`, id)
	return scanUser(row)
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),role,COALESCE(area_id,''),active,created_at FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) SetUserActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsActiveFieldWorker satisfies the gate's roster interface.
func (r Repo) IsActiveFieldWorker(ctx context.Context, userID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id=? AND role=? AND active=1 LIMIT 1`, userID, domain.RoleFieldWorker)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// AreaSupervisor returns the active supervisor for an area, used by the
// escalation sweep to intervene on the supervisor's behalf.
func (r Repo) AreaSupervisor(ctx context.Context, areaID string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(name,''),role,COALESCE(area_id,''),active,created_at
FROM users WHERE role=? AND area_id=? AND active=1 ORDER BY created_at ASC LIMIT 1`, domain.RoleAreaSupervisor, areaID)
	return scanUser(row)
}

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var active int
	err := row.Scan(&u.ID, &u.Name, &u.Role, &u.AreaID, &active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Active = active != 0
	return u, err
}
