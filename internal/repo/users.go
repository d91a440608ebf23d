package repo

import (
	"context"
	"database/sql"
	"errors"

	"expertdesk/internal/domain"
)

// TouchUser inserts the user or refreshes its username, role and
// last_active_at.
func (r Repo) TouchUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO users(id,username,role,created_at,last_active_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET username=excluded.username, role=excluded.role, last_active_at=excluded.last_active_at`,
		u.ID, u.Username, u.Role, u.CreatedAt, u.LastActiveAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.on(nil).row(ctx, `SELECT id,username,role,created_at,last_active_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Username, &u.Role, &u.CreatedAt, &u.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}
