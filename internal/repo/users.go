package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"reportline/internal/domain"
)

// ResolveUser implements the identity lookup contract: username header
// to acting user.
func (r Repo) ResolveUser(ctx context.Context, q Querier, login string) (domain.User, error) {
	var u domain.User
	var created string
	err := q.QueryRowContext(ctx, `SELECT id,login,created_at FROM users WHERE login=?`, login).Scan(&u.ID, &u.Login, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.CreatedAt, err = ParseTime(created)
	return u, err
}

// EnsureUser registers login if it is not known yet.
func (r Repo) EnsureUser(ctx context.Context, login string, now time.Time) (domain.User, error) {
	if _, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO users(login,created_at) VALUES (?,?)`, login, FormatTime(now)); err != nil {
		return domain.User{}, err
	}
	return r.ResolveUser(ctx, r.DB, login)
}
