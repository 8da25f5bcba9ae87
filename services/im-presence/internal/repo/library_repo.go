package repo

import (
	"context"
	"database/sql"
	"errors"

	"yuim/services/im-presence/internal/auth"
)

// LibraryRepo authorizes progress reports: a user may only report progress
// for manga in their library.
type LibraryRepo struct {
	db *sql.DB
}

func NewLibraryRepo(db *sql.DB) *LibraryRepo { return &LibraryRepo{db: db} }

func (r *LibraryRepo) CanAccess(ctx context.Context, id auth.Identity, mangaID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
SELECT 1 FROM user_library WHERE user_id = ? AND manga_id = ? LIMIT 1
`, id.UserID, mangaID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (r *LibraryRepo) Add(ctx context.Context, userID, mangaID string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT IGNORE INTO user_library (user_id, manga_id) VALUES (?, ?)
`, userID, mangaID)
	return err
}
