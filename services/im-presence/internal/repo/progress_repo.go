package repo

import (
	"context"
	"database/sql"
	"errors"

	"yuim/libs/core-push-go/pkg/event"
	"yuim/libs/core-push-go/pkg/push"
)

// ProgressRepo is the MySQL progress store: one row per (user, manga).
type ProgressRepo struct {
	db *sql.DB
}

func NewProgressRepo(db *sql.DB) *ProgressRepo { return &ProgressRepo{db: db} }

func (r *ProgressRepo) GetProgress(ctx context.Context, userID, mangaID string) (event.Progress, bool, error) {
	p := event.Progress{UserID: userID, MangaID: mangaID}
	var status string
	err := r.db.QueryRowContext(ctx, `
SELECT current_chapter, status, updated_at
FROM user_progress
WHERE user_id = ? AND manga_id = ?
`, userID, mangaID).Scan(&p.Chapter, &status, &p.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Progress{}, false, nil
	}
	if err != nil {
		return event.Progress{}, false, err
	}
	p.Status = event.ReadingStatus(status)
	return p, true, nil
}

// PutProgress upserts the record. Monotonicity is enforced by the caller.
func (r *ProgressRepo) PutProgress(ctx context.Context, p event.Progress) error {
	if p.UserID == "" || p.MangaID == "" {
		return push.ErrInvalidArgument
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO user_progress (user_id, manga_id, current_chapter, status, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  current_chapter = VALUES(current_chapter),
  status = VALUES(status),
  updated_at = VALUES(updated_at)
`, p.UserID, p.MangaID, p.Chapter, string(p.Status), p.Timestamp.UTC())
	return err
}
