package repo

import (
	"context"
	"database/sql"
	"errors"
)

var ErrNotFound = errors.New("repo: not found")

type MangaRepo struct {
	db *sql.DB
}

func NewMangaRepo(db *sql.DB) *MangaRepo { return &MangaRepo{db: db} }

func (r *MangaRepo) Title(ctx context.Context, mangaID string) (string, error) {
	var title string
	err := r.db.QueryRowContext(ctx, `SELECT title FROM manga WHERE id = ?`, mangaID).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return title, err
}

func (r *MangaRepo) Upsert(ctx context.Context, mangaID, title string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO manga (id, title) VALUES (?, ?)
ON DUPLICATE KEY UPDATE title = VALUES(title)
`, mangaID, title)
	return err
}
