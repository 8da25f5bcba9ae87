package repo

import (
	"context"
	"database/sql"
)

// Schema is the DDL the repos expect. Migrate applies it idempotently.
var Schema = []string{`
CREATE TABLE IF NOT EXISTS manga (
  id         VARCHAR(128) NOT NULL,
  title      VARCHAR(512) NOT NULL,
  PRIMARY KEY (id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, `
CREATE TABLE IF NOT EXISTS user_library (
  user_id    VARCHAR(64)  NOT NULL,
  manga_id   VARCHAR(128) NOT NULL,
  added_at   DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (user_id, manga_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, `
CREATE TABLE IF NOT EXISTS user_progress (
  user_id         VARCHAR(64)  NOT NULL,
  manga_id        VARCHAR(128) NOT NULL,
  current_chapter INT          NOT NULL,
  status          VARCHAR(32)  NOT NULL,
  updated_at      DATETIME(3)  NOT NULL,
  PRIMARY KEY (user_id, manga_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
