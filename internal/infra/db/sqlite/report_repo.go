// Package sqlite keeps reports in a local file, for single-node deployments
// and tests.
package sqlite

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/bryanwahyu/deeptm/internal/infra/db/reportsql"
)

var dialect = reportsql.Dialect{
	Name: "sqlite",
	Schema: []string{`
CREATE TABLE IF NOT EXISTS threat_reports (
  id            TEXT    PRIMARY KEY,
  user_input    TEXT    NOT NULL,
  context       TEXT    NOT NULL,
  total_threats INTEGER NOT NULL DEFAULT 0,
  report_json   TEXT    NOT NULL,
  archive_url   TEXT    NOT NULL DEFAULT '',
  created_at    DATETIME NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_threat_reports_created ON threat_reports (created_at);`,
	},
	Upsert: `
INSERT INTO threat_reports
  (id, user_input, context, total_threats, report_json, archive_url, created_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT (id) DO UPDATE SET
  user_input=excluded.user_input,
  context=excluded.context,
  total_threats=excluded.total_threats,
  report_json=excluded.report_json,
  archive_url=excluded.archive_url;`,
	SelectOne: `SELECT report_json FROM threat_reports WHERE id=?;`,
	SelectLatest: `
SELECT id, context, total_threats, created_at
FROM threat_reports
ORDER BY created_at DESC, id DESC
LIMIT ?;`,
}

// Open opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*sql.DB, *reportsql.Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, err
	}
	// one writer; also keeps a :memory: database alive across calls
	db.SetMaxOpenConns(1)

	repo := reportsql.New(db, dialect)
	if err := repo.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, repo, nil
}
