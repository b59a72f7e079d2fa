package postgres

import (
	"database/sql"

	"github.com/bryanwahyu/deeptm/internal/infra/db/reportsql"
)

var dialect = reportsql.Dialect{
	Name: "postgres",
	Schema: []string{`
CREATE TABLE IF NOT EXISTS threat_reports (
  id            TEXT        PRIMARY KEY,
  user_input    TEXT        NOT NULL,
  context       TEXT        NOT NULL,
  total_threats INTEGER     NOT NULL DEFAULT 0,
  report_json   JSONB       NOT NULL,
  archive_url   TEXT        NOT NULL DEFAULT '',
  created_at    TIMESTAMPTZ NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_threat_reports_created ON threat_reports (created_at DESC);`,
	},
	Upsert: `
INSERT INTO threat_reports
  (id, user_input, context, total_threats, report_json, archive_url, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET
  user_input=EXCLUDED.user_input,
  context=EXCLUDED.context,
  total_threats=EXCLUDED.total_threats,
  report_json=EXCLUDED.report_json,
  archive_url=EXCLUDED.archive_url;`,
	SelectOne: `SELECT report_json::text FROM threat_reports WHERE id=$1;`,
	SelectLatest: `
SELECT id, context, total_threats, created_at
FROM threat_reports
ORDER BY created_at DESC, id DESC
LIMIT $1;`,
}

// NewReportRepository stores reports in PostgreSQL.
func NewReportRepository(db *sql.DB) *reportsql.Repository {
	return reportsql.New(db, dialect)
}
