package mysql

import (
	"database/sql"

	"github.com/bryanwahyu/deeptm/internal/infra/db/reportsql"
)

var dialect = reportsql.Dialect{
	Name: "mysql",
	Schema: []string{`
CREATE TABLE IF NOT EXISTS threat_reports (
  id            VARCHAR(64)  NOT NULL PRIMARY KEY,
  user_input    MEDIUMTEXT   NOT NULL,
  context       TEXT         NOT NULL,
  total_threats INT          NOT NULL DEFAULT 0,
  report_json   JSON         NOT NULL,
  archive_url   VARCHAR(1024) NOT NULL DEFAULT '',
  created_at    DATETIME(6)  NOT NULL,
  KEY idx_threat_reports_created (created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`},
	Upsert: `
INSERT INTO threat_reports
  (id, user_input, context, total_threats, report_json, archive_url, created_at)
VALUES (?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
  user_input=VALUES(user_input), context=VALUES(context), total_threats=VALUES(total_threats),
  report_json=VALUES(report_json), archive_url=VALUES(archive_url);`,
	SelectOne: `SELECT report_json FROM threat_reports WHERE id=?;`,
	SelectLatest: `
SELECT id, context, total_threats, created_at
FROM threat_reports
ORDER BY created_at DESC, id DESC
LIMIT ?;`,
}

// NewReportRepository stores reports in MySQL.
func NewReportRepository(db *sql.DB) *reportsql.Repository {
	return reportsql.New(db, dialect)
}
