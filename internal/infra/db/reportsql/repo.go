// Package reportsql is the database/sql report repository shared by the
// mysql, postgres and sqlite packages; each supplies its own Dialect.
package reportsql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
)

// Dialect holds the statements that differ between databases. Statements
// take their arguments in the column order documented on each field.
type Dialect struct {
	Name string
	// Schema creates the table if missing.
	Schema []string
	// Upsert: id, user_input, context, total_threats, report_json, archive_url, created_at
	Upsert string
	// SelectOne: id
	SelectOne string
	// SelectLatest: limit
	SelectLatest string
}

type Repository struct {
	db *sql.DB
	d  Dialect
}

var _ threatmodel.ReportRepository = (*Repository)(nil)

func New(db *sql.DB, d Dialect) *Repository {
	return &Repository{db: db, d: d}
}

// Migrate creates the reports table.
func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range r.d.Schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", r.d.Name, err)
		}
	}
	return nil
}

// Save inserts or replaces a report
func (r *Repository) Save(ctx context.Context, rep *threatmodel.Report) error {
	body, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	createdAt := rep.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = r.db.ExecContext(ctx, r.d.Upsert,
		string(rep.ID), rep.UserInput, rep.Context, rep.TotalThreats(), string(body), rep.ArchiveURL, createdAt.UTC())
	return err
}

// Get returns nil, nil when no report has the id.
func (r *Repository) Get(ctx context.Context, id threatmodel.ReportID) (*threatmodel.Report, error) {
	var body string
	err := r.db.QueryRowContext(ctx, r.d.SelectOne, string(id)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rep threatmodel.Report
	if err := json.Unmarshal([]byte(body), &rep); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	return &rep, nil
}

// Latest returns summaries ordered by created_at desc
func (r *Repository) Latest(ctx context.Context, limit int) ([]threatmodel.ReportSummary, error) {
	rows, err := r.db.QueryContext(ctx, r.d.SelectLatest, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []threatmodel.ReportSummary{}
	for rows.Next() {
		var (
			s       threatmodel.ReportSummary
			id      string
			created Time
		)
		if err := rows.Scan(&id, &s.Context, &s.TotalThreats, &created); err != nil {
			return nil, err
		}
		s.ID = threatmodel.ReportID(id)
		s.CreatedAt = created.Time
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Time scans timestamps whether the driver returns time.Time or text.
type Time struct{ time.Time }

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *Time) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	case nil:
		t.Time = time.Time{}
		return nil
	}
	return fmt.Errorf("reportsql: cannot scan %T into time", src)
}

func (t *Time) parse(s string) error {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			t.Time = ts
			return nil
		}
	}
	return fmt.Errorf("reportsql: unrecognised time %q", s)
}
