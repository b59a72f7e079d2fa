package threatmodel

import (
	"context"
	"time"
)

// ReportID identifier type
type ReportID string

// Finding pairs a threat with its mitigation, if research succeeded.
type Finding struct {
	Threat     Threat      `json:"threat"`
	Mitigation *Mitigation `json:"mitigation,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Report is the persisted summary of one completed run.
type Report struct {
	ID            ReportID       `json:"id"`
	UserInput     string         `json:"user_input"`
	Context       string         `json:"context"`
	Relationships []Relationship `json:"relationships"`
	Findings      []Finding      `json:"findings"`
	ArchiveURL    string         `json:"archive_url,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// TotalThreats is the number of threats discovered in the run.
func (r *Report) TotalThreats() int { return len(r.Findings) }

// ReportSummary is the listing shape.
type ReportSummary struct {
	ID           ReportID  `json:"id"`
	Context      string    `json:"context"`
	TotalThreats int       `json:"total_threats"`
	CreatedAt    time.Time `json:"created_at"`
}

// ReportRepository port (persistence)
type ReportRepository interface {
	Save(ctx context.Context, r *Report) error
	Get(ctx context.Context, id ReportID) (*Report, error)
	Latest(ctx context.Context, limit int) ([]ReportSummary, error)
	Ping(ctx context.Context) error
}

// ReportArchive port (object storage for report JSON)
type ReportArchive interface {
	Put(ctx context.Context, key string, body []byte) (string, error)
}

// ReportSink receives the state of every run that reaches completion.
type ReportSink interface {
	Record(ctx context.Context, r *Report) error
}
