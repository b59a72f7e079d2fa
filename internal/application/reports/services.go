package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bryanwahyu/deeptm/internal/application"
	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
	"github.com/bryanwahyu/deeptm/internal/logger"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("report not found")

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Service stores the reports of completed runs. It is safe for concurrent use.
type Service struct {
	Repo threatmodel.ReportRepository
	// Archive is optional; when set the full report JSON is uploaded too.
	Archive threatmodel.ReportArchive
	Clock   application.Clock
	Logger  logger.Logger
}

var _ threatmodel.ReportSink = (*Service)(nil)

// Record assigns an id and timestamp, archives the report JSON, then saves
// it. An archive failure is logged and the report is still saved.
func (s *Service) Record(ctx context.Context, r *threatmodel.Report) error {
	if r.ID == "" {
		r.ID = threatmodel.ReportID(uuid.NewString())
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clock().Now()
	}

	if s.Archive != nil {
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		key := fmt.Sprintf("reports/%s/%s.json", r.CreatedAt.Format("2006/01/02"), r.ID)
		url, err := s.Archive.Put(ctx, key, body)
		if err != nil {
			logger.OrNoop(s.Logger).WarnWithContext(ctx, "report archive failed", zap.String("report_id", string(r.ID)), zap.Error(err))
		} else {
			r.ArchiveURL = url
		}
	}

	if err := s.Repo.Save(ctx, r); err != nil {
		return fmt.Errorf("save report %s: %w", r.ID, err)
	}
	logger.OrNoop(s.Logger).InfoWithContext(ctx, "report saved",
		zap.String("report_id", string(r.ID)),
		zap.Int("threats", r.TotalThreats()),
	)
	return nil
}

// Get returns one report, or ErrNotFound.
func (s *Service) Get(ctx context.Context, id threatmodel.ReportID) (*threatmodel.Report, error) {
	r, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// Latest lists the newest reports first.
func (s *Service) Latest(ctx context.Context, limit int) ([]threatmodel.ReportSummary, error) {
	switch {
	case limit <= 0:
		limit = defaultLimit
	case limit > maxLimit:
		limit = maxLimit
	}
	return s.Repo.Latest(ctx, limit)
}

// Ping checks the backing store, for readiness probes.
func (s *Service) Ping(ctx context.Context) error {
	return s.Repo.Ping(ctx)
}

func (s *Service) clock() application.Clock {
	if s.Clock == nil {
		return application.SystemClock{}
	}
	return s.Clock
}
