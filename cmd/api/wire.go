package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/bryanwahyu/deeptm/internal/application"
	"github.com/bryanwahyu/deeptm/internal/application/pipeline"
	"github.com/bryanwahyu/deeptm/internal/application/reports"
	"github.com/bryanwahyu/deeptm/internal/config"
	aiopenai "github.com/bryanwahyu/deeptm/internal/infra/ai/openai"
	mysqldb "github.com/bryanwahyu/deeptm/internal/infra/db/mysql"
	pgdb "github.com/bryanwahyu/deeptm/internal/infra/db/postgres"
	"github.com/bryanwahyu/deeptm/internal/infra/db/reportsql"
	sqlitedb "github.com/bryanwahyu/deeptm/internal/infra/db/sqlite"
	"github.com/bryanwahyu/deeptm/internal/infra/storage"
	"github.com/bryanwahyu/deeptm/internal/infra/tools/scrape"
	"github.com/bryanwahyu/deeptm/internal/infra/tools/search"
	"github.com/bryanwahyu/deeptm/internal/logger"
	"github.com/bryanwahyu/deeptm/internal/middleware"
)

// app holds everything both commands run on.
type app struct {
	orch *pipeline.Orchestrator
	// reports is nil when storage.driver is none.
	reports *reports.Service
	checks  map[string]middleware.HealthChecker
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (_ *app, err error) {
	a := &app{checks: map[string]middleware.HealthChecker{}}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	// init repo
	repo, err := a.openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if repo != nil {
		svc := &reports.Service{Repo: repo, Clock: application.SystemClock{}, Logger: log}
		// init minio
		if cfg.Minio.Enabled {
			store, err := storage.New(ctx, storage.Config{
				Endpoint:      cfg.Minio.Endpoint,
				Region:        cfg.Minio.Region,
				Bucket:        cfg.Minio.BucketName,
				AccessKey:     cfg.Minio.AccessKey,
				SecretKey:     cfg.Minio.SecretKey,
				UseSSL:        cfg.Minio.UseSSL,
				PresignExpiry: cfg.Minio.PresignExpiry,
			})
			if err != nil {
				return nil, fmt.Errorf("minio init: %w", err)
			}
			svc.Archive = store
		}
		a.reports = svc
		a.checks["database"] = middleware.CheckerFunc(svc.Ping)
	}

	// init llm + tools
	llm := aiopenai.NewClient(aiopenai.Config{
		BaseURL:         cfg.OpenAI.BaseURL,
		ExtractionModel: cfg.OpenAI.ExtractionModel,
		ThreatModel:     cfg.OpenAI.ThreatModel,
		MitigationModel: cfg.OpenAI.MitigationModel,
		MaxTokens:       cfg.OpenAI.MaxTokens,
		MaxToolRounds:   cfg.OpenAI.MaxToolRounds,
	})
	tools := aiopenai.Toolbox{
		Searcher: search.New(search.Config{
			Endpoint:    cfg.Search.Endpoint,
			DefaultSite: cfg.Search.DefaultSite,
			Timeout:     cfg.Search.Timeout,
			RetryMax:    cfg.Search.RetryMax,
		}),
		DefaultSite: cfg.Search.DefaultSite,
	}
	if cfg.Scraper.Enabled {
		tools.Fetcher = scrape.New(scrape.Config{
			Timeout:  cfg.Scraper.Timeout,
			MaxBytes: cfg.Scraper.MaxBytes,
			RetryMax: cfg.Scraper.RetryMax,
		})
	}

	a.orch = &pipeline.Orchestrator{
		Validate: pipeline.CredentialValidator{Defaults: cfg.ServerKeys()},
		Extract:  aiopenai.Extractor{Client: llm},
		Threats:  aiopenai.ThreatGenerator{Client: llm},
		Mitigate: aiopenai.Researcher{Client: llm, Tools: tools},
		Options: pipeline.Options{
			StageTimeout:    cfg.Pipeline.StageTimeout,
			Concurrency:     cfg.Pipeline.Concurrency,
			BufferSize:      cfg.Pipeline.BufferSize,
			ThreatDelay:     cfg.Pipeline.ThreatDelay,
			MitigationDelay: cfg.Pipeline.MitigationDelay,
			Verbose:         cfg.Pipeline.Verbose,
			SinkTimeout:     cfg.Pipeline.SinkTimeout,
		},
		Logger: log,
	}
	if a.reports != nil {
		a.orch.Sink = a.reports
	}

	logger.OrNoop(log).Info("pipeline ready",
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("archive", cfg.Minio.Enabled),
		zap.Bool("scraper", cfg.Scraper.Enabled),
		zap.Int("concurrency", cfg.Pipeline.Concurrency),
	)
	return a, nil
}

func (a *app) openRepository(ctx context.Context, cfg *config.Config) (*reportsql.Repository, error) {
	switch cfg.Storage.Driver {
	case "none":
		return nil, nil
	case "sqlite":
		db, repo, err := sqlitedb.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		return repo, nil
	case "mysql":
		db, err := mysqldb.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			return nil, fmt.Errorf("mysql connect: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		repo := mysqldb.NewReportRepository(db)
		return repo, repo.Migrate(ctx)
	case "postgres":
		db, err := pgdb.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		repo := pgdb.NewReportRepository(db)
		return repo, repo.Migrate(ctx)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
