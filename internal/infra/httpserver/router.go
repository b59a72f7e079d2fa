package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/bryanwahyu/deeptm/internal/application/reports"
	"github.com/bryanwahyu/deeptm/internal/domain/events"
	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
	"github.com/bryanwahyu/deeptm/internal/infra/protocol"
	"github.com/bryanwahyu/deeptm/internal/logger"
	"github.com/bryanwahyu/deeptm/internal/middleware"
)

const maxBodyBytes = 1 << 20

// Pipeline streams the events of one analysis run.
type Pipeline interface {
	Stream(ctx context.Context, req threatmodel.AnalysisRequest) <-chan events.Event
}

// Reports reads stored reports back.
type Reports interface {
	Get(ctx context.Context, id threatmodel.ReportID) (*threatmodel.Report, error)
	Latest(ctx context.Context, limit int) ([]threatmodel.ReportSummary, error)
}

type Config struct {
	// Protocol is the adapter used when the request does not pick one.
	Protocol      string
	CORSOrigins   []string
	MaxInputRunes int
	// RateLimit of the stream endpoint per client IP; zero capacity disables it.
	RateCapacity int
	RateRefill   int
	// Tracing wraps the whole mux with otelhttp.
	Tracing bool
}

type Router struct {
	cfg      Config
	pipeline Pipeline
	reports  Reports
	log      logger.Logger
}

// NewRouter builds the HTTP API. reports may be nil when no store is
// configured; the report routes then answer 404.
func NewRouter(cfg Config, p Pipeline, rs Reports, checks map[string]middleware.HealthChecker, log logger.Logger) http.Handler {
	r := &Router{cfg: cfg, pipeline: p, reports: rs, log: logger.OrNoop(log)}
	mux := chi.NewRouter()

	mux.Use(chimw.RequestID, chimw.RealIP, middleware.Logging(r.log), middleware.Metrics)
	if len(cfg.CORSOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", protocol.DataStreamHeader},
			ExposedHeaders: []string{protocol.DataStreamHeader},
			MaxAge:         300,
		}))
	}

	mux.Get("/api/health", middleware.LivenessHandler)
	mux.Get("/api/health/ready", middleware.ReadinessHandler(checks))
	mux.Handle("/metrics", middleware.MetricsHandler())

	mux.Group(func(rt chi.Router) {
		if cfg.RateCapacity > 0 {
			rt.Use(middleware.RateLimit(cfg.RateCapacity, cfg.RateRefill))
		}
		rt.Post("/api/stream/stride", r.wrap(r.handleStream))
	})

	mux.Route("/api/reports", func(rt chi.Router) {
		rt.Get("/", r.wrap(r.handleLatest))
		rt.Get("/{id}", r.wrap(r.handleGet))
	})

	if cfg.Tracing {
		return otelhttp.NewHandler(mux, "deeptm",
			otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
				return req.Method + " " + req.URL.Path
			}),
		)
	}
	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

type badRequest struct{ err error }

func (e badRequest) Error() string { return e.err.Error() }
func (e badRequest) Unwrap() error { return e.err }

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		var (
			verr *middleware.ValidationError
			bad  badRequest
		)
		switch {
		case errors.As(err, &verr), errors.As(err, &bad):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, reports.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, context.Canceled):
			// client went away; nothing to answer
		default:
			r.log.ErrorWithContext(req.Context(), "request failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

// POST /api/stream/stride
// Body: {"user_input": "...", "api_keys": {...}}
// Responds with a stream of pipeline events in the negotiated protocol.
func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) error {
	var body threatmodel.AnalysisRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		return badRequest{fmt.Errorf("invalid request body: %w", err)}
	}
	in, err := middleware.ValidateAnalysisRequest(body, r.cfg.MaxInputRunes)
	if err != nil {
		return err
	}

	adapter := protocol.ForRequest(req, r.cfg.Protocol)
	h := w.Header()
	for k, v := range adapter.Headers() {
		h[k] = v
	}
	h.Set("Content-Type", adapter.ContentType())
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	rc := http.NewResponseController(w)
	completed, err := protocol.Pump(w, rc.Flush, adapter, r.pipeline.Stream(ctx, in), cancel)
	if err != nil {
		// headers are gone; the client disconnected or the proxy cut us off
		r.log.InfoWithContext(req.Context(), "stream write failed", zap.String("protocol", adapter.Name()), zap.Error(err))
		return nil
	}
	r.log.InfoWithContext(req.Context(), "stream finished", zap.String("protocol", adapter.Name()), zap.Bool("completed", completed))
	return nil
}

// GET /api/reports?limit=
func (r *Router) handleLatest(w http.ResponseWriter, req *http.Request) error {
	if r.reports == nil {
		return reports.ErrNotFound
	}
	limit := 0
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return badRequest{fmt.Errorf("invalid limit: %q", v)}
		}
		limit = n
	}

	list, err := r.reports.Latest(req.Context(), limit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []threatmodel.ReportSummary{}
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(list)
}

// GET /api/reports/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	if r.reports == nil {
		return reports.ErrNotFound
	}
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateReportID(id); err != nil {
		return err
	}

	rep, err := r.reports.Get(req.Context(), threatmodel.ReportID(id))
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(rep)
}
