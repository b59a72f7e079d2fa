package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bryanwahyu/deeptm/internal/application/pipeline"
	"github.com/bryanwahyu/deeptm/internal/application/reports"
	"github.com/bryanwahyu/deeptm/internal/domain/events"
	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
	"github.com/bryanwahyu/deeptm/internal/middleware"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fakeOrchestrator() *pipeline.Orchestrator {
	return &pipeline.Orchestrator{
		Validate: pipeline.CredentialValidator{Defaults: map[string]string{threatmodel.KeyOpenAI: "sk-server"}},
		Extract: threatmodel.StageFunc[string, threatmodel.Extraction](func(context.Context, string, threatmodel.StageContext) (threatmodel.Extraction, error) {
			return threatmodel.Extraction{
				Relationships: []threatmodel.Relationship{{Source: "Browser", Target: "API", Direction: threatmodel.DirectionForward}},
				Context:       "web shop",
			}, nil
		}),
		Threats: threatmodel.StageFunc[threatmodel.Relationship, []threatmodel.Threat](func(_ context.Context, rel threatmodel.Relationship, _ threatmodel.StageContext) ([]threatmodel.Threat, error) {
			return []threatmodel.Threat{{ID: "t1", Category: threatmodel.Spoofing, Name: "Session hijack", Scope: rel}}, nil
		}),
		Mitigate: threatmodel.StageFunc[threatmodel.Threat, threatmodel.Mitigation](func(context.Context, threatmodel.Threat, threatmodel.StageContext) (threatmodel.Mitigation, error) {
			return threatmodel.Mitigation{Content: "Use secure cookies", Sources: []string{"https://owasp.org"}}, nil
		}),
	}
}

type fakeReports struct {
	reports map[threatmodel.ReportID]*threatmodel.Report
	limit   int
}

func (f *fakeReports) Get(_ context.Context, id threatmodel.ReportID) (*threatmodel.Report, error) {
	r, ok := f.reports[id]
	if !ok {
		return nil, reports.ErrNotFound
	}
	return r, nil
}

func (f *fakeReports) Latest(_ context.Context, limit int) ([]threatmodel.ReportSummary, error) {
	f.limit = limit
	var out []threatmodel.ReportSummary
	for _, r := range f.reports {
		out = append(out, threatmodel.ReportSummary{ID: r.ID, Context: r.Context, TotalThreats: r.TotalThreats()})
	}
	return out, nil
}

func newTestRouter(cfg Config, p Pipeline, rs Reports) http.Handler {
	return NewRouter(cfg, p, rs, map[string]middleware.HealthChecker{}, nil)
}

func post(t *testing.T, h http.Handler, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func jsonLineTypes(t *testing.T, body string) []string {
	t.Helper()
	var types []string
	for _, chunk := range strings.Split(body, "\n\n") {
		if chunk == "" {
			continue
		}
		require.True(t, strings.HasPrefix(chunk, "data: "), chunk)
		var ev struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(chunk, "data: ")), &ev))
		types = append(types, ev.Type)
	}
	return types
}

func TestHealth(t *testing.T) {
	h := newTestRouter(Config{}, fakeOrchestrator(), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamJSONLine(t *testing.T) {
	h := newTestRouter(Config{}, fakeOrchestrator(), nil)

	rec := post(t, h, "/api/stream/stride", `{"user_input":"browser talks to api"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.True(t, rec.Flushed)

	types := jsonLineTypes(t, rec.Body.String())
	var core []string
	for _, ty := range types {
		if ty != string(events.KindStatus) && ty != string(events.KindDebug) {
			core = append(core, ty)
		}
	}
	assert.Equal(t, []string{
		"relationships",
		"analyzing_relationship",
		"threat_identified",
		"mitigation_started",
		"mitigation_complete",
		"process_complete",
	}, core)
	assert.Equal(t, "process_complete", types[len(types)-1])
}

func TestStreamDataProtocolSelection(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header http.Header
	}{
		{name: "query", target: "/api/stream/stride?protocol=data"},
		{name: "header", target: "/api/stream/stride", header: http.Header{"X-Vercel-Ai-Data-Stream": {"v1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(Config{Protocol: "sse"}, fakeOrchestrator(), nil)
			rec := post(t, h, tt.target, `{"user_input":"x"}`, tt.header)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
			assert.Equal(t, "v1", rec.Header().Get("x-vercel-ai-data-stream"))

			lines := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n"), "\n")
			for _, l := range lines[:len(lines)-1] {
				assert.True(t, strings.HasPrefix(l, "0:"), l)
			}
			assert.True(t, strings.HasPrefix(lines[len(lines)-1], `e:{"finishReason":"stop"`))
		})
	}
}

func TestStreamDefaultProtocolFromConfig(t *testing.T) {
	h := newTestRouter(Config{Protocol: "data"}, fakeOrchestrator(), nil)
	rec := post(t, h, "/api/stream/stride", `{"user_input":"x"}`, nil)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))

	rec = post(t, h, "/api/stream/stride?protocol=sse", `{"user_input":"x"}`, nil)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestStreamMissingKeyEmitsSingleError(t *testing.T) {
	h := newTestRouter(Config{}, fakeOrchestrator(), nil)

	rec := post(t, h, "/api/stream/stride?protocol=data", `{"user_input":"x","api_keys":{"google_api_key":"g"}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	lines := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	var text string
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[0], "0:")), &text))
	assert.JSONEq(t, `{"type":"error","message":"OpenAI API key is required"}`, text)
	assert.True(t, strings.HasPrefix(lines[1], `e:{"finishReason":"error"`))
}

func TestStreamIgnoresUnknownKeys(t *testing.T) {
	h := newTestRouter(Config{}, fakeOrchestrator(), nil)

	rec := post(t, h, "/api/stream/stride", `{"user_input":"x","api_keys":{"openai_api_key":"sk-x","google_cse":"abc"}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	types := jsonLineTypes(t, rec.Body.String())
	require.NotEmpty(t, types)
	assert.NotContains(t, types, "error")
	assert.Equal(t, "process_complete", types[len(types)-1])
}

func TestStreamRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{"user_input":`},
		{name: "empty input", body: `{"user_input":"   "}`},
		{name: "malformed key", body: `{"user_input":"x","api_keys":{"openai_api_key":"sk x"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(Config{}, fakeOrchestrator(), nil)
			rec := post(t, h, "/api/stream/stride", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotContains(t, rec.Body.String(), "data:")
		})
	}
}

func TestStreamRateLimited(t *testing.T) {
	h := newTestRouter(Config{RateCapacity: 1, RateRefill: 1}, fakeOrchestrator(), nil)

	assert.Equal(t, http.StatusOK, post(t, h, "/api/stream/stride", `{"user_input":"x"}`, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, post(t, h, "/api/stream/stride", `{"user_input":"x"}`, nil).Code)

	// health is never limited
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// endless emits status events until its context is cancelled.
type endless struct {
	done chan struct{}
}

func (e *endless) Stream(ctx context.Context, _ threatmodel.AnalysisRequest) <-chan events.Event {
	bus := pipeline.NewBus(0)
	go func() {
		defer close(e.done)
		defer bus.Close()
		for {
			if err := bus.Publish(ctx, events.Status{Message: "tick"}); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	return bus.Events()
}

func TestStreamClientDisconnectStopsProducer(t *testing.T) {
	p := &endless{done: make(chan struct{})}
	srv := httptest.NewServer(newTestRouter(Config{}, p, nil))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/stream/stride", strings.NewReader(`{"user_input":"x"}`))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"status\",\"message\":\"tick\"}\n", line)

	cancel()
	_ = resp.Body.Close()

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer kept running after disconnect")
	}
}

func TestReports(t *testing.T) {
	id := threatmodel.ReportID("0b6f4c1e-2a51-4c8e-9f3e-6f1d2b3a4c5d")
	rs := &fakeReports{reports: map[threatmodel.ReportID]*threatmodel.Report{
		id: {ID: id, Context: "web shop", Findings: []threatmodel.Finding{{Threat: threatmodel.Threat{ID: "t1"}}}},
	}}
	h := newTestRouter(Config{}, fakeOrchestrator(), rs)

	get := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		return rec
	}

	rec := get("/api/reports?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, rs.limit)
	assert.Contains(t, rec.Body.String(), `"total_threats":1`)

	rec = get("/api/reports/" + string(id))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"context":"web shop"`)

	assert.Equal(t, http.StatusNotFound, get("/api/reports/7d7a7c8e-0000-4000-8000-000000000000").Code)
	assert.Equal(t, http.StatusBadRequest, get("/api/reports/not-an-id").Code)
	assert.Equal(t, http.StatusBadRequest, get("/api/reports?limit=abc").Code)
}

func TestReportsWithoutStore(t *testing.T) {
	h := newTestRouter(Config{}, fakeOrchestrator(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
