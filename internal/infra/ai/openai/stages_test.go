package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
)

var creds = threatmodel.NewCredentials(map[string]string{threatmodel.KeyOpenAI: "sk-test"})

type chatRequest struct {
	Model               string            `json:"model"`
	MaxTokens           int               `json:"max_tokens"`
	MaxCompletionTokens int               `json:"max_completion_tokens"`
	ToolChoice          any               `json:"tool_choice"`
	Tools               []json.RawMessage `json:"tools"`
	Messages            []struct {
		Role       string `json:"role"`
		Content    string `json:"content"`
		ToolCallID string `json:"tool_call_id"`
	} `json:"messages"`
}

// fakeAPI answers chat completions with the queued assistant messages.
type fakeAPI struct {
	mu       sync.Mutex
	replies  []string
	requests []chatRequest
	status   int
}

func (f *fakeAPI) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		f.mu.Lock()
		defer f.mu.Unlock()
		f.requests = append(f.requests, req)
		w.Header().Set("Content-Type", "application/json")
		if f.status != 0 {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))
			return
		}
		msg := f.replies[0]
		f.replies = f.replies[1:]
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","model":"` + req.Model + `","choices":[{"index":0,"finish_reason":"stop","message":` + msg + `}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func content(s string) string {
	b, _ := json.Marshal(map[string]string{"role": "assistant", "content": s})
	return string(b)
}

func newTestClient(srv *httptest.Server, cfg Config) *Client {
	cfg.BaseURL = srv.URL + "/v1"
	return NewClient(cfg)
}

func TestExtractorParsesRelationships(t *testing.T) {
	api := &fakeAPI{replies: []string{content(`{
		"relationships": [
			{"source": "internet", "target": "ec2", "direction": "->", "description": "public"},
			{"source": " api ", "target": "db", "direction": "↔"},
			{"source": "", "target": "orphan", "direction": "→"}
		],
		"context": " A finance app on EC2. "
	}`)}}
	c := newTestClient(api.server(t), Config{})

	ext, err := Extractor{c}.Invoke(context.Background(), "internet -> ec2", threatmodel.StageContext{Credentials: creds})
	require.NoError(t, err)
	assert.Equal(t, "A finance app on EC2.", ext.Context)
	assert.Equal(t, []threatmodel.Relationship{
		{Source: "internet", Target: "ec2", Direction: threatmodel.DirectionForward, Description: "public"},
		{Source: "api", Target: "db", Direction: threatmodel.DirectionBidirectional},
	}, ext.Relationships)

	require.Len(t, api.requests, 1)
	assert.Equal(t, "gpt-4o", api.requests[0].Model)
	assert.Equal(t, defaultMaxTokens, api.requests[0].MaxTokens)
}

func TestExtractorFailures(t *testing.T) {
	api := &fakeAPI{replies: []string{content("not json")}}
	c := newTestClient(api.server(t), Config{})

	_, err := Extractor{c}.Invoke(context.Background(), "x", threatmodel.StageContext{Credentials: creds})
	require.ErrorIs(t, err, threatmodel.ErrExtractionFailed)
	require.ErrorIs(t, err, threatmodel.ErrMalformedOutput)

	_, err = Extractor{c}.Invoke(context.Background(), "x", threatmodel.StageContext{})
	assert.True(t, threatmodel.IsConfigurationError(err))
}

func TestThreatGenerator(t *testing.T) {
	api := &fakeAPI{replies: []string{content(`{"threats": [
		{"category": "spoofing", "name": "Forged JWT", "impacts": "account takeover", "threat": "weak signing key", "severity": "High", "likelihood": "Medium", "attack_vector": "token forgery"},
		{"category": "DoS", "name": "Flood", "impacts": "outage", "threat": "no rate limit", "severity": "Medium", "likelihood": "High"}
	]}`)}}
	c := newTestClient(api.server(t), Config{ThreatModel: "o3-mini"})
	rel := threatmodel.Relationship{Source: "browser", Target: "api", Direction: threatmodel.DirectionForward}

	ids := []threatmodel.ThreatID{"aaaa0001", "aaaa0002"}
	g := ThreatGenerator{Client: c, NewID: func() threatmodel.ThreatID {
		id := ids[0]
		ids = ids[1:]
		return id
	}}
	threats, err := g.Invoke(context.Background(), rel, threatmodel.StageContext{Credentials: creds, Shared: "SPA with REST API"})
	require.NoError(t, err)
	require.Len(t, threats, 2)

	assert.Equal(t, threatmodel.Threat{
		ID: "aaaa0001", Category: threatmodel.Spoofing, Name: "Forged JWT", Scope: rel,
		Impacts: "account takeover", Description: "weak signing key", Severity: "High", Likelihood: "Medium",
		AttackVector: "token forgery",
	}, threats[0])
	assert.Equal(t, threatmodel.DenialOfService, threats[1].Category)

	req := api.requests[0]
	assert.Equal(t, "o3-mini", req.Model)
	assert.Zero(t, req.MaxTokens)
	assert.Equal(t, defaultMaxTokens, req.MaxCompletionTokens)
	assert.Contains(t, req.Messages[1].Content, "Context: SPA with REST API")
}

func TestThreatGeneratorRejectsUnknownCategory(t *testing.T) {
	api := &fakeAPI{replies: []string{content(`{"threats": [{"category": "Phishing", "name": "x"}]}`)}}
	c := newTestClient(api.server(t), Config{})
	_, err := ThreatGenerator{Client: c}.Invoke(context.Background(), threatmodel.Relationship{}, threatmodel.StageContext{Credentials: creds})
	require.ErrorIs(t, err, threatmodel.ErrMalformedOutput)
}

func TestThreatGeneratorEmptyIsSuccess(t *testing.T) {
	api := &fakeAPI{replies: []string{content(`{"threats": []}`)}}
	c := newTestClient(api.server(t), Config{})
	threats, err := ThreatGenerator{Client: c}.Invoke(context.Background(), threatmodel.Relationship{}, threatmodel.StageContext{Credentials: creds})
	require.NoError(t, err)
	assert.Empty(t, threats)
}

func TestQuotaMapsToSentinel(t *testing.T) {
	api := &fakeAPI{status: http.StatusTooManyRequests}
	c := newTestClient(api.server(t), Config{})
	_, err := ThreatGenerator{Client: c}.Invoke(context.Background(), threatmodel.Relationship{}, threatmodel.StageContext{Credentials: creds})
	require.ErrorIs(t, err, threatmodel.ErrQuotaExceeded)
}

type stubSearcher struct {
	queries []threatmodel.SearchQuery
	err     error
}

func (s *stubSearcher) Search(_ context.Context, q threatmodel.SearchQuery, _ threatmodel.Credentials) ([]threatmodel.SearchResult, error) {
	s.queries = append(s.queries, q)
	if s.err != nil {
		return nil, s.err
	}
	return []threatmodel.SearchResult{{Title: "CSRF Prevention", Link: "https://owasp.org/csrf", Snippet: "use tokens"}}, nil
}

type stubFetcher struct{ urls []string }

func (f *stubFetcher) Fetch(_ context.Context, url string, _ bool) (threatmodel.Page, error) {
	f.urls = append(f.urls, url)
	return threatmodel.Page{URL: url, Content: "Synchronizer token pattern"}, nil
}

func toolCall(id, name, args string) string {
	b, _ := json.Marshal(map[string]any{
		"role": "assistant",
		"tool_calls": []map[string]any{{
			"id":       id,
			"type":     "function",
			"function": map[string]string{"name": name, "arguments": args},
		}},
	})
	return string(b)
}

func TestResearcherRunsToolLoop(t *testing.T) {
	api := &fakeAPI{replies: []string{
		toolCall("call_1", toolSearchWeb, `{"query":"csrf mitigation"}`),
		toolCall("call_2", toolResearchTopic, `{"topic":"csrf","depth":1}`),
		content(`{"content":"Use anti-CSRF tokens and SameSite cookies.","sources":["https://owasp.org/csrf","https://owasp.org/csrf",""]}`),
	}}
	c := newTestClient(api.server(t), Config{})
	search := &stubSearcher{}
	fetch := &stubFetcher{}
	r := Researcher{Client: c, Tools: Toolbox{Searcher: search, Fetcher: fetch}}

	th := threatmodel.Threat{ID: "t1", Category: threatmodel.Tampering, Name: "CSRF"}
	m, err := r.Invoke(context.Background(), th, threatmodel.StageContext{Credentials: creds})
	require.NoError(t, err)
	assert.Equal(t, "Use anti-CSRF tokens and SameSite cookies.", m.Content)
	assert.Equal(t, []string{"https://owasp.org/csrf"}, m.Sources)

	require.Len(t, search.queries, 3)
	assert.Equal(t, threatmodel.SearchQuery{Query: "csrf mitigation", Site: "owasp.org", NumResults: 5}, search.queries[0])
	assert.Equal(t, "web security csrf", search.queries[2].Query)
	assert.Equal(t, []string{"https://owasp.org/csrf"}, fetch.urls)

	require.Len(t, api.requests, 3)
	assert.Len(t, api.requests[0].Tools, 3)
	last := api.requests[2].Messages
	assert.Equal(t, "tool", last[len(last)-1].Role)
	assert.Equal(t, "call_2", last[len(last)-1].ToolCallID)
	assert.Contains(t, last[len(last)-1].Content, "Synchronizer token pattern")
}

func TestResearcherForcesAnswerAfterMaxRounds(t *testing.T) {
	api := &fakeAPI{replies: []string{
		toolCall("call_1", toolSearchWeb, `{"query":"a"}`),
		toolCall("call_2", toolSearchWeb, `{"query":"b"}`),
	}}
	c := newTestClient(api.server(t), Config{MaxToolRounds: 1})
	r := Researcher{Client: c, Tools: Toolbox{Searcher: &stubSearcher{}}}

	m, err := r.Invoke(context.Background(), threatmodel.Threat{Name: "x"}, threatmodel.StageContext{Credentials: creds})
	require.NoError(t, err)
	assert.Equal(t, threatmodel.NoMitigationFound, m.Content)
	assert.NotNil(t, m.Sources)
	assert.Equal(t, "none", api.requests[1].ToolChoice)
}

func TestResearcherToolErrorsGoBackToModel(t *testing.T) {
	api := &fakeAPI{replies: []string{
		toolCall("call_1", toolSearchWeb, `{"query":"a"}`),
		content("Enforce MFA."),
	}}
	c := newTestClient(api.server(t), Config{})
	r := Researcher{Client: c, Tools: Toolbox{Searcher: &stubSearcher{err: errors.New("connection reset")}}}

	m, err := r.Invoke(context.Background(), threatmodel.Threat{Name: "x"}, threatmodel.StageContext{Credentials: creds})
	require.NoError(t, err)
	assert.Equal(t, "Enforce MFA.", m.Content)
	assert.Empty(t, m.Sources)
	assert.Contains(t, api.requests[1].Messages[len(api.requests[1].Messages)-1].Content, "connection reset")
}

func TestResearcherWithoutToolsSendsNone(t *testing.T) {
	api := &fakeAPI{replies: []string{content(`{"content":"","sources":null}`)}}
	c := newTestClient(api.server(t), Config{})

	m, err := Researcher{Client: c}.Invoke(context.Background(), threatmodel.Threat{Name: "x"}, threatmodel.StageContext{Credentials: creds})
	require.NoError(t, err)
	assert.Equal(t, threatmodel.NoMitigationFound, m.Content)
	assert.Equal(t, []string{}, m.Sources)
	assert.Empty(t, api.requests[0].Tools)
	assert.Nil(t, api.requests[0].ToolChoice)
}

type gatedSearcher struct {
	stubSearcher
	open bool
}

func (g *gatedSearcher) Available(threatmodel.Credentials) bool { return g.open }

func TestResearcherHidesSearchWithoutCredentials(t *testing.T) {
	api := &fakeAPI{replies: []string{content(`{"content":"Rotate keys","sources":[]}`)}}
	c := newTestClient(api.server(t), Config{})
	r := Researcher{Client: c, Tools: Toolbox{Searcher: &gatedSearcher{}, Fetcher: &stubFetcher{}}}

	_, err := r.Invoke(context.Background(), threatmodel.Threat{Name: "x"}, threatmodel.StageContext{Credentials: creds})
	require.NoError(t, err)

	require.Len(t, api.requests[0].Tools, 1)
	assert.Contains(t, string(api.requests[0].Tools[0]), `"name":"`+toolScrapeWebpage+`"`)
}
