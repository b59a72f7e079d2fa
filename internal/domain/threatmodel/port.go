package threatmodel

import "context"

// Credentials is the per-request secret context handed to every stage call.
// It is built once per run and only read afterwards.
type Credentials struct {
	keys map[string]string
}

// NewCredentials copies keys so later changes to the source map are not observed.
func NewCredentials(keys map[string]string) Credentials {
	c := Credentials{keys: make(map[string]string, len(keys))}
	for k, v := range keys {
		c.keys[k] = v
	}
	return c
}

// Get returns the secret for a provider key, or "".
func (c Credentials) Get(key string) string {
	return c.keys[key]
}

// Has reports whether a non-empty secret exists for key.
func (c Credentials) Has(key string) bool {
	return c.keys[key] != ""
}

// StageContext is passed alongside every stage input.
type StageContext struct {
	Credentials Credentials
	// Shared is the extraction context string; empty before extraction finishes.
	Shared string
}

// Stage is the contract shared by every analysis step.
type Stage[In, Out any] interface {
	Invoke(ctx context.Context, in In, sc StageContext) (Out, error)
}

// StageFunc adapts a plain function to Stage.
type StageFunc[In, Out any] func(ctx context.Context, in In, sc StageContext) (Out, error)

func (f StageFunc[In, Out]) Invoke(ctx context.Context, in In, sc StageContext) (Out, error) {
	return f(ctx, in, sc)
}

// The concrete stage shapes the orchestrator is wired with.
type (
	ValidationStage = Stage[AnalysisRequest, Credentials]
	ExtractionStage = Stage[string, Extraction]
	ThreatStage     = Stage[Relationship, []Threat]
	MitigationStage = Stage[Threat, Mitigation]
)

// SearchQuery for a web search tool.
type SearchQuery struct {
	Query      string `json:"query"`
	Site       string `json:"site,omitempty"`
	NumResults int    `json:"num_results,omitempty"`
}

// SearchResult is one hit.
type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Searcher port (web search tool)
type Searcher interface {
	Search(ctx context.Context, q SearchQuery, creds Credentials) ([]SearchResult, error)
}

// CredentialGate is implemented by tools that can only run with certain
// credentials. Tools that do not implement it are always offered.
type CredentialGate interface {
	Available(creds Credentials) bool
}

// PageMetadata describes a scraped page.
type PageMetadata struct {
	Title       string `json:"title"`
	Author      string `json:"author,omitempty"`
	Description string `json:"description,omitempty"`
	SiteName    string `json:"site_name,omitempty"`
	Domain      string `json:"domain"`
}

// Page is readable text extracted from a URL.
type Page struct {
	URL      string       `json:"url"`
	Content  string       `json:"content"`
	Metadata PageMetadata `json:"metadata"`
}

// PageFetcher port (page scraping tool)
type PageFetcher interface {
	Fetch(ctx context.Context, url string, includeLinks bool) (Page, error)
}
