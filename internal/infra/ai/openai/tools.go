package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"

	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
)

const (
	toolSearchWeb     = "search_web"
	toolScrapeWebpage = "scrape_webpage"
	toolResearchTopic = "research_web_security_topic"

	researchExcerpt = 1000
)

// Toolbox exposes web research to the model. Either collaborator may be nil,
// in which case its tools are not offered.
type Toolbox struct {
	Searcher    threatmodel.Searcher
	Fetcher     threatmodel.PageFetcher
	DefaultSite string
}

func (t Toolbox) site() string {
	if t.DefaultSite == "" {
		return "owasp.org"
	}
	return t.DefaultSite
}

// available drops the tools the run's credentials cannot drive.
func (t Toolbox) available(creds threatmodel.Credentials) Toolbox {
	if g, ok := t.Searcher.(threatmodel.CredentialGate); ok && !g.Available(creds) {
		t.Searcher = nil
	}
	if g, ok := t.Fetcher.(threatmodel.CredentialGate); ok && !g.Available(creds) {
		t.Fetcher = nil
	}
	return t
}

func (t Toolbox) definitions() []openai.Tool {
	var tools []openai.Tool
	if t.Searcher != nil {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toolSearchWeb,
				Description: "Search the web for information related to web security. Returns titles, links and snippets.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"query": {"type": "string", "description": "The search query to perform"},
						"site": {"type": "string", "description": "Limit search to a specific site (defaults to ` + t.site() + `)"},
						"num_results": {"type": "integer", "description": "Number of results to return", "minimum": 1, "maximum": 10}
					},
					"required": ["query"]
				}`),
			},
		})
	}
	if t.Fetcher != nil {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toolScrapeWebpage,
				Description: "Scrape a webpage and extract its content in readable markdown format, with metadata about the page.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"url": {"type": "string", "description": "The URL of the webpage to scrape"},
						"include_links": {"type": "boolean", "description": "Whether to preserve hyperlinks in the markdown output"}
					},
					"required": ["url"]
				}`),
			},
		})
	}
	if t.Searcher != nil && t.Fetcher != nil {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toolResearchTopic,
				Description: "Perform deep research on a web security topic by searching OWASP and other security resources and reading the top pages.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"topic": {"type": "string", "description": "The web security topic to research"},
						"depth": {"type": "integer", "description": "How many pages to read (1-3)", "minimum": 1, "maximum": 3}
					},
					"required": ["topic"]
				}`),
			},
		})
	}
	return tools
}

// call runs one tool call and renders its result for the model. Tool
// failures are reported back to the model; only cancellation aborts.
func (t Toolbox) call(ctx context.Context, creds threatmodel.Credentials, fn openai.FunctionCall) (string, error) {
	args := gjson.Parse(fn.Arguments)

	var (
		result any
		err    error
	)
	switch fn.Name {
	case toolSearchWeb:
		if t.Searcher == nil {
			break
		}
		site := t.site()
		if v := args.Get("site"); v.Exists() {
			site = v.String()
		}
		result, err = t.Searcher.Search(ctx, threatmodel.SearchQuery{
			Query:      args.Get("query").String(),
			Site:       site,
			NumResults: intOr(args.Get("num_results"), 5),
		}, creds)
	case toolScrapeWebpage:
		if t.Fetcher == nil {
			break
		}
		includeLinks := true
		if v := args.Get("include_links"); v.Exists() {
			includeLinks = v.Bool()
		}
		result, err = t.Fetcher.Fetch(ctx, args.Get("url").String(), includeLinks)
	case toolResearchTopic:
		if t.Searcher == nil || t.Fetcher == nil {
			break
		}
		result, err = t.research(ctx, creds, args.Get("topic").String(), intOr(args.Get("depth"), 2))
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		if errors.Is(err, threatmodel.ErrQuotaExceeded) {
			return "", err
		}
		return errorResult(err.Error()), nil
	}
	if result == nil {
		return errorResult(fmt.Sprintf("unknown tool %q", fn.Name)), nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type researchPage struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

type researchReport struct {
	Topic           string                     `json:"topic"`
	SearchResults   []threatmodel.SearchResult `json:"search_results"`
	DetailedContent []researchPage             `json:"detailed_content"`
}

func (t Toolbox) research(ctx context.Context, creds threatmodel.Credentials, topic string, depth int) (researchReport, error) {
	depth = max(1, min(depth, 3))

	owasp, err := t.Searcher.Search(ctx, threatmodel.SearchQuery{Query: topic, Site: t.site(), NumResults: 5}, creds)
	if err != nil {
		return researchReport{}, err
	}
	general, err := t.Searcher.Search(ctx, threatmodel.SearchQuery{Query: "web security " + topic, NumResults: 5}, creds)
	if err != nil {
		return researchReport{}, err
	}

	rep := researchReport{Topic: topic, SearchResults: append(owasp, general...)}
	for i, r := range rep.SearchResults {
		if i == depth {
			break
		}
		page := researchPage{Title: r.Title, URL: r.Link}
		p, err := t.Fetcher.Fetch(ctx, r.Link, true)
		if err != nil {
			if ctx.Err() != nil {
				return researchReport{}, ctx.Err()
			}
			page.Error = err.Error()
		} else {
			page.Content = truncate(p.Content, researchExcerpt)
		}
		rep.DetailedContent = append(rep.DetailedContent, page)
	}
	return rep, nil
}

func intOr(v gjson.Result, def int) int {
	if !v.Exists() || v.Int() <= 0 {
		return def
	}
	return int(v.Int())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func errorResult(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}
