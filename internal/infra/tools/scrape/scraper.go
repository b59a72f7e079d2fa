// Package scrape implements the page fetch tool: it downloads an HTML page
// and reduces its main content to markdown-flavoured text.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

var ErrTooLarge = errors.New("page exceeds size limit")

type Config struct {
	Timeout  time.Duration
	MaxBytes int64
	RetryMax int
}

// Scraper is a threatmodel.PageFetcher.
type Scraper struct {
	client   *retryablehttp.Client
	maxBytes int64
}

var _ threatmodel.PageFetcher = (*Scraper)(nil)

func New(cfg Config) *Scraper {
	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = cfg.RetryMax
	c.HTTPClient.Timeout = 30 * time.Second
	if cfg.Timeout > 0 {
		c.HTTPClient.Timeout = cfg.Timeout
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}
	return &Scraper{client: c, maxBytes: maxBytes}
}

func (s *Scraper) Fetch(ctx context.Context, rawURL string, includeLinks bool) (threatmodel.Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return threatmodel.Page{}, fmt.Errorf("scrape: invalid url %q", rawURL)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return threatmodel.Page{}, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := s.client.Do(req)
	if err != nil {
		return threatmodel.Page{}, fmt.Errorf("scrape %s: %w", u.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return threatmodel.Page{}, fmt.Errorf("scrape %s: status %d", u.Host, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return threatmodel.Page{}, fmt.Errorf("scrape %s: %w", u.Host, err)
	}
	if int64(len(body)) > s.maxBytes {
		return threatmodel.Page{}, fmt.Errorf("scrape %s: %w (%d bytes)", u.Host, ErrTooLarge, s.maxBytes)
	}
	return Parse(u, string(body), includeLinks)
}

// Parse converts an already downloaded document.
func Parse(u *url.URL, doc string, includeLinks bool) (threatmodel.Page, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return threatmodel.Page{}, fmt.Errorf("scrape: parse html: %w", err)
	}

	page := threatmodel.Page{
		URL:      u.String(),
		Metadata: metadata(root, u),
	}
	strip(root)
	var w mdWriter
	w.links = includeLinks
	w.render(mainContent(root))
	page.Content = clean(w.String())
	return page, nil
}

func metadata(root *html.Node, u *url.URL) threatmodel.PageMetadata {
	md := threatmodel.PageMetadata{Domain: u.Host}
	walk(root, func(n *html.Node) bool {
		switch n.DataAtom {
		case atom.Title:
			if md.Title == "" {
				md.Title = strings.TrimSpace(text(n))
			}
		case atom.Meta:
			content := attr(n, "content")
			switch {
			case attr(n, "name") == "author":
				md.Author = content
			case attr(n, "name") == "description":
				md.Description = content
			case attr(n, "property") == "og:site_name":
				md.SiteName = content
			case attr(n, "property") == "og:title" && md.Title == "":
				md.Title = content
			}
		}
		return true
	})
	return md
}

var dropped = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Nav: true, atom.Header: true,
	atom.Footer: true, atom.Noscript: true, atom.Iframe: true, atom.Svg: true,
}

func strip(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && dropped[c.DataAtom] {
			n.RemoveChild(c)
		} else {
			strip(c)
		}
		c = next
	}
}

var contentRe = regexp.MustCompile(`(?i)content|main`)

// mainContent applies the usual readability guesses in order of confidence.
func mainContent(root *html.Node) *html.Node {
	matchers := []func(*html.Node) bool{
		func(n *html.Node) bool { return n.DataAtom == atom.Main },
		func(n *html.Node) bool { return contentRe.MatchString(attr(n, "id")) },
		func(n *html.Node) bool { return contentRe.MatchString(attr(n, "class")) },
		func(n *html.Node) bool { return n.DataAtom == atom.Article },
		func(n *html.Node) bool { return n.DataAtom == atom.Body },
	}
	for _, m := range matchers {
		if n := find(root, m); n != nil {
			return n
		}
	}
	return root
}

func find(root *html.Node, match func(*html.Node) bool) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && match(n) {
			found = n
			return false
		}
		return true
	})
	return found
}

func walk(n *html.Node, visit func(*html.Node) bool) {
	if !visit(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func text(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
		return true
	})
	return sb.String()
}

var blankRuns = regexp.MustCompile(`\n\s*\n\s*\n+`)

func clean(md string) string {
	lines := strings.Split(md, "\n")
	for i, l := range lines {
		l = strings.TrimRight(l, " \t")
		if strings.HasPrefix(l, " ") && !strings.HasPrefix(l, "  ") {
			l = l[1:]
		}
		lines[i] = l
	}
	md = blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(md) + "\n"
}
