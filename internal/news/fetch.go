// Package news fetches recent articles about a symbol from Alpaca, Google
// News RSS and GlobeNewswire RSS.
package news

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
)

// Article is a single news article from any source.
type Article struct {
	Time     time.Time
	Source   string
	Headline string
	Content  string
}

// Default feed endpoints.
const (
	GoogleNewsURL    = "https://news.google.com/rss/search"
	GlobeNewswireURL = "https://www.globenewswire.com/RssFeed/keyword/"
)

// Fetcher aggregates the configured sources.
type Fetcher struct {
	// Alpaca is the market data client; nil disables the Alpaca source.
	Alpaca *marketdata.Client

	HTTP      *http.Client
	GoogleURL string
	GlobeURL  string // empty disables GlobeNewswire
	Limit     int
	Log       *slog.Logger
}

// NewFetcher creates a Fetcher using the public feed endpoints.
func NewFetcher(mdc *marketdata.Client, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{
		Alpaca:    mdc,
		HTTP:      &http.Client{Timeout: 10 * time.Second},
		GoogleURL: GoogleNewsURL,
		GlobeURL:  GlobeNewswireURL,
		Limit:     50,
		Log:       log.With("component", "news"),
	}
}

// Fetch returns articles about symbol published within [start, end], newest
// first, with duplicate headlines removed. A failing source is logged and
// skipped; Fetch only fails when every source does.
func (f *Fetcher) Fetch(ctx context.Context, symbol string, start, end time.Time) ([]Article, error) {
	type source struct {
		name string
		fn   func() ([]Article, error)
	}
	var sources []source
	if f.Alpaca != nil {
		sources = append(sources, source{"alpaca", func() ([]Article, error) {
			return FetchAlpacaNews(f.Alpaca, symbol, start, end)
		}})
	}
	if f.GoogleURL != "" {
		sources = append(sources, source{"google", func() ([]Article, error) {
			return f.fetchGoogle(ctx, symbol, start, end)
		}})
	}
	if f.GlobeURL != "" {
		sources = append(sources, source{"globenewswire", func() ([]Article, error) {
			return f.fetchGlobe(ctx, symbol, start, end)
		}})
	}

	var (
		all  []Article
		errs []error
	)
	for _, s := range sources {
		articles, err := s.fn()
		if err != nil {
			f.Log.Warn("news source failed", "source", s.name, "symbol", symbol, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		all = append(all, articles...)
	}
	if len(errs) > 0 && len(errs) == len(sources) {
		return nil, errors.Join(errs...)
	}

	all = dedupe(all)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Time.After(all[j].Time) })
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

func dedupe(articles []Article) []Article {
	seen := make(map[string]bool, len(articles))
	out := articles[:0]
	for _, a := range articles {
		k := strings.ToLower(strings.TrimSpace(a.Headline))
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, a)
	}
	return out
}

// --- Alpaca ---

// FetchAlpacaNews fetches news from the Alpaca marketdata API.
func FetchAlpacaNews(mdc *marketdata.Client, symbol string, start, end time.Time) ([]Article, error) {
	alpacaNews, err := mdc.GetNews(marketdata.GetNewsRequest{
		Symbols:            []string{symbol},
		Start:              start,
		End:                end,
		TotalLimit:         50,
		IncludeContent:     true,
		ExcludeContentless: true,
		Sort:               marketdata.SortDesc,
	})
	if err != nil {
		return nil, err
	}

	articles := make([]Article, 0, len(alpacaNews))
	for _, a := range alpacaNews {
		body := ""
		if a.Content != "" {
			body = ExtractSymbolContent(a.Content, symbol)
		} else if a.Summary != "" {
			body = a.Summary
		}
		articles = append(articles, Article{
			Time:     a.CreatedAt,
			Source:   "alpaca",
			Headline: a.Headline,
			Content:  body,
		})
	}
	return articles, nil
}

// --- RSS ---

type rssResponse struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title   string `xml:"title"`
	PubDate string `xml:"pubDate"`
	Desc    string `xml:"description"`
}

var rssDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 02 Jan 2006 15:04 MST",
}

func parseRSSDate(s string) (time.Time, bool) {
	for _, layout := range rssDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (f *Fetcher) getRSS(ctx context.Context, u string) (*rssResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := f.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rss status %d", resp.StatusCode)
	}

	var rss rssResponse
	if err := xml.NewDecoder(resp.Body).Decode(&rss); err != nil {
		return nil, err
	}
	return &rss, nil
}

func (f *Fetcher) fetchGoogle(ctx context.Context, symbol string, start, end time.Time) ([]Article, error) {
	q := url.QueryEscape(symbol + " stock")
	rss, err := f.getRSS(ctx, f.GoogleURL+"?q="+q+"&hl=en-US&gl=US&ceid=US:en")
	if err != nil {
		return nil, err
	}

	var articles []Article
	for _, item := range rss.Channel.Items {
		t, ok := parseRSSDate(item.PubDate)
		if !ok || t.Before(start) || t.After(end) {
			continue
		}
		headline := item.Title
		if idx := strings.LastIndex(headline, " - "); idx > 0 {
			headline = headline[:idx]
		}
		articles = append(articles, Article{
			Time:     t,
			Source:   "google",
			Headline: headline,
			Content:  StripHTML(item.Desc),
		})
	}
	return articles, nil
}

func (f *Fetcher) fetchGlobe(ctx context.Context, symbol string, start, end time.Time) ([]Article, error) {
	rss, err := f.getRSS(ctx, f.GlobeURL+url.PathEscape(symbol)+"/feedTitle/GlobeNewswire.xml")
	if err != nil {
		return nil, err
	}

	var articles []Article
	for _, item := range rss.Channel.Items {
		t, ok := parseRSSDate(item.PubDate)
		if !ok || t.Before(start) || t.After(end) {
			continue
		}
		articles = append(articles, Article{
			Time:     t,
			Source:   "globenewswire",
			Headline: item.Title,
			Content:  StripHTML(item.Desc),
		})
	}
	return articles, nil
}

// --- HTML helpers ---

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)
var htmlParaRe = regexp.MustCompile(`(?i)</?(p|br|div|li|h[1-6])\b[^>]*>`)

// StripHTML removes HTML tags and normalizes whitespace.
func StripHTML(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// ExtractSymbolContent extracts paragraphs mentioning the symbol from HTML content.
// Falls back to full stripped HTML if no paragraphs mention the symbol.
func ExtractSymbolContent(rawHTML, symbol string) string {
	chunks := htmlParaRe.Split(rawHTML, -1)
	var matched []string
	upper := strings.ToUpper(symbol)
	for _, chunk := range chunks {
		plain := StripHTML(chunk)
		if plain == "" {
			continue
		}
		if strings.Contains(strings.ToUpper(plain), upper) {
			matched = append(matched, plain)
		}
	}
	if len(matched) > 0 {
		return strings.Join(matched, " ")
	}
	return StripHTML(rawHTML)
}
