// ABOUTME: Fetches, sanitizes, and formats external search context
// ABOUTME: Degrades to an explicit no-context marker on failure or empty results

package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// NoContextMarker is what generation sees when search produced nothing
// usable. An explicit marker, not an empty string, so the model knows the
// context is absent rather than silently hallucinating around it.
const NoContextMarker = "No relevant search context is available for this query."

const (
	minResultCap = 2
	maxResultCap = 5
)

// Result is one raw search hit from the capability.
type Result struct {
	Title   string
	URL     string
	Content string
}

// Source is a cited search result: title plus URL, content stripped.
type Source struct {
	Title string
	URL   string
}

// Augmentation is the sanitized search context handed to generation.
type Augmentation struct {
	ContextText string
	Sources     []Source
	Degraded    bool // search failed or returned nothing usable
}

// Searcher is the injected search capability.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int, depth string) ([]Result, error)
}

// Augmenter turns a query into sanitized, source-attributed context text.
// It never returns an error: search failures degrade to the no-context
// marker and generation continues.
type Augmenter struct {
	searcher   Searcher
	maxResults int
	depth      string
	logger     *slog.Logger
}

// NewAugmenter creates an augmenter. maxResults is clamped to [2, 5];
// zero selects 3. depth is passed through to the capability ("basic" or
// "advanced"); empty selects "basic".
func NewAugmenter(searcher Searcher, maxResults int, depth string, logger *slog.Logger) *Augmenter {
	if maxResults == 0 {
		maxResults = 3
	}
	if maxResults < minResultCap {
		maxResults = minResultCap
	}
	if maxResults > maxResultCap {
		maxResults = maxResultCap
	}
	if depth == "" {
		depth = "basic"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Augmenter{
		searcher:   searcher,
		maxResults: maxResults,
		depth:      depth,
		logger:     logger.With("component", "search"),
	}
}

// Augment runs the search and assembles the context block. On capability
// failure or zero usable results, the returned Augmentation carries the
// no-context marker and Degraded=true.
func (a *Augmenter) Augment(ctx context.Context, query string) Augmentation {
	if a.searcher == nil {
		return degraded()
	}

	results, err := a.searcher.Search(ctx, query, a.maxResults, a.depth)
	if err != nil {
		a.logger.Warn("search failed, continuing without context", "error", err)
		return degraded()
	}
	if len(results) > a.maxResults {
		results = results[:a.maxResults]
	}

	var b strings.Builder
	sources := make([]Source, 0, len(results))
	for _, res := range results {
		content := sanitize(res.Content)
		if content == "" {
			continue
		}
		title := res.Title
		if title == "" {
			title = "Untitled"
		}
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", len(sources)+1, title, content)
		sources = append(sources, Source{Title: title, URL: res.URL})
	}

	if len(sources) == 0 {
		a.logger.Debug("no usable search results", "query", query)
		return degraded()
	}

	return Augmentation{
		ContextText: strings.TrimSpace(b.String()),
		Sources:     sources,
	}
}

func degraded() Augmentation {
	return Augmentation{ContextText: NoContextMarker, Degraded: true}
}
