// Package github fetches issues and pull requests matching a GitHub search
// query.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"monoqueue/internal/source"
	"monoqueue/internal/sphere"
	"monoqueue/internal/timeutil"
)

const (
	// Handler is the registry name of this source.
	Handler = "github"

	// DefaultDelay is the pause between search page requests.
	DefaultDelay = 7 * time.Second

	perPage = 100
	// searchCap is the number of results the search API returns for one query.
	searchCap = 1000
)

// Source searches GitHub issues.
type Source struct {
	name   string
	query  string
	client *gh.Client
	paging source.Paging
	logger *slog.Logger
}

var _ source.Source = (*Source)(nil)

// New builds a GitHub source. Options: query (required), token or
// token_env, base_url, delay, max_pages.
func New(name string, opts source.Options, logger *slog.Logger) (source.Source, error) {
	query, err := opts.Require("query")
	if err != nil {
		return nil, err
	}
	paging, err := opts.Paging(DefaultDelay)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	if token := opts.Secret("token"); token != "" {
		httpClient = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
		httpClient.Timeout = 30 * time.Second
	}
	client := gh.NewClient(httpClient)
	client.UserAgent = "monoqueue"
	if base := opts.String("base_url", ""); base != "" {
		u, err := url.Parse(strings.TrimSuffix(base, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("option base_url: %w", err)
		}
		client.BaseURL = u
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Source{name: name, query: query, client: client, paging: paging, logger: logger}, nil
}

func (s *Source) Name() string { return s.name }

// searchResult is the raw search response. Items keep the API's own shape,
// including null and empty fields.
type searchResult struct {
	Total int              `json:"total_count"`
	Items []map[string]any `json:"items"`
}

// Fetch runs the search, following pagination. When a query reaches the
// search result cap, the search continues with the results created after
// the last one received.
func (s *Source) Fetch(ctx context.Context) ([]sphere.Record, error) {
	pacer := s.paging.NewPacer()
	query, page := s.query, 1
	seen := map[string]struct{}{}
	var records []sphere.Record

	for i := 0; i < s.paging.MaxPages; i++ {
		if err := pacer.Wait(ctx); err != nil {
			return records, err
		}

		s.logger.Debug("search issues", "query", query, "page", page)
		result, resp, err := s.search(ctx, query, page)
		if err != nil {
			return records, fmt.Errorf("search %q page %d: %w", query, page, err)
		}

		for _, item := range result.Items {
			rec, err := toRecord(item)
			if err != nil {
				s.logger.Warn("issue skipped", "url", item["html_url"], "error", err)
				continue
			}
			if _, dup := seen[rec.URL]; dup {
				continue
			}
			seen[rec.URL] = struct{}{}
			records = append(records, rec)
		}

		switch {
		case resp.NextPage != 0:
			page = resp.NextPage
		case result.Total > searchCap && len(result.Items) > 0:
			last, err := createdAt(result.Items[len(result.Items)-1])
			if err != nil {
				return records, fmt.Errorf("search %q page %d: %w", query, page, err)
			}
			query = fmt.Sprintf("%s created:>%s", s.query, timeutil.Format(last))
			page = 1
		default:
			s.logger.Debug("search finished", "records", len(records))
			return records, nil
		}
	}

	s.logger.Warn("page limit reached", "max_pages", s.paging.MaxPages, "records", len(records))
	return records, nil
}

// search requests one page of issues through the go-github client, which
// handles authentication, rate limit errors and the Link header.
func (s *Source) search(ctx context.Context, query string, page int) (*searchResult, *gh.Response, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("sort", "created")
	params.Set("order", "asc")
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))

	req, err := s.client.NewRequest(http.MethodGet, "search/issues?"+params.Encode(), nil)
	if err != nil {
		return nil, nil, err
	}
	var result searchResult
	resp, err := s.client.Do(ctx, req, &result)
	if err != nil {
		return nil, resp, err
	}
	return &result, resp, nil
}

func toRecord(item map[string]any) (sphere.Record, error) {
	raw, err := sphere.Normalize(item)
	if err != nil {
		return sphere.Record{}, err
	}
	issue := raw.(map[string]any)
	link, _ := issue["html_url"].(string)
	if link == "" {
		return sphere.Record{}, fmt.Errorf("issue without html_url")
	}
	title, _ := issue["title"].(string)
	return sphere.Record{
		URL: link,
		Fields: map[string]any{
			"title":   title,
			"created": formatTimestamp(issue["created_at"]),
			"updated": formatTimestamp(issue["updated_at"]),
			"issue":   issue,
		},
	}, nil
}

func createdAt(item map[string]any) (time.Time, error) {
	s, _ := item["created_at"].(string)
	return timeutil.Parse(s)
}

func formatTimestamp(v any) any {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	t, err := timeutil.Parse(s)
	if err != nil {
		return nil
	}
	return timeutil.Format(t)
}
