// Package discourse fetches topics matching a Discourse forum search.
package discourse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"monoqueue/internal/source"
	"monoqueue/internal/sphere"
)

const (
	// Handler is the registry name of this source.
	Handler = "discourse"

	// DefaultDelay is the pause between search page requests.
	DefaultDelay = 4 * time.Second
)

// Source queries a Discourse search endpoint.
type Source struct {
	name     string
	baseURL  string
	query    string
	username string
	key      string
	client   *http.Client
	paging   source.Paging
	logger   *slog.Logger
}

var _ source.Source = (*Source)(nil)

// New builds a Discourse source. Options: query (required), url (the forum
// base URL, required), username, key or key_env, delay, max_pages.
func New(name string, opts source.Options, logger *slog.Logger) (source.Source, error) {
	query, err := opts.Require("query")
	if err != nil {
		return nil, err
	}
	base, err := opts.Require("url")
	if err != nil {
		return nil, err
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("option url: %w", err)
	}
	paging, err := opts.Paging(DefaultDelay)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		name:     name,
		baseURL:  strings.TrimSuffix(base, "/"),
		query:    query,
		username: opts.String("username", ""),
		key:      opts.Secret("key"),
		client:   &http.Client{Timeout: 30 * time.Second},
		paging:   paging,
		logger:   logger,
	}, nil
}

func (s *Source) Name() string { return s.name }

type searchPage struct {
	Topics []map[string]any `json:"topics"`
	Posts  []struct {
		TopicID json.Number `json:"topic_id"`
		Blurb   string      `json:"blurb"`
	} `json:"posts"`
	Grouped struct {
		MoreFullPageResults bool `json:"more_full_page_results"`
	} `json:"grouped_search_result"`
}

// Fetch pages through the search results while the forum reports more.
func (s *Source) Fetch(ctx context.Context) ([]sphere.Record, error) {
	pacer := s.paging.NewPacer()
	seen := map[string]struct{}{}
	var records []sphere.Record

	for page := 1; page <= s.paging.MaxPages; page++ {
		if err := pacer.Wait(ctx); err != nil {
			return records, err
		}
		result, err := s.fetchPage(ctx, page)
		if err != nil {
			return records, err
		}

		blurbs := map[string]string{}
		for _, p := range result.Posts {
			if _, ok := blurbs[p.TopicID.String()]; !ok && p.Blurb != "" {
				blurbs[p.TopicID.String()] = htmlText(p.Blurb)
			}
		}
		for i, topic := range result.Topics {
			rec, err := s.toRecord(topic, blurbs)
			if err != nil {
				s.logger.Warn("topic skipped", "page", page, "index", i, "error", err)
				continue
			}
			if _, dup := seen[rec.URL]; dup {
				continue
			}
			seen[rec.URL] = struct{}{}
			records = append(records, rec)
		}

		if !result.Grouped.MoreFullPageResults {
			s.logger.Debug("search finished", "pages", page, "records", len(records))
			return records, nil
		}
	}

	s.logger.Warn("page limit reached", "max_pages", s.paging.MaxPages, "records", len(records))
	return records, nil
}

func (s *Source) fetchPage(ctx context.Context, page int) (*searchPage, error) {
	params := url.Values{}
	params.Set("q", s.query)
	params.Set("page", strconv.Itoa(page))
	endpoint := s.baseURL + "/search.json?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "monoqueue")
	req.Header.Set("Accept", "application/json")
	if s.key != "" {
		req.Header.Set("Api-Key", s.key)
	}
	if s.username != "" {
		req.Header.Set("Api-Username", s.username)
	}

	s.logger.Debug("search topics", "url", s.baseURL, "page", page)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search page %d: %w", page, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search page %d: unexpected status %d", page, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var result searchPage
	if err := dec.Decode(&result); err != nil {
		return nil, fmt.Errorf("search page %d: decode: %w", page, err)
	}
	return &result, nil
}

func (s *Source) toRecord(topic map[string]any, blurbs map[string]string) (sphere.Record, error) {
	id, ok := topic["id"].(json.Number)
	if !ok {
		return sphere.Record{}, fmt.Errorf("topic without id")
	}
	if blurb, ok := blurbs[id.String()]; ok {
		topic["blurb"] = blurb
	}
	raw, err := sphere.Normalize(topic)
	if err != nil {
		return sphere.Record{}, err
	}
	return sphere.Record{
		URL: fmt.Sprintf("%s/t/%s", s.baseURL, id.String()),
		Fields: map[string]any{
			"title":   topic["title"],
			"created": topic["created_at"],
			"updated": topic["last_posted_at"],
			"topic":   raw,
		},
	}, nil
}

// htmlText flattens an HTML fragment to its text with collapsed whitespace.
func htmlText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBufferString(fragment))
	if err != nil {
		return fragment
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
