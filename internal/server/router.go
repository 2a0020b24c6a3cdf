package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"monoqueue/internal/score"
	"monoqueue/internal/sphere"
	"monoqueue/internal/store"
)

// View is the read side of the queue served over HTTP.
type View interface {
	Ranked(all bool) []sphere.Item
	Item(url string) (sphere.Item, bool)
	Active(url string) bool
	Metadata(url string) store.Metadata
}

// ApiV1Router manages routes for API version 1.
type ApiV1Router struct {
	// view is the queue being served.
	view View
	// static is a directory of files served under /static/. Empty disables it.
	static string
	logger *slog.Logger
}

// Summary is the list representation of an item.
type Summary struct {
	URL         string             `json:"url"`
	Title       string             `json:"title"`
	Score       float64            `json:"score"`
	Active      bool               `json:"active"`
	Annotations []score.Annotation `json:"annotations,omitempty"`
}

// Detail is the full representation of one item.
type Detail struct {
	sphere.Item
	Active   bool           `json:"active"`
	Metadata store.Metadata `json:"metadata"`
}

// Mux returns a configured *http.ServeMux with registered handlers:
// - GET /api/v1/items: ranked items; all=true includes deferred ones, n limits the count
// - GET /api/v1/item?url=...: one item with its metadata
// - GET /metrics: Prometheus metrics
// - GET /static/...: static files (if enabled)
func (ar *ApiV1Router) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/items", ar.itemsHandler)
	mux.HandleFunc("GET /api/v1/item", ar.itemHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	if len(ar.static) != 0 {
		fs := http.FileServer(http.Dir(ar.static))
		mux.Handle("GET /static/", http.StripPrefix("/static/", fs))
	}

	return mux
}

func (ar *ApiV1Router) itemsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	all := false
	if s := query.Get("all"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			ar.logger.Warn("Bad all parameter", "value", s)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		all = b
	}

	ranked := ar.view.Ranked(all)
	if s := query.Get("n"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			ar.logger.Warn("Bad n parameter", "value", s)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if n < len(ranked) {
			ranked = ranked[:n]
		}
	}

	summaries := make([]Summary, len(ranked))
	for i, it := range ranked {
		summaries[i] = Summary{
			URL:         it.URL,
			Title:       it.Title(),
			Score:       it.Score,
			Active:      !all || ar.view.Active(it.URL),
			Annotations: it.Annotations,
		}
	}
	ar.writeJSON(w, summaries)
}

func (ar *ApiV1Router) itemHandler(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if len(url) == 0 {
		ar.logger.Warn("Empty item url")
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	it, ok := ar.view.Item(url)
	if !ok {
		ar.logger.Debug("Item not found", "url", url)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ar.writeJSON(w, Detail{Item: it, Active: ar.view.Active(url), Metadata: ar.view.Metadata(url)})
}

func (ar *ApiV1Router) writeJSON(w http.ResponseWriter, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		ar.logger.Warn("Unable to marshal response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// NewApiV1Router creates a new API v1 router over view. static may be empty.
func NewApiV1Router(static string, view View, logger *slog.Logger) *ApiV1Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApiV1Router{
		view:   view,
		static: static,
		logger: logger,
	}
}
