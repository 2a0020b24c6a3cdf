package source

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Options are the free-form settings of one configured source.
type Options map[string]any

// String returns the option as a string, or def when it is unset.
func (o Options) String(key, def string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Require returns a non-empty string option or an error naming the key.
func (o Options) Require(key string) (string, error) {
	s := strings.TrimSpace(o.String(key, ""))
	if s == "" {
		return "", fmt.Errorf("option %s is required", key)
	}
	return s, nil
}

// Secret returns the option named key, or the value of the environment
// variable named by key_env when the option itself is unset.
func (o Options) Secret(key string) string {
	if s := o.String(key, ""); s != "" {
		return s
	}
	if env := o.String(key+"_env", ""); env != "" {
		return os.Getenv(env)
	}
	return ""
}

// Int returns an integer option, or def when it is unset.
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x != float64(int(x)) {
			return 0, fmt.Errorf("option %s: %v is not an integer", key, x)
		}
		return int(x), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("option %s: %w", key, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("option %s: unsupported type %T", key, v)
}

// Duration returns a duration option. Numbers are seconds; strings use
// time.ParseDuration syntax, or seconds when they hold a bare number.
func (o Options) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case int:
		return time.Duration(x) * time.Second, nil
	case int64:
		return time.Duration(x) * time.Second, nil
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	case string:
		s := strings.TrimSpace(x)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(f * float64(time.Second)), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("option %s: %w", key, err)
		}
		return d, nil
	}
	return 0, fmt.Errorf("option %s: unsupported type %T", key, v)
}

// Paging holds the request pacing shared by paginated sources.
type Paging struct {
	Delay    time.Duration
	MaxPages int
}

// DefaultMaxPages bounds the number of page requests per fetch.
const DefaultMaxPages = 100

// Paging reads the delay and max_pages options.
func (o Options) Paging(delay time.Duration) (Paging, error) {
	d, err := o.Duration("delay", delay)
	if err != nil {
		return Paging{}, err
	}
	if d < 0 {
		return Paging{}, fmt.Errorf("option delay: must not be negative")
	}
	pages, err := o.Int("max_pages", DefaultMaxPages)
	if err != nil {
		return Paging{}, err
	}
	if pages < 1 {
		return Paging{}, fmt.Errorf("option max_pages: must be positive")
	}
	return Paging{Delay: d, MaxPages: pages}, nil
}

// Pacer spaces out page requests. The first Wait returns immediately.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer allows one request per delay. A zero delay disables pacing.
func (p Paging) NewPacer() *Pacer {
	if p.Delay <= 0 {
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(p.Delay), 1)}
}

// Wait blocks until the next request may be sent or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
