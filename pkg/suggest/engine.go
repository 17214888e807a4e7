// Package suggest produces debounced, best-effort prompt suggestions while
// the user types. It never blocks input and never surfaces failures; a
// suggestion that doesn't arrive is simply not shown.
package suggest

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/odvcencio/sitesmith/pkg/logging"
	"github.com/odvcencio/sitesmith/pkg/telemetry"
)

const requestTimeout = 5 * time.Second

// Fetcher retrieves suggestions for a draft; pkg/api's client satisfies it.
type Fetcher interface {
	Suggestions(ctx context.Context, projectID, draft string) ([]string, error)
}

// Callback delivers suggestions for the draft they were computed against.
// Called from a background goroutine.
type Callback func(draft string, suggestions []string)

// Options tunes the engine; zero values fall back to sensible defaults.
type Options struct {
	// Debounce is the quiet period after the last keystroke before a
	// request is issued.
	Debounce time.Duration
	// MinChars gates requests on draft length (in runes, after trimming).
	MinChars int
	// Limit caps the number of suggestions delivered.
	Limit int
	// RequestsPerMinute bounds outbound request volume. Zero disables
	// the limiter.
	RequestsPerMinute int
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = 300 * time.Millisecond
	}
	if o.MinChars <= 0 {
		o.MinChars = 3
	}
	if o.Limit <= 0 {
		o.Limit = 3
	}
	return o
}

// Engine debounces draft updates into suggestion requests. Each update
// supersedes the previous one: pending timers are rescheduled, in-flight
// requests are cancelled, and only the result for the latest draft is
// delivered.
type Engine struct {
	fetcher   Fetcher
	projectID string
	opts      Options
	limiter   *rate.Limiter
	callback  Callback
	logger    *logging.Logger
	metrics   *telemetry.Metrics

	mu         sync.Mutex
	generation uint64
	timer      *time.Timer
	inflight   context.CancelFunc
	closed     bool
}

// New creates an engine bound to a project.
func New(fetcher Fetcher, projectID string, callback Callback, opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		fetcher:   fetcher,
		projectID: projectID,
		opts:      opts,
		callback:  callback,
	}
	if opts.RequestsPerMinute > 0 {
		e.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), opts.RequestsPerMinute)
	}
	return e
}

// WithLogger attaches a structured logger.
func (e *Engine) WithLogger(logger *logging.Logger) *Engine {
	e.logger = logger
	return e
}

// WithMetrics attaches the suggestion request counter.
func (e *Engine) WithMetrics(m *telemetry.Metrics) *Engine {
	e.metrics = m
	return e
}

// Update records the current draft. Requests fire only after the debounce
// quiet period, and only for drafts meeting the minimum length.
func (e *Engine) Update(draft string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	// Any earlier pending or in-flight work is now stale.
	e.generation++
	gen := e.generation
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.inflight != nil {
		e.inflight()
		e.inflight = nil
	}

	if len([]rune(strings.TrimSpace(draft))) < e.opts.MinChars {
		return
	}
	e.timer = time.AfterFunc(e.opts.Debounce, func() { e.fire(gen, draft) })
}

// Close stops the engine; pending and in-flight work is dropped.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.generation++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.inflight != nil {
		e.inflight()
		e.inflight = nil
	}
}

func (e *Engine) fire(gen uint64, draft string) {
	e.mu.Lock()
	if e.closed || gen != e.generation {
		e.mu.Unlock()
		return
	}
	if e.limiter != nil && !e.limiter.Allow() {
		e.mu.Unlock()
		e.debug("rate_limited", map[string]any{"draftLen": len(draft)})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	e.inflight = cancel
	e.mu.Unlock()

	e.metrics.SuggestionRequested()

	go func() {
		defer cancel()
		suggestions, err := e.fetcher.Suggestions(ctx, e.projectID, draft)
		if err != nil {
			// Suggestions are decorative; failures never reach the user.
			e.debug("request_failed", map[string]any{"error": err.Error()})
			return
		}
		if len(suggestions) > e.opts.Limit {
			suggestions = suggestions[:e.opts.Limit]
		}

		e.mu.Lock()
		current := !e.closed && gen == e.generation
		if current {
			e.inflight = nil
		}
		cb := e.callback
		e.mu.Unlock()

		if current && cb != nil {
			cb(draft, suggestions)
		}
	}()
}

func (e *Engine) debug(eventType string, details map[string]any) {
	if e.logger != nil {
		_ = e.logger.Debug(logging.CategorySuggest, eventType, "", details)
	}
}
