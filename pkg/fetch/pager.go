package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"maps"
	"net/http"
	"net/url"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/expressions"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/ratelimit"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var (
	// ErrTransport wraps timeouts and connection failures. The strategy state is not resumable.
	ErrTransport = errors.New("transport error")

	// ErrRateLimited is returned once the 429 retry budget is exhausted
	ErrRateLimited = errors.New("rate limited")
)

const DefaultPageDelay = 100 * time.Millisecond

// Request describes one paginated endpoint. Strategies write their position into a copy per page.
type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Body    map[string]any
	Headers map[string]string

	// JMESPath expressions over the decoded response
	ItemsPath    string
	TotalPath    string
	NextPagePath string

	// BlockKey scopes the shared 429 back-off, usually the location id.
	BlockKey string
}

func (r Request) clone() Request {
	c := r
	c.Query = url.Values{}
	for k, v := range r.Query {
		c.Query[k] = append([]string(nil), v...)
	}
	if r.Body != nil {
		c.Body = maps.Clone(r.Body)
	}
	return c
}

// Page is one fetched page.
type Page struct {
	Number  int
	Items   []any
	Total   int
	HasNext bool
}

// Result is a drained sequence.
type Result struct {
	Items      []any
	TotalPages int
	TotalCount int
}

type Config struct {
	PageDelay time.Duration
	RateLimit ratelimit.Policy
}

// Pager performs paginated fetches against the remote CRM.
type Pager struct {
	client  *httpclient.Client
	eval    *expressions.Evaluator
	cfg     Config
	blocker ratelimit.Blocker
	sleep   ratelimit.SleepFunc
	now     func() time.Time
	logger  ectologger.Logger
}

type Option func(*Pager)

// WithBlocker shares 429 back-off windows between workers.
func WithBlocker(blocker ratelimit.Blocker) Option {
	return func(p *Pager) {
		p.blocker = blocker
	}
}

func WithSleep(sleep ratelimit.SleepFunc) Option {
	return func(p *Pager) {
		p.sleep = sleep
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pager) {
		p.now = now
	}
}

func NewPager(client *httpclient.Client, cfg Config, logger ectologger.Logger, opts ...Option) *Pager {
	if cfg.PageDelay < 0 {
		cfg.PageDelay = 0
	}
	p := &Pager{
		client: client,
		eval:   expressions.NewEvaluator(),
		cfg:    cfg,
		sleep:  ratelimit.Sleep,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pages returns a lazy, non-restartable sequence of pages. Each step performs one request.
// maxPages <= 0 means no page bound. A 404 ends the sequence without error.
func (p *Pager) Pages(ctx context.Context, req Request, strategy Strategy, maxPages int) iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		budget := p.cfg.RateLimit.NewBudget()

		for number := 1; maxPages <= 0 || number <= maxPages; number++ {
			if number > 1 {
				if err := p.sleep(ctx, p.cfg.PageDelay); err != nil {
					yield(nil, err)
					return
				}
			}

			page, err := p.fetchPage(ctx, req, strategy, number, budget)
			if err != nil {
				metrics.FetchPagesTotal.WithLabelValues("error").Inc()
				yield(nil, err)
				return
			}
			if page == nil {
				metrics.FetchPagesTotal.WithLabelValues("not_found").Inc()
				return
			}
			metrics.FetchPagesTotal.WithLabelValues("success").Inc()

			more := strategy.Advance(page)
			if !yield(page, nil) || !more {
				return
			}
		}
	}
}

// FetchAll drains the sequence eagerly.
func (p *Pager) FetchAll(ctx context.Context, req Request, strategy Strategy, maxPages int) (*Result, error) {
	result := &Result{}
	for page, err := range p.Pages(ctx, req, strategy, maxPages) {
		if err != nil {
			return nil, err
		}
		result.TotalPages++
		result.Items = append(result.Items, page.Items...)
	}
	result.TotalCount = len(result.Items)
	return result, nil
}

func (p *Pager) fetchPage(ctx context.Context, base Request, strategy Strategy, number int, budget *ratelimit.Budget) (*Page, error) {
	ctx, span := tracing.StartSpan(ctx, "Pager.fetchPage")
	defer span.End()

	req := base.clone()
	strategy.Apply(&req)

	shared := true
	for {
		if shared {
			if err := p.waitShared(ctx, req.BlockKey, budget); err != nil {
				return nil, err
			}
		}

		resp, err := p.send(ctx, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			tracing.Fail(span, err)
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := ratelimit.RetryAfterOrDefault(resp.Header("Retry-After"), budget.DefaultWait(), p.now())
			metrics.RateLimitHits.Inc()
			if err := budget.Spend(wait); err != nil {
				return nil, fmt.Errorf("%w: %s page %d: %w", ErrRateLimited, req.URL, number, err)
			}
			p.block(ctx, req.BlockKey, wait)
			p.logger.WithContext(ctx).Warnf("429 from %s page %d, retrying in %s (attempt %d)", req.URL, number, wait, budget.Retries())
			metrics.RateLimitWaitTime.Observe(wait.Seconds())
			if err := p.sleep(ctx, wait); err != nil {
				return nil, err
			}
			shared = false
			continue
		case resp.StatusCode == http.StatusNotFound:
			p.logger.WithContext(ctx).Debugf("%s page %d returned 404, treating as no data", req.URL, number)
			return nil, nil
		case !httpclient.IsSuccessStatus(resp.StatusCode):
			err := httpclient.NewStatusError(req.Method, req.URL, resp)
			tracing.Fail(span, err)
			return nil, err
		}

		return p.parse(resp, req, number)
	}
}

func (p *Pager) send(ctx context.Context, req Request) (*httpclient.Response, error) {
	target := req.URL
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	if req.Method == http.MethodPost {
		return p.client.PostJSON(ctx, target, req.Body, req.Headers)
	}
	return p.client.Get(ctx, target, req.Headers)
}

func (p *Pager) parse(resp *httpclient.Response, req Request, number int) (*Page, error) {
	var data any
	if err := json.Unmarshal(resp.Body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse %s page %d: %w", req.URL, number, err)
	}

	items, err := p.eval.EvaluateSlice(req.ItemsPath, data)
	if err != nil {
		return nil, err
	}

	page := &Page{Number: number, Items: items}
	if req.TotalPath != "" {
		if page.Total, err = p.eval.EvaluateInt(req.TotalPath, data); err != nil {
			return nil, err
		}
	}
	if req.NextPagePath != "" {
		if page.HasNext, err = p.eval.EvaluateBool(req.NextPagePath, data); err != nil {
			return nil, err
		}
	}
	return page, nil
}

func (p *Pager) waitShared(ctx context.Context, key string, budget *ratelimit.Budget) error {
	if p.blocker == nil || key == "" {
		return nil
	}
	blocked, ttl, err := p.blocker.IsBlocked(ctx, key)
	if err != nil || !blocked || ttl <= 0 {
		return nil
	}
	if err := budget.Spend(ttl); err != nil {
		return fmt.Errorf("%w: %s blocked: %w", ErrRateLimited, key, err)
	}
	p.logger.WithContext(ctx).Infof("%s is backing off, waiting %s", key, ttl)
	return p.sleep(ctx, ttl)
}

func (p *Pager) block(ctx context.Context, key string, d time.Duration) {
	if p.blocker == nil || key == "" {
		return
	}
	if err := p.blocker.BlockFor(ctx, key, d); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("failed to share back-off for %s", key)
	}
}

// Decode converts raw page items into T.
func Decode[T any](items []any) ([]T, error) {
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode items: %w", err)
	}
	return out, nil
}
