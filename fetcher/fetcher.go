// Package fetcher runs the fetch phase: one task per request spec, each gated
// by the shared rate limiter and its source's circuit breaker, writing
// successful payloads to the handoff queue.
package fetcher

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-source-aggregator/breaker"
	"github.com/aluiziolira/go-source-aggregator/config"
	"github.com/aluiziolira/go-source-aggregator/metrics"
	"github.com/aluiziolira/go-source-aggregator/models"
)

const (
	ctxStart  = "start"
	ctxStatus = "status"
	ctxBody   = "body"
)

// Gate admits outbound requests.
type Gate interface {
	Acquire(ctx context.Context) error
}

// Sink stores fetched payloads.
type Sink interface {
	Put(entry models.QueueEntry) (string, error)
}

// Outcome is the result of a whole fetch phase.
type Outcome struct {
	Written       []string
	Errors        []models.ErrorInfo
	RequestCounts map[string]int
	Successful    int
	Failed        int
}

// Fetcher wraps the colly collector and retry policy for one run.
type Fetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	transport *contextTransport
	gate      Gate
	breakers  *breaker.Registry
	sink      Sink
	metrics   *metrics.Metrics

	requestCount int64
	handlersOnce sync.Once
	sleep        func(ctx context.Context, d time.Duration) error
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithTransport replaces the HTTP transport, used by tests with httpmock.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.transport.base = rt }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// New builds a fetcher configured from cfg.
func New(cfg *config.Config, gate Gate, breakers *breaker.Registry, sink Sink, opts ...Option) *Fetcher {
	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.MaxBodySize = bodyReadLimit(cfg.MaxBodySize)
	transport := newContextTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})
	collector.WithTransport(transport)

	f := &Fetcher{
		cfg:       cfg,
		collector: collector,
		transport: transport,
		gate:      gate,
		breakers:  breakers,
		sink:      sink,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run fetches every spec concurrently and returns once all tasks are
// terminal. Headers come from profiles by each spec's config index.
func (f *Fetcher) Run(ctx context.Context, specs []models.RequestSpec, profiles config.HeaderProfiles) Outcome {
	f.configureHandlers()

	out := Outcome{RequestCounts: make(map[string]int)}
	results := make([]models.FetchResult, len(specs))
	written := make([]string, len(specs))

	slog.Info("fetch phase started", slog.Int("requests", len(specs)))
	start := time.Now()

	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec models.RequestSpec) {
			defer wg.Done()
			results[i], written[i] = f.task(ctx, spec, profiles)
		}(i, spec)
	}
	wg.Wait()

	for i, res := range results {
		out.RequestCounts[specs[i].Source]++
		if !res.OK() {
			out.Failed++
			out.Errors = append(out.Errors, *res.Err)
			continue
		}
		out.Successful++
		out.Written = append(out.Written, written[i])
	}

	slog.Info("fetch phase finished",
		slog.Int("successful", out.Successful),
		slog.Int("failed", out.Failed),
		slog.Duration("elapsed", time.Since(start)),
	)
	return out
}

func (f *Fetcher) task(ctx context.Context, spec models.RequestSpec, profiles config.HeaderProfiles) (models.FetchResult, string) {
	result := models.FetchResult{Source: spec.Source}
	fail := func(err error) (models.FetchResult, string) {
		info := models.NewErrorInfo(spec.Source, models.StageFetch, err)
		info.URL = spec.URL
		result.Err = &info
		return result, ""
	}

	headers, err := profiles.Headers(spec.ConfigIndex)
	if err != nil {
		return fail(err)
	}

	body, err := f.fetchWithRetry(ctx, spec, headers)
	if err != nil {
		label := errorTypeLabel(err)
		f.metrics.IncFetchError(label)
		slog.Error("fetch failed",
			slog.String("source", spec.Source),
			slog.String("url", spec.URL),
			slog.String("category", label),
			slog.Any("error", err),
		)
		return fail(err)
	}

	name, err := f.sink.Put(models.QueueEntry{
		Source:      spec.Source,
		ConfigIndex: spec.ConfigIndex,
		URL:         spec.URL,
		Body:        body,
	})
	if err != nil {
		slog.Error("queue write failed", slog.String("url", spec.URL), slog.Any("error", err))
		return fail(err)
	}
	result.Payload = body
	return result, name
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, spec models.RequestSpec, headers http.Header) ([]byte, error) {
	b := f.breakers.Get(spec.Source)
	for attempt := 0; ; attempt++ {
		if err := f.gate.Acquire(ctx); err != nil {
			return nil, err
		}

		var body []byte
		err := b.Execute(func() error {
			var getErr error
			body, getErr = f.get(ctx, spec.URL, headers)
			return getErr
		})
		switch {
		case err == nil:
			f.metrics.IncFetch(spec.Source, "ok")
			return body, nil
		case errors.Is(err, breaker.ErrCircuitOpen):
			f.metrics.IncFetch(spec.Source, "rejected")
			return nil, err
		default:
			f.metrics.IncFetch(spec.Source, "error")
		}

		if ctx.Err() != nil || attempt >= f.cfg.MaxRetries {
			return nil, err
		}
		f.metrics.IncRetries()
		delay := f.backoff(attempt + 1)
		slog.Debug("retrying fetch",
			slog.String("url", spec.URL),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if sleepErr := f.sleep(ctx, delay); sleepErr != nil {
			return nil, err
		}
	}
}

// get performs one GET through the collector. Non-2xx responses and
// transport failures come back classified. Cancelling ctx aborts the request
// in flight.
func (f *Fetcher) get(ctx context.Context, url string, headers http.Header) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, release := f.transport.bind(ctx)
	defer release()
	hdr := headers.Clone()
	if hdr == nil {
		hdr = http.Header{}
	}
	hdr.Set(fetchIDHeader, id)

	cctx := colly.NewContext()
	err := f.collector.Request(http.MethodGet, url, nil, cctx, hdr)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	status, _ := cctx.GetAny(ctxStatus).(int)
	if classified := classifyError(err, status); classified != nil {
		return nil, errors.Wrapf(classified, "GET %s", url)
	}
	body, _ := cctx.GetAny(ctxBody).([]byte)
	if limit := f.cfg.MaxBodySize; limit > 0 && len(body) > limit {
		return nil, errors.Wrapf(ErrBodyTooLarge{Limit: limit}, "GET %s", url)
	}
	return body, nil
}

// bodyReadLimit is the collector read limit for a configured maximum body
// size. One extra byte is read so an oversized body can be told apart from
// one that exactly fits. Zero disables the limit.
func bodyReadLimit(limit int) int {
	if limit <= 0 {
		return 0
	}
	return limit + 1
}

func (f *Fetcher) configureHandlers() {
	f.handlersOnce.Do(func() {
		f.collector.OnRequest(func(r *colly.Request) {
			r.Ctx.Put(ctxStart, time.Now())
			current := atomic.AddInt64(&f.requestCount, 1)
			if current%50 == 0 {
				slog.Debug("fetch request progress",
					slog.Int64("requests", current),
					slog.String("url", r.URL.String()),
				)
			}
		})

		f.collector.OnResponse(func(r *colly.Response) {
			r.Ctx.Put(ctxStatus, r.StatusCode)
			r.Ctx.Put(ctxBody, r.Body)
			if start, ok := r.Request.Ctx.GetAny(ctxStart).(time.Time); ok {
				f.metrics.ObserveFetch(time.Since(start))
			}
			if r.StatusCode >= http.StatusBadRequest {
				slog.Warn("non-2xx response",
					slog.Int("status", r.StatusCode),
					slog.String("url", r.Request.URL.String()),
				)
			}
		})

		f.collector.OnError(func(r *colly.Response, err error) {
			url := ""
			if r != nil && r.Request != nil && r.Request.URL != nil {
				url = r.Request.URL.String()
			}
			slog.Debug("request error", slog.String("url", url), slog.Any("error", err))
		})
	})
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := f.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := f.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
