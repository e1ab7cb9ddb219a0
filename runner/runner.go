// Package runner wires one pipeline run end to end: fetch, process,
// aggregate and publish.
package runner

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/aluiziolira/go-source-aggregator/breaker"
	"github.com/aluiziolira/go-source-aggregator/config"
	"github.com/aluiziolira/go-source-aggregator/fetcher"
	"github.com/aluiziolira/go-source-aggregator/limiter"
	"github.com/aluiziolira/go-source-aggregator/metrics"
	"github.com/aluiziolira/go-source-aggregator/models"
	"github.com/aluiziolira/go-source-aggregator/pipeline"
	"github.com/aluiziolira/go-source-aggregator/queue"
	"github.com/aluiziolira/go-source-aggregator/report"
)

// Runner executes pipeline runs. Each call to Run gets its own limiter,
// breakers and queue directory; nothing is shared between runs.
type Runner struct {
	cfg        *config.Config
	profiles   config.HeaderProfiles
	metrics    *metrics.Metrics
	transport  http.RoundTripper
	onProgress pipeline.ProgressFunc
}

// Option customises a Runner.
type Option func(*Runner)

// WithMetrics attaches Prometheus collectors shared across runs.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithTransport replaces the HTTP transport used by the fetcher.
func WithTransport(rt http.RoundTripper) Option {
	return func(r *Runner) { r.transport = rt }
}

// WithProgress receives processing progress.
func WithProgress(fn pipeline.ProgressFunc) Option {
	return func(r *Runner) { r.onProgress = fn }
}

// New builds a runner. cfg must already be validated.
func New(cfg *config.Config, profiles config.HeaderProfiles, opts ...Option) *Runner {
	if profiles == nil {
		profiles = config.HeaderProfiles{}
	}
	r := &Runner{cfg: cfg, profiles: profiles}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one run over specs with the given worker count (the configured
// count when workers <= 0). Invalid specs fail with a ConfigError before any
// request is made. A run where nothing could be fetched returns a report with
// status failed and a nil error. When ctx is cancelled the partial report is
// returned with ctx.Err() and nothing is published.
func (r *Runner) Run(ctx context.Context, specs []models.RequestSpec, workers int) (models.OutputReport, error) {
	if workers <= 0 {
		workers = r.cfg.Workers
	}
	if err := r.profiles.CheckSpecs(specs); err != nil {
		return models.OutputReport{}, err
	}

	runID := uuid.NewString()
	started := time.Now()
	log := slog.With(slog.String("run_id", runID))
	log.Info("run started", slog.Int("requests", len(specs)), slog.Int("workers", workers))

	q, err := queue.Open(r.cfg.QueueDir, runID)
	if err != nil {
		return models.OutputReport{}, errors.Wrap(err, "open queue")
	}
	defer func() {
		if err := q.Remove(); err != nil {
			log.Warn("remove queue directory", slog.Any("error", err))
		}
	}()

	lim := limiter.New(r.cfg.RateLimit, r.cfg.RateWindow, limiter.WithWaitObserver(r.metrics.ObserveLimiterWait))
	breakers := breaker.NewRegistry(r.cfg.BreakerThreshold, r.cfg.BreakerCooldown,
		breaker.OnStateChange(func(source string, from, to breaker.State) {
			log.Warn("circuit breaker state change",
				slog.String("source", source),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			r.metrics.SetBreakerState(source, int(to))
		}),
	)

	fetchOpts := []fetcher.Option{fetcher.WithMetrics(r.metrics)}
	if r.transport != nil {
		fetchOpts = append(fetchOpts, fetcher.WithTransport(r.transport))
	}
	outcome := fetcher.New(r.cfg, lim, breakers, q, fetchOpts...).Run(ctx, specs, r.profiles)

	poolOpts := []pipeline.Option{pipeline.WithMetrics(r.metrics)}
	if r.onProgress != nil {
		poolOpts = append(poolOpts, pipeline.WithProgress(r.onProgress))
	}
	partials, poolErr := pipeline.NewPool(q, workers, poolOpts...).Run(ctx)
	if poolErr != nil && ctx.Err() == nil {
		return models.OutputReport{}, poolErr
	}

	agg := report.NewAggregator()
	agg.AddFetch(outcome)
	for _, p := range partials {
		agg.Add(p)
	}
	rep := agg.Build(report.RunInfo{RunID: runID, StartedAt: started, FinishedAt: time.Now()})

	if err := ctx.Err(); err != nil {
		log.Warn("run cancelled", slog.Any("error", err))
		return rep, err
	}

	r.metrics.IncRun(rep.Summary.Status)
	log.Info("run finished",
		slog.String("status", rep.Summary.Status),
		slog.Int("products", rep.Summary.TotalProducts),
		slog.Int("errors", rep.Summary.TotalErrors),
		slog.Float64("seconds", rep.Summary.ProcessingTimeSeconds),
	)

	if r.cfg.OutputFile != "" {
		if err := report.Publish(rep, r.cfg.OutputFile, r.cfg.OutputFormat); err != nil {
			return rep, err
		}
		log.Info("report published", slog.String("path", r.cfg.OutputFile))
	}
	return rep, nil
}
