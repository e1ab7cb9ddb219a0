package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"

	"github.com/aluiziolira/go-source-aggregator/config"
	"github.com/aluiziolira/go-source-aggregator/metrics"
	"github.com/aluiziolira/go-source-aggregator/models"
	"github.com/aluiziolira/go-source-aggregator/runner"
	"github.com/aluiziolira/go-source-aggregator/server"
)

const (
	exitOK          = 0
	exitError       = 1
	exitTotalFailed = 2
)

type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func main() {
	os.Exit(run())
}

func run() int {
	defaultCfg := config.DefaultConfig()
	workersDefault := defaultCfg.Workers
	if value, ok, err := config.EnvInt("AGGREGATOR_WORKERS"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid AGGREGATOR_WORKERS: %v\n", err)
		return exitError
	} else if ok {
		workersDefault = value
	}
	outputDefault := defaultCfg.OutputFile
	if value, ok := config.EnvString("AGGREGATOR_OUTPUT"); ok {
		outputDefault = value
	}
	queueDefault := defaultCfg.QueueDir
	if value, ok := config.EnvString("AGGREGATOR_QUEUE_DIR"); ok {
		queueDefault = value
	}
	metricsDefault := defaultCfg.MetricsAddr
	if value, ok := config.EnvString("AGGREGATOR_METRICS_ADDR"); ok {
		metricsDefault = value
	}
	profilesDefault, _ := config.EnvString("AGGREGATOR_CONFIG")

	var urls stringList
	flag.Var(&urls, "url", "Request as url|source|config_index (repeatable)")
	requestsFile := flag.String("requests-file", "", "JSON, YAML or TOML file listing requests")
	profilesFile := flag.String("config", profilesDefault, "Header profiles file (JSON, YAML or TOML)")
	workers := flag.Int("workers", workersDefault, "Number of processing workers")
	pages := flag.Int("pages", defaultCfg.Pages, "Pages to fetch for URLs with {page} or {skip} placeholders")
	pageSize := flag.Int("page-size", defaultCfg.PageSize, "Page size used to compute {skip}")
	outputFile := flag.String("output", outputDefault, "Report path (empty to skip writing)")
	outputFormat := flag.String("format", defaultCfg.OutputFormat, "Output format: json or dual (json + items csv)")
	queueDir := flag.String("queue-dir", queueDefault, "Directory for the fetch handoff queue")
	rateLimit := flag.Int("rate-limit", defaultCfg.RateLimit, "Maximum requests per second across all sources")
	breakerThreshold := flag.Int("breaker-threshold", defaultCfg.BreakerThreshold, "Consecutive failures before a source's circuit opens")
	breakerCooldown := flag.Duration("breaker-cooldown", defaultCfg.BreakerCooldown, "How long an open circuit rejects calls")
	timeout := flag.Duration("timeout", defaultCfg.Timeout, "Per-request timeout")
	maxBodySize := flag.Int("max-body-size", defaultCfg.MaxBodySize, "Maximum response body in bytes; larger responses fail (0 for no limit)")
	maxRetries := flag.Int("max-retries", defaultCfg.MaxRetries, "Retry attempts per request")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	serveAddr := flag.String("serve", "", "Serve POST /aggregate on this address instead of running once")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg := defaultCfg
	cfg.Workers = *workers
	cfg.Pages = *pages
	cfg.PageSize = *pageSize
	cfg.OutputFile = *outputFile
	cfg.OutputFormat = strings.ToLower(*outputFormat)
	cfg.QueueDir = *queueDir
	cfg.RateLimit = *rateLimit
	cfg.BreakerThreshold = *breakerThreshold
	cfg.BreakerCooldown = *breakerCooldown
	cfg.Timeout = *timeout
	cfg.MaxBodySize = *maxBodySize
	cfg.MaxRetries = *maxRetries
	cfg.MetricsAddr = *metricsAddr
	cfg.ListenAddr = *serveAddr
	cfg.ProfilesFile = *profilesFile
	cfg.Verbose = *verbose
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return exitError
	}

	profiles := config.HeaderProfiles{}
	if cfg.ProfilesFile != "" {
		loaded, err := config.LoadProfiles(cfg.ProfilesFile)
		if err != nil {
			slog.Error("loading header profiles", slog.Any("error", err))
			return exitError
		}
		profiles = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	m := metrics.New()

	if cfg.ListenAddr != "" {
		r := runner.New(cfg, profiles, runner.WithMetrics(m))
		if err := server.New(cfg, r, m).ListenAndServe(ctx, cfg.ListenAddr); err != nil {
			slog.Error("server failed", slog.Any("error", err))
			return exitError
		}
		return exitOK
	}

	specs, err := collectSpecs(urls, *requestsFile, cfg)
	if err != nil {
		slog.Error("invalid requests", slog.Any("error", err))
		return exitError
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
		}()
	}

	opts := []runner.Option{runner.WithMetrics(m)}
	var bar *progressBar
	if isTerminal(os.Stdout) && !cfg.Verbose {
		bar = &progressBar{}
		opts = append(opts, runner.WithProgress(bar.update))
	}

	rep, err := runner.New(cfg, profiles, opts...).Run(ctx, specs, cfg.Workers)
	bar.stop()
	if err != nil {
		slog.Error("run failed", slog.Any("error", err))
		return exitError
	}

	printSummary(rep, cfg.OutputFile)
	if rep.Summary.Status == models.StatusFailed {
		return exitTotalFailed
	}
	return exitOK
}

func collectSpecs(urls []string, requestsFile string, cfg *config.Config) ([]models.RequestSpec, error) {
	var parsed []models.RequestSpec
	for _, raw := range urls {
		spec, err := config.ParseRequestSpec(raw)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, spec)
	}
	specs := models.ExpandAll(parsed, cfg.Pages, cfg.PageSize)
	if requestsFile != "" {
		loaded, err := config.LoadRequests(requestsFile, cfg.Pages, cfg.PageSize)
		if err != nil {
			return nil, err
		}
		specs = append(specs, loaded...)
	}
	if len(specs) == 0 {
		return nil, errors.New("no requests given: use --url or --requests-file")
	}
	return specs, nil
}

// progressBar lazily starts a pterm bar once the processing total is known.
type progressBar struct {
	mu  sync.Mutex
	bar *pterm.ProgressbarPrinter
}

func (p *progressBar) update(completed, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		bar, err := pterm.DefaultProgressbar.WithTotal(total).WithTitle("Processing").Start()
		if err != nil {
			return
		}
		p.bar = bar
	}
	if completed > p.bar.Current {
		p.bar.Add(completed - p.bar.Current)
	}
}

func (p *progressBar) stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_, _ = p.bar.Stop()
	}
}

func printSummary(rep models.OutputReport, outputFile string) {
	s := rep.Summary
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Printf("Run %s %s\n", s.RunID, s.Status)

	fmt.Printf("  Requests:      %d (%d ok, %d failed)\n", s.Requests, s.SuccessfulFetches, s.FailedFetches)
	fmt.Printf("  Files:         %d\n", s.FilesProcessed)
	fmt.Printf("  Products:      %d\n", s.TotalProducts)
	fmt.Printf("  Errors:        %d\n", s.TotalErrors)
	fmt.Printf("  Success rate:  %.2f\n", s.SuccessRate)
	if kinds := errorKinds(rep.Errors); len(kinds) > 0 {
		fmt.Printf("  Error kinds:   %s\n", kinds)
	}
	fmt.Printf("  Duration:      %.2fs\n", s.ProcessingTimeSeconds)
	if outputFile != "" {
		fmt.Printf("  Output file:   %s\n", outputFile)
	}
	fmt.Println(separator)
}

func errorKinds(errs []models.ErrorInfo) string {
	counts := make(map[string]int)
	for _, e := range errs {
		counts[e.Kind]++
	}
	kinds := make([]string, 0, len(counts))
	for kind, n := range counts {
		kinds = append(kinds, fmt.Sprintf("%s=%d", kind, n))
	}
	sort.Strings(kinds)
	return strings.Join(kinds, " ")
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
