// Package pipeline runs the processing phase: a fixed pool of workers that
// drains a snapshot of the handoff queue into per-worker partial results.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/aluiziolira/go-source-aggregator/metrics"
	"github.com/aluiziolira/go-source-aggregator/models"
	"github.com/aluiziolira/go-source-aggregator/parser"
	"github.com/aluiziolira/go-source-aggregator/queue"
)

// Store is the part of the handoff queue the pool consumes.
type Store interface {
	List() ([]string, error)
	Claim(name string) (queue.Claim, error)
	Read(c queue.Claim) (models.QueueEntry, error)
	Done(c queue.Claim) error
}

// Partial is what one worker produced. Partials are merged by the report
// aggregator once every worker has returned.
type Partial struct {
	Items   []models.ProductItem
	Errors  []models.ErrorInfo
	Metrics models.Metrics
	Files   int
	Skipped int
}

// ProgressFunc receives (completed, total) after each file.
type ProgressFunc func(completed, total int)

// Pool coordinates claiming, parsing and validating queue files.
type Pool struct {
	store      Store
	workers    int
	metrics    *metrics.Metrics
	onProgress ProgressFunc
	now        func() time.Time

	completed atomic.Int64
	total     atomic.Int64
	logEvery  rate.Sometimes
}

// Option customises a Pool.
type Option func(*Pool)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithProgress registers a progress callback. It is called from worker
// goroutines and must be safe for concurrent use.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Pool) { p.onProgress = fn }
}

// WithClock replaces time.Now for processed_at stamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool builds a pool with the given worker count (at least 1).
func NewPool(store Store, workers int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		store:    store,
		workers:  workers,
		now:      time.Now,
		logEvery: rate.Sometimes{First: 1, Interval: 2 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Progress returns (completed, total). It is safe to call at any time.
func (p *Pool) Progress() (completed, total int) {
	return int(p.completed.Load()), int(p.total.Load())
}

// Run processes the files present in the queue when it is called and
// returns one Partial per worker. Files are deleted whatever their outcome.
// Cancelling ctx stops handing out files; in-flight files finish.
func (p *Pool) Run(ctx context.Context) ([]Partial, error) {
	names, err := p.store.List()
	if err != nil {
		return nil, errors.Wrap(err, "snapshot queue")
	}
	p.completed.Store(0)
	p.total.Store(int64(len(names)))

	slog.Info("processing phase started", slog.Int("files", len(names)), slog.Int("workers", p.workers))
	start := time.Now()

	work := make(chan string)
	go func() {
		defer close(work)
		for _, name := range names {
			select {
			case <-ctx.Done():
				return
			case work <- name:
			}
		}
	}()

	partials := make([]Partial, p.workers)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			partials[i] = p.worker(work)
		}(i)
	}
	wg.Wait()

	completed, total := p.Progress()
	slog.Info("processing phase finished",
		slog.Int("completed", completed),
		slog.Int("total", total),
		slog.Duration("elapsed", time.Since(start)),
	)
	return partials, ctx.Err()
}

func (p *Pool) worker(work <-chan string) Partial {
	part := Partial{Metrics: models.NewMetrics()}
	for name := range work {
		p.processFile(name, &part)
		p.advance()
	}
	return part
}

func (p *Pool) processFile(name string, part *Partial) {
	claim, err := p.store.Claim(name)
	if err != nil {
		if errors.Is(err, queue.ErrGone) {
			slog.Debug("queue file already taken", slog.String("file", name))
			part.Skipped++
			return
		}
		part.Errors = append(part.Errors, fileError(sourceFromName(name), "", name, err))
		return
	}
	part.Files++
	p.metrics.IncFiles()

	defer func() {
		if err := p.store.Done(claim); err != nil {
			slog.Warn("delete queue file", slog.String("file", name), slog.Any("error", err))
			part.Errors = append(part.Errors, fileError(sourceFromName(name), "", name, err))
		}
	}()

	entry, err := p.store.Read(claim)
	if err != nil {
		part.Errors = append(part.Errors, fileError(sourceFromName(name), "", name, err))
		return
	}

	records, err := parser.ParsePayload(entry.Body)
	if err != nil {
		slog.Warn("unparseable payload",
			slog.String("source", entry.Source),
			slog.String("file", name),
			slog.Any("error", err),
		)
		part.Errors = append(part.Errors, fileError(entry.Source, entry.URL, name, err))
		return
	}

	now := p.now()
	valid, invalid := 0, 0
	for i, raw := range records {
		res := parser.Normalize(i, raw, entry.Source, now)
		if !res.Valid() {
			invalid++
			info := models.NewErrorInfo(entry.Source, models.StageValidate, res.Err)
			info.URL = entry.URL
			info.File = name
			part.Errors = append(part.Errors, info)
			continue
		}
		valid++
		part.Items = append(part.Items, *res.Item)
		part.Metrics.AddItem(*res.Item)
	}
	p.metrics.AddRecords("valid", valid)
	p.metrics.AddRecords("invalid", invalid)
	slog.Debug("processed queue file",
		slog.String("file", name),
		slog.Int("valid", valid),
		slog.Int("invalid", invalid),
	)
}

func (p *Pool) advance() {
	completed := int(p.completed.Add(1))
	total := int(p.total.Load())
	if p.onProgress != nil {
		p.onProgress(completed, total)
	}
	p.logEvery.Do(func() {
		slog.Info("processing progress", slog.Int("completed", completed), slog.Int("total", total))
	})
}

// fileError records a failure that concerns a whole file. IO failures are
// reported at the parse stage.
func fileError(source, url, file string, err error) models.ErrorInfo {
	info := models.NewErrorInfo(source, models.StageParse, err)
	info.URL = url
	info.File = file
	return info
}

// sourceFromName recovers the sanitized source from "<seq>_<source>_<id>.json".
func sourceFromName(name string) string {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}
