// Package report folds fetch outcomes and worker partials into the run's
// single OutputReport and publishes it.
package report

import (
	"sort"
	"sync"
	"time"

	"github.com/aluiziolira/go-source-aggregator/fetcher"
	"github.com/aluiziolira/go-source-aggregator/models"
	"github.com/aluiziolira/go-source-aggregator/pipeline"
)

// RunInfo identifies the run a report is built for.
type RunInfo struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Aggregator merges results in any order. The merged metrics, items and
// errors do not depend on the order of Add and AddFetch calls.
type Aggregator struct {
	mu         sync.Mutex
	items      []models.ProductItem
	errs       []models.ErrorInfo
	metrics    models.Metrics
	requests   int
	successful int
	failed     int
	files      int
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{metrics: models.NewMetrics()}
}

// AddFetch accounts for a finished fetch phase.
func (a *Aggregator) AddFetch(out fetcher.Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successful += out.Successful
	a.failed += out.Failed
	a.errs = append(a.errs, out.Errors...)
	a.metrics.Merge(models.Metrics{SourceRequestCounts: out.RequestCounts})
	for _, n := range out.RequestCounts {
		a.requests += n
	}
}

// Add merges one worker's partial result.
func (a *Aggregator) Add(p pipeline.Partial) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.items = append(a.items, p.Items...)
	a.errs = append(a.errs, p.Errors...)
	a.metrics.Merge(p.Metrics)
	a.files += p.Files
}

// Build creates the report. Call it once every partial has been added.
func (a *Aggregator) Build(info RunInfo) models.OutputReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	items := make([]models.ProductItem, len(a.items))
	copy(items, a.items)
	models.SortItems(items)

	errs := make([]models.ErrorInfo, len(a.errs))
	copy(errs, a.errs)
	models.SortErrors(errs)

	metrics := models.NewMetrics()
	metrics.Merge(a.metrics)

	summary := models.Summary{
		RunID:                 info.RunID,
		Status:                status(a.requests, a.successful, len(errs)),
		TotalProducts:         len(items),
		TotalErrors:           len(errs),
		Requests:              a.requests,
		SuccessfulFetches:     a.successful,
		FailedFetches:         a.failed,
		FilesProcessed:        a.files,
		SuccessRate:           successRate(len(items), len(errs)),
		ProcessingTimeSeconds: models.Round2(info.FinishedAt.Sub(info.StartedAt).Seconds()),
		Sources:               sources(items),
		StartedAt:             info.StartedAt.UTC(),
		FinishedAt:            info.FinishedAt.UTC(),
	}

	return models.OutputReport{
		Summary: summary,
		Items:   items,
		Errors:  errs,
		Metrics: metrics,
	}
}

func status(requests, successful, errs int) string {
	switch {
	case requests > 0 && successful == 0:
		return models.StatusFailed
	case errs > 0:
		return models.StatusPartial
	default:
		return models.StatusCompleted
	}
}

func successRate(products, errs int) float64 {
	if products == 0 {
		return 0
	}
	return models.Round2(float64(products) / float64(products+errs))
}

// sources lists the distinct sources that produced at least one item.
// Requested sources that yielded nothing show up only in the request counts.
func sources(items []models.ProductItem) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, item := range items {
		if _, ok := seen[item.Source]; ok {
			continue
		}
		seen[item.Source] = struct{}{}
		out = append(out, item.Source)
	}
	sort.Strings(out)
	return out
}
