package models

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// Run statuses reported in the summary.
const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// MaxPrice is the largest price accepted for aggregation. At this bound the
// integer cent sum holds roughly 92 million prices before overflowing.
const MaxPrice = 1e9

// PriceStats accumulates price observations in [0, MaxPrice]. Prices are
// summed as integer cents so merging partials is exact regardless of order.
type PriceStats struct {
	Count    int
	SumCents int64
	Min      float64
	Max      float64
}

// Observe adds one price.
func (p *PriceStats) Observe(price float64) {
	if p.Count == 0 || price < p.Min {
		p.Min = price
	}
	if p.Count == 0 || price > p.Max {
		p.Max = price
	}
	p.Count++
	p.SumCents += int64(math.Round(price * 100))
}

// Merge folds other into p.
func (p *PriceStats) Merge(other PriceStats) {
	if other.Count == 0 {
		return
	}
	if p.Count == 0 {
		*p = other
		return
	}
	p.Min = math.Min(p.Min, other.Min)
	p.Max = math.Max(p.Max, other.Max)
	p.Count += other.Count
	p.SumCents += other.SumCents
}

// Avg returns the mean price, or 0 with no observations.
func (p PriceStats) Avg() float64 {
	if p.Count == 0 {
		return 0
	}
	return float64(p.SumCents) / float64(p.Count) / 100
}

type priceStatsJSON struct {
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
	Avg   *float64 `json:"avg"`
	Count int      `json:"count"`
}

// MarshalJSON renders rounded min/max/avg, null when nothing was observed.
func (p PriceStats) MarshalJSON() ([]byte, error) {
	out := priceStatsJSON{Count: p.Count}
	if p.Count > 0 {
		min, max, avg := Round2(p.Min), Round2(p.Max), Round2(p.Avg())
		out.Min, out.Max, out.Avg = &min, &max, &avg
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores stats written by MarshalJSON.
func (p *PriceStats) UnmarshalJSON(data []byte) error {
	var in priceStatsJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*p = PriceStats{Count: in.Count}
	if in.Min != nil {
		p.Min = *in.Min
	}
	if in.Max != nil {
		p.Max = *in.Max
	}
	if in.Avg != nil {
		p.SumCents = int64(math.Round(*in.Avg * 100 * float64(in.Count)))
	}
	return nil
}

// Metrics is the additive aggregate carried by partial and final results.
type Metrics struct {
	PriceStats           PriceStats     `json:"price_stats"`
	CategoryDistribution map[string]int `json:"category_distribution"`
	SourceRequestCounts  map[string]int `json:"source_request_counts"`
}

// NewMetrics returns empty metrics with initialised maps.
func NewMetrics() Metrics {
	return Metrics{
		CategoryDistribution: make(map[string]int),
		SourceRequestCounts:  make(map[string]int),
	}
}

// AddItem accounts for one accepted item.
func (m *Metrics) AddItem(item ProductItem) {
	if m.CategoryDistribution == nil {
		m.CategoryDistribution = make(map[string]int)
	}
	m.CategoryDistribution[item.Category]++
	if item.Price != nil {
		m.PriceStats.Observe(*item.Price)
	}
}

// Merge folds other into m. Merge is commutative and associative.
func (m *Metrics) Merge(other Metrics) {
	if m.CategoryDistribution == nil {
		m.CategoryDistribution = make(map[string]int)
	}
	if m.SourceRequestCounts == nil {
		m.SourceRequestCounts = make(map[string]int)
	}
	m.PriceStats.Merge(other.PriceStats)
	for k, v := range other.CategoryDistribution {
		m.CategoryDistribution[k] += v
	}
	for k, v := range other.SourceRequestCounts {
		m.SourceRequestCounts[k] += v
	}
}

// Summary describes one pipeline run.
type Summary struct {
	RunID                 string    `json:"run_id"`
	Status                string    `json:"status"`
	TotalProducts         int       `json:"total_products"`
	TotalErrors           int       `json:"total_errors"`
	Requests              int       `json:"requests"`
	SuccessfulFetches     int       `json:"successful_fetches"`
	FailedFetches         int       `json:"failed_fetches"`
	FilesProcessed        int       `json:"files_processed"`
	SuccessRate           float64   `json:"success_rate"`
	ProcessingTimeSeconds float64   `json:"processing_time_seconds"`
	Sources               []string  `json:"sources"` // sources that produced items
	StartedAt             time.Time `json:"started_at"`
	FinishedAt            time.Time `json:"finished_at"`
}

// OutputReport is the single artifact produced by a run.
type OutputReport struct {
	Summary Summary       `json:"summary"`
	Items   []ProductItem `json:"items"`
	Errors  []ErrorInfo   `json:"errors"`
	Metrics Metrics       `json:"metrics"`
}

// SortItems orders items by source then id.
func SortItems(items []ProductItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Source != items[j].Source {
			return items[i].Source < items[j].Source
		}
		return items[i].ID < items[j].ID
	})
}

// SortErrors orders errors by stage, source, url, file then message.
func SortErrors(errs []ErrorInfo) {
	sort.SliceStable(errs, func(i, j int) bool {
		a, b := errs[i], errs[j]
		switch {
		case a.Stage != b.Stage:
			return a.Stage < b.Stage
		case a.Source != b.Source:
			return a.Source < b.Source
		case a.URL != b.URL:
			return a.URL < b.URL
		case a.File != b.File:
			return a.File < b.File
		default:
			return a.Message < b.Message
		}
	})
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
