package report

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/aluiziolira/go-source-aggregator/fetcher"
	"github.com/aluiziolira/go-source-aggregator/models"
	"github.com/aluiziolira/go-source-aggregator/pipeline"
)

var (
	t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(1500 * time.Millisecond)
)

func price(f float64) *float64 { return &f }

func item(source, id, category string, p *float64) models.ProductItem {
	return models.ProductItem{ID: id, Name: "n" + id, Category: category, Price: p, Source: source, ProcessedAt: t0}
}

func partial(items []models.ProductItem, errs ...models.ErrorInfo) pipeline.Partial {
	p := pipeline.Partial{Items: items, Errors: errs, Metrics: models.NewMetrics(), Files: 1}
	for _, it := range items {
		p.Metrics.AddItem(it)
	}
	return p
}

func fixtures() (fetcher.Outcome, []pipeline.Partial) {
	out := fetcher.Outcome{
		Successful:    3,
		Failed:        1,
		RequestCounts: map[string]int{"A": 3, "B": 1},
		Errors: []models.ErrorInfo{
			{Source: "B", Stage: models.StageFetch, Kind: models.KindNetwork, Message: "boom", URL: "http://b"},
		},
	}
	partials := []pipeline.Partial{
		partial([]models.ProductItem{item("A", "2", "x", price(10.10)), item("A", "1", "y", price(0.5))}),
		partial([]models.ProductItem{item("A", "3", "x", nil)},
			models.ErrorInfo{Source: "A", Stage: models.StageValidate, Kind: models.KindValidation, Message: "record 1: id is missing"}),
		partial([]models.ProductItem{item("A", "4", "y", price(120))}),
	}
	return out, partials
}

func TestBuildIsOrderIndependent(t *testing.T) {
	out, partials := fixtures()

	forward := NewAggregator()
	forward.AddFetch(out)
	for _, p := range partials {
		forward.Add(p)
	}

	backward := NewAggregator()
	for i := len(partials) - 1; i >= 0; i-- {
		backward.Add(partials[i])
	}
	backward.AddFetch(out)

	info := RunInfo{RunID: "r1", StartedAt: t0, FinishedAt: t1}
	a, b := forward.Build(info), backward.Build(info)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("reports differ:\n%+v\n%+v", a, b)
	}

	if a.Items[0].ID != "1" || a.Items[3].ID != "4" {
		t.Fatalf("items not sorted: %+v", a.Items)
	}
	if a.Errors[0].Stage != models.StageFetch {
		t.Fatalf("errors not sorted: %+v", a.Errors)
	}
}

func TestBuildSummary(t *testing.T) {
	out, partials := fixtures()
	agg := NewAggregator()
	agg.AddFetch(out)
	for _, p := range partials {
		agg.Add(p)
	}
	rep := agg.Build(RunInfo{RunID: "r1", StartedAt: t0, FinishedAt: t1})
	s := rep.Summary

	if s.Status != models.StatusPartial {
		t.Fatalf("status = %q, want partial", s.Status)
	}
	if s.TotalProducts != 4 || s.TotalErrors != 2 || s.Requests != 4 || s.FilesProcessed != 3 {
		t.Fatalf("summary = %+v", s)
	}
	if s.SuccessfulFetches != 3 || s.FailedFetches != 1 {
		t.Fatalf("fetch counts = %d/%d", s.SuccessfulFetches, s.FailedFetches)
	}
	if s.SuccessRate != 0.67 {
		t.Fatalf("success rate = %v, want 0.67", s.SuccessRate)
	}
	if s.ProcessingTimeSeconds != 1.5 {
		t.Fatalf("processing time = %v, want 1.5", s.ProcessingTimeSeconds)
	}
	if !reflect.DeepEqual(s.Sources, []string{"A"}) {
		t.Fatalf("sources = %v, want only the source that produced items", s.Sources)
	}

	ps := rep.Metrics.PriceStats
	if ps.Count != 3 || ps.Min != 0.5 || ps.Max != 120 {
		t.Fatalf("price stats = %+v", ps)
	}
	if rep.Metrics.CategoryDistribution["x"] != 2 || rep.Metrics.CategoryDistribution["y"] != 2 {
		t.Fatalf("categories = %v", rep.Metrics.CategoryDistribution)
	}
	if rep.Metrics.SourceRequestCounts["A"] != 3 || rep.Metrics.SourceRequestCounts["B"] != 1 {
		t.Fatalf("source counts = %v", rep.Metrics.SourceRequestCounts)
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name       string
		requests   int
		successful int
		errs       int
		want       string
	}{
		{name: "clean", requests: 2, successful: 2, errs: 0, want: models.StatusCompleted},
		{name: "some errors", requests: 2, successful: 1, errs: 1, want: models.StatusPartial},
		{name: "nothing fetched", requests: 2, successful: 0, errs: 2, want: models.StatusFailed},
		{name: "no requests", requests: 0, successful: 0, errs: 0, want: models.StatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := status(tt.requests, tt.successful, tt.errs); got != tt.want {
				t.Fatalf("status = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSuccessRateWithoutProducts(t *testing.T) {
	if got := successRate(0, 3); got != 0 {
		t.Fatalf("success rate = %v, want 0", got)
	}
}

func TestPublishDual(t *testing.T) {
	out, partials := fixtures()
	agg := NewAggregator()
	agg.AddFetch(out)
	for _, p := range partials {
		agg.Add(p)
	}
	rep := agg.Build(RunInfo{RunID: "r1", StartedAt: t0, FinishedAt: t1})

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "report.json")
	if err := Publish(rep, path, FormatDual); err != nil {
		t.Fatalf("publish: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	for _, key := range []string{"summary", "items", "errors", "metrics"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("report missing %q", key)
		}
	}

	f, err := os.Open(ItemsPath(path))
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("records=%d, want 5", len(records))
	}
	if records[0][0] != "id" || records[1][3] != "0.5" || records[3][3] != "" {
		t.Fatalf("unexpected csv: %v", records)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("leftover temp files: %d entries", len(entries))
	}
}

func TestPublishEmptyReportHasArrays(t *testing.T) {
	rep := NewAggregator().Build(RunInfo{RunID: "r", StartedAt: t0, FinishedAt: t0})
	path := filepath.Join(t.TempDir(), "report.json")
	if err := Publish(rep, path, FormatJSON); err != nil {
		t.Fatalf("publish: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var decoded struct {
		Items  []interface{} `json:"items"`
		Errors []interface{} `json:"errors"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Items == nil || decoded.Errors == nil {
		t.Fatalf("items/errors should be empty arrays, got %s", data)
	}
	if _, err := os.Stat(ItemsPath(path)); !os.IsNotExist(err) {
		t.Fatalf("json format must not write csv")
	}
}

func TestPublishFileMode(t *testing.T) {
	out, partials := fixtures()
	agg := NewAggregator()
	agg.AddFetch(out)
	for _, p := range partials {
		agg.Add(p)
	}
	rep := agg.Build(RunInfo{RunID: "r1", StartedAt: t0, FinishedAt: t1})

	path := filepath.Join(t.TempDir(), "report.json")
	if err := Publish(rep, path, FormatDual); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, p := range []string{path, ItemsPath(path)} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}
		if got := info.Mode().Perm(); got != 0o644 {
			t.Fatalf("%s mode = %v, want 0644", filepath.Base(p), got)
		}
	}
}

func TestPublishDualCSVFailureLeavesNoReport(t *testing.T) {
	rep := NewAggregator().Build(RunInfo{RunID: "r", StartedAt: t0, FinishedAt: t0})
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")
	// A non-empty directory where the CSV belongs makes its rename fail.
	if err := os.MkdirAll(filepath.Join(ItemsPath(path), "occupied"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := Publish(rep, path, FormatDual); err == nil {
		t.Fatalf("publish succeeded, want csv rename failure")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("report.json published without its csv (stat err = %v)", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "report.csv" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("leftover files: %v", names)
	}
}
