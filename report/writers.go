package report

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/aluiziolira/go-source-aggregator/models"
)

// Output formats accepted by Publish.
const (
	FormatJSON = "json"
	FormatDual = "dual"
)

var csvHeader = []string{"id", "name", "category", "price", "source", "processed_at"}

// Publish writes the report to path. Format dual also writes the items as
// CSV next to it (see ItemsPath). Every file is staged under a temporary name
// in the target directory before any is renamed into place, and the report
// is renamed last, so an existing report.json implies a complete run.
func Publish(report models.OutputReport, path, format string) (err error) {
	if path == "" {
		return errors.New("publish: empty output path")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	var staged []stagedFile
	defer func() {
		if err != nil {
			for _, f := range staged {
				os.Remove(f.tmp)
			}
		}
	}()

	if format == FormatDual {
		csvFile, err := stage(ItemsPath(path), func(w io.Writer) error { return WriteCSV(w, report.Items) })
		if err != nil {
			return errors.Wrap(err, "publish csv")
		}
		staged = append(staged, csvFile)
	}
	jsonFile, err := stage(path, func(w io.Writer) error { return WriteJSON(w, report) })
	if err != nil {
		return errors.Wrap(err, "publish json")
	}
	staged = append(staged, jsonFile)

	for _, f := range staged {
		if err := os.Rename(f.tmp, f.path); err != nil {
			return errors.Wrapf(err, "publish: rename to %s", f.path)
		}
	}
	return nil
}

// ItemsPath returns the CSV path used by the dual format: report.json becomes
// report.csv.
func ItemsPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".csv"
}

// WriteJSON encodes the report with two-space indentation.
func WriteJSON(w io.Writer, report models.OutputReport) error {
	if report.Items == nil {
		report.Items = []models.ProductItem{}
	}
	if report.Errors == nil {
		report.Errors = []models.ErrorInfo{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return errors.Wrap(err, "encode report")
	}
	return nil
}

// WriteCSV writes a header row followed by one row per item.
func WriteCSV(w io.Writer, items []models.ProductItem) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return errors.Wrap(err, "write csv header")
	}
	for _, item := range items {
		price := ""
		if item.Price != nil {
			price = strconv.FormatFloat(*item.Price, 'f', -1, 64)
		}
		record := []string{
			item.ID,
			item.Name,
			item.Category,
			price,
			item.Source,
			item.ProcessedAt.Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return errors.Wrap(err, "write csv record")
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "flush csv records")
	}
	return nil
}

type stagedFile struct {
	tmp  string
	path string
}

// stage writes a temporary sibling of path that is ready to be renamed over it.
func stage(path string, write func(io.Writer) error) (_ stagedFile, err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return stagedFile{}, errors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	buffer := bufio.NewWriter(tmp)
	if err := write(buffer); err != nil {
		return stagedFile{}, err
	}
	if err := buffer.Flush(); err != nil {
		return stagedFile{}, errors.Wrap(err, "flush")
	}
	// CreateTemp uses 0600; published artifacts are world-readable.
	if err := tmp.Chmod(0o644); err != nil {
		return stagedFile{}, errors.Wrap(err, "chmod")
	}
	if err := tmp.Sync(); err != nil {
		return stagedFile{}, errors.Wrap(err, "sync")
	}
	if err := tmp.Close(); err != nil {
		return stagedFile{}, errors.Wrap(err, "close")
	}
	return stagedFile{tmp: tmpPath, path: path}, nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create directory %q", dir)
	}
	return nil
}
