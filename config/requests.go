package config

import (
	"bytes"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/aluiziolira/go-source-aggregator/models"
)

// RequestEntry is one element of a requests file. Name is accepted as an
// alias for Source.
type RequestEntry struct {
	URL         string `json:"url" yaml:"url" toml:"url"`
	Source      string `json:"source,omitempty" yaml:"source" toml:"source"`
	Name        string `json:"name,omitempty" yaml:"name" toml:"name"`
	ConfigIndex int    `json:"config_index,omitempty" yaml:"config_index" toml:"config_index"`
	Pages       int    `json:"pages,omitempty" yaml:"pages" toml:"pages"`
}

type requestsDocument struct {
	Requests []RequestEntry `json:"requests" yaml:"requests" toml:"requests"`
}

// ParseRequestSpec parses the command-line form "url|source|config_index".
// The url may itself contain '|'; the last two fields are split off.
func ParseRequestSpec(raw string) (models.RequestSpec, error) {
	last := strings.LastIndex(raw, "|")
	if last < 0 {
		return models.RequestSpec{}, invalidSpec(raw)
	}
	mid := strings.LastIndex(raw[:last], "|")
	if mid < 0 {
		return models.RequestSpec{}, invalidSpec(raw)
	}

	url := strings.TrimSpace(raw[:mid])
	source := strings.TrimSpace(raw[mid+1 : last])
	index, err := strconv.Atoi(strings.TrimSpace(raw[last+1:]))
	if err != nil || index < 0 {
		return models.RequestSpec{}, invalidSpec(raw)
	}
	if url == "" || source == "" {
		return models.RequestSpec{}, invalidSpec(raw)
	}
	return models.RequestSpec{URL: url, Source: source, ConfigIndex: index}, nil
}

func invalidSpec(raw string) error {
	err := newConfigError("invalid request %q", raw)
	return errors.WithHint(err, "expected url|source|config_index")
}

// LoadRequests reads a requests file (JSON, YAML or TOML by extension) and
// expands paged entries. defaultPages applies to entries without pages.
func LoadRequests(path string, defaultPages, pageSize int) ([]models.RequestSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapConfigError(err, "read requests %s", path)
	}
	entries, err := ParseRequests(data, formatOf(path))
	if err != nil {
		return nil, errors.Wrapf(err, "requests %s", path)
	}

	specs, err := ExpandEntries(entries, defaultPages, pageSize)
	if err != nil {
		return nil, errors.Wrapf(err, "requests %s", path)
	}
	return specs, nil
}

// ExpandEntries validates entries and expands paged ones into specs.
// defaultPages applies to entries without pages.
func ExpandEntries(entries []RequestEntry, defaultPages, pageSize int) ([]models.RequestSpec, error) {
	var specs []models.RequestSpec
	for i, entry := range entries {
		source := entry.Source
		if source == "" {
			source = entry.Name
		}
		if entry.URL == "" || source == "" {
			return nil, newConfigError("entry %d needs url and source", i)
		}
		if entry.ConfigIndex < 0 {
			return nil, newConfigError("entry %d has a negative config_index", i)
		}
		pages := entry.Pages
		if pages <= 0 {
			pages = defaultPages
		}
		spec := models.RequestSpec{URL: entry.URL, Source: source, ConfigIndex: entry.ConfigIndex}
		specs = append(specs, spec.Expand(pages, pageSize)...)
	}
	return specs, nil
}

// ParseRequests decodes either a bare list of entries or a document with a
// top-level "requests" list. TOML only supports the latter.
func ParseRequests(data []byte, format string) ([]RequestEntry, error) {
	trimmed := bytes.TrimSpace(data)
	if format != "toml" && looksLikeList(trimmed, format) {
		var entries []RequestEntry
		if err := decode(trimmed, format, &entries); err != nil {
			return nil, err
		}
		return entries, nil
	}

	var doc requestsDocument
	if err := decode(trimmed, format, &doc); err != nil {
		return nil, err
	}
	return doc.Requests, nil
}

func looksLikeList(data []byte, format string) bool {
	if format == "json" {
		return bytes.HasPrefix(data, []byte("["))
	}
	return bytes.HasPrefix(data, []byte("-")) || bytes.HasPrefix(data, []byte("["))
}
