package models

import (
	"strconv"
	"strings"
)

// RequestSpec identifies one fetch unit and the header profile it uses.
type RequestSpec struct {
	URL         string `json:"url" yaml:"url" toml:"url"`
	Source      string `json:"source" yaml:"source" toml:"source"`
	ConfigIndex int    `json:"config_index" yaml:"config_index" toml:"config_index"`
}

const (
	pagePlaceholder = "{page}"
	skipPlaceholder = "{skip}"
)

// Paged reports whether the URL carries a page or skip placeholder.
func (s RequestSpec) Paged() bool {
	return strings.Contains(s.URL, pagePlaceholder) || strings.Contains(s.URL, skipPlaceholder)
}

// Expand turns a paged URL template into one spec per page. Pages are
// numbered from 1 and skip advances by pageSize. Specs without placeholders
// are returned unchanged.
func (s RequestSpec) Expand(pages, pageSize int) []RequestSpec {
	if !s.Paged() {
		return []RequestSpec{s}
	}
	if pages <= 0 {
		pages = 1
	}
	out := make([]RequestSpec, 0, pages)
	for page := 1; page <= pages; page++ {
		url := strings.ReplaceAll(s.URL, pagePlaceholder, strconv.Itoa(page))
		url = strings.ReplaceAll(url, skipPlaceholder, strconv.Itoa((page-1)*pageSize))
		out = append(out, RequestSpec{URL: url, Source: s.Source, ConfigIndex: s.ConfigIndex})
	}
	return out
}

// ExpandAll expands every spec in order.
func ExpandAll(specs []RequestSpec, pages, pageSize int) []RequestSpec {
	out := make([]RequestSpec, 0, len(specs))
	for _, spec := range specs {
		out = append(out, spec.Expand(pages, pageSize)...)
	}
	return out
}
