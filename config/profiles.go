package config

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/aluiziolira/go-source-aggregator/models"
)

// HeaderProfiles maps a config index to the headers sent with requests that
// reference it. Index 0 is the empty profile unless configured explicitly.
type HeaderProfiles map[int]map[string]string

type profilesDocument struct {
	Profiles map[string]map[string]string `json:"profiles" yaml:"profiles" toml:"profiles"`
}

// LoadProfiles reads a profiles document. The format follows the file
// extension: .json, .yaml/.yml or .toml.
func LoadProfiles(path string) (HeaderProfiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapConfigError(err, "read profiles %s", path)
	}
	profiles, err := ParseProfiles(data, formatOf(path))
	if err != nil {
		return nil, errors.Wrapf(err, "profiles %s", path)
	}
	return profiles, nil
}

// ParseProfiles decodes a profiles document in the given format.
func ParseProfiles(data []byte, format string) (HeaderProfiles, error) {
	var doc profilesDocument
	if err := decode(data, format, &doc); err != nil {
		return nil, err
	}

	profiles := make(HeaderProfiles, len(doc.Profiles))
	for key, headers := range doc.Profiles {
		index, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || index < 0 {
			return nil, newConfigError("profile key %q is not a non-negative integer", key)
		}
		if headers == nil {
			headers = map[string]string{}
		}
		profiles[index] = headers
	}
	return profiles, nil
}

// Headers returns the header set for index.
func (p HeaderProfiles) Headers(index int) (http.Header, error) {
	hdr := http.Header{}
	headers, ok := p[index]
	if !ok {
		if index == 0 {
			return hdr, nil
		}
		err := newConfigError("config index %d is not defined", index)
		return nil, errors.WithHintf(err, "known indices: %v", p.Indices())
	}
	for k, v := range headers {
		hdr.Set(k, v)
	}
	return hdr, nil
}

// Indices lists the configured indices in ascending order.
func (p HeaderProfiles) Indices() []int {
	out := make([]int, 0, len(p))
	for index := range p {
		out = append(out, index)
	}
	sort.Ints(out)
	return out
}

// CheckSpecs validates every spec before a run starts: URL and source must be
// set and the referenced profile must exist.
func (p HeaderProfiles) CheckSpecs(specs []models.RequestSpec) error {
	if len(specs) == 0 {
		return newConfigError("no requests given")
	}
	for i, spec := range specs {
		if strings.TrimSpace(spec.URL) == "" {
			return newConfigError("request %d has an empty url", i)
		}
		if strings.TrimSpace(spec.Source) == "" {
			return newConfigError("request %d (%s) has an empty source", i, spec.URL)
		}
		if _, err := p.Headers(spec.ConfigIndex); err != nil {
			return errors.Wrapf(err, "request %d (%s)", i, spec.URL)
		}
	}
	return nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

func decode(data []byte, format string, v interface{}) error {
	var err error
	switch format {
	case "yaml":
		err = yaml.Unmarshal(data, v)
	case "toml":
		_, err = toml.NewDecoder(bytes.NewReader(data)).Decode(v)
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(v)
	default:
		return newConfigError("unsupported document format %q", format)
	}
	if err != nil {
		return wrapConfigError(err, "decode %s", format)
	}
	return nil
}
