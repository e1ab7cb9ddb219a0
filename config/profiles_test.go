package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aluiziolira/go-source-aggregator/models"
)

func TestParseProfilesFormats(t *testing.T) {
	tests := []struct {
		name   string
		format string
		doc    string
	}{
		{
			name:   "json",
			format: "json",
			doc:    `{"profiles": {"1": {"x-api-key": "secret"}}}`,
		},
		{
			name:   "yaml",
			format: "yaml",
			doc:    "profiles:\n  \"1\":\n    x-api-key: secret\n",
		},
		{
			name:   "toml",
			format: "toml",
			doc:    "[profiles.1]\nx-api-key = \"secret\"\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profiles, err := ParseProfiles([]byte(tt.doc), tt.format)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			hdr, err := profiles.Headers(1)
			if err != nil {
				t.Fatalf("headers: %v", err)
			}
			if got := hdr.Get("X-Api-Key"); got != "secret" {
				t.Fatalf("x-api-key = %q, want secret", got)
			}
		})
	}
}

func TestParseProfilesRejectsBadKey(t *testing.T) {
	_, err := ParseProfiles([]byte(`{"profiles": {"first": {}}}`), "json")
	if err == nil || !IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestHeadersMissingIndex(t *testing.T) {
	var profiles HeaderProfiles

	hdr, err := profiles.Headers(0)
	if err != nil || len(hdr) != 0 {
		t.Fatalf("index 0 should be the empty profile, got %v, %v", hdr, err)
	}

	_, err = profiles.Headers(3)
	if err == nil || !IsConfigError(err) {
		t.Fatalf("expected config error for missing index, got %v", err)
	}
	if models.KindOf(err) != models.KindConfig {
		t.Fatalf("kind = %q, want %q", models.KindOf(err), models.KindConfig)
	}
}

func TestCheckSpecs(t *testing.T) {
	profiles := HeaderProfiles{1: {"accept": "application/json"}}

	ok := []models.RequestSpec{
		{URL: "http://a/ok", Source: "A"},
		{URL: "http://b/ok", Source: "B", ConfigIndex: 1},
	}
	if err := profiles.CheckSpecs(ok); err != nil {
		t.Fatalf("check: %v", err)
	}

	bad := []models.RequestSpec{{URL: "http://c/ok", Source: "C", ConfigIndex: 2}}
	if err := profiles.CheckSpecs(bad); err == nil || !IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
	if err := profiles.CheckSpecs(nil); err == nil {
		t.Fatalf("expected error for empty request list")
	}
}

func TestLoadProfilesMissingFile(t *testing.T) {
	_, err := LoadProfiles(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil || !IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestLoadProfilesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yml")
	if err := os.WriteFile(path, []byte("profiles:\n  \"2\":\n    authorization: Bearer abc\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	profiles, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	hdr, err := profiles.Headers(2)
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	if !strings.HasPrefix(hdr.Get("Authorization"), "Bearer") {
		t.Fatalf("authorization = %q", hdr.Get("Authorization"))
	}
}
