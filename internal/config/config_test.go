package config

import (
	"log/slog"
	"testing"
	"time"
)

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("askdb-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Pipeline.SampleLimit != 100 {
		t.Fatalf("Pipeline.SampleLimit = %d, want 100", cfg.Pipeline.SampleLimit)
	}
	if cfg.AI.Provider != "openai-compat" {
		t.Fatalf("AI.Provider = %q", cfg.AI.Provider)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load("askdb-api", mapLookup(map[string]string{
		"ASKDB_PROFILE":                       "prod",
		"ASKDB_HTTP_ADDR":                     ":9090",
		"ASKDB_MONGO_URI":                     "mongodb://db:27017",
		"ASKDB_DATABASES":                     "sales_db=postgres://db:5432/sales",
		"ASKDB_AI_TIMEOUT":                    "30s",
		"ASKDB_AI_TEMPERATURE":                "0.4",
		"ASKDB_PIPELINE_TITLE_AFTER_MESSAGES": "6",
		"ASKDB_LOG_LEVEL":                     "warn",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Address != ":9090" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Mongo.URI != "mongodb://db:27017" {
		t.Fatalf("Mongo.URI = %q", cfg.Mongo.URI)
	}
	if cfg.AI.Timeout != 30*time.Second {
		t.Fatalf("AI.Timeout = %v", cfg.AI.Timeout)
	}
	if cfg.AI.Temperature != 0.4 {
		t.Fatalf("AI.Temperature = %v", cfg.AI.Temperature)
	}
	if cfg.Pipeline.TitleAfterMessages != 6 {
		t.Fatalf("Pipeline.TitleAfterMessages = %d", cfg.Pipeline.TitleAfterMessages)
	}
	if cfg.Observability.LogLevel != slog.LevelWarn {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad profile":      {"ASKDB_PROFILE": "staging"},
		"bad duration":     {"ASKDB_AI_TIMEOUT": "soon"},
		"bad int":          {"ASKDB_PIPELINE_SAMPLE_LIMIT": "many"},
		"bad log level":    {"ASKDB_LOG_LEVEL": "verbose"},
		"bad sample limit": {"ASKDB_PIPELINE_SAMPLE_LIMIT": "0"},
	}
	for name, env := range cases {
		if _, err := Load("askdb-api", mapLookup(env)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
