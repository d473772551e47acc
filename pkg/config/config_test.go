package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(lookupFrom(map[string]string{
		"DATACHAT_ADDR":           ":9090",
		"DATACHAT_TOOL":           "sql",
		"GEMINI_API_KEY":          "secret-key",
		"DATACHAT_MAX_ITERATIONS": "5",
		"DATACHAT_SESSION_IDLE":   "10m",
		"DATACHAT_MODEL":          "",
	}))
	if err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.Tool != "sql" || cfg.GeminiAPIKey != "secret-key" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.MaxIterations != 5 || cfg.SessionIdle != 10*time.Minute {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Model != "gemini-2.0-flash" {
		t.Errorf("empty env value should keep default, got %q", cfg.Model)
	}
}

func TestApplyEnvInvalid(t *testing.T) {
	cfg := Default()
	if err := cfg.applyEnv(lookupFrom(map[string]string{"DATACHAT_MAX_ITERATIONS": "many"})); err == nil {
		t.Error("expected error for bad integer")
	}
	if err := cfg.applyEnv(lookupFrom(map[string]string{"DATACHAT_SESSION_IDLE": "soon"})); err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datachat.yaml")
	yaml := "provider: tgi\ntgi_url: http://tgi:80\ntool: sql\nmax_iterations: 3\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		t.Fatalf("loadFile: %v", err)
	}
	if cfg.Provider != "tgi" || cfg.TGIURL != "http://tgi:80" || cfg.Tool != "sql" || cfg.MaxIterations != 3 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("unset keys should keep defaults, got addr %q", cfg.Addr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"gemini without key", func(c *Config) {}, false},
		{"gemini with key", func(c *Config) { c.GeminiAPIKey = "k" }, true},
		{"tgi", func(c *Config) { c.Provider = "tgi" }, true},
		{"unknown provider", func(c *Config) { c.Provider = "other" }, false},
		{"unknown tool", func(c *Config) { c.GeminiAPIKey = "k"; c.Tool = "shell" }, false},
		{"zero iterations", func(c *Config) { c.GeminiAPIKey = "k"; c.MaxIterations = 0 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != tc.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestLogValueRedactsKey(t *testing.T) {
	cfg := Default()
	cfg.GeminiAPIKey = "AIzaSecretValue9876"
	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("config", "config", cfg)
	out := buf.String()
	if strings.Contains(out, "AIzaSecretValue") || !strings.Contains(out, "****9876") {
		t.Errorf("log output = %q", out)
	}
}
