package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/nstogner/datachat/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Config holds the application settings.
type Config struct {
	Addr          string        `yaml:"addr"`
	Provider      string        `yaml:"provider"`
	Model         string        `yaml:"model"`
	GeminiAPIKey  string        `yaml:"-"`
	TGIURL        string        `yaml:"tgi_url"`
	Tool          string        `yaml:"tool"`
	SandboxImage  string        `yaml:"sandbox_image"`
	OutputDir     string        `yaml:"output_dir"`
	MaxIterations int           `yaml:"max_iterations"`
	SessionIdle   time.Duration `yaml:"session_idle"`
	LogLevel      string        `yaml:"log_level"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Addr:          ":8080",
		Provider:      "gemini",
		Model:         "gemini-2.0-flash",
		TGIURL:        "http://localhost:8010",
		Tool:          "sandbox",
		SandboxImage:  "datachat-sandbox:latest",
		OutputDir:     "resources/outputs",
		MaxIterations: 15,
		SessionIdle:   30 * time.Minute,
		LogLevel:      "INFO",
	}
}

// Load reads .env (if present), then the YAML file named by DATACHAT_CONFIG
// (if set), then environment variables. Later sources win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("DATACHAT_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DATACHAT_ADDR":          &c.Addr,
		"DATACHAT_PROVIDER":      &c.Provider,
		"DATACHAT_MODEL":         &c.Model,
		"GEMINI_API_KEY":         &c.GeminiAPIKey,
		"TGI_URL":                &c.TGIURL,
		"DATACHAT_TOOL":          &c.Tool,
		"DATACHAT_SANDBOX_IMAGE": &c.SandboxImage,
		"DATACHAT_OUTPUT_DIR":    &c.OutputDir,
		"LOG_LEVEL":              &c.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("DATACHAT_MAX_ITERATIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DATACHAT_MAX_ITERATIONS: %w", err)
		}
		c.MaxIterations = n
	}
	if v, ok := lookup("DATACHAT_SESSION_IDLE"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DATACHAT_SESSION_IDLE: %w", err)
		}
		c.SessionIdle = d
	}
	return nil
}

// Validate checks that the settings are usable.
func (c Config) Validate() error {
	switch c.Provider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY environment variable not set")
		}
	case "tgi":
		if c.TGIURL == "" {
			return errors.New("TGI_URL must be set for the tgi provider")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.Tool != "sandbox" && c.Tool != "sql" {
		return fmt.Errorf("unknown tool %q", c.Tool)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive, got %d", c.MaxIterations)
	}
	return nil
}

// LogValue logs the settings with secrets masked.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", c.Addr),
		slog.String("provider", c.Provider),
		slog.String("model", c.Model),
		slog.String("geminiAPIKey", logging.RedactValue(c.GeminiAPIKey)),
		slog.String("tgiURL", c.TGIURL),
		slog.String("tool", c.Tool),
		slog.String("sandboxImage", c.SandboxImage),
		slog.String("outputDir", c.OutputDir),
		slog.Int("maxIterations", c.MaxIterations),
		slog.Duration("sessionIdle", c.SessionIdle),
		slog.String("logLevel", c.LogLevel),
	)
}
