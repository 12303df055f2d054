// Package config loads application configuration from a TOML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration with TOML text unmarshaling so config
// files can say "60s" or "5m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root application configuration.
type Config struct {
	Server   Server   `toml:"server"`
	Database Database `toml:"database"`
	LLM      LLM      `toml:"llm"`
	Executor Executor `toml:"executor"`
	Data     Data     `toml:"data"`
	Report   Report   `toml:"report"`
	Log      Log      `toml:"log"`
}

// Server configures the HTTP API.
type Server struct {
	// Addr is the listen address, host:port.
	Addr string `toml:"addr"`

	// Workers bounds the number of workflow runs executing concurrently.
	Workers int `toml:"workers"`

	// RequestTimeout applies to non-streaming API handlers.
	RequestTimeout Duration `toml:"request_timeout"`
}

// Database configures SQLite persistence.
type Database struct {
	// DSN is the SQLite data source name, e.g. "file:algotest.db".
	DSN string `toml:"dsn"`
}

// LLM configures the model gateway.
type LLM struct {
	// APIKey is the zhipu credential in "id.secret" form.
	APIKey string `toml:"api_key"`

	// BaseURL is the chat completions endpoint.
	BaseURL string `toml:"base_url"`

	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`

	// RetryCount is the number of attempts per call.
	RetryCount int `toml:"retry_count"`

	// RetryDelay is the initial backoff; each retry multiplies it by
	// RetryBackoff.
	RetryDelay   Duration `toml:"retry_delay"`
	RetryBackoff float64  `toml:"retry_backoff"`

	// Timeout is the per-request deadline. On a timeout the next attempt
	// escalates the deadline by 1.5x.
	Timeout Duration `toml:"timeout"`
}

// Executor configures the sandbox controller transport.
type Executor struct {
	// SSEURL is the event stream endpoint of the command executor,
	// e.g. "http://172.16.100.108:2800/sse".
	SSEURL string `toml:"sse_url"`

	// CallTimeout bounds a single tool invocation.
	CallTimeout Duration `toml:"call_timeout"`
}

// Data configures on-disk artifact locations.
type Data struct {
	// Dir is the root for uploaded documents, label snapshots, and
	// generated reports.
	Dir string `toml:"dir"`
}

// Report configures the basic-info block of generated spreadsheets.
// Both fields are free-form text placeholders.
type Report struct {
	SDKVersion string `toml:"sdk_version"`
	Operator   string `toml:"operator"`
}

// Log configures application logging.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`

	// JSON switches the handler from text to JSON output.
	JSON bool `toml:"json"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Server: Server{
			Addr:           ":8000",
			Workers:        4,
			RequestTimeout: Duration(60 * time.Second),
		},
		Database: Database{
			DSN: "file:algotest.db",
		},
		LLM: LLM{
			BaseURL:      "https://open.bigmodel.cn/api/paas/v4/chat/completions",
			Model:        "glm-4-flash",
			Temperature:  0.7,
			MaxTokens:    6000,
			RetryCount:   3,
			RetryDelay:   Duration(5 * time.Second),
			RetryBackoff: 2.0,
			Timeout:      Duration(60 * time.Second),
		},
		Executor: Executor{
			SSEURL:      "http://127.0.0.1:2800/sse",
			CallTimeout: Duration(5 * time.Minute),
		},
		Data: Data{
			Dir: "data",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads configuration from the TOML file at path, layered on top of
// defaults, then applies ALGOTEST_* environment overrides. An empty path
// skips the file entirely.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from the process environment.
// Only the operationally interesting knobs are exposed this way.
func applyEnv(cfg *Config) {
	envString("ALGOTEST_SERVER_ADDR", &cfg.Server.Addr)
	envInt("ALGOTEST_SERVER_WORKERS", &cfg.Server.Workers)
	envString("ALGOTEST_DB_DSN", &cfg.Database.DSN)
	envString("ALGOTEST_LLM_API_KEY", &cfg.LLM.APIKey)
	envString("ALGOTEST_LLM_BASE_URL", &cfg.LLM.BaseURL)
	envString("ALGOTEST_LLM_MODEL", &cfg.LLM.Model)
	envInt("ALGOTEST_LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)
	envString("ALGOTEST_EXECUTOR_SSE_URL", &cfg.Executor.SSEURL)
	envString("ALGOTEST_DATA_DIR", &cfg.Data.Dir)
	envString("ALGOTEST_LOG_LEVEL", &cfg.Log.Level)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c Config) validate() error {
	if c.Server.Workers < 1 {
		return fmt.Errorf("server.workers must be positive, got %d", c.Server.Workers)
	}
	if c.LLM.RetryCount < 1 {
		return fmt.Errorf("llm.retry_count must be positive, got %d", c.LLM.RetryCount)
	}
	if c.LLM.RetryBackoff < 1.0 {
		return fmt.Errorf("llm.retry_backoff must be >= 1.0, got %g", c.LLM.RetryBackoff)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	return nil
}
