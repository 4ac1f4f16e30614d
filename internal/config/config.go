package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dropout-advisor/internal/llm"
)

// Config holds application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Classifier ClassifierConfig `yaml:"classifier"`

	// Multiple providers configuration, tried in order
	Providers []llm.ProviderConfig `yaml:"providers"`

	// Single provider shorthand used when providers is empty
	Gemini struct {
		APIKey     string `yaml:"api_key"`
		ModelName  string `yaml:"model_name"`
		MaxRetries int    `yaml:"max_retries"`
	} `yaml:"gemini"`

	MaxFailuresBeforeSwitch int `yaml:"max_failures_before_switch"`

	Advisory AdvisoryConfig `yaml:"advisory"`
	Batch    BatchConfig    `yaml:"batch"`
	Tracing  TracingConfig  `yaml:"tracing"`
	UI       UIConfig       `yaml:"ui"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	Mode            string        `yaml:"mode"` // gin mode: debug, release, test
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RequestTimeout bounds one prediction request, batches included.
	// It must end before WriteTimeout so the client still gets a readable answer.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxUploadMB     int64         `yaml:"max_upload_mb"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // console or json
	Development bool   `yaml:"development"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
}

type ClassifierConfig struct {
	Type         string        `yaml:"type"` // artifact or remote
	ArtifactPath string        `yaml:"artifact_path"`
	RemoteURL    string        `yaml:"remote_url"`
	Timeout      time.Duration `yaml:"timeout"`
}

type AdvisoryConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Cache   CacheConfig   `yaml:"cache"`
}

type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"` // sqlite or postgres
	DSN     string        `yaml:"dsn"`
	TTL     time.Duration `yaml:"ttl"`
}

type BatchConfig struct {
	MaxRows         int    `yaml:"max_rows"`
	AdvisoryWorkers int    `yaml:"advisory_workers"`
	SamplePath      string `yaml:"sample_path"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type UIConfig struct {
	Title               string `yaml:"title"`
	CGPACalculatorURL   string `yaml:"cgpa_calculator_url"`
	SampleRows          int    `yaml:"sample_rows"`
	ShowProviderDetails bool   `yaml:"show_provider_details"`
}

// LoadConfig loads configuration from a YAML file and DROPOUT_* environment overrides.
// An empty path falls back to DROPOUT_CONFIG, then to defaults only.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = os.Getenv("DROPOUT_CONFIG")
	}

	config := &Config{}

	if configPath != "" {
		file, err := os.Open(configPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", configPath, err)
			}
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	// Expand environment variables in provider API keys
	for i := range config.Providers {
		config.Providers[i].APIKey = os.ExpandEnv(config.Providers[i].APIKey)
	}
	config.Gemini.APIKey = os.ExpandEnv(config.Gemini.APIKey)
	config.Advisory.Cache.DSN = os.ExpandEnv(config.Advisory.Cache.DSN)

	applyEnvOverrides(config)
	config.setDefaults()

	return config, nil
}

func (c *Config) setDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	// batches wait on one advisory call per row
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Minute
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = c.Server.WriteTimeout - c.Server.WriteTimeout/10
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = 10
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 30
	}

	if c.Classifier.Type == "" {
		c.Classifier.Type = "artifact"
	}
	if c.Classifier.ArtifactPath == "" {
		c.Classifier.ArtifactPath = "models/dropout_model.json"
	}
	if c.Classifier.Timeout == 0 {
		c.Classifier.Timeout = 10 * time.Second
	}

	if c.Gemini.ModelName == "" {
		c.Gemini.ModelName = "gemini-1.5-pro"
	}
	if c.Gemini.MaxRetries == 0 {
		c.Gemini.MaxRetries = 3
	}
	if c.MaxFailuresBeforeSwitch == 0 {
		c.MaxFailuresBeforeSwitch = 3
	}

	if c.Advisory.Timeout == 0 {
		c.Advisory.Timeout = 30 * time.Second
	}
	if c.Advisory.Cache.Driver == "" {
		c.Advisory.Cache.Driver = "sqlite"
	}
	if c.Advisory.Cache.DSN == "" && c.Advisory.Cache.Driver == "sqlite" {
		c.Advisory.Cache.DSN = "./data/advisory_cache.db"
	}
	if c.Advisory.Cache.TTL == 0 {
		c.Advisory.Cache.TTL = 7 * 24 * time.Hour
	}

	if c.Batch.MaxRows == 0 {
		c.Batch.MaxRows = 500
	}
	if c.Batch.AdvisoryWorkers == 0 {
		c.Batch.AdvisoryWorkers = 4
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "dropout-advisor"
	}
	if c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = "localhost:4317"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}

	if c.UI.Title == "" {
		c.UI.Title = "School Dropout Predictor with AI Copilot"
	}
	if c.UI.CGPACalculatorURL == "" {
		c.UI.CGPACalculatorURL = "https://www.schooltry.com.ng/2023/10/how-to-calculate-your-cgpa-in.html"
	}
	if c.UI.SampleRows == 0 {
		c.UI.SampleRows = 5
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DROPOUT_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DROPOUT_GIN_MODE"); v != "" {
		cfg.Server.Mode = v
	}
	if v := os.Getenv("DROPOUT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DROPOUT_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("DROPOUT_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("DROPOUT_CLASSIFIER_TYPE"); v != "" {
		cfg.Classifier.Type = v
	}
	if v := os.Getenv("DROPOUT_MODEL_PATH"); v != "" {
		cfg.Classifier.ArtifactPath = v
	}
	if v := os.Getenv("DROPOUT_CLASSIFIER_URL"); v != "" {
		cfg.Classifier.RemoteURL = v
	}
	if v := os.Getenv("DROPOUT_GEMINI_API_KEY"); v != "" {
		cfg.Gemini.APIKey = v
		for i := range cfg.Providers {
			if cfg.Providers[i].Type == llm.ProviderGemini {
				cfg.Providers[i].APIKey = v
			}
		}
	}
	if v := os.Getenv("DROPOUT_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.RequestTimeout = d
		}
	}
	if v := os.Getenv("DROPOUT_ADVISORY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Advisory.Timeout = d
		}
	}
	if v := os.Getenv("DROPOUT_CACHE_ENABLED"); v != "" {
		cfg.Advisory.Cache.Enabled = isTrue(v)
	}
	if v := os.Getenv("DROPOUT_CACHE_DRIVER"); v != "" {
		cfg.Advisory.Cache.Driver = v
	}
	if v := os.Getenv("DROPOUT_CACHE_DSN"); v != "" {
		cfg.Advisory.Cache.DSN = v
	}
	if v := os.Getenv("DROPOUT_BATCH_MAX_ROWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.MaxRows = n
		}
	}
	if v := os.Getenv("DROPOUT_BATCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.AdvisoryWorkers = n
		}
	}
	if v := os.Getenv("DROPOUT_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = isTrue(v)
	}
	if v := os.Getenv("DROPOUT_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

func isTrue(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

// AdvisoryProviders returns the provider chain, falling back to the gemini section
func (c *Config) AdvisoryProviders() []llm.ProviderConfig {
	if len(c.Providers) > 0 {
		return c.Providers
	}
	return []llm.ProviderConfig{{
		Type:       llm.ProviderGemini,
		APIKey:     c.Gemini.APIKey,
		ModelName:  c.Gemini.ModelName,
		MaxRetries: c.Gemini.MaxRetries,
	}}
}

// AdvisedRowsPerRequest estimates how many rows of one batch can get advice
// before server.request_timeout, at the pace of the slowest configured provider.
// Rows past that point are still scored and carry a timeout message instead of advice.
func (c *Config) AdvisedRowsPerRequest() int {
	rpm := 0
	for _, p := range c.AdvisoryProviders() {
		n := p.RequestsPerMinute
		if n <= 0 {
			n = llm.DefaultRequestsPerMinute
		}
		if rpm == 0 || n < rpm {
			rpm = n
		}
	}
	return rpm + int(float64(rpm)*c.Server.RequestTimeout.Minutes())
}

// Validate reports configuration the service cannot start with
func (c *Config) Validate() error {
	var problems []string

	usable := 0
	for _, p := range c.AdvisoryProviders() {
		if strings.TrimSpace(p.APIKey) != "" {
			usable++
		}
	}
	if usable == 0 {
		problems = append(problems, "no advisory provider has an API key (set GEMINI_API_KEY or DROPOUT_GEMINI_API_KEY)")
	}

	switch c.Classifier.Type {
	case "artifact":
	case "remote":
		if c.Classifier.RemoteURL == "" {
			problems = append(problems, "classifier.remote_url is required for the remote classifier")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown classifier.type %q", c.Classifier.Type))
	}

	if c.Server.RequestTimeout <= 0 || c.Server.RequestTimeout >= c.Server.WriteTimeout {
		problems = append(problems, fmt.Sprintf("server.request_timeout (%s) must be positive and shorter than server.write_timeout (%s)",
			c.Server.RequestTimeout, c.Server.WriteTimeout))
	}

	if c.Batch.MaxRows < 1 {
		problems = append(problems, "batch.max_rows must be positive")
	}
	if c.Batch.AdvisoryWorkers < 1 {
		problems = append(problems, "batch.advisory_workers must be positive")
	}

	if c.Advisory.Cache.Enabled {
		switch c.Advisory.Cache.Driver {
		case "sqlite", "postgres":
		default:
			problems = append(problems, fmt.Sprintf("unknown advisory.cache.driver %q", c.Advisory.Cache.Driver))
		}
		if c.Advisory.Cache.DSN == "" {
			problems = append(problems, "advisory.cache.dsn is required when the cache is enabled")
		}
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
