package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the read-only surface of the settings collaborator. Everything
// is environment-driven; this service never writes settings back.
type Config struct {
	ListenAddr  string   `envconfig:"NFGRAB_LISTEN_ADDR" default:":8080"`
	CORSOrigins []string `envconfig:"NFGRAB_CORS_ORIGINS" default:"*"`
	LogLevel    string   `envconfig:"NFGRAB_LOG_LEVEL" default:"info"`
	DBPath      string   `envconfig:"NFGRAB_DB_PATH" default:"nfgrab.db"`

	// Downloads
	DownloadsBasePath string `envconfig:"NFGRAB_DOWNLOADS_PATH" default:"./downloads"`
	MinArtifactBytes  int64  `envconfig:"NFGRAB_MIN_ARTIFACT_BYTES" default:"16"`

	// Automation engine sidecar and per-company credential files.
	EngineURL       string `envconfig:"NFGRAB_ENGINE_URL" default:"http://127.0.0.1:9333"`
	CredentialsPath string `envconfig:"NFGRAB_CREDENTIALS_PATH" default:"./credentials"`

	// Execution
	Headless          bool          `envconfig:"NFGRAB_HEADLESS" default:"true"`
	CompanyTimeout    time.Duration `envconfig:"NFGRAB_COMPANY_TIMEOUT" default:"5m"`
	OpTimeout         time.Duration `envconfig:"NFGRAB_OP_TIMEOUT" default:"30s"`
	MaxRetriesPerStep int           `envconfig:"NFGRAB_MAX_RETRIES_PER_STEP" default:"3"`
	MinActionDelay    time.Duration `envconfig:"NFGRAB_MIN_ACTION_DELAY" default:"300ms"`

	// Browsers / concurrency
	MaxConcurrentBrowsers     int           `envconfig:"NFGRAB_MAX_CONCURRENT_BROWSERS" default:"5"`
	DefaultConcurrentBrowsers int           `envconfig:"NFGRAB_DEFAULT_CONCURRENT_BROWSERS" default:"3"`
	BrowserLaunchStagger      time.Duration `envconfig:"NFGRAB_BROWSER_LAUNCH_STAGGER" default:"1s"`
	ViewportPreset            string        `envconfig:"NFGRAB_VIEWPORT_PRESET" default:"FULLHD"`
	ViewportWidth             int           `envconfig:"NFGRAB_VIEWPORT_WIDTH" default:"0"`
	ViewportHeight            int           `envconfig:"NFGRAB_VIEWPORT_HEIGHT" default:"0"`

	// Queue / retention
	QueueSize       int           `envconfig:"NFGRAB_QUEUE_SIZE" default:"100"`
	LogRetention    time.Duration `envconfig:"NFGRAB_LOG_RETENTION" default:"24h"`
	CleanupInterval time.Duration `envconfig:"NFGRAB_CLEANUP_INTERVAL" default:"10m"`

	// Optional webhook notified when a run reaches a terminal state.
	CallbackURL string `envconfig:"NFGRAB_CALLBACK_URL" default:""`

	// Submissions per second allowed per client IP; 0 disables limiting.
	SubmitRateLimit int `envconfig:"NFGRAB_SUBMIT_RATE_LIMIT" default:"2"`
}

var presets = map[string][2]int{
	"HD":     {1280, 720},
	"FULLHD": {1920, 1080},
	"QHD":    {2560, 1440},
}

// Load reads and validates the environment.
func Load() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}

	if cfg.DefaultConcurrentBrowsers < 1 {
		return nil, fmt.Errorf("NFGRAB_DEFAULT_CONCURRENT_BROWSERS must be >= 1")
	}
	if cfg.DefaultConcurrentBrowsers > cfg.MaxConcurrentBrowsers {
		return nil, fmt.Errorf("NFGRAB_DEFAULT_CONCURRENT_BROWSERS (%d) exceeds NFGRAB_MAX_CONCURRENT_BROWSERS (%d)",
			cfg.DefaultConcurrentBrowsers, cfg.MaxConcurrentBrowsers)
	}
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("NFGRAB_QUEUE_SIZE must be >= 1")
	}
	if _, _, err := cfg.Viewport(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Viewport resolves the preset (or CUSTOM dimensions) to pixels.
func (c *Config) Viewport() (width, height int, err error) {
	if dims, ok := presets[c.ViewportPreset]; ok {
		return dims[0], dims[1], nil
	}
	if c.ViewportPreset == "CUSTOM" {
		if c.ViewportWidth < 1 || c.ViewportHeight < 1 {
			return 0, 0, fmt.Errorf("NFGRAB_VIEWPORT_PRESET=CUSTOM requires NFGRAB_VIEWPORT_WIDTH and NFGRAB_VIEWPORT_HEIGHT")
		}
		return c.ViewportWidth, c.ViewportHeight, nil
	}
	return 0, 0, fmt.Errorf("NFGRAB_VIEWPORT_PRESET %q must be one of: HD, FULLHD, QHD, CUSTOM", c.ViewportPreset)
}

// Workers is the size of the browser worker pool.
func (c *Config) Workers() int {
	return c.DefaultConcurrentBrowsers
}
