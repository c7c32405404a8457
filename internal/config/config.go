package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dgnsrekt/tabhost/internal/engine"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the tab host.
type Config struct {
	// CDP connection settings
	CDPAddress    string
	CDPPort       int
	LaunchBrowser bool
	Headless      bool
	ProfileDir    string

	// Control plane
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool
	LogLevel         string
	LogFile          string
	PolicyFile       string

	// Script execution
	EvalTimeoutMS     int
	InitScriptDelayMS int

	// Navigation
	NavTimeoutMS       int
	NavRedirectGraceMS int
	NavPollMS          int
	WaitURLTimeoutMS   int

	// Streaming upload
	UploadChunkBytes     int
	UploadCoalesceEvery  int
	UploadSettleMS       int
	UploadReferenceFirst bool

	// Visible window region
	WindowBounds    engine.Rect
	HeaderHeight    int
	SurfaceSettleMS int

	// Event sinks; empty disables
	EventJournalDir string
	NotifyURL       string
	NotifyTypes     []string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	bounds, err := parseRect(getEnvOrDefault("TABHOST_WINDOW_BOUNDS", "0,0,1280,800"))
	if err != nil {
		return nil, fmt.Errorf("TABHOST_WINDOW_BOUNDS: %w", err)
	}

	cfg := &Config{
		CDPAddress:           getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:              getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		LaunchBrowser:        getEnvBoolOrDefault("TABHOST_LAUNCH_BROWSER", true),
		Headless:             getEnvBoolOrDefault("TABHOST_HEADLESS", false),
		ProfileDir:           getEnvOrDefault("TABHOST_PROFILE_DIR", "./data/chromium"),
		BindAddr:             getEnvOrDefault("TABHOST_BIND_ADDR", "127.0.0.1:3000"),
		PortCandidates:       splitList(getEnvOrDefault("TABHOST_PORT_CANDIDATES", "127.0.0.1:3001,127.0.0.1:3002")),
		PortAutoFallback:     getEnvBoolOrDefault("TABHOST_PORT_AUTO_FALLBACK", false),
		LogLevel:             strings.ToLower(getEnvOrDefault("TABHOST_LOG_LEVEL", "info")),
		LogFile:              getEnvOrDefault("TABHOST_LOG_FILE", "logs/tabhost.log"),
		PolicyFile:           getEnvOrDefault("TABHOST_POLICY_FILE", "./config/policy.yaml"),
		EvalTimeoutMS:        getEnvIntOrDefault("TABHOST_EVAL_TIMEOUT_MS", 30000),
		InitScriptDelayMS:    getEnvIntOrDefault("TABHOST_INIT_SCRIPT_DELAY_MS", 100),
		NavTimeoutMS:         getEnvIntOrDefault("TABHOST_NAV_TIMEOUT_MS", 5000),
		NavRedirectGraceMS:   getEnvIntOrDefault("TABHOST_NAV_REDIRECT_GRACE_MS", 3000),
		NavPollMS:            getEnvIntOrDefault("TABHOST_NAV_POLL_MS", 1000),
		WaitURLTimeoutMS:     getEnvIntOrDefault("TABHOST_WAIT_URL_TIMEOUT_MS", 10000),
		UploadChunkBytes:     getEnvIntOrDefault("TABHOST_UPLOAD_CHUNK_BYTES", 2*1024*1024),
		UploadCoalesceEvery:  getEnvIntOrDefault("TABHOST_UPLOAD_COALESCE_EVERY", 50),
		UploadSettleMS:       getEnvIntOrDefault("TABHOST_UPLOAD_SETTLE_MS", 1000),
		UploadReferenceFirst: getEnvBoolOrDefault("TABHOST_UPLOAD_REFERENCE_FIRST", false),
		WindowBounds:         bounds,
		HeaderHeight:         getEnvIntOrDefault("TABHOST_HEADER_HEIGHT", 96),
		SurfaceSettleMS:      getEnvIntOrDefault("TABHOST_SURFACE_SETTLE_MS", 100),
		EventJournalDir:      getEnvOrDefault("TABHOST_EVENT_JOURNAL_DIR", ""),
		NotifyURL:            getEnvOrDefault("TABHOST_NOTIFY_URL", ""),
		NotifyTypes:          splitList(getEnvOrDefault("TABHOST_NOTIFY_TYPES", "tab.login_status,tab.upload_finished")),
	}

	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	if cfg.NavPollMS < 50 {
		cfg.NavPollMS = 50
	}
	if cfg.UploadChunkBytes < 1024 {
		cfg.UploadChunkBytes = 1024
	}
	if cfg.UploadCoalesceEvery < 1 {
		cfg.UploadCoalesceEvery = 1
	}
	if cfg.HeaderHeight < 0 || cfg.HeaderHeight >= cfg.WindowBounds.Height {
		return nil, fmt.Errorf("TABHOST_HEADER_HEIGHT %d out of range for window height %d", cfg.HeaderHeight, cfg.WindowBounds.Height)
	}

	return cfg, nil
}

// GetCDPURL returns the full CDP HTTP endpoint used by chromedp remote allocator.
func (c *Config) GetCDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

// Millis converts a millisecond setting to a time.Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func parseRect(s string) (engine.Rect, error) {
	parts := splitList(s)
	if len(parts) != 4 {
		return engine.Rect{}, fmt.Errorf("want left,top,width,height; got %q", s)
	}
	vals := make([]int, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return engine.Rect{}, fmt.Errorf("invalid number %q", p)
		}
		vals[i] = v
	}
	if vals[2] <= 0 || vals[3] <= 0 {
		return engine.Rect{}, fmt.Errorf("width and height must be positive")
	}
	return engine.Rect{Left: vals[0], Top: vals[1], Width: vals[2], Height: vals[3]}, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
