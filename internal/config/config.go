package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the tabgain daemon.
type Config struct {
	// CDP connection settings
	CDPAddress    string
	CDPPort       int
	EvalTimeoutMS int

	// Control API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Logging
	LogLevel string
	LogFile  string

	// Volume store; empty keeps it in memory only
	StorePath string

	// Audio host
	AudioBackend string
	SampleRate   int
	Channels     int

	// Side files
	PresetsFile string
	StartupFile string

	// Browser launch
	LaunchBrowser bool
	ProfileDir    string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:       getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		EvalTimeoutMS:    getEnvIntOrDefault("TABGAIN_EVAL_TIMEOUT_MS", 5000),
		BindAddr:         getEnvOrDefault("TABGAIN_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:   getEnvListOrDefault("TABGAIN_PORT_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8192"}),
		PortAutoFallback: getEnvBoolOrDefault("TABGAIN_PORT_AUTO_FALLBACK", true),
		LogLevel:         strings.ToLower(getEnvOrDefault("TABGAIN_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("TABGAIN_LOG_FILE", "logs/tabgain.log"),
		StorePath:        getEnvAllowEmpty("TABGAIN_STORE_PATH", "./data/volumes.json"),
		AudioBackend:     strings.ToLower(getEnvOrDefault("TABGAIN_AUDIO_BACKEND", "auto")),
		SampleRate:       getEnvIntOrDefault("TABGAIN_SAMPLE_RATE", 48000),
		Channels:         getEnvIntOrDefault("TABGAIN_CHANNELS", 2),
		PresetsFile:      getEnvOrDefault("TABGAIN_PRESETS_FILE", "./config/presets.yaml"),
		StartupFile:      getEnvOrDefault("TABGAIN_STARTUP_FILE", "./config/startup.yaml"),
		LaunchBrowser:    getEnvBoolOrDefault("TABGAIN_LAUNCH_BROWSER", false),
		ProfileDir:       getEnvOrDefault("TABGAIN_PROFILE_DIR", "./chromium-profile"),
	}
	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	switch cfg.AudioBackend {
	case "auto", "null":
	default:
		return nil, fmt.Errorf("TABGAIN_AUDIO_BACKEND must be auto or null, got %q", cfg.AudioBackend)
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("invalid audio format: sample_rate=%d channels=%d", cfg.SampleRate, cfg.Channels)
	}
	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvAllowEmpty treats a variable that is set to "" as a real value.
func getEnvAllowEmpty(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(val)
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

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
