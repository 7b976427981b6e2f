package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/vantle/stepflow/internal/steps"
)

// Config holds all stepflow CLI configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	RunsDir     string           `json:"runs_dir"`
	DefsDir     string           `json:"defs_dir"`
	DBPath      string           `json:"db_path"`
	LogLevel    string           `json:"log_level"`
	LogFormat   string           `json:"log_format"`
	PoolSize    int              `json:"pool_size"`
	TickSeconds int              `json:"tick_seconds"`
	Policy      steps.PathPolicy `json:"policy"`
}

func defaultConfig() Config {
	home := stepflowDir()
	return Config{
		RunsDir:     filepath.Join(home, "runs"),
		DefsDir:     filepath.Join(home, "pipelines"),
		DBPath:      filepath.Join(home, "stepflow.db"),
		LogLevel:    "info",
		LogFormat:   "text",
		PoolSize:    4,
		TickSeconds: 60,
	}
}

// stepflowDir resolves the state directory: --home flag, then
// $STEPFLOW_HOME, then ~/.stepflow.
func stepflowDir() string {
	if flagHome != "" {
		return flagHome
	}
	if v := os.Getenv("STEPFLOW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STEPFLOW_RUNS_DIR"); v != "" {
		cfg.RunsDir = v
	}
	if v := os.Getenv("STEPFLOW_DEFS_DIR"); v != "" {
		cfg.DefsDir = v
	}
	if v := os.Getenv("STEPFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEPFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("STEPFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("STEPFLOW_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TickSeconds = n
		}
	}

	return cfg
}
