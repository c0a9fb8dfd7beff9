package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all gridflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath           string `json:"db_path"`
	LogLevel         string `json:"log_level"`
	PoolSize         int    `json:"pool_size"`
	SweepIntervalSec int    `json:"sweep_interval_sec"`
	Autonomy         string `json:"autonomy"`
	RiskThreshold    string `json:"risk_threshold"`
	HTTPAddr         string `json:"http_addr"`
	SecretsPath      string `json:"secrets_path"`

	// VaultPassphrase unlocks the secrets vault. Env only; an empty
	// passphrase leaves the vault (and signed webhooks) disabled.
	VaultPassphrase string `json:"-"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(gridflowDir(), "gridflow.db"),
		LogLevel:         "info",
		PoolSize:         10,
		SweepIntervalSec: 60,
		Autonomy:         "semi_autonomous",
		RiskThreshold:    "high",
		HTTPAddr:         "127.0.0.1:7070",
		SecretsPath:      filepath.Join(gridflowDir(), "secrets.json"),
	}
}

func gridflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gridflow"
	}
	return filepath.Join(home, ".gridflow")
}

func settingsPath() string {
	return filepath.Join(gridflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("GRIDFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GRIDFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GRIDFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("GRIDFLOW_SWEEP_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepIntervalSec = n
		}
	}
	if v := os.Getenv("GRIDFLOW_AUTONOMY"); v != "" {
		cfg.Autonomy = v
	}
	if v := os.Getenv("GRIDFLOW_RISK_THRESHOLD"); v != "" {
		cfg.RiskThreshold = v
	}
	if v := os.Getenv("GRIDFLOW_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("GRIDFLOW_SECRETS_PATH"); v != "" {
		cfg.SecretsPath = v
	}
	cfg.VaultPassphrase = os.Getenv("GRIDFLOW_VAULT_PASSPHRASE")

	return cfg
}
