// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads coordinator settings from an optional YAML file,
// a .env file, and the environment. Environment variables win over the
// file so deployments can override without editing it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full coordinator configuration.
type Config struct {
	DBPath       string   `yaml:"db_path"`
	SessionID    string   `yaml:"session_id"`
	InstanceID   string   `yaml:"instance_id"`
	Port         int      `yaml:"port"`
	SCBEURL      string   `yaml:"scbe_url"`
	RedisURL     string   `yaml:"redis_url"`
	WSSecret     string   `yaml:"ws_secret"`
	HoneypotURL  string   `yaml:"honeypot_url"`
	RateLimit    int      `yaml:"rate_limit_per_minute"`
	WorkflowDir  string   `yaml:"workflow_dir"`
	Blocklist    []string `yaml:"blocklist"`
	Trustlist    []string `yaml:"trustlist"`
	Tongues      []string `yaml:"tongues"`
	LedgerSecret string   `yaml:"ledger_secret"`
}

// Load reads path (if non-empty and present), applies .env, then applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	// Missing .env is fine; a present-but-broken one is not.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		if _, statErr := os.Stat(".env"); statErr == nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	cfg := &Config{
		Port:      7700,
		RateLimit: 120,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HYDRA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("HYDRA_SESSION_ID"); v != "" {
		cfg.SessionID = v
	}
	if v := os.Getenv("HYDRA_INSTANCE_ID"); v != "" {
		cfg.InstanceID = v
	}
	if v := os.Getenv("SCBE_URL"); v != "" {
		cfg.SCBEURL = v
	}
	if v := os.Getenv("HYDRA_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("HYDRA_WS_SECRET"); v != "" {
		cfg.WSSecret = v
	}
	if v := os.Getenv("HYDRA_LEDGER_SECRET"); v != "" {
		cfg.LedgerSecret = v
	}
	if v := os.Getenv("HYDRA_WORKFLOW_DIR"); v != "" {
		cfg.WorkflowDir = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("HYDRA_RATE_LIMIT"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit = limit
		}
	}
}

func applyDefaults(cfg *Config) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(home, ".hydra", "ledger.db")
	}
	if cfg.WorkflowDir == "" {
		cfg.WorkflowDir = filepath.Join(home, ".hydra", "workflows")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID, _ = os.Hostname()
	}
}
