// Package config loads NoDupeLabs' runtime configuration from a YAML file,
// applying defaults and an optional catalog-backed settings overlay.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration loaded from config.yaml.
type Config struct {
	ScanPaths          []string    `yaml:"scan_paths"           json:"scan_paths"`
	ExcludePaths       []string    `yaml:"exclude_paths"        json:"exclude_paths"`
	MinSize            int64       `yaml:"min_size"             json:"min_size"`
	MaxSize            int64       `yaml:"max_size"             json:"max_size"`
	Extensions         []string    `yaml:"extensions"           json:"extensions"`
	Strategy           string      `yaml:"strategy"             json:"strategy"`
	TrashDir           string      `yaml:"trash_dir"            json:"-"`
	TrashRetentionDays int         `yaml:"trash_retention_days" json:"trash_retention_days"`
	BackupDir          string      `yaml:"backup_dir"           json:"-"`
	BackupKeepCount    int         `yaml:"backup_keep_count"    json:"backup_keep_count"`
	DBPath             string      `yaml:"db_path"              json:"-"`
	AuditTextPath      string      `yaml:"audit_text_path"      json:"-"`
	AuditJSONPath      string      `yaml:"audit_json_path"      json:"-"`
	ScanWorkers        ScanWorkers `yaml:"scan_workers"         json:"scan_workers"`
	LogLevel           string      `yaml:"log_level"            json:"-"`
}

// ScanWorkers holds concurrency knobs for the scan pipeline.
type ScanWorkers struct {
	Walkers        int `yaml:"walkers"         json:"walkers"`
	CacheCheckers  int `yaml:"cache_checkers"  json:"cache_checkers"`
	PartialHashers int `yaml:"partial_hashers" json:"partial_hashers"`
	FullHashers    int `yaml:"full_hashers"    json:"full_hashers"`
	BatchSize      int `yaml:"batch_size"      json:"batch_size"`
}

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.TrashDir == "" {
		c.TrashDir = ".nodupe-trash"
	}
	if c.TrashRetentionDays == 0 {
		c.TrashRetentionDays = 30
	}
	if c.BackupDir == "" {
		c.BackupDir = ".nodupe-backups"
	}
	if c.BackupKeepCount == 0 {
		c.BackupKeepCount = 10
	}
	if c.DBPath == "" {
		c.DBPath = "nodupe.db"
	}
	if c.AuditTextPath == "" {
		c.AuditTextPath = "audit.log"
	}
	if c.AuditJSONPath == "" {
		c.AuditJSONPath = "audit.jsonl"
	}
	if c.Strategy == "" {
		c.Strategy = "newest"
	}
	if c.ScanWorkers.Walkers == 0 {
		c.ScanWorkers.Walkers = 4
	}
	if c.ScanWorkers.CacheCheckers == 0 {
		c.ScanWorkers.CacheCheckers = 4
	}
	if c.ScanWorkers.PartialHashers == 0 {
		c.ScanWorkers.PartialHashers = 4
	}
	if c.ScanWorkers.FullHashers == 0 {
		c.ScanWorkers.FullHashers = 2
	}
	if c.ScanWorkers.BatchSize == 0 {
		c.ScanWorkers.BatchSize = 512
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Load reads and parses the YAML config file at path.
// If the file does not exist, Load returns a default Config so commands can
// run against bare roots without a mounted config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		var cfg Config
		cfg.applyDefaults()
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// MergeDBSettings overlays settings stored in the catalog's settings table
// on top of the config. Keys recognised: "scan_paths", "exclude_paths",
// "strategy", "trash_retention_days", "walkers", "cache_checkers",
// "partial_hashers", "full_hashers". Unknown keys and parse errors are
// silently ignored.
func MergeDBSettings(cfg *Config, settings map[string]string) {
	if v, ok := settings["scan_paths"]; ok && v != "" {
		var paths []string
		if err := json.Unmarshal([]byte(v), &paths); err == nil {
			cfg.ScanPaths = paths
		}
	}
	if v, ok := settings["exclude_paths"]; ok && v != "" {
		var paths []string
		if err := json.Unmarshal([]byte(v), &paths); err == nil {
			cfg.ExcludePaths = paths
		}
	}
	if v, ok := settings["strategy"]; ok && v != "" {
		cfg.Strategy = v
	}
	if v, ok := settings["trash_retention_days"]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TrashRetentionDays = n
		}
	}
	if v, ok := settings["walkers"]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScanWorkers.Walkers = n
		}
	}
	if v, ok := settings["cache_checkers"]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScanWorkers.CacheCheckers = n
		}
	}
	if v, ok := settings["partial_hashers"]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScanWorkers.PartialHashers = n
		}
	}
	if v, ok := settings["full_hashers"]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScanWorkers.FullHashers = n
		}
	}
}
