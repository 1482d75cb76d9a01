package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all flowscript CLI configuration.
// Priority: env vars > settings.yaml > defaults.
type Config struct {
	Store         string `yaml:"store"`
	DBPath        string `yaml:"db_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	MetricsAddr   string `yaml:"metrics_addr"`
}

const (
	storeLibSQL = "libsql"
	storeRedis  = "redis"
)

func defaultConfig() Config {
	return Config{
		Store:       storeLibSQL,
		DBPath:      filepath.Join(flowscriptDir(), "flowscript.db"),
		RedisAddr:   "localhost:6379",
		RedisPrefix: "flowscript:",
		LogLevel:    "warn",
		LogFormat:   "console",
	}
}

func flowscriptDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowscript"
	}
	return filepath.Join(home, ".flowscript")
}

func settingsPath() string {
	return filepath.Join(flowscriptDir(), "settings.yaml")
}

func loadConfig() (Config, error) {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

// loadConfigFrom layers the settings file at path (ignored if missing) and
// the FLOWSCRIPT_* variables returned by getenv over the defaults.
func loadConfigFrom(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if v := getenv("FLOWSCRIPT_STORE"); v != "" {
		cfg.Store = v
	}
	if v := getenv("FLOWSCRIPT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("FLOWSCRIPT_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := getenv("FLOWSCRIPT_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := getenv("FLOWSCRIPT_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("FLOWSCRIPT_REDIS_DB: %w", err)
		}
		cfg.RedisDB = n
	}
	if v := getenv("FLOWSCRIPT_REDIS_PREFIX"); v != "" {
		cfg.RedisPrefix = v
	}
	if v := getenv("FLOWSCRIPT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("FLOWSCRIPT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("FLOWSCRIPT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	if cfg.Store != storeLibSQL && cfg.Store != storeRedis {
		return cfg, fmt.Errorf("unknown store %q: expected %s or %s", cfg.Store, storeLibSQL, storeRedis)
	}
	return cfg, nil
}

// dsn returns the libsql connection string for DBPath.
func (c Config) dsn() string {
	if filepath.IsAbs(c.DBPath) || !hasScheme(c.DBPath) {
		return "file:" + c.DBPath
	}
	return c.DBPath
}

func hasScheme(s string) bool {
	for i, r := range s {
		if r == ':' {
			return i > 1
		}
		if r == '/' {
			return false
		}
	}
	return false
}
