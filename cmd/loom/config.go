package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/loom/internal/samples"
)

// Config holds the loom process configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath           string   `json:"db_path"`
	RedisAddr        string   `json:"redis_addr"`
	RedisPassword    string   `json:"redis_password"`
	TaskQueue        string   `json:"task_queue"`
	LogLevel         string   `json:"log_level"`
	LogFormat        string   `json:"log_format"`
	PoolSize         int      `json:"pool_size"`
	MetricsAddr      string   `json:"metrics_addr"`
	CancelTimeout    duration `json:"cancel_timeout"`
	PollTimeout      duration `json:"poll_timeout"`
	PipelinesDir     string   `json:"pipelines_dir"`
	SchedulesEnabled bool     `json:"schedules_enabled"`
}

// duration reads and writes "30s" style strings.
type duration time.Duration

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(loomDir(), "loom.db"),
		TaskQueue:        samples.TaskQueue,
		LogLevel:         "info",
		LogFormat:        "text",
		PoolSize:         32,
		MetricsAddr:      ":9464",
		CancelTimeout:    duration(30 * time.Second),
		PollTimeout:      duration(time.Second),
		PipelinesDir:     filepath.Join(loomDir(), "pipelines"),
		SchedulesEnabled: true,
	}
}

func loomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func settingsPath() string {
	return filepath.Join(loomDir(), "settings.json")
}

// loadConfig layers settings.json and LOOM_* variables over the defaults. A
// missing settings file is not an error.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	str := map[string]*string{
		"LOOM_DB_PATH":        &cfg.DBPath,
		"LOOM_REDIS_ADDR":     &cfg.RedisAddr,
		"LOOM_REDIS_PASSWORD": &cfg.RedisPassword,
		"LOOM_TASK_QUEUE":     &cfg.TaskQueue,
		"LOOM_LOG_LEVEL":      &cfg.LogLevel,
		"LOOM_LOG_FORMAT":     &cfg.LogFormat,
		"LOOM_METRICS_ADDR":   &cfg.MetricsAddr,
		"LOOM_PIPELINES_DIR":  &cfg.PipelinesDir,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	if v := getenv("LOOM_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("LOOM_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	durations := map[string]*duration{
		"LOOM_CANCEL_TIMEOUT": &cfg.CancelTimeout,
		"LOOM_POLL_TIMEOUT":   &cfg.PollTimeout,
	}
	for key, dst := range durations {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return cfg, fmt.Errorf("%s: %w", key, err)
			}
			*dst = duration(d)
		}
	}
	if v := getenv("LOOM_SCHEDULES_ENABLED"); v != "" {
		cfg.SchedulesEnabled = v == "true" || v == "1"
	}
	return cfg, nil
}

// flagValues are the persistent flags that override the loaded config.
type flagValues struct {
	configPath    string
	dbPath        string
	redisAddr     string
	taskQueue     string
	logLevel      string
	logFormat     string
	poolSize      int
	metricsAddr   string
	cancelTimeout time.Duration
	pipelinesDir  string
	schedules     bool
}

// changedFunc reports whether a flag was set on the command line.
type changedFunc func(name string) bool

func (f *flagValues) apply(cfg *Config, changed changedFunc) {
	if changed("db-path") {
		cfg.DBPath = f.dbPath
	}
	if changed("redis-addr") {
		cfg.RedisAddr = f.redisAddr
	}
	if changed("task-queue") {
		cfg.TaskQueue = f.taskQueue
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if changed("pool-size") {
		cfg.PoolSize = f.poolSize
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if changed("cancel-timeout") {
		cfg.CancelTimeout = duration(f.cancelTimeout)
	}
	if changed("pipelines-dir") {
		cfg.PipelinesDir = f.pipelinesDir
	}
	if changed("schedules") {
		cfg.SchedulesEnabled = f.schedules
	}
}
