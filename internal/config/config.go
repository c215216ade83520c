package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AppEnv        string `yaml:"app_env"`
	HTTPAddr      string `yaml:"http_addr"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`

	CookiePath    string `yaml:"cookie_path"`
	OCRServiceURL string `yaml:"ocr_service_url"`

	// Platform endpoints are configurable so tests and mirrors can point
	// elsewhere; defaults are the production hosts.
	APIBaseURL string `yaml:"api_base_url"`
	WWWBaseURL string `yaml:"www_base_url"`

	DrawMinInterval time.Duration `yaml:"draw_min_interval"`
	TaskDelay       time.Duration `yaml:"task_delay"`
	PassDelay       time.Duration `yaml:"pass_delay"`
	StaleWindow     time.Duration `yaml:"stale_window"`

	TaskMaxRetries int `yaml:"task_max_retries"`
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func Load() Config {
	cfg := Config{
		AppEnv:        getenv("APP_ENV", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8082"),
		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		CookiePath:    getenv("COOKIE_PATH", "./cookie.txt"),
		OCRServiceURL: os.Getenv("OCR_SERVICE_URL"),

		APIBaseURL: getenv("API_BASE_URL", "https://api.bilibili.com"),
		WWWBaseURL: getenv("WWW_BASE_URL", "https://www.bilibili.com"),

		DrawMinInterval: getenvDuration("DRAW_MIN_INTERVAL", 2*time.Second),
		TaskDelay:       getenvDuration("TASK_DELAY", 500*time.Millisecond),
		PassDelay:       getenvDuration("PASS_DELAY", 2*time.Second),
		StaleWindow:     getenvDuration("STALE_WINDOW", 5*time.Minute),

		TaskMaxRetries: getenvInt("TASK_MAX_RETRIES", 0),
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			panic(fmt.Errorf("config file %s: %w", path, err))
		}
	}
	if cfg.RedisAddr == "" {
		panic(fmt.Errorf("REDIS_ADDR is required"))
	}
	return cfg
}

// overlayFile applies non-zero values from a YAML file on top of the
// env-derived config. Env vars stay authoritative for anything the file
// leaves unset.
func overlayFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file Config
	if err := yaml.Unmarshal(b, &file); err != nil {
		return err
	}
	merge(&cfg.AppEnv, file.AppEnv)
	merge(&cfg.HTTPAddr, file.HTTPAddr)
	merge(&cfg.RedisAddr, file.RedisAddr)
	merge(&cfg.RedisPassword, file.RedisPassword)
	merge(&cfg.CookiePath, file.CookiePath)
	merge(&cfg.OCRServiceURL, file.OCRServiceURL)
	merge(&cfg.APIBaseURL, file.APIBaseURL)
	merge(&cfg.WWWBaseURL, file.WWWBaseURL)
	mergeDur(&cfg.DrawMinInterval, file.DrawMinInterval)
	mergeDur(&cfg.TaskDelay, file.TaskDelay)
	mergeDur(&cfg.PassDelay, file.PassDelay)
	mergeDur(&cfg.StaleWindow, file.StaleWindow)
	if file.TaskMaxRetries != 0 {
		cfg.TaskMaxRetries = file.TaskMaxRetries
	}
	return nil
}

func merge(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeDur(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
