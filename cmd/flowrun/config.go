package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/flowrun/internal/engine"
)

// Config holds all flowrun configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath               string `json:"db_path"`
	LogLevel             string `json:"log_level"`
	LogFormat            string `json:"log_format"`
	DefaultStepTimeoutMs int    `json:"default_step_timeout_ms"`
	GlobalTimeoutMs      int    `json:"global_timeout_ms"`
	MaxParallelSteps     int    `json:"max_parallel_steps"`
	AgentTimeoutMs       int    `json:"agent_timeout_ms"`
	MetricsAddr          string `json:"metrics_addr"`
	SchedulerIntervalMs  int    `json:"scheduler_interval_ms"`
	LLMBaseURL           string `json:"llm_base_url"`
	LLMAPIKey            string `json:"llm_api_key"`
	LLMModel             string `json:"llm_model"`
	SandboxWorkdir       string `json:"sandbox_workdir"`

	// VaultKey is read from FLOWRUN_VAULT_KEY only and never persisted.
	VaultKey string `json:"-"`
}

func defaultConfig(dir string) Config {
	return Config{
		DBPath:               filepath.Join(dir, "flowrun.db"),
		LogLevel:             "info",
		LogFormat:            "text",
		DefaultStepTimeoutMs: int(engine.DefaultStepTimeout / time.Millisecond),
		MaxParallelSteps:     1,
		AgentTimeoutMs:       60_000,
		MetricsAddr:          ":9464",
		SchedulerIntervalMs:  60_000,
	}
}

func flowrunDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowrun"
	}
	return filepath.Join(home, ".flowrun")
}

func settingsPath(dir string) string {
	return filepath.Join(dir, "settings.json")
}

func loadConfig() (Config, error) {
	return loadConfigFrom(flowrunDir(), os.Getenv)
}

// loadConfigFrom layers defaults, dir/settings.json and env vars read
// through getenv. A missing settings file is not an error; a malformed one is.
func loadConfigFrom(dir string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig(dir)

	// Layer 2: settings.json.
	if data, err := os.ReadFile(settingsPath(dir)); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(dir), err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", settingsPath(dir), err)
	}

	// Layer 3: env vars override.
	strs := map[string]*string{
		"FLOWRUN_DB_PATH":         &cfg.DBPath,
		"FLOWRUN_LOG_LEVEL":       &cfg.LogLevel,
		"FLOWRUN_LOG_FORMAT":      &cfg.LogFormat,
		"FLOWRUN_METRICS_ADDR":    &cfg.MetricsAddr,
		"FLOWRUN_LLM_BASE_URL":    &cfg.LLMBaseURL,
		"FLOWRUN_LLM_API_KEY":     &cfg.LLMAPIKey,
		"FLOWRUN_LLM_MODEL":       &cfg.LLMModel,
		"FLOWRUN_SANDBOX_WORKDIR": &cfg.SandboxWorkdir,
	}
	cfg.VaultKey = getenv("FLOWRUN_VAULT_KEY")
	for env, dst := range strs {
		if v := getenv(env); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"FLOWRUN_DEFAULT_STEP_TIMEOUT_MS": &cfg.DefaultStepTimeoutMs,
		"FLOWRUN_GLOBAL_TIMEOUT_MS":       &cfg.GlobalTimeoutMs,
		"FLOWRUN_MAX_PARALLEL_STEPS":      &cfg.MaxParallelSteps,
		"FLOWRUN_AGENT_TIMEOUT_MS":        &cfg.AgentTimeoutMs,
		"FLOWRUN_SCHEDULER_INTERVAL_MS":   &cfg.SchedulerIntervalMs,
	}
	for env, dst := range ints {
		v := getenv(env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %q is not an integer", env, v)
		}
		*dst = n
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var problems []string
	if c.DBPath == "" {
		problems = append(problems, "db_path is empty")
	}
	for name, v := range map[string]int{
		"default_step_timeout_ms": c.DefaultStepTimeoutMs,
		"global_timeout_ms":       c.GlobalTimeoutMs,
		"max_parallel_steps":      c.MaxParallelSteps,
		"agent_timeout_ms":        c.AgentTimeoutMs,
		"scheduler_interval_ms":   c.SchedulerIntervalMs,
	} {
		if v < 0 {
			problems = append(problems, name+" is negative")
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q is not text or json", c.LogFormat))
	}
	if len(problems) > 0 {
		slices.Sort(problems)
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// dbURI turns a plain path into the file URI libSQL expects.
func (c Config) dbURI() string {
	if isURI(c.DBPath) {
		return c.DBPath
	}
	return "file:" + c.DBPath
}

func (c Config) engineConfig() engine.Config {
	return engine.Config{
		DefaultStepTimeout: ms(c.DefaultStepTimeoutMs),
		GlobalTimeout:      ms(c.GlobalTimeoutMs),
		MaxParallelSteps:   c.MaxParallelSteps,
	}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
