package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfigFrom(dir, envFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "flowrun.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30_000, cfg.DefaultStepTimeoutMs)
	assert.Equal(t, 0, cfg.GlobalTimeoutMs)
	assert.Equal(t, 1, cfg.MaxParallelSteps)
	assert.Equal(t, ":9464", cfg.MetricsAddr)
}

func TestLoadConfig_Layering(t *testing.T) {
	dir := t.TempDir()
	settings := `{"log_level":"debug","global_timeout_ms":5000,"metrics_addr":":1234","llm_model":"small"}`
	require.NoError(t, os.WriteFile(settingsPath(dir), []byte(settings), 0o600))

	cfg, err := loadConfigFrom(dir, envFrom(map[string]string{
		"FLOWRUN_LOG_LEVEL":          "warn",
		"FLOWRUN_MAX_PARALLEL_STEPS": "4",
		"FLOWRUN_DB_PATH":            "libsql://db.example.com",
	}))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel, "env beats settings")
	assert.Equal(t, 5000, cfg.GlobalTimeoutMs, "settings beat defaults")
	assert.Equal(t, ":1234", cfg.MetricsAddr)
	assert.Equal(t, "small", cfg.LLMModel)
	assert.Equal(t, 4, cfg.MaxParallelSteps)
	assert.Equal(t, "libsql://db.example.com", cfg.DBPath)
	assert.Equal(t, "text", cfg.LogFormat, "untouched default")
}

func TestLoadConfig_MalformedSettings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(settingsPath(dir), []byte(`{not json`), 0o600))

	_, err := loadConfigFrom(dir, envFrom(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "settings.json")
}

func TestLoadConfig_BadIntegerEnv(t *testing.T) {
	_, err := loadConfigFrom(t.TempDir(), envFrom(map[string]string{"FLOWRUN_GLOBAL_TIMEOUT_MS": "soon"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FLOWRUN_GLOBAL_TIMEOUT_MS")
}

func TestConfig_Validate(t *testing.T) {
	cfg := defaultConfig(t.TempDir())
	require.NoError(t, cfg.validate())

	cfg.DBPath = ""
	cfg.GlobalTimeoutMs = -1
	cfg.LogFormat = "xml"
	err := cfg.validate()
	require.Error(t, err)
	assert.Equal(t,
		`invalid config: db_path is empty; global_timeout_ms is negative; log_format "xml" is not text or json`,
		err.Error())
}

func TestConfig_EngineConfig(t *testing.T) {
	cfg := defaultConfig(t.TempDir())
	cfg.GlobalTimeoutMs = 1500
	cfg.MaxParallelSteps = 3

	ec := cfg.engineConfig()
	assert.Equal(t, 30*time.Second, ec.DefaultStepTimeout)
	assert.Equal(t, 1500*time.Millisecond, ec.GlobalTimeout)
	assert.Equal(t, 3, ec.MaxParallelSteps)
}

func TestConfig_DBURI(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/var/lib/flowrun.db", "file:/var/lib/flowrun.db"},
		{"data/flowrun.db", "file:data/flowrun.db"},
		{"file:/tmp/x.db", "file:/tmp/x.db"},
		{"libsql://db.example.com", "libsql://db.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, Config{DBPath: tt.path}.dbURI())
		})
	}
}

func TestIsURI(t *testing.T) {
	assert.True(t, isURI("file:x.db"))
	assert.True(t, isURI("http://127.0.0.1:8080"))
	assert.False(t, isURI(""))
	assert.False(t, isURI("/abs/path.db"))
	assert.False(t, isURI("rel/dir:odd.db"))
	assert.False(t, isURI(":memory"))
}
