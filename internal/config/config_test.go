package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/nifty-ohlcv-updater/internal/models"
)

func withCredentials(c *AppConfig) *AppConfig {
	c.Broker.APIKey = "key"
	c.Broker.ClientID = "A123456"
	c.Broker.Password = "1234"
	c.Broker.TOTPSecret = "JBSWY3DPEHPK3PXP"
	return c
}

func setCredentialEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APIKEY", "env-key")
	t.Setenv("CLIENTID", "A123456")
	t.Setenv("PASSWORD", "1234")
	t.Setenv("LOGINTOKEN", "JBSWY3DPEHPK3PXP")
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "nifty-ohlcv-updater", config.AppName)
	assert.Equal(t, "https://apiconnect.angelone.in", config.Broker.BaseURL)
	assert.Equal(t, "ONE_HOUR", config.Updater.Interval)
	assert.Equal(t, "2016-10-01", config.Updater.StartDate)
	assert.Equal(t, 5, config.Updater.MaxRetries)
	assert.Equal(t, time.Second, config.Updater.RetryDelay)
	assert.Equal(t, 250*time.Millisecond, config.Updater.RequestDelay)
	assert.Equal(t, 30, config.Updater.MaxChunkDays)
	assert.Equal(t, "parquet", config.Storage.PrimaryFormat)
	assert.Equal(t, "NIFTY_50_DATA", config.Storage.FolderPrefix)
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "both", config.Logging.Output)
}

func TestConfigValidation(t *testing.T) {
	cm := NewConfigManager("", "", slog.Default())

	tests := []struct {
		name    string
		mutate  func(c *AppConfig)
		wantErr string
	}{
		{
			name:   "valid config passes validation",
			mutate: func(c *AppConfig) {},
		},
		{
			name:    "missing api key",
			mutate:  func(c *AppConfig) { c.Broker.APIKey = "" },
			wantErr: "broker.api_key is required",
		},
		{
			name:    "placeholder password",
			mutate:  func(c *AppConfig) { c.Broker.Password = "YOUR_PASSWORD" },
			wantErr: "broker.password is not configured",
		},
		{
			name:    "unsupported interval",
			mutate:  func(c *AppConfig) { c.Updater.Interval = "TWO_HOUR" },
			wantErr: "updater.interval must be one of",
		},
		{
			name:    "malformed start date",
			mutate:  func(c *AppConfig) { c.Updater.StartDate = "01/10/2016" },
			wantErr: "updater.start_date must be a date",
		},
		{
			name:    "start date in the future",
			mutate:  func(c *AppConfig) { c.Updater.StartDate = time.Now().AddDate(1, 0, 0).Format(models.DateLayout) },
			wantErr: "updater.start_date must not be in the future",
		},
		{
			name:    "zero retries",
			mutate:  func(c *AppConfig) { c.Updater.MaxRetries = 0 },
			wantErr: "updater.max_retries must be at least 1",
		},
		{
			name:    "unknown primary format",
			mutate:  func(c *AppConfig) { c.Storage.PrimaryFormat = "feather" },
			wantErr: "storage.primary_format must be one of: csv, parquet",
		},
		{
			name:    "invalid log output",
			mutate:  func(c *AppConfig) { c.Logging.Output = "syslog" },
			wantErr: "logging.output must be one of",
		},
		{
			name:    "no symbol source",
			mutate:  func(c *AppConfig) { c.Symbols.ListURL = "" },
			wantErr: "symbols.list_url is required when symbols.static is empty",
		},
		{
			name: "static symbols without list url",
			mutate: func(c *AppConfig) {
				c.Symbols.ListURL = ""
				c.Symbols.Static = []string{"TCS", "INFY"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := withCredentials(DefaultConfig())
			tt.mutate(config)

			err := cm.validateConfig(config)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "configuration validation errors:")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigValidation_AggregatesErrors(t *testing.T) {
	cm := NewConfigManager("", "", nil)

	err := cm.validateConfig(DefaultConfig())
	require.Error(t, err)
	for _, field := range []string{"broker.api_key", "broker.client_id", "broker.password", "broker.totp_secret"} {
		assert.Contains(t, err.Error(), field+" is required")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	content := `
broker:
  api_key: file-key
  client_id: A123456
  password: "1234"
  totp_secret: JBSWY3DPEHPK3PXP
  requests_per_second: 2
updater:
  interval: one_day
  start_date: "2020-01-01"
  retry_delay: 2s
  request_delay: 500ms
symbols:
  static: [TCS, INFY]
storage:
  data_dir: /srv/market
  primary_format: csv
logging:
  level: debug
  output: stdout
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	cm := NewConfigManager(configPath, filepath.Join(tempDir, "missing.env"), nil)
	_, err := cm.LoadConfig(context.Background())
	require.Error(t, err, "an explicit env file must exist")

	cm = NewConfigManager(configPath, "", nil)
	config, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "file-key", config.Broker.APIKey)
	assert.Equal(t, float64(2), config.Broker.RequestsPerSecond)
	assert.Equal(t, "ONE_DAY", config.Updater.Interval)
	assert.Equal(t, models.IntervalOneDay, config.Interval())
	assert.Equal(t, 2*time.Second, config.Updater.RetryDelay)
	assert.Equal(t, 500*time.Millisecond, config.Updater.RequestDelay)
	assert.Equal(t, []string{"TCS", "INFY"}, config.Symbols.Static)
	assert.Equal(t, "csv", config.Storage.PrimaryFormat)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, configPath, config.ConfigPath)

	// Defaults survive for keys the file does not set.
	assert.Equal(t, 5, config.Updater.MaxRetries)
	assert.Equal(t, "NIFTY_50_DATA", config.Storage.FolderPrefix)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	setCredentialEnv(t)

	cm := NewConfigManager(filepath.Join(t.TempDir(), "nope.yaml"), "", nil)
	config, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ONE_HOUR", config.Updater.Interval)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("updater:\n  interval: ONE_DAY\n  max_retries: 2\n"), 0o644))

	setCredentialEnv(t)
	t.Setenv("TIME_INTERVAL", "FIVE_MINUTE")
	t.Setenv("MAX_RETRIES", "7")
	t.Setenv("RETRY_DELAY", "3s")
	t.Setenv("REQUEST_DELAY", "100ms")
	t.Setenv("START_DATE", "2021-06-01")
	t.Setenv("SYMBOLS", "TCS,INFY,RELIANCE")
	t.Setenv("LOG_LEVEL", "warn")

	cm := NewConfigManager(configPath, "", nil)
	config, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "env-key", config.Broker.APIKey)
	assert.Equal(t, "FIVE_MINUTE", config.Updater.Interval, "environment overrides file")
	assert.Equal(t, 7, config.Updater.MaxRetries)
	assert.Equal(t, 3*time.Second, config.Updater.RetryDelay)
	assert.Equal(t, 100*time.Millisecond, config.Updater.RequestDelay)
	assert.Equal(t, time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC), config.StartTime())
	assert.Equal(t, []string{"TCS", "INFY", "RELIANCE"}, config.Symbols.Static)
	assert.Equal(t, "warn", config.Logging.Level)
}

func TestLoadConfigFromEnvironment_Durations(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{name: "integer seconds", value: "1", want: time.Second},
		{name: "fractional seconds", value: "0.25", want: 250 * time.Millisecond},
		{name: "padded seconds", value: " 2 ", want: 2 * time.Second},
		{name: "zero", value: "0", want: 0},
		{name: "duration string", value: "1m30s", want: 90 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setCredentialEnv(t)
			t.Setenv("RETRY_DELAY", tt.value)
			t.Setenv("REQUEST_DELAY", tt.value)

			config, err := NewConfigManager("", "", nil).LoadConfig(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, config.Updater.RetryDelay)
			assert.Equal(t, tt.want, config.Updater.RequestDelay)
		})
	}
}

func TestLoadConfigFromEnvironment_LegacyDotEnv(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "APIKEY=dotenv-key\nCLIENTID=D999\nPASSWORD=4321\nLOGINTOKEN=JBSWY3DPEHPK3PXP\nRETRY_DELAY=1\nREQUEST_DELAY=0.25\n"
	require.NoError(t, os.WriteFile(envPath, []byte(content), 0o600))

	for _, key := range []string{"APIKEY", "CLIENTID", "PASSWORD", "LOGINTOKEN", "RETRY_DELAY", "REQUEST_DELAY"} {
		key := key
		t.Cleanup(func() { os.Unsetenv(key) })
	}

	config, err := NewConfigManager("", envPath, nil).LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Second, config.Updater.RetryDelay)
	assert.Equal(t, 250*time.Millisecond, config.Updater.RequestDelay)
}

func TestLoadConfigFromEnvironment_InvalidDuration(t *testing.T) {
	for _, value := range []string{"-1", "soon", "5 parsecs"} {
		t.Run(value, func(t *testing.T) {
			setCredentialEnv(t)
			t.Setenv("RETRY_DELAY", value)

			_, err := NewConfigManager("", "", nil).LoadConfig(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "RetryDelay")
		})
	}
}

func TestLoadConfigFromEnvironment_InvalidValue(t *testing.T) {
	setCredentialEnv(t)
	t.Setenv("MAX_RETRIES", "not-a-number")

	cm := NewConfigManager("", "", nil)
	_, err := cm.LoadConfig(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config from environment")
}

func TestLoadConfig_EnvFile(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "updater.env")
	content := "APIKEY=dotenv-key\nCLIENTID=D999\nPASSWORD=4321\nLOGINTOKEN=JBSWY3DPEHPK3PXP\nTIME_INTERVAL=ONE_DAY\n"
	require.NoError(t, os.WriteFile(envPath, []byte(content), 0o600))

	for _, key := range []string{"APIKEY", "CLIENTID", "PASSWORD", "LOGINTOKEN"} {
		key := key
		t.Cleanup(func() { os.Unsetenv(key) })
	}
	t.Setenv("TIME_INTERVAL", "ONE_MINUTE")

	cm := NewConfigManager("", envPath, nil)
	config, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "dotenv-key", config.Broker.APIKey)
	assert.Equal(t, "D999", config.Broker.ClientID)
	assert.Equal(t, "ONE_MINUTE", config.Updater.Interval, "process environment wins over the env file")
}

func TestConfigAccessors(t *testing.T) {
	config := withCredentials(DefaultConfig())
	config.Storage.DataDir = "/data"
	config.Updater.Interval = "one_day"

	assert.Equal(t, filepath.Join("/data", "NIFTY_50_DATA_ONE_DAY"), config.DataFolder())
	assert.Equal(t, filepath.Join("/data", "NIFTY_50_DATA_ONE_DAY", "nifty_data_updater.log"), config.LogFilePath())

	config.Logging.FilePath = "/var/log/updater.log"
	assert.Equal(t, "/var/log/updater.log", config.LogFilePath())

	config.Logging.FilePath = filepath.Join("logs", "updater.log")
	assert.Equal(t, filepath.Join("logs", "updater.log"), config.LogFilePath())

	assert.Equal(t, 2*time.Second, config.EffectiveRateLimitDelay())
	config.Updater.RateLimitDelay = 5 * time.Second
	assert.Equal(t, 5*time.Second, config.EffectiveRateLimitDelay())

	assert.Equal(t, time.Date(2016, 10, 1, 0, 0, 0, 0, time.UTC), config.StartTime())
}

func TestConfigString(t *testing.T) {
	config := withCredentials(DefaultConfig())

	out := config.String()
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "JBSWY3DPEHPK3PXP")
	assert.NotContains(t, out, "password: \"1234\"")
	assert.Contains(t, out, "A123456", "client id is not a secret")

	// The receiver is left untouched.
	assert.Equal(t, "1234", config.Broker.Password)
}
