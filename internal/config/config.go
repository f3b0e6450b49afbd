// Package config provides centralized configuration management for the updater.
// Configuration is layered: built-in defaults, an optional YAML file, an optional
// .env file, and finally process environment variables. The merged result is
// validated before any component is constructed.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/johnayoung/nifty-ohlcv-updater/internal/models"
)

// DefaultEnvFile is loaded when no explicit env file is configured.
const DefaultEnvFile = ".env"

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName    string `yaml:"app_name" env:"APP_NAME" validate:"required"`
	ConfigPath string `yaml:"-"`

	Broker  BrokerConfig  `yaml:"broker"`
	Updater UpdaterConfig `yaml:"updater"`
	Symbols SymbolsConfig `yaml:"symbols"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// BrokerConfig configures the SmartAPI session
type BrokerConfig struct {
	BaseURL           string        `yaml:"base_url" env:"SMARTAPI_BASE_URL" validate:"required,url"`
	APIKey            string        `yaml:"api_key" env:"APIKEY" validate:"required"`
	ClientID          string        `yaml:"client_id" env:"CLIENTID" validate:"required"`
	Password          string        `yaml:"password" env:"PASSWORD" validate:"required"`
	TOTPSecret        string        `yaml:"totp_secret" env:"LOGINTOKEN" validate:"required"`
	Exchange          string        `yaml:"exchange" env:"EXCHANGE" validate:"required"`
	Timeout           time.Duration `yaml:"timeout" env:"HTTP_TIMEOUT" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND" validate:"gt=0"`
	ClientLocalIP     string        `yaml:"client_local_ip" env:"CLIENT_LOCAL_IP"`
	ClientPublicIP    string        `yaml:"client_public_ip" env:"CLIENT_PUBLIC_IP"`
	MACAddress        string        `yaml:"mac_address" env:"MAC_ADDRESS"`
}

// UpdaterConfig configures the fetch, merge and pacing behaviour
type UpdaterConfig struct {
	Interval        string        `yaml:"interval" env:"TIME_INTERVAL" validate:"required"`
	StartDate       string        `yaml:"start_date" env:"START_DATE" validate:"required,datetime=2006-01-02"`
	MaxRetries      int           `yaml:"max_retries" env:"MAX_RETRIES" validate:"min=1"`
	RetryDelay      time.Duration `yaml:"retry_delay" env:"RETRY_DELAY" validate:"gte=0"`
	RateLimitDelay  time.Duration `yaml:"rate_limit_delay" env:"RATE_LIMIT_DELAY" validate:"gte=0"`
	RequestDelay    time.Duration `yaml:"request_delay" env:"REQUEST_DELAY" validate:"gte=0"`
	MaxChunkDays    int           `yaml:"max_chunk_days" env:"MAX_CHUNK_DAYS" validate:"min=1"`
	FreshnessBuffer time.Duration `yaml:"freshness_buffer" env:"FRESHNESS_BUFFER" validate:"gte=0"`
	ShowProgress    bool          `yaml:"show_progress" env:"SHOW_PROGRESS"`
}

// SymbolsConfig configures instrument resolution
type SymbolsConfig struct {
	ListURL             string        `yaml:"list_url" env:"NSE_CSV_URL" validate:"omitempty,url"`
	InstrumentMasterURL string        `yaml:"instrument_master_url" env:"ANGELONE_INSTRUMENT_LIST_URL" validate:"required,url"`
	Static              []string      `yaml:"static" env:"SYMBOLS" envSeparator:","`
	Timeout             time.Duration `yaml:"timeout" env:"SYMBOLS_TIMEOUT" validate:"gt=0"`
}

// StorageConfig configures where and how datasets are persisted
type StorageConfig struct {
	DataDir       string `yaml:"data_dir" env:"DATA_DIR" validate:"required"`
	FolderPrefix  string `yaml:"folder_prefix" env:"FOLDER_PREFIX" validate:"required"`
	PrimaryFormat string `yaml:"primary_format" env:"PRIMARY_FORMAT" validate:"oneof=csv parquet"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `yaml:"level" env:"LOG_LEVEL" validate:"oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	Format        string            `yaml:"format" env:"LOG_FORMAT" validate:"oneof=json text"`
	Output        string            `yaml:"output" env:"LOG_OUTPUT" validate:"oneof=stdout stderr file both"`
	FilePath      string            `yaml:"file_path" env:"LOG_FILE"`
	MaxSize       int               `yaml:"max_size" env:"LOG_MAX_SIZE"`
	MaxBackups    int               `yaml:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAge        int               `yaml:"max_age" env:"LOG_MAX_AGE"`
	Compress      bool              `yaml:"compress" env:"LOG_COMPRESS"`
	ContextFields map[string]string `yaml:"context_fields"`
}

// Placeholder values shipped in sample env files; treated as unset.
var credentialPlaceholders = []string{"YOUR_", "PLACEHOLDER", "CHANGEME"}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	configPath string
	envFile    string
	logger     *slog.Logger
	validate   *validator.Validate
}

// NewConfigManager creates a new configuration manager. configPath and envFile
// may be empty; an empty envFile means DefaultEnvFile if it exists.
func NewConfigManager(configPath, envFile string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &ConfigManager{
		configPath: configPath,
		envFile:    envFile,
		logger:     logger,
		validate:   v,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority, .env file included)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()
	config.ConfigPath = cm.configPath

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadEnvFile(); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if err := env.ParseWithOptions(config, env.Options{FuncMap: envParsers}); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	config.Updater.Interval = strings.ToUpper(config.Updater.Interval)
	config.Logging.FilePath = config.LogFilePath()

	cm.logger.Debug("configuration loaded",
		"config_path", cm.configPath,
		"interval", config.Updater.Interval,
		"data_folder", config.DataFolder(),
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a YAML file
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadEnvFile loads KEY=VALUE pairs into the process environment without
// overriding variables that are already set.
func (cm *ConfigManager) loadEnvFile() error {
	path := cm.envFile
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}

	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	cm.logger.Debug("loaded environment file", "path", path)
	return nil
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var problems []string

	if err := cm.validate.Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, describeFieldError(fe))
		}
	}

	if _, err := models.ParseInterval(config.Updater.Interval); err != nil && config.Updater.Interval != "" {
		problems = append(problems, fmt.Sprintf("updater.interval must be one of: %s", intervalNames()))
	}

	if start, err := time.Parse(models.DateLayout, config.Updater.StartDate); err == nil && start.After(time.Now()) {
		problems = append(problems, "updater.start_date must not be in the future")
	}

	for name, value := range map[string]string{
		"broker.api_key":     config.Broker.APIKey,
		"broker.client_id":   config.Broker.ClientID,
		"broker.password":    config.Broker.Password,
		"broker.totp_secret": config.Broker.TOTPSecret,
	} {
		if isPlaceholder(value) {
			problems = append(problems, fmt.Sprintf("%s is not configured (placeholder value)", name))
		}
	}

	if len(config.Symbols.Static) == 0 && config.Symbols.ListURL == "" {
		problems = append(problems, "symbols.list_url is required when symbols.static is empty")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(problems, "\n- "))
	}

	return nil
}

func describeFieldError(fe validator.FieldError) string {
	name := fe.Namespace()
	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", name)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", name, strings.Join(strings.Fields(fe.Param()), ", "))
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", name, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", name, fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", name)
	case "datetime":
		return fmt.Sprintf("%s must be a date in %s format", name, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", name, fe.Tag())
	}
}

func isPlaceholder(value string) bool {
	upper := strings.ToUpper(value)
	for _, p := range credentialPlaceholders {
		if strings.Contains(upper, p) {
			return true
		}
	}
	return false
}

// envParsers accepts durations written as bare seconds ("1", "0.25") as well
// as Go duration strings ("1s", "250ms").
var envParsers = map[reflect.Type]env.ParserFunc{
	reflect.TypeOf(time.Duration(0)): func(v string) (interface{}, error) {
		return parseDuration(v)
	},
}

func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", v)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func intervalNames() string {
	names := make([]string, 0, len(models.Intervals()))
	for _, iv := range models.Intervals() {
		names = append(names, iv.String())
	}
	return strings.Join(names, ", ")
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "nifty-ohlcv-updater",
		Broker: BrokerConfig{
			BaseURL:           "https://apiconnect.angelone.in",
			Exchange:          "NSE",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 3,
			ClientLocalIP:     "127.0.0.1",
			ClientPublicIP:    "127.0.0.1",
			MACAddress:        "00:00:00:00:00:00",
		},
		Updater: UpdaterConfig{
			Interval:        string(models.IntervalOneHour),
			StartDate:       "2016-10-01",
			MaxRetries:      5,
			RetryDelay:      time.Second,
			RequestDelay:    250 * time.Millisecond,
			MaxChunkDays:    30,
			FreshnessBuffer: time.Minute,
			ShowProgress:    false,
		},
		Symbols: SymbolsConfig{
			ListURL:             "https://archives.nseindia.com/content/indices/ind_nifty50list.csv",
			InstrumentMasterURL: "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json",
			Timeout:             30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:       ".",
			FolderPrefix:  "NIFTY_50_DATA",
			PrimaryFormat: "parquet",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "both",
			FilePath:   "nifty_data_updater.log",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "nifty-ohlcv-updater",
			},
		},
	}
}

// Interval returns the parsed candle interval.
func (c *AppConfig) Interval() models.Interval {
	iv, _ := models.ParseInterval(c.Updater.Interval)
	return iv
}

// StartTime returns the configured default start date as a naive time.
func (c *AppConfig) StartTime() time.Time {
	t, _ := models.ParseNaive(models.DateLayout, c.Updater.StartDate)
	return t
}

// EffectiveRateLimitDelay returns the wait applied after a rate-limit error.
func (c *AppConfig) EffectiveRateLimitDelay() time.Duration {
	if c.Updater.RateLimitDelay > 0 {
		return c.Updater.RateLimitDelay
	}
	return 2 * c.Updater.RetryDelay
}

// DataFolder returns the per-interval directory holding the datasets.
func (c *AppConfig) DataFolder() string {
	return filepath.Join(c.Storage.DataDir, fmt.Sprintf("%s_%s", c.Storage.FolderPrefix, strings.ToUpper(c.Updater.Interval)))
}

// LogFilePath resolves the log file location. A bare file name is placed in
// the data folder; paths with a directory component are used as given.
func (c *AppConfig) LogFilePath() string {
	p := c.Logging.FilePath
	if p == "" || filepath.IsAbs(p) || filepath.Base(p) != p {
		return p
	}
	return filepath.Join(c.DataFolder(), p)
}

// String returns a YAML representation of the configuration with secrets redacted
func (c *AppConfig) String() string {
	sanitized := *c
	for _, s := range []*string{
		&sanitized.Broker.APIKey,
		&sanitized.Broker.Password,
		&sanitized.Broker.TOTPSecret,
	} {
		if *s != "" {
			*s = "[REDACTED]"
		}
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}
