package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Stands select which bot token is used.
const (
	StandDev  = "DEV"
	StandProd = "PROD"
)

// Config is the root configuration for the bot.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	EventLog EventLogConfig `json:"eventLog" yaml:"eventLog"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	Stand    string `json:"stand" yaml:"stand"` // "DEV" | "PROD"
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

type TelegramConfig struct {
	TestToken string    `json:"testToken" yaml:"testToken"`
	ProdToken string    `json:"prodToken" yaml:"prodToken"`
	ParseMode string    `json:"parseMode" yaml:"parseMode"`
	Admins    AdminList `json:"admins" yaml:"admins"`
	// SendsPerSecond caps outgoing messages across all chats.
	SendsPerSecond float64 `json:"sendsPerSecond,omitempty" yaml:"sendsPerSecond,omitempty"`
}

// StorageConfig locates the S3-compatible bucket that receives event logs.
type StorageConfig struct {
	AccessKey string `json:"accessKey" yaml:"accessKey"`
	SecretKey string `json:"secretKey" yaml:"secretKey"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Region    string `json:"region" yaml:"region"`
	// DryRun keeps shipped events in memory instead of uploading them.
	DryRun bool `json:"dryRun,omitempty" yaml:"dryRun,omitempty"`
}

// EventLogConfig tunes the background shipper.
type EventLogConfig struct {
	Shards                int `json:"shards" yaml:"shards"`
	QueueSize             int `json:"queueSize" yaml:"queueSize"` // per shard
	MaxAttempts           int `json:"maxAttempts" yaml:"maxAttempts"`
	AttemptTimeoutSeconds int `json:"attemptTimeoutSeconds" yaml:"attemptTimeoutSeconds"`
	BackoffMillis         int `json:"backoffMillis" yaml:"backoffMillis"`
	DrainTimeoutSeconds   int `json:"drainTimeoutSeconds" yaml:"drainTimeoutSeconds"`
}

type NotifyConfig struct {
	SendTimeoutSeconds int `json:"sendTimeoutSeconds" yaml:"sendTimeoutSeconds"`
}

type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// ConfigurationError lists every missing or malformed setting. The process
// must not start when Load returns one.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config validation errors:\n  - %s", strings.Join(e.Problems, "\n  - "))
}

// BotToken returns the token selected by the stand.
func (c *Config) BotToken() (string, error) {
	switch c.General.Stand {
	case StandDev:
		return c.Telegram.TestToken, nil
	case StandProd:
		return c.Telegram.ProdToken, nil
	default:
		return "", &ConfigurationError{Problems: []string{"general.stand must be DEV or PROD"}}
	}
}

// DefaultConfigDir returns the default config directory (~/.gmatbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gmatbot"
	}
	return filepath.Join(home, ".gmatbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config file at path (JSON, or YAML for .yaml/.yml),
// applies environment overrides, then overrides, and validates the result.
// An empty path builds the config from defaults and the environment only.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		path = ExpandPath(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}

		// Substitute environment variables: ${VAR} and ${VAR:-default}
		data = []byte(ExpandEnvVars(string(data)))

		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	return finish(cfg, overrides...)
}

// Resolve returns what Load would produce if raw were the file contents:
// ${VAR} expansion, environment overrides and validation, applied to a
// copy. raw is not modified.
func Resolve(raw *Config) (*Config, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal([]byte(ExpandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("cannot expand config: %w", err)
	}
	return finish(cfg)
}

// finish overlays the environment and overrides, expands paths and
// validates.
func finish(cfg *Config, overrides ...func(*Config)) (*Config, error) {
	var problems []string
	problems = append(problems, applyEnv(cfg)...)
	for _, o := range overrides {
		o(cfg)
	}

	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		var ce *ConfigurationError
		if !errors.As(err, &ce) {
			return nil, err
		}
		problems = append(problems, ce.Problems...)
	}
	if len(problems) > 0 {
		return nil, &ConfigurationError{Problems: problems}
	}
	return cfg, nil
}

// LoadFile reads the config file at path over the defaults as written:
// no variable expansion, no environment overlay and no validation. It backs
// commands that edit the file in place.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	if err := unmarshal(path, data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as indented JSON, or YAML for .yaml/.yml paths.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values. The returned error is a
// *ConfigurationError listing every problem found.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.Stand {
	case StandDev:
		if cfg.Telegram.TestToken == "" {
			errs = append(errs, "telegram.testToken is required for stand DEV (TEST_BOT_TOKEN)")
		}
	case StandProd:
		if cfg.Telegram.ProdToken == "" {
			errs = append(errs, "telegram.prodToken is required for stand PROD (PROD_BOT_TOKEN)")
		}
	default:
		errs = append(errs, "general.stand must be DEV or PROD (STAND)")
	}

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if len(cfg.Telegram.Admins) == 0 {
		errs = append(errs, "telegram.admins must contain at least one ID (ADMINS)")
	}
	if cfg.Telegram.SendsPerSecond < 0 || cfg.Telegram.SendsPerSecond > 30 {
		errs = append(errs, "telegram.sendsPerSecond must be between 0 and 30")
	}

	if !cfg.Storage.DryRun {
		if cfg.Storage.AccessKey == "" {
			errs = append(errs, "storage.accessKey is required (CLOUD_S3_ID_KEY)")
		}
		if cfg.Storage.SecretKey == "" {
			errs = append(errs, "storage.secretKey is required (CLOUD_S3_SECRET_KEY)")
		}
		if cfg.Storage.Bucket == "" {
			errs = append(errs, "storage.bucket is required (BUCKET_NAME)")
		}
		if cfg.Storage.Endpoint == "" {
			errs = append(errs, "storage.endpoint is required")
		}
		if cfg.Storage.Region == "" {
			errs = append(errs, "storage.region is required")
		}
	}

	if cfg.EventLog.Shards < 1 || cfg.EventLog.Shards > 64 {
		errs = append(errs, "eventLog.shards must be between 1 and 64")
	}
	if cfg.EventLog.QueueSize < 1 {
		errs = append(errs, "eventLog.queueSize must be >= 1")
	}
	if cfg.EventLog.MaxAttempts < 1 || cfg.EventLog.MaxAttempts > 10 {
		errs = append(errs, "eventLog.maxAttempts must be between 1 and 10")
	}
	if cfg.EventLog.AttemptTimeoutSeconds < 1 {
		errs = append(errs, "eventLog.attemptTimeoutSeconds must be >= 1")
	}
	if cfg.EventLog.BackoffMillis < 0 {
		errs = append(errs, "eventLog.backoffMillis must be >= 0")
	}
	if cfg.EventLog.DrainTimeoutSeconds < 1 {
		errs = append(errs, "eventLog.drainTimeoutSeconds must be >= 1")
	}
	if cfg.Notify.SendTimeoutSeconds < 1 {
		errs = append(errs, "notify.sendTimeoutSeconds must be >= 1")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required (DB_PATH)")
	}
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Addr == "" {
			errs = append(errs, "metrics.addr is required when metrics are enabled")
		}
		if !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
			errs = append(errs, "metrics.endpoint must start with /")
		}
	}

	if len(errs) > 0 {
		return &ConfigurationError{Problems: errs}
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// AdminList is a list of Telegram user IDs. It unmarshals from a JSON or
// YAML array of numbers and/or numeric strings, or from a single
// comma-separated string ("111, 222").
type AdminList []int64

// ParseAdminList parses a comma-separated list of integer IDs. Blank items
// are skipped.
func ParseAdminList(s string) (AdminList, error) {
	var out AdminList
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("admin ID %q is not an integer", part)
		}
		out = append(out, id)
	}
	return out, nil
}

func (a *AdminList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		list, err := ParseAdminList(s)
		if err != nil {
			return err
		}
		*a = list
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make(AdminList, 0, len(raw))
	for _, item := range raw {
		var n int64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, n)
			continue
		}
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			return fmt.Errorf("admin ID %s is not an integer", string(item))
		}
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return fmt.Errorf("admin ID %q is not an integer", s)
		}
		result = append(result, id)
	}
	*a = result
	return nil
}

func (a *AdminList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		list, err := ParseAdminList(node.Value)
		if err != nil {
			return err
		}
		*a = list
		return nil
	case yaml.SequenceNode:
		result := make(AdminList, 0, len(node.Content))
		for _, item := range node.Content {
			id, err := strconv.ParseInt(strings.TrimSpace(item.Value), 10, 64)
			if err != nil {
				return fmt.Errorf("line %d: admin ID %q is not an integer", item.Line, item.Value)
			}
			result = append(result, id)
		}
		*a = result
		return nil
	default:
		return fmt.Errorf("line %d: admins must be a list or a comma-separated string", node.Line)
	}
}
