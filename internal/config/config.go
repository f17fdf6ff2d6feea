package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultAPIURL        = "http://127.0.0.1:5000"
	DefaultDBFileName    = ".relaybox.db"
	DefaultLogLevel      = "debug"
	DefaultLocalDirName  = ".relaybox-blobs"
	DefaultScratchSubdir = "relaybox"

	ChannelKindDiscord = "discord"
	ChannelKindLocal   = "local"

	StoreBackendSQLite = "sqlite"
	StoreBackendRedis  = "redis"

	DefaultPartSize           int64 = 8 * 1024 * 1024
	DefaultMaxBlobBytes       int64 = 8 * 1024 * 1024
	DefaultMaxUploadBytes     int64 = 512 * 1024 * 1024
	DefaultMultipartMaxMemory int64 = 8 * 1024 * 1024
	DefaultOperationTimeout         = 60 * time.Second
	DefaultCleanupDelay             = 10 * time.Second
	DefaultStaleAfter               = time.Hour
	DefaultQueueSize                = 64
	DefaultCacheSize                = 1024
	DefaultRedisURL                 = "redis://localhost:6379"

	configFileName           = ".relaybox.toml"
	configDirEnvKey          = "RELAYBOX_CONFIG_DIR"
	trustProjectConfigEnvKey = "RELAYBOX_TRUST_PROJECT_CONFIG"
)

// ChannelConfig selects and configures the blob channel.
type ChannelConfig struct {
	Kind         string `toml:"kind" validate:"oneof=discord local"`
	ChannelID    string `toml:"channel_id" validate:"required_if=Kind discord"`
	Token        string `toml:"token" validate:"required_if=Kind discord"`
	BaseURL      string `toml:"base_url" validate:"omitempty,url"`
	LocalDir     string `toml:"local_dir"`
	MaxBlobBytes int64  `toml:"max_blob_bytes" validate:"gt=0"`
}

// TransferConfig tunes the upload and retrieval pipeline.
type TransferConfig struct {
	PartSize           int64         `toml:"part_size" validate:"gt=0"`
	ScratchDir         string        `toml:"scratch_dir" validate:"required"`
	OperationTimeout   time.Duration `toml:"operation_timeout" validate:"gt=0"`
	CleanupDelay       time.Duration `toml:"cleanup_delay" validate:"gte=0"`
	StaleAfter         time.Duration `toml:"stale_after" validate:"gt=0"`
	MaxUploadBytes     int64         `toml:"max_upload_bytes" validate:"gt=0"`
	MultipartMaxMemory int64         `toml:"multipart_max_memory" validate:"gt=0"`
	VerifyChecksum     bool          `toml:"verify_checksum"`
	QueueSize          int           `toml:"queue_size" validate:"gt=0"`
}

// StoreConfig selects the manifest backend.
type StoreConfig struct {
	Backend   string `toml:"backend" validate:"oneof=sqlite redis"`
	RedisURL  string `toml:"redis_url" validate:"required_if=Backend redis"`
	CacheSize int    `toml:"cache_size" validate:"gte=0"`
}

// Config defines runtime configuration for relaybox.
type Config struct {
	APIURL                   string         `toml:"api_url" validate:"required,url"`
	DBPath                   string         `toml:"db_path"`
	LogLevel                 string         `toml:"log_level"`
	Channel                  ChannelConfig  `toml:"channel"`
	Transfer                 TransferConfig `toml:"transfer"`
	Store                    StoreConfig    `toml:"store"`
	TrustedProjectConfigPath string         `toml:"-"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		APIURL:   DefaultAPIURL,
		DBPath:   "",
		LogLevel: DefaultLogLevel,
		Channel: ChannelConfig{
			Kind:         ChannelKindDiscord,
			MaxBlobBytes: DefaultMaxBlobBytes,
		},
		Transfer: TransferConfig{
			PartSize:           DefaultPartSize,
			ScratchDir:         filepath.Join(os.TempDir(), DefaultScratchSubdir),
			OperationTimeout:   DefaultOperationTimeout,
			CleanupDelay:       DefaultCleanupDelay,
			StaleAfter:         DefaultStaleAfter,
			MaxUploadBytes:     DefaultMaxUploadBytes,
			MultipartMaxMemory: DefaultMultipartMaxMemory,
			VerifyChecksum:     true,
			QueueSize:          DefaultQueueSize,
		},
		Store: StoreConfig{
			Backend:   StoreBackendSQLite,
			RedisURL:  DefaultRedisURL,
			CacheSize: DefaultCacheSize,
		},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the settings the server depends on.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", configKey(fe.Namespace()), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Transfer.PartSize > c.Channel.MaxBlobBytes {
		return fmt.Errorf("invalid config: transfer.part_size (%d) exceeds channel.max_blob_bytes (%d)", c.Transfer.PartSize, c.Channel.MaxBlobBytes)
	}
	return nil
}

// configKey drops the root struct name from a validator namespace.
func configKey(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func loadFile(path string, cfg *Config) error {
	_, err := loadFileIfExists(path, cfg)
	return err
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

func overrideConfigPath() (string, bool) {
	dir := strings.TrimSpace(os.Getenv(configDirEnvKey))
	if dir == "" {
		return "", false
	}
	return filepath.Join(dir, configFileName), true
}

func trustProjectConfig() bool {
	raw := strings.TrimSpace(os.Getenv(trustProjectConfigEnvKey))
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}

var allowedKeys = []string{
	"api_url",
	"db_path",
	"log_level",
	"channel.kind",
	"channel.channel_id",
	"channel.token",
	"channel.base_url",
	"channel.local_dir",
	"channel.max_blob_bytes",
	"transfer.part_size",
	"transfer.scratch_dir",
	"transfer.operation_timeout",
	"transfer.cleanup_delay",
	"transfer.stale_after",
	"transfer.max_upload_bytes",
	"transfer.multipart_max_memory",
	"transfer.verify_checksum",
	"transfer.queue_size",
	"store.backend",
	"store.redis_url",
	"store.cache_size",
}

// AllowedKeys returns the set of valid config keys.
func AllowedKeys() []string {
	return allowedKeys
}

// IsAllowedKey checks if a key is a valid config key.
func IsAllowedKey(key string) bool {
	for _, k := range allowedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Get returns the value of a config key. The channel token is masked.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "api_url":
		return c.APIURL, nil
	case "db_path":
		return c.DBPath, nil
	case "log_level":
		return c.LogLevel, nil
	case "channel.kind":
		return c.Channel.Kind, nil
	case "channel.channel_id":
		return c.Channel.ChannelID, nil
	case "channel.token":
		if c.Channel.Token == "" {
			return "", nil
		}
		return "********", nil
	case "channel.base_url":
		return c.Channel.BaseURL, nil
	case "channel.local_dir":
		return c.Channel.LocalDir, nil
	case "channel.max_blob_bytes":
		return strconv.FormatInt(c.Channel.MaxBlobBytes, 10), nil
	case "transfer.part_size":
		return strconv.FormatInt(c.Transfer.PartSize, 10), nil
	case "transfer.scratch_dir":
		return c.Transfer.ScratchDir, nil
	case "transfer.operation_timeout":
		return c.Transfer.OperationTimeout.String(), nil
	case "transfer.cleanup_delay":
		return c.Transfer.CleanupDelay.String(), nil
	case "transfer.stale_after":
		return c.Transfer.StaleAfter.String(), nil
	case "transfer.max_upload_bytes":
		return strconv.FormatInt(c.Transfer.MaxUploadBytes, 10), nil
	case "transfer.multipart_max_memory":
		return strconv.FormatInt(c.Transfer.MultipartMaxMemory, 10), nil
	case "transfer.verify_checksum":
		return strconv.FormatBool(c.Transfer.VerifyChecksum), nil
	case "transfer.queue_size":
		return strconv.Itoa(c.Transfer.QueueSize), nil
	case "store.backend":
		return c.Store.Backend, nil
	case "store.redis_url":
		return c.Store.RedisURL, nil
	case "store.cache_size":
		return strconv.Itoa(c.Store.CacheSize), nil
	default:
		return "", fmt.Errorf("unknown key: %s", key)
	}
}

// GlobalPath returns the path to the global config file.
func GlobalPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configFileName), nil
}

// ProjectPath returns the path to the project config file.
func ProjectPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, configFileName), nil
}

// SetKey reads the TOML file at path, sets key=value, and writes it back.
func SetKey(path, key, value string) error {
	if !IsAllowedKey(key) {
		return fmt.Errorf("unknown key: %s", key)
	}

	data := make(map[string]any)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &data); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	parsedValue, err := parseSetValue(key, value)
	if err != nil {
		return err
	}
	if err := setNestedKey(data, strings.Split(key, "."), parsedValue); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(data)
}

// Load reads config from trusted files and applies env overrides.
func Load() (*Config, error) {
	cfg := Default()

	if overridePath, ok := overrideConfigPath(); ok {
		if err := loadFile(overridePath, &cfg); err != nil {
			return nil, err
		}
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			if err := loadFile(filepath.Join(home, configFileName), &cfg); err != nil {
				return nil, err
			}
		}

		if trustProjectConfig() {
			if cwd, err := os.Getwd(); err == nil {
				projectPath := filepath.Join(cwd, configFileName)
				info, statErr := os.Stat(projectPath)
				switch {
				case statErr == nil && !info.IsDir():
					if err := loadFile(projectPath, &cfg); err != nil {
						return nil, err
					}
					cfg.TrustedProjectConfigPath = projectPath
				case statErr != nil && !os.IsNotExist(statErr):
					return nil, statErr
				}
			}
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		if cfg.DBPath == "" {
			cfg.DBPath = filepath.Join(cwd, DefaultDBFileName)
		}
		if cfg.Channel.LocalDir == "" {
			cfg.Channel.LocalDir = filepath.Join(cwd, DefaultLocalDirName)
		}
	}

	applyEnv(&cfg)
	cfg.normalize()

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, keys ...string) {
		for _, key := range keys {
			if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
				*dst = raw
				return
			}
		}
	}
	setString(&cfg.APIURL, "RELAYBOX_API_URL")
	setString(&cfg.DBPath, "RELAYBOX_DB")
	setString(&cfg.LogLevel, "RELAYBOX_LOG_LEVEL")
	setString(&cfg.Channel.Token, "RELAYBOX_DISCORD_TOKEN", "DISCORD_TOKEN")
	setString(&cfg.Channel.ChannelID, "RELAYBOX_CHANNEL_ID")
	setString(&cfg.Channel.Kind, "RELAYBOX_CHANNEL_KIND")
	setString(&cfg.Transfer.ScratchDir, "RELAYBOX_SCRATCH_DIR")
	setString(&cfg.Store.Backend, "RELAYBOX_STORE_BACKEND")
	setString(&cfg.Store.RedisURL, "RELAYBOX_REDIS_URL")

	if raw := strings.TrimSpace(os.Getenv("RELAYBOX_PART_SIZE")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			cfg.Transfer.PartSize = parsed
		}
	}
}

func parseSetValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch key {
	case "channel.max_blob_bytes", "transfer.part_size", "transfer.max_upload_bytes", "transfer.multipart_max_memory":
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case "transfer.queue_size", "store.cache_size":
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case "transfer.operation_timeout", "transfer.cleanup_delay", "transfer.stale_after":
		parsed, err := time.ParseDuration(value)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("%s must be a duration like 30s", key)
		}
		return parsed.String(), nil
	case "transfer.verify_checksum":
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s must be true or false", key)
		}
		return parsed, nil
	case "channel.kind":
		if value != ChannelKindDiscord && value != ChannelKindLocal {
			return nil, fmt.Errorf("%s must be %q or %q", key, ChannelKindDiscord, ChannelKindLocal)
		}
		return value, nil
	case "store.backend":
		if value != StoreBackendSQLite && value != StoreBackendRedis {
			return nil, fmt.Errorf("%s must be %q or %q", key, StoreBackendSQLite, StoreBackendRedis)
		}
		return value, nil
	default:
		return value, nil
	}
}

func setNestedKey(data map[string]any, parts []string, value any) error {
	if len(parts) == 0 {
		return fmt.Errorf("invalid config key")
	}
	if len(parts) == 1 {
		data[parts[0]] = value
		return nil
	}
	childRaw, ok := data[parts[0]]
	if !ok {
		child := map[string]any{}
		data[parts[0]] = child
		return setNestedKey(child, parts[1:], value)
	}
	child, ok := childRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot set nested key %q", strings.Join(parts, "."))
	}
	return setNestedKey(child, parts[1:], value)
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = DefaultLogLevel
	}
	c.Channel.Kind = strings.ToLower(strings.TrimSpace(c.Channel.Kind))
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Transfer.PartSize <= 0 {
		c.Transfer.PartSize = DefaultPartSize
	}
	if c.Channel.MaxBlobBytes <= 0 {
		c.Channel.MaxBlobBytes = DefaultMaxBlobBytes
	}
	if c.Transfer.MaxUploadBytes <= 0 {
		c.Transfer.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.Transfer.MultipartMaxMemory <= 0 {
		c.Transfer.MultipartMaxMemory = DefaultMultipartMaxMemory
	}
	if c.Transfer.OperationTimeout <= 0 {
		c.Transfer.OperationTimeout = DefaultOperationTimeout
	}
	if c.Transfer.StaleAfter <= 0 {
		c.Transfer.StaleAfter = DefaultStaleAfter
	}
	if c.Transfer.QueueSize <= 0 {
		c.Transfer.QueueSize = DefaultQueueSize
	}
}
