package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"math"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/murachue/nosteen-sub000/internal/logger"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev"

var (
	validate    = validator.New()
	hostnameRe  = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)
	hexPubkeyRe = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
)

// Config holds every sub‑config.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"    validate:"required"`
	Metrics    MetricsConfig    `mapstructure:"metrics"    validate:"required"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Relays     []RelayConfig    `mapstructure:"relays"     validate:"dive"`
	Feeds      []FeedConfig     `mapstructure:"feeds"      validate:"dive"`
	Connection ConnectionConfig `mapstructure:"connection" validate:"required"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" validate:"required"`
	Pool       PoolConfig       `mapstructure:"pool"       validate:"required"`
	Fetch      FetchConfig      `mapstructure:"fetch"      validate:"required"`
	Cache      CacheConfig      `mapstructure:"cache"      validate:"required"`
	Verify     VerifyConfig     `mapstructure:"verify"     validate:"required"`
	Publish    PublishConfig    `mapstructure:"publish"    validate:"required"`
}

func init() {
	registerCustomValidators()
	validate.RegisterStructValidation(performCrossFieldValidation, Config{})
}

// registerCustomValidators registers custom validation functions
func registerCustomValidators() {
	register := func(tag string, fn validator.Func) {
		if err := validate.RegisterValidation(tag, fn); err != nil {
			logger.Error("Failed to register validator", zap.String("tag", tag), zap.Error(err))
		}
	}

	// ":port" or "host:port"
	register("listen_addr", func(fl validator.FieldLevel) bool {
		host, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil || port == "" {
			return false
		}
		if _, err := net.LookupPort("tcp", port); err != nil {
			return false
		}
		if host != "" && net.ParseIP(host) == nil {
			return hostnameRe.MatchString(host)
		}
		return true
	})

	register("relay_url", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		if err != nil || u.Host == "" {
			return false
		}
		return u.Scheme == "ws" || u.Scheme == "wss"
	})

	register("pubkey", func(fl validator.FieldLevel) bool {
		return hexPubkeyRe.MatchString(fl.Field().String())
	})

	register("reasonable_duration", func(fl validator.FieldLevel) bool {
		d := time.Duration(fl.Field().Int())
		return d >= time.Second && d <= 24*time.Hour
	})

	register("timeout_duration", func(fl validator.FieldLevel) bool {
		d := time.Duration(fl.Field().Int())
		return d >= time.Millisecond && d <= time.Hour
	})

	// Debounce windows: long enough to coalesce, short enough to stay interactive.
	register("short_duration", func(fl validator.FieldLevel) bool {
		d := time.Duration(fl.Field().Int())
		return d >= time.Millisecond && d <= time.Minute
	})

	register("log_level", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "debug", "info", "warn", "error", "fatal":
			return true
		}
		return false
	})

	register("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	})

	register("filters_json", func(fl validator.FieldLevel) bool {
		_, err := parseFilters(fl.Field().String())
		return err == nil
	})
}

// performCrossFieldValidation performs validation across multiple fields
func performCrossFieldValidation(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		sl.ReportError(cfg.Metrics.Addr, "Addr", "Addr", "metrics_addr_required", "")
	}

	names := make(map[string]struct{}, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		if _, dup := names[f.Name]; dup {
			sl.ReportError(f.Name, "Name", "Name", "duplicate_feed", "")
		}
		names[f.Name] = struct{}{}
	}

	// A feed with filters needs somewhere to read from.
	readable := false
	for _, r := range cfg.Relays {
		readable = readable || r.Read
	}
	for _, f := range cfg.Feeds {
		if f.Filters != "" && !readable {
			sl.ReportError(cfg.Relays, "Relays", "Relays", "no_read_relay", "")
			break
		}
	}

	// base << max_exponent must fit in a time.Duration.
	if exp := cfg.Supervisor.MaxExponent; exp >= 0 && exp < 63 &&
		cfg.Supervisor.BackoffBase > time.Duration(math.MaxInt64>>uint(exp)) {
		sl.ReportError(cfg.Supervisor.BackoffBase, "BackoffBase", "BackoffBase", "backoff_overflow", "")
	}

	if cfg.Pool.Debounce >= cfg.Pool.EOSETimeout {
		sl.ReportError(cfg.Pool.Debounce, "Debounce", "Debounce", "debounce_too_long", "")
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("NOSTEEN") // NOSTEEN_POOL_DEBOUNCE
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			if log != nil {
				log.Info("No config.yaml found, using defaults")
			}
		} else if log != nil {
			log.Info("Loaded config.yaml from current directory")
		}
	}

	// 3. env already merged by AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	if log != nil {
		log.Info("configuration loaded",
			zap.String("version", Version),
			zap.Int("relays", len(cfg.Relays)),
			zap.Int("feeds", len(cfg.Feeds)),
		)
	}
	if err := InitLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	if log != nil {
		log.Info("logger initialized",
			zap.String("level", cfg.Logging.Level),
			zap.String("format", cfg.Logging.Format),
			zap.String("file", cfg.Logging.FilePath),
		)
	}
	return &cfg, nil
}

// Validate checks cfg, used again after command-line overrides.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// InitLogger (re)builds the global logger from cfg.
func InitLogger(loggingConfig LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(loggingConfig.Level),
		logger.WithFormat(loggingConfig.Format),
		logger.WithFile(loggingConfig.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("nosteen"),
		logger.WithRotation(loggingConfig.rotation()),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var messages []string
		for _, fieldError := range validationErrors {
			messages = append(messages, getFieldErrorMessage(fieldError))
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return fmt.Errorf("configuration validation failed: %w", err)
}

// getFieldErrorMessage returns a user-friendly error message for a field validation error
func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	value := fe.Value()
	param := fe.Param()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "gt", "lt":
		return fmt.Sprintf("%s is out of range (got: %v)", field, value)
	case "listen_addr":
		return fmt.Sprintf("%s must be a listen address in format ':port' or 'host:port' (got: %v)", field, value)
	case "relay_url":
		return fmt.Sprintf("%s must be a ws:// or wss:// url (got: %v)", field, value)
	case "pubkey":
		return fmt.Sprintf("%s must be a 64-character hexadecimal string (got: %v)", field, value)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 1 millisecond and 1 hour (got: %v)", field, value)
	case "short_duration":
		return fmt.Sprintf("%s must be between 1 millisecond and 1 minute (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "filters_json":
		return fmt.Sprintf("%s must be a JSON filter object or array of filters", field)
	case "metrics_addr_required":
		return "metrics address is required when metrics are enabled"
	case "duplicate_feed":
		return fmt.Sprintf("feed name %q is used more than once", value)
	case "no_read_relay":
		return "feeds with filters need at least one relay with read enabled"
	case "backoff_overflow":
		return fmt.Sprintf("%s doubled max_exponent times overflows (got: %v)", field, value)
	case "debounce_too_long":
		return fmt.Sprintf("%s must be shorter than the EOSE timeout (got: %v)", field, value)
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, fe.Tag(), value)
	}
}
