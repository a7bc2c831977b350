package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/Shugur-Network/broker/internal/logger"
	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev"

// EnvPrefix namespaces environment overrides: BROKER_RELAY_WS_ADDR.
const EnvPrefix = "BROKER"

var validate = validator.New()

var (
	hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)
	pubkeyRe   = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

// Config holds every sub-config.
type Config struct {
	General     GeneralConfig     `mapstructure:"general"      validate:"required"`
	Metrics     MetricsConfig     `mapstructure:"metrics"      validate:"required"`
	Logging     LoggingConfig     `mapstructure:"logging"      validate:"required"`
	Relay       RelayConfig       `mapstructure:"relay"        validate:"required"`
	RelayPolicy RelayPolicyConfig `mapstructure:"relay_policy" validate:"required"`
	Admission   AdmissionConfig   `mapstructure:"admission"    validate:"required"`
	Database    DatabaseConfig    `mapstructure:"database"     validate:"required"`
	Mirror      MirrorConfig      `mapstructure:"mirror"       validate:"required"`
}

func init() {
	registerCustomValidators()
	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		performCrossFieldValidation(sl, sl.Current().Interface().(Config))
	}, Config{})
}

// registerCustomValidators registers custom validation functions
func registerCustomValidators() {
	register := func(tag string, fn validator.Func) {
		if err := validate.RegisterValidation(tag, fn); err != nil {
			logger.Error("Failed to register validator", zap.String("tag", tag), zap.Error(err))
		}
	}

	register("wsaddr", func(fl validator.FieldLevel) bool {
		return isListenAddr(fl.Field().String())
	})

	// Optional; empty passes.
	register("pubkey", func(fl validator.FieldLevel) bool {
		key := fl.Field().String()
		return key == "" || pubkeyRe.MatchString(key)
	})

	register("reasonable_duration", func(fl validator.FieldLevel) bool {
		d := fl.Field().Interface().(time.Duration)
		return d >= time.Second && d <= 24*time.Hour
	})

	register("timeout_duration", func(fl validator.FieldLevel) bool {
		d := fl.Field().Interface().(time.Duration)
		return d >= time.Second && d <= time.Hour
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

	register("host", func(fl validator.FieldLevel) bool {
		host := fl.Field().String()
		if host == "" {
			return false
		}
		return net.ParseIP(host) != nil || hostnameRe.MatchString(host)
	})

	register("storage_driver", func(fl validator.FieldLevel) bool {
		d := fl.Field().String()
		return d == "postgres" || d == "memory"
	})
}

func isListenAddr(addr string) bool {
	if addr == "" {
		return false
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return false
	}
	return host == "" || net.ParseIP(host) != nil || hostnameRe.MatchString(host)
}

// performCrossFieldValidation performs validation across multiple fields
func performCrossFieldValidation(sl validator.StructLevel, cfg Config) {
	if cfg.Admission.DefaultLimit > cfg.Admission.MaxLimit {
		sl.ReportError(cfg.Admission.DefaultLimit, "DefaultLimit", "DefaultLimit", "limit_above_max", "")
	}

	if cfg.Database.Driver == "postgres" && cfg.Database.URL == "" && cfg.Database.Server == "" {
		sl.ReportError(cfg.Database.Server, "Server", "Server", "required_for_postgres", "")
	}
	if cfg.Database.Driver == "postgres" && cfg.Metrics.Enabled && cfg.Database.Port == cfg.Metrics.Port {
		sl.ReportError(cfg.Database.Port, "Port", "Port", "port_conflict", "")
	}

	if cfg.Mirror.Enabled && cfg.Mirror.URL == "" {
		sl.ReportError(cfg.Mirror.URL, "URL", "URL", "required_for_mirror", "")
	}

	black := make(map[string]struct{}, len(cfg.RelayPolicy.Blacklist.PubKeys))
	for _, pk := range cfg.RelayPolicy.Blacklist.PubKeys {
		black[pk] = struct{}{}
	}
	for _, pk := range cfg.RelayPolicy.Whitelist.PubKeys {
		if _, both := black[pk]; both {
			sl.ReportError(pk, "Whitelist", "Whitelist", "listed_twice", "")
		}
	}

	if cfg.Relay.PublicURL != "" {
		if parsedURL, err := url.Parse(cfg.Relay.PublicURL); err == nil {
			if parsedURL.Scheme != "ws" && parsedURL.Scheme != "wss" {
				sl.ReportError(cfg.Relay.PublicURL, "PublicURL", "PublicURL", "invalid_websocket_scheme", "")
			}
		}
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Load merges defaults, an optional file and env vars, validates, and
// initializes the global logger from the result.
func Load(path string, log *zap.Logger) (*Config, error) {
	cfg, err := Parse(path, log)
	if err != nil {
		return nil, err
	}
	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	if log != nil {
		log.Info("logger initialized",
			zap.String("level", cfg.Logging.Level),
			zap.String("format", cfg.Logging.Format),
			zap.String("file", cfg.Logging.FilePath),
		)
	}
	return cfg, nil
}

// Parse is Load without touching the global logger.
func Parse(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			if log != nil {
				log.Info("No config.yaml found, using defaults")
			}
		} else if log != nil {
			log.Info("Loaded config.yaml from current directory")
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}

	if log != nil {
		log.Info("configuration loaded", zap.String("version", Version))
	}
	return &cfg, nil
}

// Validate re-runs validation, e.g. after CLI flag overrides.
func (c *Config) Validate() error {
	if err := validate.Struct(*c); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func initializeLogger(loggingConfig LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(loggingConfig.Level),
		logger.WithFormat(loggingConfig.Format),
		logger.WithFile(loggingConfig.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("broker"),
		logger.WithRotation(loggingConfig.MaxSize, loggingConfig.MaxBackups, loggingConfig.MaxAge),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		messages := make([]string, 0, len(validationErrors))
		for _, fieldError := range validationErrors {
			messages = append(messages, getFieldErrorMessage(fieldError))
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return fmt.Errorf("configuration validation failed: %w", err)
}

func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	value := fe.Value()
	param := fe.Param()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "email":
		return fmt.Sprintf("%s must be a valid email address (got: %v)", field, value)
	case "url":
		return fmt.Sprintf("%s must be a valid URL (got: %v)", field, value)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s] (got: %v)", field, param, value)
	case "wsaddr":
		return fmt.Sprintf("%s must be a listen address in format ':port' or 'host:port' (got: %v)", field, value)
	case "pubkey":
		return fmt.Sprintf("%s must be a 64-character lowercase hex string (got: %v)", field, value)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 1 second and 1 hour (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "host":
		return fmt.Sprintf("%s must be a valid hostname or IP address (got: %v)", field, value)
	case "storage_driver":
		return fmt.Sprintf("%s must be either 'postgres' or 'memory' (got: %v)", field, value)
	case "limit_above_max":
		return fmt.Sprintf("%s must not exceed MAX_LIMIT", field)
	case "required_for_postgres":
		return "database SERVER or URL is required when DRIVER is postgres"
	case "required_for_mirror":
		return "mirror URL is required when the mirror is enabled"
	case "listed_twice":
		return fmt.Sprintf("pubkey %v is both whitelisted and blacklisted", value)
	case "port_conflict":
		return "database port conflicts with metrics port, they must be different"
	case "invalid_websocket_scheme":
		return fmt.Sprintf("%s must use 'ws://' or 'wss://' scheme", field)
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, fe.Tag(), value)
	}
}
