package config

import "time"

// GeneralConfig holds process-wide settings.
type GeneralConfig struct {
	DataDir         string        `mapstructure:"DATA_DIR"         json:"data_dir"         validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" json:"shutdown_timeout" validate:"required,timeout_duration"`
}
