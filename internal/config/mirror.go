package config

import "time"

// MirrorConfig configures the optional AMQP copy of admitted events.
type MirrorConfig struct {
	Enabled        bool          `mapstructure:"ENABLED"         json:"enabled"`
	URL            string        `mapstructure:"URL"             json:"-"`
	Exchange       string        `mapstructure:"EXCHANGE"        json:"exchange"        validate:"required"`
	PublishTimeout time.Duration `mapstructure:"PUBLISH_TIMEOUT" json:"publish_timeout" validate:"required,timeout_duration"`
	QueueSize      int           `mapstructure:"QUEUE_SIZE"      json:"queue_size"      validate:"required,min=1,max=1000000"`
}
