package config

import "time"

// RelayConfig holds websocket front-end settings.
type RelayConfig struct {
	Name             string           `mapstructure:"NAME"               json:"name"               validate:"required,min=1,max=30"`
	Description      string           `mapstructure:"DESCRIPTION"        json:"description"        validate:"omitempty,max=200"`
	Contact          string           `mapstructure:"CONTACT"            json:"contact"            validate:"omitempty,email"`
	WSAddr           string           `mapstructure:"WS_ADDR"            json:"ws_addr"            validate:"required,wsaddr"`
	PublicURL        string           `mapstructure:"PUBLIC_URL"         json:"public_url"         validate:"omitempty,url"`
	IdleTimeout      time.Duration    `mapstructure:"IDLE_TIMEOUT"       json:"idle_timeout"       validate:"required,reasonable_duration"`
	WriteTimeout     time.Duration    `mapstructure:"WRITE_TIMEOUT"      json:"write_timeout"      validate:"required,timeout_duration"`
	SendQueueSize    int              `mapstructure:"SEND_QUEUE_SIZE"    json:"send_queue_size"    validate:"required,min=1,max=65536"`
	MaxMessageSize   int64            `mapstructure:"MAX_MESSAGE_SIZE"   json:"max_message_size"   validate:"required,min=1024,max=16777216"`
	MaxSubscriptions int              `mapstructure:"MAX_SUBSCRIPTIONS"  json:"max_subscriptions"  validate:"required,min=1,max=1000"`
	MaxFilters       int              `mapstructure:"MAX_FILTERS"        json:"max_filters"        validate:"required,min=1,max=100"`
	AllowedOrigins   []string         `mapstructure:"ALLOWED_ORIGINS"    json:"allowed_origins"`
	ThrottlingConfig ThrottlingConfig `mapstructure:"THROTTLING"         json:"throttling"         validate:"required"`
}

// ThrottlingConfig holds connection and rate limiting settings.
type ThrottlingConfig struct {
	RateLimit      RateLimitConfig `mapstructure:"RATE_LIMIT"      json:"rate_limit"`
	MaxConnections int             `mapstructure:"MAX_CONNECTIONS" json:"max_connections" validate:"required,min=1,max=100000"`
}

// RateLimitConfig bounds inbound frames per connection.
type RateLimitConfig struct {
	Enabled              bool `mapstructure:"ENABLED"                 json:"enabled"`
	MaxMessagesPerSecond int  `mapstructure:"MAX_MESSAGES_PER_SECOND" json:"max_messages_per_second" validate:"min=0,max=50000"`
	BurstSize            int  `mapstructure:"BURST_SIZE"              json:"burst_size"              validate:"min=0,max=1000"`
	MaxStrikes           int  `mapstructure:"MAX_STRIKES"             json:"max_strikes"             validate:"min=0,max=1000"`
}
