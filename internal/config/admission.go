package config

import "time"

// AdmissionConfig drives the event admission pipeline.
type AdmissionConfig struct {
	// Zero disables the respective side of the timestamp window.
	BackwardLimit time.Duration `mapstructure:"BACKWARD_LIMIT" json:"backward_limit" validate:"min=0"`
	ForwardLimit  time.Duration `mapstructure:"FORWARD_LIMIT"  json:"forward_limit"  validate:"min=0"`

	EventCost     int64 `mapstructure:"EVENT_COST"      json:"event_cost"      validate:"min=0"`
	PerByteCost   bool  `mapstructure:"PER_BYTE_COST"   json:"per_byte_cost"`
	NewAuthorCost int64 `mapstructure:"NEW_AUTHOR_COST" json:"new_author_cost" validate:"min=0"`

	AdminPubKey  string `mapstructure:"ADMIN_PUBKEY"   json:"admin_pubkey"   validate:"omitempty,pubkey"`
	AdminKeyFile string `mapstructure:"ADMIN_KEY_FILE" json:"admin_key_file"`

	DeletionEnabled      bool `mapstructure:"DELETION_ENABLED"       json:"deletion_enabled"`
	PowDifficulty        int  `mapstructure:"POW_DIFFICULTY"         json:"pow_difficulty"         validate:"min=0,max=64"`
	PowReplacesSignature bool `mapstructure:"POW_REPLACES_SIGNATURE" json:"pow_replaces_signature"`

	MaxContentLength int `mapstructure:"MAX_CONTENT_LENGTH" json:"max_content_length" validate:"required,min=100,max=1048576"`
	MaxEventTags     int `mapstructure:"MAX_EVENT_TAGS"     json:"max_event_tags"     validate:"required,min=1,max=10000"`

	DefaultLimit int `mapstructure:"DEFAULT_LIMIT" json:"default_limit" validate:"required,min=1,max=10000"`
	MaxLimit     int `mapstructure:"MAX_LIMIT"     json:"max_limit"     validate:"required,min=1,max=10000"`

	ExpirationSweepInterval time.Duration `mapstructure:"EXPIRATION_SWEEP_INTERVAL" json:"expiration_sweep_interval" validate:"required,reasonable_duration"`
}

// GateEnabled reports whether any cost is configured.
func (a AdmissionConfig) GateEnabled() bool {
	return a.EventCost > 0 || a.NewAuthorCost > 0
}
