package config

import (
	"fmt"
	"net/url"
)

// DatabaseConfig selects and configures the event store.
// When URL is set, it takes priority over the discrete connection fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"DRIVER"   json:"driver"   validate:"required,storage_driver"`
	URL      string `mapstructure:"URL"      json:"url"      validate:"omitempty"`
	Server   string `mapstructure:"SERVER"   json:"server"   validate:"omitempty,host"`
	Port     int    `mapstructure:"PORT"     json:"port"     validate:"omitempty,min=1,max=65535"`
	Name     string `mapstructure:"NAME"     json:"name"     validate:"omitempty"`
	User     string `mapstructure:"USER"     json:"user"     validate:"omitempty"`
	Password string `mapstructure:"PASSWORD" json:"-"        validate:"omitempty"`
	SSLMode  string `mapstructure:"SSL_MODE" json:"ssl_mode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
}

// DSN returns the connection string for the postgres driver.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", d.Server, d.Port),
		Path:   "/" + d.Name,
	}
	if d.User != "" {
		if d.Password != "" {
			u.User = url.UserPassword(d.User, d.Password)
		} else {
			u.User = url.User(d.User)
		}
	}
	if d.SSLMode != "" {
		u.RawQuery = "sslmode=" + d.SSLMode
	}
	return u.String()
}
