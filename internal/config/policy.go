package config

// RelayPolicyConfig holds author allow/deny lists.
type RelayPolicyConfig struct {
	Blacklist struct {
		PubKeys []string `mapstructure:"PUBKEYS" json:"pubkeys" validate:"omitempty,dive,pubkey"`
	} `mapstructure:"BLACKLIST"`
	Whitelist struct {
		PubKeys []string `mapstructure:"PUBKEYS" json:"pubkeys" validate:"omitempty,dive,pubkey"`
	} `mapstructure:"WHITELIST"`
}

// Allows reports whether pubkey may publish. A non-empty whitelist admits
// only its members; the blacklist always wins.
func (p RelayPolicyConfig) Allows(pubkey string) bool {
	for _, pk := range p.Blacklist.PubKeys {
		if pk == pubkey {
			return false
		}
	}
	if len(p.Whitelist.PubKeys) == 0 {
		return true
	}
	for _, pk := range p.Whitelist.PubKeys {
		if pk == pubkey {
			return true
		}
	}
	return false
}
