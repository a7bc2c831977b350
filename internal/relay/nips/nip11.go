package nips

import (
	"encoding/json"
	"net/http"

	"github.com/Shugur-Network/broker/internal/config"
	"github.com/Shugur-Network/broker/internal/constants"
	nip11 "github.com/nbd-wtf/go-nostr/nip11"
)

// SupportedNIPs lists the NIPs advertised in the relay information document.
var SupportedNIPs = []any{1, 9, 11, 13, 16, 20, 33, 40, 45}

// RelayInfo builds the NIP-11 document from configuration.
func RelayInfo(cfg *config.Config, adminPubKey string) nip11.RelayInformationDocument {
	adm := cfg.Admission
	return nip11.RelayInformationDocument{
		Name:          cfg.Relay.Name,
		Description:   cfg.Relay.Description,
		Contact:       cfg.Relay.Contact,
		PubKey:        adminPubKey,
		SupportedNIPs: SupportedNIPs,
		Software:      constants.SoftwareURL,
		Version:       config.Version,
		Limitation: &nip11.RelayLimitationDocument{
			MaxMessageLength: int(cfg.Relay.MaxMessageSize),
			MaxSubscriptions: cfg.Relay.MaxSubscriptions,
			MaxLimit:         adm.MaxLimit,
			MaxSubidLength:   constants.MaxSubIDLength,
			MaxEventTags:     adm.MaxEventTags,
			MaxContentLength: adm.MaxContentLength,
			// NIP-11 counts bits; difficulty is configured in hex digits.
			MinPowDifficulty: adm.PowDifficulty * 4,
			PaymentRequired:  adm.GateEnabled(),
			RestrictedWrites: adm.GateEnabled() || len(cfg.RelayPolicy.Whitelist.PubKeys) > 0,
		},
	}
}

// ServeRelayMetadata serves the relay metadata document
func ServeRelayMetadata(w http.ResponseWriter, metadata nip11.RelayInformationDocument) {
	w.Header().Set("Content-Type", "application/nostr+json")

	if err := json.NewEncoder(w).Encode(metadata); err != nil {
		http.Error(w, "Failed to encode metadata", http.StatusInternalServerError)
		return
	}
}
