package application

import (
	"time"

	"github.com/Shugur-Network/broker/internal/admission"
	"github.com/Shugur-Network/broker/internal/config"
	"github.com/Shugur-Network/broker/internal/identity"
	"github.com/Shugur-Network/broker/internal/registry"
	"github.com/Shugur-Network/broker/internal/relay"
	"github.com/Shugur-Network/broker/internal/storage"
)

// Store returns the node's event store.
func (n *Node) Store() storage.Store {
	return n.store
}

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// State returns the subscription registry.
func (n *Node) State() *registry.State {
	return n.state
}

// Pipeline returns the admission pipeline.
func (n *Node) Pipeline() *admission.Pipeline {
	return n.pipeline
}

// Server returns the websocket front end.
func (n *Node) Server() *relay.Server {
	return n.server
}

// Admin returns the resolved admin identity.
func (n *Node) Admin() *identity.AdminIdentity {
	return n.admin
}

// GetStartTime returns when the node was built.
func (n *Node) GetStartTime() time.Time {
	return n.startTime
}
