// Package admission decides whether a published event is accepted, charges
// its author, persists it and hands it to fan-out.
package admission

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/Shugur-Network/broker/internal/config"
	"github.com/Shugur-Network/broker/internal/constants"
	"github.com/Shugur-Network/broker/internal/errors"
	"github.com/Shugur-Network/broker/internal/logger"
	"github.com/Shugur-Network/broker/internal/metrics"
	"github.com/Shugur-Network/broker/internal/relay/nips"
	"github.com/Shugur-Network/broker/internal/storage"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Reasons reported in OK messages.
var (
	ReasonDuplicate    = nips.FormatErrorMessage(nips.PrefixDuplicate, "already have this event")
	ReasonHaveNewer    = nips.FormatErrorMessage(nips.PrefixDuplicate, "have newer event")
	ReasonInsufficient = nips.FormatErrorMessage(nips.PrefixBlocked, "insufficient balance")
	ReasonNotAllowed   = nips.FormatErrorMessage(nips.PrefixBlocked, "pubkey is not allowed to publish here")
	ReasonUnverified   = nips.FormatErrorMessage(nips.PrefixInvalid, "event could not be verified")
	ReasonExpired      = nips.FormatErrorMessage(nips.PrefixInvalid, "event has expired")
	ReasonTooOld       = nips.FormatErrorMessage(nips.PrefixInvalid, "created_at is too far in the past")
	ReasonTooNew       = nips.FormatErrorMessage(nips.PrefixInvalid, "created_at is too far in the future")
	ReasonPersist      = nips.FormatErrorMessage(nips.PrefixError, "could not persist event")
	ReasonBalance      = nips.FormatErrorMessage(nips.PrefixError, "could not check balance")
)

// Outcome is the acknowledgement for one published event.
type Outcome struct {
	EventID  string
	Accepted bool
	Reason   string
	// Stored is false for duplicates, superseded and ephemeral events.
	Stored bool
	// Delivered counts live subscriptions the event was routed to.
	Delivered int
}

// Broadcaster receives every event that made it through admission.
type Broadcaster interface {
	Publish(evt *nostr.Event) int
}

// Pipeline runs the admission steps. It is safe for concurrent use.
type Pipeline struct {
	cfg    config.AdmissionConfig
	policy config.RelayPolicyConfig
	store  storage.Store
	out    Broadcaster
	admin  string
	now    func() time.Time
	logger *zap.Logger
}

// New builds a pipeline. adminPubKey may be empty when no admin identity
// is configured.
func New(cfg *config.Config, store storage.Store, out Broadcaster, adminPubKey string) *Pipeline {
	return &Pipeline{
		cfg:    cfg.Admission,
		policy: cfg.RelayPolicy,
		store:  store,
		out:    out,
		admin:  adminPubKey,
		now:    time.Now,
		logger: logger.New("admission"),
	}
}

// AdminPubKey returns the identity that publishes for free.
func (p *Pipeline) AdminPubKey() string { return p.admin }

// Admit runs evt through every step. The first rejection short-circuits
// the rest; the returned Outcome is always meant for the submitter.
func (p *Pipeline) Admit(ctx context.Context, connID string, evt *nostr.Event) Outcome {
	log := p.logger.With(zap.String("conn_id", connID), zap.String("event_id", evt.ID))
	class := nips.Classify(evt.Kind)

	if reason := p.checkStructure(evt); reason != "" {
		return p.reject(log, evt, nips.PrefixInvalid, reason)
	}
	if !p.policy.Allows(evt.PubKey) {
		return p.reject(log, evt, nips.PrefixBlocked, ReasonNotAllowed)
	}

	now := p.now()
	if nips.IsExpired(evt, now) {
		return p.reject(log, evt, nips.PrefixInvalid, ReasonExpired)
	}
	if reason := p.checkTimestamp(evt, now); reason != "" {
		return p.reject(log, evt, nips.PrefixInvalid, reason)
	}

	cost, err := p.cost(ctx, evt)
	if err != nil {
		_ = errors.HandleEventError(evt.ID, "price", errors.DatabaseError("balance lookup", err))
		return p.reject(log, evt, nips.PrefixError, ReasonBalance)
	}
	if cost > 0 {
		balance, err := p.store.Balance(ctx, evt.PubKey)
		if err != nil {
			_ = errors.HandleEventError(evt.ID, "price", errors.DatabaseError("balance lookup", err))
			return p.reject(log, evt, nips.PrefixError, ReasonBalance)
		}
		if balance < cost {
			return p.reject(log, evt, nips.PrefixBlocked, ReasonInsufficient)
		}
	}

	if prefix, reason := p.verify(evt); reason != "" {
		return p.reject(log, evt, prefix, reason)
	}

	metrics.EventsProcessed.WithLabelValues(class.String()).Inc()

	if class == nips.KindEphemeral {
		if cost > 0 {
			if err := p.store.Debit(ctx, evt.PubKey, cost); err != nil {
				return p.persistFailure(log, evt, err)
			}
		}
		delivered := p.out.Publish(evt)
		metrics.RecordAdmission("accepted")
		return Outcome{EventID: evt.ID, Accepted: true, Delivered: delivered}
	}

	req := storage.SaveRequest{Event: evt, Debit: cost}
	if p.cfg.DeletionEnabled && nips.IsDeletionEvent(evt) {
		req.Deletes, req.DeleteAddrs = nips.DeletionTargets(evt)
	}

	res, err := p.store.Save(ctx, req)
	if err != nil {
		return p.persistFailure(log, evt, err)
	}

	switch res.Status {
	case storage.Duplicate:
		metrics.RecordAdmission("duplicate")
		return Outcome{EventID: evt.ID, Accepted: true, Reason: ReasonDuplicate}
	case storage.Superseded:
		metrics.RecordAdmission("duplicate")
		return Outcome{EventID: evt.ID, Accepted: true, Reason: ReasonHaveNewer}
	}

	if res.Replaced > 0 || res.Deleted > 0 {
		log.Debug("Event superseded stored events",
			zap.Int("replaced", res.Replaced),
			zap.Int("deleted", res.Deleted))
	}

	delivered := p.out.Publish(evt)
	metrics.RecordAdmission("accepted")
	return Outcome{EventID: evt.ID, Accepted: true, Stored: true, Delivered: delivered}
}

func (p *Pipeline) checkStructure(evt *nostr.Event) string {
	switch {
	case !nostr.IsValid32ByteHex(evt.ID):
		return nips.FormatErrorMessage(nips.PrefixInvalid, "id must be 64 lowercase hex characters")
	case !nostr.IsValid32ByteHex(evt.PubKey):
		return nips.FormatErrorMessage(nips.PrefixInvalid, "pubkey must be 64 lowercase hex characters")
	case len(evt.Sig) != constants.HexSigLength:
		return nips.FormatErrorMessage(nips.PrefixInvalid, "sig must be 128 hex characters")
	case evt.Kind < 0 || evt.Kind > 65535:
		return nips.FormatErrorMessage(nips.PrefixInvalid, "kind out of range")
	case p.cfg.MaxContentLength > 0 && len(evt.Content) > p.cfg.MaxContentLength:
		return nips.FormatErrorMessage(nips.PrefixInvalid, fmt.Sprintf("content longer than %d bytes", p.cfg.MaxContentLength))
	case p.cfg.MaxEventTags > 0 && len(evt.Tags) > p.cfg.MaxEventTags:
		return nips.FormatErrorMessage(nips.PrefixInvalid, fmt.Sprintf("more than %d tags", p.cfg.MaxEventTags))
	}
	return ""
}

func (p *Pipeline) checkTimestamp(evt *nostr.Event, now time.Time) string {
	created := evt.CreatedAt.Time()
	if p.cfg.BackwardLimit > 0 && now.Sub(created) > p.cfg.BackwardLimit {
		return ReasonTooOld
	}
	if p.cfg.ForwardLimit > 0 && created.Sub(now) > p.cfg.ForwardLimit {
		return ReasonTooNew
	}
	return ""
}

// free reports events the admin never pays for: its own, and direct
// messages addressed to it.
func (p *Pipeline) free(evt *nostr.Event) bool {
	if p.admin == "" {
		return false
	}
	if evt.PubKey == p.admin {
		return true
	}
	return evt.Kind == constants.KindDirectMsg && nips.GetTagValue(evt, "p") == p.admin
}

// cost prices evt. Zero means no ledger interaction.
func (p *Pipeline) cost(ctx context.Context, evt *nostr.Event) (int64, error) {
	if !p.cfg.GateEnabled() || p.free(evt) {
		return 0, nil
	}
	cost := p.cfg.EventCost
	if p.cfg.PerByteCost {
		cost *= int64(len(evt.Serialize()))
	}
	if p.cfg.NewAuthorCost > 0 {
		known, err := p.store.HasAuthor(ctx, evt.PubKey)
		if err != nil {
			return 0, err
		}
		if !known {
			cost += p.cfg.NewAuthorCost
		}
	}
	return cost, nil
}

// verify checks the id digest, the signature and proof of work. With
// PowReplacesSignature a sufficient difficulty stands in for the signature.
func (p *Pipeline) verify(evt *nostr.Event) (prefix, reason string) {
	if evt.GetID() != evt.ID {
		return nips.PrefixInvalid, ReasonUnverified
	}

	powRequired := p.cfg.PowDifficulty > 0
	if !powRequired || !p.cfg.PowReplacesSignature {
		if ok, err := evt.CheckSignature(); !ok || err != nil {
			return nips.PrefixInvalid, ReasonUnverified
		}
	}
	if powRequired {
		if err := nips.ValidatePoW(evt.ID, p.cfg.PowDifficulty); err != nil {
			return nips.PrefixPoW, nips.FormatErrorMessage(nips.PrefixPoW, err.Error())
		}
	}
	return "", ""
}

func (p *Pipeline) persistFailure(log *zap.Logger, evt *nostr.Event, err error) Outcome {
	if stderrors.Is(err, storage.ErrInsufficientBalance) {
		return p.reject(log, evt, nips.PrefixBlocked, ReasonInsufficient)
	}
	_ = errors.HandleEventError(evt.ID, "persist", errors.DatabaseError("save event", err))
	return p.reject(log, evt, nips.PrefixError, ReasonPersist)
}

func (p *Pipeline) reject(log *zap.Logger, evt *nostr.Event, result, reason string) Outcome {
	metrics.RecordAdmission(result)
	log.Debug("Event rejected", zap.String("reason", reason))
	return Outcome{EventID: evt.ID, Accepted: false, Reason: reason}
}
