/*
Package mirror copies every admitted event to an AMQP topic exchange so that
downstream consumers (indexers, archivers) can follow the relay without
holding a websocket subscription.
*/
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Shugur-Network/broker/internal/config"
	"github.com/Shugur-Network/broker/internal/fanout"
	"github.com/Shugur-Network/broker/internal/logger"
	"github.com/Shugur-Network/broker/internal/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// BusClientName is the name the mirror registers on the fan-out bus.
const BusClientName = "mirror"

// Publisher is the part of *amqp.Channel the mirror needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Mirror drains a bus client channel and publishes each event.
type Mirror struct {
	pub      Publisher
	exchange string
	timeout  time.Duration

	conn *amqp.Connection
	ch   *amqp.Channel

	logger *zap.Logger
}

// payload is the message body: the event plus the live filters it hit.
type payload struct {
	Event     json.RawMessage `json:"event"`
	FilterIDs []string        `json:"filter_ids"`
}

// New builds a mirror over an existing publisher.
func New(pub Publisher, cfg config.MirrorConfig) *Mirror {
	return &Mirror{
		pub:      pub,
		exchange: cfg.Exchange,
		timeout:  cfg.PublishTimeout,
		logger:   logger.New("mirror"),
	}
}

// Dial connects to the broker, declares a durable topic exchange and
// returns a mirror that owns the connection.
func Dial(cfg config.MirrorConfig) (*Mirror, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to AMQP broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cannot open AMQP channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("cannot declare exchange %q: %w", cfg.Exchange, err)
	}

	m := New(ch, cfg)
	m.conn = conn
	m.ch = ch
	return m, nil
}

// RoutingKey is "kind.<n>", so consumers can bind on kinds.
func RoutingKey(kind int) string {
	return "kind." + strconv.Itoa(kind)
}

// Run publishes until in is closed or ctx is done. Bus order is kept.
func (m *Mirror) Run(ctx context.Context, in <-chan fanout.Matched) {
	m.logger.Info("Mirror started", zap.String("exchange", m.exchange))
	for {
		select {
		case <-ctx.Done():
			return
		case matched, ok := <-in:
			if !ok {
				return
			}
			if err := m.publish(ctx, matched); err != nil {
				metrics.MirrorPublished.WithLabelValues("failure").Inc()
				m.logger.Warn("Failed to mirror event",
					zap.String("event_id", matched.Event.ID),
					zap.Error(err))
				continue
			}
			metrics.MirrorPublished.WithLabelValues("success").Inc()
		}
	}
}

func (m *Mirror) publish(ctx context.Context, matched fanout.Matched) error {
	evtJSON, err := json.Marshal(matched.Event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	filterIDs := matched.FilterIDs
	if filterIDs == nil {
		filterIDs = []string{}
	}
	body, err := json.Marshal(payload{Event: evtJSON, FilterIDs: filterIDs})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	return m.pub.PublishWithContext(pctx, m.exchange, RoutingKey(matched.Event.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    matched.Event.ID,
		Timestamp:    matched.Event.CreatedAt.Time(),
		Body:         body,
	})
}

// Close releases the broker connection when the mirror dialed it.
func (m *Mirror) Close() error {
	if m.ch != nil {
		_ = m.ch.Close()
	}
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}
