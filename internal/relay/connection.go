package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shugur-Network/broker/internal/constants"
	"github.com/Shugur-Network/broker/internal/errors"
	"github.com/Shugur-Network/broker/internal/limiter"
	"github.com/Shugur-Network/broker/internal/metrics"
	"github.com/Shugur-Network/broker/internal/relay/nips"
	"github.com/gorilla/websocket"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/sebest/xff"
	"go.uber.org/zap"
	"lukechampine.com/frand"
)

// Close reasons, also used as DroppedConnections labels where the relay
// initiates the close.
const (
	reasonSlowConsumer = "slow_consumer"
	reasonRateLimit    = "rate_limit"
	reasonIdle         = "idle"
	reasonShutdown     = "shutdown"
)

// clientIP extracts the real client IP, honouring X-Forwarded-For from
// private proxies.
func clientIP(r *http.Request) string {
	return normalizeIP(xff.GetRemoteAddr(r))
}

// normalizeIP converts a network address to a normalized IP string
func normalizeIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if ip := net.ParseIP(host); ip != nil {
		if ipv4 := ip.To4(); ipv4 != nil {
			return ipv4.String()
		}
		return ip.String()
	}
	return host
}

func newConnID() string {
	return hex.EncodeToString(frand.Bytes(16))
}

// WsConnection is one client session. The reader goroutine runs every
// handler; a single writer goroutine drains send. Nothing else touches the
// socket except Close frames, which gorilla allows concurrently.
type WsConnection struct {
	id  string
	ip  string
	ws  *websocket.Conn
	srv *Server

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value

	limiter   *limiter.Inbound
	idle      time.Duration
	writeWait time.Duration
	startTime time.Time
	logger    *zap.Logger
}

func newWsConnection(ws *websocket.Conn, ip string, srv *Server) *WsConnection {
	rc := srv.cfg.Relay
	id := newConnID()
	return &WsConnection{
		id:        id,
		ip:        ip,
		ws:        ws,
		srv:       srv,
		send:      make(chan []byte, rc.SendQueueSize),
		done:      make(chan struct{}),
		limiter:   limiter.New(rc.ThrottlingConfig.RateLimit),
		idle:      rc.IdleTimeout,
		writeWait: rc.WriteTimeout,
		startTime: time.Now(),
		logger:    srv.logger.With(zap.String("conn_id", id), zap.String("client_ip", ip)),
	}
}

// ID is the registry key of this connection.
func (c *WsConnection) ID() string { return c.id }

// RemoteAddr returns the client's real address.
func (c *WsConnection) RemoteAddr() string { return c.ip }

// serve blocks until the session ends, then drops every registry entry the
// connection owned.
func (c *WsConnection) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.readLoop(ctx)
	c.Close("connection ended")
	wg.Wait()

	c.srv.state.Disconnect(c.id)
	c.srv.conns.Remove(c)
	metrics.DecrementActiveConnections()

	c.logger.Debug("WebSocket connection closed",
		zap.String("reason", c.closeReason()),
		zap.Duration("connection_duration", time.Since(c.startTime)))
}

func (c *WsConnection) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(c.srv.cfg.Relay.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.idle))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.noteReadError(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idle))

		metrics.MessagesReceived.Inc()
		metrics.MessageSizeBytes.Observe(float64(len(raw)))

		c.handleMessage(ctx, raw)

		if c.closed() {
			return
		}
	}
}

func (c *WsConnection) noteReadError(err error) {
	if c.closed() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		c.Close("client closed connection")
		return
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		metrics.DroppedConnections.WithLabelValues(reasonIdle).Inc()
		c.Close(reasonIdle)
		return
	}
	wsErr := errors.WebSocketError("read", err)
	c.logger.Debug("WS read error, disconnecting client",
		zap.String("error_code", wsErr.Code),
		zap.Error(err))
	c.Close("read error")
}

// writeLoop owns all data frames. Pings keep the peer's pongs flowing so
// the read deadline only fires for dead peers.
func (c *WsConnection) writeLoop() {
	ping := time.NewTicker(c.idle * 9 / 10)
	defer func() {
		ping.Stop()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason())
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				metrics.ErrorsCount.WithLabelValues("websocket").Inc()
				c.Close("write error")
				return
			}
			metrics.MessagesSent.Inc()
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				c.Close("ping failed")
				return
			}
		}
	}
}

// Close ends the session. Queued frames are discarded; the writer sends a
// close frame and shuts the socket, which unblocks the reader.
func (c *WsConnection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.done)
	})
}

func (c *WsConnection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *WsConnection) closeReason() string {
	r, _ := c.reason.Load().(string)
	return r
}

// enqueue hands msg to the writer without blocking. A full queue means the
// client cannot keep up and the connection is dropped.
func (c *WsConnection) enqueue(msg []byte) bool {
	if c.closed() {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		metrics.DroppedConnections.WithLabelValues(reasonSlowConsumer).Inc()
		c.logger.Warn("Send queue full, dropping connection", zap.Int("queue_size", cap(c.send)))
		c.Close(reasonSlowConsumer)
		return false
	}
}

// sendMessage marshals a top-level array like ["NOTICE", "xyz"] or ["CLOSED", subID, reason].
func (c *WsConnection) sendMessage(msgType string, args ...interface{}) {
	raw, err := json.Marshal(append([]interface{}{msgType}, args...))
	if err != nil {
		c.logger.Warn("Failed to marshal message", zap.Error(err))
		return
	}
	c.enqueue(raw)
}

func (c *WsConnection) sendNotice(message string) {
	c.sendMessage("NOTICE", message)
}

func (c *WsConnection) sendClosed(subID, reason string) {
	c.sendMessage("CLOSED", subID, reason)
}

func (c *WsConnection) sendOK(eventID string, accepted bool, message string) {
	c.sendMessage("OK", eventID, accepted, message)
}

func (c *WsConnection) sendEOSE(subID string) {
	c.sendMessage("EOSE", subID)
}

func (c *WsConnection) sendEvent(subID string, evt *nostr.Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		c.logger.Warn("Failed to marshal event", zap.String("event_id", evt.ID), zap.Error(err))
		return
	}
	c.enqueue(eventFrame(subID, raw))
}

// eventFrame renders ["EVENT", subID, <event>] around an already encoded
// event so fan-out encodes each event once.
func eventFrame(subID string, evtJSON []byte) []byte {
	sub, _ := json.Marshal(subID)
	buf := make([]byte, 0, len(evtJSON)+len(sub)+11)
	buf = append(buf, `["EVENT",`...)
	buf = append(buf, sub...)
	buf = append(buf, ',')
	buf = append(buf, evtJSON...)
	return append(buf, ']')
}

// handleMessage dispatches one inbound frame. Panics are contained to the
// frame that caused them.
func (c *WsConnection) handleMessage(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ErrorsCount.WithLabelValues("websocket").Inc()
			c.logger.Error("Recovered from panic while handling message",
				zap.Any("panic", r), zap.Stack("stack"))
			c.sendNotice(nips.FormatErrorMessage(nips.PrefixError, "internal error"))
		}
	}()

	if v := c.limiter.Allow(); !v.Allowed {
		metrics.ErrorsCount.WithLabelValues("rate_limit").Inc()
		if v.Exhausted {
			c.logger.Info("Rate limit strikes exhausted, dropping connection", zap.Int("strikes", v.Strikes))
			metrics.DroppedConnections.WithLabelValues(reasonRateLimit).Inc()
			c.Close(reasonRateLimit)
			return
		}
		c.sendNotice(nips.FormatErrorMessage(nips.PrefixRateLimited, "slow down"))
		return
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		c.sendNotice(nips.FormatErrorMessage(nips.PrefixInvalid, "malformed JSON from client"))
		return
	}
	if len(arr) == 0 {
		c.sendNotice(nips.FormatErrorMessage(nips.PrefixInvalid, "empty command array"))
		return
	}
	var cmd string
	if err := json.Unmarshal(arr[0], &cmd); err != nil {
		c.sendNotice(nips.FormatErrorMessage(nips.PrefixInvalid, "command must be a string"))
		return
	}

	start := time.Now()
	switch cmd {
	case "EVENT":
		c.handleEvent(ctx, arr)
	case "REQ":
		c.handleRequest(ctx, arr)
	case "CLOSE":
		c.handleClose(arr)
	case "COUNT":
		c.handleCount(ctx, arr)
	default:
		if len(cmd) > constants.MaxNoticeDetails {
			cmd = cmd[:constants.MaxNoticeDetails]
		}
		c.sendNotice(nips.FormatErrorMessage(nips.PrefixInvalid, "unknown command "+strconv.Quote(cmd)))
		return
	}
	metrics.CommandsReceived.WithLabelValues(cmd).Inc()
	metrics.CommandProcessingDuration.WithLabelValues(cmd).Observe(time.Since(start).Seconds())
}
