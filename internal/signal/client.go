package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"liveshow/orchestrator/internal/domain"
)

// Options configures a Client.
type Options struct {
	URL   string
	Token string

	ConnectTimeout    time.Duration
	JoinTimeout       time.Duration
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
}

type joinRequest struct {
	roomID        string
	participantID string
}

// Client manages the WebSocket connection to the signaling server.
type Client struct {
	opts    Options
	handler domain.SignalHandler
	logger  *zap.Logger
	dialer  *websocket.Dialer

	// mu guards conn and serializes writes.
	mu   sync.Mutex
	conn *websocket.Conn

	connectMu sync.Mutex

	joinMu      sync.Mutex
	join        *joinRequest
	joinWaiter  chan struct{}
	confirmed   chan struct{}
	confirmOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new signaling client.
func NewClient(opts Options, handler domain.SignalHandler, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = 5
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = 500 * time.Millisecond
	}
	return &Client{
		opts:      opts,
		handler:   handler,
		logger:    logger.Named("signal"),
		dialer:    &websocket.Dialer{HandshakeTimeout: opts.ConnectTimeout},
		confirmed: make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

// Connect dials the signaling WebSocket and starts the read and ping loops.
// It retries until ConnectTimeout and is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.isClosed() {
		return domain.ErrClosed
	}
	if c.current() != nil {
		return nil
	}

	c.status(domain.StatusConnecting, "connecting to signaling server")

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 250 * time.Millisecond
	ebo.MaxElapsedTime = c.opts.ConnectTimeout
	ebo.Reset()

	conn, err := c.dial(ctx, backoff.WithContext(ebo, ctx))
	if err != nil {
		c.status(domain.StatusFailed, "signaling server unreachable")
		return fmt.Errorf("connect %s: %w: %v", c.opts.URL, domain.ErrTransport, err)
	}
	c.start(conn)
	c.status(domain.StatusConnected, "")
	return nil
}

func (c *Client) dial(ctx context.Context, b backoff.BackOff) (*websocket.Conn, error) {
	var header http.Header
	if c.opts.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.opts.Token}}
	}

	var conn *websocket.Conn
	op := func() error {
		if c.isClosed() {
			return backoff.Permanent(domain.ErrClosed)
		}
		c.logger.Info("connecting", zap.String("url", c.opts.URL))
		ws, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(fmt.Errorf("websocket dial: %s", resp.Status))
			}
			c.logger.Debug("dial failed", zap.Error(err))
			return fmt.Errorf("websocket dial: %w", err)
		}
		conn = ws
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) start(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	readTimeout := c.opts.PingInterval * 5 / 2
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go c.readLoop(conn, readTimeout)
	go c.pingLoop(conn)
}

// JoinRoom announces participantID in roomID and waits for the server to
// confirm that room. The join is re-sent after reconnects.
func (c *Client) JoinRoom(ctx context.Context, roomID, participantID string) error {
	waiter := make(chan struct{})
	c.joinMu.Lock()
	c.join = &joinRequest{roomID: roomID, participantID: participantID}
	c.joinWaiter = waiter
	c.joinMu.Unlock()

	if err := c.sendJoin(); err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.JoinTimeout)
	defer timer.Stop()

	select {
	case <-waiter:
		c.logger.Info("room joined", zap.String("room", roomID), zap.String("participant", participantID))
		return nil
	case <-timer.C:
		return fmt.Errorf("join %s: %w", roomID, domain.ErrJoinTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return domain.ErrClosed
	}
}

// RoomConfirmed is closed once the server has confirmed a join.
func (c *Client) RoomConfirmed() <-chan struct{} {
	return c.confirmed
}

// Send relays msg. Errors only report a local write failure.
func (c *Client) Send(msg domain.SignalingMessage) error {
	if msg.RoomID == "" {
		if j := c.currentJoin(); j != nil {
			msg.RoomID = j.roomID
		}
	}
	return c.sendJSON(msg.ToEnvelope())
}

// Close shuts down the WebSocket connection.
func (c *Client) Close() {
	closed := false
	c.closeOnce.Do(func() {
		close(c.closed)
		closed = true
	})
	if !closed {
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	c.status(domain.StatusDisconnected, "closed")
}

func (c *Client) sendJoin() error {
	j := c.currentJoin()
	if j == nil {
		return nil
	}
	return c.sendJSON(domain.Envelope{
		Type:          domain.TypeJoin,
		RoomID:        j.roomID,
		ParticipantID: j.participantID,
		Timestamp:     time.Now().UnixMilli(),
	})
}

func (c *Client) sendJSON(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("send: not connected: %w", domain.ErrTransport)
	}
	c.logger.Debug(">>>", zap.ByteString("frame", data))
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w: %v", domain.ErrTransport, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, readTimeout time.Duration) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.logger.Warn("read error", zap.Error(err))
			c.lost(conn)
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		c.logger.Debug("<<<", zap.ByteString("frame", data))

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("unmarshal error", zap.Error(err))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env domain.Envelope) {
	j := c.currentJoin()

	switch env.Type {
	case domain.TypeJoined:
		c.confirmJoin(env.RoomID)

	case domain.TypeUserConnected:
		if env.ID == "" || (j != nil && env.ID == j.participantID) {
			return
		}
		c.logger.Info("peer joined", zap.String("participant", env.ID))
		c.handler.OnPeerJoined(env.ID)

	case domain.TypeUserDisconnected:
		if env.ID == "" {
			return
		}
		c.logger.Info("peer left", zap.String("participant", env.ID))
		c.handler.OnPeerLeft(env.ID)

	case domain.TypeOffer, domain.TypeAnswer, domain.TypeICE:
		msg, ok := env.SignalingMessage()
		if !ok {
			c.logger.Warn("message without payload dropped", zap.String("type", env.Type))
			return
		}
		if j == nil {
			c.logger.Warn("message before join dropped", zap.String("type", env.Type))
			return
		}
		if msg.RoomID != "" && msg.RoomID != j.roomID {
			c.logger.Warn("message for other room dropped",
				zap.String("type", env.Type), zap.String("room", msg.RoomID))
			return
		}
		if msg.ToID != "" && msg.ToID != j.participantID {
			c.logger.Warn("message for other participant dropped",
				zap.String("type", env.Type), zap.String("target", msg.ToID))
			return
		}
		c.handler.OnMessage(msg)

	case domain.TypeError:
		c.logger.Warn("server error", zap.String("message", env.Message))

	default:
		c.logger.Debug("unhandled message type", zap.String("type", env.Type))
	}
}

func (c *Client) confirmJoin(roomID string) {
	c.joinMu.Lock()
	if c.join == nil || c.join.roomID != roomID {
		c.joinMu.Unlock()
		c.logger.Warn("confirmation for other room ignored", zap.String("room", roomID))
		return
	}
	waiter := c.joinWaiter
	c.joinWaiter = nil
	c.joinMu.Unlock()

	if waiter != nil {
		close(waiter)
	}
	c.confirmOnce.Do(func() { close(c.confirmed) })
}

// lost handles a dropped connection by reconnecting with backoff and
// re-sending the last join.
func (c *Client) lost(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	conn.Close()

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.status(domain.StatusConnecting, "signaling connection lost, reconnecting")

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = c.opts.ReconnectBackoff
	ebo.Reset()
	b := backoff.WithMaxRetries(ebo, uint64(c.opts.ReconnectAttempts-1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	next, err := c.dial(ctx, backoff.WithContext(b, ctx))
	if err != nil {
		if c.isClosed() {
			return
		}
		c.logger.Error("reconnect failed", zap.Int("attempts", c.opts.ReconnectAttempts), zap.Error(err))
		c.status(domain.StatusFailed, fmt.Sprintf("signaling unavailable after %d attempts", c.opts.ReconnectAttempts))
		return
	}
	if c.isClosed() {
		next.Close()
		return
	}

	c.start(next)
	if err := c.sendJoin(); err != nil {
		c.logger.Warn("rejoin failed", zap.Error(err))
	}
	c.logger.Info("reconnected")
	c.status(domain.StatusConnected, "")
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.conn != conn {
				c.mu.Unlock()
				return
			}
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			c.mu.Unlock()
			if err != nil {
				c.logger.Warn("ping error", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) status(s domain.Status, reason string) {
	if c.handler != nil {
		c.handler.OnConnectionStatusChanged(domain.StatusReport{Status: s, Reason: reason})
	}
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) currentJoin() *joinRequest {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()
	return c.join
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
