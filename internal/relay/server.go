// Package relay is a websocket signaling relay for liveshow rooms. It
// confirms joins, announces arrivals and departures, and routes offers,
// answers and ICE candidates between members of a room.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"liveshow/orchestrator/internal/domain"
)

// Options configures a Server.
type Options struct {
	// JWTSecret enables token authentication when set.
	JWTSecret    string
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Room holds the connected members of one room.
type Room struct {
	ID    string
	Peers map[string]*Client
	mu    sync.RWMutex
}

// Client is one websocket connection. ID and RoomID are set on join.
type Client struct {
	ID     string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte

	authID string
	done   chan struct{}
}

// Server relays signaling between room members.
type Server struct {
	opts     Options
	presence Presence
	logger   *zap.Logger
	upgrader websocket.Upgrader

	roomsMu sync.RWMutex
	rooms   map[string]*Room
}

func NewServer(opts Options, presence Presence, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if presence == nil {
		presence = NewMemoryPresence()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 54 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Server{
		opts:     opts,
		presence: presence,
		logger:   logger.Named("relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]*Room),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	var auth []gin.HandlerFunc
	if s.opts.JWTSecret != "" {
		auth = append(auth, Authenticate(s.opts.JWTSecret))
	}
	router.GET("/rooms/:roomId", append(auth, s.handleRoom)...)
	router.GET("/ws", append(auth, s.handleSignaling)...)
	return router
}

func (s *Server) handleRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	members, err := s.presence.Members(c.Request.Context(), roomID)
	if err != nil {
		s.logger.Error("presence lookup failed", zap.String("room", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "participants": members})
}

func (s *Server) handleSignaling(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		Conn:   conn,
		Send:   make(chan []byte, 256),
		authID: c.GetString(participantKey),
		done:   make(chan struct{}),
	}

	go s.writePump(client)
	go s.readPump(client)
}

// addToRoom adds c to its room, creating the room when needed. It returns
// the connection c replaces and the ids of the other members.
func (s *Server) addToRoom(c *Client) (room *Room, replaced *Client, others []string) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	room, ok := s.rooms[c.RoomID]
	if !ok {
		room = &Room{ID: c.RoomID, Peers: make(map[string]*Client)}
		s.rooms[c.RoomID] = room
		s.logger.Info("created room", zap.String("room", c.RoomID))
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	replaced = room.Peers[c.ID]
	for id := range room.Peers {
		if id != c.ID {
			others = append(others, id)
		}
	}
	room.Peers[c.ID] = c
	return room, replaced, others
}

func (s *Server) room(roomID string) *Room {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	return s.rooms[roomID]
}

// removeClient reports whether c was still the member for its id. Empty
// rooms are dropped.
func (s *Server) removeClient(c *Client) (*Room, bool) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	room, ok := s.rooms[c.RoomID]
	if !ok {
		return nil, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.Peers[c.ID] != c {
		return nil, false
	}
	delete(room.Peers, c.ID)
	if len(room.Peers) == 0 {
		delete(s.rooms, c.RoomID)
		s.logger.Info("removed empty room", zap.String("room", c.RoomID))
	}
	return room, true
}

func (r *Room) broadcast(data []byte, exclude string, logger *zap.Logger) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.Peers {
		if id != exclude {
			c.enqueue(data, id, logger)
		}
	}
}

func (r *Room) sendTo(data []byte, target string, logger *zap.Logger) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.Peers[target]
	if !ok {
		return false
	}
	c.enqueue(data, target, logger)
	return true
}

func (c *Client) enqueue(data []byte, id string, logger *zap.Logger) {
	select {
	case c.Send <- data:
	default:
		logger.Warn("send buffer full, dropping message", zap.String("participant", id))
	}
}

func (c *Client) sendEnvelope(env domain.Envelope, logger *zap.Logger) {
	data, err := json.Marshal(env)
	if err != nil {
		logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	c.enqueue(data, c.ID, logger)
}

func (c *Client) sendError(format string, args ...any) {
	data, _ := json.Marshal(domain.Envelope{Type: domain.TypeError, Message: fmt.Sprintf(format, args...)})
	select {
	case c.Send <- data:
	default:
	}
}

func (s *Server) readPump(c *Client) {
	defer func() {
		close(c.done)
		c.Conn.Close()
		s.leave(c)
	}()

	c.Conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket error", zap.String("participant", c.ID), zap.Error(err))
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("failed to parse message", zap.Error(err))
			c.sendError("malformed message")
			continue
		}

		switch env.Type {
		case domain.TypeJoin:
			s.join(c, env)
		case domain.TypeOffer, domain.TypeAnswer, domain.TypeICE:
			s.route(c, env)
		default:
			s.logger.Warn("unknown message type", zap.String("type", env.Type))
			c.sendError("unknown message type %q", env.Type)
		}
	}
}

func (s *Server) join(c *Client, env domain.Envelope) {
	if env.RoomID == "" {
		c.sendError("roomId is required")
		return
	}
	id := env.ParticipantID
	switch {
	case c.authID != "" && id != "" && id != c.authID:
		c.sendError("participantId does not match token")
		return
	case c.authID != "":
		id = c.authID
	case id == "":
		id = uuid.NewString()
	}

	if c.RoomID != "" && (c.RoomID != env.RoomID || c.ID != id) {
		s.leave(c)
	}
	c.ID = id
	c.RoomID = env.RoomID

	room, replaced, others := s.addToRoom(c)
	if replaced != nil && replaced != c {
		s.logger.Info("participant reconnected, closing previous connection",
			zap.String("participant", id), zap.String("room", env.RoomID))
		replaced.Conn.Close()
	}

	if err := s.presence.Add(context.Background(), env.RoomID, id); err != nil {
		s.logger.Warn("presence add failed", zap.String("participant", id), zap.Error(err))
	}
	s.logger.Info("participant joined", zap.String("participant", id), zap.String("room", env.RoomID))

	c.sendEnvelope(domain.Envelope{Type: domain.TypeJoined, RoomID: env.RoomID, ID: id}, s.logger)
	for _, other := range others {
		c.sendEnvelope(domain.Envelope{Type: domain.TypeUserConnected, ID: other}, s.logger)
	}
	if replaced == nil {
		data, _ := json.Marshal(domain.Envelope{Type: domain.TypeUserConnected, ID: id})
		room.broadcast(data, id, s.logger)
	}
}

func (s *Server) route(c *Client, env domain.Envelope) {
	if c.RoomID == "" {
		c.sendError("join a room first")
		return
	}
	if env.TargetID == "" {
		c.sendError("targetId is required")
		return
	}
	room := s.room(c.RoomID)
	if room == nil {
		c.sendError("room %s not found", c.RoomID)
		return
	}

	env.FromID = c.ID
	env.RoomID = c.RoomID
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	if !room.sendTo(data, env.TargetID, s.logger) {
		s.logger.Debug("target not in room",
			zap.String("from", c.ID),
			zap.String("target", env.TargetID),
			zap.String("room", c.RoomID))
		c.sendError("participant %s is not in room %s", env.TargetID, c.RoomID)
	}
}

func (s *Server) leave(c *Client) {
	if c.RoomID == "" {
		return
	}
	room, ok := s.removeClient(c)
	if !ok {
		return
	}
	if err := s.presence.Remove(context.Background(), c.RoomID, c.ID); err != nil {
		s.logger.Warn("presence remove failed", zap.String("participant", c.ID), zap.Error(err))
	}
	data, _ := json.Marshal(domain.Envelope{Type: domain.TypeUserDisconnected, ID: c.ID})
	room.broadcast(data, c.ID, s.logger)
	s.logger.Info("participant left", zap.String("participant", c.ID), zap.String("room", c.RoomID))
}

func (s *Server) writePump(c *Client) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("failed to write message", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
