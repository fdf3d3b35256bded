package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mcdev12/livevote/go/internal/models"
	"github.com/mcdev12/livevote/go/internal/votes/protocol"
	"github.com/mcdev12/livevote/go/internal/votes/table"
)

// ErrAlreadyConnected is returned when a participant token is presented by a
// second connection while the first is still live.
var ErrAlreadyConnected = errors.New("participant already connected")

// ConnectionManager manages WebSocket connections for vote rooms
type ConnectionManager struct {
	// Connection pools organized by room
	roomConnections map[string]map[*Connection]bool
	// Live connection per participant; nil while an upgrade is in flight
	participants map[models.ParticipantID]*Connection
	mu           sync.RWMutex

	// Upgrader for WebSocket connections
	upgrader websocket.Upgrader

	config  ConnectionConfig
	store   table.Table
	metrics *Metrics

	// Subscribe requests are served by the broadcast loop so the initial
	// snapshot is ordered with the pushes that follow it.
	primeCh chan primeRequest
	// Latest table per room as seen by the broadcast loop. Only the loop
	// touches it.
	latest map[string]models.VoteTable

	// Disconnect actions still running
	cleanup sync.WaitGroup
	// Closed by CloseAll; until then a cancelled Start keeps draining
	// changes so disconnect removals never block on a full change stream.
	stop     chan struct{}
	stopOnce sync.Once
}

// primeRequest carries the subscribe generation it was issued for. An
// unsubscribe in the meantime makes it stale.
type primeRequest struct {
	conn *Connection
	gen  uint64
}

// Connection represents a WebSocket connection to a participant
type Connection struct {
	ID            string
	ParticipantID models.ParticipantID
	Room          string
	Conn          *websocket.Conn
	Send          chan []byte
	Manager       *ConnectionManager

	limiter *rate.Limiter

	// Connection metadata
	ConnectedAt time.Time

	mu                 sync.Mutex
	closed             bool
	subscribed         bool
	subscribeGen       uint64
	removeOnDisconnect bool
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	StoreTimeout    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	FrameRate       float64 // inbound request frames per second per connection
	FrameBurst      int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		StoreTimeout:    5 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		FrameRate:       20,
		FrameBurst:      40,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig, store table.Table, metrics *Metrics) *ConnectionManager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &ConnectionManager{
		roomConnections: make(map[string]map[*Connection]bool),
		participants:    make(map[models.ParticipantID]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:  config,
		store:   store,
		metrics: metrics,
		primeCh: make(chan primeRequest, 64),
		latest:  make(map[string]models.VoteTable),
		stop:    make(chan struct{}),
	}
}

// Start fans table changes out to subscribed connections until ctx is done
// or the table closes its change stream. After ctx is done it keeps draining
// the stream until CloseAll has finished.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	changes := cm.store.Changes()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.drain(changes)
			return
		case <-cm.stop:
			return
		case change, ok := <-changes:
			if !ok {
				log.Info().Msg("vote table change stream closed")
				return
			}
			if len(change.Table) == 0 {
				delete(cm.latest, change.Room)
			} else {
				cm.latest[change.Room] = change.Table
			}
			cm.handleBroadcast(change.Room, change.Table)
		case req := <-cm.primeCh:
			cm.prime(req)
		}
	}
}

// drain discards changes and subscribe requests until CloseAll is done.
func (cm *ConnectionManager) drain(changes <-chan table.Change) {
	for {
		select {
		case <-cm.stop:
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
		case <-cm.primeCh:
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, participantID models.ParticipantID, room string) error {
	if err := cm.reserve(participantID); err != nil {
		return err
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.release(participantID)
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:            uuid.New().String(),
		ParticipantID: participantID,
		Room:          room,
		Conn:          conn,
		Send:          make(chan []byte, cm.config.SendBuffer),
		Manager:       cm,
		limiter:       rate.NewLimiter(rate.Limit(cm.config.FrameRate), cm.config.FrameBurst),
		ConnectedAt:   time.Now(),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("participant_id", string(participantID)).
		Str("room", room).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) reserve(participantID models.ParticipantID) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, exists := cm.participants[participantID]; exists {
		return ErrAlreadyConnected
	}
	cm.participants[participantID] = nil
	return nil
}

func (cm *ConnectionManager) release(participantID models.ParticipantID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if conn := cm.participants[participantID]; conn == nil {
		delete(cm.participants, participantID)
	}
}

// registerConnection adds a connection to the manager
func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.roomConnections[conn.Room] == nil {
		cm.roomConnections[conn.Room] = make(map[*Connection]bool)
	}
	cm.roomConnections[conn.Room][conn] = true
	cm.participants[conn.ParticipantID] = conn
	cm.metrics.Connections.Inc()

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room", conn.Room).
		Int("total_connections", len(cm.roomConnections[conn.Room])).
		Msg("connection registered")
}

// unregisterConnection removes a connection from the manager and runs its
// disconnect actions. Safe to call more than once.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	connections, exists := cm.roomConnections[conn.Room]
	if !exists || !connections[conn] {
		cm.mu.Unlock()
		return
	}
	delete(connections, conn)
	if len(connections) == 0 {
		delete(cm.roomConnections, conn.Room)
	}
	if cm.participants[conn.ParticipantID] == conn {
		delete(cm.participants, conn.ParticipantID)
	}
	cm.metrics.Connections.Dec()
	cm.mu.Unlock()

	removeRecord := conn.shutdown()

	log.Info().
		Str("connection_id", conn.ID).
		Str("participant_id", string(conn.ParticipantID)).
		Str("room", conn.Room).
		Bool("remove_on_disconnect", removeRecord).
		Msg("connection unregistered")

	if removeRecord {
		// Run outside the caller: the broadcast loop may be the caller and a
		// table write waits for that loop to drain changes.
		cm.cleanup.Add(1)
		go cm.runDisconnectActions(conn)
	}
}

func (cm *ConnectionManager) runDisconnectActions(conn *Connection) {
	defer cm.cleanup.Done()

	ctx, cancel := context.WithTimeout(context.Background(), cm.config.StoreTimeout)
	defer cancel()

	if err := cm.store.Remove(ctx, conn.Room, conn.ParticipantID); err != nil {
		log.Error().
			Err(err).
			Str("participant_id", string(conn.ParticipantID)).
			Str("room", conn.Room).
			Msg("failed to remove vote record on disconnect")
		return
	}
	cm.metrics.DisconnectClears.Inc()
}

// requestPrime asks the broadcast loop to subscribe conn and push the
// current table to it.
func (cm *ConnectionManager) requestPrime(conn *Connection) bool {
	conn.mu.Lock()
	conn.subscribeGen++
	req := primeRequest{conn: conn, gen: conn.subscribeGen}
	conn.mu.Unlock()

	select {
	case cm.primeCh <- req:
		return true
	default:
		return false
	}
}

func (cm *ConnectionManager) prime(req primeRequest) {
	conn := req.conn
	conn.mu.Lock()
	if conn.closed || conn.subscribeGen != req.gen {
		conn.mu.Unlock()
		return
	}
	conn.subscribed = true
	conn.mu.Unlock()

	data, err := json.Marshal(protocol.Value(cm.latest[conn.Room]))
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal initial snapshot")
		return
	}
	if !conn.enqueue(data) {
		cm.dropSlowConnection(conn)
	}
}

// handleBroadcast sends a room's table to every subscribed connection
func (cm *ConnectionManager) handleBroadcast(room string, votes models.VoteTable) {
	cm.mu.RLock()
	connections, exists := cm.roomConnections[room]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	// Create a snapshot of connections to avoid holding lock during broadcast
	targetConnections := make([]*Connection, 0, len(connections))
	for conn := range connections {
		targetConnections = append(targetConnections, conn)
	}
	cm.mu.RUnlock()

	// Marshal the table once
	data, err := json.Marshal(protocol.Value(votes))
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal table for broadcast")
		return
	}

	sent := 0
	for _, conn := range targetConnections {
		if !conn.isSubscribed() {
			continue
		}
		if !conn.enqueue(data) {
			cm.dropSlowConnection(conn)
			continue
		}
		sent++
	}
	cm.metrics.Broadcasts.Inc()

	log.Debug().
		Str("room", room).
		Int("records", len(votes)).
		Int("connections", sent).
		Msg("table broadcasted")
}

func (cm *ConnectionManager) dropSlowConnection(conn *Connection) {
	log.Warn().
		Str("connection_id", conn.ID).
		Str("participant_id", string(conn.ParticipantID)).
		Msg("connection send buffer full, closing connection")
	cm.metrics.SlowConsumers.Inc()
	cm.unregisterConnection(conn)
	conn.Conn.Close()
}

// CloseAll ends every connection and waits for their disconnect actions, or
// for ctx to expire. It also stops the broadcast loop.
func (cm *ConnectionManager) CloseAll(ctx context.Context) error {
	defer cm.stopOnce.Do(func() { close(cm.stop) })

	cm.mu.RLock()
	var all []*Connection
	for _, connections := range cm.roomConnections {
		for conn := range connections {
			all = append(all, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range all {
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}

	done := make(chan struct{})
	go func() {
		cm.cleanup.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionStats is the body of the stats endpoint
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveRooms      int            `json:"active_rooms"`
	RoomConnections  map[string]int `json:"room_connections"`
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{RoomConnections: make(map[string]int)}
	for room, connections := range cm.roomConnections {
		stats.TotalConnections += len(connections)
		stats.RoomConnections[room] = len(connections)
	}
	stats.ActiveRooms = len(cm.roomConnections)
	return stats
}

// enqueue queues data for the write pump. It reports false only when the
// buffer is full; data for a closed connection is dropped.
func (c *Connection) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) isSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed && !c.closed
}

// shutdown closes Send once and reports whether the record must be removed.
func (c *Connection) shutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.subscribed = false
	close(c.Send)
	return c.removeOnDisconnect
}

func (c *Connection) reply(frame *protocol.Frame) {
	if frame.Type == protocol.FrameError {
		c.Manager.metrics.Rejections.WithLabelValues(frame.Code).Inc()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal reply")
		return
	}
	if !c.enqueue(data) {
		c.Manager.dropSlowConnection(c)
	}
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading frames from the WebSocket connection. Its exit,
// for whatever reason, is the disconnect that triggers cleanup.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage processes a request frame received from the client
func (c *Connection) handleClientMessage(message []byte) {
	frame, err := protocol.Decode(message)
	if err != nil {
		c.reply(protocol.Errorf(0, protocol.CodeBadRequest, "%v", err))
		return
	}
	if !frame.Type.IsRequest() {
		c.reply(protocol.Errorf(frame.Seq, protocol.CodeBadRequest, "%s is not a request", frame.Type))
		return
	}
	c.Manager.metrics.Frames.WithLabelValues(string(frame.Type)).Inc()

	if !c.limiter.Allow() {
		c.reply(protocol.Errorf(frame.Seq, protocol.CodeRateLimited, "too many requests"))
		return
	}

	switch frame.Type {
	case protocol.FrameSubscribe:
		if !c.Manager.requestPrime(c) {
			c.reply(protocol.Errorf(frame.Seq, protocol.CodeUnavailable, "gateway busy, retry subscribe"))
			return
		}
		c.reply(protocol.Ack(frame.Seq))
		return
	case protocol.FrameUnsubscribe:
		c.mu.Lock()
		c.subscribed = false
		c.subscribeGen++
		c.mu.Unlock()
		c.reply(protocol.Ack(frame.Seq))
		return
	}

	// Every remaining request targets a key, and a connection may only
	// touch its own.
	if frame.Key != c.ParticipantID {
		log.Warn().
			Str("connection_id", c.ID).
			Str("participant_id", string(c.ParticipantID)).
			Str("key", string(frame.Key)).
			Str("type", string(frame.Type)).
			Msg("rejected write to foreign key")
		c.reply(protocol.Errorf(frame.Seq, protocol.CodePermissionDenied, "connection may only write its own key"))
		return
	}

	switch frame.Type {
	case protocol.FrameSet:
		c.handleSet(frame)
	case protocol.FrameRemove:
		c.handleRemove(frame)
	case protocol.FrameOnDisconnectRemove:
		c.mu.Lock()
		c.removeOnDisconnect = true
		c.mu.Unlock()
		c.reply(protocol.Ack(frame.Seq))
	case protocol.FrameCancelOnDisconnect:
		c.mu.Lock()
		c.removeOnDisconnect = false
		c.mu.Unlock()
		c.reply(protocol.Ack(frame.Seq))
	}
}

func (c *Connection) handleSet(frame *protocol.Frame) {
	name, ok := models.ValidateDisplayName(string(frame.Record.DisplayName))
	if !ok {
		c.reply(protocol.Errorf(frame.Seq, protocol.CodeBadRequest, "display name is required"))
		return
	}
	record := models.VoteRecord{DisplayName: name, Vote: frame.Record.Vote}

	ctx, cancel := context.WithTimeout(context.Background(), c.Manager.config.StoreTimeout)
	defer cancel()

	err := c.Manager.store.Set(ctx, c.Room, frame.Key, record)
	switch {
	case err == nil:
		c.reply(protocol.Ack(frame.Seq))
	case errors.Is(err, table.ErrNameImmutable):
		c.reply(protocol.Errorf(frame.Seq, protocol.CodeNameImmutable, "%v", err))
	default:
		log.Error().Err(err).Str("room", c.Room).Str("participant_id", string(frame.Key)).Msg("failed to set vote record")
		c.reply(protocol.Errorf(frame.Seq, protocol.CodeUnavailable, "store write failed"))
	}
}

func (c *Connection) handleRemove(frame *protocol.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Manager.config.StoreTimeout)
	defer cancel()

	if err := c.Manager.store.Remove(ctx, c.Room, frame.Key); err != nil {
		log.Error().Err(err).Str("room", c.Room).Str("participant_id", string(frame.Key)).Msg("failed to remove vote record")
		c.reply(protocol.Errorf(frame.Seq, protocol.CodeUnavailable, "store remove failed"))
		return
	}
	c.reply(protocol.Ack(frame.Seq))
}
