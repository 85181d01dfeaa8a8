package driftsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Message is the wire envelope for all transport traffic.
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"message_id"`
}

// NewMessage builds an envelope with a fresh ID and timestamp.
func NewMessage(msgType string, data any) *Message {
	return &Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
		MessageID: uuid.NewString(),
	}
}

// AuthClaims is the identity extracted from a session token.
type AuthClaims struct {
	UserID   string
	DeviceID string
	TenantID string
}

// AuthFunc validates a session token and returns its claims.
type AuthFunc func(token string) (*AuthClaims, error)

// JWTAuth returns an AuthFunc verifying HMAC-signed tokens carrying
// user_id, device_id, and tenant_id claims.
func JWTAuth(secret string) AuthFunc {
	return func(tokenString string) (*AuthClaims, error) {
		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			return nil, fmt.Errorf("%w: invalid token claims", ErrNotAuthenticated)
		}

		out := &AuthClaims{}
		if v, ok := claims["user_id"].(string); ok {
			out.UserID = v
		}
		if v, ok := claims["device_id"].(string); ok {
			out.DeviceID = v
		}
		if v, ok := claims["tenant_id"].(string); ok {
			out.TenantID = v
		}
		if out.UserID == "" || out.DeviceID == "" {
			return nil, fmt.Errorf("%w: token missing user_id or device_id", ErrNotAuthenticated)
		}
		return out, nil
	}
}

// MessageWriter is the outbound half of a session. The websocket handler
// supplies a real connection; tests inject their own writer.
type MessageWriter interface {
	WriteMessage(data []byte) error
	Close() error
}

// MessageHandler processes one inbound message from a device.
type MessageHandler func(ctx context.Context, deviceID string, msg *Message)

type session struct {
	deviceID string
	userID   string
	tenantID string
	writer   MessageWriter

	writeMu  sync.Mutex
	lastSeen time.Time
}

func (s *session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writer.WriteMessage(data)
}

// ConnectionManager owns device sessions: websocket lifecycle, message
// routing, channel broadcast, and heartbeat-based liveness. It satisfies
// the Transport contract used by the DeviceCoordinator.
type ConnectionManager struct {
	config  ConnectionConfig
	auth    AuthFunc
	logger  *slog.Logger
	metrics *MetricsRegistry

	upgrader websocket.Upgrader

	mu           sync.RWMutex
	sessions     map[string]*session
	channels     map[string]map[string]struct{}
	handlers     map[string][]MessageHandler
	onConnect    []func(deviceID, userID string)
	onDisconnect []func(deviceID, userID string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnectionManager creates a manager. auth may be nil, in which case
// websocket upgrades are rejected; directly attached sessions are
// pre-authenticated by the caller.
func NewConnectionManager(cfg ConnectionConfig, auth AuthFunc, logger *slog.Logger, metrics *MetricsRegistry) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		config:  cfg,
		auth:    auth,
		logger:  logger.With("component", "connection_manager"),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		sessions: make(map[string]*session),
		channels: make(map[string]map[string]struct{}),
		handlers: make(map[string][]MessageHandler),
	}
}

var _ Transport = (*ConnectionManager)(nil)

// Start launches the heartbeat monitor.
func (cm *ConnectionManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	cm.cancel = cancel

	interval := cm.config.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	cm.wg.Add(1)
	go cm.heartbeatLoop(ctx, interval)
}

// Stop disconnects all sessions and halts the monitor.
func (cm *ConnectionManager) Stop() {
	if cm.cancel != nil {
		cm.cancel()
	}
	cm.wg.Wait()

	cm.mu.Lock()
	ids := make([]string, 0, len(cm.sessions))
	for id := range cm.sessions {
		ids = append(ids, id)
	}
	cm.mu.Unlock()
	for _, id := range ids {
		cm.Disconnect(id)
	}
}

// RegisterHandler installs a handler for one message type. Multiple
// handlers per type run in registration order.
func (cm *ConnectionManager) RegisterHandler(msgType string, h MessageHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers[msgType] = append(cm.handlers[msgType], h)
}

// OnConnect registers a callback invoked after a session attaches.
func (cm *ConnectionManager) OnConnect(fn func(deviceID, userID string)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onConnect = append(cm.onConnect, fn)
}

// OnDisconnect registers a callback invoked after a session detaches.
func (cm *ConnectionManager) OnDisconnect(fn func(deviceID, userID string)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onDisconnect = append(cm.onDisconnect, fn)
}

// AttachSession registers a pre-authenticated session over an arbitrary
// writer. An existing session for the device is replaced.
func (cm *ConnectionManager) AttachSession(deviceID, userID, tenantID string, w MessageWriter) error {
	if deviceID == "" || w == nil {
		return fmt.Errorf("%w: device id and writer are required", ErrInvalidRequest)
	}

	s := &session{
		deviceID: deviceID,
		userID:   userID,
		tenantID: tenantID,
		writer:   w,
		lastSeen: time.Now(),
	}

	cm.mu.Lock()
	old := cm.sessions[deviceID]
	cm.sessions[deviceID] = s
	cm.subscribeLocked(deviceID, "user:"+userID)
	count := len(cm.sessions)
	callbacks := append([]func(deviceID, userID string){}, cm.onConnect...)
	cm.mu.Unlock()

	if old != nil {
		_ = old.writer.Close()
	}
	if cm.metrics != nil {
		cm.metrics.SetActiveConnections(int64(count))
	}
	cm.logger.Info("session attached", "device_id", deviceID, "user_id", userID)

	for _, fn := range callbacks {
		fn(deviceID, userID)
	}
	return nil
}

// Disconnect closes and removes a device's session.
func (cm *ConnectionManager) Disconnect(deviceID string) {
	cm.mu.Lock()
	s, ok := cm.sessions[deviceID]
	if !ok {
		cm.mu.Unlock()
		return
	}
	delete(cm.sessions, deviceID)
	for _, subs := range cm.channels {
		delete(subs, deviceID)
	}
	count := len(cm.sessions)
	callbacks := append([]func(deviceID, userID string){}, cm.onDisconnect...)
	cm.mu.Unlock()

	_ = s.writer.Close()
	if cm.metrics != nil {
		cm.metrics.SetActiveConnections(int64(count))
	}
	cm.logger.Info("session detached", "device_id", deviceID, "user_id", s.userID)

	for _, fn := range callbacks {
		fn(deviceID, s.userID)
	}
}

// IsConnected reports whether a device has an active session.
func (cm *ConnectionManager) IsConnected(deviceID string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	_, ok := cm.sessions[deviceID]
	return ok
}

// ConnectedDevices returns the number of active sessions.
func (cm *ConnectionManager) ConnectedDevices() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.sessions)
}

// Send delivers a message to one device.
func (cm *ConnectionManager) Send(deviceID string, msg *Message) error {
	cm.mu.RLock()
	s, ok := cm.sessions[deviceID]
	cm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("device %s: %w", deviceID, ErrNotConnected)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := s.write(data); err != nil {
		cm.Disconnect(deviceID)
		return fmt.Errorf("write to %s: %w", deviceID, err)
	}
	if cm.metrics != nil {
		cm.metrics.RecordMessageSent(len(data))
	}
	return nil
}

// Subscribe adds a device to a broadcast channel.
func (cm *ConnectionManager) Subscribe(deviceID, channel string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.subscribeLocked(deviceID, channel)
}

func (cm *ConnectionManager) subscribeLocked(deviceID, channel string) {
	if cm.channels[channel] == nil {
		cm.channels[channel] = make(map[string]struct{})
	}
	cm.channels[channel][deviceID] = struct{}{}
}

// Unsubscribe removes a device from a channel.
func (cm *ConnectionManager) Unsubscribe(deviceID, channel string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.channels[channel], deviceID)
}

// Broadcast sends a message to every device subscribed to a channel and
// returns the number of successful deliveries.
func (cm *ConnectionManager) Broadcast(channel string, msg *Message) int {
	cm.mu.RLock()
	targets := make([]string, 0, len(cm.channels[channel]))
	for id := range cm.channels[channel] {
		targets = append(targets, id)
	}
	cm.mu.RUnlock()

	sent := 0
	for _, id := range targets {
		if err := cm.Send(id, msg); err == nil {
			sent++
		}
	}
	return sent
}

// HandleMessage routes one inbound message through registered handlers and
// refreshes the session's liveness. Heartbeat messages are acknowledged
// internally.
func (cm *ConnectionManager) HandleMessage(ctx context.Context, deviceID string, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		cm.logger.Warn("malformed message", "device_id", deviceID, "error", err)
		return
	}

	cm.mu.Lock()
	if s, ok := cm.sessions[deviceID]; ok {
		s.lastSeen = time.Now()
	}
	handlers := append([]MessageHandler(nil), cm.handlers[msg.Type]...)
	cm.mu.Unlock()

	if cm.metrics != nil {
		cm.metrics.RecordMessageReceived(len(raw))
	}

	if msg.Type == "heartbeat" {
		_ = cm.Send(deviceID, NewMessage("heartbeat_ack", nil))
		return
	}

	for _, h := range handlers {
		h(ctx, deviceID, &msg)
	}
}

// heartbeatLoop disconnects sessions silent for longer than twice the
// heartbeat interval.
func (cm *ConnectionManager) heartbeatLoop(ctx context.Context, interval time.Duration) {
	defer cm.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.dropStaleSessions(2 * interval)
		}
	}
}

func (cm *ConnectionManager) dropStaleSessions(maxSilence time.Duration) {
	cutoff := time.Now().Add(-maxSilence)

	cm.mu.RLock()
	var stale []string
	for id, s := range cm.sessions {
		if s.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	cm.mu.RUnlock()

	for _, id := range stale {
		cm.logger.Warn("disconnecting stale session", "device_id", id)
		cm.Disconnect(id)
	}
}

// wsWriter adapts a websocket connection to MessageWriter.
type wsWriter struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (w *wsWriter) WriteMessage(data []byte) error {
	if w.writeTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

// HandleWebSocket upgrades an HTTP request, authenticates the token from
// the Authorization header or "token" query parameter, attaches the
// session, and pumps inbound messages until the connection closes.
func (cm *ConnectionManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if cm.auth == nil {
		http.Error(w, "authentication not configured", http.StatusUnauthorized)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		const prefix = "Bearer "
		if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
			token = h[len(prefix):]
		}
	}
	claims, err := cm.auth(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	if cm.config.MaxMessageSize > 0 {
		conn.SetReadLimit(cm.config.MaxMessageSize)
	}

	writer := &wsWriter{conn: conn, writeTimeout: cm.config.WriteTimeout}
	if err := cm.AttachSession(claims.DeviceID, claims.UserID, claims.TenantID, writer); err != nil {
		_ = conn.Close()
		return
	}

	interval := cm.config.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	conn.SetPongHandler(func(string) error {
		cm.mu.Lock()
		if s, ok := cm.sessions[claims.DeviceID]; ok {
			s.lastSeen = time.Now()
		}
		cm.mu.Unlock()
		return nil
	})

	cm.wg.Add(1)
	go cm.pingPump(claims.DeviceID, conn, interval)

	defer cm.Disconnect(claims.DeviceID)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cm.logger.Warn("websocket read failed", "device_id", claims.DeviceID, "error", err)
			}
			return
		}
		cm.HandleMessage(r.Context(), claims.DeviceID, raw)
	}
}

func (cm *ConnectionManager) pingPump(deviceID string, conn *websocket.Conn, interval time.Duration) {
	defer cm.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if !cm.IsConnected(deviceID) {
			return
		}
		deadline := time.Now().Add(cm.config.WriteTimeout)
		if cm.config.WriteTimeout <= 0 {
			deadline = time.Now().Add(10 * time.Second)
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			return
		}
	}
}
