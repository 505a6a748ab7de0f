package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/homecore/internal/event"
	"github.com/nerrad567/homecore/internal/infrastructure/config"
	"github.com/nerrad567/homecore/internal/infrastructure/logging"
)

// WebSocket control message types. Event frames carry the event's own
// type instead, e.g. "state_changed".
const (
	WSTypeAck               = "ack"
	WSTypeError             = "error"
	WSTypePing              = "ping"
	WSTypePong              = "pong"
	WSTypeReloadAutomations = "reload_automations"
	WSTypeLoadIntegration   = "load_integration"
)

// Gateway defaults applied when config leaves a value at zero.
const (
	defaultWSPath           = "/ws"
	defaultWSMaxMessageSize = 8192
	defaultWSPingInterval   = 30 * time.Second
	defaultWSPongTimeout    = 10 * time.Second
	defaultWSSendQueue      = 256

	// controlTimeout bounds one fire-and-forget control command.
	controlTimeout = 60 * time.Second
)

// WSMessage is a control-plane frame exchanged with a client.
type WSMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Payload any             `json:"payload,omitempty"`
}

// AutomationReloader is the engine surface the gateway drives.
type AutomationReloader interface {
	Reload(ctx context.Context) error
}

// IntegrationLoader is the registry surface the gateway drives.
type IntegrationLoader interface {
	Load(ctx context.Context, name string) error
}

// GatewayDeps holds the gateway's collaborators. Bus and Logger are required.
type GatewayDeps struct {
	Config       config.WebSocketConfig
	Bus          *event.Bus
	Automations  AutomationReloader
	Integrations IntegrationLoader
	Logger       *logging.Logger
}

// Gateway streams bus events to WebSocket clients and accepts control frames.
//
// Every event is serialised once and queued on each client. A client's
// queue is bounded; when it is full the oldest frame is dropped so a slow
// client never stalls the bus or other clients.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Each client has exactly one writer goroutine.
type Gateway struct {
	path         string
	maxMessage   int64
	pingInterval time.Duration
	pongWait     time.Duration
	queueSize    int

	bus          *event.Bus
	automations  AutomationReloader
	integrations IntegrationLoader
	logger       *logging.Logger
	upgrader     websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool

	sub     *event.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// NewGateway creates a gateway. It does not receive events until Start.
func NewGateway(deps GatewayDeps) (*Gateway, error) {
	if deps.Bus == nil {
		return nil, errors.New("api: gateway requires an event bus")
	}
	if deps.Logger == nil {
		return nil, errors.New("api: gateway requires a logger")
	}

	cfg := deps.Config
	g := &Gateway{
		path:         cfg.Path,
		maxMessage:   int64(cfg.MaxMessageSize),
		pingInterval: time.Duration(cfg.PingInterval) * time.Second,
		pongWait:     time.Duration(cfg.PongTimeout) * time.Second,
		queueSize:    cfg.SendQueue,
		bus:          deps.Bus,
		automations:  deps.Automations,
		integrations: deps.Integrations,
		logger:       deps.Logger,
		clients:      make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Origin checking is handled by CORS middleware
				return true
			},
		},
	}
	if g.path == "" {
		g.path = defaultWSPath
	}
	if g.maxMessage <= 0 {
		g.maxMessage = defaultWSMaxMessageSize
	}
	if g.pingInterval <= 0 {
		g.pingInterval = defaultWSPingInterval
	}
	if g.pongWait <= 0 {
		g.pongWait = defaultWSPongTimeout
	}
	if g.queueSize <= 0 {
		g.queueSize = defaultWSSendQueue
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	return g, nil
}

// Path returns the HTTP path the gateway is mounted on.
func (g *Gateway) Path() string {
	return g.path
}

// Start subscribes the gateway to every bus event.
func (g *Gateway) Start(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errors.New("api: gateway closed")
	}
	if g.sub == nil {
		g.sub = g.bus.Subscribe("websocket", nil, g.broadcast)
	}
	return nil
}

// Close unsubscribes from the bus, disconnects every client and waits for
// client goroutines and running control commands to finish.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	sub := g.sub
	clients := make([]*wsClient, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.clients = make(map[*wsClient]struct{})
	g.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	g.cancel()
	for _, c := range clients {
		c.close()
	}
	g.wg.Wait()
}

// ClientCount returns the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Dropped returns how many frames were discarded from full client queues.
func (g *Gateway) Dropped() uint64 {
	return g.dropped.Load()
}

// ServeHTTP upgrades the request and runs the client until it disconnects.
// Authentication is handled by the router's auth middleware.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "gateway is shutting down")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		gw:     g,
		conn:   conn,
		limit:  g.queueSize,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close()
		return
	}
	g.clients[c] = struct{}{}
	g.wg.Add(2)
	g.mu.Unlock()
	g.logger.Debug("websocket client connected", "clients", g.ClientCount())

	go c.writePump()
	go c.readPump()
}

// broadcast runs on the gateway's bus subscriber goroutine. The frame is
// the event's wire form: {id, type, data, context_id, parent_id, time_fired}.
func (g *Gateway) broadcast(e event.Event) {
	frame, err := json.Marshal(e)
	if err != nil {
		g.logger.Error("failed to marshal event for websocket", "event_type", e.Type, "error", err)
		return
	}

	g.mu.RLock()
	for c := range g.clients {
		c.enqueue(frame)
	}
	g.mu.RUnlock()
}

func (g *Gateway) unregister(c *wsClient) {
	g.mu.Lock()
	_, existed := g.clients[c]
	delete(g.clients, c)
	g.mu.Unlock()
	if existed {
		g.logger.Debug("websocket client disconnected", "clients", g.ClientCount())
	}
}

// runControl executes a control command in the background.
func (g *Gateway) runControl(command string, fn func(ctx context.Context) error) {
	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		return
	}
	g.wg.Add(1)
	g.mu.RUnlock()

	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(g.ctx, controlTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			g.logger.Error("websocket control command failed", "command", command, "error", err)
			return
		}
		g.logger.Info("websocket control command completed", "command", command)
	}()
}

// wsClient is one connected WebSocket session.
type wsClient struct {
	gw    *Gateway
	conn  *websocket.Conn
	limit int

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// enqueue appends a frame, dropping the oldest when the queue is full.
func (c *wsClient) enqueue(frame []byte) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	if len(c.queue) >= c.limit {
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.gw.dropped.Add(1)
	}
	c.queue = append(c.queue, frame)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *wsClient) drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

// close signals the writer, which sends a close frame and closes the
// connection. That in turn unblocks the reader.
func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads control frames until the connection fails.
func (c *wsClient) readPump() {
	defer func() {
		c.gw.unregister(c)
		c.close()
		c.gw.wg.Done()
	}()

	c.conn.SetReadLimit(c.gw.maxMessage)
	deadline := c.gw.pingInterval + c.gw.pongWait
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.handleMessage(message)
	}
}

// writePump is the only goroutine that writes to the connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(c.gw.pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
		c.gw.wg.Done()
	}()

	for {
		select {
		case <-c.done:
			//nolint:errcheck // Best-effort close frame
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case <-c.notify:
			for _, frame := range c.drain() {
				//nolint:errcheck // Best-effort deadline; write error caught below
				c.conn.SetWriteDeadline(time.Now().Add(c.gw.pongWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(c.gw.pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// loadIntegrationData is the data of a load_integration frame.
type loadIntegrationData struct {
	IntegrationName string `json:"integration_name"`
}

// handleMessage processes one inbound frame.
func (c *wsClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypePing:
		c.send(WSMessage{Type: WSTypePong, ID: msg.ID})

	case WSTypeReloadAutomations:
		if c.gw.automations == nil {
			c.sendError(msg.ID, "automation engine not available")
			return
		}
		c.ack(msg)
		c.gw.runControl(msg.Type, c.gw.automations.Reload)

	case WSTypeLoadIntegration:
		if c.gw.integrations == nil {
			c.sendError(msg.ID, "integration registry not available")
			return
		}
		var d loadIntegrationData
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &d); err != nil {
				c.sendError(msg.ID, "invalid load_integration data")
				return
			}
		}
		if d.IntegrationName == "" {
			c.sendError(msg.ID, "data.integration_name is required")
			return
		}
		c.ack(msg)
		name := d.IntegrationName
		c.gw.runControl(msg.Type, func(ctx context.Context) error {
			return c.gw.integrations.Load(ctx, name)
		})

	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *wsClient) ack(msg WSMessage) {
	c.send(WSMessage{
		Type:    WSTypeAck,
		ID:      msg.ID,
		Payload: map[string]any{"accepted": true, "command": msg.Type},
	})
}

func (c *wsClient) sendError(id, message string) {
	c.send(WSMessage{Type: WSTypeError, ID: id, Payload: map[string]string{"message": message}})
}

// send queues a control reply behind any pending event frames.
func (c *wsClient) send(msg WSMessage) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(frame)
}
