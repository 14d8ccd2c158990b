package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/shepherd-project/modelfetch/internal/logger"
	"github.com/shepherd-project/modelfetch/internal/service"
)

const (
	heartbeatInterval = 30 * time.Second
	keepaliveInterval = 15 * time.Second
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = pongWait * 9 / 10
	sendBuffer        = 64
)

// Connection is one subscribed client, SSE or WebSocket
type Connection struct {
	ID   string
	Kind string
	// ModelID limits the stream to one model when set
	ModelID string
	Send    chan *Event

	once sync.Once
}

func (c *Connection) close() {
	c.once.Do(func() { close(c.Send) })
}

func (c *Connection) wants(event *Event) bool {
	return c.ModelID == "" || event.ModelID == "" || event.ModelID == c.ModelID
}

// Manager fans events out to every connected client
type Manager struct {
	connections       map[string]*Connection
	connectionCounter int

	eventChan chan *Event
	upgrader  websocket.Upgrader
	log       *logger.Logger

	unsubscribe func()

	mu sync.RWMutex
	wg sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a new event manager
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		connections: make(map[string]*Connection),
		eventChan:   make(chan *Event, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Attach forwards every event of the download service to the clients
func (m *Manager) Attach(svc *service.Service) {
	unsubscribe := svc.Subscribe(func(ev service.Event) {
		m.Broadcast(FromServiceEvent(ev))
	})

	m.mu.Lock()
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.unsubscribe = unsubscribe
	m.mu.Unlock()
}

// Start starts the broadcast and heartbeat loops
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.run()
	go m.heartbeatLoop()

	m.log.Info("事件推送管理器已启动")
}

// Stop detaches from the service and closes every connection
func (m *Manager) Stop() {
	m.log.Info("正在停止事件推送管理器...")

	m.mu.Lock()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.mu.Unlock()

	m.cancel()

	m.mu.Lock()
	for _, conn := range m.connections {
		conn.close()
	}
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	m.wg.Wait()

	m.log.Info("事件推送管理器已停止")
}

func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case event := <-m.eventChan:
			m.broadcastEvent(event)
		}
	}
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if count := m.GetConnectionCount(); count > 0 {
				m.Broadcast(NewHeartbeatEvent(count))
				m.log.Debugf("发送心跳消息到 %d 个连接", count)
			}
		}
	}
}

// Broadcast queues an event for all clients. It never blocks: service
// listeners run on the transfer goroutine.
func (m *Manager) Broadcast(event *Event) {
	select {
	case m.eventChan <- event:
	case <-m.ctx.Done():
	default:
		m.log.WithField("type", event.Type).Warn("事件队列已满，丢弃事件")
	}
}

func (m *Manager) broadcastEvent(event *Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for connID, conn := range m.connections {
		if !conn.wants(event) {
			continue
		}
		select {
		case conn.Send <- event:
		default:
			m.log.Warnf("连接 %s 的发送通道已满，关闭连接", connID)
			go m.closeConnection(connID)
		}
	}
}

func (m *Manager) register(kind, modelID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, false
	}
	m.connectionCounter++
	conn := &Connection{
		ID:      fmt.Sprintf("%s-%d", kind, m.connectionCounter),
		Kind:    kind,
		ModelID: modelID,
		Send:    make(chan *Event, sendBuffer),
	}
	m.connections[conn.ID] = conn
	return conn, true
}

func (m *Manager) closeConnection(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.connections[connID]; ok {
		conn.close()
		delete(m.connections, connID)
	}
}

// HandleSSE streams events as Server-Sent Events. ?model=<id> filters the stream.
func (m *Manager) HandleSSE(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	conn, ok := m.register("sse", c.Query("model"))
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event manager stopped"})
		return
	}
	defer func() {
		m.closeConnection(conn.ID)
		m.log.Infof("SSE 连接已断开: %s (剩余连接数: %d)", conn.ID, m.GetConnectionCount())
	}()
	m.log.Infof("SSE 连接已建立: %s (总连接数: %d)", conn.ID, m.GetConnectionCount())

	c.SSEvent("connected", NewConnectedEvent(conn.ID).String())
	flusher.Flush()

	notify := c.Request.Context().Done()
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-notify:
			return
		case <-m.ctx.Done():
			return
		case event, ok := <-conn.Send:
			if !ok {
				return
			}
			c.SSEvent("message", event.String())
			flusher.Flush()
		case <-keepalive.C:
			_, _ = c.Writer.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		}
	}
}

// HandleWebSocket upgrades the request and streams events as JSON text frames.
// ?model=<id> filters the stream.
func (m *Manager) HandleWebSocket(c *gin.Context) {
	ws, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.WithError(err).Warn("WebSocket 升级失败")
		return
	}

	conn, ok := m.register("ws", c.Query("model"))
	if !ok {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		ws.Close()
		return
	}
	m.log.Infof("WebSocket 连接已建立: %s (总连接数: %d)", conn.ID, m.GetConnectionCount())

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(NewConnectedEvent(conn.ID)); err != nil {
		m.closeConnection(conn.ID)
		ws.Close()
		return
	}

	go m.writePump(ws, conn)
	m.readPump(ws, conn)

	m.closeConnection(conn.ID)
	m.log.Infof("WebSocket 连接已断开: %s (剩余连接数: %d)", conn.ID, m.GetConnectionCount())
}

// writePump owns all writes on the socket
func (m *Manager) writePump(ws *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case event, ok := <-conn.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and notices when the peer goes away
func (m *Manager) readPump(ws *websocket.Conn, conn *Connection) {
	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.WithError(err).WithField("conn", conn.ID).Debug("WebSocket 连接异常关闭")
			}
			return
		}
	}
}

// GetConnectionCount returns the total number of connections
func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}
