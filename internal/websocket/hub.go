package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"boardmail/backend/internal/domain"
)

// MemberChecker 看板成员校验
type MemberChecker interface {
	IsMember(ctx context.Context, boardID, userID string) (bool, error)
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeNewMessage  MessageType = "new_message"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	BoardID   string          `json:"boardId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID       string
	UserID   string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	boardIDs map[string]bool // 订阅的看板ID
	mu       sync.Mutex
	log      *zap.Logger
}

// Hub 按看板向成员推送新邮件事件
//
// Hub 实现 service.EventPublisher；多实例部署时由 Redis 频道转发到每个实例的 Hub。
type Hub struct {
	clients        map[string]*Client            // clientID -> Client
	boards         map[string]map[string]*Client // boardID -> clientID -> Client
	unregister     chan *Client
	broadcast      chan *BroadcastMessage
	done           chan struct{}
	stopped        bool
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	members        MemberChecker
}

// BroadcastMessage 广播消息
type BroadcastMessage struct {
	BoardID string
	Message *Message
}

// NewHub 创建WebSocket Hub
func NewHub(allowedOrigins []string, members MemberChecker, log *zap.Logger) *Hub {
	// 如果没有配置，默认允许所有
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	return &Hub{
		clients:        make(map[string]*Client),
		boards:         make(map[string]map[string]*Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *BroadcastMessage, 256),
		done:           make(chan struct{}),
		log:            log,
		allowedOrigins: allowedOrigins,
		members:        members,
	}
}

// Run 启动Hub，直到 ctx 结束
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastToBoard(msg.BoardID, msg.Message)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// addClient 登记客户端，Hub 已停止时返回 false
func (h *Hub) addClient(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return false
	}
	h.clients[client.ID] = client
	h.log.Debug("client registered", zap.String("id", client.ID), zap.String("user_id", client.UserID))
	return true
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	for boardID, clients := range h.boards {
		delete(clients, client.ID)
		if len(clients) == 0 {
			delete(h.boards, boardID)
		}
	}
	delete(h.clients, client.ID)
	close(client.send)
	h.log.Debug("client unregistered", zap.String("id", client.ID))
}

// PublishNewMessage 实现 service.EventPublisher
//
// 不阻塞写入路径：广播队列满时丢弃事件。
func (h *Hub) PublishNewMessage(ctx context.Context, event domain.NewMessageEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := &BroadcastMessage{
		BoardID: event.BoardID,
		Message: &Message{
			Type:      MessageTypeNewMessage,
			BoardID:   event.BoardID,
			Data:      data,
			Timestamp: time.Now(),
		},
	}

	select {
	case h.broadcast <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		h.log.Warn("broadcast queue full, dropping event",
			zap.String("board_id", event.BoardID),
			zap.String("card_id", event.CardID),
		)
		return errors.New("websocket broadcast queue full")
	}
}

// Deliver 投递从其他实例转发来的事件
func (h *Hub) Deliver(event domain.NewMessageEvent) {
	_ = h.PublishNewMessage(context.Background(), event)
}

// broadcastToBoard 向订阅特定看板的客户端广播消息
func (h *Hub) broadcastToBoard(boardID string, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.boards[boardID] {
		select {
		case client.send <- data:
		default:
			// 客户端阻塞，跳过
			h.log.Warn("client channel blocked, skipping", zap.String("client_id", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送ping
func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&Message{Type: MessageTypePing, Timestamp: time.Now()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped = true
	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.boards = make(map[string]map[string]*Client)
}

// subscribe 在 Hub 上登记订阅
func (h *Hub) subscribe(boardID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	if h.boards[boardID] == nil {
		h.boards[boardID] = make(map[string]*Client)
	}
	h.boards[boardID][c.ID] = c
}

func (h *Hub) unsubscribe(boardID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.boards[boardID]; ok {
		delete(clients, c.ID)
		if len(clients) == 0 {
			delete(h.boards, boardID)
		}
	}
}

// HandleWebSocket 处理WebSocket连接
//
// 调用方负责认证请求；user 查询参数决定可订阅的看板。
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		userID := c.Query("user")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user is required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:       uuid.NewString(),
			UserID:   userID,
			conn:     conn,
			send:     make(chan []byte, 256),
			hub:      hub,
			boardIDs: make(map[string]bool),
			log:      hub.log,
		}

		if !hub.addClient(client) {
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribeBoard(msg.BoardID)
	case MessageTypeUnsubscribe:
		c.unsubscribeBoard(msg.BoardID)
	case MessageTypePong:
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	default:
		c.log.Debug("unknown message type", zap.String("type", string(msg.Type)))
	}
}

// subscribeBoard 订阅看板，只有看板成员可以订阅
func (c *Client) subscribeBoard(boardID string) {
	if boardID == "" {
		c.sendError("board ID is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := c.hub.members.IsMember(ctx, boardID, c.UserID)
	if err != nil {
		c.log.Error("membership check failed", zap.String("board_id", boardID), zap.Error(err))
		c.sendError("membership check failed")
		return
	}
	if !ok {
		c.log.Warn("subscription denied: not a board member",
			zap.String("client_id", c.ID),
			zap.String("board_id", boardID),
			zap.String("user_id", c.UserID))
		c.sendError("not a member of board " + boardID)
		return
	}

	c.mu.Lock()
	c.boardIDs[boardID] = true
	c.mu.Unlock()
	c.hub.subscribe(boardID, c)

	c.sendMessage(&Message{
		Type:      MessageTypeSubscribed,
		BoardID:   boardID,
		Timestamp: time.Now(),
	})
}

// unsubscribeBoard 取消订阅看板
func (c *Client) unsubscribeBoard(boardID string) {
	c.mu.Lock()
	delete(c.boardIDs, boardID)
	c.mu.Unlock()
	c.hub.unsubscribe(boardID, c)
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{
		Type:      MessageTypeError,
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

// sendMessage 发送消息给客户端
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.ID]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("client_id", c.ID))
	}
}
