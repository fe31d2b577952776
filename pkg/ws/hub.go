package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType 推送消息类型
const (
	MsgTypeParkingData = "parkingData" // 完整停车记录快照
)

const (
	sendBufferSize  = 256
	initDataTimeout = 5 * time.Second
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
)

// Message 推送消息结构
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// InitDataProvider 返回新订阅者连接时推送的初始消息
type InitDataProvider func(ctx context.Context) (msgType string, data interface{}, err error)

// Client 订阅者，WebSocket 连接或纯 channel（SSE 等）
type Client struct {
	hub       *Hub
	conn      *websocket.Conn // 纯 channel 订阅者为 nil
	send      chan []byte
	closeOnce sync.Once

	// 以下字段仅 Run 协程访问
	closed    bool // send 已关闭
	leftEarly bool // 注册入队前已注销
}

// hubOp 注册与广播共用一个队列，按入队顺序处理
type hubOp struct {
	client  *Client // 非 nil 为注册
	initMsg []byte  // 注册时的初始快照
	message []byte  // 广播内容
}

// Hub 订阅者管理中心
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	ops        chan hubOp
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	// 初始数据提供者回调
	getInitData InitDataProvider
	// 与广播方共享的顺序锁，读取初始快照并入队期间持有
	order sync.Locker
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		ops:        make(chan hubOp, sendBufferSize),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// SetInitDataProvider 设置初始数据提供者，须在 Run 之前调用
// order 非空时，读取初始快照与注册入队在 order 内完成；
// 广播方在同一把锁内读取快照并调用 Broadcast，订阅者收到的快照即不会回退
func (h *Hub) SetInitDataProvider(provider InitDataProvider, order sync.Locker) {
	h.getInitData = provider
	h.order = order
}

// Run 运行 Hub，ctx 取消后关闭所有订阅者
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.remove(client)
			}
			h.mu.Unlock()
			h.closeQueued()
			return

		case op := <-h.ops:
			if op.client != nil {
				h.addClient(op.client, op.initMsg)
				continue
			}
			h.fanOut(op.message)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.remove(client)
			} else if !client.closed {
				client.leftEarly = true
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Subscriber disconnected", zap.Int("total_clients", total))
		}
	}
}

func (h *Hub) addClient(client *Client, initMsg []byte) {
	if client.leftEarly {
		client.closed = true
		close(client.send)
		return
	}

	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("Subscriber connected", zap.Int("total_clients", total))

	if initMsg == nil {
		return
	}
	// 新订阅者缓冲区为空，不会阻塞
	client.send <- initMsg
	h.logger.Debug("Sent init data to subscriber")
}

func (h *Hub) fanOut(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			// 慢消费者，断开
			h.remove(client)
			h.logger.Warn("Dropped slow subscriber")
		}
	}
}

// remove 调用方需持有 h.mu
func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	client.closed = true
	close(client.send)
}

// closeQueued 关闭仍在队列中等待注册的订阅者
func (h *Hub) closeQueued() {
	for {
		select {
		case op := <-h.ops:
			if op.client != nil && !op.client.closed {
				op.client.closed = true
				close(op.client.send)
			}
		default:
			return
		}
	}
}

// loadInitData 读取初始快照，失败时返回 nil
func (h *Hub) loadInitData() []byte {
	if h.getInitData == nil {
		h.logger.Warn("No init data provider set")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), initDataTimeout)
	defer cancel()

	msgType, data, err := h.getInitData(ctx)
	if err != nil {
		h.logger.Error("Failed to load init data", zap.Error(err))
		return nil
	}

	payload, err := Encode(msgType, data)
	if err != nil {
		h.logger.Error("Failed to marshal init data", zap.Error(err))
		return nil
	}
	return payload
}

// Encode 编码推送消息
func Encode(msgType string, data interface{}) ([]byte, error) {
	return json.Marshal(Message{Type: msgType, Data: data})
}

// Broadcast 广播已编码消息给所有订阅者
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.ops <- hubOp{message: message}:
	case <-h.done:
	}
}

// BroadcastMessage 广播结构化消息给所有订阅者
func (h *Hub) BroadcastMessage(msgType string, data interface{}) {
	payload, err := Encode(msgType, data)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.Broadcast(payload)
}

// ClientCount 获取订阅者数量
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribe 注册一个纯 channel 订阅者，首条消息为初始快照
func (h *Hub) Subscribe() *Client {
	client := newClient(h, nil)
	client.Register()
	return client
}

// NewClient 创建 WebSocket 客户端
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return newClient(hub, conn)
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

// Messages 订阅消息流，Hub 断开订阅者后关闭
func (c *Client) Messages() <-chan []byte {
	return c.send
}

// Register 读取初始快照并注册客户端
func (c *Client) Register() {
	h := c.hub
	if h.order != nil {
		h.order.Lock()
		defer h.order.Unlock()
	}

	select {
	case <-h.done:
		close(c.send)
		return
	default:
	}

	op := hubOp{client: c, initMsg: h.loadInitData()}
	select {
	case h.ops <- op:
	case <-h.done:
		close(c.send)
	}
}

// Unregister 注销客户端
func (c *Client) Unregister() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// Close 注销订阅者，可重复调用
func (c *Client) Close() {
	c.closeOnce.Do(c.Unregister)
}

// ReadPump 读取消息（保持连接活跃）
func (c *Client) ReadPump() {
	defer func() {
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		// 不处理客户端消息，仅保持连接
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// WritePump 发送消息
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
