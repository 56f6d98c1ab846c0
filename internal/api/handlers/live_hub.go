package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/apk-analysis/apk-risk-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	clientSendSize = 32
)

// liveClient 单个 websocket 订阅者
type liveClient struct {
	conn       *websocket.Conn
	send       chan service.Event
	analysisID string // 为空时接收全部事件
}

// LiveHub 向 websocket 客户端推送分析状态事件，实现 service.Notifier
type LiveHub struct {
	logger    *logrus.Logger
	upgrader  websocket.Upgrader
	broadcast chan service.Event

	mu      sync.RWMutex
	clients map[*liveClient]struct{}
}

// NewLiveHub 创建推送中心
func NewLiveHub(logger *logrus.Logger) *LiveHub {
	return &LiveHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		broadcast: make(chan service.Event, 100),
		clients:   make(map[*liveClient]struct{}),
	}
}

// Run 运行广播循环，ctx 结束时关闭所有连接
func (h *LiveHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case event := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.analysisID != "" && c.analysisID != event.AnalysisID {
					continue
				}
				select {
				case c.send <- event:
				default:
					h.logger.WithField("analysis_id", event.AnalysisID).Warn("WebSocket client too slow, dropping event")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Notify 投递事件，广播队列满时丢弃
func (h *LiveHub) Notify(event service.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("Broadcast channel is full, dropping message")
	}
}

// ClientCount 当前连接数
func (h *LiveHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket 建立订阅连接
// GET /ws/analyses?analysis_id=xxx
func (h *LiveHub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &liveClient{
		conn:       conn,
		send:       make(chan service.Event, clientSendSize),
		analysisID: c.Query("analysis_id"),
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.logger.WithField("analysis_id", client.analysisID).Info("WebSocket client connected")

	go h.writePump(client)
	h.readPump(client)
}

// readPump 只用于感知断开和处理 pong
func (h *LiveHub) readPump(client *liveClient) {
	defer func() {
		h.remove(client)
		client.conn.Close()
		h.logger.WithField("analysis_id", client.analysisID).Info("WebSocket client disconnected")
	}()

	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			return
		}
	}
}

func (h *LiveHub) writePump(client *liveClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(event); err != nil {
				h.logger.WithError(err).Warn("Failed to write to WebSocket client")
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *LiveHub) remove(client *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}
