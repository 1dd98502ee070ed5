package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/logger"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h        *Hub
	svc      *collab.Service
	presence cache.PresenceCache
	sem      *collab.SemaphoreControl
}

func NewManager(h *Hub, svc *collab.Service, presence cache.PresenceCache, sem *collab.SemaphoreControl) *Manager {
	return &Manager{h: h, svc: svc, presence: presence, sem: sem}
}

// WebSocketConnect 鉴权中间件已经把 userId/username 放进了 gin.Context。
// 升级连接后：先起写循环，再进读循环（阻塞至连接关闭），
// 最后无条件走 cleanup、再关出站队列（defer 后进先出）。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade error",
			zap.Error(err), zap.String("origin", c.Request.Header.Get("Origin")))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.h, userID, username, m.svc, m.presence, m.sem)
	defer wsConn.closeSend()
	defer wsConn.cleanup()

	go wsConn.writeLoop()
	wsConn.enqueue(ServerMessage{Type: "welcome"})

	wsConn.readLoop(c.Request.Context())
}
