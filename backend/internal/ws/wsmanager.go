package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/presence"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
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
	hub       *Hub
	authority collab.Authority
	tracker   *presence.Tracker
	sem       *collab.SemaphoreControl
}

func NewManager(hub *Hub, authority collab.Authority, tracker *presence.Tracker, sem *collab.SemaphoreControl) *Manager {
	return &Manager{hub: hub, authority: authority, tracker: tracker, sem: sem}
}

// WebSocketConnect 鉴权中间件已把身份写进 gin.Context，
// 这里只负责升级连接并启动读写循环。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, userID, username, m.authority, m.tracker, m.sem)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.SendMessage_Enqueue(WelcomeMessage{Type: "welcome", UserID: userID})

	// 读循环阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())
}
