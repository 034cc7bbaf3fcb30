// Package api 提供 Gateway 的 HTTP 面：WebSocket 接入与 REST 查询接口。
package api

import (
	"context"
	"net/http"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/gateway/connection"
	"github.com/ceyewan/relay/gateway/observability"
	"github.com/ceyewan/relay/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocket 处理 WebSocket 接入
type WebSocket struct {
	connMgr        *connection.Manager
	frameHandler   connection.FrameHandler
	upgrader       *websocket.Upgrader
	maxMessageSize int64
	logger         clog.Logger
}

// NewWebSocket 创建 WebSocket 接入处理器
func NewWebSocket(
	connMgr *connection.Manager,
	frameHandler connection.FrameHandler,
	readBufferSize, writeBufferSize int,
	maxMessageSize int64,
	logger clog.Logger,
) *WebSocket {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			// 生产环境需要严格检查 Origin
			return true
		},
	}

	return &WebSocket{
		connMgr:        connMgr,
		frameHandler:   frameHandler,
		upgrader:       upgrader,
		maxMessageSize: maxMessageSize,
		logger:         logger.WithNamespace("ws"),
	}
}

// Handle 处理 WebSocket 连接请求。
// 身份由外围接入层保证，这里只取 userId 标识连接归属。
func (ws *WebSocket) Handle(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing userId"})
		return
	}
	device := c.Query("device")

	wsConn, err := ws.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ws.logger.Error("failed to upgrade websocket",
			clog.String("user_id", userID),
			clog.String("remote_addr", c.Request.RemoteAddr),
			clog.Error(err))
		return
	}

	// socketID 服务端生成，全局唯一
	socketID := uuid.New().String()

	conn := connection.NewConn(
		userID, socketID, device,
		wsConn,
		ws.logger,
		ws.frameHandler,
		ws.maxMessageSize,
		model.PingInterval,
		model.HeartbeatTimeout,
	)

	// 升级完成后请求的 Context 即将失效，登记走独立 Context
	ctx := context.Background()
	ws.connMgr.Add(ctx, conn)
	observability.RecordConnectionEstablished(ctx)
	observability.SetConnectionsActive(ctx, ws.connMgr.Count())

	conn.Run()

	// 连接关闭后清理登记
	go func() {
		<-conn.Done()
		cleanupCtx := context.Background()
		ws.connMgr.Remove(cleanupCtx, conn)
		observability.SetConnectionsActive(cleanupCtx, ws.connMgr.Count())
	}()
}
