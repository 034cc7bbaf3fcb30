package connection

import (
	"context"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/gateway/client"
)

// PresenceCallback 上下线回调：把连接管理器的连接/断开事件
// 转成上下线事件交给批量上报器
type PresenceCallback struct {
	batcher *client.StatusBatcher
	logger  clog.Logger
}

// NewPresenceCallback 创建上下线回调
func NewPresenceCallback(batcher *client.StatusBatcher, logger clog.Logger) *PresenceCallback {
	return &PresenceCallback{
		batcher: batcher,
		logger:  logger,
	}
}

// OnConnect 连接建立回调
func (p *PresenceCallback) OnConnect(ctx context.Context, conn *Conn) {
	p.batcher.Online(conn.UserID(), conn.SocketID(), conn.Device(), conn.RemoteIP())
	p.logger.Debug("user online queued",
		clog.String("user_id", conn.UserID()),
		clog.String("socket_id", conn.SocketID()))
}

// OnDisconnect 连接断开回调
func (p *PresenceCallback) OnDisconnect(ctx context.Context, conn *Conn) {
	p.batcher.Offline(conn.UserID(), conn.SocketID())
	p.logger.Debug("user offline queued",
		clog.String("user_id", conn.UserID()),
		clog.String("socket_id", conn.SocketID()))
}
