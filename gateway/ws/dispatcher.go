// Package ws 实现 WebSocket 帧的路由：把客户端的各类入站帧
// 转成对 Logic 的 RPC 调用，并把结果以帧的形式回写连接。
package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/gateway/connection"
	"github.com/ceyewan/relay/gateway/observability"
	"github.com/ceyewan/relay/internal/model"
)

// LogicBackend 消息链路依赖的 Logic 操作子集
type LogicBackend interface {
	Ingest(ctx context.Context, req *model.IngestRequest) (*model.IngestResponse, error)
	Sync(ctx context.Context, req *model.SyncRequest) (*model.SyncResponse, error)
	AckDelivered(ctx context.Context, req *model.AckRequest) (*model.AckResponse, error)
	AckRead(ctx context.Context, req *model.AckRequest) (*model.AckResponse, error)
}

// Toucher 会话活跃时间刷新（由 repo.SessionRepo 实现）
type Toucher interface {
	Touch(ctx context.Context, userID, socketID, nodeID string, at time.Time) error
}

// Dispatcher 入站帧分发器
type Dispatcher struct {
	logic   LogicBackend
	toucher Toucher
	nodeID  string
	logger  clog.Logger
}

var _ connection.FrameHandler = (*Dispatcher)(nil)

// NewDispatcher 创建帧分发器
func NewDispatcher(logic LogicBackend, toucher Toucher, nodeID string, logger clog.Logger) *Dispatcher {
	return &Dispatcher{
		logic:   logic,
		toucher: toucher,
		nodeID:  nodeID,
		logger:  logger.WithNamespace("dispatcher"),
	}
}

// HandleFrame 实现 connection.FrameHandler。
// 任何入站帧都会刷新会话活跃时间，不限于 ping。
func (d *Dispatcher) HandleFrame(ctx context.Context, conn *connection.Conn, frame *model.Frame) error {
	d.touch(ctx, conn)

	switch frame.Type {
	case model.FrameTypePing:
		return d.handlePing(ctx, conn, frame)
	case model.FrameTypeSend:
		return d.handleSend(ctx, conn, frame)
	case model.FrameTypeAck:
		return d.handleAck(ctx, conn, frame)
	case model.FrameTypeSync:
		return d.handleSync(ctx, conn, frame)
	default:
		d.logger.Warn("unknown frame type",
			clog.String("user_id", conn.UserID()),
			clog.String("frame_type", frame.Type))
		return d.sendError(conn, model.CodeInvalidArgument, "unknown frame type: "+frame.Type)
	}
}

// touch 刷新会话活跃时间，失败只记日志（下一帧会再刷新）
func (d *Dispatcher) touch(ctx context.Context, conn *connection.Conn) {
	if err := d.toucher.Touch(ctx, conn.UserID(), conn.SocketID(), d.nodeID, time.Now()); err != nil {
		d.logger.Warn("failed to touch session",
			clog.String("user_id", conn.UserID()),
			clog.String("socket_id", conn.SocketID()),
			clog.Error(err))
	}
}

// handlePing 应答心跳：回显客户端时间戳并附带服务器时间
func (d *Dispatcher) handlePing(ctx context.Context, conn *connection.Conn, frame *model.Frame) error {
	observability.RecordPingFrame(ctx)

	var ping model.PingPayload
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &ping); err != nil {
			return d.sendError(conn, model.CodeInvalidArgument, "malformed ping payload")
		}
	}

	pong, err := model.NewFrame(model.FrameTypePong, &model.PongPayload{
		Timestamp:  ping.Timestamp,
		ServerTime: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return conn.Send(pong)
}

// handleSend 上行消息：发起摄取 RPC，结果以 send_ack 帧回执。
// SenderID 以连接身份为准，不信任载荷里的发送者字段。
func (d *Dispatcher) handleSend(ctx context.Context, conn *connection.Conn, frame *model.Frame) error {
	observability.RecordSendFrame(ctx)

	var req model.IngestRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return d.sendError(conn, model.CodeInvalidArgument, "malformed send payload")
	}
	req.SenderID = conn.UserID()

	resp, err := d.logic.Ingest(ctx, &req)
	if err != nil {
		d.logger.Error("ingest failed",
			clog.String("user_id", conn.UserID()),
			clog.String("client_msg_id", req.ClientMsgID),
			clog.Error(err))
		return d.sendError(conn, model.CodeOf(err), err.Error())
	}

	ack, err := model.NewFrame(model.FrameTypeSendAck, resp)
	if err != nil {
		return err
	}
	return conn.Send(ack)
}

// handleAck 投递/已读确认：按级别转成对应的 RPC
func (d *Dispatcher) handleAck(ctx context.Context, conn *connection.Conn, frame *model.Frame) error {
	var payload model.AckFramePayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return d.sendError(conn, model.CodeInvalidArgument, "malformed ack payload")
	}

	req := &model.AckRequest{
		MsgID:     payload.MsgID,
		ChannelID: payload.ChannelID,
		UserID:    conn.UserID(),
	}

	var err error
	switch payload.Level {
	case model.AckLevelDelivered:
		_, err = d.logic.AckDelivered(ctx, req)
	case model.AckLevelRead:
		_, err = d.logic.AckRead(ctx, req)
	default:
		return d.sendError(conn, model.CodeInvalidArgument, "unknown ack level: "+payload.Level)
	}

	if err != nil {
		d.logger.Error("ack failed",
			clog.String("user_id", conn.UserID()),
			clog.Int64("msg_id", payload.MsgID),
			clog.String("level", payload.Level),
			clog.Error(err))
		return d.sendError(conn, model.CodeOf(err), err.Error())
	}
	return nil
}

// handleSync 增量同步：结果以 sync_result 帧回写
func (d *Dispatcher) handleSync(ctx context.Context, conn *connection.Conn, frame *model.Frame) error {
	var req model.SyncRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return d.sendError(conn, model.CodeInvalidArgument, "malformed sync payload")
	}

	resp, err := d.logic.Sync(ctx, &req)
	if err != nil {
		d.logger.Error("sync failed",
			clog.String("user_id", conn.UserID()),
			clog.String("channel_id", req.ChannelID),
			clog.Error(err))
		return d.sendError(conn, model.CodeOf(err), err.Error())
	}

	result, err := model.NewFrame(model.FrameTypeSyncResult, resp)
	if err != nil {
		return err
	}
	return conn.Send(result)
}

// sendError 回写帧级错误
func (d *Dispatcher) sendError(conn *connection.Conn, code, message string) error {
	frame, err := model.NewFrame(model.FrameTypeError, &model.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return err
	}
	return conn.Send(frame)
}
