package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/internal/model"
	"github.com/gorilla/websocket"
)

// FrameHandler 处理入站帧
type FrameHandler interface {
	HandleFrame(ctx context.Context, conn *Conn, frame *model.Frame) error
}

// Conn 表示一个 WebSocket 连接。
// 同一用户可以有多个 Conn（多端在线），以 socketID 区分。
type Conn struct {
	userID    string
	socketID  string
	device    string
	conn      *websocket.Conn
	send      chan *model.Frame
	logger    clog.Logger
	handler   FrameHandler
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	remoteIP  string

	// 配置
	maxMessageSize int64
	pingInterval   time.Duration
	pongTimeout    time.Duration
}

// NewConn 创建新的连接
func NewConn(
	userID, socketID, device string,
	conn *websocket.Conn,
	logger clog.Logger,
	handler FrameHandler,
	maxMessageSize int64,
	pingInterval time.Duration,
	pongTimeout time.Duration,
) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		userID:         userID,
		socketID:       socketID,
		device:         device,
		conn:           conn,
		send:           make(chan *model.Frame, 256),
		logger:         logger,
		handler:        handler,
		ctx:            ctx,
		cancel:         cancel,
		remoteIP:       conn.RemoteAddr().String(),
		maxMessageSize: maxMessageSize,
		pingInterval:   pingInterval,
		pongTimeout:    pongTimeout,
	}
}

// UserID 连接归属的用户
func (c *Conn) UserID() string {
	return c.userID
}

// SocketID 连接的唯一标识
func (c *Conn) SocketID() string {
	return c.socketID
}

// Device 登录设备标识
func (c *Conn) Device() string {
	return c.device
}

// RemoteIP 客户端地址
func (c *Conn) RemoteIP() string {
	return c.remoteIP
}

// Send 将帧投入发送队列。缓冲满说明客户端消费过慢，
// 直接报错而不是阻塞读写协程。
func (c *Conn) Send(frame *model.Frame) error {
	select {
	case <-c.ctx.Done():
		return fmt.Errorf("connection closed")
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// SendInvalidate 下发会话失效信号（被顶号或被清扫时调用）
func (c *Conn) SendInvalidate(reason, newNodeID string) error {
	frame, err := model.NewFrame(model.FrameTypeInvalidate, &model.InvalidatePayload{
		Reason:    reason,
		NewNodeID: newNodeID,
	})
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// Close 关闭连接，幂等。已入队的帧会在关闭前尽量冲刷，
// 底层套接字由写协程在冲刷完成后关闭。
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
	})
	return nil
}

// Done 连接关闭信号
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Run 启动连接的读写协程
func (c *Conn) Run() {
	go c.writePump()
	go c.readPump()
}

// readPump 从 WebSocket 读取帧
func (c *Conn) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(c.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error",
					clog.String("user_id", c.userID),
					clog.String("socket_id", c.socketID),
					clog.Error(err))
			}
			break
		}

		// 任何入站帧都会刷新读超时，应用层心跳之外的流量同样算活跃
		c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))

		var frame model.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Warn("failed to decode frame",
				clog.String("user_id", c.userID),
				clog.String("socket_id", c.socketID),
				clog.Error(err))
			continue
		}

		if err := c.handler.HandleFrame(c.ctx, c, &frame); err != nil {
			c.logger.Error("failed to handle frame",
				clog.String("user_id", c.userID),
				clog.String("socket_id", c.socketID),
				clog.String("frame_type", frame.Type),
				clog.Error(err))
		}
	}
}

// writePump 向 WebSocket 写入帧
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			data, err := json.Marshal(frame)
			if err != nil {
				c.logger.Error("failed to encode frame",
					clog.String("user_id", c.userID),
					clog.Error(err))
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error("failed to write frame",
					clog.String("user_id", c.userID),
					clog.String("socket_id", c.socketID),
					clog.Error(err))
				return
			}

		case <-ticker.C:
			// 协议层心跳兜底，应用层 ping 帧由 dispatcher 应答
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.flush()
			return
		}
	}
}

// flush 冲刷发送队列里的残余帧（比如顶号时的 invalidate），
// 再发送关闭帧
func (c *Conn) flush() {
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	for {
		select {
		case frame := <-c.send:
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
