package model

import "encoding/json"

// WebSocket 帧协议：统一信封 + 分类型载荷。
// 任何入站帧都会刷新会话心跳，不限于 ping。
const (
	FrameTypePing       = "ping"
	FrameTypePong       = "pong"
	FrameTypeSend       = "send"
	FrameTypeSendAck    = "send_ack"
	FrameTypeMessage    = "message"
	FrameTypeAck        = "ack"
	FrameTypeSync       = "sync"
	FrameTypeSyncResult = "sync_result"
	FrameTypeInvalidate = "invalidate"
	FrameTypeError      = "error"
)

// Frame WebSocket 帧信封
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame 构造帧，载荷序列化失败时返回错误
func NewFrame(frameType string, payload any) (*Frame, error) {
	if payload == nil {
		return &Frame{Type: frameType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: frameType, Data: data}, nil
}

// PingPayload 客户端心跳帧
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// PongPayload 服务端心跳应答：回显客户端时间戳并附带服务器时间
type PongPayload struct {
	Timestamp  int64 `json:"timestamp"`
	ServerTime int64 `json:"serverTime"`
}

// AckLevel 客户端确认级别
const (
	AckLevelDelivered = "delivered"
	AckLevelRead      = "read"
)

// AckFramePayload 客户端对下行消息的确认
type AckFramePayload struct {
	MsgID     int64  `json:"msgId"`
	ChannelID string `json:"channelId"`
	Level     string `json:"level"`
}

// InvalidatePayload 会话失效信号：连接被更新的登录顶替时显式下发，
// 客户端据此区分"网络抖动"与"在别处被顶号"
type InvalidatePayload struct {
	Reason    string `json:"reason"`
	NewNodeID string `json:"newNodeId,omitempty"`
}

// ErrorPayload 帧级错误应答
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
