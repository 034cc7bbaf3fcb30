package model

import "fmt"

// NATS 主题规划。
// 下行链路：logic 发布 SubjectDownstream（task 集群以 queue group 消费），
// task 按归属节点改写为 SubjectNodePush，gateway 节点各自订阅自己的主题；
// 广播走 SubjectBroadcast；重试耗尽的推送进 SubjectDeadLetter。
// 网关到 logic 的请求走 relay.rpc.logic.<method> 的 request-reply。
const (
	SubjectDownstream = "relay.msg.downstream"
	SubjectBroadcast  = "relay.broadcast"
	SubjectDeadLetter = "relay.dlq.push"

	// task 集群的 queue group，保证一条下行事件只被一个 task 实例处理
	QueueGroupTask = "relay-task"

	rpcSubjectPrefix   = "relay.rpc.logic."
	nodeSubjectPrefix  = "relay.push.node."
	QueueGroupLogicRPC = "relay-logic"
)

// RPC 方法名
const (
	RPCMethodIngest       = "ingest"
	RPCMethodIngestBatch  = "ingest_batch"
	RPCMethodSync         = "sync"
	RPCMethodAckDelivered = "ack_delivered"
	RPCMethodAckRead      = "ack_read"
	RPCMethodPresence     = "presence_sync"
)

// RPCSubject 拼接 logic RPC 方法的请求主题
func RPCSubject(method string) string {
	return rpcSubjectPrefix + method
}

// NodePushSubject 拼接节点专属下行主题
func NodePushSubject(nodeID string) string {
	return fmt.Sprintf("%s%s", nodeSubjectPrefix, nodeID)
}

// DownstreamEvent logic 落库成功后发布的下行事件，task 负责扩散
type DownstreamEvent struct {
	Message *Message `json:"message"`
	TraceID string   `json:"trace_id,omitempty"`
}

// 节点推送事件的种类
const (
	PushKindMessage    = "message"
	PushKindInvalidate = "invalidate"
)

// NodePushEvent task 发往具体 gateway 节点的推送指令
type NodePushEvent struct {
	Kind       string   `json:"kind"`
	UserID     string   `json:"user_id"`
	SocketID   string   `json:"socket_id,omitempty"` // 仅 invalidate 需要定位到具体连接
	Message    *Message `json:"message,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	RetryCount int      `json:"retry_count,omitempty"`
	TraceID    string   `json:"trace_id,omitempty"`
}

// BroadcastEvent 集群级广播，所有 gateway 节点都会收到并推给全部在线连接
type BroadcastEvent struct {
	Message *Message `json:"message"`
	TraceID string   `json:"trace_id,omitempty"`
}

// DeadLetterEvent 重试耗尽后的归档事件，收敛性由增量同步兜底
type DeadLetterEvent struct {
	MsgID       int64  `json:"msg_id"`
	ChannelID   string `json:"channel_id"`
	SeqID       int64  `json:"seq_id"`
	UserID      string `json:"user_id"`
	RetryCount  int    `json:"retry_count"`
	AbandonedAt int64  `json:"abandoned_at"`
	Reason      string `json:"reason"`
}

// Attachment 消息附件元数据
type Attachment struct {
	FileKey  string `json:"fileKey"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

// IngestRequest 摄取 RPC 请求。ClientMsgID 是幂等键，
// 同一 sender 的重复请求必须返回最初分配的 {msgId, seqId}。
type IngestRequest struct {
	ClientMsgID string            `json:"clientMsgId"`
	ChannelID   string            `json:"channelId"`
	SenderID    string            `json:"senderId"`
	Content     string            `json:"content,omitempty"`
	Type        string            `json:"type"`
	ParentID    int64             `json:"parentId,omitempty"`
	RootID      int64             `json:"rootId,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// IngestResponse 摄取 RPC 响应
type IngestResponse struct {
	MsgID       int64  `json:"msgId"`
	SeqID       int64  `json:"seqId"`
	ClientMsgID string `json:"clientMsgId"`
	Status      string `json:"status"`
	Timestamp   int64  `json:"timestamp"`
}

// 摄取响应状态
const (
	IngestStatusPersisted = "persisted"
	IngestStatusDuplicate = "duplicate"
)

// IngestBatchRequest 批量摄取：一次区间自增预留连续号段
type IngestBatchRequest struct {
	Items []IngestRequest `json:"items"`
}

// IngestBatchResponse 批量摄取响应，与请求一一对应
type IngestBatchResponse struct {
	Results []IngestResponse `json:"results"`
}

// SyncRequest 增量同步请求。FromSeqID 为空表示拉取最新窗口。
type SyncRequest struct {
	ChannelID string `json:"channelId"`
	FromSeqID *int64 `json:"fromSeqId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// SyncResponse 增量同步响应，消息按 seqId 升序；
// HasMore 为真时客户端以 ToSeqID 作为下一页游标
type SyncResponse struct {
	Messages  []*Message `json:"messages"`
	FromSeqID int64      `json:"fromSeqId"`
	ToSeqID   int64      `json:"toSeqId"`
	HasMore   bool       `json:"hasMore"`
}

// AckRequest 投递/已读确认请求（两个方法共用）
type AckRequest struct {
	MsgID     int64  `json:"msgId"`
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}

// AckResponse 确认后的状态（前向推进后的终值）
type AckResponse struct {
	Status int `json:"status"`
}

// Presence 事件类型
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// PresenceEvent 单条上下线事件，由 gateway 聚合后批量上报
type PresenceEvent struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	SocketID  string `json:"socketId"`
	NodeID    string `json:"nodeId"`
	Device    string `json:"device,omitempty"`
	RemoteIP  string `json:"remoteIp,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// PresenceSyncRequest 批量上下线同步
type PresenceSyncRequest struct {
	Events []PresenceEvent `json:"events"`
}

// PresenceSyncResponse 同步结果
type PresenceSyncResponse struct {
	Accepted int `json:"accepted"`
}
