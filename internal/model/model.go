package model

import "time"

// Message 对应 t_message 表，消息的唯一持久化形态。
// (channel_id, seq_id) 索引支撑增量同步的区间扫描；
// (sender_id, client_msg_id) 唯一索引兜底幂等：即使 Redis 去重标记丢失，
// 重复插入也会被数据库拒绝。
type Message struct {
	MsgID       int64  `gorm:"primaryKey;column:msg_id;type:bigint;autoIncrement:false" json:"msgId"`
	ChannelID   string `gorm:"column:channel_id;type:varchar(64);not null;index:idx_chan_seq,priority:1" json:"channelId"`
	SenderID    string `gorm:"column:sender_id;type:varchar(64);not null;uniqueIndex:uniq_sender_client,priority:1" json:"senderId"`
	ClientMsgID string `gorm:"column:client_msg_id;type:varchar(64);not null;uniqueIndex:uniq_sender_client,priority:2" json:"clientMsgId"`
	SeqID       int64  `gorm:"column:seq_id;type:bigint;not null;index:idx_chan_seq,priority:2" json:"seqId"`
	ParentID    int64  `gorm:"column:parent_id;type:bigint;default:0" json:"parentId,omitempty"`
	RootID      int64  `gorm:"column:root_id;type:bigint;default:0" json:"rootId,omitempty"`
	Content     string `gorm:"column:content;type:text" json:"content"`
	MsgType     string `gorm:"column:msg_type;type:varchar(32);not null" json:"type"`
	Attachments string `gorm:"column:attachments;type:text" json:"attachments,omitempty"`
	IsPinned    bool   `gorm:"column:is_pinned;default:false" json:"isPinned"`
	IsEdited    bool   `gorm:"column:is_edited;default:false" json:"isEdited"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Channel 对应 t_channel 表。MaxSeqID 是计数器丢失时重建下界的依据，
// 由消息落库事务内 CAS 推进，可落后于 Redis 计数器但绝不超前。
type Channel struct {
	ChannelID string `gorm:"primaryKey;column:channel_id;type:varchar(64);not null"`
	Type      int    `gorm:"column:type;type:smallint;not null"` // 1-单聊(双人), 2-群聊
	Name      string `gorm:"column:name;type:varchar(128)"`
	MaxSeqID  int64  `gorm:"column:max_seq_id;type:bigint;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChannelMember 对应 t_channel_member 表。成员写入由外围 CRUD 层负责，
// 本核心只读（下行扩散时解析收件人）。
type ChannelMember struct {
	ChannelID string `gorm:"primaryKey;column:channel_id;type:varchar(64);not null"`
	UserID    string `gorm:"primaryKey;column:user_id;type:varchar(64);not null"`
	Role      int    `gorm:"column:role;type:smallint;default:0"`
	CreatedAt time.Time
}

// TableName overrides the default table name
func (Message) TableName() string       { return "t_message" }
func (Channel) TableName() string       { return "t_channel" }
func (ChannelMember) TableName() string { return "t_channel_member" }

// AllModels 返回所有需要 AutoMigrate 的 gorm 模型
func AllModels() []any {
	return []any{
		&Message{},
		&Channel{},
		&ChannelMember{},
		&MessageOutbox{},
	}
}

// Route 用户的默认寻址连接（主路由），存储在 Redis 中。
// 多端会话的完整视图在 SessionEntry 集合里，Route 只记默认投递目标。
type Route struct {
	UserID         string `json:"user_id"`
	NodeID         string `json:"node_id"`
	SocketID       string `json:"socket_id"`
	LoginTime      int64  `json:"login_time"`
	LastActiveTime int64  `json:"last_active_time"`
}

// SessionEntry 单个设备连接的会话记录，Redis hash 中按 socketID 索引
type SessionEntry struct {
	UserID         string `json:"user_id"`
	SocketID       string `json:"socket_id"`
	NodeID         string `json:"node_id"`
	Device         string `json:"device,omitempty"`
	RemoteIP       string `json:"remote_ip,omitempty"`
	LoginTime      int64  `json:"login_time"`
	LastActiveTime int64  `json:"last_active_time"`
}

// NodeInfo 集群节点注册记录，TTL 续期，按连接数参与负载排序
type NodeInfo struct {
	NodeID          string `json:"node_id"`
	Addr            string `json:"addr,omitempty"`
	RegisteredAt    int64  `json:"registered_at"`
	LastHeartbeatAt int64  `json:"last_heartbeat_at"`
	ConnCount       int64  `json:"conn_count"`
}

// Ack 状态机：sent → delivered → read，只进不退
const (
	AckStatusSent      = 1
	AckStatusDelivered = 2
	AckStatusRead      = 3
)

// AckRecord 每条消息对每个收件人一条，记录投递/已读进度与重试水位。
// SentAt 为毫秒时间戳（待确认集合按它打分做超时扫描），其余为秒。
type AckRecord struct {
	MsgID       int64  `json:"msg_id" redis:"msg_id"`
	UserID      string `json:"user_id" redis:"user_id"`
	ChannelID   string `json:"channel_id" redis:"channel_id"`
	Status      int    `json:"status" redis:"status"`
	SentAt      int64  `json:"sent_at" redis:"sent_at"`
	DeliveredAt int64  `json:"delivered_at,omitempty" redis:"delivered_at"`
	ReadAt      int64  `json:"read_at,omitempty" redis:"read_at"`
	NodeID      string `json:"node_id,omitempty" redis:"node_id"`
	RetryCount  int    `json:"retry_count" redis:"retry_count"`
	LastRetryAt int64  `json:"last_retry_at,omitempty" redis:"last_retry_at"`
}

// DedupClaim 去重标记的载荷：首次落库成功后写入，
// 重复请求凭此幂等返回最初分配的 {msgID, seqID}
type DedupClaim struct {
	MsgID int64 `json:"msg_id"`
	SeqID int64 `json:"seq_id"`
}

// 消息类型
const (
	MsgTypeText  = "text"
	MsgTypeFile  = "file"
	MsgTypeImage = "image"
)

// 频道类型
const (
	ChannelTypeDirect = 1
	ChannelTypeGroup  = 2
)
