package repo

import (
	"context"
	"time"

	"github.com/ceyewan/relay/internal/model"
)

// CounterRepo 定义了按作用域的原子序列号分配接口，由 Redis 实现。
// 作用域形如 chan:<channelId> 或 user:<userId>。
// 序列号是严格有序的稀缺资源：单调递增、永不复用、允许空洞；
// 任何实现都不允许读-改-写，必须依赖存储端的原子自增。
type CounterRepo interface {
	// Next 对作用域计数器原子加一，返回新值
	Next(ctx context.Context, scope string) (int64, error)
	// NextN 原子预留 n 个连续序列号，返回区间 [start, end]
	NextN(ctx context.Context, scope string, n int64) (start, end int64, err error)
	// InitIfAbsent 仅在计数器不存在时设置下界（SETNX 语义），
	// 用于 Redis 丢失计数器后从持久层的 MaxSeqID 重建
	InitIfAbsent(ctx context.Context, scope string, floor int64) error
	// Current 读取当前值（不自增），仅用于诊断
	Current(ctx context.Context, scope string) (int64, error)
	// Close 释放资源
	Close() error
}

// RouteRepo 定义了用户主路由（默认寻址连接）的数据访问接口，由 Redis 实现
type RouteRepo interface {
	// SetRoute 写入或刷新用户主路由
	SetRoute(ctx context.Context, route *model.Route) error
	// GetRoute 获取用户主路由，不存在时返回 ErrRouteNotFound
	GetRoute(ctx context.Context, userID string) (*model.Route, error)
	// DeleteRoute 删除用户主路由。仅当 socketID 与当前路由一致时才删除，
	// 防止旧连接的下线误删新连接的路由
	DeleteRoute(ctx context.Context, userID, socketID string) error
	// BatchGetRoutes 批量获取主路由，缺失的用户被跳过
	BatchGetRoutes(ctx context.Context, userIDs []string) (map[string]*model.Route, error)
	// Close 释放资源
	Close() error
}

// SessionRepo 定义了多端会话的数据访问接口，由 Redis 实现。
// 每个用户一个 hash（socketID → 会话详情），每个节点一个按
// lastActive 打分的 ZSET 索引，供僵尸清扫按时间窗扫描。
type SessionRepo interface {
	// AddSession 登记一个设备连接
	AddSession(ctx context.Context, entry *model.SessionEntry) error
	// RemoveSession 移除一个设备连接，返回该用户剩余的会话
	RemoveSession(ctx context.Context, userID, socketID string) ([]*model.SessionEntry, error)
	// GetSessions 获取用户全部在线会话（多端扇出的依据）
	GetSessions(ctx context.Context, userID string) ([]*model.SessionEntry, error)
	// Touch 刷新会话活跃时间（任何入站帧都会触发，不限于 ping）
	Touch(ctx context.Context, userID, socketID, nodeID string, at time.Time) error
	// SweepZombies 清除 nodeID 上活跃时间早于 olderThan 的会话，
	// 单次至多 limit 条，返回被清除的会话
	SweepZombies(ctx context.Context, nodeID string, olderThan time.Time, limit int) ([]*model.SessionEntry, error)
	// CountNodeSessions 统计节点当前登记的会话数
	CountNodeSessions(ctx context.Context, nodeID string) (int64, error)
	// Close 释放资源
	Close() error
}

// NodeRepo 定义了集群节点注册表接口，由 Redis 实现。
// 节点记录带 TTL，心跳续期；连接数排行（ZSET）支撑接入层选节点。
type NodeRepo interface {
	// Register 写入节点记录并加入活跃集合与排行
	Register(ctx context.Context, info *model.NodeInfo) error
	// Heartbeat 刷新节点 TTL 与心跳时间
	Heartbeat(ctx context.Context, nodeID string) error
	// Deregister 优雅下线：删除记录并移出集合与排行
	Deregister(ctx context.Context, nodeID string) error
	// GetNode 读取节点记录
	GetNode(ctx context.Context, nodeID string) (*model.NodeInfo, error)
	// ListActive 列出活跃节点（过滤掉 TTL 已失效的残留成员）
	ListActive(ctx context.Context) ([]*model.NodeInfo, error)
	// IncrConn / DecrConn 维护连接数排行
	IncrConn(ctx context.Context, nodeID string) error
	DecrConn(ctx context.Context, nodeID string) error
	// PickLeastLoaded 返回连接数最少的活跃节点
	PickLeastLoaded(ctx context.Context) (*model.NodeInfo, error)
	// Close 释放资源
	Close() error
}

// DedupRepo 定义了幂等去重标记接口，由 Redis 实现。
// 键为 (senderID, clientMsgID)，值为首次落库分配的 {msgID, seqID}，
// 带有界 TTL，覆盖客户端的重试窗口。
type DedupRepo interface {
	// Get 查询去重标记，不存在时返回 (nil, nil)
	Get(ctx context.Context, senderID, clientMsgID string) (*model.DedupClaim, error)
	// SetNX 仅在标记不存在时写入（落库提交之后调用）
	SetNX(ctx context.Context, senderID, clientMsgID string, claim *model.DedupClaim) (bool, error)
	// Close 释放资源
	Close() error
}

// AckRepo 定义了投递确认的数据访问接口，由 Redis 实现。
// 每个 (msgID, userID) 一条记录；状态只进不退由 Lua 保证；
// 每用户一个按 sentAt 打分的待确认 ZSET；全局 dirty ZSET
// 记录有待确认消息的用户，供重试进程分片扫描。
type AckRepo interface {
	// Create 创建 sent 状态的确认记录并加入待确认集合
	Create(ctx context.Context, rec *model.AckRecord) error
	// Get 读取确认记录，不存在时返回 (nil, nil)
	Get(ctx context.Context, msgID int64, userID string) (*model.AckRecord, error)
	// Advance 前向推进状态，返回推进后的终值；
	// 目标状态不高于当前状态时为 no-op
	Advance(ctx context.Context, msgID int64, userID string, status int, at time.Time) (int, error)
	// RemovePending 将消息移出用户的待确认集合
	RemovePending(ctx context.Context, userID string, msgID int64) error
	// ScanOverdue 返回用户发出超过 ackTimeout 仍未确认的消息，
	// 页大小有界以避免重试风暴
	ScanOverdue(ctx context.Context, userID string, ackTimeout time.Duration, limit int) ([]*model.AckRecord, error)
	// BumpRetry 自增重试计数并记录时间，返回新的计数
	BumpRetry(ctx context.Context, msgID int64, userID string, at time.Time) (int, error)
	// DirtyUsers 返回 dirty 集合中的一批用户（按最早待确认时间排序）
	DirtyUsers(ctx context.Context, limit int) ([]string, error)
	// ClearDirty 用户的待确认集合清空后将其移出 dirty 集合
	ClearDirty(ctx context.Context, userID string) error
	// Close 释放资源
	Close() error
}

// MessageRepo 定义了消息持久化接口，由 genesis/db (gorm) 实现
type MessageRepo interface {
	// SaveWithOutbox 事务内保存消息、推进频道 MaxSeqID 并写本地消息表
	SaveWithOutbox(ctx context.Context, msg *model.Message, outbox *model.MessageOutbox) error
	// GetRange 拉取 seqID > fromSeq 的消息，升序，至多 limit 条
	GetRange(ctx context.Context, channelID string, fromSeq int64, limit int) ([]*model.Message, error)
	// GetLatestWindow 拉取最近 limit 条消息，升序返回
	GetLatestWindow(ctx context.Context, channelID string, limit int) ([]*model.Message, error)
	// MaxSeq 返回频道当前最大序列号（无消息时为 0）
	MaxSeq(ctx context.Context, channelID string) (int64, error)
	// GetByID 按消息 ID 读取，不存在时返回 ErrMessageNotFound
	GetByID(ctx context.Context, msgID int64) (*model.Message, error)
	// GetChannelMembers 解析频道成员（下行扩散用，只读）
	GetChannelMembers(ctx context.Context, channelID string) ([]string, error)
	// GetPendingOutbox 获取到期待发送的本地消息
	GetPendingOutbox(ctx context.Context, limit int) ([]*model.MessageOutbox, error)
	// UpdateOutboxStatus 更新本地消息表状态
	UpdateOutboxStatus(ctx context.Context, id int64, status int) error
	// UpdateOutboxRetry 更新本地消息表重试信息
	UpdateOutboxRetry(ctx context.Context, id int64, nextRetry time.Time, count int) error
	// Close 释放资源
	Close() error
}
