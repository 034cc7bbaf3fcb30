package model

import "time"

// 心跳与僵尸清扫参数。TIMEOUT 取 3 倍心跳间隔以容忍网络抖动；
// 超时后再给一个 GRACE 窗口才判定僵尸，避免误杀慢速重连的客户端。
const (
	PingInterval        = 30 * time.Second
	HeartbeatTimeout    = 3 * PingInterval // 90s
	GracePeriod         = 30 * time.Second
	ZombieCheckInterval = 30 * time.Second
	ZombieBatchSize     = 100
)

// ACK 重试参数。重试耗尽后放弃主动推送，交给增量同步兜底。
const (
	AckTimeout    = 30 * time.Second
	MaxRetryCount = 3
	RetryDelay    = 10 * time.Second // 每次重试按 2 的幂退避
	RetryPageSize = 10
)

// 增量同步分页
const (
	SyncPageSize    = 50
	SyncMaxPageSize = 200
)

// 去重标记的保留时长，覆盖客户端所有合理的重试窗口
const DedupTTL = 24 * time.Hour

// 路由与会话记录的 Redis TTL，防止节点异常退出后残留
const (
	RouteTTL   = 24 * time.Hour
	SessionTTL = 24 * time.Hour
	NodeTTL    = 60 * time.Second
)
