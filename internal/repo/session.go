package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/relay/internal/model"
	"github.com/redis/go-redis/v9"
)

// 确保 sessionRepo 实现了 SessionRepo 接口
var _ SessionRepo = (*sessionRepo)(nil)

const (
	sessionUserKeyPrefix = "relay:sess:user:"
	sessionNodeKeyPrefix = "relay:sess:node:"
)

// 节点索引成员格式为 "userID|socketID"，ID 中不允许出现 '|'

// 移除会话并返回该用户剩余会话，供主路由晋升决策
var luaRemoveSession = redis.NewScript(`
redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[2])
return redis.call("HVALS", KEYS[1])
`)

// 刷新活跃时间：改写会话记录并同步节点索引的分数
var luaTouchSession = redis.NewScript(`
local raw = redis.call("HGET", KEYS[1], ARGV[1])
if not raw then
	return 0
end
local ok, entry = pcall(cjson.decode, raw)
if not ok then
	return 0
end
entry["last_active_time"] = tonumber(ARGV[3])
redis.call("HSET", KEYS[1], ARGV[1], cjson.encode(entry))
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[2])
return 1
`)

// 僵尸清扫：按分数（最后活跃时间）扫出超龄成员，逐个摘除并带回记录。
// 扫描、删除、返回在一个脚本里完成，避免清扫与正常下线互相踩踏。
var luaSweepZombies = redis.NewScript(`
local victims = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
local evicted = {}
for _, member in ipairs(victims) do
	local sep = string.find(member, "|", 1, true)
	if sep then
		local userKey = ARGV[3] .. string.sub(member, 1, sep - 1)
		local socketId = string.sub(member, sep + 1)
		local raw = redis.call("HGET", userKey, socketId)
		redis.call("HDEL", userKey, socketId)
		redis.call("ZREM", KEYS[1], member)
		if raw then
			table.insert(evicted, raw)
		end
	else
		redis.call("ZREM", KEYS[1], member)
	end
end
return evicted
`)

// sessionRepo SessionRepo 的 Redis 实现
type sessionRepo struct {
	client *redis.Client
	logger clog.Logger
}

// SessionRepoOption 配置选项
type SessionRepoOption func(*sessionRepoOptions)

type sessionRepoOptions struct {
	logger clog.Logger
}

// WithSessionRepoLogger 设置日志记录器
func WithSessionRepoLogger(logger clog.Logger) SessionRepoOption {
	return func(o *sessionRepoOptions) {
		o.logger = logger
	}
}

// NewSessionRepo 创建 SessionRepo 实例
func NewSessionRepo(redisConn connector.RedisConnector, opts ...SessionRepoOption) (SessionRepo, error) {
	if redisConn == nil {
		return nil, fmt.Errorf("redis connector cannot be nil")
	}

	options := &sessionRepoOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger, err := ensureLogger(options.logger, "session")
	if err != nil {
		return nil, err
	}

	return &sessionRepo{
		client: redisConn.GetClient(),
		logger: logger,
	}, nil
}

func sessionUserKey(userID string) string {
	return sessionUserKeyPrefix + userID
}

func sessionNodeKey(nodeID string) string {
	return sessionNodeKeyPrefix + nodeID
}

func sessionMember(userID, socketID string) string {
	return userID + "|" + socketID
}

// AddSession 登记一个设备连接
func (r *sessionRepo) AddSession(ctx context.Context, entry *model.SessionEntry) error {
	if entry == nil {
		return fmt.Errorf("session entry cannot be nil")
	}
	if entry.UserID == "" || entry.SocketID == "" || entry.NodeID == "" {
		return fmt.Errorf("session user_id, socket_id and node_id are required")
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal session entry: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, sessionUserKey(entry.UserID), entry.SocketID, raw)
	pipe.Expire(ctx, sessionUserKey(entry.UserID), model.SessionTTL)
	pipe.ZAdd(ctx, sessionNodeKey(entry.NodeID), redis.Z{
		Score:  float64(entry.LastActiveTime),
		Member: sessionMember(entry.UserID, entry.SocketID),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Failed to add session",
			clog.String("user_id", entry.UserID),
			clog.String("socket_id", entry.SocketID),
			clog.Error(err),
		)
		return fmt.Errorf("failed to add session: %w", err)
	}

	r.logger.DebugContext(ctx, "Session added",
		clog.String("user_id", entry.UserID),
		clog.String("socket_id", entry.SocketID),
		clog.String("node_id", entry.NodeID),
	)
	return nil
}

// RemoveSession 移除一个设备连接，返回该用户剩余的会话
func (r *sessionRepo) RemoveSession(ctx context.Context, userID, socketID string) ([]*model.SessionEntry, error) {
	if userID == "" || socketID == "" {
		return nil, fmt.Errorf("user_id and socket_id cannot be empty")
	}

	// 节点索引的键需要先定位会话所在节点；从用户 hash 读一次即可
	entry, err := r.getSession(ctx, userID, socketID)
	if err != nil {
		return nil, err
	}
	nodeID := ""
	if entry != nil {
		nodeID = entry.NodeID
	}

	res, err := luaRemoveSession.Run(ctx, r.client,
		[]string{sessionUserKey(userID), sessionNodeKey(nodeID)},
		socketID, sessionMember(userID, socketID),
	).StringSlice()
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to remove session",
			clog.String("user_id", userID),
			clog.String("socket_id", socketID),
			clog.Error(err),
		)
		return nil, fmt.Errorf("failed to remove session: %w", err)
	}

	return decodeSessionEntries(res), nil
}

// GetSessions 获取用户全部在线会话
func (r *sessionRepo) GetSessions(ctx context.Context, userID string) ([]*model.SessionEntry, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id cannot be empty")
	}

	vals, err := r.client.HVals(ctx, sessionUserKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get sessions: %w", err)
	}
	return decodeSessionEntries(vals), nil
}

func (r *sessionRepo) getSession(ctx context.Context, userID, socketID string) (*model.SessionEntry, error) {
	raw, err := r.client.HGet(ctx, sessionUserKey(userID), socketID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var entry model.SessionEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session entry: %w", err)
	}
	return &entry, nil
}

// Touch 刷新会话活跃时间
func (r *sessionRepo) Touch(ctx context.Context, userID, socketID, nodeID string, at time.Time) error {
	if userID == "" || socketID == "" || nodeID == "" {
		return fmt.Errorf("user_id, socket_id and node_id cannot be empty")
	}

	if _, err := luaTouchSession.Run(ctx, r.client,
		[]string{sessionUserKey(userID), sessionNodeKey(nodeID)},
		socketID, sessionMember(userID, socketID), at.Unix(),
	).Result(); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// SweepZombies 清除节点上超龄的会话
func (r *sessionRepo) SweepZombies(ctx context.Context, nodeID string, olderThan time.Time, limit int) ([]*model.SessionEntry, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("node_id cannot be empty")
	}
	if limit <= 0 {
		limit = model.ZombieBatchSize
	}

	res, err := luaSweepZombies.Run(ctx, r.client,
		[]string{sessionNodeKey(nodeID)},
		olderThan.Unix(), limit, sessionUserKeyPrefix,
	).StringSlice()
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to sweep zombie sessions",
			clog.String("node_id", nodeID),
			clog.Error(err),
		)
		return nil, fmt.Errorf("failed to sweep zombies: %w", err)
	}

	evicted := decodeSessionEntries(res)
	if len(evicted) > 0 {
		r.logger.InfoContext(ctx, "Zombie sessions evicted",
			clog.String("node_id", nodeID),
			clog.Int("count", len(evicted)),
		)
	}
	return evicted, nil
}

// CountNodeSessions 统计节点当前登记的会话数
func (r *sessionRepo) CountNodeSessions(ctx context.Context, nodeID string) (int64, error) {
	if nodeID == "" {
		return 0, fmt.Errorf("node_id cannot be empty")
	}
	count, err := r.client.ZCard(ctx, sessionNodeKey(nodeID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count node sessions: %w", err)
	}
	return count, nil
}

// Close 关闭资源
func (r *sessionRepo) Close() error {
	return nil
}

func decodeSessionEntries(raws []string) []*model.SessionEntry {
	entries := make([]*model.SessionEntry, 0, len(raws))
	for _, raw := range raws {
		var entry model.SessionEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries
}
