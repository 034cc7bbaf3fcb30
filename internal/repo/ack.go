package repo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/relay/internal/model"
	"github.com/redis/go-redis/v9"
)

// 确保 ackRepo 实现了 AckRepo 接口
var _ AckRepo = (*ackRepo)(nil)

const (
	ackRecordKeyPrefix  = "relay:ack:rec:"
	ackPendingKeyPrefix = "relay:ack:pending:"
	ackDirtyKey         = "relay:ack:dirty"

	// 记录保留时长：远大于重试窗口即可，防止永不确认的记录泄漏
	ackRecordTTL = 7 * 24 * time.Hour
)

// 状态前向推进：目标不高于当前值时不写任何字段，返回当前终值
var luaAdvanceAck = redis.NewScript(`
local cur = tonumber(redis.call("HGET", KEYS[1], "status") or "0")
if cur == 0 then
	return 0
end
local target = tonumber(ARGV[1])
if target <= cur then
	return cur
end
redis.call("HSET", KEYS[1], "status", target, ARGV[2], ARGV[3])
return target
`)

// 摘除待确认成员；集合清空时顺带把用户移出 dirty 集合
var luaRemovePending = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
if redis.call("ZCARD", KEYS[1]) == 0 then
	redis.call("ZREM", KEYS[2], ARGV[2])
end
return 1
`)

var luaClearDirtyIfEmpty = redis.NewScript(`
if redis.call("ZCARD", KEYS[1]) == 0 then
	redis.call("ZREM", KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// ackRepo AckRepo 的 Redis 实现
type ackRepo struct {
	client *redis.Client
	logger clog.Logger
}

// AckRepoOption 配置选项
type AckRepoOption func(*ackRepoOptions)

type ackRepoOptions struct {
	logger clog.Logger
}

// WithAckRepoLogger 设置日志记录器
func WithAckRepoLogger(logger clog.Logger) AckRepoOption {
	return func(o *ackRepoOptions) {
		o.logger = logger
	}
}

// NewAckRepo 创建 AckRepo 实例
func NewAckRepo(redisConn connector.RedisConnector, opts ...AckRepoOption) (AckRepo, error) {
	if redisConn == nil {
		return nil, fmt.Errorf("redis connector cannot be nil")
	}

	options := &ackRepoOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger, err := ensureLogger(options.logger, "ack")
	if err != nil {
		return nil, err
	}

	return &ackRepo{
		client: redisConn.GetClient(),
		logger: logger,
	}, nil
}

func ackRecordKey(msgID int64, userID string) string {
	return fmt.Sprintf("%s%d:%s", ackRecordKeyPrefix, msgID, userID)
}

func ackPendingKey(userID string) string {
	return ackPendingKeyPrefix + userID
}

// Create 创建 sent 状态的确认记录并加入待确认集合
func (r *ackRepo) Create(ctx context.Context, rec *model.AckRecord) error {
	if rec == nil {
		return fmt.Errorf("ack record cannot be nil")
	}
	if rec.MsgID == 0 || rec.UserID == "" {
		return fmt.Errorf("ack record msg_id and user_id are required")
	}
	if rec.Status == 0 {
		rec.Status = model.AckStatusSent
	}

	key := ackRecordKey(rec.MsgID, rec.UserID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"msg_id":        rec.MsgID,
		"user_id":       rec.UserID,
		"channel_id":    rec.ChannelID,
		"status":        rec.Status,
		"sent_at":       rec.SentAt,
		"delivered_at":  rec.DeliveredAt,
		"read_at":       rec.ReadAt,
		"node_id":       rec.NodeID,
		"retry_count":   rec.RetryCount,
		"last_retry_at": rec.LastRetryAt,
	})
	pipe.Expire(ctx, key, ackRecordTTL)
	pipe.ZAdd(ctx, ackPendingKey(rec.UserID), redis.Z{
		Score:  float64(rec.SentAt),
		Member: rec.MsgID,
	})
	// NX：dirty 集合保留用户最早一条待确认的时间，扫描按最饿先扫
	pipe.ZAddNX(ctx, ackDirtyKey, redis.Z{
		Score:  float64(rec.SentAt),
		Member: rec.UserID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Failed to create ack record",
			clog.Int64("msg_id", rec.MsgID),
			clog.String("user_id", rec.UserID),
			clog.Error(err),
		)
		return fmt.Errorf("failed to create ack record: %w", err)
	}
	return nil
}

// Get 读取确认记录，不存在时返回 (nil, nil)
func (r *ackRepo) Get(ctx context.Context, msgID int64, userID string) (*model.AckRecord, error) {
	if msgID == 0 || userID == "" {
		return nil, fmt.Errorf("msg_id and user_id are required")
	}

	fields, err := r.client.HGetAll(ctx, ackRecordKey(msgID, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get ack record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseAckRecord(fields), nil
}

// Advance 前向推进状态
func (r *ackRepo) Advance(ctx context.Context, msgID int64, userID string, status int, at time.Time) (int, error) {
	if msgID == 0 || userID == "" {
		return 0, fmt.Errorf("msg_id and user_id are required")
	}
	var tsField string
	switch status {
	case model.AckStatusDelivered:
		tsField = "delivered_at"
	case model.AckStatusRead:
		tsField = "read_at"
	default:
		return 0, fmt.Errorf("invalid target ack status: %d", status)
	}

	final, err := luaAdvanceAck.Run(ctx, r.client,
		[]string{ackRecordKey(msgID, userID)},
		status, tsField, at.Unix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to advance ack status: %w", err)
	}
	if final == 0 {
		// 记录不存在（已过期或从未创建），确认无事可做
		return 0, nil
	}
	return int(final), nil
}

// RemovePending 将消息移出用户的待确认集合
func (r *ackRepo) RemovePending(ctx context.Context, userID string, msgID int64) error {
	if userID == "" || msgID == 0 {
		return fmt.Errorf("user_id and msg_id are required")
	}

	if _, err := luaRemovePending.Run(ctx, r.client,
		[]string{ackPendingKey(userID), ackDirtyKey},
		msgID, userID,
	).Result(); err != nil {
		return fmt.Errorf("failed to remove pending ack: %w", err)
	}
	return nil
}

// ScanOverdue 返回发出超过 ackTimeout 仍未确认的消息记录
func (r *ackRepo) ScanOverdue(ctx context.Context, userID string, ackTimeout time.Duration, limit int) ([]*model.AckRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id cannot be empty")
	}
	if limit <= 0 {
		limit = model.RetryPageSize
	}

	deadline := time.Now().Add(-ackTimeout).UnixMilli()
	msgIDs, err := r.client.ZRangeByScore(ctx, ackPendingKey(userID), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(deadline, 10),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan overdue acks: %w", err)
	}

	records := make([]*model.AckRecord, 0, len(msgIDs))
	for _, raw := range msgIDs {
		msgID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		rec, err := r.Get(ctx, msgID, userID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			// 记录已过期但待确认集合残留成员，顺手清掉
			_ = r.RemovePending(ctx, userID, msgID)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// BumpRetry 自增重试计数
func (r *ackRepo) BumpRetry(ctx context.Context, msgID int64, userID string, at time.Time) (int, error) {
	if msgID == 0 || userID == "" {
		return 0, fmt.Errorf("msg_id and user_id are required")
	}

	key := ackRecordKey(msgID, userID)
	pipe := r.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, "retry_count", 1)
	pipe.HSet(ctx, key, "last_retry_at", at.Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to bump retry count: %w", err)
	}
	return int(incr.Val()), nil
}

// DirtyUsers 返回 dirty 集合中的一批用户，按最早待确认时间排序
func (r *ackRepo) DirtyUsers(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = model.ZombieBatchSize
	}
	users, err := r.client.ZRange(ctx, ackDirtyKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dirty users: %w", err)
	}
	return users, nil
}

// ClearDirty 用户的待确认集合已空时将其移出 dirty 集合
func (r *ackRepo) ClearDirty(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user_id cannot be empty")
	}
	if _, err := luaClearDirtyIfEmpty.Run(ctx, r.client,
		[]string{ackPendingKey(userID), ackDirtyKey},
		userID,
	).Result(); err != nil {
		return fmt.Errorf("failed to clear dirty flag: %w", err)
	}
	return nil
}

// Close 关闭资源
func (r *ackRepo) Close() error {
	return nil
}

func parseAckRecord(fields map[string]string) *model.AckRecord {
	geti := func(k string) int64 {
		v, _ := strconv.ParseInt(fields[k], 10, 64)
		return v
	}
	return &model.AckRecord{
		MsgID:       geti("msg_id"),
		UserID:      fields["user_id"],
		ChannelID:   fields["channel_id"],
		Status:      int(geti("status")),
		SentAt:      geti("sent_at"),
		DeliveredAt: geti("delivered_at"),
		ReadAt:      geti("read_at"),
		NodeID:      fields["node_id"],
		RetryCount:  int(geti("retry_count")),
		LastRetryAt: geti("last_retry_at"),
	}
}
