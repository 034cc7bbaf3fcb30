package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/relay/internal/model"
	"github.com/redis/go-redis/v9"
)

// 确保 dedupRepo 实现了 DedupRepo 接口
var _ DedupRepo = (*dedupRepo)(nil)

const dedupKeyPrefix = "relay:dedup:"

// dedupRepo DedupRepo 的 Redis 实现。
// 标记在消息落库提交之后才写入：标记存在 ⇒ 必有持久化消息。
// 反向不成立（标记可能丢失），兜底靠 t_message 的唯一索引。
type dedupRepo struct {
	client *redis.Client
	logger clog.Logger
}

// DedupRepoOption 配置选项
type DedupRepoOption func(*dedupRepoOptions)

type dedupRepoOptions struct {
	logger clog.Logger
}

// WithDedupRepoLogger 设置日志记录器
func WithDedupRepoLogger(logger clog.Logger) DedupRepoOption {
	return func(o *dedupRepoOptions) {
		o.logger = logger
	}
}

// NewDedupRepo 创建 DedupRepo 实例
func NewDedupRepo(redisConn connector.RedisConnector, opts ...DedupRepoOption) (DedupRepo, error) {
	if redisConn == nil {
		return nil, fmt.Errorf("redis connector cannot be nil")
	}

	options := &dedupRepoOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger, err := ensureLogger(options.logger, "dedup")
	if err != nil {
		return nil, err
	}

	return &dedupRepo{
		client: redisConn.GetClient(),
		logger: logger,
	}, nil
}

func dedupKey(senderID, clientMsgID string) string {
	return dedupKeyPrefix + senderID + ":" + clientMsgID
}

// Get 查询去重标记，不存在时返回 (nil, nil)
func (r *dedupRepo) Get(ctx context.Context, senderID, clientMsgID string) (*model.DedupClaim, error) {
	if senderID == "" || clientMsgID == "" {
		return nil, fmt.Errorf("sender_id and client_msg_id cannot be empty")
	}

	raw, err := r.client.Get(ctx, dedupKey(senderID, clientMsgID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get dedup marker: %w", err)
	}

	var claim model.DedupClaim
	if err := json.Unmarshal([]byte(raw), &claim); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dedup marker: %w", err)
	}
	return &claim, nil
}

// SetNX 仅在标记不存在时写入
func (r *dedupRepo) SetNX(ctx context.Context, senderID, clientMsgID string, claim *model.DedupClaim) (bool, error) {
	if senderID == "" || clientMsgID == "" {
		return false, fmt.Errorf("sender_id and client_msg_id cannot be empty")
	}
	if claim == nil {
		return false, fmt.Errorf("claim cannot be nil")
	}

	raw, err := json.Marshal(claim)
	if err != nil {
		return false, fmt.Errorf("failed to marshal dedup claim: %w", err)
	}

	set, err := r.client.SetNX(ctx, dedupKey(senderID, clientMsgID), raw, model.DedupTTL).Result()
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to set dedup marker",
			clog.String("sender_id", senderID),
			clog.String("client_msg_id", clientMsgID),
			clog.Error(err),
		)
		return false, fmt.Errorf("failed to set dedup marker: %w", err)
	}
	return set, nil
}

// Close 关闭资源
func (r *dedupRepo) Close() error {
	return nil
}
