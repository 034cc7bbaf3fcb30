package repo

import (
	"context"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/redis/go-redis/v9"
)

// 确保 counterRepo 实现了 CounterRepo 接口
var _ CounterRepo = (*counterRepo)(nil)

const counterKeyPrefix = "relay:seq:"

// counterRepo CounterRepo 的 Redis 实现。
// 唯一的序列化点是 Redis 的 INCR/INCRBY，任何路径都不做读-改-写。
type counterRepo struct {
	client *redis.Client
	logger clog.Logger
}

// CounterRepoOption 配置选项
type CounterRepoOption func(*counterRepoOptions)

type counterRepoOptions struct {
	logger clog.Logger
}

// WithCounterRepoLogger 设置日志记录器
func WithCounterRepoLogger(logger clog.Logger) CounterRepoOption {
	return func(o *counterRepoOptions) {
		o.logger = logger
	}
}

// NewCounterRepo 创建 CounterRepo 实例
func NewCounterRepo(redisConn connector.RedisConnector, opts ...CounterRepoOption) (CounterRepo, error) {
	if redisConn == nil {
		return nil, fmt.Errorf("redis connector cannot be nil")
	}

	options := &counterRepoOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger, err := ensureLogger(options.logger, "counter")
	if err != nil {
		return nil, err
	}

	return &counterRepo{
		client: redisConn.GetClient(),
		logger: logger,
	}, nil
}

func counterKey(scope string) string {
	return counterKeyPrefix + scope
}

// Next 对作用域计数器原子加一
func (r *counterRepo) Next(ctx context.Context, scope string) (int64, error) {
	if scope == "" {
		return 0, fmt.Errorf("scope cannot be empty")
	}

	seq, err := r.client.Incr(ctx, counterKey(scope)).Result()
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to increment sequence counter",
			clog.String("scope", scope),
			clog.Error(err),
		)
		return 0, fmt.Errorf("failed to increment counter for scope %s: %w", scope, err)
	}
	return seq, nil
}

// NextN 原子预留 n 个连续序列号
func (r *counterRepo) NextN(ctx context.Context, scope string, n int64) (int64, int64, error) {
	if scope == "" {
		return 0, 0, fmt.Errorf("scope cannot be empty")
	}
	if n <= 0 {
		return 0, 0, fmt.Errorf("n must be positive, got %d", n)
	}

	end, err := r.client.IncrBy(ctx, counterKey(scope), n).Result()
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to reserve sequence block",
			clog.String("scope", scope),
			clog.Int64("n", n),
			clog.Error(err),
		)
		return 0, 0, fmt.Errorf("failed to reserve %d sequences for scope %s: %w", n, scope, err)
	}
	return end - n + 1, end, nil
}

// InitIfAbsent 仅在计数器不存在时设置下界。
// floor 来自持久层的 MaxSeqID，因此即使 Redis 丢键，
// 重建后发出的序列号也不会与历史消息冲突。
func (r *counterRepo) InitIfAbsent(ctx context.Context, scope string, floor int64) error {
	if scope == "" {
		return fmt.Errorf("scope cannot be empty")
	}
	if floor < 0 {
		return fmt.Errorf("floor cannot be negative, got %d", floor)
	}

	set, err := r.client.SetNX(ctx, counterKey(scope), floor, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to init counter for scope %s: %w", scope, err)
	}
	if set {
		r.logger.InfoContext(ctx, "Sequence counter initialized from floor",
			clog.String("scope", scope),
			clog.Int64("floor", floor),
		)
	}
	return nil
}

// Current 读取当前值，键不存在时返回 0
func (r *counterRepo) Current(ctx context.Context, scope string) (int64, error) {
	if scope == "" {
		return 0, fmt.Errorf("scope cannot be empty")
	}

	val, err := r.client.Get(ctx, counterKey(scope)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read counter for scope %s: %w", scope, err)
	}
	return val, nil
}

// Close 关闭资源（Redis 连接由连接器统一管理）
func (r *counterRepo) Close() error {
	return nil
}

// ChannelScope 构建频道作用域
func ChannelScope(channelID string) string {
	return "chan:" + channelID
}

// UserScope 构建用户作用域（单聊/收件箱编号）
func UserScope(userID string) string {
	return "user:" + userID
}
