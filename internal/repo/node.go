package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/relay/internal/model"
	"github.com/redis/go-redis/v9"
)

// 确保 nodeRepo 实现了 NodeRepo 接口
var _ NodeRepo = (*nodeRepo)(nil)

// ErrNoActiveNode 集群中没有存活的节点
var ErrNoActiveNode = errors.New("no active node available")

const (
	nodeInfoKeyPrefix = "relay:node:info:"
	nodeActiveSetKey  = "relay:node:active"
	nodeRankKey       = "relay:node:rank"
)

// 心跳续期：刷新记录里的心跳时间并重置 TTL
var luaNodeHeartbeat = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return 0
end
local ok, info = pcall(cjson.decode, raw)
if not ok then
	return 0
end
info["last_heartbeat_at"] = tonumber(ARGV[1])
redis.call("SET", KEYS[1], cjson.encode(info), "EX", tonumber(ARGV[2]))
return 1
`)

// nodeRepo NodeRepo 的 Redis 实现。
// 节点记录带 TTL，崩溃节点靠 TTL 过期出局；活跃集合与连接数排行
// 里的残留成员在读取时惰性剔除。
type nodeRepo struct {
	client *redis.Client
	logger clog.Logger
}

// NodeRepoOption 配置选项
type NodeRepoOption func(*nodeRepoOptions)

type nodeRepoOptions struct {
	logger clog.Logger
}

// WithNodeRepoLogger 设置日志记录器
func WithNodeRepoLogger(logger clog.Logger) NodeRepoOption {
	return func(o *nodeRepoOptions) {
		o.logger = logger
	}
}

// NewNodeRepo 创建 NodeRepo 实例
func NewNodeRepo(redisConn connector.RedisConnector, opts ...NodeRepoOption) (NodeRepo, error) {
	if redisConn == nil {
		return nil, fmt.Errorf("redis connector cannot be nil")
	}

	options := &nodeRepoOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger, err := ensureLogger(options.logger, "node")
	if err != nil {
		return nil, err
	}

	return &nodeRepo{
		client: redisConn.GetClient(),
		logger: logger,
	}, nil
}

func nodeInfoKey(nodeID string) string {
	return nodeInfoKeyPrefix + nodeID
}

// Register 写入节点记录并加入活跃集合与排行
func (r *nodeRepo) Register(ctx context.Context, info *model.NodeInfo) error {
	if info == nil || info.NodeID == "" {
		return fmt.Errorf("node info with node_id is required")
	}

	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal node info: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, nodeInfoKey(info.NodeID), raw, model.NodeTTL)
	pipe.SAdd(ctx, nodeActiveSetKey, info.NodeID)
	// ZADD NX：重启注册时不清零已有的连接数（正常流程下 Deregister 已清）
	pipe.ZAddNX(ctx, nodeRankKey, redis.Z{Score: float64(info.ConnCount), Member: info.NodeID})
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Failed to register node",
			clog.String("node_id", info.NodeID),
			clog.Error(err),
		)
		return fmt.Errorf("failed to register node: %w", err)
	}

	r.logger.InfoContext(ctx, "Node registered",
		clog.String("node_id", info.NodeID),
		clog.String("addr", info.Addr),
	)
	return nil
}

// Heartbeat 刷新节点 TTL 与心跳时间
func (r *nodeRepo) Heartbeat(ctx context.Context, nodeID string) error {
	if nodeID == "" {
		return fmt.Errorf("node_id cannot be empty")
	}

	ok, err := luaNodeHeartbeat.Run(ctx, r.client,
		[]string{nodeInfoKey(nodeID)},
		time.Now().Unix(), int(model.NodeTTL.Seconds()),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to refresh node heartbeat: %w", err)
	}
	if ok == 0 {
		// 记录已因 TTL 过期消失（例如长时间 GC 停顿），重新声明存在
		r.logger.WarnContext(ctx, "Node record expired, re-registering",
			clog.String("node_id", nodeID),
		)
		now := time.Now().Unix()
		return r.Register(ctx, &model.NodeInfo{
			NodeID:          nodeID,
			RegisteredAt:    now,
			LastHeartbeatAt: now,
		})
	}
	return nil
}

// Deregister 优雅下线
func (r *nodeRepo) Deregister(ctx context.Context, nodeID string) error {
	if nodeID == "" {
		return fmt.Errorf("node_id cannot be empty")
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, nodeInfoKey(nodeID))
	pipe.SRem(ctx, nodeActiveSetKey, nodeID)
	pipe.ZRem(ctx, nodeRankKey, nodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to deregister node: %w", err)
	}

	r.logger.InfoContext(ctx, "Node deregistered", clog.String("node_id", nodeID))
	return nil
}

// GetNode 读取节点记录
func (r *nodeRepo) GetNode(ctx context.Context, nodeID string) (*model.NodeInfo, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("node_id cannot be empty")
	}

	raw, err := r.client.Get(ctx, nodeInfoKey(nodeID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNoActiveNode
		}
		return nil, fmt.Errorf("failed to get node info: %w", err)
	}

	var info model.NodeInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node info: %w", err)
	}
	return &info, nil
}

// ListActive 列出活跃节点，惰性剔除 TTL 已失效的残留成员
func (r *nodeRepo) ListActive(ctx context.Context) ([]*model.NodeInfo, error) {
	members, err := r.client.SMembers(ctx, nodeActiveSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active nodes: %w", err)
	}

	nodes := make([]*model.NodeInfo, 0, len(members))
	for _, nodeID := range members {
		info, err := r.GetNode(ctx, nodeID)
		if err != nil {
			if errors.Is(err, ErrNoActiveNode) {
				r.evictStale(ctx, nodeID)
				continue
			}
			return nil, err
		}
		nodes = append(nodes, info)
	}
	return nodes, nil
}

// IncrConn 连接数排行加一
func (r *nodeRepo) IncrConn(ctx context.Context, nodeID string) error {
	if err := r.client.ZIncrBy(ctx, nodeRankKey, 1, nodeID).Err(); err != nil {
		return fmt.Errorf("failed to incr conn count: %w", err)
	}
	return nil
}

// DecrConn 连接数排行减一
func (r *nodeRepo) DecrConn(ctx context.Context, nodeID string) error {
	if err := r.client.ZIncrBy(ctx, nodeRankKey, -1, nodeID).Err(); err != nil {
		return fmt.Errorf("failed to decr conn count: %w", err)
	}
	return nil
}

// PickLeastLoaded 返回连接数最少的活跃节点
func (r *nodeRepo) PickLeastLoaded(ctx context.Context) (*model.NodeInfo, error) {
	// 排行从低到高逐个验证存活，残留成员惰性剔除
	candidates, err := r.client.ZRangeWithScores(ctx, nodeRankKey, 0, 9).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range node rank: %w", err)
	}

	for _, z := range candidates {
		nodeID, ok := z.Member.(string)
		if !ok {
			continue
		}
		info, err := r.GetNode(ctx, nodeID)
		if err != nil {
			if errors.Is(err, ErrNoActiveNode) {
				r.evictStale(ctx, nodeID)
				continue
			}
			return nil, err
		}
		info.ConnCount = int64(z.Score)
		return info, nil
	}
	return nil, ErrNoActiveNode
}

func (r *nodeRepo) evictStale(ctx context.Context, nodeID string) {
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, nodeActiveSetKey, nodeID)
	pipe.ZRem(ctx, nodeRankKey, nodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.WarnContext(ctx, "Failed to evict stale node from registry",
			clog.String("node_id", nodeID),
			clog.Error(err),
		)
	}
}

// Close 关闭资源
func (r *nodeRepo) Close() error {
	return nil
}
