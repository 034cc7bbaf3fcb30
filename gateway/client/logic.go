// Package client 封装 Gateway 对 Logic 服务的访问：
// request-reply RPC 调用与上下线事件的批量上报。
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/ceyewan/relay/gateway/observability"
	"github.com/ceyewan/relay/internal/model"
	"github.com/ceyewan/relay/internal/rpc"
	"github.com/nats-io/nats.go"
)

// 各方法的本机限流配置。
// 不同方法有不同的流量特征：ingest/ack 高频、sync 中频、presence 低频。
var methodRateLimits = map[string]ratelimit.Limit{
	model.RPCMethodIngest: {
		Rate:  5000,
		Burst: 10000,
	},
	model.RPCMethodIngestBatch: {
		Rate:  500,
		Burst: 1000,
	},
	model.RPCMethodSync: {
		Rate:  1000,
		Burst: 2000,
	},
	model.RPCMethodAckDelivered: {
		Rate:  5000,
		Burst: 10000,
	},
	model.RPCMethodAckRead: {
		Rate:  5000,
		Burst: 10000,
	},
	model.RPCMethodPresence: {
		Rate:  200,
		Burst: 500,
	},
}

// 默认限流配置（方法未匹配时使用）
var defaultLimit = ratelimit.Limit{
	Rate:  500,
	Burst: 1000,
}

// LogicClient Logic 服务的 RPC 客户端（含本机限流）
type LogicClient struct {
	rpc     *rpc.Client
	limiter ratelimit.Limiter
	nodeID  string
	logger  clog.Logger
}

// NewLogicClient 创建 Logic 客户端
func NewLogicClient(nc *nats.Conn, nodeID string, logger clog.Logger) (*LogicClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	rpcClient, err := rpc.NewClient(nc, rpc.WithClientLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc client: %w", err)
	}

	// 单机限流器，保护 logic 不被单节点的异常流量打穿
	limiter, err := ratelimit.New(&ratelimit.Config{
		Driver: ratelimit.DriverStandalone,
		Standalone: &ratelimit.StandaloneConfig{
			CleanupInterval: 1 * time.Minute,
			IdleTimeout:     5 * time.Minute,
		},
	}, ratelimit.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimiter: %w", err)
	}

	return &LogicClient{
		rpc:     rpcClient,
		limiter: limiter,
		nodeID:  nodeID,
		logger:  logger.WithNamespace("logic-client"),
	}, nil
}

// call 执行一次限流保护的 RPC 调用并记录指标
func (c *LogicClient) call(ctx context.Context, method string, req, reply any) error {
	limit, ok := methodRateLimits[method]
	if !ok {
		limit = defaultLimit
	}

	allowed, err := c.limiter.Allow(ctx, method, limit)
	if err != nil {
		// 降级：限流器出错时放行
		c.logger.Error("ratelimit check failed",
			clog.String("method", method),
			clog.Error(err))
	} else if !allowed {
		observability.RecordRPCError(ctx)
		return model.NewInternal("rate limit exceeded for method: %s", method)
	}

	start := time.Now()
	err = c.rpc.Call(ctx, method, req, reply)
	observability.RecordRPCDuration(ctx, time.Since(start))
	if err != nil {
		observability.RecordRPCError(ctx)
	}
	return err
}

// Ingest 提交一条上行消息
func (c *LogicClient) Ingest(ctx context.Context, req *model.IngestRequest) (*model.IngestResponse, error) {
	var resp model.IngestResponse
	if err := c.call(ctx, model.RPCMethodIngest, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IngestBatch 批量提交上行消息
func (c *LogicClient) IngestBatch(ctx context.Context, req *model.IngestBatchRequest) (*model.IngestBatchResponse, error) {
	var resp model.IngestBatchResponse
	if err := c.call(ctx, model.RPCMethodIngestBatch, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sync 增量同步频道消息
func (c *LogicClient) Sync(ctx context.Context, req *model.SyncRequest) (*model.SyncResponse, error) {
	var resp model.SyncResponse
	if err := c.call(ctx, model.RPCMethodSync, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AckDelivered 上报投递确认
func (c *LogicClient) AckDelivered(ctx context.Context, req *model.AckRequest) (*model.AckResponse, error) {
	var resp model.AckResponse
	if err := c.call(ctx, model.RPCMethodAckDelivered, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AckRead 上报已读确认
func (c *LogicClient) AckRead(ctx context.Context, req *model.AckRequest) (*model.AckResponse, error) {
	var resp model.AckResponse
	if err := c.call(ctx, model.RPCMethodAckRead, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PresenceSync 批量上报上下线事件，返回被接受的事件数
func (c *LogicClient) PresenceSync(ctx context.Context, events []model.PresenceEvent) (int, error) {
	req := &model.PresenceSyncRequest{Events: events}
	var resp model.PresenceSyncResponse
	if err := c.call(ctx, model.RPCMethodPresence, req, &resp); err != nil {
		return 0, err
	}
	return resp.Accepted, nil
}
