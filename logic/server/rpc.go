// Package server 将 logic 的业务服务挂载到 NATS request-reply 通道上。
package server

import (
	"context"
	"encoding/json"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/internal/model"
	"github.com/ceyewan/relay/internal/rpc"
	"github.com/ceyewan/relay/logic/service"
	"github.com/nats-io/nats.go"
)

// RPCServer logic 的 RPC 入口，每个方法一个 queue group 订阅
type RPCServer struct {
	inner *rpc.Server
}

// NewRPCServer 注册全部 RPC 方法
func NewRPCServer(
	nc *nats.Conn,
	ingest *service.IngestService,
	sync *service.SyncService,
	ack *service.AckService,
	presence *service.PresenceService,
	logger clog.Logger,
) (*RPCServer, error) {
	inner, err := rpc.NewServer(nc, model.QueueGroupLogicRPC, rpc.WithServerLogger(logger))
	if err != nil {
		return nil, err
	}

	handlers := map[string]rpc.HandlerFunc{
		model.RPCMethodIngest: func(ctx context.Context, data []byte) (any, error) {
			var req model.IngestRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, model.NewInvalidArgument("malformed ingest request: %v", err)
			}
			return ingest.Ingest(ctx, &req)
		},
		model.RPCMethodIngestBatch: func(ctx context.Context, data []byte) (any, error) {
			var req model.IngestBatchRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, model.NewInvalidArgument("malformed batch request: %v", err)
			}
			return ingest.IngestBatch(ctx, &req)
		},
		model.RPCMethodSync: func(ctx context.Context, data []byte) (any, error) {
			var req model.SyncRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, model.NewInvalidArgument("malformed sync request: %v", err)
			}
			return sync.Sync(ctx, &req)
		},
		model.RPCMethodAckDelivered: func(ctx context.Context, data []byte) (any, error) {
			var req model.AckRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, model.NewInvalidArgument("malformed ack request: %v", err)
			}
			return ack.OnDelivered(ctx, &req)
		},
		model.RPCMethodAckRead: func(ctx context.Context, data []byte) (any, error) {
			var req model.AckRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, model.NewInvalidArgument("malformed ack request: %v", err)
			}
			return ack.OnRead(ctx, &req)
		},
		model.RPCMethodPresence: func(ctx context.Context, data []byte) (any, error) {
			var req model.PresenceSyncRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, model.NewInvalidArgument("malformed presence request: %v", err)
			}
			return presence.SyncStatus(ctx, &req)
		},
	}

	for method, handler := range handlers {
		if err := inner.Handle(method, handler); err != nil {
			_ = inner.Close()
			return nil, err
		}
	}

	return &RPCServer{inner: inner}, nil
}

// Close 注销全部订阅
func (s *RPCServer) Close() error {
	return s.inner.Close()
}
