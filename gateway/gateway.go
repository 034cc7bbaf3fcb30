// Package gateway 实现接入层：维护 WebSocket 长连接、路由入站帧、
// 消费下行推送，并维护节点注册与会话心跳。
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/idgen"
	"github.com/ceyewan/genesis/mq"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/ceyewan/genesis/registry"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/nats-io/nats.go"

	"github.com/ceyewan/relay/gateway/api"
	"github.com/ceyewan/relay/gateway/client"
	"github.com/ceyewan/relay/gateway/connection"
	"github.com/ceyewan/relay/gateway/job"
	"github.com/ceyewan/relay/gateway/observability"
	"github.com/ceyewan/relay/gateway/push"
	"github.com/ceyewan/relay/gateway/server"
	"github.com/ceyewan/relay/gateway/ws"
	"github.com/ceyewan/relay/internal/model"
	"github.com/ceyewan/relay/internal/repo"
	"github.com/ceyewan/relay/internal/rpc"
	"github.com/ceyewan/relay/pkg/health"
)

// Gateway 网关服务生命周期管理器
type Gateway struct {
	config   *Config
	logger   clog.Logger
	registry registry.Registry
	nodeID   string // 唯一节点 ID，例如 relay-gateway-001
	workerID int64

	// 基础组件
	redisConn connector.RedisConnector
	etcdConn  connector.EtcdConnector
	natsConn  connector.NATSConnector
	rpcConn   *nats.Conn
	mqClient  mq.MQ

	// 仓储层（接入层只依赖 Redis 侧的会话与节点注册表）
	sessionRepo repo.SessionRepo
	nodeRepo    repo.NodeRepo

	// 核心部件
	logicClient *client.LogicClient
	batcher     *client.StatusBatcher
	connMgr     *connection.Manager
	pushService *push.Service
	sweeper     *job.ZombieSweeper

	// 服务实例
	httpServer  *server.HTTPServer
	healthProbe *health.Probe

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建 Gateway 实例
func New() (*Gateway, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig 以给定配置创建 Gateway 实例
func NewWithConfig(cfg *Config) (*Gateway, error) {
	if err := observability.Init(&cfg.Observability); err != nil {
		return nil, fmt.Errorf("failed to init observability: %w", err)
	}

	logger, err := observability.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger = logger.WithNamespace("gateway")

	ctx, cancel := context.WithCancel(context.Background())

	g := &Gateway{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := g.initComponents(); err != nil {
		g.Close()
		return nil, err
	}

	return g, nil
}

// initComponents 初始化所有组件
func (g *Gateway) initComponents() error {
	if err := g.initBaseResources(); err != nil {
		return err
	}

	// 从 Redis 租约分配唯一的 workerID，拼出节点 ID。
	// 保活失败说明编号可能被别人拿走，只能自杀退出。
	allocator, err := idgen.NewAllocator(&idgen.AllocatorConfig{
		Driver: "redis",
		MaxID:  g.config.WorkerID.GetMaxID(),
	}, idgen.WithRedisConnector(g.redisConn))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create worker id allocator")
	}
	workerID, err := allocator.Allocate(g.ctx)
	if err != nil {
		return xerrors.Wrapf(err, "failed to allocate worker id")
	}
	g.workerID = workerID
	g.nodeID = fmt.Sprintf("%s-%03d", g.config.GetServiceName(), workerID)

	go func() {
		if err := <-allocator.KeepAlive(g.ctx); err != nil {
			g.logger.Error("worker id keepalive failed, shutting down", clog.Error(err))
			g.cancel()
		}
	}()

	if err := g.initRepos(); err != nil {
		return err
	}
	if err := g.initCore(); err != nil {
		return err
	}
	g.initServers()

	return nil
}

// initBaseResources 初始化外部连接 (Redis、Etcd、NATS、Registry)
func (g *Gateway) initBaseResources() error {
	var err error

	g.redisConn, err = connector.NewRedis(&g.config.Redis, connector.WithLogger(g.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create redis connector")
	}
	if err := g.redisConn.Connect(g.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to connect redis")
	}

	g.etcdConn, err = connector.NewEtcd(&g.config.Etcd, connector.WithLogger(g.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create etcd connector")
	}
	if err := g.etcdConn.Connect(g.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to connect etcd")
	}

	g.registry, err = registry.New(g.etcdConn, g.config.Registry.ToRegistryConfig(), registry.WithLogger(g.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create registry")
	}

	// NATS 连接（genesis mq 下行订阅通道）
	g.natsConn, err = connector.NewNATS(&g.config.NATS, connector.WithLogger(g.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create nats connector")
	}

	g.mqClient, err = mq.New(&mq.Config{
		Driver: mq.DriverNATSCore,
	}, mq.WithNATSConnector(g.natsConn), mq.WithLogger(g.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create mq client")
	}

	return nil
}

// initRepos 初始化仓储层
func (g *Gateway) initRepos() error {
	var err error

	g.sessionRepo, err = repo.NewSessionRepo(g.redisConn, repo.WithSessionRepoLogger(g.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create session repo")
	}

	g.nodeRepo, err = repo.NewNodeRepo(g.redisConn, repo.WithNodeRepoLogger(g.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create node repo")
	}

	return nil
}

// initCore 初始化依赖 nodeID 的核心部件
func (g *Gateway) initCore() error {
	// RPC 专用裸连接（request-reply 不走 genesis mq），连接名带上节点 ID
	rpcConn, err := rpc.Dial(g.config.GetNATSURL(), g.nodeID, g.logger)
	if err != nil {
		return xerrors.Wrapf(err, "failed to dial nats for rpc")
	}
	g.rpcConn = rpcConn

	logicClient, err := client.NewLogicClient(g.rpcConn, g.nodeID, g.logger)
	if err != nil {
		return xerrors.Wrapf(err, "failed to create logic client")
	}
	g.logicClient = logicClient

	g.batcher = client.NewStatusBatcher(
		logicClient,
		g.nodeID,
		g.logger,
		client.WithBatchSize(g.config.Presence.GetBatchSize()),
		client.WithFlushInterval(g.config.Presence.GetFlushInterval()),
	)

	g.connMgr = connection.NewManager(g.logger)
	presence := connection.NewPresenceCallback(g.batcher, g.logger)
	g.connMgr.SetCallbacks(presence.OnConnect, presence.OnDisconnect)

	g.pushService = push.NewService(g.mqClient, g.connMgr, g.nodeID, g.logger)
	g.sweeper = job.NewZombieSweeper(g.sessionRepo, g.connMgr, g.batcher, g.nodeID, g.logger)

	return nil
}

// initServers 初始化 HTTP 服务
func (g *Gateway) initServers() {
	dispatcher := ws.NewDispatcher(g.logicClient, g.sessionRepo, g.nodeID, g.logger)

	wsHandler := api.NewWebSocket(
		g.connMgr,
		dispatcher,
		g.config.WS.GetReadBufferSize(),
		g.config.WS.GetWriteBufferSize(),
		g.config.WS.GetMaxMessageSize(),
		g.logger,
	)

	apiHandler := api.NewHandler(wsHandler, g.logicClient, g.nodeRepo, g.logger)

	limiter, err := ratelimit.New(&ratelimit.Config{
		Driver: ratelimit.DriverStandalone,
	}, ratelimit.WithLogger(g.logger))
	if err != nil {
		g.logger.Warn("failed to create http ratelimiter, running without it", clog.Error(err))
		limiter = nil
	}

	g.healthProbe = health.NewProbe()
	g.httpServer = server.NewHTTPServer(g.config.GetHTTPAddr(), g.logger, apiHandler, g.healthProbe, limiter)
}

// Run 启动所有服务并注册节点
func (g *Gateway) Run() error {
	g.logger.Info("starting gateway",
		clog.String("node_id", g.nodeID),
		clog.String("addr", g.config.GetHTTPAddr()))

	g.healthProbe.SetReady(false)
	g.healthProbe.SetShutdown(false)

	g.batcher.Start()

	if err := g.pushService.Start(); err != nil {
		return xerrors.Wrapf(err, "failed to start push consumer")
	}

	go g.sweeper.Start(g.ctx)

	go func() {
		if err := g.httpServer.Start(); err != nil {
			g.logger.Error("http server failed", clog.Error(err))
			g.cancel()
		}
	}()

	if err := g.registerNode(); err != nil {
		return err
	}
	go g.heartbeatLoop()

	g.healthProbe.SetReady(true)
	g.logger.Info("gateway started", clog.String("node_id", g.nodeID))
	return nil
}

// registerNode 注册到 etcd 服务发现与 Redis 节点注册表
func (g *Gateway) registerNode() error {
	instance := &registry.ServiceInstance{
		ID:      g.nodeID,
		Name:    g.config.GetServiceName(),
		Version: "1.0.0",
		Endpoints: []string{
			fmt.Sprintf("ws://%s/ws", g.config.GetPublicAddr()),
		},
		Metadata: map[string]string{
			"http_addr": g.config.GetPublicAddr(),
		},
	}
	if err := g.registry.Register(g.ctx, instance, g.config.Registry.GetTTL()); err != nil {
		return xerrors.Wrapf(err, "failed to register service")
	}

	now := time.Now().Unix()
	if err := g.nodeRepo.Register(g.ctx, &model.NodeInfo{
		NodeID:          g.nodeID,
		Addr:            g.config.GetPublicAddr(),
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}); err != nil {
		return xerrors.Wrapf(err, "failed to register node")
	}

	return nil
}

// heartbeatLoop 周期性续期节点 TTL
func (g *Gateway) heartbeatLoop() {
	ticker := time.NewTicker(model.NodeTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			if err := g.nodeRepo.Heartbeat(g.ctx, g.nodeID); err != nil {
				g.logger.Error("node heartbeat failed", clog.Error(err))
			}
		}
	}
}

// Close 优雅关闭资源
func (g *Gateway) Close() error {
	if g.logger != nil {
		g.logger.Info("shutting down gateway", clog.String("node_id", g.nodeID))
	}
	if g.healthProbe != nil {
		g.healthProbe.SetReady(false)
		g.healthProbe.SetShutdown(true)
	}
	g.cancel()

	// 1. 摘除流量入口：注销服务发现与节点注册表
	if g.registry != nil {
		_ = g.registry.Deregister(context.Background(), g.nodeID)
		_ = g.registry.Close()
	}
	if g.nodeRepo != nil && g.nodeID != "" {
		_ = g.nodeRepo.Deregister(context.Background(), g.nodeID)
	}

	// 2. 停止下行消费与 HTTP 服务
	if g.pushService != nil {
		_ = g.pushService.Stop()
	}
	if g.httpServer != nil {
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = g.httpServer.Stop(httpCtx)
		httpCancel()
	}

	// 3. 释放核心资源（带超时控制）
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if g.connMgr != nil {
			g.connMgr.CloseAll(context.Background())
		}
		// 连接全部关闭后做最后一次下线上报
		if g.batcher != nil {
			g.batcher.Stop()
		}
		if g.rpcConn != nil {
			g.rpcConn.Close()
		}
		if g.mqClient != nil {
			_ = g.mqClient.Close()
		}
		if g.natsConn != nil {
			_ = g.natsConn.Close()
		}
		if g.sessionRepo != nil {
			_ = g.sessionRepo.Close()
		}
		if g.nodeRepo != nil {
			_ = g.nodeRepo.Close()
		}
		if g.redisConn != nil {
			_ = g.redisConn.Close()
		}
		if g.etcdConn != nil {
			_ = g.etcdConn.Close()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		if g.logger != nil {
			g.logger.Warn("resource shutdown timed out after 10s, some connections may not be closed cleanly")
		}
	}

	// 4. 关闭可观测性组件
	obsCtx, obsCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer obsCancel()
	if err := observability.Shutdown(obsCtx); err != nil && g.logger != nil {
		g.logger.Warn("observability shutdown failed", clog.Error(err))
	}

	if g.logger != nil {
		g.logger.Info("gateway stopped")
	}
	return nil
}
