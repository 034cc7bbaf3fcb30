// Package logic 汇聚消息核心的业务编排：摄取、同步、确认与在线状态。
package logic

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/ceyewan/genesis/idgen"
	"github.com/ceyewan/genesis/mq"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/nats-io/nats.go"

	"github.com/ceyewan/relay/internal/repo"
	"github.com/ceyewan/relay/internal/rpc"
	"github.com/ceyewan/relay/logic/job"
	"github.com/ceyewan/relay/logic/observability"
	"github.com/ceyewan/relay/logic/server"
	"github.com/ceyewan/relay/logic/service"
)

// Logic 消息核心的逻辑层服务
type Logic struct {
	config *Config
	logger clog.Logger

	// 基础组件
	postgresConn connector.PostgreSQLConnector
	redisConn    connector.RedisConnector
	natsConn     connector.NATSConnector
	rpcConn      *nats.Conn
	database     db.DB
	idGen        idgen.Generator
	mqClient     mq.MQ

	// 仓储层
	counterRepo repo.CounterRepo
	routeRepo   repo.RouteRepo
	sessionRepo repo.SessionRepo
	nodeRepo    repo.NodeRepo
	dedupRepo   repo.DedupRepo
	ackRepo     repo.AckRepo
	messageRepo repo.MessageRepo

	// 服务层
	ingestService   *service.IngestService
	syncService     *service.SyncService
	ackService      *service.AckService
	presenceService *service.PresenceService

	// RPC 服务端与后台任务
	rpcServer   *server.RPCServer
	outboxRelay *job.OutboxRelay

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建 Logic 实例
func New(cfg *Config) (*Logic, error) {
	logger, err := clog.New(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger = logger.WithNamespace("logic")

	if err := observability.Init(&cfg.Observability); err != nil {
		return nil, fmt.Errorf("failed to init observability: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &Logic{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := l.initComponents(); err != nil {
		cancel()
		return nil, err
	}

	if err := l.initRepos(); err != nil {
		cancel()
		return nil, err
	}

	l.initServices()

	return l, nil
}

// initComponents 初始化基础组件
func (l *Logic) initComponents() error {
	var err error

	// PostgreSQL 连接
	l.postgresConn, err = connector.NewPostgreSQL(&l.config.Postgres, connector.WithLogger(l.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create postgres connector")
	}
	if err := l.postgresConn.Connect(l.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to connect postgres")
	}

	l.database, err = db.New(&db.Config{
		Driver: "postgresql",
	}, db.WithPostgreSQLConnector(l.postgresConn), db.WithLogger(l.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create db component")
	}

	// Redis 连接
	l.redisConn, err = connector.NewRedis(&l.config.Redis, connector.WithLogger(l.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create redis connector")
	}
	if err := l.redisConn.Connect(l.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to connect redis")
	}

	// NATS 连接（genesis mq 下行发布通道）
	l.natsConn, err = connector.NewNATS(&l.config.NATS, connector.WithLogger(l.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create nats connector")
	}

	// RPC 专用裸连接（request-reply 不走 genesis mq）
	l.rpcConn, err = rpc.Dial(l.config.GetNATSURL(), l.config.GetServiceName(), l.logger)
	if err != nil {
		return xerrors.Wrapf(err, "failed to dial nats for rpc")
	}

	// 雪花 ID 生成器（Redis 协调 WorkerID）
	l.idGen, err = idgen.NewGenerator(&l.config.IDGen, idgen.WithRedisConnector(l.redisConn), idgen.WithLogger(l.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create id generator")
	}

	// MQ Client
	l.mqClient, err = mq.New(&mq.Config{
		Driver: mq.DriverNATSCore,
	}, mq.WithNATSConnector(l.natsConn), mq.WithLogger(l.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create mq client")
	}

	return nil
}

// initRepos 初始化仓储层
func (l *Logic) initRepos() error {
	var err error

	l.counterRepo, err = repo.NewCounterRepo(l.redisConn, repo.WithCounterRepoLogger(l.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create counter repo")
	}

	l.routeRepo, err = repo.NewRouteRepo(l.redisConn, repo.WithRouteRepoLogger(l.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create route repo")
	}

	l.sessionRepo, err = repo.NewSessionRepo(l.redisConn, repo.WithSessionRepoLogger(l.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create session repo")
	}

	l.nodeRepo, err = repo.NewNodeRepo(l.redisConn, repo.WithNodeRepoLogger(l.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create node repo")
	}

	l.dedupRepo, err = repo.NewDedupRepo(l.redisConn, repo.WithDedupRepoLogger(l.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create dedup repo")
	}

	l.ackRepo, err = repo.NewAckRepo(l.redisConn, repo.WithAckRepoLogger(l.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create ack repo")
	}

	l.messageRepo, err = repo.NewMessageRepo(l.database, repo.WithMessageRepoLogger(l.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create message repo")
	}

	return nil
}

// initServices 初始化服务层
func (l *Logic) initServices() {
	l.ingestService = service.NewIngestService(
		l.counterRepo,
		l.dedupRepo,
		l.messageRepo,
		l.idGen,
		l.mqClient,
		l.logger,
	)

	l.syncService = service.NewSyncService(
		l.messageRepo,
		l.logger,
	)

	l.ackService = service.NewAckService(
		l.ackRepo,
		l.logger,
	)

	l.presenceService = service.NewPresenceService(
		l.routeRepo,
		l.sessionRepo,
		l.nodeRepo,
		l.logger,
	)
}

// Run 注册 RPC 服务端并启动后台任务
func (l *Logic) Run() error {
	l.logger.Info("starting logic service", clog.String("service", l.config.GetServiceName()))

	rpcServer, err := server.NewRPCServer(
		l.rpcConn,
		l.ingestService,
		l.syncService,
		l.ackService,
		l.presenceService,
		l.logger,
	)
	if err != nil {
		return xerrors.Wrapf(err, "failed to start rpc server")
	}
	l.rpcServer = rpcServer

	l.outboxRelay = job.NewOutboxRelay(l.messageRepo, l.mqClient, l.logger)
	go l.outboxRelay.Start(l.ctx)

	l.logger.Info("logic service started")
	return nil
}

// Close 关闭 Logic 服务，按依赖关系逆序释放
func (l *Logic) Close() error {
	l.logger.Info("shutting down logic service")

	l.cancel()

	if l.rpcServer != nil {
		_ = l.rpcServer.Close()
	}

	// 等待在途请求完成
	time.Sleep(100 * time.Millisecond)

	if l.rpcConn != nil {
		l.rpcConn.Close()
	}

	if l.mqClient != nil {
		l.mqClient.Close()
	}

	if l.natsConn != nil {
		l.natsConn.Close()
	}

	if l.redisConn != nil {
		l.redisConn.Close()
	}

	if l.postgresConn != nil {
		l.postgresConn.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := observability.Shutdown(shutdownCtx); err != nil {
		l.logger.Warn("observability shutdown failed", clog.Error(err))
	}

	l.logger.Info("logic service stopped")
	return nil
}
