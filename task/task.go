// Package task 实现下行扩散与补推进程：消费 logic 的下行事件，
// 按节点改写推送，并对超时未确认的消息做有界重试。
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/ceyewan/genesis/mq"
	"github.com/ceyewan/genesis/xerrors"

	"github.com/ceyewan/relay/internal/repo"
	"github.com/ceyewan/relay/pkg/health"
	"github.com/ceyewan/relay/task/fanout"
	"github.com/ceyewan/relay/task/observability"
	"github.com/ceyewan/relay/task/retry"
)

// Task 下行扩散服务
type Task struct {
	config *Config
	logger clog.Logger

	// 基础组件
	postgresConn connector.PostgreSQLConnector
	redisConn    connector.RedisConnector
	natsConn     connector.NATSConnector
	database     db.DB
	mqClient     mq.MQ

	// 仓储层
	messageRepo repo.MessageRepo
	sessionRepo repo.SessionRepo
	routeRepo   repo.RouteRepo
	ackRepo     repo.AckRepo

	// 业务组件
	consumer     *fanout.Consumer
	retryWorker  *retry.Worker
	healthServer *health.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建 Task 实例
func New() (*Task, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig 创建 Task 实例（带 config 参数）
func NewWithConfig(cfg *Config) (*Task, error) {
	logger, err := clog.New(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger = logger.WithNamespace("task")

	if err := observability.Init(&cfg.Observability); err != nil {
		return nil, fmt.Errorf("failed to init observability: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &Task{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := t.initComponents(); err != nil {
		cancel()
		return nil, err
	}

	if err := t.initRepos(); err != nil {
		cancel()
		return nil, err
	}

	t.initWorkers()

	return t, nil
}

// initComponents 初始化基础组件
func (t *Task) initComponents() error {
	var err error

	// PostgreSQL 连接（频道成员与消息的只读视图）
	t.postgresConn, err = connector.NewPostgreSQL(&t.config.Postgres, connector.WithLogger(t.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create postgres connector")
	}
	if err := t.postgresConn.Connect(t.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to connect postgres")
	}

	t.database, err = db.New(&db.Config{
		Driver: "postgresql",
	}, db.WithPostgreSQLConnector(t.postgresConn), db.WithLogger(t.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create db component")
	}

	// Redis 连接
	t.redisConn, err = connector.NewRedis(&t.config.Redis, connector.WithLogger(t.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create redis connector")
	}
	if err := t.redisConn.Connect(t.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to connect redis")
	}

	// NATS 连接
	t.natsConn, err = connector.NewNATS(&t.config.NATS, connector.WithLogger(t.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create nats connector")
	}

	// MQ Client
	t.mqClient, err = mq.New(&mq.Config{
		Driver: mq.DriverNATSCore,
	}, mq.WithNATSConnector(t.natsConn), mq.WithLogger(t.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create mq client")
	}

	return nil
}

// initRepos 初始化仓储层
func (t *Task) initRepos() error {
	var err error

	t.messageRepo, err = repo.NewMessageRepo(t.database, repo.WithMessageRepoLogger(t.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create message repo")
	}

	t.sessionRepo, err = repo.NewSessionRepo(t.redisConn, repo.WithSessionRepoLogger(t.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create session repo")
	}

	t.routeRepo, err = repo.NewRouteRepo(t.redisConn, repo.WithRouteRepoLogger(t.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create route repo")
	}

	t.ackRepo, err = repo.NewAckRepo(t.redisConn, repo.WithAckRepoLogger(t.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create ack repo")
	}

	return nil
}

// initWorkers 初始化业务组件
func (t *Task) initWorkers() {
	dispatcher := fanout.NewDispatcher(
		t.messageRepo,
		t.sessionRepo,
		t.ackRepo,
		t.mqClient,
		t.logger,
	)
	t.consumer = fanout.NewConsumer(t.mqClient, dispatcher, t.logger)

	t.retryWorker = retry.NewWorker(
		t.ackRepo,
		t.messageRepo,
		t.routeRepo,
		t.mqClient,
		t.logger,
	)

	t.healthServer = health.NewServer(t.config.GetHealthAddr(), t.logger)
}

// Run 启动消费者与补推进程，不阻塞
func (t *Task) Run() error {
	t.logger.Info("starting task service", clog.String("service", t.config.GetServiceName()))

	if err := t.healthServer.Start(); err != nil {
		return xerrors.Wrapf(err, "failed to start health server")
	}

	if err := t.consumer.Start(t.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to start downstream consumer")
	}

	go t.retryWorker.Start(t.ctx)

	t.healthServer.SetReady(true)
	t.logger.Info("task service started")
	return nil
}

// Close 关闭 Task 服务，按依赖关系逆序释放
func (t *Task) Close() error {
	t.logger.Info("shutting down task service")

	t.healthServer.SetReady(false)
	t.cancel()

	if t.consumer != nil {
		t.consumer.Stop()
	}

	// 等待在途事件处理完成
	time.Sleep(100 * time.Millisecond)

	if t.healthServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = t.healthServer.Stop(shutdownCtx)
		shutdownCancel()
	}

	if t.mqClient != nil {
		t.mqClient.Close()
	}

	if t.natsConn != nil {
		t.natsConn.Close()
	}

	if t.ackRepo != nil {
		_ = t.ackRepo.Close()
	}
	if t.routeRepo != nil {
		_ = t.routeRepo.Close()
	}
	if t.sessionRepo != nil {
		_ = t.sessionRepo.Close()
	}
	if t.messageRepo != nil {
		_ = t.messageRepo.Close()
	}

	if t.redisConn != nil {
		t.redisConn.Close()
	}

	if t.postgresConn != nil {
		t.postgresConn.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := observability.Shutdown(shutdownCtx); err != nil {
		t.logger.Warn("failed to shutdown observability", clog.Error(err))
	}

	t.logger.Info("task service stopped")
	return nil
}
