// Package job 承载 Gateway 的后台任务。
package job

import (
	"context"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/gateway/connection"
	"github.com/ceyewan/relay/gateway/observability"
	"github.com/ceyewan/relay/internal/model"
	"github.com/ceyewan/relay/internal/repo"
)

// InvalidateReasonZombie 会话因心跳超时被清扫
const InvalidateReasonZombie = "heartbeat_timeout"

// OfflineReporter 下线事件上报端（由 client.StatusBatcher 实现）
type OfflineReporter interface {
	Offline(userID, socketID string)
}

// ZombieSweeper 周期性清扫本节点的僵尸会话。
// 心跳超时后再给一个宽限窗才判定僵尸；被清扫的会话若还有
// 本地连接，先下发 invalidate 再关闭，让客户端明确感知被踢。
// 单批大小有界，避免大量僵尸同时过期时阻塞清扫循环。
type ZombieSweeper struct {
	sessionRepo repo.SessionRepo
	connMgr     *connection.Manager
	reporter    OfflineReporter
	nodeID      string
	logger      clog.Logger
}

// NewZombieSweeper 创建僵尸会话清扫任务
func NewZombieSweeper(
	sessionRepo repo.SessionRepo,
	connMgr *connection.Manager,
	reporter OfflineReporter,
	nodeID string,
	logger clog.Logger,
) *ZombieSweeper {
	return &ZombieSweeper{
		sessionRepo: sessionRepo,
		connMgr:     connMgr,
		reporter:    reporter,
		nodeID:      nodeID,
		logger:      logger.WithNamespace("zombie_sweeper"),
	}
}

// Start 启动清扫任务，阻塞直到 ctx 取消
func (j *ZombieSweeper) Start(ctx context.Context) {
	j.logger.Info("starting zombie sweeper",
		clog.String("node_id", j.nodeID),
		clog.Duration("interval", model.ZombieCheckInterval))

	ticker := time.NewTicker(model.ZombieCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("zombie sweeper stopped")
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						j.logger.Error("panic in zombie sweeper", clog.Any("panic", r))
					}
				}()
				j.sweep(ctx)
			}()
		}
	}
}

// sweep 执行一轮清扫
func (j *ZombieSweeper) sweep(ctx context.Context) {
	olderThan := time.Now().Add(-(model.HeartbeatTimeout + model.GracePeriod))

	evicted, err := j.sessionRepo.SweepZombies(ctx, j.nodeID, olderThan, model.ZombieBatchSize)
	if err != nil {
		j.logger.Error("failed to sweep zombies", clog.Error(err))
		return
	}
	if len(evicted) == 0 {
		return
	}

	observability.RecordZombiesSwept(ctx, len(evicted))
	j.logger.Info("zombie sessions swept",
		clog.Int("count", len(evicted)),
		clog.Time("older_than", olderThan))

	for _, entry := range evicted {
		j.evict(ctx, entry)
	}
}

// evict 处理单条被清扫的会话
func (j *ZombieSweeper) evict(ctx context.Context, entry *model.SessionEntry) {
	conn, ok := j.connMgr.Get(entry.UserID, entry.SocketID)
	if ok {
		// 连接还挂在本地：显式失效后关闭。
		// Remove 会经回调上报下线事件，路由与连接数在 logic 侧收敛。
		if err := conn.SendInvalidate(InvalidateReasonZombie, ""); err != nil {
			j.logger.Warn("failed to send invalidate to zombie",
				clog.String("user_id", entry.UserID),
				clog.String("socket_id", entry.SocketID),
				clog.Error(err))
		}
		conn.Close()
		j.connMgr.Remove(ctx, conn)
		return
	}

	// 本地连接已不存在（如节点重启前的残留记录），补报一条下线事件
	j.reporter.Offline(entry.UserID, entry.SocketID)
	j.logger.Debug("stale session reported offline",
		clog.String("user_id", entry.UserID),
		clog.String("socket_id", entry.SocketID))
}
