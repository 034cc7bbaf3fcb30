// Package retry 实现投递超时的补推进程：周期性扫描 dirty 集合，
// 对超时未确认的消息按最新路由重发，重试耗尽后放弃主动推送，
// 归档到死信通道并交给增量同步兜底。
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/internal/model"
	"github.com/ceyewan/relay/internal/repo"
	"github.com/ceyewan/relay/task/observability"
)

// 单轮扫描的 dirty 用户上限，限制一个 tick 的工作量
const dirtyPageSize = 100

// PendingSource 待确认记录的扫描与维护端
type PendingSource interface {
	DirtyUsers(ctx context.Context, limit int) ([]string, error)
	ScanOverdue(ctx context.Context, userID string, ackTimeout time.Duration, limit int) ([]*model.AckRecord, error)
	BumpRetry(ctx context.Context, msgID int64, userID string, at time.Time) (int, error)
	RemovePending(ctx context.Context, userID string, msgID int64) error
	ClearDirty(ctx context.Context, userID string) error
}

// MessageSource 消息重发时按 ID 取回原始消息，
// 不存在时返回 repo.ErrMessageNotFound
type MessageSource interface {
	GetByID(ctx context.Context, msgID int64) (*model.Message, error)
}

// RouteSource 重发按用户当前的归属节点寻址，不信任记录里的旧节点
type RouteSource interface {
	BatchGetRoutes(ctx context.Context, userIDs []string) (map[string]*model.Route, error)
}

// Publisher 节点推送与死信事件的发布端
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// Worker 补推进程
type Worker struct {
	pending   PendingSource
	messages  MessageSource
	routes    RouteSource
	publisher Publisher
	logger    clog.Logger

	interval time.Duration
	now      func() time.Time
}

// Option 配置 Worker 的选项
type Option func(*Worker)

// WithInterval 覆盖扫描间隔
func WithInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorker 创建补推进程
func NewWorker(pending PendingSource, messages MessageSource, routes RouteSource, publisher Publisher, logger clog.Logger, opts ...Option) *Worker {
	w := &Worker{
		pending:   pending,
		messages:  messages,
		routes:    routes,
		publisher: publisher,
		logger:    logger.WithNamespace("retry"),
		interval:  model.RetryDelay,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start 启动补推循环，阻塞直到 ctx 取消
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("retry worker starting",
		clog.Duration("interval", w.interval),
		clog.Duration("ack_timeout", model.AckTimeout),
		clog.Int("max_retry", model.MaxRetryCount))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retry worker stopped")
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						w.logger.Error("panic in retry worker", clog.Any("panic", r))
					}
				}()
				w.Sweep(ctx)
			}()
		}
	}
}

// Sweep 执行一轮扫描：逐个处理 dirty 用户的超时消息
func (w *Worker) Sweep(ctx context.Context) {
	users, err := w.pending.DirtyUsers(ctx, dirtyPageSize)
	if err != nil {
		w.logger.Error("failed to list dirty users", clog.Error(err))
		return
	}

	for _, userID := range users {
		if err := w.sweepUser(ctx, userID); err != nil {
			w.logger.Error("failed to sweep user",
				clog.String("user_id", userID),
				clog.Error(err))
		}
	}
}

// sweepUser 处理单个用户的超时消息。重试次数未耗尽且退避期已过的
// 按当前路由重发；耗尽的移出待确认集合并归档死信。
func (w *Worker) sweepUser(ctx context.Context, userID string) error {
	records, err := w.pending.ScanOverdue(ctx, userID, model.AckTimeout, model.RetryPageSize)
	if err != nil {
		return fmt.Errorf("failed to scan overdue acks: %w", err)
	}

	if len(records) > 0 {
		routes, err := w.routes.BatchGetRoutes(ctx, []string{userID})
		if err != nil {
			return fmt.Errorf("failed to get route: %w", err)
		}
		route := routes[userID]

		for _, rec := range records {
			if err := w.handleRecord(ctx, rec, route); err != nil {
				w.logger.Error("failed to handle overdue record",
					clog.Int64("msg_id", rec.MsgID),
					clog.String("user_id", rec.UserID),
					clog.Error(err))
			}
		}
	}

	// 待确认集合已清空时把用户移出 dirty 集合（存储端校验空集）
	if err := w.pending.ClearDirty(ctx, userID); err != nil {
		w.logger.Warn("failed to clear dirty flag",
			clog.String("user_id", userID),
			clog.Error(err))
	}
	return nil
}

func (w *Worker) handleRecord(ctx context.Context, rec *model.AckRecord, route *model.Route) error {
	if rec.RetryCount >= model.MaxRetryCount {
		return w.abandon(ctx, rec)
	}

	// 按 2 的幂退避：第 n 次重试距上次至少 RETRY_DELAY × 2^(n-1)
	if !w.backoffElapsed(rec) {
		return nil
	}

	// 用户已离线：主动推送没有目标，移出待确认集合，
	// 重连后的增量同步负责补齐
	if route == nil {
		w.logger.Debug("user offline, deferring to sync",
			clog.Int64("msg_id", rec.MsgID),
			clog.String("user_id", rec.UserID))
		return w.pending.RemovePending(ctx, rec.UserID, rec.MsgID)
	}

	msg, err := w.messages.GetByID(ctx, rec.MsgID)
	if err != nil {
		if errors.Is(err, repo.ErrMessageNotFound) {
			// 消息已不存在，记录是残留
			return w.pending.RemovePending(ctx, rec.UserID, rec.MsgID)
		}
		return fmt.Errorf("failed to load message: %w", err)
	}

	retryCount, err := w.pending.BumpRetry(ctx, rec.MsgID, rec.UserID, w.now())
	if err != nil {
		return fmt.Errorf("failed to bump retry count: %w", err)
	}

	data, err := json.Marshal(&model.NodePushEvent{
		Kind:       model.PushKindMessage,
		UserID:     rec.UserID,
		Message:    msg,
		RetryCount: retryCount,
	})
	if err != nil {
		return fmt.Errorf("failed to encode push event: %w", err)
	}
	if err := w.publisher.Publish(ctx, model.NodePushSubject(route.NodeID), data); err != nil {
		return fmt.Errorf("failed to republish: %w", err)
	}

	observability.RecordRetryPublished(ctx)
	w.logger.Info("overdue message republished",
		clog.Int64("msg_id", rec.MsgID),
		clog.String("user_id", rec.UserID),
		clog.String("node_id", route.NodeID),
		clog.Int("retry_count", retryCount))
	return nil
}

// abandon 重试耗尽：移出待确认集合，归档到死信通道。
// 收敛性由增量同步保证，对发送方永远不是硬错误。
func (w *Worker) abandon(ctx context.Context, rec *model.AckRecord) error {
	// 死信事件带上序列号，消费方据此定位同步缺口；
	// 消息本身已被删除时序列号缺省为 0
	var seqID int64
	msg, err := w.messages.GetByID(ctx, rec.MsgID)
	if err != nil && !errors.Is(err, repo.ErrMessageNotFound) {
		return fmt.Errorf("failed to load message: %w", err)
	}
	if msg != nil {
		seqID = msg.SeqID
	}

	if err := w.pending.RemovePending(ctx, rec.UserID, rec.MsgID); err != nil {
		return fmt.Errorf("failed to remove pending: %w", err)
	}

	data, err := json.Marshal(&model.DeadLetterEvent{
		MsgID:       rec.MsgID,
		ChannelID:   rec.ChannelID,
		SeqID:       seqID,
		UserID:      rec.UserID,
		RetryCount:  rec.RetryCount,
		AbandonedAt: w.now().Unix(),
		Reason:      "retry exhausted",
	})
	if err != nil {
		return fmt.Errorf("failed to encode dead letter event: %w", err)
	}
	if err := w.publisher.Publish(ctx, model.SubjectDeadLetter, data); err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}

	observability.RecordDeadLetter(ctx)
	w.logger.Warn("message abandoned after retry exhausted",
		clog.Int64("msg_id", rec.MsgID),
		clog.String("user_id", rec.UserID),
		clog.Int("retry_count", rec.RetryCount))
	return nil
}

// backoffElapsed 判断记录的退避期是否已过
func (w *Worker) backoffElapsed(rec *model.AckRecord) bool {
	if rec.RetryCount == 0 || rec.LastRetryAt == 0 {
		return true
	}
	delay := model.RetryDelay << uint(rec.RetryCount-1)
	return w.now().Sub(time.Unix(rec.LastRetryAt, 0)) >= delay
}
