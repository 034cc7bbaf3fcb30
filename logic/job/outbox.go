package job

import (
	"context"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/mq"
	"github.com/ceyewan/relay/internal/model"
	"github.com/ceyewan/relay/internal/repo"
)

const (
	BatchSize  = 100
	MaxRetries = 5
	TickerTime = time.Second
)

// OutboxRelay 扫描本地消息表，把直发失败的下行事件补发到 MQ。
// 落库与发布不在一个事务里，这条补发链路保证"已落库必有下行事件"。
type OutboxRelay struct {
	messageRepo repo.MessageRepo
	mqClient    mq.MQ
	logger      clog.Logger
}

func NewOutboxRelay(messageRepo repo.MessageRepo, mqClient mq.MQ, logger clog.Logger) *OutboxRelay {
	return &OutboxRelay{
		messageRepo: messageRepo,
		mqClient:    mqClient,
		logger:      logger.WithNamespace("outbox_relay"),
	}
}

// Start 启动补发任务，阻塞直到 ctx 取消
func (j *OutboxRelay) Start(ctx context.Context) {
	j.logger.Info("starting outbox relay job")
	ticker := time.NewTicker(TickerTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("outbox relay job stopped")
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						j.logger.Error("panic in outbox relay job", clog.Any("panic", r))
					}
				}()
				j.processPending(ctx)
			}()
		}
	}
}

func (j *OutboxRelay) processPending(ctx context.Context) {
	entries, err := j.messageRepo.GetPendingOutbox(ctx, BatchSize)
	if err != nil {
		j.logger.Error("failed to get pending outbox entries", clog.Error(err))
		return
	}

	if len(entries) == 0 {
		return
	}

	j.logger.Debug("relaying pending outbox entries", clog.Int("count", len(entries)))

	for _, entry := range entries {
		j.relay(ctx, entry)
	}
}

func (j *OutboxRelay) relay(ctx context.Context, entry *model.MessageOutbox) {
	if err := j.mqClient.Publish(ctx, entry.Topic, entry.Payload); err != nil {
		j.logger.Warn("failed to relay outbox entry",
			clog.Int64("id", entry.ID),
			clog.Int64("msg_id", entry.MsgID),
			clog.Error(err))

		// 指数退避，超限后标记失败不再补发
		retryCount := entry.RetryCount + 1
		if retryCount > MaxRetries {
			_ = j.messageRepo.UpdateOutboxStatus(ctx, entry.ID, model.OutboxStatusFailed)
			j.logger.Error("outbox entry reached max retries, marked as failed",
				clog.Int64("msg_id", entry.MsgID))
			return
		}

		nextRetry := time.Now().Add(time.Duration(retryCount*retryCount) * time.Second)
		_ = j.messageRepo.UpdateOutboxRetry(ctx, entry.ID, nextRetry, retryCount)
		return
	}

	if err := j.messageRepo.UpdateOutboxStatus(ctx, entry.ID, model.OutboxStatusSent); err != nil {
		j.logger.Error("failed to update status after relay",
			clog.Int64("id", entry.ID),
			clog.Error(err))
	}
}
