// Package fanout 消费 logic 发布的下行事件，解析频道成员的在线会话，
// 按归属节点改写为节点专属的推送事件。离线用户被跳过，由增量同步兜底。
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/mq"
	"github.com/ceyewan/relay/internal/model"
	"github.com/ceyewan/relay/task/observability"
)

// MemberSource 频道成员解析（持久层只读视图）
type MemberSource interface {
	GetChannelMembers(ctx context.Context, channelID string) ([]string, error)
}

// SessionSource 用户在线会话查询
type SessionSource interface {
	GetSessions(ctx context.Context, userID string) ([]*model.SessionEntry, error)
}

// AckStore 投递确认记录的创建端
type AckStore interface {
	Create(ctx context.Context, rec *model.AckRecord) error
}

// Publisher 节点推送事件的发布端
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// Dispatcher 单条下行事件的扩散逻辑
type Dispatcher struct {
	members   MemberSource
	sessions  SessionSource
	acks      AckStore
	publisher Publisher
	logger    clog.Logger
}

// NewDispatcher 创建扩散器
func NewDispatcher(members MemberSource, sessions SessionSource, acks AckStore, publisher Publisher, logger clog.Logger) *Dispatcher {
	return &Dispatcher{
		members:   members,
		sessions:  sessions,
		acks:      acks,
		publisher: publisher,
		logger:    logger.WithNamespace("fanout"),
	}
}

// Dispatch 把一条下行事件扩散到收件人的归属节点。
// 成员解析或确认记录创建失败返回错误（可重投）；
// 会话存储不可用按离线降级处理，不阻断整条事件。
func (d *Dispatcher) Dispatch(ctx context.Context, event *model.DownstreamEvent) error {
	if event == nil || event.Message == nil {
		return fmt.Errorf("downstream event has no message")
	}
	msg := event.Message
	start := time.Now()
	observability.RecordFanoutEvent(ctx)

	members, err := d.members.GetChannelMembers(ctx, msg.ChannelID)
	if err != nil {
		return fmt.Errorf("failed to resolve channel members: %w", err)
	}

	published := 0
	offline := 0
	for _, userID := range members {
		// 发送者不接收自己消息的在线推送，send_ack 已经回执
		if userID == msg.SenderID {
			continue
		}

		sessions, err := d.sessions.GetSessions(ctx, userID)
		if err != nil {
			// 会话存储不可用降级为离线，增量同步兜底
			d.logger.Warn("failed to get sessions, treating user as offline",
				clog.String("user_id", userID),
				clog.Int64("msg_id", msg.MsgID),
				clog.Error(err))
			offline++
			continue
		}
		if len(sessions) == 0 {
			offline++
			continue
		}

		if err := d.acks.Create(ctx, &model.AckRecord{
			MsgID:     msg.MsgID,
			UserID:    userID,
			ChannelID: msg.ChannelID,
			Status:    model.AckStatusSent,
			SentAt:    start.UnixMilli(),
			NodeID:    sessions[0].NodeID,
		}); err != nil {
			return fmt.Errorf("failed to create ack record: %w", err)
		}

		n, err := d.pushToNodes(ctx, userID, sessions, msg, event.TraceID, 0)
		if err != nil {
			return err
		}
		published += n
	}

	observability.RecordPushPublished(ctx, published)
	observability.RecordOfflineSkipped(ctx, offline)
	observability.RecordFanoutDuration(ctx, time.Since(start))

	d.logger.Debug("downstream event dispatched",
		clog.Int64("msg_id", msg.MsgID),
		clog.String("channel_id", msg.ChannelID),
		clog.Int("members", len(members)),
		clog.Int("published", published),
		clog.Int("offline", offline))

	return nil
}

// pushToNodes 按节点去重后发布推送事件。用户多端分布在多个节点时，
// 每个节点各收一条，节点内再向该用户的全部连接扇出。
func (d *Dispatcher) pushToNodes(ctx context.Context, userID string, sessions []*model.SessionEntry, msg *model.Message, traceID string, retryCount int) (int, error) {
	nodes := make(map[string]struct{}, len(sessions))
	published := 0
	for _, s := range sessions {
		if _, seen := nodes[s.NodeID]; seen {
			continue
		}
		nodes[s.NodeID] = struct{}{}

		data, err := json.Marshal(&model.NodePushEvent{
			Kind:       model.PushKindMessage,
			UserID:     userID,
			Message:    msg,
			RetryCount: retryCount,
			TraceID:    traceID,
		})
		if err != nil {
			return published, fmt.Errorf("failed to encode node push event: %w", err)
		}
		if err := d.publisher.Publish(ctx, model.NodePushSubject(s.NodeID), data); err != nil {
			return published, fmt.Errorf("failed to publish to node %s: %w", s.NodeID, err)
		}
		published++
	}
	return published, nil
}

// Consumer 订阅下行主题，以 queue group 消费保证事件只被一个实例处理
type Consumer struct {
	mqClient   mq.MQ
	dispatcher *Dispatcher
	logger     clog.Logger

	sub mq.Subscription
}

// NewConsumer 创建下行消费者
func NewConsumer(mqClient mq.MQ, dispatcher *Dispatcher, logger clog.Logger) *Consumer {
	return &Consumer{
		mqClient:   mqClient,
		dispatcher: dispatcher,
		logger:     logger.WithNamespace("downstream-consumer"),
	}
}

// Start 开始消费下行事件
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.mqClient.QueueSubscribe(ctx, model.SubjectDownstream, model.QueueGroupTask, c.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe downstream: %w", err)
	}
	c.sub = sub

	c.logger.Info("downstream consumer started",
		clog.String("topic", model.SubjectDownstream),
		clog.String("queue_group", model.QueueGroupTask))
	return nil
}

// Stop 停止消费
func (c *Consumer) Stop() {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.logger.Warn("failed to unsubscribe downstream", clog.Error(err))
		}
		c.sub = nil
	}
	c.logger.Info("downstream consumer stopped")
}

// handle 解码并扩散一条下行事件。编码损坏的事件直接确认丢弃；
// 可重试失败 Nak 等待重投。
func (c *Consumer) handle(ctx context.Context, msg mq.Message) error {
	var event model.DownstreamEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		c.logger.Error("failed to decode downstream event, dropping", clog.Error(err))
		return msg.Ack()
	}
	if event.Message == nil {
		c.logger.Error("downstream event has no message, dropping")
		return msg.Ack()
	}

	if event.TraceID != "" {
		ctx = observability.ExtractTraceContext(ctx, map[string]string{"traceparent": event.TraceID})
	}
	ctx, end := observability.StartSpan(ctx, "fanout downstream")
	defer end()

	if err := c.dispatcher.Dispatch(ctx, &event); err != nil {
		c.logger.Error("failed to dispatch downstream event",
			clog.Int64("msg_id", event.Message.MsgID),
			clog.Error(err))
		return msg.Nak()
	}
	return msg.Ack()
}
