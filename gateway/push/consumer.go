// Package push 消费发给本节点的下行推送事件并投递到本地连接。
// 节点主题只发给本节点（queue group 取节点 ID，保证每个节点都收到）；
// 投递失败不在这里重试，ACK 超时重试进程会按确认水位重新下发。
package push

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/mq"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/ceyewan/relay/gateway/connection"
	"github.com/ceyewan/relay/gateway/observability"
	"github.com/ceyewan/relay/internal/model"
)

// Service 下行推送消费者
type Service struct {
	mqClient mq.MQ
	connMgr  *connection.Manager
	nodeID   string
	logger   clog.Logger

	subs   []mq.Subscription
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService 创建推送消费者
func NewService(mqClient mq.MQ, connMgr *connection.Manager, nodeID string, logger clog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		mqClient: mqClient,
		connMgr:  connMgr,
		nodeID:   nodeID,
		logger:   logger.WithNamespace("push"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 订阅节点专属主题与广播主题
func (s *Service) Start() error {
	nodeSubject := model.NodePushSubject(s.nodeID)

	// queue group 取节点 ID：订阅互相独立，每个节点都能收到自己的事件
	sub, err := s.mqClient.Subscribe(s.ctx, nodeSubject, s.handleNodePush, mq.WithQueueGroup("push-"+s.nodeID))
	if err != nil {
		return xerrors.Wrapf(err, "failed to subscribe to %s", nodeSubject)
	}
	s.subs = append(s.subs, sub)

	sub, err = s.mqClient.Subscribe(s.ctx, model.SubjectBroadcast, s.handleBroadcast, mq.WithQueueGroup("broadcast-"+s.nodeID))
	if err != nil {
		return xerrors.Wrapf(err, "failed to subscribe to %s", model.SubjectBroadcast)
	}
	s.subs = append(s.subs, sub)

	s.logger.Info("push consumer started",
		clog.String("node_subject", nodeSubject),
		clog.String("broadcast_subject", model.SubjectBroadcast))
	return nil
}

// handleNodePush 处理发给本节点的推送指令
func (s *Service) handleNodePush(ctx context.Context, msg mq.Message) error {
	var event model.NodePushEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		s.logger.Error("failed to unmarshal node push event", clog.Error(err))
		msg.Ack() // 无法解析的消息直接 Ack，避免重复消费
		return nil
	}

	switch event.Kind {
	case model.PushKindMessage:
		s.deliverMessage(ctx, &event)
	case model.PushKindInvalidate:
		s.deliverInvalidate(ctx, &event)
	default:
		s.logger.Warn("unknown push kind", clog.String("kind", event.Kind))
	}

	// 用户已不在本节点也 Ack：路由漂移由重试进程按最新路由重发
	msg.Ack()
	return nil
}

// deliverMessage 把消息推给用户的全部本地连接
func (s *Service) deliverMessage(ctx context.Context, event *model.NodePushEvent) {
	if event.Message == nil {
		s.logger.Warn("push event without message", clog.String("user_id", event.UserID))
		return
	}

	start := time.Now()
	frame, err := model.NewFrame(model.FrameTypeMessage, event.Message)
	if err != nil {
		s.logger.Error("failed to build message frame",
			clog.Int64("msg_id", event.Message.MsgID),
			clog.Error(err))
		return
	}

	delivered := s.connMgr.SendToUser(event.UserID, frame)
	observability.RecordPushDuration(ctx, time.Since(start))
	if delivered == 0 {
		observability.RecordPushFailed(ctx)
		s.logger.Debug("no local connection for push",
			clog.String("user_id", event.UserID),
			clog.Int64("msg_id", event.Message.MsgID),
			clog.Int("retry_count", event.RetryCount))
		return
	}

	observability.RecordPushSent(ctx, delivered)
	s.logger.Debug("message pushed",
		clog.String("user_id", event.UserID),
		clog.Int64("msg_id", event.Message.MsgID),
		clog.Int("delivered", delivered))
}

// deliverInvalidate 定点下发会话失效信号并关闭连接
func (s *Service) deliverInvalidate(ctx context.Context, event *model.NodePushEvent) {
	conn, ok := s.connMgr.Get(event.UserID, event.SocketID)
	if !ok {
		return
	}

	if err := conn.SendInvalidate(event.Reason, ""); err != nil {
		s.logger.Warn("failed to send invalidate",
			clog.String("user_id", event.UserID),
			clog.String("socket_id", event.SocketID),
			clog.Error(err))
	}
	conn.Close()
	s.connMgr.Remove(ctx, conn)

	s.logger.Info("connection invalidated",
		clog.String("user_id", event.UserID),
		clog.String("socket_id", event.SocketID),
		clog.String("reason", event.Reason))
}

// handleBroadcast 集群广播：推给本节点全部在线连接
func (s *Service) handleBroadcast(ctx context.Context, msg mq.Message) error {
	var event model.BroadcastEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		s.logger.Error("failed to unmarshal broadcast event", clog.Error(err))
		msg.Ack()
		return nil
	}

	if event.Message == nil {
		msg.Ack()
		return nil
	}

	frame, err := model.NewFrame(model.FrameTypeMessage, event.Message)
	if err != nil {
		s.logger.Error("failed to build broadcast frame", clog.Error(err))
		msg.Ack()
		return nil
	}

	delivered := s.connMgr.Broadcast(frame)
	observability.RecordPushSent(ctx, delivered)
	s.logger.Info("broadcast delivered",
		clog.Int64("msg_id", event.Message.MsgID),
		clog.Int("delivered", delivered))

	msg.Ack()
	return nil
}

// Stop 注销订阅
func (s *Service) Stop() error {
	s.cancel()
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Error("failed to unsubscribe", clog.Error(err))
		}
	}
	s.subs = nil
	s.logger.Info("push consumer stopped")
	return nil
}
