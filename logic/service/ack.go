package service

import (
	"context"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/internal/model"
	"github.com/ceyewan/relay/internal/repo"
	"github.com/ceyewan/relay/logic/observability"
)

// AckService 投递确认服务。状态机 sent → delivered → read 只进不退，
// 乱序到达的确认（先 read 后 delivered）不会回拨状态。
type AckService struct {
	ackRepo repo.AckRepo
	logger  clog.Logger
}

// NewAckService 创建投递确认服务
func NewAckService(ackRepo repo.AckRepo, logger clog.Logger) *AckService {
	return &AckService{
		ackRepo: ackRepo,
		logger:  logger.WithNamespace("ack"),
	}
}

// OnDelivered 处理送达确认
func (s *AckService) OnDelivered(ctx context.Context, req *model.AckRequest) (*model.AckResponse, error) {
	return s.advance(ctx, req, model.AckStatusDelivered)
}

// OnRead 处理已读确认
func (s *AckService) OnRead(ctx context.Context, req *model.AckRequest) (*model.AckResponse, error) {
	return s.advance(ctx, req, model.AckStatusRead)
}

func (s *AckService) advance(ctx context.Context, req *model.AckRequest, target int) (*model.AckResponse, error) {
	start := time.Now()
	defer func() {
		observability.RecordAckDuration(ctx, time.Since(start))
	}()

	if req.MsgID <= 0 {
		return nil, model.NewInvalidArgument("msgId is required")
	}
	if req.UserID == "" {
		return nil, model.NewInvalidArgument("userId is required")
	}

	status, err := s.ackRepo.Advance(ctx, req.MsgID, req.UserID, target, time.Now())
	if err != nil {
		return nil, model.NewInternal("advance ack status: %v", err)
	}
	if status == 0 {
		// 记录不存在：可能已过期或从未创建，确认按已完成处理
		s.logger.DebugContext(ctx, "ack for unknown record",
			clog.Int64("msg_id", req.MsgID),
			clog.String("user_id", req.UserID))
		return &model.AckResponse{Status: target}, nil
	}

	// 任何一级确认都终止该消息的重试
	if err := s.ackRepo.RemovePending(ctx, req.UserID, req.MsgID); err != nil {
		s.logger.WarnContext(ctx, "failed to remove pending entry",
			clog.Int64("msg_id", req.MsgID),
			clog.String("user_id", req.UserID),
			clog.Error(err))
	}

	return &model.AckResponse{Status: status}, nil
}
