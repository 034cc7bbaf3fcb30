package service

import (
	"context"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/internal/model"
	"github.com/ceyewan/relay/internal/repo"
	"github.com/ceyewan/relay/logic/observability"
)

// SyncService 增量同步服务。客户端持有游标（fromSeqId），
// 服务端不保存任何每用户离线队列，拉取是唯一的离线恢复路径。
type SyncService struct {
	messageRepo repo.MessageRepo
	logger      clog.Logger
}

// NewSyncService 创建增量同步服务
func NewSyncService(messageRepo repo.MessageRepo, logger clog.Logger) *SyncService {
	return &SyncService{
		messageRepo: messageRepo,
		logger:      logger.WithNamespace("sync"),
	}
}

// Sync 拉取 seqId > fromSeqId 的消息，升序分页。
// 未携带游标时返回最近一个固定窗口。
func (s *SyncService) Sync(ctx context.Context, req *model.SyncRequest) (*model.SyncResponse, error) {
	start := time.Now()
	defer func() {
		observability.RecordSyncDuration(ctx, time.Since(start))
	}()

	if req.ChannelID == "" {
		return nil, model.NewInvalidArgument("channelId is required")
	}

	limit := req.Limit
	if limit <= 0 {
		limit = model.SyncPageSize
	}
	if limit > model.SyncMaxPageSize {
		limit = model.SyncMaxPageSize
	}

	if req.FromSeqID == nil {
		return s.latestWindow(ctx, req.ChannelID, limit)
	}

	fromSeq := *req.FromSeqID
	if fromSeq < 0 {
		return nil, model.NewInvalidArgument("fromSeqId cannot be negative")
	}

	// 多取一条用于判定 hasMore
	messages, err := s.messageRepo.GetRange(ctx, req.ChannelID, fromSeq, limit+1)
	if err != nil {
		return nil, model.NewInternal("load messages: %v", err)
	}

	hasMore := false
	if len(messages) > limit {
		hasMore = true
		messages = messages[:limit]
	}

	resp := &model.SyncResponse{
		Messages:  messages,
		FromSeqID: fromSeq,
		ToSeqID:   fromSeq,
		HasMore:   hasMore,
	}
	if len(messages) > 0 {
		resp.ToSeqID = messages[len(messages)-1].SeqID
	}
	return resp, nil
}

// latestWindow 无游标时的初始拉取：最近 limit 条，仍按升序返回
func (s *SyncService) latestWindow(ctx context.Context, channelID string, limit int) (*model.SyncResponse, error) {
	messages, err := s.messageRepo.GetLatestWindow(ctx, channelID, limit)
	if err != nil {
		return nil, model.NewInternal("load latest window: %v", err)
	}

	resp := &model.SyncResponse{Messages: messages}
	if len(messages) > 0 {
		resp.FromSeqID = messages[0].SeqID - 1
		resp.ToSeqID = messages[len(messages)-1].SeqID
	}
	return resp, nil
}
