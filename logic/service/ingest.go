package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/internal/model"
	"github.com/ceyewan/relay/internal/repo"
	"github.com/ceyewan/relay/logic/observability"
	"gorm.io/gorm"
)

// Publisher 下行事件的发布端，genesis mq.Client 即满足
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// IDGenerator 消息 ID 生成器，genesis idgen 的雪花实现即满足
type IDGenerator interface {
	Next() int64
}

// IngestService 消息摄取服务。
// 序列号是稀缺的严格有序资源：校验失败的请求在触达计数器之前
// 就被拒绝；一旦号被取走，落库阶段即使调用方断开也要跑完，
// 失败时号永久作废（允许空洞），幂等重试由去重标记兜底。
type IngestService struct {
	counterRepo repo.CounterRepo
	dedupRepo   repo.DedupRepo
	messageRepo repo.MessageRepo
	idGen       IDGenerator // Snowflake ID 生成器
	publisher   Publisher
	logger      clog.Logger
}

// NewIngestService 创建消息摄取服务
func NewIngestService(
	counterRepo repo.CounterRepo,
	dedupRepo repo.DedupRepo,
	messageRepo repo.MessageRepo,
	idGen IDGenerator,
	publisher Publisher,
	logger clog.Logger,
) *IngestService {
	return &IngestService{
		counterRepo: counterRepo,
		dedupRepo:   dedupRepo,
		messageRepo: messageRepo,
		idGen:       idGen,
		publisher:   publisher,
		logger:      logger.WithNamespace("ingest"),
	}
}

// Ingest 处理单条消息：校验 → 去重 → 取号 → 落库 → 发布下行事件
func (s *IngestService) Ingest(ctx context.Context, req *model.IngestRequest) (*model.IngestResponse, error) {
	start := time.Now()
	defer func() {
		observability.RecordIngestDuration(ctx, time.Since(start))
	}()

	if err := validateIngest(req); err != nil {
		return nil, err
	}

	// 幂等：重复请求直接返回最初分配的 {msgId, seqId}
	if claim, err := s.dedupRepo.Get(ctx, req.SenderID, req.ClientMsgID); err != nil {
		s.logger.WarnContext(ctx, "dedup lookup failed, proceeding without marker",
			clog.String("client_msg_id", req.ClientMsgID),
			clog.Error(err))
	} else if claim != nil {
		return duplicateResponse(req.ClientMsgID, claim), nil
	}

	scope := repo.ChannelScope(req.ChannelID)
	if err := s.ensureCounterFloor(ctx, scope, req.ChannelID); err != nil {
		return nil, model.NewInternal("init sequence counter: %v", err)
	}

	seqID, err := s.counterRepo.Next(ctx, scope)
	if err != nil {
		return nil, model.NewInternal("claim sequence number: %v", err)
	}

	resp, err := s.persistAndPublish(ctx, req, seqID)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "message ingested",
		clog.Int64("msg_id", resp.MsgID),
		clog.Int64("seq_id", resp.SeqID),
		clog.String("channel_id", req.ChannelID))
	return resp, nil
}

// IngestBatch 批量摄取：区间自增一次性预留连续号段。
// 任一条目校验失败则整批拒绝，不消耗任何序列号。
func (s *IngestService) IngestBatch(ctx context.Context, req *model.IngestBatchRequest) (*model.IngestBatchResponse, error) {
	start := time.Now()
	defer func() {
		observability.RecordIngestDuration(ctx, time.Since(start))
	}()

	if len(req.Items) == 0 {
		return nil, model.NewInvalidArgument("batch cannot be empty")
	}
	for i := range req.Items {
		if err := validateIngest(&req.Items[i]); err != nil {
			return nil, err
		}
		if req.Items[i].ChannelID != req.Items[0].ChannelID {
			return nil, model.NewInvalidArgument("batch items must target one channel")
		}
	}

	results := make([]model.IngestResponse, len(req.Items))

	// 先过去重，只为未见过的条目取号
	fresh := make([]int, 0, len(req.Items))
	for i := range req.Items {
		item := &req.Items[i]
		claim, err := s.dedupRepo.Get(ctx, item.SenderID, item.ClientMsgID)
		if err != nil {
			s.logger.WarnContext(ctx, "dedup lookup failed, proceeding without marker",
				clog.String("client_msg_id", item.ClientMsgID),
				clog.Error(err))
		}
		if claim != nil {
			results[i] = *duplicateResponse(item.ClientMsgID, claim)
			continue
		}
		fresh = append(fresh, i)
	}

	if len(fresh) > 0 {
		channelID := req.Items[0].ChannelID
		scope := repo.ChannelScope(channelID)
		if err := s.ensureCounterFloor(ctx, scope, channelID); err != nil {
			return nil, model.NewInternal("init sequence counter: %v", err)
		}

		seqStart, _, err := s.counterRepo.NextN(ctx, scope, int64(len(fresh)))
		if err != nil {
			return nil, model.NewInternal("claim sequence block: %v", err)
		}

		for offset, i := range fresh {
			resp, err := s.persistAndPublish(ctx, &req.Items[i], seqStart+int64(offset))
			if err != nil {
				// 号段已消耗，整批以错误返回；调用方以同一组
				// clientMsgId 重试，已提交的条目走去重路径
				return nil, err
			}
			results[i] = *resp
		}
	}

	return &model.IngestBatchResponse{Results: results}, nil
}

// ensureCounterFloor 在 Redis 计数器丢失时从持久层的 MaxSeqID 重建下界。
// SETNX 语义保证并发重建不会回拨已推进的计数器。
func (s *IngestService) ensureCounterFloor(ctx context.Context, scope, channelID string) error {
	maxSeq, err := s.messageRepo.MaxSeq(ctx, channelID)
	if err != nil {
		return err
	}
	if maxSeq <= 0 {
		return nil
	}
	return s.counterRepo.InitIfAbsent(ctx, scope, maxSeq)
}

// persistAndPublish 序列号已取走之后的提交阶段。
// 使用与调用方取消解耦的 context：号一旦消耗，事务必须跑完。
func (s *IngestService) persistAndPublish(ctx context.Context, req *model.IngestRequest, seqID int64) (*model.IngestResponse, error) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	msgID := s.idGen.Next()
	now := time.Now()

	var attachments string
	if len(req.Attachments) > 0 {
		data, err := json.Marshal(req.Attachments)
		if err != nil {
			return nil, model.NewInvalidArgument("malformed attachments: %v", err)
		}
		attachments = string(data)
	}

	msg := &model.Message{
		MsgID:       msgID,
		ChannelID:   req.ChannelID,
		SenderID:    req.SenderID,
		ClientMsgID: req.ClientMsgID,
		SeqID:       seqID,
		ParentID:    req.ParentID,
		RootID:      rootOf(req),
		Content:     req.Content,
		MsgType:     req.Type,
		Attachments: attachments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	event := &model.DownstreamEvent{Message: msg}
	traceHeaders := make(map[string]string)
	observability.InjectTraceContext(ctx, traceHeaders)
	if tid, ok := traceHeaders["traceparent"]; ok {
		event.TraceID = tid
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, model.NewInternal("marshal downstream event: %v", err)
	}

	outbox := &model.MessageOutbox{
		MsgID:         msgID,
		Topic:         model.SubjectDownstream,
		Payload:       payload,
		Status:        model.OutboxStatusPending,
		NextRetryTime: now,
	}

	if err := s.messageRepo.SaveWithOutbox(commitCtx, msg, outbox); err != nil {
		// 去重标记丢失时的并发重复由 (sender_id, client_msg_id)
		// 唯一索引兜底，这里将冲突折算回幂等响应
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if claim, derr := s.dedupRepo.Get(commitCtx, req.SenderID, req.ClientMsgID); derr == nil && claim != nil {
				return duplicateResponse(req.ClientMsgID, claim), nil
			}
		}
		return nil, model.NewInternal("persist message: %v", err)
	}

	// 标记放在提交之后：标记存在必须意味着消息已可被同步拉到
	claim := &model.DedupClaim{MsgID: msgID, SeqID: seqID}
	if _, err := s.dedupRepo.SetNX(commitCtx, req.SenderID, req.ClientMsgID, claim); err != nil {
		s.logger.WarnContext(ctx, "failed to set dedup marker",
			clog.String("client_msg_id", req.ClientMsgID),
			clog.Error(err))
	}

	// Look-aside：立即尝试直发，失败交给 outbox relay 补发
	s.publishAsync(outbox.ID, model.SubjectDownstream, payload)

	return &model.IngestResponse{
		MsgID:       msgID,
		SeqID:       seqID,
		ClientMsgID: req.ClientMsgID,
		Status:      model.IngestStatusPersisted,
		Timestamp:   now.Unix(),
	}, nil
}

// publishAsync 后台直发下行事件，不阻塞 RPC 响应
func (s *IngestService) publishAsync(outboxID int64, topic string, payload []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.publisher.Publish(ctx, topic, payload); err != nil {
			s.logger.Warn("failed to publish downstream event, outbox relay will retry",
				clog.Int64("outbox_id", outboxID),
				clog.String("topic", topic),
				clog.Error(err))
			return
		}

		if err := s.messageRepo.UpdateOutboxStatus(ctx, outboxID, model.OutboxStatusSent); err != nil {
			s.logger.Warn("failed to mark outbox entry sent",
				clog.Int64("outbox_id", outboxID),
				clog.Error(err))
		}
	}()
}

func validateIngest(req *model.IngestRequest) error {
	if req.ClientMsgID == "" {
		return model.NewInvalidArgument("clientMsgId is required")
	}
	if req.ChannelID == "" {
		return model.NewInvalidArgument("channelId is required")
	}
	if req.SenderID == "" {
		return model.NewInvalidArgument("senderId is required")
	}
	switch req.Type {
	case model.MsgTypeText:
		if req.Content == "" {
			return model.NewInvalidArgument("content is required for text messages")
		}
	case model.MsgTypeFile, model.MsgTypeImage:
		if len(req.Attachments) == 0 {
			return model.NewInvalidArgument("attachments are required for %s messages", req.Type)
		}
	default:
		return model.NewInvalidArgument("unknown message type %q", req.Type)
	}
	return nil
}

// rootOf 推导线程根：深层回复由客户端显式携带 rootId，
// 直接回复根消息时 parent 即 root
func rootOf(req *model.IngestRequest) int64 {
	if req.RootID != 0 {
		return req.RootID
	}
	return req.ParentID
}

func duplicateResponse(clientMsgID string, claim *model.DedupClaim) *model.IngestResponse {
	return &model.IngestResponse{
		MsgID:       claim.MsgID,
		SeqID:       claim.SeqID,
		ClientMsgID: clientMsgID,
		Status:      model.IngestStatusDuplicate,
	}
}
