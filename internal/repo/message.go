package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
	"github.com/ceyewan/relay/internal/model"
	"gorm.io/gorm"
)

// ErrMessageNotFound 消息不存在
var ErrMessageNotFound = errors.New("message not found")

// 确保 messageRepo 实现了 MessageRepo 接口
var _ MessageRepo = (*messageRepo)(nil)

// messageRepo MessageRepo 的 gorm 实现
type messageRepo struct {
	db     db.DB
	logger clog.Logger
}

// MessageRepoOption 配置选项
type MessageRepoOption func(*messageRepoOptions)

type messageRepoOptions struct {
	logger clog.Logger
}

// WithMessageRepoLogger 设置日志记录器
func WithMessageRepoLogger(logger clog.Logger) MessageRepoOption {
	return func(o *messageRepoOptions) {
		o.logger = logger
	}
}

// NewMessageRepo 创建 MessageRepo 实例
func NewMessageRepo(database db.DB, opts ...MessageRepoOption) (MessageRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}

	options := &messageRepoOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger, err := ensureLogger(options.logger, "message")
	if err != nil {
		return nil, err
	}

	return &messageRepo{
		db:     database,
		logger: logger,
	}, nil
}

// SaveWithOutbox 事务内保存消息、推进频道 MaxSeqID 并写本地消息表。
// 事务提交即视为摄取成功；下行发布失败由 Outbox 中继兜底。
func (r *messageRepo) SaveWithOutbox(ctx context.Context, msg *model.Message, outbox *model.MessageOutbox) error {
	if msg == nil || outbox == nil {
		return fmt.Errorf("message and outbox cannot be nil")
	}
	if msg.MsgID == 0 || msg.ChannelID == "" || msg.SenderID == "" || msg.ClientMsgID == "" {
		return fmt.Errorf("message msg_id, channel_id, sender_id and client_msg_id are required")
	}

	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}

		// CAS 推进频道 MaxSeqID，乱序提交时不回退
		result := tx.Model(&model.Channel{}).
			Where("channel_id = ? AND max_seq_id < ?", msg.ChannelID, msg.SeqID).
			Update("max_seq_id", msg.SeqID)
		if result.Error != nil {
			return fmt.Errorf("failed to update channel max_seq_id: %w", result.Error)
		}

		if err := tx.Create(outbox).Error; err != nil {
			return fmt.Errorf("failed to save outbox: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to save message with outbox",
			clog.String("channel_id", msg.ChannelID),
			clog.Int64("msg_id", msg.MsgID),
			clog.Int64("seq_id", msg.SeqID),
			clog.Error(err),
		)
		return err
	}

	r.logger.DebugContext(ctx, "Message persisted",
		clog.String("channel_id", msg.ChannelID),
		clog.Int64("msg_id", msg.MsgID),
		clog.Int64("seq_id", msg.SeqID),
	)
	return nil
}

// GetRange 拉取 seqID > fromSeq 的消息，升序
func (r *messageRepo) GetRange(ctx context.Context, channelID string, fromSeq int64, limit int) ([]*model.Message, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channel_id cannot be empty")
	}
	if limit <= 0 {
		limit = model.SyncPageSize
	}
	if limit > model.SyncMaxPageSize {
		limit = model.SyncMaxPageSize
	}

	var messages []*model.Message
	gormDB := r.db.DB(ctx)
	if err := gormDB.Where("channel_id = ? AND seq_id > ?", channelID, fromSeq).
		Order("seq_id ASC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		r.logger.ErrorContext(ctx, "Failed to get message range",
			clog.String("channel_id", channelID),
			clog.Int64("from_seq", fromSeq),
			clog.Error(err),
		)
		return nil, fmt.Errorf("failed to get message range: %w", err)
	}
	return messages, nil
}

// GetLatestWindow 拉取最近 limit 条消息。
// 先倒序取，再在内存反转为升序输出。
func (r *messageRepo) GetLatestWindow(ctx context.Context, channelID string, limit int) ([]*model.Message, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channel_id cannot be empty")
	}
	if limit <= 0 {
		limit = model.SyncPageSize
	}
	if limit > model.SyncMaxPageSize {
		limit = model.SyncMaxPageSize
	}

	var messages []*model.Message
	gormDB := r.db.DB(ctx)
	if err := gormDB.Where("channel_id = ?", channelID).
		Order("seq_id DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("failed to get latest window: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MaxSeq 返回频道当前持久化的最大序列号
func (r *messageRepo) MaxSeq(ctx context.Context, channelID string) (int64, error) {
	if channelID == "" {
		return 0, fmt.Errorf("channel_id cannot be empty")
	}

	var maxSeq int64
	gormDB := r.db.DB(ctx)
	if err := gormDB.Model(&model.Message{}).
		Where("channel_id = ?", channelID).
		Select("COALESCE(MAX(seq_id), 0)").
		Scan(&maxSeq).Error; err != nil {
		return 0, fmt.Errorf("failed to get max seq: %w", err)
	}
	return maxSeq, nil
}

// GetByID 按消息 ID 读取
func (r *messageRepo) GetByID(ctx context.Context, msgID int64) (*model.Message, error) {
	if msgID == 0 {
		return nil, fmt.Errorf("msg_id cannot be zero")
	}

	var msg model.Message
	gormDB := r.db.DB(ctx)
	if err := gormDB.Where("msg_id = ?", msgID).First(&msg).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: %d", ErrMessageNotFound, msgID)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// GetChannelMembers 解析频道成员（只读，写入由外围 CRUD 层负责）
func (r *messageRepo) GetChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channel_id cannot be empty")
	}

	var userIDs []string
	gormDB := r.db.DB(ctx)
	if err := gormDB.Model(&model.ChannelMember{}).
		Where("channel_id = ?", channelID).
		Pluck("user_id", &userIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to get channel members: %w", err)
	}
	return userIDs, nil
}

// GetPendingOutbox 获取到期待发送的本地消息
func (r *messageRepo) GetPendingOutbox(ctx context.Context, limit int) ([]*model.MessageOutbox, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []*model.MessageOutbox
	gormDB := r.db.DB(ctx)
	if err := gormDB.Where("status = ? AND next_retry_time <= ?", model.OutboxStatusPending, time.Now()).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get pending outbox messages: %w", err)
	}
	return rows, nil
}

// UpdateOutboxStatus 更新本地消息表状态
func (r *messageRepo) UpdateOutboxStatus(ctx context.Context, id int64, status int) error {
	gormDB := r.db.DB(ctx)
	if err := gormDB.Model(&model.MessageOutbox{}).Where("id = ?", id).Update("status", status).Error; err != nil {
		return fmt.Errorf("failed to update outbox status: %w", err)
	}
	return nil
}

// UpdateOutboxRetry 更新本地消息表重试信息
func (r *messageRepo) UpdateOutboxRetry(ctx context.Context, id int64, nextRetry time.Time, count int) error {
	gormDB := r.db.DB(ctx)
	if err := gormDB.Model(&model.MessageOutbox{}).Where("id = ?", id).Updates(map[string]interface{}{
		"next_retry_time": nextRetry,
		"retry_count":     count,
	}).Error; err != nil {
		return fmt.Errorf("failed to update outbox retry: %w", err)
	}
	return nil
}

// Close 释放资源（db 实例由外部管理）
func (r *messageRepo) Close() error {
	return nil
}
