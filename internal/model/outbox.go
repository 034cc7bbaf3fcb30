package model

import "time"

// MessageOutbox 对应 t_message_outbox 表，本地消息表模式 (Outbox Pattern)。
// 下行事件与消息在同一事务内写入，发布失败由中继任务按退避重试，
// 保证落库成功的消息最终一定进入下行链路。
type MessageOutbox struct {
	ID            int64     `gorm:"primaryKey;column:id;autoIncrement"`
	MsgID         int64     `gorm:"column:msg_id;type:bigint;not null;index:idx_msg_id"`
	Topic         string    `gorm:"column:topic;type:varchar(64);not null"`
	Payload       []byte    `gorm:"column:payload;type:bytea;not null"`
	Status        int       `gorm:"column:status;type:smallint;default:0;index:idx_status_next_retry,priority:1"` // 0-待发送, 1-已发送, 2-失败
	RetryCount    int       `gorm:"column:retry_count;type:int;default:0"`
	NextRetryTime time.Time `gorm:"column:next_retry_time;index:idx_status_next_retry,priority:2"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName overrides the default table name
func (MessageOutbox) TableName() string { return "t_message_outbox" }

// Outbox Status Constants
const (
	OutboxStatusPending = 0
	OutboxStatusSent    = 1
	OutboxStatusFailed  = 2
)
