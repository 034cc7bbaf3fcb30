package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/internal/model"
)

// PresenceReporter 上下线事件的上报端（由 LogicClient 实现）
type PresenceReporter interface {
	PresenceSync(ctx context.Context, events []model.PresenceEvent) (int, error)
}

// StatusBatcher 聚合连接的上下线事件，批量同步到 Logic。
// 采用双重触发机制：数量触发 + 时间触发。
type StatusBatcher struct {
	reporter PresenceReporter
	nodeID   string
	logger   clog.Logger

	// 批量配置
	batchSize     int           // 数量触发阈值
	flushInterval time.Duration // 时间触发间隔

	// 缓冲区
	buf []model.PresenceEvent

	// 同步控制
	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// BatcherOption 配置 StatusBatcher 的选项
type BatcherOption func(*StatusBatcher)

// WithBatchSize 设置批量大小阈值
func WithBatchSize(size int) BatcherOption {
	return func(b *StatusBatcher) {
		if size > 0 {
			b.batchSize = size
		}
	}
}

// WithFlushInterval 设置刷新间隔
func WithFlushInterval(interval time.Duration) BatcherOption {
	return func(b *StatusBatcher) {
		if interval > 0 {
			b.flushInterval = interval
		}
	}
}

// NewStatusBatcher 创建状态批量同步器
func NewStatusBatcher(reporter PresenceReporter, nodeID string, logger clog.Logger, opts ...BatcherOption) *StatusBatcher {
	b := &StatusBatcher{
		reporter:      reporter,
		nodeID:        nodeID,
		logger:        logger.WithNamespace("status-batcher"),
		batchSize:     50,
		flushInterval: 100 * time.Millisecond,
		buf:           make([]model.PresenceEvent, 0, 50),
		stopCh:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Start 启动批量同步器
func (b *StatusBatcher) Start() {
	if !b.running.CompareAndSwap(false, true) {
		b.logger.Warn("status batcher already running")
		return
	}

	b.logger.Info("status batcher starting",
		clog.Int("batch_size", b.batchSize),
		clog.Duration("flush_interval", b.flushInterval))

	b.wg.Add(1)
	go b.flushLoop()
}

// Stop 停止批量同步器，缓冲区剩余事件做最后一次上报
func (b *StatusBatcher) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}

	close(b.stopCh)
	b.wg.Wait()

	// 最后一次刷新
	b.flush()

	b.logger.Info("status batcher stopped")
}

// Online 记录一条上线事件（异步，放入缓冲区）
func (b *StatusBatcher) Online(userID, socketID, device, remoteIP string) {
	b.enqueue(model.PresenceEvent{
		Type:      model.PresenceOnline,
		UserID:    userID,
		SocketID:  socketID,
		NodeID:    b.nodeID,
		Device:    device,
		RemoteIP:  remoteIP,
		Timestamp: time.Now().Unix(),
	})
}

// Offline 记录一条下线事件（异步，放入缓冲区）
func (b *StatusBatcher) Offline(userID, socketID string) {
	b.enqueue(model.PresenceEvent{
		Type:      model.PresenceOffline,
		UserID:    userID,
		SocketID:  socketID,
		NodeID:    b.nodeID,
		Timestamp: time.Now().Unix(),
	})
}

func (b *StatusBatcher) enqueue(event model.PresenceEvent) {
	b.mu.Lock()
	b.buf = append(b.buf, event)
	shouldFlush := len(b.buf) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		b.flush()
	}
}

// flushLoop 定时刷新循环
func (b *StatusBatcher) flushLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopCh:
			return
		}
	}
}

// flush 将缓冲区事件批量上报到 Logic
func (b *StatusBatcher) flush() {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}

	// 复制数据并清空缓冲区
	batch := make([]model.PresenceEvent, len(b.buf))
	copy(batch, b.buf)
	b.buf = b.buf[:0]
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted, err := b.reporter.PresenceSync(ctx, batch)
	if err != nil {
		// 上报失败不重试：路由残留由 TTL 与僵尸清扫兜底
		b.logger.Error("failed to sync presence events",
			clog.Int("count", len(batch)),
			clog.Error(err))
		return
	}

	b.logger.Debug("presence events synced",
		clog.Int("count", len(batch)),
		clog.Int("accepted", accepted))
}
