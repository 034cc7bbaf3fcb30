package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/internal/model"
	"github.com/ceyewan/relay/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordKey struct {
	msgID  int64
	userID string
}

type fakePending struct {
	mu      sync.Mutex
	dirty   []string
	overdue map[string][]*model.AckRecord
	removed []recordKey
	bumped  []recordKey
	cleared []string
}

func newFakePending() *fakePending {
	return &fakePending{overdue: make(map[string][]*model.AckRecord)}
}

func (f *fakePending) DirtyUsers(ctx context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dirty) > limit {
		return f.dirty[:limit], nil
	}
	return f.dirty, nil
}

func (f *fakePending) ScanOverdue(ctx context.Context, userID string, ackTimeout time.Duration, limit int) ([]*model.AckRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	records := f.overdue[userID]
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (f *fakePending) BumpRetry(ctx context.Context, msgID int64, userID string, at time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bumped = append(f.bumped, recordKey{msgID, userID})
	for _, rec := range f.overdue[userID] {
		if rec.MsgID == msgID {
			rec.RetryCount++
			rec.LastRetryAt = at.Unix()
			return rec.RetryCount, nil
		}
	}
	return 1, nil
}

func (f *fakePending) RemovePending(ctx context.Context, userID string, msgID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, recordKey{msgID, userID})
	return nil
}

func (f *fakePending) ClearDirty(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, userID)
	return nil
}

type fakeMessages struct {
	messages map[int64]*model.Message
}

func (f *fakeMessages) GetByID(ctx context.Context, msgID int64) (*model.Message, error) {
	msg, ok := f.messages[msgID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", repo.ErrMessageNotFound, msgID)
	}
	return msg, nil
}

type fakeRoutes struct {
	routes map[string]*model.Route
	err    error
}

func (f *fakeRoutes) BatchGetRoutes(ctx context.Context, userIDs []string) (map[string]*model.Route, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]*model.Route)
	for _, id := range userIDs {
		if r, ok := f.routes[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

type published struct {
	topic   string
	push    *model.NodePushEvent
	dead    *model.DeadLetterEvent
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	p := published{topic: topic}
	if topic == model.SubjectDeadLetter {
		var event model.DeadLetterEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return err
		}
		p.dead = &event
	} else {
		var event model.NodePushEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return err
		}
		p.push = &event
	}
	f.events = append(f.events, p)
	return nil
}

func overdueRecord(msgID int64, userID string, retryCount int) *model.AckRecord {
	return &model.AckRecord{
		MsgID:     msgID,
		UserID:    userID,
		ChannelID: "c1",
		Status:    model.AckStatusSent,
		SentAt:    time.Now().Add(-time.Minute).UnixMilli(),
		RetryCount: retryCount,
	}
}

func newTestWorker(pending *fakePending, messages *fakeMessages, routes *fakeRoutes, pub *fakePublisher) *Worker {
	return NewWorker(pending, messages, routes, pub, clog.Discard())
}

func TestWorkerSweep(t *testing.T) {
	t.Run("超时消息按当前路由重发并自增重试计数", func(t *testing.T) {
		pending := newFakePending()
		pending.dirty = []string{"bob"}
		pending.overdue["bob"] = []*model.AckRecord{overdueRecord(100, "bob", 0)}
		messages := &fakeMessages{messages: map[int64]*model.Message{
			100: {MsgID: 100, ChannelID: "c1", SeqID: 5},
		}}
		routes := &fakeRoutes{routes: map[string]*model.Route{
			"bob": {UserID: "bob", NodeID: "node-b", SocketID: "s9"},
		}}
		pub := &fakePublisher{}

		newTestWorker(pending, messages, routes, pub).Sweep(context.Background())

		require.Len(t, pub.events, 1)
		assert.Equal(t, model.NodePushSubject("node-b"), pub.events[0].topic)
		require.NotNil(t, pub.events[0].push)
		assert.Equal(t, int64(100), pub.events[0].push.Message.MsgID)
		assert.Equal(t, 1, pub.events[0].push.RetryCount)
		assert.Equal(t, []recordKey{{100, "bob"}}, pending.bumped)
	})

	t.Run("重试耗尽后移出待确认并归档死信", func(t *testing.T) {
		pending := newFakePending()
		pending.dirty = []string{"bob"}
		pending.overdue["bob"] = []*model.AckRecord{overdueRecord(100, "bob", model.MaxRetryCount)}
		routes := &fakeRoutes{routes: map[string]*model.Route{
			"bob": {UserID: "bob", NodeID: "node-b"},
		}}
		messages := &fakeMessages{messages: map[int64]*model.Message{
			100: {MsgID: 100, ChannelID: "c1", SeqID: 42},
		}}
		pub := &fakePublisher{}

		newTestWorker(pending, messages, routes, pub).Sweep(context.Background())

		assert.Equal(t, []recordKey{{100, "bob"}}, pending.removed)
		require.Len(t, pub.events, 1)
		assert.Equal(t, model.SubjectDeadLetter, pub.events[0].topic)
		require.NotNil(t, pub.events[0].dead)
		assert.Equal(t, int64(100), pub.events[0].dead.MsgID)
		assert.Equal(t, int64(42), pub.events[0].dead.SeqID)
		assert.Equal(t, model.MaxRetryCount, pub.events[0].dead.RetryCount)
		assert.Empty(t, pending.bumped)
	})

	t.Run("退避期未过的记录本轮不重发", func(t *testing.T) {
		pending := newFakePending()
		pending.dirty = []string{"bob"}
		rec := overdueRecord(100, "bob", 1)
		rec.LastRetryAt = time.Now().Unix() // 刚刚重试过
		pending.overdue["bob"] = []*model.AckRecord{rec}
		routes := &fakeRoutes{routes: map[string]*model.Route{
			"bob": {UserID: "bob", NodeID: "node-b"},
		}}
		pub := &fakePublisher{}

		newTestWorker(pending, &fakeMessages{}, routes, pub).Sweep(context.Background())

		assert.Empty(t, pub.events)
		assert.Empty(t, pending.bumped)
	})

	t.Run("退避期已过的记录重发", func(t *testing.T) {
		pending := newFakePending()
		pending.dirty = []string{"bob"}
		rec := overdueRecord(100, "bob", 2)
		// 第 3 次重试要求距上次至少 RETRY_DELAY × 4
		rec.LastRetryAt = time.Now().Add(-model.RetryDelay * 5).Unix()
		pending.overdue["bob"] = []*model.AckRecord{rec}
		messages := &fakeMessages{messages: map[int64]*model.Message{
			100: {MsgID: 100, ChannelID: "c1"},
		}}
		routes := &fakeRoutes{routes: map[string]*model.Route{
			"bob": {UserID: "bob", NodeID: "node-b"},
		}}
		pub := &fakePublisher{}

		newTestWorker(pending, messages, routes, pub).Sweep(context.Background())

		require.Len(t, pub.events, 1)
		assert.Equal(t, 3, pub.events[0].push.RetryCount)
	})

	t.Run("用户离线时放弃推送交给增量同步", func(t *testing.T) {
		pending := newFakePending()
		pending.dirty = []string{"bob"}
		pending.overdue["bob"] = []*model.AckRecord{overdueRecord(100, "bob", 1)}
		routes := &fakeRoutes{routes: map[string]*model.Route{}} // 无路由
		pub := &fakePublisher{}

		newTestWorker(pending, &fakeMessages{}, routes, pub).Sweep(context.Background())

		assert.Equal(t, []recordKey{{100, "bob"}}, pending.removed)
		assert.Empty(t, pub.events)
	})

	t.Run("消息已删除的残留记录被清理", func(t *testing.T) {
		pending := newFakePending()
		pending.dirty = []string{"bob"}
		pending.overdue["bob"] = []*model.AckRecord{overdueRecord(100, "bob", 0)}
		routes := &fakeRoutes{routes: map[string]*model.Route{
			"bob": {UserID: "bob", NodeID: "node-b"},
		}}
		pub := &fakePublisher{}

		newTestWorker(pending, &fakeMessages{}, routes, pub).Sweep(context.Background())

		assert.Equal(t, []recordKey{{100, "bob"}}, pending.removed)
		assert.Empty(t, pub.events)
	})

	t.Run("每个用户处理后尝试清除 dirty 标记", func(t *testing.T) {
		pending := newFakePending()
		pending.dirty = []string{"alice", "bob"}
		pub := &fakePublisher{}

		newTestWorker(pending, &fakeMessages{}, &fakeRoutes{}, pub).Sweep(context.Background())

		assert.ElementsMatch(t, []string{"alice", "bob"}, pending.cleared)
	})

	t.Run("路由查询失败不影响其他用户", func(t *testing.T) {
		pending := newFakePending()
		pending.dirty = []string{"bob"}
		pending.overdue["bob"] = []*model.AckRecord{overdueRecord(100, "bob", 0)}
		routes := &fakeRoutes{err: fmt.Errorf("redis down")}
		pub := &fakePublisher{}

		// 不 panic，错误被记录
		newTestWorker(pending, &fakeMessages{}, routes, pub).Sweep(context.Background())

		assert.Empty(t, pub.events)
	})
}
