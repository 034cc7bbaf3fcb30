package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMembers struct {
	members map[string][]string
	err     error
}

func (f *fakeMembers) GetChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.members[channelID], nil
}

type fakeSessions struct {
	sessions map[string][]*model.SessionEntry
	errFor   map[string]error
}

func (f *fakeSessions) GetSessions(ctx context.Context, userID string) ([]*model.SessionEntry, error) {
	if err := f.errFor[userID]; err != nil {
		return nil, err
	}
	return f.sessions[userID], nil
}

type fakeAcks struct {
	mu      sync.Mutex
	created []*model.AckRecord
	err     error
}

func (f *fakeAcks) Create(ctx context.Context, rec *model.AckRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, rec)
	return nil
}

type publishedEvent struct {
	topic string
	event model.NodePushEvent
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	var event model.NodePushEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return err
	}
	f.events = append(f.events, publishedEvent{topic: topic, event: event})
	return nil
}

func session(userID, socketID, nodeID string) *model.SessionEntry {
	return &model.SessionEntry{UserID: userID, SocketID: socketID, NodeID: nodeID}
}

func downstream(msgID int64, channelID, senderID string) *model.DownstreamEvent {
	return &model.DownstreamEvent{
		Message: &model.Message{MsgID: msgID, ChannelID: channelID, SenderID: senderID, SeqID: 1},
	}
}

func TestDispatcher(t *testing.T) {
	t.Run("在线成员按归属节点各收一条推送", func(t *testing.T) {
		members := &fakeMembers{members: map[string][]string{"c1": {"alice", "bob", "carol"}}}
		sessions := &fakeSessions{sessions: map[string][]*model.SessionEntry{
			"bob":   {session("bob", "s1", "node-a")},
			"carol": {session("carol", "s2", "node-b")},
		}}
		acks := &fakeAcks{}
		pub := &fakePublisher{}
		d := NewDispatcher(members, sessions, acks, pub, clog.Discard())

		require.NoError(t, d.Dispatch(context.Background(), downstream(100, "c1", "alice")))

		require.Len(t, pub.events, 2)
		topics := []string{pub.events[0].topic, pub.events[1].topic}
		assert.Contains(t, topics, model.NodePushSubject("node-a"))
		assert.Contains(t, topics, model.NodePushSubject("node-b"))
		for _, e := range pub.events {
			assert.Equal(t, model.PushKindMessage, e.event.Kind)
			assert.Equal(t, int64(100), e.event.Message.MsgID)
		}
	})

	t.Run("发送者不收到自己消息的推送", func(t *testing.T) {
		members := &fakeMembers{members: map[string][]string{"c1": {"alice", "bob"}}}
		sessions := &fakeSessions{sessions: map[string][]*model.SessionEntry{
			"alice": {session("alice", "s0", "node-a")},
			"bob":   {session("bob", "s1", "node-a")},
		}}
		pub := &fakePublisher{}
		d := NewDispatcher(members, sessions, &fakeAcks{}, pub, clog.Discard())

		require.NoError(t, d.Dispatch(context.Background(), downstream(100, "c1", "alice")))

		require.Len(t, pub.events, 1)
		assert.Equal(t, "bob", pub.events[0].event.UserID)
	})

	t.Run("多端分布在多个节点时每个节点各收一条", func(t *testing.T) {
		members := &fakeMembers{members: map[string][]string{"c1": {"alice", "bob"}}}
		sessions := &fakeSessions{sessions: map[string][]*model.SessionEntry{
			"bob": {
				session("bob", "s1", "node-a"),
				session("bob", "s2", "node-a"), // 同节点第二台设备，节点内扇出
				session("bob", "s3", "node-b"),
			},
		}}
		pub := &fakePublisher{}
		d := NewDispatcher(members, sessions, &fakeAcks{}, pub, clog.Discard())

		require.NoError(t, d.Dispatch(context.Background(), downstream(100, "c1", "alice")))

		require.Len(t, pub.events, 2)
		topics := []string{pub.events[0].topic, pub.events[1].topic}
		assert.Contains(t, topics, model.NodePushSubject("node-a"))
		assert.Contains(t, topics, model.NodePushSubject("node-b"))
	})

	t.Run("离线成员被跳过且不建确认记录", func(t *testing.T) {
		members := &fakeMembers{members: map[string][]string{"c1": {"alice", "bob", "dave"}}}
		sessions := &fakeSessions{sessions: map[string][]*model.SessionEntry{
			"bob": {session("bob", "s1", "node-a")},
			// dave 无会话
		}}
		acks := &fakeAcks{}
		pub := &fakePublisher{}
		d := NewDispatcher(members, sessions, acks, pub, clog.Discard())

		require.NoError(t, d.Dispatch(context.Background(), downstream(100, "c1", "alice")))

		require.Len(t, acks.created, 1)
		assert.Equal(t, "bob", acks.created[0].UserID)
		assert.Equal(t, model.AckStatusSent, acks.created[0].Status)
		require.Len(t, pub.events, 1)
	})

	t.Run("会话存储故障按离线降级不阻断事件", func(t *testing.T) {
		members := &fakeMembers{members: map[string][]string{"c1": {"alice", "bob", "carol"}}}
		sessions := &fakeSessions{
			sessions: map[string][]*model.SessionEntry{
				"carol": {session("carol", "s2", "node-b")},
			},
			errFor: map[string]error{"bob": fmt.Errorf("redis down")},
		}
		pub := &fakePublisher{}
		d := NewDispatcher(members, sessions, &fakeAcks{}, pub, clog.Discard())

		require.NoError(t, d.Dispatch(context.Background(), downstream(100, "c1", "alice")))

		require.Len(t, pub.events, 1)
		assert.Equal(t, "carol", pub.events[0].event.UserID)
	})

	t.Run("成员解析失败返回错误以便重投", func(t *testing.T) {
		members := &fakeMembers{err: fmt.Errorf("db down")}
		d := NewDispatcher(members, &fakeSessions{}, &fakeAcks{}, &fakePublisher{}, clog.Discard())

		assert.Error(t, d.Dispatch(context.Background(), downstream(100, "c1", "alice")))
	})

	t.Run("确认记录创建失败返回错误", func(t *testing.T) {
		members := &fakeMembers{members: map[string][]string{"c1": {"alice", "bob"}}}
		sessions := &fakeSessions{sessions: map[string][]*model.SessionEntry{
			"bob": {session("bob", "s1", "node-a")},
		}}
		acks := &fakeAcks{err: fmt.Errorf("redis down")}
		d := NewDispatcher(members, sessions, acks, &fakePublisher{}, clog.Discard())

		assert.Error(t, d.Dispatch(context.Background(), downstream(100, "c1", "alice")))
	})
}
