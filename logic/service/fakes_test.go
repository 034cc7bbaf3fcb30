package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ceyewan/relay/internal/model"
	"github.com/ceyewan/relay/internal/repo"
	"gorm.io/gorm"
)

// 本文件提供纯内存的仓储替身，语义与 Redis/Postgres 实现对齐：
// 计数器原子自增、去重 SETNX、(sender, clientMsgId) 唯一约束等。

type fakeCounterRepo struct {
	mu       sync.Mutex
	counters map[string]int64
	failNext bool
}

func newFakeCounterRepo() *fakeCounterRepo {
	return &fakeCounterRepo{counters: make(map[string]int64)}
}

func (f *fakeCounterRepo) Next(ctx context.Context, scope string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return 0, fmt.Errorf("counter store unavailable")
	}
	f.counters[scope]++
	return f.counters[scope], nil
}

func (f *fakeCounterRepo) NextN(ctx context.Context, scope string, n int64) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return 0, 0, fmt.Errorf("counter store unavailable")
	}
	end := f.counters[scope] + n
	f.counters[scope] = end
	return end - n + 1, end, nil
}

func (f *fakeCounterRepo) InitIfAbsent(ctx context.Context, scope string, floor int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.counters[scope]; !ok {
		f.counters[scope] = floor
	}
	return nil
}

func (f *fakeCounterRepo) Current(ctx context.Context, scope string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[scope], nil
}

func (f *fakeCounterRepo) Close() error { return nil }

type fakeDedupRepo struct {
	mu     sync.Mutex
	claims map[string]*model.DedupClaim
}

func newFakeDedupRepo() *fakeDedupRepo {
	return &fakeDedupRepo{claims: make(map[string]*model.DedupClaim)}
}

func dedupKey(senderID, clientMsgID string) string {
	return senderID + ":" + clientMsgID
}

func (f *fakeDedupRepo) Get(ctx context.Context, senderID, clientMsgID string) (*model.DedupClaim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claims[dedupKey(senderID, clientMsgID)], nil
}

func (f *fakeDedupRepo) SetNX(ctx context.Context, senderID, clientMsgID string, claim *model.DedupClaim) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := dedupKey(senderID, clientMsgID)
	if _, ok := f.claims[key]; ok {
		return false, nil
	}
	f.claims[key] = claim
	return true, nil
}

func (f *fakeDedupRepo) Close() error { return nil }

type fakeMessageRepo struct {
	mu       sync.Mutex
	messages []*model.Message
	outbox   []*model.MessageOutbox
	nextID   int64
	failSave bool
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{}
}

func (f *fakeMessageRepo) SaveWithOutbox(ctx context.Context, msg *model.Message, outbox *model.MessageOutbox) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return fmt.Errorf("database unavailable")
	}
	for _, existing := range f.messages {
		if existing.SenderID == msg.SenderID && existing.ClientMsgID == msg.ClientMsgID {
			return gorm.ErrDuplicatedKey
		}
	}
	f.messages = append(f.messages, msg)
	f.nextID++
	outbox.ID = f.nextID
	f.outbox = append(f.outbox, outbox)
	return nil
}

func (f *fakeMessageRepo) channelMessages(channelID string) []*model.Message {
	var out []*model.Message
	for _, m := range f.messages {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqID < out[j].SeqID })
	return out
}

func (f *fakeMessageRepo) GetRange(ctx context.Context, channelID string, fromSeq int64, limit int) ([]*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Message
	for _, m := range f.channelMessages(channelID) {
		if m.SeqID > fromSeq {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeMessageRepo) GetLatestWindow(ctx context.Context, channelID string, limit int) ([]*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.channelMessages(channelID)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (f *fakeMessageRepo) MaxSeq(ctx context.Context, channelID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.channelMessages(channelID)
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[len(msgs)-1].SeqID, nil
}

func (f *fakeMessageRepo) GetByID(ctx context.Context, msgID int64) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.MsgID == msgID {
			return m, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeMessageRepo) GetChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	return nil, nil
}

func (f *fakeMessageRepo) GetPendingOutbox(ctx context.Context, limit int) ([]*model.MessageOutbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.MessageOutbox
	for _, e := range f.outbox {
		if e.Status == model.OutboxStatusPending {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeMessageRepo) UpdateOutboxStatus(ctx context.Context, id int64, status int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.outbox {
		if e.ID == id {
			e.Status = status
		}
	}
	return nil
}

func (f *fakeMessageRepo) UpdateOutboxRetry(ctx context.Context, id int64, nextRetry time.Time, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.outbox {
		if e.ID == id {
			e.NextRetryTime = nextRetry
			e.RetryCount = count
		}
	}
	return nil
}

func (f *fakeMessageRepo) Close() error { return nil }

type publishedEvent struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{topic: topic, payload: data})
	return nil
}

func (f *fakePublisher) published() []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedEvent, len(f.events))
	copy(out, f.events)
	return out
}

type fakeIDGen struct {
	mu   sync.Mutex
	next int64
}

func (f *fakeIDGen) Next() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return 1000 + f.next
}

type fakeRouteRepo struct {
	mu     sync.Mutex
	routes map[string]*model.Route
}

func newFakeRouteRepo() *fakeRouteRepo {
	return &fakeRouteRepo{routes: make(map[string]*model.Route)}
}

func (f *fakeRouteRepo) SetRoute(ctx context.Context, route *model.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[route.UserID] = route
	return nil
}

func (f *fakeRouteRepo) GetRoute(ctx context.Context, userID string) (*model.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	route, ok := f.routes[userID]
	if !ok {
		return nil, repo.ErrRouteNotFound
	}
	return route, nil
}

func (f *fakeRouteRepo) DeleteRoute(ctx context.Context, userID, socketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if route, ok := f.routes[userID]; ok && route.SocketID == socketID {
		delete(f.routes, userID)
	}
	return nil
}

func (f *fakeRouteRepo) BatchGetRoutes(ctx context.Context, userIDs []string) (map[string]*model.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*model.Route)
	for _, id := range userIDs {
		if route, ok := f.routes[id]; ok {
			out[id] = route
		}
	}
	return out, nil
}

func (f *fakeRouteRepo) Close() error { return nil }

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]map[string]*model.SessionEntry // userID → socketID → entry
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]map[string]*model.SessionEntry)}
}

func (f *fakeSessionRepo) AddSession(ctx context.Context, entry *model.SessionEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions[entry.UserID] == nil {
		f.sessions[entry.UserID] = make(map[string]*model.SessionEntry)
	}
	f.sessions[entry.UserID][entry.SocketID] = entry
	return nil
}

func (f *fakeSessionRepo) RemoveSession(ctx context.Context, userID, socketID string) ([]*model.SessionEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions[userID], socketID)
	var remaining []*model.SessionEntry
	for _, entry := range f.sessions[userID] {
		remaining = append(remaining, entry)
	}
	return remaining, nil
}

func (f *fakeSessionRepo) GetSessions(ctx context.Context, userID string) ([]*model.SessionEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.SessionEntry
	for _, entry := range f.sessions[userID] {
		out = append(out, entry)
	}
	return out, nil
}

func (f *fakeSessionRepo) Touch(ctx context.Context, userID, socketID, nodeID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.sessions[userID][socketID]; ok {
		entry.LastActiveTime = at.Unix()
	}
	return nil
}

func (f *fakeSessionRepo) SweepZombies(ctx context.Context, nodeID string, olderThan time.Time, limit int) ([]*model.SessionEntry, error) {
	return nil, nil
}

func (f *fakeSessionRepo) CountNodeSessions(ctx context.Context, nodeID string) (int64, error) {
	return 0, nil
}

func (f *fakeSessionRepo) Close() error { return nil }

type fakeNodeRepo struct {
	mu         sync.Mutex
	connCounts map[string]int64
}

func newFakeNodeRepo() *fakeNodeRepo {
	return &fakeNodeRepo{connCounts: make(map[string]int64)}
}

func (f *fakeNodeRepo) Register(ctx context.Context, info *model.NodeInfo) error   { return nil }
func (f *fakeNodeRepo) Heartbeat(ctx context.Context, nodeID string) error         { return nil }
func (f *fakeNodeRepo) Deregister(ctx context.Context, nodeID string) error        { return nil }
func (f *fakeNodeRepo) GetNode(ctx context.Context, nodeID string) (*model.NodeInfo, error) {
	return nil, nil
}
func (f *fakeNodeRepo) ListActive(ctx context.Context) ([]*model.NodeInfo, error) { return nil, nil }

func (f *fakeNodeRepo) IncrConn(ctx context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connCounts[nodeID]++
	return nil
}

func (f *fakeNodeRepo) DecrConn(ctx context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connCounts[nodeID]--
	return nil
}

func (f *fakeNodeRepo) PickLeastLoaded(ctx context.Context) (*model.NodeInfo, error) {
	return nil, repo.ErrNoActiveNode
}

func (f *fakeNodeRepo) Close() error { return nil }

type fakeAckRepo struct {
	mu      sync.Mutex
	records map[string]*model.AckRecord
	pending map[string]map[int64]bool // userID → msgID
}

func newFakeAckRepo() *fakeAckRepo {
	return &fakeAckRepo{
		records: make(map[string]*model.AckRecord),
		pending: make(map[string]map[int64]bool),
	}
}

func ackKey(msgID int64, userID string) string {
	return fmt.Sprintf("%d:%s", msgID, userID)
}

func (f *fakeAckRepo) Create(ctx context.Context, rec *model.AckRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[ackKey(rec.MsgID, rec.UserID)] = rec
	if f.pending[rec.UserID] == nil {
		f.pending[rec.UserID] = make(map[int64]bool)
	}
	f.pending[rec.UserID][rec.MsgID] = true
	return nil
}

func (f *fakeAckRepo) Get(ctx context.Context, msgID int64, userID string) (*model.AckRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[ackKey(msgID, userID)], nil
}

func (f *fakeAckRepo) Advance(ctx context.Context, msgID int64, userID string, status int, at time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[ackKey(msgID, userID)]
	if !ok {
		return 0, nil
	}
	if status > rec.Status {
		rec.Status = status
		switch status {
		case model.AckStatusDelivered:
			rec.DeliveredAt = at.Unix()
		case model.AckStatusRead:
			rec.ReadAt = at.Unix()
		}
	}
	return rec.Status, nil
}

func (f *fakeAckRepo) RemovePending(ctx context.Context, userID string, msgID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending[userID], msgID)
	return nil
}

func (f *fakeAckRepo) ScanOverdue(ctx context.Context, userID string, ackTimeout time.Duration, limit int) ([]*model.AckRecord, error) {
	return nil, nil
}

func (f *fakeAckRepo) BumpRetry(ctx context.Context, msgID int64, userID string, at time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[ackKey(msgID, userID)]
	if !ok {
		return 0, fmt.Errorf("record not found")
	}
	rec.RetryCount++
	rec.LastRetryAt = at.Unix()
	return rec.RetryCount, nil
}

func (f *fakeAckRepo) DirtyUsers(ctx context.Context, limit int) ([]string, error) {
	return nil, nil
}

func (f *fakeAckRepo) ClearDirty(ctx context.Context, userID string) error { return nil }

func (f *fakeAckRepo) Close() error { return nil }

// 接口约束
var (
	_ repo.CounterRepo = (*fakeCounterRepo)(nil)
	_ repo.DedupRepo   = (*fakeDedupRepo)(nil)
	_ repo.MessageRepo = (*fakeMessageRepo)(nil)
	_ repo.RouteRepo   = (*fakeRouteRepo)(nil)
	_ repo.SessionRepo = (*fakeSessionRepo)(nil)
	_ repo.NodeRepo    = (*fakeNodeRepo)(nil)
	_ repo.AckRepo     = (*fakeAckRepo)(nil)
)
