package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/gateway/connection"
	"github.com/ceyewan/relay/internal/model"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLogic 记录调用并返回预置响应
type fakeLogic struct {
	mu           sync.Mutex
	ingestReqs   []*model.IngestRequest
	ingestErr    error
	syncReqs     []*model.SyncRequest
	deliveredReqs []*model.AckRequest
	readReqs     []*model.AckRequest
}

func (f *fakeLogic) Ingest(ctx context.Context, req *model.IngestRequest) (*model.IngestResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingestReqs = append(f.ingestReqs, req)
	if f.ingestErr != nil {
		return nil, f.ingestErr
	}
	return &model.IngestResponse{
		MsgID:       1001,
		SeqID:       7,
		ClientMsgID: req.ClientMsgID,
		Status:      model.IngestStatusPersisted,
		Timestamp:   time.Now().UnixMilli(),
	}, nil
}

func (f *fakeLogic) Sync(ctx context.Context, req *model.SyncRequest) (*model.SyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncReqs = append(f.syncReqs, req)
	return &model.SyncResponse{
		Messages:  []*model.Message{{MsgID: 1001, ChannelID: req.ChannelID, SeqID: 7}},
		FromSeqID: 7,
		ToSeqID:   7,
	}, nil
}

func (f *fakeLogic) AckDelivered(ctx context.Context, req *model.AckRequest) (*model.AckResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveredReqs = append(f.deliveredReqs, req)
	return &model.AckResponse{Status: 1}, nil
}

func (f *fakeLogic) AckRead(ctx context.Context, req *model.AckRequest) (*model.AckResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readReqs = append(f.readReqs, req)
	return &model.AckResponse{Status: 2}, nil
}

// fakeToucher 记录活跃刷新
type fakeToucher struct {
	mu      sync.Mutex
	touches int
	lastUID string
}

func (f *fakeToucher) Touch(ctx context.Context, userID, socketID, nodeID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
	f.lastUID = userID
	return nil
}

func (f *fakeToucher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touches
}

// dispatcherPeer 通过真实 WebSocket 把帧送进 Dispatcher
type dispatcherPeer struct {
	client *websocket.Conn
	server *httptest.Server
}

func (p *dispatcherPeer) close() {
	p.client.Close()
	p.server.Close()
}

func (p *dispatcherPeer) writeFrame(t *testing.T, frameType string, payload any) {
	t.Helper()
	frame, err := model.NewFrame(frameType, payload)
	require.NoError(t, err)
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, p.client.WriteMessage(websocket.TextMessage, data))
}

func (p *dispatcherPeer) readFrame(t *testing.T) *model.Frame {
	t.Helper()
	p.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := p.client.ReadMessage()
	require.NoError(t, err)
	var frame model.Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return &frame
}

func newDispatcherPeer(t *testing.T, userID string, d *Dispatcher) *dispatcherPeer {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := connection.NewConn(userID, "s1", "ios", ws, clog.Discard(), d,
			64*1024, time.Second, 5*time.Second)
		conn.Run()
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	return &dispatcherPeer{client: client, server: srv}
}

func TestDispatcher(t *testing.T) {
	t.Run("ping 帧回显时间戳并刷新活跃", func(t *testing.T) {
		logic := &fakeLogic{}
		toucher := &fakeToucher{}
		d := NewDispatcher(logic, toucher, "node-001", clog.Discard())
		peer := newDispatcherPeer(t, "u1", d)
		defer peer.close()

		peer.writeFrame(t, model.FrameTypePing, &model.PingPayload{Timestamp: 12345})

		pong := peer.readFrame(t)
		require.Equal(t, model.FrameTypePong, pong.Type)
		var payload model.PongPayload
		require.NoError(t, json.Unmarshal(pong.Data, &payload))
		assert.Equal(t, int64(12345), payload.Timestamp)
		assert.NotZero(t, payload.ServerTime)

		require.Eventually(t, func() bool {
			return toucher.count() == 1
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("send 帧以连接身份覆盖发送者并回执", func(t *testing.T) {
		logic := &fakeLogic{}
		d := NewDispatcher(logic, &fakeToucher{}, "node-001", clog.Discard())
		peer := newDispatcherPeer(t, "u1", d)
		defer peer.close()

		peer.writeFrame(t, model.FrameTypeSend, &model.IngestRequest{
			ClientMsgID: "c-1",
			ChannelID:   "ch-1",
			SenderID:    "someone-else", // 伪造的发送者必须被覆盖
			Content:     "hello",
			Type:        "text",
		})

		ack := peer.readFrame(t)
		require.Equal(t, model.FrameTypeSendAck, ack.Type)
		var resp model.IngestResponse
		require.NoError(t, json.Unmarshal(ack.Data, &resp))
		assert.Equal(t, int64(1001), resp.MsgID)
		assert.Equal(t, "c-1", resp.ClientMsgID)

		logic.mu.Lock()
		require.Len(t, logic.ingestReqs, 1)
		assert.Equal(t, "u1", logic.ingestReqs[0].SenderID)
		logic.mu.Unlock()
	})

	t.Run("摄取失败时回写错误帧", func(t *testing.T) {
		logic := &fakeLogic{ingestErr: model.NewInvalidArgument("channelId is required")}
		d := NewDispatcher(logic, &fakeToucher{}, "node-001", clog.Discard())
		peer := newDispatcherPeer(t, "u1", d)
		defer peer.close()

		peer.writeFrame(t, model.FrameTypeSend, &model.IngestRequest{ClientMsgID: "c-1"})

		errFrame := peer.readFrame(t)
		require.Equal(t, model.FrameTypeError, errFrame.Type)
		var payload model.ErrorPayload
		require.NoError(t, json.Unmarshal(errFrame.Data, &payload))
		assert.Equal(t, model.CodeInvalidArgument, payload.Code)
	})

	t.Run("ack 帧按级别路由到对应操作", func(t *testing.T) {
		logic := &fakeLogic{}
		d := NewDispatcher(logic, &fakeToucher{}, "node-001", clog.Discard())
		peer := newDispatcherPeer(t, "u1", d)
		defer peer.close()

		peer.writeFrame(t, model.FrameTypeAck, &model.AckFramePayload{
			MsgID: 1001, ChannelID: "ch-1", Level: model.AckLevelDelivered,
		})
		peer.writeFrame(t, model.FrameTypeAck, &model.AckFramePayload{
			MsgID: 1001, ChannelID: "ch-1", Level: model.AckLevelRead,
		})

		require.Eventually(t, func() bool {
			logic.mu.Lock()
			defer logic.mu.Unlock()
			return len(logic.deliveredReqs) == 1 && len(logic.readReqs) == 1
		}, 2*time.Second, 10*time.Millisecond)

		logic.mu.Lock()
		assert.Equal(t, "u1", logic.deliveredReqs[0].UserID)
		assert.Equal(t, int64(1001), logic.readReqs[0].MsgID)
		logic.mu.Unlock()
	})

	t.Run("sync 帧回写增量结果", func(t *testing.T) {
		logic := &fakeLogic{}
		d := NewDispatcher(logic, &fakeToucher{}, "node-001", clog.Discard())
		peer := newDispatcherPeer(t, "u1", d)
		defer peer.close()

		from := int64(6)
		peer.writeFrame(t, model.FrameTypeSync, &model.SyncRequest{
			ChannelID: "ch-1",
			FromSeqID: &from,
		})

		result := peer.readFrame(t)
		require.Equal(t, model.FrameTypeSyncResult, result.Type)
		var resp model.SyncResponse
		require.NoError(t, json.Unmarshal(result.Data, &resp))
		require.Len(t, resp.Messages, 1)
		assert.Equal(t, int64(7), resp.Messages[0].SeqID)
	})

	t.Run("未知帧类型回写错误帧", func(t *testing.T) {
		d := NewDispatcher(&fakeLogic{}, &fakeToucher{}, "node-001", clog.Discard())
		peer := newDispatcherPeer(t, "u1", d)
		defer peer.close()

		peer.writeFrame(t, "bogus", nil)

		errFrame := peer.readFrame(t)
		require.Equal(t, model.FrameTypeError, errFrame.Type)
		var payload model.ErrorPayload
		require.NoError(t, json.Unmarshal(errFrame.Data, &payload))
		assert.Equal(t, model.CodeInvalidArgument, payload.Code)
	})
}
