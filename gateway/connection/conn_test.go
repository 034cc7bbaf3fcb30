package connection

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
	"github.com/ceyewan/relay/internal/model"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler 记录收到的帧，ping 帧自动应答 pong
type echoHandler struct {
	mu     sync.Mutex
	frames []model.Frame
}

func (h *echoHandler) HandleFrame(ctx context.Context, conn *Conn, frame *model.Frame) error {
	h.mu.Lock()
	h.frames = append(h.frames, *frame)
	h.mu.Unlock()

	if frame.Type == model.FrameTypePing {
		pong, err := model.NewFrame(model.FrameTypePong, &model.PongPayload{ServerTime: time.Now().UnixMilli()})
		if err != nil {
			return err
		}
		return conn.Send(pong)
	}
	return nil
}

func (h *echoHandler) received() []model.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.Frame, len(h.frames))
	copy(out, h.frames)
	return out
}

// testPeer 一对连接：服务端 *Conn 与客户端裸 websocket
type testPeer struct {
	conn   *Conn
	client *websocket.Conn
	server *httptest.Server
}

func (p *testPeer) close() {
	p.client.Close()
	p.conn.Close()
	p.server.Close()
}

// readClientFrame 从客户端侧读一帧
func (p *testPeer) readClientFrame(t *testing.T) *model.Frame {
	t.Helper()
	p.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := p.client.ReadMessage()
	require.NoError(t, err)
	var frame model.Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return &frame
}

// newTestPeer 建立一条真实的 WebSocket 连接
func newTestPeer(t *testing.T, userID, socketID, device string, handler FrameHandler) *testPeer {
	t.Helper()

	upgrader := websocket.Upgrader{}
	connCh := make(chan *Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn(userID, socketID, device, ws, clog.Discard(), handler,
			64*1024, time.Second, 5*time.Second)
		c.Run()
		connCh <- c
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	select {
	case conn := <-connCh:
		return &testPeer{conn: conn, client: client, server: srv}
	case <-time.After(2 * time.Second):
		t.Fatal("websocket upgrade timed out")
		return nil
	}
}

func TestConnFrameRoundTrip(t *testing.T) {
	t.Run("入站帧交给处理器且 ping 得到应答", func(t *testing.T) {
		handler := &echoHandler{}
		peer := newTestPeer(t, "u1", "s1", "ios", handler)
		defer peer.close()

		ping, err := model.NewFrame(model.FrameTypePing, &model.PingPayload{Timestamp: 42})
		require.NoError(t, err)
		data, err := json.Marshal(ping)
		require.NoError(t, err)
		require.NoError(t, peer.client.WriteMessage(websocket.TextMessage, data))

		pong := peer.readClientFrame(t)
		assert.Equal(t, model.FrameTypePong, pong.Type)

		require.Eventually(t, func() bool {
			return len(handler.received()) == 1
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, model.FrameTypePing, handler.received()[0].Type)
	})

	t.Run("畸形帧被跳过而不断开连接", func(t *testing.T) {
		handler := &echoHandler{}
		peer := newTestPeer(t, "u1", "s1", "ios", handler)
		defer peer.close()

		require.NoError(t, peer.client.WriteMessage(websocket.TextMessage, []byte("not-json")))

		ping, _ := model.NewFrame(model.FrameTypePing, nil)
		data, _ := json.Marshal(ping)
		require.NoError(t, peer.client.WriteMessage(websocket.TextMessage, data))

		pong := peer.readClientFrame(t)
		assert.Equal(t, model.FrameTypePong, pong.Type)
	})

	t.Run("关闭后发送返回错误", func(t *testing.T) {
		handler := &echoHandler{}
		peer := newTestPeer(t, "u1", "s1", "ios", handler)
		defer peer.close()

		peer.conn.Close()

		frame, _ := model.NewFrame(model.FrameTypePong, nil)
		assert.Error(t, peer.conn.Send(frame))
	})
}

func TestManagerMultiDevice(t *testing.T) {
	t.Run("多端在线时向全部设备扇出", func(t *testing.T) {
		handler := &echoHandler{}
		mgr := NewManager(clog.Discard())

		p1 := newTestPeer(t, "u1", "s1", "ios", handler)
		defer p1.close()
		p2 := newTestPeer(t, "u1", "s2", "web", handler)
		defer p2.close()

		ctx := context.Background()
		mgr.Add(ctx, p1.conn)
		mgr.Add(ctx, p2.conn)
		assert.Equal(t, 2, mgr.Count())

		frame, err := model.NewFrame(model.FrameTypeMessage, &model.Message{MsgID: 1, ChannelID: "c1"})
		require.NoError(t, err)
		assert.Equal(t, 2, mgr.SendToUser("u1", frame))

		for _, p := range []*testPeer{p1, p2} {
			got := p.readClientFrame(t)
			assert.Equal(t, model.FrameTypeMessage, got.Type)
		}
	})

	t.Run("同设备新登录顶替旧连接", func(t *testing.T) {
		handler := &echoHandler{}
		mgr := NewManager(clog.Discard())

		var disconnected []string
		mgr.SetCallbacks(nil, func(ctx context.Context, conn *Conn) {
			disconnected = append(disconnected, conn.SocketID())
		})

		old := newTestPeer(t, "u1", "s1", "ios", handler)
		defer old.close()
		fresh := newTestPeer(t, "u1", "s2", "ios", handler)
		defer fresh.close()

		ctx := context.Background()
		mgr.Add(ctx, old.conn)
		mgr.Add(ctx, fresh.conn)

		// 旧连接先收到 invalidate 再被关闭
		got := old.readClientFrame(t)
		assert.Equal(t, model.FrameTypeInvalidate, got.Type)
		var payload model.InvalidatePayload
		require.NoError(t, json.Unmarshal(got.Data, &payload))
		assert.Equal(t, InvalidateReasonReplaced, payload.Reason)

		assert.Equal(t, 1, mgr.Count())
		assert.Equal(t, []string{"s1"}, disconnected)

		// 新连接不受影响
		_, ok := mgr.Get("u1", "s2")
		assert.True(t, ok)
	})

	t.Run("被顶替的旧连接下线不会误删新连接", func(t *testing.T) {
		handler := &echoHandler{}
		mgr := NewManager(clog.Discard())

		old := newTestPeer(t, "u1", "s1", "ios", handler)
		defer old.close()
		fresh := newTestPeer(t, "u1", "s2", "ios", handler)
		defer fresh.close()

		ctx := context.Background()
		mgr.Add(ctx, old.conn)
		mgr.Add(ctx, fresh.conn)

		// 旧连接的清理逻辑晚于顶替到达
		mgr.Remove(ctx, old.conn)

		assert.Equal(t, 1, mgr.Count())
		_, ok := mgr.Get("u1", "s2")
		assert.True(t, ok)
	})

	t.Run("不同设备互不顶替", func(t *testing.T) {
		handler := &echoHandler{}
		mgr := NewManager(clog.Discard())

		p1 := newTestPeer(t, "u1", "s1", "ios", handler)
		defer p1.close()
		p2 := newTestPeer(t, "u1", "s2", "web", handler)
		defer p2.close()

		ctx := context.Background()
		mgr.Add(ctx, p1.conn)
		mgr.Add(ctx, p2.conn)

		assert.Equal(t, 2, mgr.Count())
	})
}

func TestManagerCloseAll(t *testing.T) {
	t.Run("优雅关停时每条连接都上报下线", func(t *testing.T) {
		handler := &echoHandler{}
		mgr := NewManager(clog.Discard())

		var mu sync.Mutex
		var disconnected []string
		mgr.SetCallbacks(nil, func(ctx context.Context, conn *Conn) {
			mu.Lock()
			disconnected = append(disconnected, conn.SocketID())
			mu.Unlock()
		})

		p1 := newTestPeer(t, "u1", "s1", "ios", handler)
		defer p1.close()
		p2 := newTestPeer(t, "u2", "s2", "web", handler)
		defer p2.close()

		ctx := context.Background()
		mgr.Add(ctx, p1.conn)
		mgr.Add(ctx, p2.conn)

		mgr.CloseAll(ctx)

		assert.Equal(t, 0, mgr.Count())
		mu.Lock()
		assert.ElementsMatch(t, []string{"s1", "s2"}, disconnected)
		mu.Unlock()

		// 连接的清理协程随后注销时命中陈旧守卫，不会重复上报
		mgr.Remove(ctx, p1.conn)
		mu.Lock()
		assert.Len(t, disconnected, 2)
		mu.Unlock()
	})
}

func TestManagerBroadcast(t *testing.T) {
	handler := &echoHandler{}
	mgr := NewManager(clog.Discard())

	p1 := newTestPeer(t, "u1", "s1", "ios", handler)
	defer p1.close()
	p2 := newTestPeer(t, "u2", "s2", "web", handler)
	defer p2.close()

	ctx := context.Background()
	mgr.Add(ctx, p1.conn)
	mgr.Add(ctx, p2.conn)

	frame, err := model.NewFrame(model.FrameTypeMessage, &model.Message{MsgID: 7, ChannelID: "all"})
	require.NoError(t, err)
	assert.Equal(t, 2, mgr.Broadcast(frame))

	for _, p := range []*testPeer{p1, p2} {
		got := p.readClientFrame(t)
		assert.Equal(t, model.FrameTypeMessage, got.Type)
	}
}
