package service

import (
	"context"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/internal/model"
	"github.com/ceyewan/relay/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ingestFixture struct {
	counter   *fakeCounterRepo
	dedup     *fakeDedupRepo
	messages  *fakeMessageRepo
	publisher *fakePublisher
	svc       *IngestService
}

func newIngestFixture() *ingestFixture {
	f := &ingestFixture{
		counter:   newFakeCounterRepo(),
		dedup:     newFakeDedupRepo(),
		messages:  newFakeMessageRepo(),
		publisher: &fakePublisher{},
	}
	f.svc = NewIngestService(f.counter, f.dedup, f.messages, &fakeIDGen{}, f.publisher, clog.Discard())
	return f
}

func textRequest(clientMsgID string) *model.IngestRequest {
	return &model.IngestRequest{
		ClientMsgID: clientMsgID,
		ChannelID:   "chan-1",
		SenderID:    "alice",
		Content:     "hello",
		Type:        model.MsgTypeText,
	}
}

func TestIngestValidation(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture()

	t.Run("缺少必填字段返回 INVALID_ARGUMENT", func(t *testing.T) {
		cases := []*model.IngestRequest{
			{ChannelID: "c1", SenderID: "u1", Content: "x", Type: model.MsgTypeText},
			{ClientMsgID: "m1", SenderID: "u1", Content: "x", Type: model.MsgTypeText},
			{ClientMsgID: "m1", ChannelID: "c1", Content: "x", Type: model.MsgTypeText},
			{ClientMsgID: "m1", ChannelID: "c1", SenderID: "u1", Type: model.MsgTypeText},
			{ClientMsgID: "m1", ChannelID: "c1", SenderID: "u1", Content: "x", Type: "unknown"},
		}
		for _, req := range cases {
			_, err := f.svc.Ingest(ctx, req)
			require.Error(t, err)
			assert.Equal(t, model.CodeInvalidArgument, model.CodeOf(err))
		}
	})

	t.Run("校验失败不消耗序列号", func(t *testing.T) {
		current, err := f.counter.Current(ctx, repo.ChannelScope("chan-1"))
		require.NoError(t, err)
		assert.Zero(t, current)
	})
}

func TestIngestHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture()

	resp, err := f.svc.Ingest(ctx, textRequest("client-1"))
	require.NoError(t, err)
	assert.Equal(t, model.IngestStatusPersisted, resp.Status)
	assert.Equal(t, int64(1), resp.SeqID)
	assert.NotZero(t, resp.MsgID)

	// 落库 + 本地消息表
	require.Len(t, f.messages.messages, 1)
	require.Len(t, f.messages.outbox, 1)
	assert.Equal(t, model.SubjectDownstream, f.messages.outbox[0].Topic)

	// 提交后写入去重标记
	claim, err := f.dedup.Get(ctx, "alice", "client-1")
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, resp.MsgID, claim.MsgID)
	assert.Equal(t, resp.SeqID, claim.SeqID)

	// 直发是异步的
	require.Eventually(t, func() bool {
		return len(f.publisher.published()) == 1
	}, time.Second, 10*time.Millisecond, "下行事件未发布")
	assert.Equal(t, model.SubjectDownstream, f.publisher.published()[0].topic)
}

func TestIngestIdempotency(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture()

	first, err := f.svc.Ingest(ctx, textRequest("client-dup"))
	require.NoError(t, err)

	second, err := f.svc.Ingest(ctx, textRequest("client-dup"))
	require.NoError(t, err)

	assert.Equal(t, model.IngestStatusDuplicate, second.Status)
	assert.Equal(t, first.MsgID, second.MsgID)
	assert.Equal(t, first.SeqID, second.SeqID)

	// 重复请求不取号、不重复落库
	current, err := f.counter.Current(ctx, repo.ChannelScope("chan-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), current)
	assert.Len(t, f.messages.messages, 1)
}

func TestIngestCounterFloorRebuild(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture()

	// 模拟 Redis 计数器丢失但持久层已有 5 条消息
	for seq := int64(1); seq <= 5; seq++ {
		f.messages.messages = append(f.messages.messages, &model.Message{
			MsgID:       seq,
			ChannelID:   "chan-1",
			SenderID:    "bob",
			ClientMsgID: time.Now().Format("150405.000") + string(rune('a'+seq)),
			SeqID:       seq,
		})
	}

	resp, err := f.svc.Ingest(ctx, textRequest("client-rebuild"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), resp.SeqID, "计数器应从持久层 MaxSeqID 重建下界")
}

func TestIngestPersistFailureConsumesNumber(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture()

	f.messages.failSave = true
	_, err := f.svc.Ingest(ctx, textRequest("client-fail"))
	require.Error(t, err)
	assert.Equal(t, model.CodeInternal, model.CodeOf(err))

	// 失败不写去重标记，号永久作废
	claim, err := f.dedup.Get(ctx, "alice", "client-fail")
	require.NoError(t, err)
	assert.Nil(t, claim)

	// 同一 clientMsgId 重试拿到新号（允许空洞）
	f.messages.failSave = false
	resp, err := f.svc.Ingest(ctx, textRequest("client-fail"))
	require.NoError(t, err)
	assert.Equal(t, model.IngestStatusPersisted, resp.Status)
	assert.Equal(t, int64(2), resp.SeqID)
}

func TestIngestBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("批量预留连续号段", func(t *testing.T) {
		f := newIngestFixture()
		req := &model.IngestBatchRequest{Items: []model.IngestRequest{
			*textRequest("b-1"),
			*textRequest("b-2"),
			*textRequest("b-3"),
		}}

		resp, err := f.svc.IngestBatch(ctx, req)
		require.NoError(t, err)
		require.Len(t, resp.Results, 3)
		for i, result := range resp.Results {
			assert.Equal(t, int64(i+1), result.SeqID)
			assert.Equal(t, model.IngestStatusPersisted, result.Status)
		}
	})

	t.Run("批内重复条目走幂等路径", func(t *testing.T) {
		f := newIngestFixture()
		first, err := f.svc.Ingest(ctx, textRequest("seen"))
		require.NoError(t, err)

		resp, err := f.svc.IngestBatch(ctx, &model.IngestBatchRequest{Items: []model.IngestRequest{
			*textRequest("seen"),
			*textRequest("new"),
		}})
		require.NoError(t, err)
		require.Len(t, resp.Results, 2)
		assert.Equal(t, model.IngestStatusDuplicate, resp.Results[0].Status)
		assert.Equal(t, first.SeqID, resp.Results[0].SeqID)
		assert.Equal(t, model.IngestStatusPersisted, resp.Results[1].Status)
		assert.Equal(t, first.SeqID+1, resp.Results[1].SeqID)
	})

	t.Run("任一条目非法整批拒绝且不取号", func(t *testing.T) {
		f := newIngestFixture()
		_, err := f.svc.IngestBatch(ctx, &model.IngestBatchRequest{Items: []model.IngestRequest{
			*textRequest("ok"),
			{ChannelID: "chan-1", SenderID: "alice", Type: model.MsgTypeText},
		}})
		require.Error(t, err)
		assert.Equal(t, model.CodeInvalidArgument, model.CodeOf(err))

		current, err := f.counter.Current(ctx, repo.ChannelScope("chan-1"))
		require.NoError(t, err)
		assert.Zero(t, current)
	})

	t.Run("空批拒绝", func(t *testing.T) {
		f := newIngestFixture()
		_, err := f.svc.IngestBatch(ctx, &model.IngestBatchRequest{})
		require.Error(t, err)
		assert.Equal(t, model.CodeInvalidArgument, model.CodeOf(err))
	})
}
