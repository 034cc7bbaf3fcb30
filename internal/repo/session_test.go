package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ceyewan/relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSessionEntry(userID, socketID, nodeID string, lastActive time.Time) *model.SessionEntry {
	return &model.SessionEntry{
		UserID:         userID,
		SocketID:       socketID,
		NodeID:         nodeID,
		Device:         "test",
		LoginTime:      lastActive.Unix(),
		LastActiveTime: lastActive.Unix(),
	}
}

func TestSessionRepo_MultiDevice(t *testing.T) {
	redisConn := getTestRedis(t)
	cleanupRedisData(t, redisConn)
	defer cleanupRedisData(t, redisConn)

	repo, err := NewSessionRepo(redisConn, WithSessionRepoLogger(getTestLogger(t)))
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	now := time.Now()

	t.Run("同一用户多端会话并存", func(t *testing.T) {
		require.NoError(t, repo.AddSession(ctx, newSessionEntry("u1", "sock-a", "node-1", now)))
		require.NoError(t, repo.AddSession(ctx, newSessionEntry("u1", "sock-b", "node-2", now)))

		sessions, err := repo.GetSessions(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, sessions, 2)

		sockets := make(map[string]bool)
		for _, s := range sessions {
			sockets[s.SocketID] = true
		}
		assert.True(t, sockets["sock-a"])
		assert.True(t, sockets["sock-b"])
	})

	t.Run("移除会话返回剩余会话", func(t *testing.T) {
		remaining, err := repo.RemoveSession(ctx, "u1", "sock-a")
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		assert.Equal(t, "sock-b", remaining[0].SocketID)

		remaining, err = repo.RemoveSession(ctx, "u1", "sock-b")
		require.NoError(t, err)
		assert.Empty(t, remaining)
	})

	t.Run("节点会话计数", func(t *testing.T) {
		require.NoError(t, repo.AddSession(ctx, newSessionEntry("u2", "sock-c", "node-3", now)))
		require.NoError(t, repo.AddSession(ctx, newSessionEntry("u3", "sock-d", "node-3", now)))

		count, err := repo.CountNodeSessions(ctx, "node-3")
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})
}

func TestSessionRepo_Touch(t *testing.T) {
	redisConn := getTestRedis(t)
	cleanupRedisData(t, redisConn)
	defer cleanupRedisData(t, redisConn)

	repo, err := NewSessionRepo(redisConn, WithSessionRepoLogger(getTestLogger(t)))
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	base := time.Now().Add(-10 * time.Minute)

	require.NoError(t, repo.AddSession(ctx, newSessionEntry("u1", "sock-a", "node-1", base)))

	refreshed := time.Now()
	require.NoError(t, repo.Touch(ctx, "u1", "sock-a", "node-1", refreshed))

	sessions, err := repo.GetSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, refreshed.Unix(), sessions[0].LastActiveTime)

	// 刷新活跃时间后不再落入旧时间窗的清扫范围
	evicted, err := repo.SweepZombies(ctx, "node-1", base.Add(time.Minute), 100)
	require.NoError(t, err)
	assert.Empty(t, evicted)
}

func TestSessionRepo_SweepZombies(t *testing.T) {
	redisConn := getTestRedis(t)
	cleanupRedisData(t, redisConn)
	defer cleanupRedisData(t, redisConn)

	repo, err := NewSessionRepo(redisConn, WithSessionRepoLogger(getTestLogger(t)))
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	now := time.Now()
	deadline := model.HeartbeatTimeout + model.GracePeriod

	t.Run("超时加宽限期边界", func(t *testing.T) {
		// 差 1 秒到期：不清
		fresh := newSessionEntry("u1", "sock-fresh", "node-1", now.Add(-deadline+time.Second))
		// 恰好到期：清
		stale := newSessionEntry("u2", "sock-stale", "node-1", now.Add(-deadline))
		require.NoError(t, repo.AddSession(ctx, fresh))
		require.NoError(t, repo.AddSession(ctx, stale))

		evicted, err := repo.SweepZombies(ctx, "node-1", now.Add(-deadline), 100)
		require.NoError(t, err)
		require.Len(t, evicted, 1)
		assert.Equal(t, "u2", evicted[0].UserID)
		assert.Equal(t, "sock-stale", evicted[0].SocketID)

		// 未到期的会话保持登记
		sessions, err := repo.GetSessions(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, sessions, 1)
		sessions, err = repo.GetSessions(ctx, "u2")
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})

	t.Run("单次清扫数量有上界", func(t *testing.T) {
		old := now.Add(-2 * deadline)
		for i := 0; i < 5; i++ {
			require.NoError(t, repo.AddSession(ctx,
				newSessionEntry("bulk-user", fmt.Sprintf("sock-bulk-%d", i), "node-2", old)))
		}

		evicted, err := repo.SweepZombies(ctx, "node-2", now.Add(-deadline), 3)
		require.NoError(t, err)
		assert.Len(t, evicted, 3)

		evicted, err = repo.SweepZombies(ctx, "node-2", now.Add(-deadline), 3)
		require.NoError(t, err)
		assert.Len(t, evicted, 2, "第二轮清扫收尾剩余僵尸")
	})

	t.Run("只清扫本节点的会话", func(t *testing.T) {
		old := now.Add(-2 * deadline)
		require.NoError(t, repo.AddSession(ctx, newSessionEntry("u5", "sock-n3", "node-3", old)))
		require.NoError(t, repo.AddSession(ctx, newSessionEntry("u6", "sock-n4", "node-4", old)))

		evicted, err := repo.SweepZombies(ctx, "node-3", now.Add(-deadline), 100)
		require.NoError(t, err)
		require.Len(t, evicted, 1)
		assert.Equal(t, "u5", evicted[0].UserID)

		sessions, err := repo.GetSessions(ctx, "u6")
		require.NoError(t, err)
		assert.Len(t, sessions, 1)
	})
}
