package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ceyewan/relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoute(userID, socketID, nodeID string) *model.Route {
	now := time.Now().Unix()
	return &model.Route{
		UserID:         userID,
		NodeID:         nodeID,
		SocketID:       socketID,
		LoginTime:      now,
		LastActiveTime: now,
	}
}

func TestRouteRepo(t *testing.T) {
	redisConn := getTestRedis(t)
	cleanupRedisData(t, redisConn)
	defer cleanupRedisData(t, redisConn)

	repo, err := NewRouteRepo(redisConn, WithRouteRepoLogger(getTestLogger(t)))
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()

	t.Run("写入后可读取", func(t *testing.T) {
		require.NoError(t, repo.SetRoute(ctx, newRoute("u1", "sock-a", "node-1")))

		route, err := repo.GetRoute(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "node-1", route.NodeID)
		assert.Equal(t, "sock-a", route.SocketID)
	})

	t.Run("离线用户返回 ErrRouteNotFound", func(t *testing.T) {
		_, err := repo.GetRoute(ctx, "nobody")
		assert.True(t, errors.Is(err, ErrRouteNotFound))
	})

	t.Run("新连接覆盖旧路由", func(t *testing.T) {
		require.NoError(t, repo.SetRoute(ctx, newRoute("u1", "sock-b", "node-2")))

		route, err := repo.GetRoute(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "sock-b", route.SocketID)
	})

	t.Run("旧连接的条件删除不误删新路由", func(t *testing.T) {
		// 旧连接 sock-a 的下线流程晚到
		require.NoError(t, repo.DeleteRoute(ctx, "u1", "sock-a"))

		route, err := repo.GetRoute(ctx, "u1")
		require.NoError(t, err, "新路由必须存活")
		assert.Equal(t, "sock-b", route.SocketID)

		// 持有者本人删除生效
		require.NoError(t, repo.DeleteRoute(ctx, "u1", "sock-b"))
		_, err = repo.GetRoute(ctx, "u1")
		assert.True(t, errors.Is(err, ErrRouteNotFound))
	})

	t.Run("批量读取跳过离线用户", func(t *testing.T) {
		require.NoError(t, repo.SetRoute(ctx, newRoute("u2", "sock-c", "node-1")))
		require.NoError(t, repo.SetRoute(ctx, newRoute("u3", "sock-d", "node-2")))

		routes, err := repo.BatchGetRoutes(ctx, []string{"u2", "u3", "offline-user"})
		require.NoError(t, err)
		assert.Len(t, routes, 2)
		assert.Contains(t, routes, "u2")
		assert.Contains(t, routes, "u3")
		assert.NotContains(t, routes, "offline-user")
	})
}
