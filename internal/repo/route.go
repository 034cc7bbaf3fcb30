package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/ceyewan/genesis/cache"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/relay/internal/model"
	"github.com/redis/go-redis/v9"
)

// 确保 routeRepo 实现了 RouteRepo 接口
var _ RouteRepo = (*routeRepo)(nil)

// ErrRouteNotFound 用户没有主路由（离线或路由已失效）
var ErrRouteNotFound = errors.New("route not found")

const routeCachePrefix = "relay:route:"

// 条件删除：仅当路由仍指向给定 socket 时才删除，
// 防止旧连接的下线流程误删新连接刚写入的路由
var luaDeleteRouteIfOwner = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return 0
end
local ok, route = pcall(cjson.decode, raw)
if not ok then
	redis.call("DEL", KEYS[1])
	return 1
end
if route["socket_id"] == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`)

// routeRepo RouteRepo 的 Redis 实现。
// 常规读写走 genesis cache（JSON 序列化），条件删除走 Lua 保证原子性。
type routeRepo struct {
	cache  cache.Cache
	client *redis.Client
	logger clog.Logger
}

// RouteRepoOption 配置选项
type RouteRepoOption func(*routeRepoOptions)

type routeRepoOptions struct {
	logger clog.Logger
}

// WithRouteRepoLogger 设置日志记录器
func WithRouteRepoLogger(logger clog.Logger) RouteRepoOption {
	return func(o *routeRepoOptions) {
		o.logger = logger
	}
}

// NewRouteRepo 创建 RouteRepo 实例
func NewRouteRepo(redisConn connector.RedisConnector, opts ...RouteRepoOption) (RouteRepo, error) {
	if redisConn == nil {
		return nil, fmt.Errorf("redis connector cannot be nil")
	}

	options := &routeRepoOptions{}
	for _, opt := range opts {
		opt(options)
	}

	cacheInstance, err := cache.New(&cache.Config{
		Driver:     cache.DriverRedis,
		Prefix:     routeCachePrefix,
		Serializer: "json",
	}, cache.WithRedisConnector(redisConn), cache.WithLogger(options.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache instance: %w", err)
	}

	logger, err := ensureLogger(options.logger, "route")
	if err != nil {
		return nil, err
	}

	return &routeRepo{
		cache:  cacheInstance,
		client: redisConn.GetClient(),
		logger: logger,
	}, nil
}

func (r *routeRepo) cacheKey(userID string) string {
	return "user:" + userID
}

// rawKey cache 组件落到 Redis 的完整键名，Lua 脚本直接操作它
func (r *routeRepo) rawKey(userID string) string {
	return routeCachePrefix + r.cacheKey(userID)
}

// SetRoute 写入或刷新用户主路由
func (r *routeRepo) SetRoute(ctx context.Context, route *model.Route) error {
	if route == nil {
		return fmt.Errorf("route cannot be nil")
	}
	if route.UserID == "" || route.SocketID == "" || route.NodeID == "" {
		return fmt.Errorf("route user_id, socket_id and node_id are required")
	}

	if err := r.cache.Set(ctx, r.cacheKey(route.UserID), route, model.RouteTTL); err != nil {
		r.logger.ErrorContext(ctx, "Failed to set user route",
			clog.String("user_id", route.UserID),
			clog.String("node_id", route.NodeID),
			clog.Error(err),
		)
		return fmt.Errorf("failed to set route: %w", err)
	}

	r.logger.DebugContext(ctx, "User route set",
		clog.String("user_id", route.UserID),
		clog.String("node_id", route.NodeID),
		clog.String("socket_id", route.SocketID),
	)
	return nil
}

// GetRoute 获取用户主路由
func (r *routeRepo) GetRoute(ctx context.Context, userID string) (*model.Route, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id cannot be empty")
	}

	var route model.Route
	if err := r.cache.Get(ctx, r.cacheKey(userID), &route); err != nil {
		// cache.Get 返回错误时通常是 key 不存在，统一视为离线
		return nil, ErrRouteNotFound
	}
	return &route, nil
}

// DeleteRoute 条件删除主路由
func (r *routeRepo) DeleteRoute(ctx context.Context, userID, socketID string) error {
	if userID == "" {
		return fmt.Errorf("user_id cannot be empty")
	}

	if _, err := luaDeleteRouteIfOwner.Run(ctx, r.client, []string{r.rawKey(userID)}, socketID).Result(); err != nil {
		r.logger.ErrorContext(ctx, "Failed to delete user route",
			clog.String("user_id", userID),
			clog.String("socket_id", socketID),
			clog.Error(err),
		)
		return fmt.Errorf("failed to delete route: %w", err)
	}
	return nil
}

// BatchGetRoutes 批量获取主路由，缺失的用户被跳过
func (r *routeRepo) BatchGetRoutes(ctx context.Context, userIDs []string) (map[string]*model.Route, error) {
	routes := make(map[string]*model.Route, len(userIDs))
	missing := 0

	for _, userID := range userIDs {
		route, err := r.GetRoute(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrRouteNotFound) {
				missing++
				continue
			}
			return nil, err
		}
		routes[userID] = route
	}

	if missing > 0 {
		r.logger.DebugContext(ctx, "Batch get routes completed with offline users",
			clog.Int("requested", len(userIDs)),
			clog.Int("online", len(routes)),
			clog.Int("offline", missing),
		)
	}
	return routes, nil
}

// Close 关闭资源
func (r *routeRepo) Close() error {
	if r.cache != nil {
		return r.cache.Close()
	}
	return nil
}
