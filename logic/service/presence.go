package service

import (
	"context"
	"errors"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/internal/model"
	"github.com/ceyewan/relay/internal/repo"
	"github.com/ceyewan/relay/logic/observability"
)

// PresenceService 处理 gateway 批量上报的上下线事件，
// 维护多端会话、主路由与节点连接数。存储故障一律降级为离线
// 视图（宁可漏推待同步兜底，不让上下线失败阻塞接入层）。
type PresenceService struct {
	routeRepo   repo.RouteRepo
	sessionRepo repo.SessionRepo
	nodeRepo    repo.NodeRepo
	logger      clog.Logger
}

// NewPresenceService 创建在线状态服务
func NewPresenceService(
	routeRepo repo.RouteRepo,
	sessionRepo repo.SessionRepo,
	nodeRepo repo.NodeRepo,
	logger clog.Logger,
) *PresenceService {
	return &PresenceService{
		routeRepo:   routeRepo,
		sessionRepo: sessionRepo,
		nodeRepo:    nodeRepo,
		logger:      logger.WithNamespace("presence"),
	}
}

// SyncStatus 批量处理上下线事件，返回实际接受的条数
func (s *PresenceService) SyncStatus(ctx context.Context, req *model.PresenceSyncRequest) (*model.PresenceSyncResponse, error) {
	start := time.Now()
	defer func() {
		observability.RecordPresenceDuration(ctx, time.Since(start))
	}()

	accepted := 0
	for i := range req.Events {
		ev := &req.Events[i]
		if ev.UserID == "" || ev.SocketID == "" || ev.NodeID == "" {
			s.logger.WarnContext(ctx, "skipping malformed presence event",
				clog.String("type", ev.Type),
				clog.String("user_id", ev.UserID))
			continue
		}

		switch ev.Type {
		case model.PresenceOnline:
			s.handleOnline(ctx, ev)
			accepted++
		case model.PresenceOffline:
			s.handleOffline(ctx, ev)
			accepted++
		default:
			s.logger.WarnContext(ctx, "unknown presence event type",
				clog.String("type", ev.Type))
		}
	}

	return &model.PresenceSyncResponse{Accepted: accepted}, nil
}

// handleOnline 登记会话并将最新连接提升为主路由
func (s *PresenceService) handleOnline(ctx context.Context, ev *model.PresenceEvent) {
	at := ev.Timestamp
	if at == 0 {
		at = time.Now().Unix()
	}

	entry := &model.SessionEntry{
		UserID:         ev.UserID,
		SocketID:       ev.SocketID,
		NodeID:         ev.NodeID,
		Device:         ev.Device,
		RemoteIP:       ev.RemoteIP,
		LoginTime:      at,
		LastActiveTime: at,
	}
	if err := s.sessionRepo.AddSession(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "failed to add session",
			clog.String("user_id", ev.UserID),
			clog.String("socket_id", ev.SocketID),
			clog.Error(err))
	}

	route := &model.Route{
		UserID:         ev.UserID,
		NodeID:         ev.NodeID,
		SocketID:       ev.SocketID,
		LoginTime:      at,
		LastActiveTime: at,
	}
	if err := s.routeRepo.SetRoute(ctx, route); err != nil {
		s.logger.ErrorContext(ctx, "failed to set route",
			clog.String("user_id", ev.UserID),
			clog.Error(err))
	}

	if err := s.nodeRepo.IncrConn(ctx, ev.NodeID); err != nil {
		s.logger.WarnContext(ctx, "failed to bump node conn count",
			clog.String("node_id", ev.NodeID),
			clog.Error(err))
	}
}

// handleOffline 注销会话；若下线的是主路由且还有存活终端，
// 提升其中最近活跃的一个，否则删除主路由
func (s *PresenceService) handleOffline(ctx context.Context, ev *model.PresenceEvent) {
	remaining, err := s.sessionRepo.RemoveSession(ctx, ev.UserID, ev.SocketID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to remove session",
			clog.String("user_id", ev.UserID),
			clog.String("socket_id", ev.SocketID),
			clog.Error(err))
	}

	// 条件删除：仅当该 socket 仍是主路由时才会删掉
	if err := s.routeRepo.DeleteRoute(ctx, ev.UserID, ev.SocketID); err != nil {
		s.logger.WarnContext(ctx, "failed to delete route",
			clog.String("user_id", ev.UserID),
			clog.Error(err))
	}

	if len(remaining) > 0 {
		s.promoteIfUnrouted(ctx, ev.UserID, remaining)
	}

	if err := s.nodeRepo.DecrConn(ctx, ev.NodeID); err != nil {
		s.logger.WarnContext(ctx, "failed to drop node conn count",
			clog.String("node_id", ev.NodeID),
			clog.Error(err))
	}
}

// promoteIfUnrouted 在主路由空缺时提升最近活跃的存活会话
func (s *PresenceService) promoteIfUnrouted(ctx context.Context, userID string, remaining []*model.SessionEntry) {
	if _, err := s.routeRepo.GetRoute(ctx, userID); err == nil {
		return // 下线的不是主路由
	} else if !errors.Is(err, repo.ErrRouteNotFound) {
		s.logger.WarnContext(ctx, "failed to check route before promotion",
			clog.String("user_id", userID),
			clog.Error(err))
		return
	}

	newest := remaining[0]
	for _, entry := range remaining[1:] {
		if entry.LastActiveTime > newest.LastActiveTime {
			newest = entry
		}
	}

	route := &model.Route{
		UserID:         userID,
		NodeID:         newest.NodeID,
		SocketID:       newest.SocketID,
		LoginTime:      newest.LoginTime,
		LastActiveTime: newest.LastActiveTime,
	}
	if err := s.routeRepo.SetRoute(ctx, route); err != nil {
		s.logger.ErrorContext(ctx, "failed to promote route",
			clog.String("user_id", userID),
			clog.String("socket_id", newest.SocketID),
			clog.Error(err))
		return
	}

	s.logger.InfoContext(ctx, "promoted surviving session to primary route",
		clog.String("user_id", userID),
		clog.String("socket_id", newest.SocketID))
}
