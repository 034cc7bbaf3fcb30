package connection

import (
	"context"
	"sync"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/internal/model"
)

// InvalidateReasonReplaced 同一设备的新登录顶替旧连接
const InvalidateReasonReplaced = "replaced_by_new_login"

// Manager 管理本节点的全部 WebSocket 连接。
// 一个用户可以有多个设备连接（userID → socketID → Conn）；
// 同一 (userID, device) 只保留最新连接，旧连接被顶替时
// 先收到 invalidate 帧再被关闭，让客户端能区分顶号与掉线。
type Manager struct {
	mu    sync.RWMutex
	users map[string]map[string]*Conn // userID → socketID → Conn
	total int

	onConnect    func(ctx context.Context, conn *Conn)
	onDisconnect func(ctx context.Context, conn *Conn)

	logger clog.Logger
}

// NewManager 创建连接管理器
func NewManager(logger clog.Logger) *Manager {
	return &Manager{
		users:  make(map[string]map[string]*Conn),
		logger: logger.WithNamespace("conn-manager"),
	}
}

// SetCallbacks 设置连接建立/断开回调（上下线事件上报的入口）
func (m *Manager) SetCallbacks(onConnect, onDisconnect func(ctx context.Context, conn *Conn)) {
	m.onConnect = onConnect
	m.onDisconnect = onDisconnect
}

// Add 登记连接。同一 (userID, device) 已有连接时顶替旧连接。
func (m *Manager) Add(ctx context.Context, conn *Conn) {
	var replaced *Conn

	m.mu.Lock()
	sockets := m.users[conn.UserID()]
	if sockets == nil {
		sockets = make(map[string]*Conn)
		m.users[conn.UserID()] = sockets
	}
	if conn.Device() != "" {
		for _, existing := range sockets {
			if existing.Device() == conn.Device() {
				replaced = existing
				break
			}
		}
	}
	if replaced != nil {
		delete(sockets, replaced.SocketID())
		m.total--
	}
	sockets[conn.SocketID()] = conn
	m.total++
	total := m.total
	m.mu.Unlock()

	if replaced != nil {
		if err := replaced.SendInvalidate(InvalidateReasonReplaced, ""); err != nil {
			m.logger.Warn("failed to notify replaced connection",
				clog.String("user_id", replaced.UserID()),
				clog.String("socket_id", replaced.SocketID()),
				clog.Error(err))
		}
		replaced.Close()
		if m.onDisconnect != nil {
			m.onDisconnect(ctx, replaced)
		}
	}

	m.logger.Info("connection added",
		clog.String("user_id", conn.UserID()),
		clog.String("socket_id", conn.SocketID()),
		clog.String("device", conn.Device()),
		clog.Int("total", total))

	if m.onConnect != nil {
		m.onConnect(ctx, conn)
	}
}

// Remove 注销连接。映射已被更新的连接占据时不做任何事，
// 防止被顶替的旧连接下线时误删新连接。
func (m *Manager) Remove(ctx context.Context, conn *Conn) {
	m.mu.Lock()
	sockets, ok := m.users[conn.UserID()]
	if !ok || sockets[conn.SocketID()] != conn {
		m.mu.Unlock()
		return
	}
	delete(sockets, conn.SocketID())
	if len(sockets) == 0 {
		delete(m.users, conn.UserID())
	}
	m.total--
	total := m.total
	m.mu.Unlock()

	m.logger.Info("connection removed",
		clog.String("user_id", conn.UserID()),
		clog.String("socket_id", conn.SocketID()),
		clog.Int("total", total))

	if m.onDisconnect != nil {
		m.onDisconnect(ctx, conn)
	}
}

// Get 按 (userID, socketID) 查找连接
func (m *Manager) Get(userID, socketID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.users[userID][socketID]
	return conn, ok
}

// GetUserConns 返回用户的全部在线连接
func (m *Manager) GetUserConns(userID string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sockets := m.users[userID]
	if len(sockets) == 0 {
		return nil
	}
	conns := make([]*Conn, 0, len(sockets))
	for _, conn := range sockets {
		conns = append(conns, conn)
	}
	return conns
}

// SendToUser 向用户的全部设备扇出一帧，返回成功投递的连接数
func (m *Manager) SendToUser(userID string, frame *model.Frame) int {
	delivered := 0
	for _, conn := range m.GetUserConns(userID) {
		if err := conn.Send(frame); err != nil {
			m.logger.Warn("failed to deliver frame",
				clog.String("user_id", userID),
				clog.String("socket_id", conn.SocketID()),
				clog.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// SendToSocket 向指定连接投递一帧，连接不在本节点时返回 false
func (m *Manager) SendToSocket(userID, socketID string, frame *model.Frame) bool {
	conn, ok := m.Get(userID, socketID)
	if !ok {
		return false
	}
	if err := conn.Send(frame); err != nil {
		m.logger.Warn("failed to deliver frame",
			clog.String("user_id", userID),
			clog.String("socket_id", socketID),
			clog.Error(err))
		return false
	}
	return true
}

// Broadcast 向本节点的全部连接扇出一帧，返回成功投递数
func (m *Manager) Broadcast(frame *model.Frame) int {
	m.mu.RLock()
	conns := make([]*Conn, 0, m.total)
	for _, sockets := range m.users {
		for _, conn := range sockets {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(frame); err != nil {
			continue
		}
		delivered++
	}
	return delivered
}

// Count 当前连接总数
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

// CloseAll 关闭全部连接（优雅下线时调用）。
// 每条连接都会触发一次 onDisconnect，保证最后一批下线事件
// 能在关停前上报出去；连接自身的清理协程随后调 Remove 时
// 命中陈旧守卫，不会重复回调。
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*Conn, 0, m.total)
	for _, sockets := range m.users {
		for _, conn := range sockets {
			conns = append(conns, conn)
		}
	}
	m.users = make(map[string]map[string]*Conn)
	m.total = 0
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
		if m.onDisconnect != nil {
			m.onDisconnect(ctx, conn)
		}
	}
}
