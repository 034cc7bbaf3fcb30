package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/internal/model"
	"github.com/ceyewan/relay/internal/repo"
	"github.com/gin-gonic/gin"
)

// SyncBackend REST 补拉接口依赖的 Logic 操作
type SyncBackend interface {
	Sync(ctx context.Context, req *model.SyncRequest) (*model.SyncResponse, error)
}

// Handler REST 接口处理器
type Handler struct {
	ws       *WebSocket
	logic    SyncBackend
	nodeRepo repo.NodeRepo
	logger   clog.Logger
}

// NewHandler 创建 REST 处理器
func NewHandler(ws *WebSocket, logic SyncBackend, nodeRepo repo.NodeRepo, logger clog.Logger) *Handler {
	return &Handler{
		ws:       ws,
		logic:    logic,
		nodeRepo: nodeRepo,
		logger:   logger.WithNamespace("api"),
	}
}

// RegisterRoutes 注册全部路由
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws", h.ws.Handle)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/channels/:channelId/messages", h.GetChannelMessages)
		v1.GET("/nodes", h.ListNodes)
		v1.GET("/nodes/pick", h.PickNode)
	}
}

// GetChannelMessages 按游标补拉频道消息（断线重连的 REST 入口）。
// fromSeqId 缺省拉取最新窗口，与 WebSocket sync 帧语义一致。
func (h *Handler) GetChannelMessages(c *gin.Context) {
	req := &model.SyncRequest{
		ChannelID: c.Param("channelId"),
	}

	if raw := c.Query("fromSeqId"); raw != "" {
		fromSeq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fromSeqId"})
			return
		}
		req.FromSeqID = &fromSeq
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		req.Limit = limit
	}

	resp, err := h.logic.Sync(c.Request.Context(), req)
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ListNodes 列出活跃的接入节点
func (h *Handler) ListNodes(c *gin.Context) {
	nodes, err := h.nodeRepo.ListActive(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list nodes", clog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

// PickNode 返回连接数最少的活跃节点（客户端接入选点）
func (h *Handler) PickNode(c *gin.Context) {
	node, err := h.nodeRepo.PickLeastLoaded(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to pick node", clog.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no active node"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"nodeId":    node.NodeID,
		"addr":      node.Addr,
		"connCount": node.ConnCount,
	})
}

// abortWithError 把 RPC 错误映射为 HTTP 状态码
func (h *Handler) abortWithError(c *gin.Context, err error) {
	switch model.CodeOf(err) {
	case model.CodeInvalidArgument:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed",
			clog.String("path", c.Request.URL.Path),
			clog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
