// Package rpc 实现 gateway 与 logic 之间基于 NATS request-reply 的直连通道。
// 请求/响应均为 JSON 信封；logic 侧以 queue group 订阅实现多实例负载均衡。
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/internal/model"
	"github.com/nats-io/nats.go"
)

const defaultHandleTimeout = 10 * time.Second

// Response RPC 响应信封
type Response struct {
	Code  string          `json:"code"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Dial 建立用于 RPC 的 NATS 连接，断线无限重连
func Dial(url, name string, logger clog.Logger) (*nats.Conn, error) {
	if url == "" {
		return nil, fmt.Errorf("nats url cannot be empty")
	}

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if logger != nil && err != nil {
				logger.Warn("NATS disconnected", clog.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if logger != nil {
				logger.Info("NATS reconnected", clog.String("url", nc.ConnectedUrl()))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect nats at %s: %w", url, err)
	}
	return nc, nil
}

// HandlerFunc 单个 RPC 方法的处理函数。
// 返回的错误会按 model.CodeOf 映射为响应错误码。
type HandlerFunc func(ctx context.Context, data []byte) (any, error)

// Server logic 侧的 RPC 服务端
type Server struct {
	nc     *nats.Conn
	queue  string
	logger clog.Logger
	subs   []*nats.Subscription
}

// ServerOption 配置选项
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger clog.Logger
}

// WithServerLogger 设置日志记录器
func WithServerLogger(logger clog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// NewServer 创建 RPC 服务端，queue 为多实例负载均衡的 queue group
func NewServer(nc *nats.Conn, queue string, opts ...ServerOption) (*Server, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if queue == "" {
		queue = model.QueueGroupLogicRPC
	}

	options := &serverOptions{}
	for _, opt := range opts {
		opt(options)
	}
	logger := options.logger
	if logger == nil {
		logger = clog.Discard()
	}

	return &Server{
		nc:     nc,
		queue:  queue,
		logger: logger.WithNamespace("rpc-server"),
	}, nil
}

// Handle 注册一个方法的处理函数
func (s *Server) Handle(method string, handler HandlerFunc) error {
	if method == "" || handler == nil {
		return fmt.Errorf("method and handler are required")
	}

	subject := model.RPCSubject(method)
	sub, err := s.nc.QueueSubscribe(subject, s.queue, func(msg *nats.Msg) {
		s.dispatch(method, handler, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", subject, err)
	}

	s.subs = append(s.subs, sub)
	s.logger.Info("RPC method registered",
		clog.String("method", method),
		clog.String("subject", subject),
	)
	return nil
}

func (s *Server) dispatch(method string, handler HandlerFunc, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultHandleTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.invoke(ctx, handler, msg.Data)

	resp := &Response{Code: model.CodeOK}
	if err != nil {
		resp.Code = model.CodeOf(err)
		resp.Error = err.Error()
	} else if result != nil {
		data, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			resp.Code = model.CodeInternal
			resp.Error = marshalErr.Error()
		} else {
			resp.Data = data
		}
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to marshal RPC response",
			clog.String("method", method),
			clog.Error(err),
		)
		return
	}
	if err := msg.Respond(raw); err != nil {
		s.logger.Warn("Failed to respond RPC request",
			clog.String("method", method),
			clog.Error(err),
		)
		return
	}

	if resp.Code != model.CodeOK {
		s.logger.Warn("RPC request failed",
			clog.String("method", method),
			clog.String("code", resp.Code),
			clog.String("error", resp.Error),
			clog.Duration("elapsed", time.Since(start)),
		)
	}
}

// invoke 带 panic 保护地执行处理函数
func (s *Server) invoke(ctx context.Context, handler HandlerFunc, data []byte) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("RPC handler panic", clog.Any("panic", r))
			err = model.NewInternal("handler panic: %v", r)
		}
	}()
	return handler(ctx, data)
}

// Close 注销全部订阅
func (s *Server) Close() error {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	return nil
}

// Client gateway 侧的 RPC 客户端
type Client struct {
	nc      *nats.Conn
	timeout time.Duration
	logger  clog.Logger
}

// ClientOption 配置选项
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger  clog.Logger
	timeout time.Duration
}

// WithClientLogger 设置日志记录器
func WithClientLogger(logger clog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithClientTimeout 设置单次请求超时
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.timeout = timeout
	}
}

// NewClient 创建 RPC 客户端
func NewClient(nc *nats.Conn, opts ...ClientOption) (*Client, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}

	options := &clientOptions{timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(options)
	}
	logger := options.logger
	if logger == nil {
		logger = clog.Discard()
	}

	return &Client{
		nc:      nc,
		timeout: options.timeout,
		logger:  logger.WithNamespace("rpc-client"),
	}, nil
}

// Call 发起一次请求。响应码非 OK 时返回 *model.IngestError，
// 调用方可据此区分 INVALID_ARGUMENT 与 INTERNAL。
func (c *Client) Call(ctx context.Context, method string, req any, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.nc.RequestWithContext(ctx, model.RPCSubject(method), data)
	if err != nil {
		return model.NewInternal("rpc %s transport error: %v", method, err)
	}

	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return model.NewInternal("rpc %s malformed response: %v", method, err)
	}
	if resp.Code != model.CodeOK {
		return &model.IngestError{Code: resp.Code, Message: resp.Error}
	}
	if reply != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, reply); err != nil {
			return model.NewInternal("rpc %s malformed payload: %v", method, err)
		}
	}
	return nil
}
