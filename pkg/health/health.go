// Package health 提供存活/就绪两级探针。网关把 handler 挂到业务
// HTTP 路由上；没有业务端口的模块（如 task）用独立的 Server 暴露探针。
package health

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/genesis/clog"
)

// 探针响应体。就绪状态一共三种：启动中 / 就绪 / 关停排水中
const (
	bodyAlive    = `{"status":"alive"}`
	bodyReady    = `{"status":"ready"}`
	bodyStarting = `{"status":"starting"}`
	bodyDraining = `{"status":"draining"}`
)

// Probe 聚合进程的就绪状态，可挂载到任意 HTTP 路由。
type Probe struct {
	ready    atomic.Bool
	shutdown atomic.Bool
}

// NewProbe 创建探针状态
func NewProbe() *Probe {
	return &Probe{}
}

// SetReady 标记依赖组件是否全部就绪
func (p *Probe) SetReady(ready bool) {
	p.ready.Store(ready)
}

// SetShutdown 标记进程进入关停排水阶段，之后就绪探测恒为失败
func (p *Probe) SetShutdown(shutdown bool) {
	p.shutdown.Store(shutdown)
}

// LivenessHandler 存活探测（/health）：进程在即为活
func (p *Probe) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, bodyAlive)
	}
}

// ReadinessHandler 就绪探测（/ready）：未就绪或关停中返回 503，
// 让负载均衡把流量从本节点摘除
func (p *Probe) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case p.shutdown.Load():
			writeStatus(w, http.StatusServiceUnavailable, bodyDraining)
		case !p.ready.Load():
			writeStatus(w, http.StatusServiceUnavailable, bodyStarting)
		default:
			writeStatus(w, http.StatusOK, bodyReady)
		}
	}
}

func writeStatus(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// Server 独立的探针 HTTP 服务，给没有业务 HTTP 端口的模块用。
type Server struct {
	logger clog.Logger
	probe  *Probe
	server *http.Server

	mu sync.Mutex
	ln net.Listener
}

// NewServer 创建探针服务，监听在 Start 时才建立
func NewServer(addr string, logger clog.Logger) *Server {
	probe := NewProbe()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", probe.LivenessHandler())
	mux.HandleFunc("/ready", probe.ReadinessHandler())

	return &Server{
		logger: logger.WithNamespace("health"),
		probe:  probe,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 2 * time.Second,
		},
	}
}

// Probe 返回探针状态对象
func (s *Server) Probe() *Probe {
	return s.probe
}

// SetReady 标记依赖组件是否全部就绪
func (s *Server) SetReady(ready bool) {
	s.probe.SetReady(ready)
}

// Addr 实际监听地址，Start 之前返回空串。
// 配置端口为 0 时这里能拿到系统分配的端口。
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start 非阻塞启动，重复调用不产生副作用
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	s.logger.Info("probe server listening", clog.String("addr", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("probe server exited", clog.Error(err))
		}
	}()
	return nil
}

// Stop 先把就绪探测置为排水状态，再关停监听
func (s *Server) Stop(ctx context.Context) error {
	s.probe.SetShutdown(true)
	return s.server.Shutdown(ctx)
}
