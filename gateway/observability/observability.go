// Package observability 提供 Gateway 服务的可观测性支持
// 包括 Trace（分布式追踪）和 Metrics（指标收集）
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ServiceName 服务名称
	ServiceName = "relay-gateway"

	// TracerName Tracer 名称
	TracerName = "gateway-service"
)

// TraceConfig Trace 配置
type TraceConfig struct {
	Disable  bool    `mapstructure:"disable"`  // 是否禁用 Trace 上报
	Endpoint string  `mapstructure:"endpoint"` // OTLP Collector 地址
	Insecure bool    `mapstructure:"insecure"` // 是否使用不安全连接
	Sampler  float64 `mapstructure:"sampler"`  // 采样率 (0.0-1.0)
}

// MetricsConfig Metrics 配置
type MetricsConfig struct {
	Port          int    `mapstructure:"port"`           // Prometheus 端口
	Path          string `mapstructure:"path"`           // Metrics 路径
	EnableRuntime bool   `mapstructure:"enable_runtime"` // 是否启用运行时指标
}

// Config 可观测性配置
type Config struct {
	Trace   TraceConfig   `mapstructure:"trace"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

var (
	// 全局组件
	meter     metrics.Meter
	traceOnce sync.Once
	shutdown  func(context.Context) error

	// 业务指标
	connectionsActive metrics.Gauge
	connectionsTotal  metrics.Counter
	framesPingTotal   metrics.Counter
	framesSendTotal   metrics.Counter
	pushSentTotal     metrics.Counter
	pushFailedTotal   metrics.Counter
	pushDuration      metrics.Histogram
	rpcDuration       metrics.Histogram
	rpcErrorsTotal    metrics.Counter
	zombiesSweptTotal metrics.Counter
	httpDuration      metrics.Histogram
	httpErrorsTotal   metrics.Counter
)

// Init 初始化可观测性组件
func Init(cfg *Config) error {
	var initErr error

	traceOnce.Do(func() {
		// 1. 初始化 Trace
		shutdownFunc, err := initTrace(cfg)
		if err != nil {
			initErr = fmt.Errorf("init trace: %w", err)
			return
		}
		shutdown = shutdownFunc

		// 2. 初始化 Metrics
		meter, err = initMetrics(cfg)
		if err != nil {
			initErr = fmt.Errorf("init metrics: %w", err)
			return
		}

		// 3. 初始化业务指标
		initBusinessMetrics()
	})

	return initErr
}

// Shutdown 优雅关闭
func Shutdown(ctx context.Context) error {
	if shutdown != nil {
		return shutdown(ctx)
	}
	if meter != nil {
		return meter.Shutdown(ctx)
	}
	return nil
}

// initTrace 初始化 Trace
func initTrace(cfg *Config) (func(context.Context) error, error) {
	if cfg.Trace.Disable {
		// 禁用上报，只生成 TraceID 供日志关联
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceNameKey.String(ServiceName),
			)),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		return tp.Shutdown, nil
	}

	endpoint := cfg.Trace.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	sampler := cfg.Trace.Sampler
	if sampler == 0 {
		sampler = 1.0
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithTimeout(5 * time.Second),
	}
	if cfg.Trace.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampler))),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// initMetrics 初始化 Metrics
func initMetrics(cfg *Config) (metrics.Meter, error) {
	metricsCfg := &metrics.Config{
		ServiceName:   ServiceName,
		Port:          cfg.Metrics.Port,
		Path:          cfg.Metrics.Path,
		EnableRuntime: cfg.Metrics.EnableRuntime,
	}
	if metricsCfg.Port == 0 {
		metricsCfg.Port = 9091
	}
	if metricsCfg.Path == "" {
		metricsCfg.Path = "/metrics"
	}

	return metrics.New(metricsCfg)
}

// initBusinessMetrics 初始化业务指标
func initBusinessMetrics() {
	// 当前活跃 WebSocket 连接数
	connectionsActive, _ = meter.Gauge(
		"gateway_connections_active",
		"Current number of active WebSocket connections",
	)

	// 累计建立的 WebSocket 连接数
	connectionsTotal, _ = meter.Counter(
		"gateway_connections_total",
		"Total number of WebSocket connections established",
	)

	// 心跳帧总数
	framesPingTotal, _ = meter.Counter(
		"gateway_frames_ping_total",
		"Total number of ping frames received",
	)

	// 上行消息帧总数
	framesSendTotal, _ = meter.Counter(
		"gateway_frames_send_total",
		"Total number of send frames received",
	)

	// 下行推送总数
	pushSentTotal, _ = meter.Counter(
		"gateway_push_sent_total",
		"Total number of frames pushed to clients",
	)

	// 下行推送失败数
	pushFailedTotal, _ = meter.Counter(
		"gateway_push_failed_total",
		"Total number of failed pushes",
	)

	// 下行推送延迟
	pushDuration, _ = meter.Histogram(
		"gateway_push_duration_seconds",
		"Message push latency",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}),
	)

	// 后端 RPC 延迟
	rpcDuration, _ = meter.Histogram(
		"gateway_rpc_duration_seconds",
		"Backend RPC latency",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}),
	)

	// 后端 RPC 错误数
	rpcErrorsTotal, _ = meter.Counter(
		"gateway_rpc_errors_total",
		"Total number of backend RPC errors",
	)

	// 僵尸会话清扫数
	zombiesSweptTotal, _ = meter.Counter(
		"gateway_zombies_swept_total",
		"Total number of zombie sessions swept",
	)

	// HTTP 请求延迟
	httpDuration, _ = meter.Histogram(
		"gateway_http_request_duration_seconds",
		"HTTP request latency",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}),
	)

	// HTTP 错误总数
	httpErrorsTotal, _ = meter.Counter(
		"gateway_http_errors_total",
		"Total number of HTTP errors",
	)
}

// StartSpan 开始一个新的 Span
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, func() {
		span.End()
	}
}

// GetTraceID 返回当前 Context 关联的 TraceID，没有时返回空串
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// ExtractTraceContext 从 map 中提取 Trace Context
func ExtractTraceContext(ctx context.Context, traceHeaders map[string]string) context.Context {
	if len(traceHeaders) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(traceHeaders))
}

// InjectTraceContext 将当前 Context 的 Trace 信息注入到 map
func InjectTraceContext(ctx context.Context, carrier map[string]string) {
	if carrier == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(carrier))
}

// SetConnectionsActive 设置当前活跃连接数
func SetConnectionsActive(ctx context.Context, count int) {
	if connectionsActive != nil {
		connectionsActive.Set(ctx, float64(count))
	}
}

// RecordConnectionEstablished 记录新建连接
func RecordConnectionEstablished(ctx context.Context) {
	if connectionsTotal != nil {
		connectionsTotal.Inc(ctx)
	}
}

// RecordPingFrame 记录心跳帧
func RecordPingFrame(ctx context.Context) {
	if framesPingTotal != nil {
		framesPingTotal.Inc(ctx)
	}
}

// RecordSendFrame 记录上行消息帧
func RecordSendFrame(ctx context.Context) {
	if framesSendTotal != nil {
		framesSendTotal.Inc(ctx)
	}
}

// RecordPushSent 记录下行推送
func RecordPushSent(ctx context.Context, count int, labels ...metrics.Label) {
	if pushSentTotal != nil {
		for i := 0; i < count; i++ {
			pushSentTotal.Inc(ctx, labels...)
		}
	}
}

// RecordPushFailed 记录推送失败
func RecordPushFailed(ctx context.Context, labels ...metrics.Label) {
	if pushFailedTotal != nil {
		pushFailedTotal.Inc(ctx, labels...)
	}
}

// RecordPushDuration 记录推送延迟
func RecordPushDuration(ctx context.Context, duration time.Duration, labels ...metrics.Label) {
	if pushDuration != nil {
		pushDuration.Record(ctx, duration.Seconds(), labels...)
	}
}

// RecordRPCDuration 记录后端 RPC 延迟
func RecordRPCDuration(ctx context.Context, duration time.Duration, labels ...metrics.Label) {
	if rpcDuration != nil {
		rpcDuration.Record(ctx, duration.Seconds(), labels...)
	}
}

// RecordRPCError 记录后端 RPC 错误
func RecordRPCError(ctx context.Context, labels ...metrics.Label) {
	if rpcErrorsTotal != nil {
		rpcErrorsTotal.Inc(ctx, labels...)
	}
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(ctx context.Context, duration time.Duration, labels ...metrics.Label) {
	if httpDuration != nil {
		httpDuration.Record(ctx, duration.Seconds(), labels...)
	}
}

// RecordHTTPError 记录 HTTP 错误
func RecordHTTPError(ctx context.Context, labels ...metrics.Label) {
	if httpErrorsTotal != nil {
		httpErrorsTotal.Inc(ctx, labels...)
	}
}

// RecordZombiesSwept 记录被清扫的僵尸会话数
func RecordZombiesSwept(ctx context.Context, count int) {
	if zombiesSweptTotal != nil {
		for i := 0; i < count; i++ {
			zombiesSweptTotal.Inc(ctx)
		}
	}
}

// NewLogger 创建带有 Trace Context 的 Logger
func NewLogger(cfg *clog.Config) (clog.Logger, error) {
	return clog.New(cfg, clog.WithTraceContext())
}
