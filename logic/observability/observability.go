// Package observability 提供 Logic 服务的可观测性支持
// 包括 Trace（分布式追踪）和 Metrics（指标收集）
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/genesis/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
)

const (
	// ServiceName 服务名称
	ServiceName = "relay-logic"

	// TracerName Tracer 名称
	TracerName = "logic-service"
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
	ingestDuration   metrics.Histogram
	syncDuration     metrics.Histogram
	ackDuration      metrics.Histogram
	presenceDuration metrics.Histogram
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
		metricsCfg.Port = 9092
	}
	if metricsCfg.Path == "" {
		metricsCfg.Path = "/metrics"
	}

	return metrics.New(metricsCfg)
}

// initBusinessMetrics 初始化业务指标
func initBusinessMetrics() {
	// Ingest 处理耗时
	ingestDuration, _ = meter.Histogram(
		"logic_ingest_duration_seconds",
		"Ingest request processing duration",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}),
	)

	// Sync 处理耗时
	syncDuration, _ = meter.Histogram(
		"logic_sync_duration_seconds",
		"Sync request processing duration",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}),
	)

	// Ack 处理耗时
	ackDuration, _ = meter.Histogram(
		"logic_ack_duration_seconds",
		"Ack request processing duration",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1}),
	)

	// PresenceSync 处理耗时
	presenceDuration, _ = meter.Histogram(
		"logic_presence_sync_duration_seconds",
		"Presence sync request processing duration",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1}),
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

// RecordIngestDuration 记录 Ingest 处理耗时
func RecordIngestDuration(ctx context.Context, duration time.Duration, labels ...metrics.Label) {
	if ingestDuration != nil {
		ingestDuration.Record(ctx, duration.Seconds(), labels...)
	}
}

// RecordSyncDuration 记录 Sync 处理耗时
func RecordSyncDuration(ctx context.Context, duration time.Duration, labels ...metrics.Label) {
	if syncDuration != nil {
		syncDuration.Record(ctx, duration.Seconds(), labels...)
	}
}

// RecordAckDuration 记录 Ack 处理耗时
func RecordAckDuration(ctx context.Context, duration time.Duration, labels ...metrics.Label) {
	if ackDuration != nil {
		ackDuration.Record(ctx, duration.Seconds(), labels...)
	}
}

// RecordPresenceDuration 记录 PresenceSync 处理耗时
func RecordPresenceDuration(ctx context.Context, duration time.Duration, labels ...metrics.Label) {
	if presenceDuration != nil {
		presenceDuration.Record(ctx, duration.Seconds(), labels...)
	}
}
