// Package observability 提供 Task 服务的可观测性支持
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
	ServiceName = "relay-task"

	// TracerName Tracer 名称
	TracerName = "task-service"
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
	fanoutDuration      metrics.Histogram
	fanoutEventsTotal   metrics.Counter
	pushPublishedTotal  metrics.Counter
	offlineSkippedTotal metrics.Counter
	retryPublishedTotal metrics.Counter
	deadLetterTotal     metrics.Counter
)

// Init 初始化可观测性组件
func Init(cfg *Config) error {
	var initErr error

	traceOnce.Do(func() {
		shutdownFunc, err := initTrace(cfg)
		if err != nil {
			initErr = fmt.Errorf("init trace: %w", err)
			return
		}
		shutdown = shutdownFunc

		meter, err = initMetrics(cfg)
		if err != nil {
			initErr = fmt.Errorf("init metrics: %w", err)
			return
		}

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
		metricsCfg.Port = 9093
	}
	if metricsCfg.Path == "" {
		metricsCfg.Path = "/metrics"
	}

	return metrics.New(metricsCfg)
}

// initBusinessMetrics 初始化业务指标
func initBusinessMetrics() {
	fanoutDuration, _ = meter.Histogram(
		"task_fanout_duration_seconds",
		"Downstream event fanout duration",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}),
	)

	fanoutEventsTotal, _ = meter.Counter(
		"task_fanout_events_total",
		"Total downstream events consumed",
	)

	pushPublishedTotal, _ = meter.Counter(
		"task_push_published_total",
		"Total node push events published",
	)

	offlineSkippedTotal, _ = meter.Counter(
		"task_offline_skipped_total",
		"Total recipients skipped because no online session exists",
	)

	retryPublishedTotal, _ = meter.Counter(
		"task_retry_published_total",
		"Total overdue messages republished",
	)

	deadLetterTotal, _ = meter.Counter(
		"task_dead_letter_total",
		"Total messages abandoned to the dead letter lane",
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

// RecordFanoutDuration 记录一次下行事件的扩散耗时
func RecordFanoutDuration(ctx context.Context, duration time.Duration, labels ...metrics.Label) {
	if fanoutDuration != nil {
		fanoutDuration.Record(ctx, duration.Seconds(), labels...)
	}
}

// RecordFanoutEvent 记录消费的下行事件
func RecordFanoutEvent(ctx context.Context) {
	if fanoutEventsTotal != nil {
		fanoutEventsTotal.Inc(ctx)
	}
}

// RecordPushPublished 记录发布的节点推送事件
func RecordPushPublished(ctx context.Context, count int) {
	if pushPublishedTotal != nil {
		for i := 0; i < count; i++ {
			pushPublishedTotal.Inc(ctx)
		}
	}
}

// RecordOfflineSkipped 记录因离线被跳过的收件人
func RecordOfflineSkipped(ctx context.Context, count int) {
	if offlineSkippedTotal != nil {
		for i := 0; i < count; i++ {
			offlineSkippedTotal.Inc(ctx)
		}
	}
}

// RecordRetryPublished 记录补推的超时消息
func RecordRetryPublished(ctx context.Context) {
	if retryPublishedTotal != nil {
		retryPublishedTotal.Inc(ctx)
	}
}

// RecordDeadLetter 记录进入死信通道的消息
func RecordDeadLetter(ctx context.Context) {
	if deadLetterTotal != nil {
		deadLetterTotal.Inc(ctx)
	}
}
