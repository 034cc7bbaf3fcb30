package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/registry"
	"github.com/ceyewan/relay/gateway/observability"
)

// Config Gateway 服务配置
type Config struct {
	// 服务基础配置
	Service struct {
		Name     string `mapstructure:"name"`      // 服务名称
		Host     string `mapstructure:"host"`      // 监听地址
		HTTPPort int    `mapstructure:"http_port"` // HTTP/WebSocket 端口
	} `mapstructure:"service"`

	// 基础组件配置
	Log   clog.Config           `mapstructure:"log"`   // 日志配置
	Redis connector.RedisConfig `mapstructure:"redis"` // Redis 配置
	Etcd  connector.EtcdConfig  `mapstructure:"etcd"`  // Etcd 配置
	NATS  connector.NATSConfig  `mapstructure:"nats"`  // NATS 配置（genesis mq 下行通道）

	// RPC 专用的裸 NATS 连接地址（request-reply 通道不走 genesis mq）
	NATSURL string `mapstructure:"nats_url"`

	// 服务注册配置
	Registry RegistryConfig `mapstructure:"registry"`

	// WebSocket 配置
	WS WSConfig `mapstructure:"ws"`

	// 节点 ID 分配配置
	WorkerID WorkerIDConfig `mapstructure:"worker_id"`

	// 上下线事件批量上报配置
	Presence PresenceBatchConfig `mapstructure:"presence"`

	// 可观测性配置
	Observability observability.Config `mapstructure:"observability"`
}

// RegistryConfig 服务注册配置
type RegistryConfig struct {
	Namespace       string        `mapstructure:"namespace"`        // 服务命名空间
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`      // 默认租约
	EnableCache     bool          `mapstructure:"enable_cache"`     // 是否启用缓存
	CacheExpiration time.Duration `mapstructure:"cache_expiration"` // 缓存过期时间
	PublicAddr      string        `mapstructure:"public_addr"`      // 对外公布的接入地址
}

// ToRegistryConfig 转换为 registry.Config
func (c *RegistryConfig) ToRegistryConfig() *registry.Config {
	cfg := &registry.Config{
		Namespace:   c.Namespace,
		DefaultTTL:  c.DefaultTTL,
		EnableCache: c.EnableCache,
	}

	if c.CacheExpiration > 0 {
		cfg.CacheExpiration = c.CacheExpiration
	}

	// 设置默认值
	if cfg.Namespace == "" {
		cfg.Namespace = "/relay/services"
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 30 * time.Second
	}
	if cfg.CacheExpiration == 0 {
		cfg.CacheExpiration = 10 * time.Second
	}

	return cfg
}

// GetTTL 获取注册租约 TTL，默认 30s
func (c *RegistryConfig) GetTTL() time.Duration {
	if c.DefaultTTL > 0 {
		return c.DefaultTTL
	}
	return 30 * time.Second
}

// WSConfig WebSocket 连接参数
type WSConfig struct {
	ReadBufferSize  int   `mapstructure:"read_buffer_size"`
	WriteBufferSize int   `mapstructure:"write_buffer_size"`
	MaxMessageSize  int64 `mapstructure:"max_message_size"`
}

// GetReadBufferSize 读缓冲区大小，默认 4KB
func (w *WSConfig) GetReadBufferSize() int {
	if w.ReadBufferSize > 0 {
		return w.ReadBufferSize
	}
	return 4096
}

// GetWriteBufferSize 写缓冲区大小，默认 4KB
func (w *WSConfig) GetWriteBufferSize() int {
	if w.WriteBufferSize > 0 {
		return w.WriteBufferSize
	}
	return 4096
}

// GetMaxMessageSize 单帧最大字节数，默认 64KB
func (w *WSConfig) GetMaxMessageSize() int64 {
	if w.MaxMessageSize > 0 {
		return w.MaxMessageSize
	}
	return 64 * 1024
}

// WorkerIDConfig 节点编号分配配置（Redis 租约）
type WorkerIDConfig struct {
	MaxID int64 `mapstructure:"max_id"` // 编号上限
}

// GetMaxID 编号上限，默认 1024
func (w *WorkerIDConfig) GetMaxID() int64 {
	if w.MaxID > 0 {
		return w.MaxID
	}
	return 1024
}

// PresenceBatchConfig 上下线事件批量上报参数
type PresenceBatchConfig struct {
	BatchSize     int `mapstructure:"batch_size"`
	FlushInterval int `mapstructure:"flush_interval_ms"`
}

// GetBatchSize 触发立即上报的批大小，默认 50
func (p *PresenceBatchConfig) GetBatchSize() int {
	if p.BatchSize > 0 {
		return p.BatchSize
	}
	return 50
}

// GetFlushInterval 定时上报间隔，默认 100ms
func (p *PresenceBatchConfig) GetFlushInterval() time.Duration {
	if p.FlushInterval > 0 {
		return time.Duration(p.FlushInterval) * time.Millisecond
	}
	return 100 * time.Millisecond
}

// GetServiceName 获取服务名称，默认 "relay-gateway"
func (c *Config) GetServiceName() string {
	if c.Service.Name != "" {
		return c.Service.Name
	}
	return "relay-gateway"
}

// GetHost 获取监听地址，默认 "0.0.0.0"
func (c *Config) GetHost() string {
	if c.Service.Host != "" {
		return c.Service.Host
	}
	return "0.0.0.0"
}

// GetHTTPPort 获取 HTTP 端口，默认 8080
func (c *Config) GetHTTPPort() int {
	if c.Service.HTTPPort > 0 {
		return c.Service.HTTPPort
	}
	return 8080
}

// GetHTTPAddr 获取完整的 HTTP 监听地址
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.GetHTTPPort())
}

// GetPublicAddr 获取对外公布的接入地址，默认取监听地址
func (c *Config) GetPublicAddr() string {
	if c.Registry.PublicAddr != "" {
		return c.Registry.PublicAddr
	}
	return c.GetHTTPAddr()
}

// GetNATSURL 获取 RPC 通道的 NATS 地址，默认本机
func (c *Config) GetNATSURL() string {
	if c.NATSURL != "" {
		return c.NATSURL
	}
	return "nats://localhost:4222"
}

// LoadConfig 创建并加载 Gateway 配置
// 配置加载顺序：环境变量 > .env > gateway.{env}.yaml > gateway.yaml
func LoadConfig() (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:      "gateway",
		FileType:  "yaml",
		Paths:     []string{"./configs"},
		EnvPrefix: "RELAY",
	})
	if err != nil {
		return nil, err
	}

	// 必须先 Load 才能读取配置
	ctx := context.Background()
	if err := loader.Load(ctx); err != nil {
		return nil, err
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// 在 debug 模式下，打印最终生效的配置
	if os.Getenv("DEBUG_CONFIG") == "true" || os.Getenv("RELAY_DEBUG_CONFIG") == "true" {
		dumpConfig(&cfg)
	}

	return &cfg, nil
}

// dumpConfig 以 JSON 格式打印配置（脱敏敏感字段）
func dumpConfig(cfg *Config) {
	sanitized := *cfg
	if sanitized.Redis.Password != "" {
		sanitized.Redis.Password = "***"
	}
	if sanitized.NATS.Password != "" {
		sanitized.NATS.Password = "***"
	}

	data, _ := json.MarshalIndent(sanitized, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== Gateway Configuration ===\n%s\n=== End of Configuration ===\n\n", data)
}
