package logic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/idgen"
	"github.com/ceyewan/relay/logic/observability"
)

// Config Logic 服务配置
type Config struct {
	// 服务基础配置
	Service struct {
		Name string `mapstructure:"name"` // 服务名称
	} `mapstructure:"service"`

	// 基础组件配置
	Log      clog.Config                `mapstructure:"log"`      // 日志配置
	Postgres connector.PostgreSQLConfig `mapstructure:"postgres"` // PostgreSQL 配置
	Redis    connector.RedisConfig      `mapstructure:"redis"`    // Redis 配置
	NATS     connector.NATSConfig       `mapstructure:"nats"`     // NATS 配置（genesis mq 下行通道）

	// RPC 专用的裸 NATS 连接地址（request-reply 通道不走 genesis mq）
	NATSURL string `mapstructure:"nats_url"`

	// 雪花 ID 生成器配置
	IDGen idgen.GeneratorConfig `mapstructure:"idgen"`

	// 可观测性配置
	Observability observability.Config `mapstructure:"observability"`
}

// GetServiceName 获取服务名称，默认 "relay-logic"
func (c *Config) GetServiceName() string {
	if c.Service.Name != "" {
		return c.Service.Name
	}
	return "relay-logic"
}

// GetNATSURL 获取 RPC 通道的 NATS 地址，默认本机
func (c *Config) GetNATSURL() string {
	if c.NATSURL != "" {
		return c.NATSURL
	}
	return "nats://localhost:4222"
}

// LoadConfig 创建并加载 Logic 配置
// 配置加载顺序：环境变量 > .env > logic.{env}.yaml > logic.yaml
func LoadConfig() (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:      "logic",
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
	if sanitized.Postgres.Password != "" {
		sanitized.Postgres.Password = "***"
	}
	if sanitized.NATS.Password != "" {
		sanitized.NATS.Password = "***"
	}

	data, _ := json.MarshalIndent(sanitized, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== Logic Configuration ===\n%s\n=== End of Configuration ===\n\n", data)
}
