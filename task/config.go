package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/relay/task/observability"
)

// Config Task 服务配置
type Config struct {
	// 服务基础配置
	Service struct {
		Name       string `mapstructure:"name"`        // 服务名称
		HealthAddr string `mapstructure:"health_addr"` // 健康检查监听地址
	} `mapstructure:"service"`

	// 基础组件配置
	Log      clog.Config                `mapstructure:"log"`      // 日志配置
	Postgres connector.PostgreSQLConfig `mapstructure:"postgres"` // PostgreSQL 配置（频道成员只读视图）
	Redis    connector.RedisConfig      `mapstructure:"redis"`    // Redis 配置
	NATS     connector.NATSConfig       `mapstructure:"nats"`     // NATS 配置

	// 可观测性配置
	Observability observability.Config `mapstructure:"observability"`
}

// GetServiceName 获取服务名称，默认 "relay-task"
func (c *Config) GetServiceName() string {
	if c.Service.Name != "" {
		return c.Service.Name
	}
	return "relay-task"
}

// GetHealthAddr 获取健康检查地址，默认 ":8082"
func (c *Config) GetHealthAddr() string {
	if c.Service.HealthAddr != "" {
		return c.Service.HealthAddr
	}
	return ":8082"
}

// LoadConfig 创建并加载 Task 配置
// 配置加载顺序：环境变量 > .env > task.{env}.yaml > task.yaml
func LoadConfig() (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:      "task",
		FileType:  "yaml",
		Paths:     []string{"./configs"},
		EnvPrefix: "RELAY",
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := loader.Load(ctx); err != nil {
		return nil, err
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, err
	}

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
	fmt.Fprintf(os.Stderr, "\n=== Task Configuration ===\n%s\n=== End of Configuration ===\n\n", data)
}
