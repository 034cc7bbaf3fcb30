// Package bootstrap 提供数据库初始化能力：AutoMigrate 建表 + Seed 种子数据。
// 通过 `go run main.go -module init` 调用，幂等可重复执行。
package bootstrap

import (
	"context"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/ceyewan/relay/internal/model"
	"gorm.io/gorm"
)

// Config 初始化所需的配置（复用 logic.yaml）
type Config struct {
	Log      clog.Config                `mapstructure:"log"`
	Postgres connector.PostgreSQLConfig `mapstructure:"postgres"`
	Seed     SeedConfig                 `mapstructure:"seed"`
}

// SeedConfig 默认频道初始化配置
type SeedConfig struct {
	ChannelID   string   `mapstructure:"channel_id"`
	ChannelName string   `mapstructure:"channel_name"`
	Members     []string `mapstructure:"members"`
}

// Run 执行数据库初始化：建表 + 种子数据
func Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, _ := clog.New(&cfg.Log)

	logger.Info("starting database initialization...")

	postgresConn, err := connector.NewPostgreSQL(&cfg.Postgres, connector.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("postgresql connector: %w", err)
	}
	defer postgresConn.Close()

	dbInstance, err := db.New(&db.Config{Driver: "postgresql"}, db.WithPostgreSQLConnector(postgresConn), db.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("db init: %w", err)
	}
	defer dbInstance.Close()

	ctx := context.Background()
	gormDB := dbInstance.DB(ctx)

	logger.Info("running AutoMigrate...")
	if err := gormDB.AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("AutoMigrate completed")

	logger.Info("seeding initial data...")
	if err := seed(gormDB, &cfg.Seed, logger); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	logger.Info("seed completed")

	logger.Info("database initialization finished successfully")
	return nil
}

// seed 插入种子数据（幂等）。频道成员的日常写入由外围 CRUD 层负责，
// 这里只保证开箱即用的默认频道存在。
func seed(gormDB *gorm.DB, seedCfg *SeedConfig, logger clog.Logger) error {
	channelID := seedCfg.ChannelID
	if channelID == "" {
		channelID = "general"
	}
	channelName := seedCfg.ChannelName
	if channelName == "" {
		channelName = "General"
	}

	channel := &model.Channel{
		ChannelID: channelID,
		Type:      model.ChannelTypeGroup,
		Name:      channelName,
	}
	result := gormDB.Where("channel_id = ?", channel.ChannelID).FirstOrCreate(channel)
	if result.Error != nil {
		return fmt.Errorf("seed default channel: %w", result.Error)
	}
	logger.Info("default channel ready", clog.String("channel_id", channel.ChannelID))

	for _, userID := range seedCfg.Members {
		member := &model.ChannelMember{
			ChannelID: channelID,
			UserID:    userID,
		}
		result = gormDB.Where("channel_id = ? AND user_id = ?", member.ChannelID, member.UserID).FirstOrCreate(member)
		if result.Error != nil {
			return fmt.Errorf("seed channel member %s: %w", userID, result.Error)
		}
	}
	if len(seedCfg.Members) > 0 {
		logger.Info("seed members joined default channel", clog.Int("count", len(seedCfg.Members)))
	}

	return nil
}

// loadConfig 加载配置（复用 logic.yaml）
func loadConfig() (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:      "logic",
		FileType:  "yaml",
		Paths:     []string{"./configs"},
		EnvPrefix: "RELAY",
	})
	if err != nil {
		return nil, err
	}

	if err := loader.Load(context.Background()); err != nil {
		return nil, err
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
