// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"github.com/ide-agent/go-ide-gateway/pkg/util"
)

// Config 应用全局配置，字段名与环境变量一一对应。
type Config struct {
	// 上游 agent 服务器
	AgentServerURL string `env:"AGENT_SERVER_URL" default:"http://localhost:8000"`
	UserID         string `env:"IDE_USER_ID"`

	// 网关 HTTP 服务
	ListenAddr string `env:"GATEWAY_LISTEN_ADDR" default:"127.0.0.1:8787"`

	// PostgreSQL (为空 → 关闭持久化, 仅内存态)
	PostgresConnStr     string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresPoolMinSize int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`

	// 代码执行
	ExecLanguage    string `env:"EXEC_LANGUAGE" default:"python"`
	ExecTimeoutSec  int    `env:"EXEC_TIMEOUT_SEC" default:"30" min:"1"`
	ExecMaxOutputKB int    `env:"EXEC_MAX_OUTPUT_KB" default:"512" min:"1"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"production"`
}

// 连接池上限, 防止误配置耗尽数据库连接。
const maxPoolSize = 64

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	cfg.PostgresPoolMaxSize = util.ClampInt(cfg.PostgresPoolMaxSize, cfg.PostgresPoolMinSize, maxPoolSize)
	return &cfg
}
