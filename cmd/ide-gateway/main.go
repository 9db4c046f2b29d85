// cmd/ide-gateway — 会话网关主入口。
//
// 装配顺序: 配置 → 日志 → (可选) Postgres + 历史 hydrate → 执行引擎 →
// 控制通道 → 会话控制器 → 事件流连接 → HTTP 服务。
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/ide-agent/go-ide-gateway/internal/config"
	"github.com/ide-agent/go-ide-gateway/internal/database"
	"github.com/ide-agent/go-ide-gateway/internal/executor"
	"github.com/ide-agent/go-ide-gateway/internal/gateway"
	"github.com/ide-agent/go-ide-gateway/internal/session"
	"github.com/ide-agent/go-ide-gateway/internal/store"
	"github.com/ide-agent/go-ide-gateway/internal/timeline"
	"github.com/ide-agent/go-ide-gateway/internal/upstream"
	"github.com/ide-agent/go-ide-gateway/pkg/logger"
	"github.com/ide-agent/go-ide-gateway/pkg/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.LogLevel)

	if cfg.UserID == "" {
		logger.Fatal("IDE_USER_ID is required")
	}

	// Postgres 可选: 未配置连接串时纯内存运行
	var persister timeline.Persister
	var asyncPersister *store.AsyncPersister
	var sessionStore *store.SessionStore
	if cfg.PostgresConnStr != "" {
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("database init failed", logger.Any(logger.FieldError, err))
		}
		defer pool.Close()
		sessionStore = store.NewSessionStore(pool, cfg.UserID)
		if err := sessionStore.EnsureSchema(ctx); err != nil {
			logger.Fatal("schema init failed", logger.Any(logger.FieldError, err))
		}
		if asyncPersister = store.NewAsyncPersister(sessionStore); asyncPersister != nil {
			persister = asyncPersister
		}
	}

	registry := timeline.NewRegistry(persister)
	if sessionStore.Enabled() {
		records, err := sessionStore.LoadSession(ctx)
		if err != nil {
			logger.Fatal("session hydrate failed", logger.Any(logger.FieldError, err))
		}
		for _, rec := range records {
			registry.HydrateRun(rec.TaskID, rec.Prompt, rec.Actions)
		}
		logger.Info("session hydrated", logger.FieldCount, len(records))
	}

	runner, err := executor.NewRunner(cfg.ExecLanguage,
		time.Duration(cfg.ExecTimeoutSec)*time.Second,
		cfg.ExecMaxOutputKB*1024)
	if err != nil {
		logger.Fatal("executor init failed", logger.Any(logger.FieldError, err))
	}
	defer runner.Cleanup()

	control := upstream.NewControl(cfg.AgentServerURL, cfg.UserID)
	controller := session.NewController(registry, control, runner, timeline.NewSeqIDGenerator())
	srv := gateway.NewServer(controller)

	conn, err := upstream.Dial(ctx, cfg.AgentServerURL, cfg.UserID, controller)
	if err != nil {
		logger.Fatal("event stream connect failed", logger.Any(logger.FieldError, err))
	}

	util.SafeGo(func() {
		if err := srv.Start(cfg.ListenAddr); err != nil {
			logger.Fatal("gateway server failed", logger.Any(logger.FieldError, err))
		}
	})

	// 连接断开即会话结束 (不重连), 与信号一起触发收尾
	select {
	case <-ctx.Done():
		logger.Info("shutting down on signal")
	case <-conn.Done():
		logger.Info("event stream closed, shutting down")
	}

	_ = conn.Close()
	if asyncPersister != nil {
		asyncPersister.Close()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown failed", logger.FieldError, err)
	}
}
