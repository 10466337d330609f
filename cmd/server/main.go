package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blues/mfs/internal/chain"
	"github.com/blues/mfs/internal/config"
	"github.com/blues/mfs/internal/idempotency"
	"github.com/blues/mfs/internal/logger"
	"github.com/blues/mfs/internal/logic"
	"github.com/blues/mfs/internal/monitor"
	"github.com/blues/mfs/internal/repository"
	"github.com/blues/mfs/internal/router"
	"github.com/blues/mfs/internal/task"
	"github.com/gin-gonic/gin"
)

func main() {
	// 加载配置
	cfg := config.Load()

	if err := logger.Init(cfg.Log); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 初始化数据库
	db, err := repository.Init(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize database: %v", err)
	}
	store := repository.NewGormStore(db)

	// 初始化链上网关，未启用时托管调用直接失败并进入重试
	var chainManager *chain.Manager
	var chainPort logic.Chain
	if cfg.Chain.Enabled {
		chainManager, err = chain.NewManager(cfg.Chain)
		if err != nil {
			logger.Fatal("Failed to initialize chain manager: %v", err)
		}
		defer chainManager.Close()
		chainPort = chain.NewGateway(chainManager)
	} else {
		logger.Warn("Chain integration disabled, escrow calls will be queued as failed")
	}

	engine := logic.NewEngine(store, chainPort, cfg.Engine, cfg.Escrow, nil)

	dedupe, err := idempotency.NewStore(cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to initialize idempotency store: %v", err)
	}
	defer dedupe.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动事件监控
	var eventMonitor *monitor.EventMonitor
	if chainManager != nil {
		eventMonitor, err = monitor.NewEventMonitor(chain.NewBlock(chainManager.GetClient()), chainManager.GetABI(),
			store, engine, dedupe, cfg.Redis.TTL(), cfg.Chain)
		if err != nil {
			logger.Fatal("Failed to create event monitor: %v", err)
		}
		if err := eventMonitor.Start(ctx); err != nil {
			logger.Fatal("Failed to start event monitor: %v", err)
		}
	}

	// 启动定时任务
	taskManager, err := task.NewManager(engine, store, cfg.Task)
	if err != nil {
		logger.Fatal("Failed to create task manager: %v", err)
	}
	taskManager.Start()

	// 设置Gin模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := router.Setup(engine, func() map[string]interface{} {
		status := map[string]interface{}{}
		if chainManager != nil {
			status["chain"] = chainManager.GetHealthStatus(ctx)
		}
		if eventMonitor != nil {
			status["monitor"] = eventMonitor.GetStatus()
		}
		return status
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}
	go func() {
		logger.Info("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown: %v", err)
	}

	taskManager.Stop()
	if eventMonitor != nil {
		eventMonitor.Stop()
	}
	cancel()
	logger.Info("Server exited")
}
