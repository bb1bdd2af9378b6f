// Package main API Server 入口
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"app-builder/internal/apiserver/server"
	"app-builder/internal/appflow"
	"app-builder/internal/config"
	"app-builder/internal/shared/infra"
	"app-builder/internal/shared/queue"
	"app-builder/internal/workflow"
	"app-builder/pkg/logging"
)

func main() {
	configDir := flag.String("config", "", "配置目录（覆盖 CONFIG_DIR）")
	flag.Parse()
	if *configDir != "" {
		config.SetConfigDir(*configDir)
	}

	logger := logging.Default("api-server")

	// 加载配置（自动加载 .env，按 APP_ENV 选择 YAML）
	cfg := config.Load()
	logger.Info("starting api server", "env", cfg.Env, "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化基础设施（存储、总线、队列、租约、对象存储、沙箱、模型）
	inf, err := infra.New(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize infrastructure", "error", err)
		os.Exit(1)
	}
	defer inf.Close()

	engine := workflow.NewEngine(workflow.Options{
		Store:  inf.Store,
		Bus:    inf.Bus,
		Leases: inf.Leases,
		Owner:  cfg.Workflow.Owner,
		Logger: logging.Default("workflow"),
	})

	flows := appflow.New(appflow.Deps{
		Sandbox:  inf.Sandbox,
		Records:  inf.Store,
		Model:    inf.Model,
		Jobs:     inf.Jobs,
		LLM:      cfg.LLM,
		Agent:    cfg.Agent,
		Defaults: cfg.Sandbox.Defaults,
		Logger:   logging.Default("appflow"),
	})
	flows.Register(engine)

	if cfg.Workflow.RecoverOnStart {
		n, err := engine.Recover(ctx)
		if err != nil {
			logger.Error("failed to recover runs", "error", err)
		} else if n > 0 {
			logger.Info("recovered runs", "count", n)
		}
	}
	go engine.RecoverLoop(ctx, cfg.Workflow.RecoverInterval)

	// 缩略图后台任务
	thumbs := appflow.NewThumbnailer(inf.Model, inf.Objects, inf.Store, cfg.LLM.ImageModel, logging.Default("thumbnail"))
	worker := queue.NewWorker(inf.Jobs, cfg.Workflow.Owner, logging.Default("worker").Logger)
	thumbs.Register(worker)
	go worker.Run(ctx)

	h, err := server.NewHandler(server.Options{
		Engine:           engine,
		Flows:            flows,
		Records:          inf.Store,
		Sandbox:          inf.Sandbox,
		Objects:          inf.Objects,
		Defaults:         cfg.Sandbox.Defaults,
		ValidateRequests: cfg.APIServer.ValidateRequests,
		Logger:           logging.Default("http"),
	})
	if err != nil {
		logger.Error("failed to create handler", "error", err)
		os.Exit(1)
	}

	// 输出流为长连接，不设置 WriteTimeout
	srv := &http.Server{
		Addr:              ":" + cfg.APIServer.Port,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "error", err)
		}
		// 未完成的执行保持 running，下次启动由 Recover 接管
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Warn("engine shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("api server listening", "port", cfg.APIServer.Port)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("server stopped")
}
