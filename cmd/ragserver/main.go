package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/beego/beego/v2/server/web"
	"go.uber.org/zap"

	"github.com/aihub/rag-service/app/bootstrap"
	"github.com/aihub/rag-service/app/router"
	"github.com/aihub/rag-service/internal/logger"
)

func main() {
	app, err := bootstrap.Init()
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer app.Shutdown()

	ctrls, err := app.Controllers()
	if err != nil {
		log.Fatalf("failed to build controllers: %v", err)
	}
	router.Init(ctrls, router.Options{MetricsPath: app.Config.Prometheus.Path})

	// 配置Beego全局设置
	web.BConfig.AppName = "RAG Service"
	web.BConfig.CopyRequestBody = true
	web.BConfig.WebConfig.AutoRender = false
	if app.Config.FileUpload.MaxSize > 0 {
		web.BConfig.MaxMemory = app.Config.FileUpload.MaxSize
	}
	if port, err := strconv.Atoi(app.Config.Server.Port); err == nil {
		web.BConfig.Listen.HTTPPort = port
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("Shutting down RAG service")
		app.Shutdown()
		os.Exit(0)
	}()

	logger.Info("Starting RAG service", zap.Int("port", web.BConfig.Listen.HTTPPort))
	web.Run()
}
