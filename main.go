package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"KelmahIM/global/config"
	"KelmahIM/logger"
	"KelmahIM/tools"
	"KelmahIM/tools/ids"

	"github.com/golang/glog"
	"go.uber.org/zap"
)

func main() {
	confPath := flag.String("config", tools.GetEnv("KIM_CONFIG", ""), "YAML config file; KIM_* env vars override it")
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	ids.SetNodeID(cfg.Node.Snowflake)
	if cfg.Node.ID == "" {
		cfg.Node.ID = ids.GenerateString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	if err != nil {
		logger.Error("kelmah-im exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(ctx context.Context, cfg *config.AppConfig) error {
	a := newApp(cfg)
	defer a.close()

	// 1) 基础设施: redis / nats / kafka / postgres, each optional
	if err := a.openInfra(ctx); err != nil {
		return err
	}
	// 2) 会话与消息存储
	repo, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	// 3) presence hub, notifier, delivery
	if err := a.buildDomain(ctx, repo); err != nil {
		return err
	}
	// 4) HTTP + WebSocket, gRPC health
	if err := a.serve(); err != nil {
		return err
	}
	// 5) remote config and registration
	a.startNacos(ctx)

	logger.Info("kelmah-im started",
		zap.String("node", cfg.Node.ID),
		zap.String("http", cfg.HTTP.Addr),
		zap.String("store", cfg.Store.Engine))

	select {
	case <-ctx.Done():
	case err := <-a.fatal:
		logger.Error("server failed", zap.Error(err))
	}

	timeout := cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	a.shutdown(sctx)
	return nil
}
