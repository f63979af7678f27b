package main

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"KelmahIM/logger"
	"KelmahIM/middleware"
	midsec "KelmahIM/middleware/security"
	"KelmahIM/module/chat/handler"
	"KelmahIM/service/chat"
	"KelmahIM/service/chat/handlers"
	"KelmahIM/tools/errs"
	"KelmahIM/tools/safe"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const healthService = "kelmah.im.Chat"

// serve starts HTTP (REST + WebSocket) and, when configured, gRPC health.
func (a *app) serve() error {
	cfg := a.cfg
	tokenOpts := midsec.DefaultOptions()

	a.gateway = chat.NewServer(chat.Deps{Hub: a.hub, Convs: a.convs, Msgs: a.msgs, Coord: a.coord}, chat.ServerConf{
		AllowOrigins:  cfg.HTTP.AllowOrigins,
		SendQueue:     cfg.Chat.SendQueue,
		MaxFrameBytes: cfg.Chat.MaxFrameBytes,
		RateLimit:     func() int { return a.live.Chat().RateLimitPerMinute },
		Token:         tokenOpts,
	})
	a.gateway.Register(handlers.All()...)

	if !strings.EqualFold(cfg.Log.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	mm := middleware.NewManager()
	mm.Add(middleware.Recovery(), middleware.AccessLog(), middleware.Origin(cfg.HTTP.AllowOrigins))
	r.Use(mm.Use())

	r.GET("/ws", a.gateway.HandleWS) // e.g. ws://localhost:8080/ws?token=...
	api := handler.New(a.convs, a.msgs, a.coord, a.hub, a.notifier)
	api.Register(middleware.NewRouter(r.Group("/api"), midsec.Middleware(a.verifier, tokenOpts)))

	lis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return errs.WrapMsg(err, "http listen", "addr", cfg.HTTP.Addr)
	}
	a.httpSrv = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	safe.SafeGo("http", func() {
		logger.Info("[HTTP] listening", zap.String("addr", lis.Addr().String()))
		if err := a.httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.fatal <- errs.WrapMsg(err, "http serve")
		}
	})

	if cfg.GRPC.Addr == "" {
		return nil
	}
	glis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return errs.WrapMsg(err, "grpc listen", "addr", cfg.GRPC.Addr)
	}
	a.grpcSrv = grpc.NewServer()
	a.health = health.NewServer()
	healthpb.RegisterHealthServer(a.grpcSrv, a.health)
	a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	a.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	safe.SafeGo("grpc", func() {
		logger.Info("[gRPC] listening", zap.String("addr", glis.Addr().String()))
		if err := a.grpcSrv.Serve(glis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			a.fatal <- errs.WrapMsg(err, "grpc serve")
		}
	})
	return nil
}
