package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talkincode/whatsgate/config"
	"github.com/talkincode/whatsgate/internal/app"
	"github.com/talkincode/whatsgate/internal/gateway"
	"github.com/talkincode/whatsgate/internal/gatewayapi"
	"github.com/talkincode/whatsgate/internal/waproto"
	"github.com/talkincode/whatsgate/internal/webserver"
	"go.uber.org/zap"
)

var (
	cfile  = flag.String("c", "whatsgate.yml", "config file")
	initdb = flag.Bool("initdb", false, "drop and recreate all tables, then exit")
)

func main() {
	flag.Parse()

	cfg := config.LoadConfig(*cfile)
	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initdb {
		application.InitDb()
		fmt.Println("database initialized")
		return
	}

	dialer, err := waproto.NewMeowDialer(application.DB(), cfg.Database.Type)
	if err != nil {
		zap.S().Fatalf("whatsapp device store init failed: %v", err)
	}

	svc, err := gateway.NewService(application.SessionStore(), dialer, application.Bus(), gateway.Config{
		RequestTimeout: time.Duration(cfg.Gateway.RequestTimeout) * time.Second,
		SettleDelay:    time.Duration(cfg.Gateway.SettleDelay) * time.Second,
		RetryDelay:     time.Duration(cfg.Gateway.RetryDelay) * time.Second,
		MaxRetries:     cfg.Gateway.MaxRetries,
		Workers:        cfg.Gateway.Workers,
	})
	if err != nil {
		zap.S().Fatalf("gateway init failed: %v", err)
	}
	defer svc.Release()

	ws := webserver.Init(application)
	gatewayapi.InitRouter(application, svc)

	errCh := make(chan error, 1)
	go func() {
		errCh <- ws.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			zap.S().Errorf("web server stopped: %v", err)
		}
	case sig := <-sigCh:
		zap.L().Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ws.Shutdown(ctx); err != nil {
			zap.S().Errorf("web server shutdown error: %v", err)
		}
	}
}
