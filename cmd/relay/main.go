// Package main provides the chat relay server: a line-oriented TCP service
// where clients pick a name, join a room, and exchange messages.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chatrelay/internal/admin"
	"github.com/cory-johannsen/chatrelay/internal/chat/room"
	"github.com/cory-johannsen/chatrelay/internal/config"
	"github.com/cory-johannsen/chatrelay/internal/frontend/handlers"
	"github.com/cory-johannsen/chatrelay/internal/frontend/telnet"
	"github.com/cory-johannsen/chatrelay/internal/frontend/ws"
	"github.com/cory-johannsen/chatrelay/internal/observability"
	"github.com/cory-johannsen/chatrelay/internal/scripting"
	"github.com/cory-johannsen/chatrelay/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file (defaults and RELAY_* environment when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting chat relay",
		zap.String("telnet_addr", cfg.Telnet.Addr()),
		zap.Bool("websocket_enabled", cfg.WebSocket.Enabled()),
		zap.Bool("admin_enabled", cfg.Admin.Enabled()),
	)

	filter, err := scripting.NewFilter(cfg.Chat.FilterScript, cfg.Chat.ScriptInstructionLimit, logger,
		scripting.WithPoolSize(cfg.Chat.FilterPoolSize))
	if err != nil {
		logger.Fatal("loading filter script", zap.String("path", cfg.Chat.FilterScript), zap.Error(err))
	}
	defer filter.Close()

	registry := room.NewRegistry(logger)
	chatHandler := handlers.NewChatHandler(registry, filter, cfg.Chat, logger)
	acceptor := telnet.NewAcceptor(cfg.Telnet, chatHandler, logger)

	lifecycle := server.NewLifecycle(logger)

	if cfg.Admin.Enabled() {
		adminServer := admin.NewServer(cfg.Admin, logger)
		lifecycle.Add("admin", &server.FuncService{
			StartFn: adminServer.ListenAndServe,
			StopFn:  adminServer.Stop,
		})
		shutdown := make(chan struct{})
		marked := make(chan struct{})
		go func() {
			defer close(marked)
			markServingWhenListening(acceptor, adminServer, shutdown)
		}()
		lifecycle.OnShutdown(func() {
			close(shutdown)
			<-marked
			adminServer.SetServing(false)
		})
	}

	lifecycle.Add("telnet", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	activeSessions := acceptor.ActiveSessions
	if cfg.WebSocket.Enabled() {
		wsServer := ws.NewServer(cfg.WebSocket, chatHandler, logger)
		lifecycle.Add("websocket", &server.FuncService{
			StartFn: wsServer.ListenAndServe,
			StopFn:  wsServer.Stop,
		})
		activeSessions = func() int { return acceptor.ActiveSessions() + wsServer.ActiveSessions() }
	}

	lifecycle.OnShutdown(func() {
		logger.Info("draining sessions",
			zap.Int("active_sessions", activeSessions()),
			zap.Int("rooms", registry.Len()),
			zap.Strings("room_names", registry.Names()),
		)
	})

	logger.Info("relay initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// markServingWhenListening reports SERVING once the acceptor has bound its
// port, unless shutdown begins first.
func markServingWhenListening(acceptor *telnet.Acceptor, adminServer *admin.Server, shutdown <-chan struct{}) {
	select {
	case <-acceptor.Ready():
		adminServer.SetServing(true)
	case <-shutdown:
	}
}
