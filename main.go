package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/smsbridge/smsbridge/config"
	"github.com/smsbridge/smsbridge/conn"
	"github.com/smsbridge/smsbridge/mcp"
	"github.com/smsbridge/smsbridge/notify"
	"github.com/smsbridge/smsbridge/store"
	"github.com/smsbridge/smsbridge/web"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML config file")
	mcpMode := flag.Bool("mcp", false, "also serve MCP tools on stdio")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	level, _ := cfg.SlogLevel() // validated by Load
	logOut := os.Stdout
	if *mcpMode {
		// stdout carries the MCP stream in this mode.
		logOut = os.Stderr
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level})))

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		slog.Error("Failed to initialize database", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notification.Enabled {
		notifier = notify.NewBark(cfg.Notification.BarkServerURL, cfg.Notification.BarkDeviceKey)
		slog.Info("Bark notifications enabled", "server", cfg.Notification.BarkServerURL)
	} else {
		slog.Info("Notifications disabled")
	}

	manager := conn.NewManager(cfg.Serial, st, notifier)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Monitor.Enabled {
		monitor := web.NewMonitor(cfg.Monitor.ListenAddr, manager, st, cfg.Monitor.Mdns)
		manager.OnEvent(monitor.Broadcast)
		go func() {
			if err := monitor.Start(); err != nil {
				slog.Error("Monitor server error", "error", err)
			}
		}()
		defer monitor.Shutdown(context.Background())
	}

	if *mcpMode {
		mcpServer := mcp.NewServer(manager, st)
		go func() {
			if err := mcpServer.Run(); err != nil {
				slog.Error("MCP server error", "error", err)
			}
		}()
	}

	if err := manager.Run(ctx); err != nil {
		slog.Error("Serial connection failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
