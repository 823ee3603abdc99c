package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pi-dev/pi-server/internal/api"
	"github.com/pi-dev/pi-server/internal/config"
	"github.com/pi-dev/pi-server/internal/gateway"
	"github.com/pi-dev/pi-server/internal/runtime"
	"github.com/pi-dev/pi-server/internal/sandbox"
	"github.com/pi-dev/pi-server/internal/skills"
	"github.com/pi-dev/pi-server/internal/store"
	"github.com/pi-dev/pi-server/internal/watcher"
	"github.com/pi-dev/pi-server/internal/workspace"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "setup-mcp":
			os.Exit(runSetupMCP(os.Args[2:]))
		case "install-skill":
			os.Exit(runInstallSkill(os.Args[2:]))
		}
	}
	os.Exit(runServer(os.Args[1:]))
}

func runServer(args []string) int {
	fs := flag.NewFlagSet("pi-server", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to pi-server.yaml")
	fs.Parse(args)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		return 1
	}
	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		logger.Error("create data root", "error", err)
		return 1
	}

	st, err := store.New(cfg.DBPath())
	if err != nil {
		logger.Error("open store", "error", err)
		return 1
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sb, err := sandbox.NewManager(cfg.Sandbox, cfg.WorkspacesRoot(), cfg.SkillsDir, logger)
	if err != nil {
		logger.Error("sandbox manager", "error", err)
		return 1
	}
	defer sb.Close()

	if sb.Enabled() {
		if !sb.Available(ctx) {
			logger.Warn("sandbox enabled but container runtime unreachable; sessions will run on host")
		} else if !sb.ImageAvailable(ctx) {
			logger.Warn("sandbox image not found locally; sessions will run on host", "image", cfg.Sandbox.Image)
		} else {
			logger.Info("sandbox ready", "image", cfg.Sandbox.Image)
		}
	}

	reg := skills.NewRegistry(cfg.SkillsDir, logger)
	if err := reg.Load(); err != nil {
		logger.Warn("loading skills", "error", err)
	}

	wsvc := workspace.NewService(cfg.WorkspacesRoot(), logger)
	watchers := watcher.NewRegistry(logger)

	table := runtime.NewTable(runtime.Deps{
		Store:   st,
		Sandbox: sb,
		Skills:  reg,
		Factory: newAgent,
		Agent:   cfg.Agent,
		Logger:  logger,
	})

	gw := gateway.New(st, table, watchers, wsvc, logger)
	srv := api.NewServer(api.Deps{
		Config:   cfg,
		Store:    st,
		Files:    wsvc,
		Watchers: watchers,
		Runtimes: table,
		Sandbox:  sb,
		Skills:   reg,
		Gateway:  gw,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streams stay open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		table.DisposeAll()
		watchers.Close()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Listen, "data_root", cfg.DataRoot)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		return 1
	}
	return 0
}

func fatalf(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	return 1
}
