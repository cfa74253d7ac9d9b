package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/halcyonlabs/rendezvous/internal/config"
	"github.com/halcyonlabs/rendezvous/internal/httpserver"
	"github.com/halcyonlabs/rendezvous/internal/metrics"
	"github.com/halcyonlabs/rendezvous/internal/room"
	"github.com/halcyonlabs/rendezvous/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting rendezvousd",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"max_connections_per_ip", cfg.MaxConnectionsPerIP,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_rooms", cfg.MaxRooms,
		"default_room_ttl_minutes", cfg.DefaultRoomTTLMinutes,
		"max_room_ttl_minutes", cfg.MaxRoomTTLMinutes,
		"default_max_peers", cfg.DefaultMaxPeers,
		"room_sweep_interval", cfg.RoomSweepInterval,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("ice configuration is invalid; /webrtc/ice will report unready", "err", err)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)

	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	srv.SetMetrics(m)
	ws := signaling.NewServer(signaling.Config{
		AllowedOrigins:       cfg.AllowedOrigins,
		MaxConnectionsPerIP:  cfg.MaxConnectionsPerIP,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		Metrics:              m,
		Logger:               logger,
	})
	reg := room.NewRegistry(room.Config{
		MaxRooms:          cfg.MaxRooms,
		DefaultTTLMinutes: cfg.DefaultRoomTTLMinutes,
		MaxTTLMinutes:     cfg.MaxRoomTTLMinutes,
		DefaultMaxPeers:   cfg.DefaultMaxPeers,
		MaxPeersCap:       cfg.MaxPeersCap,
		SweepInterval:     cfg.RoomSweepInterval,
	}, ws, m, nil, logger)
	ws.Registry = reg
	reg.StartSweeper()

	srv.Mux().Handle("GET /ws", ws)

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		reg.Stop()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	reg.Stop()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
