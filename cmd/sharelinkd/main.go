package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/sheerbytes/sharelink/internal/config"
	"github.com/sheerbytes/sharelink/internal/logging"
	"github.com/sheerbytes/sharelink/internal/session"
	"github.com/sheerbytes/sharelink/internal/signaling"
	"github.com/sheerbytes/sharelink/internal/termio"
)

const serverVersion = "v0.2.0"

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printServerUsage()
		termio.Flush()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		termio.Flush()
		return
	}
	cfg := config.ParseServerConfig()
	logger := logging.New("sharelinkd", cfg.LogLevel)

	opts := options(cfg)
	opts.Logger = logger
	srv := signaling.NewServer(opts)
	defer srv.Close()

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server", "addr", addr, "static_dir", cfg.StaticDir, "session_timeout", cfg.SessionTimeout)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func options(cfg config.ServerConfig) signaling.ServerOptions {
	return signaling.ServerOptions{
		Policy: session.Policy{
			MaxParticipants: cfg.MaxParticipants,
			TTL:             cfg.SessionTimeout,
			MaxSessions:     cfg.MaxSessions,
		},
		MaxMessageBytes: cfg.MaxMessageBytes,
		MaxConnections:  cfg.MaxConnections,
		IdleTimeout:     cfg.IdleTimeout,
		ConnectRate:     perMinute(cfg.ConnectsPerMin),
		ConnectBurst:    cfg.ConnectsBurst,
		MessageRate:     rate.Limit(cfg.MsgsPerSec),
		MessageBurst:    cfg.MsgsBurst,
		CreateRate:      perMinute(cfg.SessionCreatesPerMin),
		CreateBurst:     cfg.SessionCreatesBurst,
		TurnServers:     cfg.TurnServers,
		TurnSecret:      cfg.TurnSecret,
		TurnTTL:         cfg.TurnTTL,
		StaticDir:       cfg.StaticDir,
	}
}

func perMinute(n int) rate.Limit {
	if n <= 0 {
		return 0
	}
	return rate.Limit(float64(n) / 60)
}

func printServerUsage() {
	w := termio.Stderr()
	fmt.Fprintln(w, "usage: sharelinkd [flags]")
	fmt.Fprintln(w, "  --port N                     server port (default 3000, env PORT)")
	fmt.Fprintln(w, "  --log-level LEVEL            debug, info (default), warn, error")
	fmt.Fprintln(w, "  --static-dir DIR             serve a static web client at /")
	fmt.Fprintln(w, "  --max-sessions N             max concurrent shares (default 1000, 0 = unlimited)")
	fmt.Fprintln(w, "  --max-participants N         max receivers per share (default 0 = unlimited)")
	fmt.Fprintln(w, "  --max-message-bytes N        max websocket message size (default 65536)")
	fmt.Fprintln(w, "  --max-connections N          max concurrent websocket connections (default 2000)")
	fmt.Fprintln(w, "  --connects-per-min N         websocket connects per minute per IP (default 60)")
	fmt.Fprintln(w, "  --connects-burst N           websocket connect burst per IP (default 20)")
	fmt.Fprintln(w, "  --msgs-per-sec N             messages per second per connection (default 50)")
	fmt.Fprintln(w, "  --msgs-burst N               message burst per connection (default 100)")
	fmt.Fprintln(w, "  --session-creates-per-min N  share creations per minute per IP (default 10)")
	fmt.Fprintln(w, "  --session-creates-burst N    share creation burst per IP (default 5)")
	fmt.Fprintln(w, "  --idle-timeout DURATION      websocket idle timeout (default 10m)")
	fmt.Fprintln(w, "  --session-timeout DURATION   max share lifetime (default 0 = unlimited)")
	fmt.Fprintln(w, "  --turn-server URLS           TURN server URLs (repeatable, comma-separated)")
	fmt.Fprintln(w, "  --turn-static-auth-secret S  TURN REST static auth secret (coturn use-auth-secret)")
	fmt.Fprintln(w, "  --turn-cred-ttl DURATION     TURN credential TTL (default 1h)")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
