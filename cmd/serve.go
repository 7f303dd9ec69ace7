package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/equipment-resolver/internal/monitoring"
	"github.com/sells-group/equipment-resolver/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the resolution and escalation HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store, env.Breakers, env.Metrics),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)
		go checker.Run(ctx)

		srv := newHTTPServer(env, cfg.Server.Port)
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return eris.Wrap(err, "server listen")
		}

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		return serveUntilDone(ctx, srv, ln, shutdownGrace)
	},
}

const shutdownGrace = 15 * time.Second

// serveUntilDone serves on ln until ctx is cancelled, then drains in-flight
// requests. It returns only after the drain finishes.
func serveUntilDone(ctx context.Context, srv *http.Server, ln net.Listener, grace time.Duration) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server serve")
	}
	<-done
	return nil
}

func newHTTPServer(env *resolverEnv, port int) *http.Server {
	api := server.New(server.Config{
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	}, env.Orchestrator, env.Queue, env.Store, server.WithMetrics(env.Metrics.Handler()))

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
