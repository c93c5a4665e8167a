package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/balookrd/ws2tcp/internal/proxychannel"
	"github.com/balookrd/ws2tcp/internal/wslog"
	"github.com/balookrd/ws2tcp/internal/wsmetrics"
	"github.com/balookrd/ws2tcp/internal/wsserver"
)

var (
	bindAddr    string
	logLevel    string
	metricsAddr string
	dialTimeout time.Duration
	cancelGrace time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "ws2tcp TCP_SERVER_ADDR",
	Short: "Bridge WebSocket clients to a plain TCP server",
	Long: `ws2tcp accepts RFC 6455 WebSocket connections and relays their payload
bytes to and from a single backend TCP server, one proxy channel per client
connection.`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.Flags().StringVar(&bindAddr, "bind-addr", "0.0.0.0:13892", "address the WebSocket listener binds to")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	rootCmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "timeout for connecting to the backend TCP server")
	rootCmd.Flags().DurationVar(&cancelGrace, "shutdown-grace", time.Second, "grace period for in-flight channels to flush on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	backendAddr := args[0]

	level, err := wslog.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	log, err := wslog.New(level)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *wsmetrics.Metrics
	if metricsAddr != "" {
		m, reg := wsmetrics.New()
		metrics = m
		go func() {
			if err := wsmetrics.Serve(ctx, metricsAddr, reg); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
		log.Info("metrics listening", zap.String("addr", metricsAddr))
	}

	srv := wsserver.New(wsserver.Config{
		BindAddr: bindAddr,
		Channel: proxychannel.Config{
			BackendAddr: backendAddr,
			DialTimeout: dialTimeout,
			CancelGrace: cancelGrace,
		},
	}, log, metrics)

	log.Info("starting ws2tcp",
		zap.String("bind_addr", bindAddr),
		zap.String("backend_addr", backendAddr),
	)

	if err := srv.Serve(ctx); err != nil {
		log.Error("accept loop exited with error", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
