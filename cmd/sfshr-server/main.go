// Command sfshr-server runs the relay: it accepts uploads, stores them
// as expiring blobs, and streams them back out to anyone holding the
// download token.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ondralukes/sfshr/internal/config"
	"github.com/ondralukes/sfshr/internal/logging"
	"github.com/ondralukes/sfshr/internal/server"
)

func main() {
	configPath := flag.String("config", "config", "path to the relay config file")
	flag.StringVar(configPath, "c", "config", "")
	listenAddr := flag.String("listen", "0.0.0.0:40788", "address to accept TCP connections on")
	metricsAddr := flag.String("metrics", "", "address for the Prometheus /metrics endpoint (empty disables it)")
	rateLimitMbps := flag.Float64("rate-limit-mbps", 0, "bandwidth cap per download session in Mbps (0 = use the config's RATE_LIMIT_MBPS; unlimited when both are 0)")
	verbosity := flag.Int("v", 1, "log verbosity (0=info, 1 or more=debug)")
	flag.Parse()

	logging.SetLevel(*verbosity)
	defer logging.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}
	if *rateLimitMbps > 0 {
		cfg.RateLimitMbps = *rateLimitMbps
	}

	srv, err := server.New(cfg)
	if err != nil {
		logging.Error("failed to initialize server", zap.Error(err))
		os.Exit(1)
	}

	if err := srv.Start(*listenAddr, *metricsAddr); err != nil {
		logging.Error("failed to start server", zap.Error(err))
		os.Exit(1)
	}
	fmt.Printf("sfshr-server listening on %s\n", *listenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logging.Info("shutting down")
	if err := srv.Shutdown(); err != nil {
		logging.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}
}
