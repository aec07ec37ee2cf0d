// coromesh-dispatcher runs a standalone dispatcher: workers register with
// it, and its status stream is mirrored to the log so a cluster can be
// watched without writing a client.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coromesh/coromesh/core/dispatch"
	"github.com/coromesh/coromesh/utils"
)

func main() {
	var (
		listenAddr = flag.String("listen", ":7170", "dispatcher listen address")
		pulse      = flag.Duration("pulse", 5*time.Second, "expected worker heartbeat interval")
		deadFactor = flag.Int("dead-factor", 4, "heartbeat intervals before a worker is declared dead")
		logLevel   = flag.String("log-level", "info", "debug, info, warn or error")
	)
	flag.Parse()

	logger := utils.NewLogger(os.Stderr, *logLevel, "coromesh-dispatcher")

	cfg := dispatch.DefaultConfig()
	cfg.PulseInterval = *pulse
	cfg.DeadFactor = *deadFactor
	cfg.Transport.ListenAddr = *listenAddr

	registry := prometheus.NewRegistry()

	d := dispatch.New(cfg, logger)
	d.AddObserver(dispatch.NewMetrics(registry))
	d.Mux().Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	if err := d.Start(); err != nil {
		logger.Error("start failed", "error", err)
		os.Exit(1)
	}

	sub, err := d.SubscribeStatus()
	if err != nil {
		logger.Error("status subscription failed", "error", err)
		os.Exit(1)
	}
	go func() {
		for st := range sub.Events() {
			logger.Info("status",
				"kind", st.Kind,
				"worker", st.WorkerID,
				"job", st.JobID,
				"computation", st.Computation,
				"error", st.Error)
		}
	}()

	shutdown := utils.NewGracefulShutdown(30*time.Second, logger)
	shutdown.Register(d.Stop)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("signal received")

	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
}
