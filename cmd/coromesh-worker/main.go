// coromesh-worker runs one worker node: it registers with a dispatcher,
// heartbeats, and executes computations placed on it. Built-in demo
// computations are registered so a fresh cluster can be exercised end to
// end; real deployments register their own before Start.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coromesh/coromesh/core/node"
	"github.com/coromesh/coromesh/core/sched"
	"github.com/coromesh/coromesh/utils"
)

func main() {
	var (
		dispatcherAddr = flag.String("dispatcher", "127.0.0.1:7170", "dispatcher host:port")
		listenAddr     = flag.String("listen", ":0", "worker listen address")
		capacity       = flag.Int("capacity", 8, "max concurrent jobs")
		pulse          = flag.Duration("pulse", 5*time.Second, "heartbeat interval")
		tags           = flag.String("tags", "", "comma-separated key=value worker tags")
		logLevel       = flag.String("log-level", "info", "debug, info, warn or error")
	)
	flag.Parse()

	logger := utils.NewLogger(os.Stderr, *logLevel, "coromesh-worker")

	cfg := node.DefaultConfig()
	cfg.DispatcherAddr = *dispatcherAddr
	cfg.Capacity = *capacity
	cfg.PulseInterval = *pulse
	cfg.Tags = parseTags(*tags)
	cfg.Transport.ListenAddr = *listenAddr

	registry := prometheus.NewRegistry()
	cfg.Metrics = registry

	n, err := node.New(cfg, logger)
	if err != nil {
		logger.Error("bad configuration", "error", err)
		os.Exit(1)
	}
	registerDemoComputations(n)
	n.Mux().Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	if err := n.Start(); err != nil {
		logger.Error("start failed", "error", err)
		os.Exit(1)
	}

	shutdown := utils.NewGracefulShutdown(30*time.Second, logger)
	shutdown.Register(n.Stop)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("signal received")
	case <-n.Done():
		logger.Info("dispatcher asked us to quit")
	}
	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
}

func parseTags(s string) map[string]string {
	if s == "" {
		return nil
	}
	tags := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		if k, v, ok := strings.Cut(pair, "="); ok {
			tags[k] = v
		}
	}
	return tags
}

// registerDemoComputations wires a few small jobs useful for smoke-testing
// a cluster.
func registerDemoComputations(n *node.Node) {
	n.RegisterComputation("echo", func(co *sched.Coro, job *node.JobContext) (json.RawMessage, error) {
		return job.Args, nil
	})

	// sum adds a list of numbers, yielding between elements so large inputs
	// stay cooperative.
	n.RegisterComputation("sum", func(co *sched.Coro, job *node.JobContext) (json.RawMessage, error) {
		var nums []float64
		if err := job.Decode(&nums); err != nil {
			return nil, err
		}
		total := 0.0
		for i, v := range nums {
			total += v
			if i%1024 == 1023 {
				if err := co.Yield(); err != nil {
					return nil, err
				}
			}
		}
		return json.Marshal(total)
	})

	// countdown streams one chunk per tick, demonstrating partial results
	// and cooperative cancellation.
	n.RegisterComputation("countdown", func(co *sched.Coro, job *node.JobContext) (json.RawMessage, error) {
		var req struct {
			From     int           `json:"from"`
			Interval time.Duration `json:"interval"`
		}
		if err := job.Decode(&req); err != nil {
			return nil, err
		}
		if req.Interval <= 0 {
			req.Interval = time.Second
		}
		for i := req.From; i > 0; i-- {
			job.Emit([]byte(fmt.Sprintf("%d", i)))
			if err := co.Sleep(req.Interval); err != nil {
				return nil, err
			}
		}
		return json.Marshal("liftoff")
	})
}
