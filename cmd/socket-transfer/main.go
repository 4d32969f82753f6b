// Command socket-transfer runs the TCP relay, load balancer, health
// checker, and UDP forwarder pair as a single long-lived process.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"socket-transfer/internal/applog"
	"socket-transfer/internal/config"
	"socket-transfer/internal/transfer"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	opts := transfer.Options{
		Port:      cfg.ListenPort,
		Address:   cfg.ListenAddress,
		Bind:      cfg.Bind,
		Strategy:  cfg.Strategy,
		Targets:   toTargets(cfg.Targets),
		Heartbeat: cfg.Heartbeat,
		Upstream:  cfg.UDPUpstream,
	}

	supervisor, err := transfer.NewSupervisor(opts)
	if err != nil {
		log.Fatalf("supervisor: %v", err)
	}

	port, err := supervisor.Listen()
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	applog.Emit("info", "socket-transfer", map[string]string{"port": strconv.Itoa(port)},
		"socket transfer listening")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := supervisor.Stop(ctx); err != nil {
		log.Printf("stop: %v", err)
	}
	_ = metricsServer.Close()
}

func toTargets(specs []config.TargetSpec) []transfer.Target {
	out := make([]transfer.Target, len(specs))
	for i, t := range specs {
		out[i] = transfer.Target{Port: t.ID, Weight: t.Weight}
	}
	return out
}

