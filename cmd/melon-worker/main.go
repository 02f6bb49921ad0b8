// Command melon-worker is the worker daemon: it registers with a
// master, heartbeats, and runs the jobs the master assigns to it via
// its own RPC server.
package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/protortyp/melon/internal/cgroup"
	"github.com/protortyp/melon/internal/hardware"
	"github.com/protortyp/melon/internal/logging"
	"github.com/protortyp/melon/internal/metrics"
	"github.com/protortyp/melon/internal/shutdown"
	"github.com/protortyp/melon/internal/tracing"
	"github.com/protortyp/melon/internal/worker"
	"github.com/protortyp/melon/internal/workerapi"
	"github.com/protortyp/melon/internal/workerclient"
)

func main() {
	masterURL := flag.String("master", "http://localhost:7000", "master RPC URL")
	listenAddr := flag.String("listen", "0.0.0.0:7100", "address this worker's RPC server binds to")
	advertiseAddr := flag.String("advertise", "", "address advertised to the master (defaults to -listen)")
	heartbeatInterval := flag.Duration("heartbeat-interval", 10*time.Second, "heartbeat interval")
	metricsPort := flag.String("metrics-port", "9091", "Prometheus metrics port")
	enableTracing := flag.Bool("tracing", false, "enable OpenTelemetry tracing")
	otlpEndpoint := flag.String("otlp-endpoint", "localhost:4318", "OTLP/HTTP collector endpoint")
	logJSON := flag.Bool("log-json", false, "emit logs as JSON")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	log := logging.New(logging.ParseLevel(*logLevel), *logJSON)

	advertise := *advertiseAddr
	if advertise == "" {
		advertise = *listenAddr
	}

	tp, err := tracing.Init(tracing.Config{
		ServiceName: "melon-worker", ServiceVersion: "dev", Environment: "production",
		OTLPEndpoint: *otlpEndpoint, Enabled: *enableTracing,
	}, log)
	if err != nil {
		log.Fatal("failed to initialize tracing", map[string]interface{}{"error": err.Error()})
	}

	reg := prometheus.NewRegistry()
	workerMetrics := metrics.NewWorker(reg)

	client := workerclient.New(*masterURL)
	cgroupMgr := cgroup.New(log)
	agent := worker.New(advertise, client, cgroupMgr, worker.Config{HeartbeatInterval: *heartbeatInterval}, log, workerMetrics)

	if err := agent.Start(hardware.Probe); err != nil {
		log.Fatal("failed to start worker agent", map[string]interface{}{"error": err.Error()})
	}

	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(tp))
	workerapi.New(agent, log).RegisterRoutes(router)

	srv := &http.Server{
		Addr:         *listenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", metrics.Handler(reg)).Methods("GET")
	metricsSrv := &http.Server{Addr: ":" + *metricsPort, Handler: metricsRouter}

	shutdownMgr := shutdown.New(30*time.Second, log)
	shutdownMgr.Register(shutdown.StopHTTPServer(srv, "rpc"))
	shutdownMgr.Register(shutdown.StopHTTPServer(metricsSrv, "metrics"))
	shutdownMgr.Register(func(ctx context.Context) error { return tp.Shutdown(ctx) })
	shutdownMgr.Register(func(ctx context.Context) error { agent.Stop(); return nil })

	go func() {
		log.Info("worker metrics server listening", map[string]interface{}{"port": *metricsPort})
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	go func() {
		log.Info("worker rpc server listening", map[string]interface{}{"addr": *listenAddr, "advertise": advertise})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("rpc server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	shutdownMgr.Wait()
}
