// Command melond is the master daemon: it accepts job submissions,
// places them onto registered worker nodes, and tracks job and node
// state for the lifetime of the cluster.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/protortyp/melon/internal/logging"
	"github.com/protortyp/melon/internal/masterapi"
	"github.com/protortyp/melon/internal/masterclient"
	"github.com/protortyp/melon/internal/metrics"
	"github.com/protortyp/melon/internal/readapi"
	"github.com/protortyp/melon/internal/scheduler"
	"github.com/protortyp/melon/internal/shutdown"
	"github.com/protortyp/melon/internal/store"
	"github.com/protortyp/melon/internal/tracing"
)

func main() {
	port := flag.String("port", "7000", "RPC server port")
	dbPath := flag.String("db", "melon.db", "sqlite database path (empty for in-memory, data will not persist)")
	metricsPort := flag.String("metrics-port", "9090", "Prometheus metrics port")
	enableTracing := flag.Bool("tracing", false, "enable OpenTelemetry tracing")
	otlpEndpoint := flag.String("otlp-endpoint", "localhost:4318", "OTLP/HTTP collector endpoint")
	logJSON := flag.Bool("log-json", false, "emit logs as JSON")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	log := logging.New(logging.ParseLevel(*logLevel), *logJSON)

	var repo store.Repository
	if *dbPath != "" {
		sqliteRepo, err := store.NewSQLiteRepository(*dbPath)
		if err != nil {
			log.Fatal("failed to open sqlite repository", map[string]interface{}{"error": err.Error(), "path": *dbPath})
		}
		repo = sqliteRepo
		log.Info("persistent storage enabled", map[string]interface{}{"path": *dbPath})
	} else {
		repo = store.NewMemoryRepository()
		log.Warn("using in-memory store, job state will not survive a restart", nil)
	}

	tp, err := tracing.Init(tracing.Config{
		ServiceName: "melond", ServiceVersion: "dev", Environment: "production",
		OTLPEndpoint: *otlpEndpoint, Enabled: *enableTracing,
	}, log)
	if err != nil {
		log.Fatal("failed to initialize tracing", map[string]interface{}{"error": err.Error()})
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMaster(reg)

	dispatcher := masterclient.New(&http.Client{Timeout: 10 * time.Second})
	sched := scheduler.New(repo, dispatcher, scheduler.DefaultConfig(), log, m)
	sched.Start()

	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(tp))

	masterapi.New(sched, log).RegisterRoutes(router)
	readapi.New(sched).RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + *port,
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
	shutdownMgr.Register(func(ctx context.Context) error { sched.Stop(); return nil })
	shutdownMgr.Register(shutdown.CloseResource(repo, "repository"))

	go func() {
		log.Info("metrics server listening", map[string]interface{}{"port": *metricsPort})
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	go func() {
		log.Info("master listening", map[string]interface{}{"port": *port})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("rpc server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	shutdownMgr.Wait()
	os.Exit(0)
}
