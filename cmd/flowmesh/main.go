// Command flowmesh runs one workflow engine process: it joins the cluster,
// heartbeats, executes workflow instances and participates in scheduler
// leader election. Multiple copies pointed at the same Postgres form a
// cluster with automatic failover.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goa.design/clue/log"

	"github.com/flowmesh/flowmesh/cluster"
	"github.com/flowmesh/flowmesh/config"
	"github.com/flowmesh/flowmesh/definition"
	"github.com/flowmesh/flowmesh/engine"
	"github.com/flowmesh/flowmesh/executor"
	"github.com/flowmesh/flowmesh/lock"
	"github.com/flowmesh/flowmesh/mutex"
	"github.com/flowmesh/flowmesh/scheduler"
	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/store/postgres"
	"github.com/flowmesh/flowmesh/telemetry"
	"github.com/flowmesh/flowmesh/workflow"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		dsnF    = flag.String("dsn", "", "Postgres DSN (overrides config)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
		demoF   = flag.Bool("demo", false, "Seed and run the demo workflow once at startup")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *dsnF != "" {
		cfg.Database.DSN = *dsnF
	}
	if cfg.Database.DSN == "" {
		log.Fatal(ctx, fmt.Errorf("no database DSN: set -dsn, database.dsn or FLOWMESH_DB_DSN"))
	}
	if *dbgF || cfg.Log.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewPromMetrics(prometheus.DefaultRegisterer, "flowmesh")
	tracer := telemetry.NewClueTracer()

	// Connect and migrate.
	db, err := postgres.Open(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatal(ctx, err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal(ctx, err)
	}
	st := postgres.New(db, postgres.WithLogger(logger))

	// Register the executors this deployment supports.
	executors := executor.NewRegistry(executor.WithLogger(logger))
	registerExecutors(executors)

	// Cluster identity and services.
	identity := cluster.NewEngineIdentity(executors.Names())
	locks := lock.NewService(st, lock.WithLogger(logger), lock.WithMetrics(metrics))
	registry := cluster.NewRegistry(st,
		cluster.WithLogger(logger),
		cluster.WithLivenessWindow(cfg.Cluster.LivenessWindow()),
	)
	eng := engine.New(identity.InstanceID, st, executors, locks,
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
		engine.WithTracer(tracer),
		engine.WithDefaultMaxRetries(cfg.Engine.DefaultMaxRetries),
		engine.WithMaxLoopIterations(cfg.Engine.MaxLoopIterations),
		engine.WithInstanceLockTTL(cfg.Engine.InstanceLockTTL()),
	)

	heartbeater := cluster.NewHeartbeater(registry, identity,
		cluster.WithInterval(cfg.Cluster.HeartbeatInterval()),
		cluster.WithHeartbeatLogger(logger),
		cluster.WithLoadReporter(func() workflow.LoadInfo {
			return workflow.LoadInfo{ActiveInstances: eng.ActiveRunCount()}
		}),
	)

	sched := scheduler.New(identity.InstanceID, st, registry, locks, eng,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
		scheduler.WithTracer(tracer),
		scheduler.WithSweepInterval(cfg.Scheduler.SweepInterval()),
		scheduler.WithRenewInterval(cfg.Scheduler.RenewInterval()),
		scheduler.WithLeaderTTL(cfg.Scheduler.LeaderTTL()),
		scheduler.WithInstanceLockTTL(cfg.Engine.InstanceLockTTL()),
	)

	defs := definition.NewService(st, locks, definition.WithLogger(logger))
	creator := mutex.NewService(st, defs, locks, eng,
		mutex.WithLogger(logger),
		mutex.WithMetrics(metrics),
	)

	log.Print(ctx, log.KV{K: "engine", V: identity.InstanceID},
		log.KV{K: "executors", V: len(executors.Names())})

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := heartbeater.Run(runCtx); err != nil && runCtx.Err() == nil {
			errc <- err
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sched.Run(runCtx); err != nil && runCtx.Err() == nil {
			errc <- err
		}
	}()

	if *demoF {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runDemo(runCtx, defs, creator, identity.InstanceID)
		}()
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Print(ctx, log.KV{K: "metrics", V: cfg.Metrics.Addr})
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errc <- err
			}
		}()
	}

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()

	// Graceful shutdown: stop executions, release leases, leave the cluster.
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	eng.Shutdown(shutdownCtx)
	_ = sched.ResignLeadership(shutdownCtx)
	if err := registry.MarkInactive(shutdownCtx, identity.InstanceID); err != nil {
		log.Errorf(ctx, err, "mark inactive")
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	wg.Wait()
	log.Printf(ctx, "exited")
}

// runDemo seeds the demo definition and starts one exclusive instance, then
// waits for its terminal state. Useful for smoke-testing a fresh cluster.
func runDemo(ctx context.Context, defs *definition.Service, creator *mutex.Service, engineID string) {
	def := &workflow.Definition{
		Name:    "demo",
		Version: 1,
		Nodes: []workflow.Node{
			{ID: "hello", Kind: workflow.NodeTask, Executor: "log",
				Config: map[string]any{"message": "hello from flowmesh"}},
			{ID: "nap", Kind: workflow.NodeTask, Executor: "sleep",
				Config: map[string]any{"durationMs": float64(100)}},
		},
	}
	if err := defs.Create(ctx, def); err != nil && !errors.Is(err, store.ErrDuplicate) {
		log.Errorf(ctx, err, "demo: create definition")
		return
	}
	if err := defs.Activate(ctx, "demo", 1, engineID); err != nil {
		log.Errorf(ctx, err, "demo: activate definition")
		return
	}
	run, err := creator.CreateExclusive(ctx, mutex.CreateRequest{
		MutexKey:       fmt.Sprintf("demo-%d", time.Now().UnixNano()),
		DefinitionName: "demo",
		CreatedBy:      engineID,
	})
	if err != nil {
		log.Errorf(ctx, err, "demo: create instance")
		return
	}
	inst, err := run.Wait(ctx)
	if err != nil {
		log.Errorf(ctx, err, "demo: instance failed")
		return
	}
	log.Print(ctx, log.KV{K: "demo", V: string(inst.Status)}, log.KV{K: "instance", V: inst.ID})
}

// registerExecutors installs the deployment's executor set. The defaults are
// small utilities useful for smoke tests; real deployments replace them.
func registerExecutors(r *executor.Registry) {
	r.Register("echo", executor.Func(func(_ context.Context, ec executor.ExecutionContext) (executor.Result, error) {
		return executor.OK(ec.Config), nil
	}))
	r.Register("sleep", executor.Func(func(ctx context.Context, ec executor.ExecutionContext) (executor.Result, error) {
		ms, _ := ec.Config["durationMs"].(float64)
		select {
		case <-ctx.Done():
			return executor.Fail(ctx.Err().Error()), nil
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return executor.OK(map[string]any{"sleptMs": ms}), nil
		}
	}))
	r.Register("log", executor.Func(func(ctx context.Context, ec executor.ExecutionContext) (executor.Result, error) {
		msg, _ := ec.Config["message"].(string)
		ec.Logger.Info(ctx, "log executor", "instance", ec.WorkflowInstanceID, "node", ec.TaskID, "message", msg)
		return executor.OK(map[string]any{"logged": msg}), nil
	}))
}
