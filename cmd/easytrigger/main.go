package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/djlord-it/easy-trigger/internal/api"
	"github.com/djlord-it/easy-trigger/internal/circuitbreaker"
	"github.com/djlord-it/easy-trigger/internal/cluster"
	"github.com/djlord-it/easy-trigger/internal/config"
	"github.com/djlord-it/easy-trigger/internal/dispatcher"
	"github.com/djlord-it/easy-trigger/internal/enqueuer"
	"github.com/djlord-it/easy-trigger/internal/janitor"
	"github.com/djlord-it/easy-trigger/internal/leaderelection"
	"github.com/djlord-it/easy-trigger/internal/manifest"
	"github.com/djlord-it/easy-trigger/internal/metrics"
	"github.com/djlord-it/easy-trigger/internal/queue"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(exitInvalidConfig)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`easytrigger - multi-protocol event enqueuer

Usage:
  easytrigger <command>

Commands:
  serve      Start the enqueuers, the dispatcher and the HTTP server
  validate   Validate configuration and TRIGGERS_FILE (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables (a .env file in the working directory is loaded first):
  HTTP_ADDR                   HTTP server address (default: ":8080", or ":$PORT")
  TRIGGER_PATH                HTTP trigger prefix (default: "/fn-execute")
  AGENT_TOOL_PATH             Agent tool JSON-RPC endpoint (default: "/mcp")
  FIREHOSE_PATH               WebSocket upgrade path (default: "/firehose")

  RUNTIME_URL                 Function runtime invocation URL (required)
  RUNTIME_SECRET              HMAC secret for invocation signatures
  DISPATCHER_WORKERS          Worker pool size (default: "4")
  QUEUE_CAPACITY              Dispatch queue bound, 0 = unbounded (default: "0")
  DISPATCHER_DRAIN_TIMEOUT    Drain compensation timeout (default: "30s")
  CIRCUIT_BREAKER_THRESHOLD   Exhausted deliveries before opening, 0 = off (default: "5")
  CIRCUIT_BREAKER_COOLDOWN    Open circuit cooldown (default: "2m")

  LEDGER                      none | memory | postgres | redis (default: inferred)
  DATABASE_URL                PostgreSQL connection string (postgres ledger, leader election)
  REDIS_ADDR                  Redis address (redis ledger, cluster command bus)
  CLUSTER_CHANNEL             Redis pub/sub channel (default: "easy-trigger:cluster")
  NODE_ID                     Node name on the command bus (default: hostname)
  SHIFT_REPLAY_DELAY          Wait before a node replays a job it drained itself (default: "30s")
  DB_MAX_OPEN_CONNS           Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS           Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME        Max connection lifetime (default: "30m")

  MONGO_URL                   MongoDB URL for DATABASE triggers (optional)
  MONGO_DATABASE              MongoDB database name (required with MONGO_URL)
  RABBITMQ_RECONNECT_INTERVAL Closed consumer reconnect interval (default: "60s")
  FIREHOSE_PING_INTERVAL      WebSocket keep-alive interval (default: "30s")
  SYSTEM_READY_WINDOW         Quiet window before READY fires (default: "1s")
  TRIGGERS_FILE               YAML trigger manifest applied at startup (optional)

  RECONCILE_ENABLED           Run the ledger janitor (default: "true")
  RECONCILE_INTERVAL          Janitor interval (default: "5m")
  RECONCILE_BATCH_SIZE        Records deleted per batch (default: "500")
  JOB_RETENTION               Age before a job record is pruned (default: "1h")
  LEADER_LOCK_KEY             Advisory lock key for the janitor leader (default: "728380")
  LEADER_RETRY_INTERVAL       Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL   Leader connection ping interval (default: "2s")

  METRICS_ENABLED             Enable Prometheus metrics (default: "false")
  METRICS_ADDR                Metrics server address (default: ":9090")
  METRICS_PATH                Metrics endpoint path (default: "/metrics")
  HTTP_SHUTDOWN_TIMEOUT       Graceful HTTP shutdown timeout (default: "10s")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	var triggers *manifest.Manifest
	if cfg.TriggersFile != "" {
		m, err := manifest.Load(cfg.TriggersFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "triggers file error: %v\n", err)
			return exitInvalidConfig
		}
		triggers = m
	}

	logConfigWarnings(&cfg)

	// Metrics sink: Prometheus when enabled, no-op otherwise.
	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			log.Printf("easytrigger: metrics server listening on %s%s", cfg.MetricsAddr, cfg.MetricsPath)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("easytrigger: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("easytrigger: METRICS_ENABLED not set; metrics disabled")
	}

	// Connections.
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		conn, err := openPostgres(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitRuntimeError
		}
		defer conn.Close()
		db = conn
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		client, err := openRedis(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitRuntimeError
		}
		defer client.Close()
		rdb = client
	}

	var mongoClient *mongo.Client
	var mongoDB *mongo.Database
	if cfg.MongoURL != "" {
		client, err := openMongo(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitRuntimeError
		}
		defer client.Disconnect(context.Background())
		mongoClient = client
		mongoDB = client.Database(cfg.MongoDatabase)
		log.Printf("easytrigger: database triggers enabled (mongo database=%s)", cfg.MongoDatabase)
	} else {
		log.Println("easytrigger: MONGO_URL not set; database triggers disabled")
	}

	ledger, err := buildLedger(context.Background(), cfg, db, rdb)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up %s ledger: %v\n", cfg.Ledger, err)
		return exitRuntimeError
	}
	log.Printf("easytrigger: claim ledger=%s", cfg.Ledger)

	// Command bus. Runs until every drain compensation has been shifted.
	commanderCtx, cancelCommander := context.WithCancel(context.Background())
	defer cancelCommander()
	commander := cluster.New(cfg.NodeID, buildTransport(cfg, rdb), ledger).
		WithSelfReplayDelay(cfg.ShiftReplayDelay).
		WithMetrics(sink)
	if err := commander.Start(commanderCtx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}

	queueOpts := []queue.Option{queue.WithMetrics(sink)}
	if cfg.QueueCapacity > 0 {
		queueOpts = append(queueOpts, queue.WithCapacity(cfg.QueueCapacity))
	}
	events := queue.NewEventQueue(queueOpts...)

	deps := enqueuer.Deps{
		Queue:         events,
		Ledger:        ledger,
		Commander:     commander,
		Metrics:       sink,
		OnUnsubscribe: logUnsubscribe,
	}
	adapters := buildEnqueuers(cfg, deps, mongoDB)
	registry := enqueuer.NewRegistry(adapters.all()...)

	// Dispatcher with optional circuit breaker.
	disp := dispatcher.New(events, registry, dispatcher.NewHTTPWebhookSender(), dispatcher.Config{
		URL:     cfg.RuntimeURL,
		Secret:  cfg.RuntimeSecret,
		Workers: cfg.DispatcherWorkers,
	}).WithMetrics(sink).WithDrainTimeout(cfg.DispatcherDrainTimeout)

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerThreshold > 0 {
		breaker = circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
		disp = disp.WithBreaker(breaker)
		log.Printf("easytrigger: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}

	// Janitor, leader-gated when the ledger lives in Postgres.
	var elector *leaderelection.Elector
	var runJanitor func(ctx context.Context)
	if cfg.ReconcileEnabled && ledger != nil {
		jan := janitor.New(janitor.Config{
			Interval:  cfg.ReconcileInterval,
			Retention: cfg.JobRetention,
			BatchSize: cfg.ReconcileBatchSize,
		}, ledger).WithMetrics(sink)

		if cfg.Ledger == config.LedgerPostgres {
			elector = leaderelection.New(
				leaderelection.NewPostgresLocker(db, cfg.LeaderLockKey),
				cfg.LeaderRetryInterval,
				cfg.LeaderHeartbeatInterval,
				jan.Run,
			).WithMetrics(sink)
			runJanitor = elector.Run
			log.Printf("easytrigger: janitor runs on the elected leader (lock_key=%d)", cfg.LeaderLockKey)
		} else {
			runJanitor = jan.Run
		}
	}

	// HTTP surface: API, HTTP triggers and agent tools on gin; the firehose
	// intercepts upgrades in front of it.
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	apiHandler := api.NewHandler(registry, cfg.NodeID).
		WithQueue(events).
		WithInfo("system_ready", func() string { return fmt.Sprint(adapters.system.Ready()) })
	if db != nil {
		apiHandler.WithCheck("postgres", func(ctx context.Context) error {
			if cfg.Ledger == config.LedgerPostgres {
				return probeLedgerTable(ctx, db)
			}
			return db.PingContext(ctx)
		})
	}
	if rdb != nil {
		apiHandler.WithCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	if mongoClient != nil {
		apiHandler.WithCheck("mongo", func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) })
	}
	if breaker != nil {
		apiHandler.WithInfo("circuit_breaker", func() string { return breaker.State(cfg.RuntimeURL) })
	}
	if elector != nil {
		apiHandler.WithInfo("leader", func() string { return fmt.Sprint(elector.IsLeader()) })
	}
	apiHandler.Mount(engine)
	adapters.http.Mount(engine)
	adapters.agentTool.Mount(engine)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: adapters.firehose.Middleware(engine),
	}
	go func() {
		log.Printf("easytrigger: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("easytrigger: http server error: %v", err)
		}
	}()

	// Separate contexts enable ordered shutdown.
	intakeCtx, cancelIntake := context.WithCancel(context.Background())
	janitorCtx, cancelJanitor := context.WithCancel(context.Background())
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())

	var intakeWg, janitorWg, dispatcherWg sync.WaitGroup

	intakeWg.Add(2)
	go func() {
		defer intakeWg.Done()
		adapters.schedule.Run(intakeCtx)
	}()
	go func() {
		defer intakeWg.Done()
		adapters.rabbitmq.Run(intakeCtx)
	}()

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		disp.Run(dispatcherCtx)
	}()

	if runJanitor != nil {
		janitorWg.Add(1)
		go func() {
			defer janitorWg.Done()
			runJanitor(janitorCtx)
		}()
	} else {
		log.Println("easytrigger: janitor disabled")
	}

	if triggers != nil {
		if err := triggers.Apply(intakeCtx, registry); err != nil {
			log.Printf("easytrigger: some triggers from %s were rejected: %v", cfg.TriggersFile, err)
		}
	}

	log.Printf("easytrigger: started (node=%s, http=%s, runtime=%s, workers=%d)",
		cfg.NodeID, cfg.HTTPAddr, cfg.RuntimeURL, cfg.DispatcherWorkers)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("easytrigger: received signal %v, shutting down", received)

	// Phase 1: Stop intake (no new schedule ticks, deliveries, calls or frames)
	log.Println("easytrigger: stopping enqueuers...")
	cancelIntake()
	intakeWg.Wait()
	adapters.closeIntake()
	log.Println("easytrigger: enqueuers stopped")

	// Phase 2: Stop janitor (and give up leadership)
	if runJanitor != nil {
		log.Println("easytrigger: stopping janitor...")
		cancelJanitor()
		janitorWg.Wait()
		log.Println("easytrigger: janitor stopped")
	}

	// Phase 3: Stop dispatcher; queued events are drained to their enqueuers
	log.Println("easytrigger: stopping dispatcher (draining events)...")
	events.Close()
	cancelDispatcher()
	dispatcherWg.Wait()
	log.Println("easytrigger: dispatcher stopped")

	// Phase 4: Stop HTTP server with graceful shutdown
	log.Println("easytrigger: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("easytrigger: http server shutdown error: %v", err)
	}
	log.Println("easytrigger: http server stopped")

	// Phase 5: Leave the command bus
	commander.Close()
	cancelCommander()

	// Phase 6: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		log.Println("easytrigger: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("easytrigger: metrics server shutdown error: %v", err)
		}
		log.Println("easytrigger: metrics server stopped")
	}

	log.Println("easytrigger: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	if cfg.TriggersFile != "" {
		m, err := manifest.Load(cfg.TriggersFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitInvalidConfig
		}
		fmt.Printf("triggers file valid (%d triggers)\n", len(m.Triggers))
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("easytrigger version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
