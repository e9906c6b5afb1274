package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/djlord-it/easy-trigger/internal/claim"
	"github.com/djlord-it/easy-trigger/internal/claim/postgres"
	"github.com/djlord-it/easy-trigger/internal/claim/redisledger"
	"github.com/djlord-it/easy-trigger/internal/cluster"
	"github.com/djlord-it/easy-trigger/internal/config"
	"github.com/djlord-it/easy-trigger/internal/domain"
	"github.com/djlord-it/easy-trigger/internal/enqueuer"
	"github.com/djlord-it/easy-trigger/internal/enqueuer/agenttool"
	"github.com/djlord-it/easy-trigger/internal/enqueuer/database"
	"github.com/djlord-it/easy-trigger/internal/enqueuer/firehose"
	"github.com/djlord-it/easy-trigger/internal/enqueuer/grpctrigger"
	"github.com/djlord-it/easy-trigger/internal/enqueuer/httptrigger"
	"github.com/djlord-it/easy-trigger/internal/enqueuer/rabbitmq"
	"github.com/djlord-it/easy-trigger/internal/enqueuer/schedule"
	"github.com/djlord-it/easy-trigger/internal/enqueuer/system"
)

// connectTimeout bounds every startup connection attempt.
const connectTimeout = 10 * time.Second

// redisPrefix namespaces ledger keys in a shared Redis.
const redisPrefix = "easy-trigger:"

func openPostgres(cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	log.Printf("easytrigger: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

func openRedis(cfg config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

func openMongo(cfg config.Config) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURL))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// buildLedger returns the claim ledger selected by LEDGER. A nil store means
// single-instance mode.
func buildLedger(ctx context.Context, cfg config.Config, db *sql.DB, rdb *redis.Client) (claim.Store, error) {
	switch cfg.Ledger {
	case config.LedgerNone:
		return nil, nil
	case config.LedgerMemory:
		return claim.NewMemoryStore(), nil
	case config.LedgerPostgres:
		if db == nil {
			return nil, fmt.Errorf("postgres ledger needs a database connection")
		}
		store := postgres.New(db)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.LedgerRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis ledger needs a redis connection")
		}
		return redisledger.New(rdb, redisPrefix, cfg.JobRetention), nil
	}
	return nil, fmt.Errorf("unknown ledger %q", cfg.Ledger)
}

// buildTransport carries cluster commands over Redis when it is configured.
// Without Redis the node talks only to itself.
func buildTransport(cfg config.Config, rdb *redis.Client) cluster.Transport {
	if rdb == nil {
		return cluster.NewMemoryHub()
	}
	return cluster.NewRedisTransport(rdb, cfg.ClusterChannel)
}

// enqueuers groups the protocol adapters so the server can run and stop
// them individually.
type enqueuers struct {
	http      *httptrigger.Enqueuer
	database  *database.Enqueuer // nil without MONGO_URL
	schedule  *schedule.Enqueuer
	rabbitmq  *rabbitmq.Enqueuer
	grpc      *grpctrigger.Enqueuer
	firehose  *firehose.Enqueuer
	agentTool *agenttool.Enqueuer
	system    *system.Enqueuer
}

func buildEnqueuers(cfg config.Config, deps enqueuer.Deps, mongoDB *mongo.Database) *enqueuers {
	e := &enqueuers{
		http:      httptrigger.New(deps, cfg.TriggerPath),
		schedule:  schedule.New(deps),
		rabbitmq:  rabbitmq.New(deps, rabbitmq.Dial).WithReconnectInterval(cfg.RabbitMQReconnectInterval),
		grpc:      grpctrigger.New(deps),
		firehose:  firehose.New(deps, cfg.FirehosePath).WithPingInterval(cfg.FirehosePingInterval),
		agentTool: agenttool.New(deps, cfg.AgentToolPath, version),
		system:    system.New(deps).WithReadyWindow(cfg.SystemReadyWindow),
	}
	if mongoDB != nil {
		e.database = database.New(deps, database.NewMongoWatcher(mongoDB))
	}
	return e
}

func (e *enqueuers) all() []enqueuer.Enqueuer {
	out := []enqueuer.Enqueuer{e.http, e.schedule, e.rabbitmq, e.grpc, e.firehose, e.agentTool, e.system}
	if e.database != nil {
		out = append(out, e.database)
	}
	return out
}

// closeIntake stops every source of new events except the HTTP listener,
// which is shut down after the dispatcher has drained.
func (e *enqueuers) closeIntake() {
	e.rabbitmq.Close()
	if e.database != nil {
		e.database.Close()
	}
	e.system.Close()
	e.grpc.Close()
	e.firehose.Close()
}

func logUnsubscribe(typ domain.EventType, target domain.Target) {
	log.Printf("easytrigger: %s trigger removed for %s:%s", typ, target.Cwd, target.Handler)
}
