package main

import (
	"log"

	"github.com/djlord-it/easy-trigger/internal/config"
)

// logConfigWarnings logs startup warnings for configurations that lose
// events or duplicate work across instances. P0 means events can be lost or
// run twice, P1 means reduced visibility or reach.
func logConfigWarnings(cfg *config.Config) {
	switch cfg.Ledger {
	case config.LedgerNone:
		log.Println("easytrigger: WARNING [P0]: LEDGER=none; every instance runs every shared trigger and drained jobs cannot be shifted")
	case config.LedgerMemory:
		log.Println("easytrigger: WARNING [P0]: LEDGER=memory; claims are local to this process and do not deduplicate across instances")
	}

	if cfg.RedisAddr == "" {
		log.Println("easytrigger: WARNING [P1]: REDIS_ADDR not set; SYNC and SHIFT commands stay on this node")
	}

	if !cfg.MetricsEnabled {
		log.Println("easytrigger: WARNING [P1]: METRICS_ENABLED=false; queue depth and delivery failures are not observable")
	}

	if !cfg.ReconcileEnabled && (cfg.Ledger == config.LedgerPostgres || cfg.Ledger == config.LedgerRedis) {
		log.Println("easytrigger: WARNING [P1]: RECONCILE_ENABLED=false; orphaned job records are never pruned")
	}

	if cfg.CircuitBreakerThreshold == 0 {
		log.Println("easytrigger: INFO: CIRCUIT_BREAKER_THRESHOLD=0; circuit breaker disabled")
	}
}
