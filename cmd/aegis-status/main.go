// Command aegis-status runs the read-only fiber status/admin HTTP
// surface (pkg/statusapi) over the control plane's durable state: cache
// stats, rate-budget status, and the trust ledger.
package main

import (
	"flag"
	"log"
	"path/filepath"

	"github.com/relayguard/aegis/pkg/cache"
	"github.com/relayguard/aegis/pkg/config"
	"github.com/relayguard/aegis/pkg/ratebudget"
	"github.com/relayguard/aegis/pkg/statusapi"
	"github.com/relayguard/aegis/pkg/trust"
)

func main() {
	addr := flag.String("addr", ":8787", "listen address")
	flag.Parse()

	cfg := config.NewDefaultConfig()

	c := cache.New(filepath.Join(cfg.StateDir, "cache"))

	alloc := ratebudget.BudgetAllocation{
		Consumers: map[string]ratebudget.ConsumerLimit{},
	}
	budget := ratebudget.NewManager(filepath.Join(cfg.StateDir, "rate-state.json"), alloc)

	tm := trust.NewManager(
		filepath.Join(cfg.StateDir, "trust-ledger.yaml"),
		filepath.Join(cfg.StateDir, "trust-history.jsonl"),
		trust.GateMorningBrief,
		func(string) (string, string, error) { return "", "", nil },
	)

	srv := statusapi.New(c, budget, tm)
	if err := srv.Listen(*addr); err != nil {
		log.Fatalf("[aegis-status] %v", err)
	}
}
