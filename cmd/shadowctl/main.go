// shadowctl runs a demonstration pass through the governance sandbox:
// it funds two accounts, simulates a transfer in shadow mode, walks the
// sandbox through a signed promotion, and closes with a verified evidence
// record and audit export.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/chainbridge-labs/shadowcore/pkg/config"
	"github.com/chainbridge-labs/shadowcore/pkg/engine"
	"github.com/chainbridge-labs/shadowcore/pkg/gate"
)

func main() {
	var (
		profilePath = flag.String("policy", "", "path to a YAML policy profile")
		exportPath  = flag.String("export", "", "write the audit bundle to this file")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *profilePath != "" {
		cfg, err = config.LoadPolicyProfile(*profilePath, cfg)
		if err != nil {
			log.Fatalf("policy profile: %v", err)
		}
	}

	e, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	ctx := context.Background()

	if _, err := e.CreateAccount("ACC-A", "500.00", "USD"); err != nil {
		log.Fatalf("create ACC-A: %v", err)
	}
	if _, err := e.CreateAccount("ACC-B", "250.00", "USD"); err != nil {
		log.Fatalf("create ACC-B: %v", err)
	}

	tx, err := e.SimulateTransaction(ctx, "ACC-A", "ACC-B", "250.00", "USD")
	if err != nil {
		log.Fatalf("simulate: %v", err)
	}
	fmt.Printf("mode=%s tx=%s status=%s\n", tx.Mode, tx.ID, tx.Status)

	printBalances(e)

	// Promotions carry a token signed by the governance authority.
	token, err := gate.SignPromotion(e.Authority(), e.Mode(), gate.ModePilot)
	if err != nil {
		log.Fatalf("promotion token: %v", err)
	}
	mode, err := e.Promote(gate.ModePilot, token)
	if err != nil {
		log.Fatalf("promote: %v", err)
	}
	fmt.Printf("promoted to %s\n", mode)

	tx, err = e.SimulateTransaction(ctx, "ACC-A", "ACC-B", "50.00", "USD")
	if err != nil {
		log.Fatalf("pilot simulate: %v", err)
	}
	fmt.Printf("mode=%s tx=%s status=%s\n", tx.Mode, tx.ID, tx.Status)

	if err := e.VerifyChain(); err != nil {
		log.Fatalf("chain verification failed: %v", err)
	}
	fmt.Printf("chain verified: head=%s entries=%d\n", e.ChainHead(), e.ChainLen())

	rec, err := e.BuildEvidence()
	if err != nil {
		log.Fatalf("evidence: %v", err)
	}
	if err := e.VerifyEvidence(rec); err != nil {
		log.Fatalf("evidence verification failed: %v", err)
	}
	fmt.Printf("evidence record %s over [%d, %d] digest=%s\n", rec.ID, rec.StartSeq, rec.EndSeq, rec.RangeDigest)

	if *exportPath != "" {
		bundle, err := e.ExportAudit(1, e.ChainLen())
		if err != nil {
			log.Fatalf("export: %v", err)
		}
		raw, err := bundle.Marshal()
		if err != nil {
			log.Fatalf("export marshal: %v", err)
		}
		if err := os.WriteFile(*exportPath, raw, 0o600); err != nil {
			log.Fatalf("export write: %v", err)
		}
		fmt.Printf("audit bundle written to %s (genesis=%s)\n", *exportPath, bundle.Genesis)
	}
}

func printBalances(e *engine.Engine) {
	for _, acct := range e.Accounts() {
		proj, err := e.ProjectedBalance(acct.ID)
		if err != nil {
			log.Fatalf("projection lookup: %v", err)
		}
		fmt.Printf("  %s real=%s projected=%s\n", acct.ID, acct.Balance, proj)
	}
}
