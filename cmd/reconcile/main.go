// Command reconcile prints a ledger integrity report and exits non-zero when an
// invariant is violated.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"poseidon/internal/repository/postgres"
	"poseidon/pkg/config"
	"poseidon/pkg/logger"
	"poseidon/pkg/money"
)

type negativeBalance struct {
	AccountID string `db:"account_id"`
	Currency  string `db:"currency"`
	Available int64  `db:"available"`
	Pending   int64  `db:"pending"`
}

func main() {
	cfg := config.Load()
	log := logger.NewFromConfig("ledger-reconcile", cfg.Log)

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	store := postgres.NewLedgerStore(db, cfg.Store.MaxRetries)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Println("=========================================================")
	fmt.Println("POSEIDON LEDGER - RECONCILIATION REPORT")
	fmt.Printf("Time: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Println("=========================================================")

	failed := false

	// 1. Conservation: every minor unit held must trace back to a deposit.
	fmt.Println("\n[1] Conservation per currency")
	totals, err := store.Totals(ctx)
	if err != nil {
		log.Fatal("Failed to compute totals", map[string]interface{}{"error": err.Error()})
	}
	for _, t := range totals {
		deposited := money.New(t.Deposits, t.Currency)
		held, err := t.Held()
		if err != nil {
			fmt.Printf("    [FAIL] %s held balance overflows: %v\n", t.Currency, err)
			failed = true
			continue
		}
		if t.Conserved() {
			fmt.Printf("    [PASS] %s held %s = deposited %s\n", t.Currency, held.Major(), deposited.Major())
			continue
		}
		fmt.Printf("    [FAIL] %s held %s != deposited %s\n", t.Currency, held.Major(), deposited.Major())
		failed = true
	}

	// 2. Negative balances
	fmt.Println("\n[2] Negative balance check")
	var negatives []negativeBalance
	if err := db.SelectContext(ctx, &negatives, `
		SELECT account_id, currency, available, pending
		FROM balances
		WHERE available < 0 OR pending < 0
	`); err != nil {
		log.Fatal("Failed to query negative balances", map[string]interface{}{"error": err.Error()})
	}
	for _, n := range negatives {
		fmt.Printf("    [ALERT] Account %s %s available=%d pending=%d\n", n.AccountID, n.Currency, n.Available, n.Pending)
	}
	if len(negatives) == 0 {
		fmt.Println("    [PASS] No negative balances detected.")
	} else {
		failed = true
	}

	// 3. Transfers the sweep has not resolved within a day
	fmt.Println("\n[3] Stuck transfers (>24h pending)")
	stuck, err := store.FindStalePending(ctx, time.Now().UTC().Add(-24*time.Hour), 500)
	if err != nil {
		log.Error("Failed to query stuck transfers", map[string]interface{}{"error": err.Error()})
	} else {
		for _, e := range stuck {
			fmt.Printf("    [WARN] %s pending since %s (%s)\n", e.ReferenceID, e.CreatedAt.Format(time.RFC3339), e.Money())
		}
		if len(stuck) == 0 {
			fmt.Println("    [PASS] No stuck transfers detected.")
		}
	}

	fmt.Println("\n=========================================================")
	if failed {
		fmt.Println("RECONCILIATION FAILED")
		os.Exit(1)
	}
	fmt.Println("RECONCILIATION COMPLETE")
}
