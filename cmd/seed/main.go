// Seeding tool that opens demo wallets, funds them through the deposit path and
// prints a bearer token for each so the API can be exercised locally.
// Usage (env overrides):
//
//	SEED_ACCOUNTS=Ada,Bola SEED_AMOUNT=50000 SEED_CURRENCY=NGN
//
// Reads DATABASE_URL and JWT_SECRET via poseidon/pkg/config
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"poseidon/internal/domain"
	"poseidon/internal/ledger"
	"poseidon/internal/reconciliation"
	"poseidon/internal/repository/postgres"
	"poseidon/pkg/config"
	pkgerrors "poseidon/pkg/errors"
	"poseidon/pkg/logger"
	"poseidon/pkg/money"
)

// seedNamespace keeps account ids stable across runs.
var seedNamespace = uuid.MustParse("6f1c2a8e-3b7d-4e55-9a51-0c4be1d0a7f3")

func main() {
	cfg := config.Load()
	log := logger.NewFromConfig("ledger-seed", cfg.Log)

	names := strings.Split(getenv("SEED_ACCOUNTS", "Ada Lovelace,Bola Tinubu"), ",")
	currency, err := money.ParseCurrency(getenv("SEED_CURRENCY", cfg.Limits.DefaultCurrency))
	if err != nil {
		log.Fatal("Invalid SEED_CURRENCY", map[string]interface{}{"error": err.Error()})
	}
	amount, err := money.Parse(getenv("SEED_AMOUNT", "50000"), currency)
	if err != nil {
		log.Fatal("Invalid SEED_AMOUNT", map[string]interface{}{"error": err.Error()})
	}

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	store := postgres.NewLedgerStore(db, cfg.Store.MaxRetries)
	reconciler := reconciliation.NewService(store, nil, nil, log)
	ctx := context.Background()

	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id := ensureAccount(ctx, store, log, name)

		result, err := reconciler.ApplyDeposit(ctx, reconciliation.Deposit{
			AccountID:         id,
			Amount:            amount.Amount,
			Currency:          currency,
			ProviderReference: "seed-" + id.String(),
			Payload:           domain.Metadata{"source": "seed"},
		})
		if err != nil {
			log.Fatal("Deposit failed", map[string]interface{}{"error": err.Error(), "account_id": id})
		}
		log.Info("Opening deposit", map[string]interface{}{
			"account_id":  id,
			"amount":      amount.String(),
			"disposition": result.Disposition,
		})

		token, err := devToken(cfg.JWT.Secret, id)
		if err != nil {
			log.Fatal("Token signing failed", map[string]interface{}{"error": err.Error()})
		}
		fmt.Printf("%s\t%s\n\tBearer %s\n", name, id, token)
	}

	fmt.Println("OK: accounts seeded")
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func ensureAccount(ctx context.Context, store ledger.Store, log logger.Logger, name string) uuid.UUID {
	id := uuid.NewSHA1(seedNamespace, []byte(name))
	if _, err := store.GetAccount(ctx, id); err == nil {
		return id
	} else if !pkgerrors.Is(err, pkgerrors.ErrAccountNotFound) {
		log.Fatal("GetAccount failed", map[string]interface{}{"error": err.Error()})
	}

	account := &domain.Account{ID: id, DisplayName: name, Kind: domain.AccountKindInternal}
	if err := store.CreateAccount(ctx, account); err != nil && !pkgerrors.Is(err, pkgerrors.ErrAccountAlreadyExists) {
		log.Fatal("Create account failed", map[string]interface{}{"error": err.Error()})
	}
	log.Info("Account created", map[string]interface{}{"account_id": id, "name": name})
	return id
}

func devToken(secret string, id uuid.UUID) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": id.String(),
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
	}).SignedString([]byte(secret))
}
