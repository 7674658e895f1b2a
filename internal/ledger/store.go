// ==============================================================================
// LEDGER STORE CONTRACT - internal/ledger/store.go
// ==============================================================================
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"poseidon/internal/domain"
	"poseidon/pkg/errors"
	"poseidon/pkg/money"

	"github.com/google/uuid"
)

// DefaultMaxRetries bounds automatic retries of a serialization conflict.
const DefaultMaxRetries = 5

// Store owns accounts and ledger entries. All mutation passes through AtomicUpdate.
type Store interface {
	// AtomicUpdate resolves refs (creating external placeholders on demand), locks the
	// accounts in ascending id order and runs fn. Balance changes made on accounts
	// returned by the Tx, plus any inserted or updated entries, commit together or not
	// at all. Serialization conflicts are retried up to the configured bound.
	AtomicUpdate(ctx context.Context, refs []AccountRef, fn func(ctx context.Context, tx Tx) error) error

	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	CreateAccount(ctx context.Context, account *domain.Account) error
	FindEntryByReference(ctx context.Context, reference string) (*domain.LedgerEntry, error)
	FindEntriesByCorrelation(ctx context.Context, correlationID string) ([]*domain.LedgerEntry, error)
	ListEntriesByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*domain.LedgerEntry, error)
	FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.LedgerEntry, error)
	SumDebitsSince(ctx context.Context, accountID uuid.UUID, currency domain.Currency, since time.Time) (int64, error)
	Totals(ctx context.Context) ([]CurrencyTotal, error)
	Ping(ctx context.Context) error
}

// Tx is the locked view handed to an AtomicUpdate callback.
type Tx interface {
	// Account returns the locked working copy of an account. Balance changes made
	// with SetBalance are persisted on commit.
	Account(id uuid.UUID) (*domain.Account, error)
	// Resolve returns the locked account a ref resolved to.
	Resolve(ref AccountRef) (*domain.Account, error)
	EntryByReference(ctx context.Context, reference string) (*domain.LedgerEntry, error)
	InsertEntry(ctx context.Context, entry *domain.LedgerEntry) error
	// UpdateEntry changes status and metadata only. It fails with ErrEntryFinalized
	// when the stored entry is no longer pending.
	UpdateEntry(ctx context.Context, entry *domain.LedgerEntry) error
}

// AccountRef names an account either by id or by external bank coordinates.
type AccountRef struct {
	ID       uuid.UUID
	External *domain.ExternalDestination
}

// ByID references an existing account.
func ByID(id uuid.UUID) AccountRef {
	return AccountRef{ID: id}
}

// ByExternal references the placeholder for a bank account, created if missing.
func ByExternal(dest domain.ExternalDestination) AccountRef {
	return AccountRef{External: &dest}
}

// Key is a stable identity for the ref.
func (r AccountRef) Key() string {
	if r.External != nil {
		return ExternalKey(r.External.AccountNumber, r.External.BankCode)
	}
	return r.ID.String()
}

func (r AccountRef) String() string {
	if r.External != nil {
		return fmt.Sprintf("external(%s/%s)", r.External.AccountNumber, r.External.BankCode)
	}
	return r.ID.String()
}

// ExternalKey normalizes external coordinates for lookups.
func ExternalKey(accountNumber, bankCode string) string {
	return "ext:" + strings.TrimSpace(accountNumber) + "|" + strings.ToUpper(strings.TrimSpace(bankCode))
}

// NewPlaceholder builds the account created for an unseen external destination.
func NewPlaceholder(dest domain.ExternalDestination, now time.Time) *domain.Account {
	acct := strings.TrimSpace(dest.AccountNumber)
	bank := strings.ToUpper(strings.TrimSpace(dest.BankCode))
	return &domain.Account{
		ID:                    uuid.New(),
		DisplayName:           "External " + acct,
		Kind:                  domain.AccountKindExternal,
		ExternalAccountNumber: &acct,
		ExternalBankCode:      &bank,
		Balances:              map[domain.Currency]domain.BalancePair{},
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// CurrencyTotal aggregates balances and net deposits for one currency.
type CurrencyTotal struct {
	Currency  domain.Currency `json:"currency" db:"currency"`
	Available int64           `json:"available" db:"available"`
	Pending   int64           `json:"pending" db:"pending"`
	Deposits  int64           `json:"deposits" db:"deposits"`
}

// Held is everything the ledger holds in the currency, available plus pending.
func (t CurrencyTotal) Held() (money.Money, error) {
	return money.New(t.Available, t.Currency).Add(money.New(t.Pending, t.Currency))
}

// Conserved reports whether balances equal the net external deposits.
func (t CurrencyTotal) Conserved() bool {
	held, err := t.Held()
	return err == nil && held.Amount == t.Deposits
}

// SortedIDs deduplicates ids and orders them for lock acquisition.
func SortedIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ChangedBalances returns the currencies whose pair differs between before and after,
// failing if any changed pair would be negative.
func ChangedBalances(before, after *domain.Account) ([]domain.Currency, error) {
	var changed []domain.Currency
	for _, c := range after.Currencies() {
		pair := after.Balance(c)
		if pair == before.Balance(c) {
			continue
		}
		if err := pair.Validate(); err != nil {
			return nil, fmt.Errorf("%w: account %s %s", err, after.ID, c)
		}
		changed = append(changed, c)
	}
	return changed, nil
}

// RetryOnConflict runs fn until it succeeds, fails with a non-retryable error, or
// maxRetries attempts have hit a serialization conflict.
func RetryOnConflict(ctx context.Context, maxRetries int, fn func() error) error {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, errors.ErrSerializationConflict) {
			return err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "atomic update interrupted")
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxRetries, lastErr)
}
