package reconciliation

import (
	"context"
	"sync"
	"testing"

	"poseidon/internal/domain"
	"poseidon/internal/ledger"
	"poseidon/internal/provider"
	"poseidon/internal/repository/memory"
	"poseidon/pkg/logger"
	"poseidon/pkg/metrics"
	"poseidon/pkg/money"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Transfer(ctx context.Context, req *provider.TransferRequest) (*provider.TransferResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.TransferResult), args.Error(1)
}

func (m *MockProvider) Status(ctx context.Context, reference string) (*provider.TransferResult, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.TransferResult), args.Error(1)
}

// recordingCollector counts the reconciliation metrics tests assert on.
type recordingCollector struct {
	metrics.NoOpCollector
	mu        sync.Mutex
	conflicts int
	results   map[string]int
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{results: make(map[string]int)}
}

func (c *recordingCollector) RecordConflict(trigger string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflicts++
}

func (c *recordingCollector) RecordReconciliation(trigger, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[result]++
}

func (c *recordingCollector) count(result string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[result]
}

type fixture struct {
	store     *memory.LedgerStore
	service   *Service
	collector *recordingCollector
}

func newFixture() *fixture {
	store := memory.NewLedgerStore(10)
	collector := newRecordingCollector()
	return &fixture{
		store:     store,
		service:   NewService(store, nil, collector, logger.NewNop()),
		collector: collector,
	}
}

// fundedAccount creates an internal account funded through a deposit so totals stay conserved.
func (f *fixture) fundedAccount(t *testing.T, name string, amount int64) uuid.UUID {
	t.Helper()
	a := &domain.Account{ID: uuid.New(), DisplayName: name, Kind: domain.AccountKindInternal}
	require.NoError(t, f.store.CreateAccount(context.Background(), a))
	if amount > 0 {
		_, err := f.service.ApplyDeposit(context.Background(), Deposit{
			AccountID:         a.ID,
			Amount:            amount,
			Currency:          money.NGN,
			ProviderReference: "seed-" + a.ID.String(),
		})
		require.NoError(t, err)
	}
	return a.ID
}

// reserve performs the transfer reservation step for a transfer already handed to the
// provider and returns the correlation id.
func (f *fixture) reserve(t *testing.T, sender uuid.UUID, receiver ledger.AccountRef, amount int64) string {
	t.Helper()
	return f.reserveWith(t, sender, receiver, amount, domain.Metadata{domain.MetaDispatched: true})
}

// reserveUndispatched reserves a transfer whose settlement never reached the provider.
func (f *fixture) reserveUndispatched(t *testing.T, sender uuid.UUID, receiver ledger.AccountRef, amount int64) string {
	t.Helper()
	return f.reserveWith(t, sender, receiver, amount, nil)
}

func (f *fixture) reserveWith(t *testing.T, sender uuid.UUID, receiver ledger.AccountRef, amount int64, creditMeta domain.Metadata) string {
	t.Helper()
	ctx := context.Background()
	reference := domain.NewTransferReference(f.service.now())

	err := f.store.AtomicUpdate(ctx, []ledger.AccountRef{ledger.ByID(sender), receiver}, func(ctx context.Context, tx ledger.Tx) error {
		from, err := tx.Account(sender)
		if err != nil {
			return err
		}
		to, err := tx.Resolve(receiver)
		if err != nil {
			return err
		}
		debited, err := from.Balance(money.NGN).DebitAvailable(amount)
		if err != nil {
			return err
		}
		from.SetBalance(money.NGN, debited)
		credited, err := to.Balance(money.NGN).CreditPending(amount)
		if err != nil {
			return err
		}
		to.SetBalance(money.NGN, credited)

		if err := tx.InsertEntry(ctx, &domain.LedgerEntry{
			AccountID: sender, Type: domain.EntryTypeTransfer, Direction: domain.DirectionDebit,
			Amount: amount, Currency: money.NGN, Status: domain.EntryStatusSuccess,
			ReferenceID: reference, CorrelationID: reference,
		}); err != nil {
			return err
		}
		return tx.InsertEntry(ctx, &domain.LedgerEntry{
			AccountID: to.ID, Type: domain.EntryTypeTransfer, Direction: domain.DirectionCredit,
			Amount: amount, Currency: money.NGN, Status: domain.EntryStatusPending,
			ReferenceID: domain.CreditReference(reference), CorrelationID: reference,
			Metadata: creditMeta,
		})
	})
	require.NoError(t, err)
	return reference
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) domain.BalancePair {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance(money.NGN)
}

func (f *fixture) entry(t *testing.T, reference string) *domain.LedgerEntry {
	t.Helper()
	e, err := f.store.FindEntryByReference(context.Background(), reference)
	require.NoError(t, err)
	return e
}

func (f *fixture) assertConserved(t *testing.T) {
	t.Helper()
	totals, err := f.store.Totals(context.Background())
	require.NoError(t, err)
	for _, total := range totals {
		require.True(t, total.Conserved(), "currency %s not conserved: %+v", total.Currency, total)
	}
}

var bankDestination = domain.ExternalDestination{AccountNumber: "001", BankCode: "044"}
