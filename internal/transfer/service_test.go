package transfer

import (
	"context"
	"sync"
	"testing"
	"time"

	"poseidon/internal/domain"
	"poseidon/internal/ledger"
	"poseidon/internal/limits"
	"poseidon/internal/provider"
	"poseidon/internal/reconciliation"
	"poseidon/internal/repository/memory"
	"poseidon/internal/worker"
	"poseidon/pkg/config"
	pkgerrors "poseidon/pkg/errors"
	"poseidon/pkg/logger"
	"poseidon/pkg/metrics"
	"poseidon/pkg/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

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

// queuedScheduler holds tasks until the test runs them.
type queuedScheduler struct {
	mu    sync.Mutex
	tasks []worker.Task
	err   error
}

func (q *queuedScheduler) Submit(_ context.Context, task worker.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *queuedScheduler) drain(t *testing.T) {
	t.Helper()
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	for _, task := range tasks {
		require.NoError(t, task.Run(context.Background()))
	}
}

// --- Fixture ---

type fixture struct {
	store      *memory.LedgerStore
	reconciler *reconciliation.Service
	provider   *MockProvider
	scheduler  *queuedScheduler
	service    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewLedgerStore(10)
	reconciler := reconciliation.NewService(store, nil, metrics.NoOpCollector{}, logger.NewNop())
	gate := limits.NewPolicyGate(config.LimitsConfig{
		Rules:            map[string]config.LimitRule{"NGN": {PerTransaction: 2000000, Daily: 5000000}},
		FallbackCurrency: "NGN",
	}, store)
	prov := new(MockProvider)
	scheduler := &queuedScheduler{}
	return &fixture{
		store:      store,
		reconciler: reconciler,
		provider:   prov,
		scheduler:  scheduler,
		service:    NewService(store, gate, prov, reconciler, scheduler, nil, metrics.NoOpCollector{}, logger.NewNop()),
	}
}

func (f *fixture) account(t *testing.T, name string, minor int64) uuid.UUID {
	t.Helper()
	a := &domain.Account{ID: uuid.New(), DisplayName: name, Kind: domain.AccountKindInternal}
	require.NoError(t, f.store.CreateAccount(context.Background(), a))
	if minor > 0 {
		_, err := f.reconciler.ApplyDeposit(context.Background(), reconciliation.Deposit{
			AccountID:         a.ID,
			Amount:            minor,
			Currency:          money.NGN,
			ProviderReference: "open-" + a.ID.String(),
		})
		require.NoError(t, err)
	}
	return a.ID
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) domain.BalancePair {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance(money.NGN)
}

func (f *fixture) placeholderBalance(t *testing.T, reference string) domain.BalancePair {
	t.Helper()
	credit, err := f.store.FindEntryByReference(context.Background(), domain.CreditReference(reference))
	require.NoError(t, err)
	return f.balance(t, credit.AccountID)
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
		assert.True(t, total.Conserved(), "currency %s: %+v", total.Currency, total)
	}
}

func external(sender uuid.UUID, major int64) *InitiateRequest {
	return &InitiateRequest{
		SenderID: sender,
		External: &domain.ExternalDestination{AccountNumber: "001", BankCode: "044"},
		Amount:   decimal.NewFromInt(major),
		Currency: "NGN",
	}
}

// --- Tests ---

func TestInitiateTransfer_ExternalSuccess(t *testing.T) {
	f := newFixture(t)
	sender := f.account(t, "Ada", 10000)

	receipt, err := f.service.InitiateTransfer(context.Background(), external(sender, 50))
	require.NoError(t, err)

	assert.Equal(t, domain.EntryStatusPending, receipt.Status)
	assert.Equal(t, "50.00", receipt.Amount)
	assert.Equal(t, int64(5000), receipt.AmountMinor)
	assert.Equal(t, "Ada", receipt.SenderName)
	assert.Equal(t, "External 001", receipt.ReceiverName)
	assert.Equal(t, "001", receipt.ReceiverAccount)
	assert.Equal(t, "044", receipt.ReceiverBank)
	assert.Equal(t, domain.BalancePair{Available: 5000}, receipt.SenderBalance)
	_, err = uuid.Parse(receipt.SessionID)
	assert.NoError(t, err)

	assert.Equal(t, domain.BalancePair{Available: 5000}, f.balance(t, sender))
	assert.Equal(t, domain.BalancePair{Pending: 5000}, f.placeholderBalance(t, receipt.ReferenceID))
	assert.Equal(t, domain.EntryStatusSuccess, f.entry(t, receipt.ReferenceID).Status)
	assert.Equal(t, "044", f.entry(t, receipt.ReferenceID).Metadata["to_bank"])

	f.provider.On("Transfer", mock.Anything, mock.MatchedBy(func(req *provider.TransferRequest) bool {
		return req.Reference == receipt.ReferenceID && req.Amount.Amount == 5000 && req.AccountNumber == "001" && req.BankCode == "044"
	})).Return(&provider.TransferResult{Outcome: provider.OutcomeSucceeded, Payload: domain.Metadata{"status": "SUCCESSFUL"}}, nil)

	f.scheduler.drain(t)

	assert.Equal(t, domain.BalancePair{Available: 5000}, f.placeholderBalance(t, receipt.ReferenceID))
	credit := f.entry(t, domain.CreditReference(receipt.ReferenceID))
	assert.Equal(t, domain.EntryStatusSuccess, credit.Status)
	assert.Equal(t, "direct", credit.Metadata["settled_by"])
	assert.True(t, credit.Dispatched())
	f.provider.AssertExpectations(t)
	f.assertConserved(t)
}

func TestInitiateTransfer_ExternalRejected(t *testing.T) {
	f := newFixture(t)
	sender := f.account(t, "Ada", 10000)

	receipt, err := f.service.InitiateTransfer(context.Background(), external(sender, 50))
	require.NoError(t, err)

	f.provider.On("Transfer", mock.Anything, mock.Anything).
		Return(nil, &provider.RejectedError{Code: 400, Message: "invalid account", Payload: domain.Metadata{"status": "error"}})
	f.scheduler.drain(t)

	assert.Equal(t, domain.BalancePair{Available: 10000}, f.balance(t, sender))
	assert.Equal(t, domain.BalancePair{}, f.placeholderBalance(t, receipt.ReferenceID))

	credit := f.entry(t, domain.CreditReference(receipt.ReferenceID))
	assert.Equal(t, domain.EntryStatusFailed, credit.Status)
	assert.Equal(t, "provider_failure", credit.Metadata["reason"])

	reversal := f.entry(t, domain.ReversalReference(receipt.ReferenceID))
	assert.Equal(t, domain.EntryTypeReversal, reversal.Type)
	assert.Equal(t, int64(5000), reversal.Amount)
	assert.Equal(t, sender, reversal.AccountID)

	// The debit entry is never rewritten.
	assert.Equal(t, domain.EntryStatusSuccess, f.entry(t, receipt.ReferenceID).Status)
	f.assertConserved(t)
}

func TestInitiateTransfer_ProviderUnknownLeavesPending(t *testing.T) {
	tests := []struct {
		name   string
		result *provider.TransferResult
		err    error
	}{
		{"timeout", nil, pkgerrors.ErrProviderTimeout},
		{"unavailable", nil, pkgerrors.ErrProviderUnavailable},
		{"accepted", &provider.TransferResult{Outcome: provider.OutcomePending, Status: "NEW"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			sender := f.account(t, "Ada", 10000)

			receipt, err := f.service.InitiateTransfer(context.Background(), external(sender, 30))
			require.NoError(t, err)

			f.provider.On("Transfer", mock.Anything, mock.Anything).Return(tt.result, tt.err)
			f.scheduler.drain(t)

			assert.Equal(t, domain.EntryStatusPending, f.entry(t, domain.CreditReference(receipt.ReferenceID)).Status)
			assert.Equal(t, domain.BalancePair{Available: 7000}, f.balance(t, sender))
			assert.Equal(t, domain.BalancePair{Pending: 3000}, f.placeholderBalance(t, receipt.ReferenceID))

			_, err = f.store.FindEntryByReference(context.Background(), domain.ReversalReference(receipt.ReferenceID))
			assert.ErrorIs(t, err, pkgerrors.ErrEntryNotFound)
			f.assertConserved(t)
		})
	}
}

func TestInitiateTransfer_Internal(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "Ada", 10000)
	b := f.account(t, "Bola", 0)

	receipt, err := f.service.InitiateTransfer(context.Background(), &InitiateRequest{
		SenderID:   a,
		ReceiverID: &b,
		Amount:     decimal.NewFromInt(20),
		Currency:   "NGN",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.InternalBankTag, receipt.ReceiverBank)
	assert.Equal(t, "Bola", receipt.ReceiverName)
	assert.Equal(t, b.String(), receipt.ReceiverAccount)
	assert.Equal(t, domain.BalancePair{Pending: 2000}, f.balance(t, b))

	f.scheduler.drain(t)

	assert.Equal(t, domain.BalancePair{Available: 8000}, f.balance(t, a))
	assert.Equal(t, domain.BalancePair{Available: 2000}, f.balance(t, b))
	assert.Equal(t, domain.EntryStatusSuccess, f.entry(t, domain.CreditReference(receipt.ReferenceID)).Status)
	f.provider.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything)
	f.assertConserved(t)
}

func TestInitiateTransfer_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	sender := f.account(t, "Ada", 10000)

	_, err := f.service.InitiateTransfer(context.Background(), external(sender, 150))
	assert.ErrorIs(t, err, pkgerrors.ErrInsufficientFunds)
	assert.Equal(t, domain.BalancePair{Available: 10000}, f.balance(t, sender))
	assert.Empty(t, f.scheduler.tasks)

	entries, err := f.store.ListEntriesByAccount(context.Background(), sender, 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the opening deposit")
}

func TestInitiateTransfer_Validation(t *testing.T) {
	f := newFixture(t)
	sender := f.account(t, "Ada", 10000)
	other := uuid.New()

	tests := []struct {
		name string
		req  *InitiateRequest
		want error
	}{
		{"nil request", nil, pkgerrors.ErrValidation},
		{"zero amount", &InitiateRequest{SenderID: sender, ReceiverID: &other, Amount: decimal.Zero, Currency: "NGN"}, pkgerrors.ErrInvalidAmount},
		{"negative amount", &InitiateRequest{SenderID: sender, ReceiverID: &other, Amount: decimal.NewFromInt(-5), Currency: "NGN"}, pkgerrors.ErrInvalidAmount},
		{"sub-minor precision", &InitiateRequest{SenderID: sender, ReceiverID: &other, Amount: decimal.RequireFromString("1.005"), Currency: "NGN"}, pkgerrors.ErrInvalidAmount},
		{"unsupported currency", &InitiateRequest{SenderID: sender, ReceiverID: &other, Amount: decimal.NewFromInt(1), Currency: "XXX"}, pkgerrors.ErrUnsupportedCurrency},
		{"missing destination", &InitiateRequest{SenderID: sender, Amount: decimal.NewFromInt(1), Currency: "NGN"}, pkgerrors.ErrMissingDestination},
		{"incomplete external", &InitiateRequest{SenderID: sender, External: &domain.ExternalDestination{AccountNumber: "001"}, Amount: decimal.NewFromInt(1), Currency: "NGN"}, pkgerrors.ErrMissingDestination},
		{"both destinations", &InitiateRequest{SenderID: sender, ReceiverID: &other, External: &domain.ExternalDestination{AccountNumber: "001", BankCode: "044"}, Amount: decimal.NewFromInt(1), Currency: "NGN"}, pkgerrors.ErrValidation},
		{"self transfer", &InitiateRequest{SenderID: sender, ReceiverID: &sender, Amount: decimal.NewFromInt(1), Currency: "NGN"}, pkgerrors.ErrValidation},
		{"unknown receiver", &InitiateRequest{SenderID: sender, ReceiverID: &other, Amount: decimal.NewFromInt(1), Currency: "NGN"}, pkgerrors.ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.InitiateTransfer(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, domain.BalancePair{Available: 10000}, f.balance(t, sender))
}

func TestInitiateTransfer_UnknownSender(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.InitiateTransfer(context.Background(), external(uuid.New(), 1))
	assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
}

func TestInitiateTransfer_LimitDenied(t *testing.T) {
	f := newFixture(t)
	sender := f.account(t, "Ada", 5000000)

	_, err := f.service.InitiateTransfer(context.Background(), external(sender, 20001))
	require.ErrorIs(t, err, pkgerrors.ErrLimitExceeded)

	var denied *limits.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, limits.ReasonPerTransaction, denied.Reason)
	assert.Equal(t, domain.BalancePair{Available: 5000000}, f.balance(t, sender))

	// Two transfers of 20000 exhaust 40000 of the 50000 daily allowance.
	for i := 0; i < 2; i++ {
		_, err = f.service.InitiateTransfer(context.Background(), external(sender, 20000))
		require.NoError(t, err)
	}
	_, err = f.service.InitiateTransfer(context.Background(), external(sender, 10001))
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, limits.ReasonDaily, denied.Reason)
}

func TestInitiateTransfer_QueueFullStillReturnsReceipt(t *testing.T) {
	f := newFixture(t)
	f.scheduler.err = pkgerrors.ErrQueueFull
	sender := f.account(t, "Ada", 10000)

	receipt, err := f.service.InitiateTransfer(context.Background(), external(sender, 10))
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusPending, receipt.Status)
	assert.Equal(t, domain.EntryStatusPending, f.entry(t, domain.CreditReference(receipt.ReferenceID)).Status)
}

func TestInitiateTransfer_QueueFullSettledBySweep(t *testing.T) {
	f := newFixture(t)
	f.scheduler.err = pkgerrors.ErrQueueFull
	sender := f.account(t, "Ada", 10000)
	ctx := context.Background()

	receipt, err := f.service.InitiateTransfer(ctx, external(sender, 10))
	require.NoError(t, err)
	assert.False(t, f.entry(t, domain.CreditReference(receipt.ReferenceID)).Dispatched())

	f.provider.On("Transfer", mock.Anything, mock.MatchedBy(func(req *provider.TransferRequest) bool {
		return req.Reference == receipt.ReferenceID && req.Amount.Amount == 1000 && req.AccountNumber == "001"
	})).Return(&provider.TransferResult{Outcome: provider.OutcomeSucceeded}, nil).Once()

	sweeper := reconciliation.NewSweeper(f.store, f.reconciler, f.provider, nil,
		config.ReconcileConfig{StaleAfter: -time.Minute}, nil, logger.NewNop())
	report, err := sweeper.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Examined)
	assert.Equal(t, 1, report.Dispatched)
	assert.Equal(t, 1, report.Settled)
	f.provider.AssertExpectations(t)
	f.provider.AssertNotCalled(t, "Status", mock.Anything, mock.Anything)

	assert.Equal(t, domain.EntryStatusSuccess, f.entry(t, domain.CreditReference(receipt.ReferenceID)).Status)
	assert.Equal(t, domain.BalancePair{Available: 1000}, f.placeholderBalance(t, receipt.ReferenceID))
	assert.Equal(t, domain.BalancePair{Available: 9000}, f.balance(t, sender))
	f.assertConserved(t)
}

func TestInitiateTransfer_DirectAndWebhookRace(t *testing.T) {
	f := newFixture(t)
	sender := f.account(t, "Ada", 10000)

	receipt, err := f.service.InitiateTransfer(context.Background(), external(sender, 50))
	require.NoError(t, err)
	f.provider.On("Transfer", mock.Anything, mock.Anything).
		Return(&provider.TransferResult{Outcome: provider.OutcomeSucceeded}, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.scheduler.drain(t)
	}()
	go func() {
		defer wg.Done()
		_, err := f.reconciler.HandleProviderEvent(context.Background(), reconciliation.ProviderEvent{
			Reference: receipt.ReferenceID,
			Status:    "SUCCESSFUL",
		})
		assert.NoError(t, err)
	}()
	wg.Wait()

	assert.Equal(t, domain.BalancePair{Available: 5000}, f.placeholderBalance(t, receipt.ReferenceID))
	assert.Equal(t, domain.EntryStatusSuccess, f.entry(t, domain.CreditReference(receipt.ReferenceID)).Status)
	f.assertConserved(t)
}

func TestInitiateTransfer_SettlementSurvivesRequestCancel(t *testing.T) {
	store := memory.NewLedgerStore(10)
	reconciler := reconciliation.NewService(store, nil, nil, logger.NewNop())
	pool := worker.NewPool(worker.Config{Workers: 2, QueueSize: 8, TaskTimeout: time.Second}, nil, logger.NewNop())
	prov := new(MockProvider)
	prov.On("Transfer", mock.Anything, mock.Anything).
		Return(&provider.TransferResult{Outcome: provider.OutcomeSucceeded}, nil).
		After(20 * time.Millisecond)

	gate := limits.NewPolicyGate(config.LimitsConfig{
		Rules: map[string]config.LimitRule{"NGN": {PerTransaction: 1000000, Daily: 1000000}},
	}, nil)
	service := NewService(store, gate, prov, reconciler, pool, nil, nil, logger.NewNop())

	sender := &domain.Account{ID: uuid.New(), DisplayName: "Ada", Kind: domain.AccountKindInternal}
	sender.SetBalance(money.NGN, domain.BalancePair{Available: 10000})
	require.NoError(t, store.CreateAccount(context.Background(), sender))

	ctx, cancel := context.WithCancel(context.Background())
	receipt, err := service.InitiateTransfer(ctx, external(sender.ID, 25))
	require.NoError(t, err)
	cancel()

	require.NoError(t, pool.Stop(context.Background()))

	credit, err := store.FindEntryByReference(context.Background(), domain.CreditReference(receipt.ReferenceID))
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusSuccess, credit.Status)
}

func TestGetTransfer(t *testing.T) {
	f := newFixture(t)
	sender := f.account(t, "Ada", 10000)

	receipt, err := f.service.InitiateTransfer(context.Background(), external(sender, 50))
	require.NoError(t, err)

	view, err := f.service.GetTransfer(context.Background(), receipt.ReferenceID, sender)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusPending, view.Status)
	assert.Equal(t, domain.DirectionDebit, view.Debit.Direction)
	assert.Equal(t, domain.DirectionCredit, view.Credit.Direction)
	assert.Nil(t, view.Reversal)

	f.provider.On("Transfer", mock.Anything, mock.Anything).Return(nil, &provider.RejectedError{Code: 400})
	f.scheduler.drain(t)

	// The credit reference form resolves to the same transfer.
	view, err = f.service.GetTransfer(context.Background(), domain.CreditReference(receipt.ReferenceID), sender)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusFailed, view.Status)
	require.NotNil(t, view.Reversal)
	assert.Equal(t, int64(5000), view.Reversal.Amount)

	_, err = f.service.GetTransfer(context.Background(), receipt.ReferenceID, uuid.New())
	assert.ErrorIs(t, err, pkgerrors.ErrEntryNotFound)

	_, err = f.service.GetTransfer(context.Background(), "TX-0-missing", sender)
	assert.ErrorIs(t, err, pkgerrors.ErrEntryNotFound)
}

func TestBalancesAndEntries(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "Ada", 10000)
	b := f.account(t, "Bola", 0)

	for i := 0; i < 3; i++ {
		_, err := f.service.InitiateTransfer(context.Background(), &InitiateRequest{
			SenderID: a, ReceiverID: &b, Amount: decimal.NewFromInt(1), Currency: "NGN",
		})
		require.NoError(t, err)
	}
	f.scheduler.drain(t)

	balances, err := f.service.Balances(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, domain.BalancePair{Available: 9700}, balances[money.NGN])

	entries, err := f.service.Entries(context.Background(), a, 2, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = f.service.Entries(context.Background(), a, 0, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	_, err = f.service.Balances(context.Background(), uuid.New())
	assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
	_, err = f.service.Entries(context.Background(), uuid.New(), 10, 0)
	assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
}

var _ ledger.Store = (*memory.LedgerStore)(nil)
