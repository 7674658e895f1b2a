// ==============================================================================
// TRANSFER ORCHESTRATOR - internal/transfer/service.go
// ==============================================================================
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"poseidon/internal/domain"
	"poseidon/internal/events"
	"poseidon/internal/ledger"
	"poseidon/internal/limits"
	"poseidon/internal/provider"
	"poseidon/internal/reconciliation"
	"poseidon/internal/worker"
	pkgerrors "poseidon/pkg/errors"
	"poseidon/pkg/logger"
	"poseidon/pkg/metrics"
	"poseidon/pkg/money"
)

const (
	kindInternal = "internal"
	kindExternal = "external"

	defaultPageSize = 50
	maxPageSize     = 200
)

// Finalizer moves a reserved transfer out of pending.
type Finalizer interface {
	ConfirmSuccess(ctx context.Context, correlationID string, payload domain.Metadata, trigger reconciliation.Trigger) (reconciliation.Result, error)
	ConfirmFailure(ctx context.Context, correlationID string, payload domain.Metadata, trigger reconciliation.Trigger) (reconciliation.Result, error)
	MarkDispatched(ctx context.Context, correlationID string) error
}

// Scheduler accepts settlement work without blocking the caller.
type Scheduler interface {
	Submit(ctx context.Context, task worker.Task) error
}

// InitiateRequest asks to move Amount of Currency from SenderID to exactly one destination.
type InitiateRequest struct {
	SenderID   uuid.UUID                   `json:"-"`
	ReceiverID *uuid.UUID                  `json:"receiver_id,omitempty"`
	External   *domain.ExternalDestination `json:"external,omitempty" validate:"omitempty"`
	Amount     decimal.Decimal             `json:"amount" validate:"required,gt=0"`
	Currency   string                      `json:"currency" validate:"required,currency"`
}

// Service orchestrates reservation and hands settlement to the provider and reconciliation.
type Service struct {
	store     ledger.Store
	gate      limits.Gate
	provider  provider.Provider
	finalizer Finalizer
	scheduler Scheduler
	publisher events.Publisher
	metrics   metrics.Collector
	logger    logger.Logger
	now       func() time.Time
}

// NewService creates a transfer Service.
func NewService(
	store ledger.Store,
	gate limits.Gate,
	prov provider.Provider,
	finalizer Finalizer,
	scheduler Scheduler,
	publisher events.Publisher,
	collector metrics.Collector,
	log logger.Logger,
) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &Service{
		store:     store,
		gate:      gate,
		provider:  prov,
		finalizer: finalizer,
		scheduler: scheduler,
		publisher: publisher,
		metrics:   collector,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// settlement is what the background task needs after the reservation committed.
type settlement struct {
	reference string
	amount    money.Money
	external  *domain.ExternalDestination
}

func (s settlement) kind() string {
	if s.external != nil {
		return kindExternal
	}
	return kindInternal
}

// InitiateTransfer reserves funds and returns a pending receipt. Settlement runs
// asynchronously and never blocks the caller.
func (s *Service) InitiateTransfer(ctx context.Context, req *InitiateRequest) (*domain.Receipt, error) {
	amount, receiverRef, err := s.validate(req)
	if err != nil {
		s.metrics.RecordTransfer(requestKind(req), "rejected")
		return nil, err
	}

	if err := s.gate.Check(ctx, limits.Request{
		AccountID: req.SenderID,
		Currency:  amount.Currency,
		Amount:    amount.Amount,
	}); err != nil {
		s.metrics.RecordTransfer(requestKind(req), "rejected")
		s.logger.Warn("Transfer denied by limits", map[string]interface{}{
			"sender_id": req.SenderID.String(),
			"amount":    amount.String(),
			"error":     err.Error(),
		})
		return nil, err
	}

	now := s.now()
	reference := domain.NewTransferReference(now)
	receipt := &domain.Receipt{
		ReferenceID: reference,
		DateTime:    now,
		SessionID:   uuid.New().String(),
		Amount:      amount.Major(),
		AmountMinor: amount.Amount,
		Currency:    amount.Currency,
		Status:      domain.EntryStatusPending,
	}

	var receiverID uuid.UUID
	err = s.store.AtomicUpdate(ctx, []ledger.AccountRef{ledger.ByID(req.SenderID), receiverRef}, func(ctx context.Context, tx ledger.Tx) error {
		sender, err := tx.Account(req.SenderID)
		if err != nil {
			return err
		}
		receiver, err := tx.Resolve(receiverRef)
		if err != nil {
			return err
		}
		if receiverRef.External == nil && receiver.IsExternal() {
			return fmt.Errorf("%w: receiver %s is not a wallet account", pkgerrors.ErrValidation, receiver.ID)
		}

		debited, err := sender.Balance(amount.Currency).DebitAvailable(amount.Amount)
		if err != nil {
			return err
		}
		sender.SetBalance(amount.Currency, debited)

		credited, err := receiver.Balance(amount.Currency).CreditPending(amount.Amount)
		if err != nil {
			return err
		}
		receiver.SetBalance(amount.Currency, credited)

		debitMeta := domain.Metadata{"receiver_id": receiver.ID.String()}
		creditMeta := domain.Metadata{"from": sender.ID.String()}
		if req.External != nil {
			debitMeta["to_account"] = *receiver.ExternalAccountNumber
			debitMeta["to_bank"] = *receiver.ExternalBankCode
			creditMeta["external_account"] = *receiver.ExternalAccountNumber
			creditMeta["external_bank"] = *receiver.ExternalBankCode
		}

		if err := tx.InsertEntry(ctx, &domain.LedgerEntry{
			AccountID:     sender.ID,
			Type:          domain.EntryTypeTransfer,
			Direction:     domain.DirectionDebit,
			Amount:        amount.Amount,
			Currency:      amount.Currency,
			Status:        domain.EntryStatusSuccess,
			ReferenceID:   reference,
			CorrelationID: reference,
			Metadata:      debitMeta,
		}); err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, &domain.LedgerEntry{
			AccountID:     receiver.ID,
			Type:          domain.EntryTypeTransfer,
			Direction:     domain.DirectionCredit,
			Amount:        amount.Amount,
			Currency:      amount.Currency,
			Status:        domain.EntryStatusPending,
			ReferenceID:   domain.CreditReference(reference),
			CorrelationID: reference,
			Metadata:      creditMeta,
		}); err != nil {
			return err
		}

		receiverID = receiver.ID
		receipt.SenderName = sender.DisplayName
		receipt.SenderAccount = sender.ID.String()
		receipt.SenderBalance = debited
		receipt.ReceiverName = receiver.DisplayName
		if receiver.IsExternal() {
			receipt.ReceiverAccount = *receiver.ExternalAccountNumber
			receipt.ReceiverBank = *receiver.ExternalBankCode
		} else {
			receipt.ReceiverAccount = receiver.ID.String()
			receipt.ReceiverBank = domain.InternalBankTag
		}
		return nil
	})
	if err != nil {
		s.metrics.RecordTransfer(requestKind(req), "rejected")
		s.logger.Warn("Transfer reservation failed", map[string]interface{}{
			"reference": reference,
			"sender_id": req.SenderID.String(),
			"error":     err.Error(),
		})
		return nil, pkgerrors.Wrap(err, "failed to reserve transfer")
	}

	job := settlement{reference: reference, amount: amount, external: req.External}
	s.metrics.RecordTransfer(job.kind(), "accepted")
	s.logger.Info("Transfer accepted", map[string]interface{}{
		"reference":   reference,
		"sender_id":   req.SenderID.String(),
		"receiver_id": receiverID.String(),
		"amount":      amount.Amount,
		"currency":    amount.Currency,
		"kind":        job.kind(),
	})
	s.publisher.Publish(domain.Event{
		Type:       events.TypeTransferPending,
		Reference:  reference,
		Status:     domain.EntryStatusPending,
		Amount:     amount.Amount,
		Currency:   amount.Currency,
		AccountIDs: []uuid.UUID{req.SenderID, receiverID},
		OccurredAt: now,
	})

	s.schedule(ctx, job)
	return receipt, nil
}

// schedule hands settlement to the worker queue. A rejected submission leaves the
// transfer pending for the sweep.
func (s *Service) schedule(ctx context.Context, job settlement) {
	task := worker.Task{
		Name:   "settle_transfer",
		Fields: map[string]interface{}{"reference": job.reference, "kind": job.kind()},
		Run: func(ctx context.Context) error {
			return s.settle(ctx, job)
		},
	}
	if err := s.scheduler.Submit(ctx, task); err != nil {
		s.metrics.RecordTransfer(job.kind(), "deferred")
		s.logger.Warn("Settlement not queued, left for sweep", map[string]interface{}{
			"reference": job.reference,
			"error":     err.Error(),
		})
	}
}

// settle finalizes internal transfers directly and asks the provider for external ones.
// Only an explicit rejection leads to a reversal; timeouts and outages stay pending.
func (s *Service) settle(ctx context.Context, job settlement) error {
	if job.external == nil {
		_, err := s.finalizer.ConfirmSuccess(ctx, job.reference, domain.Metadata{"note": "internal_transfer"}, reconciliation.TriggerInternal)
		return err
	}

	if err := s.finalizer.MarkDispatched(ctx, job.reference); err != nil {
		s.logger.Warn("Could not flag transfer as dispatched", map[string]interface{}{
			"reference": job.reference,
			"error":     err.Error(),
		})
	}

	result, err := s.provider.Transfer(ctx, &provider.TransferRequest{
		Reference:     job.reference,
		AccountNumber: job.external.AccountNumber,
		BankCode:      job.external.BankCode,
		Amount:        job.amount,
		Narration:     provider.Narration(job.reference),
	})

	var rejected *provider.RejectedError
	switch {
	case errors.As(err, &rejected):
		payload := domain.Metadata{"code": rejected.Code, "message": rejected.Message}
		_, ferr := s.finalizer.ConfirmFailure(ctx, job.reference, payload.Merge(rejected.Payload), reconciliation.TriggerDirect)
		return ferr
	case err != nil:
		s.logger.Warn("Provider outcome unknown, transfer left pending", map[string]interface{}{
			"reference": job.reference,
			"error":     err.Error(),
		})
		return nil
	case result.Outcome == provider.OutcomeSucceeded:
		_, ferr := s.finalizer.ConfirmSuccess(ctx, job.reference, result.Payload, reconciliation.TriggerDirect)
		return ferr
	default:
		s.logger.Info("Provider accepted transfer, awaiting confirmation", map[string]interface{}{
			"reference": job.reference,
			"status":    result.Status,
		})
		return nil
	}
}

func (s *Service) validate(req *InitiateRequest) (money.Money, ledger.AccountRef, error) {
	if req == nil {
		return money.Money{}, ledger.AccountRef{}, fmt.Errorf("%w: empty request", pkgerrors.ErrValidation)
	}
	if req.SenderID == uuid.Nil {
		return money.Money{}, ledger.AccountRef{}, fmt.Errorf("%w: sender required", pkgerrors.ErrValidation)
	}

	currency, err := money.ParseCurrency(req.Currency)
	if err != nil {
		return money.Money{}, ledger.AccountRef{}, err
	}
	amount, err := money.FromDecimal(req.Amount, currency)
	if err != nil {
		return money.Money{}, ledger.AccountRef{}, err
	}
	if !amount.IsPositive() {
		return money.Money{}, ledger.AccountRef{}, fmt.Errorf("%w: amount must be greater than zero", pkgerrors.ErrInvalidAmount)
	}

	switch {
	case req.ReceiverID != nil && req.External != nil:
		return money.Money{}, ledger.AccountRef{}, fmt.Errorf("%w: choose either receiver_id or external", pkgerrors.ErrValidation)
	case req.ReceiverID != nil && *req.ReceiverID != uuid.Nil:
		if *req.ReceiverID == req.SenderID {
			return money.Money{}, ledger.AccountRef{}, fmt.Errorf("%w: cannot transfer to self", pkgerrors.ErrValidation)
		}
		return amount, ledger.ByID(*req.ReceiverID), nil
	case req.External != nil && req.External.AccountNumber != "" && req.External.BankCode != "":
		return amount, ledger.ByExternal(*req.External), nil
	default:
		return money.Money{}, ledger.AccountRef{}, pkgerrors.ErrMissingDestination
	}
}

func requestKind(req *InitiateRequest) string {
	if req != nil && req.External != nil {
		return kindExternal
	}
	return kindInternal
}

// GetTransfer returns the entries of a transfer. Only the sender or receiver may see it;
// anyone else gets ErrEntryNotFound.
func (s *Service) GetTransfer(ctx context.Context, reference string, requester uuid.UUID) (*domain.Transfer, error) {
	correlationID := domain.CorrelationFromReference(reference)
	entries, err := s.store.FindEntriesByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}

	view := &domain.Transfer{Reference: correlationID}
	for _, e := range entries {
		switch {
		case e.Type == domain.EntryTypeReversal:
			view.Reversal = e
		case e.Direction == domain.DirectionDebit:
			view.Debit = e
		default:
			view.Credit = e
		}
	}
	if view.Debit == nil || view.Credit == nil {
		return nil, pkgerrors.ErrEntryNotFound
	}
	if requester != view.Debit.AccountID && requester != view.Credit.AccountID {
		return nil, pkgerrors.ErrEntryNotFound
	}
	view.Status = view.Credit.Status
	return view, nil
}

// Balances returns every balance pair of an account.
func (s *Service) Balances(ctx context.Context, accountID uuid.UUID) (map[domain.Currency]domain.BalancePair, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Balances == nil {
		return map[domain.Currency]domain.BalancePair{}, nil
	}
	return account.Balances, nil
}

// Entries returns an account's journal page, newest first.
func (s *Service) Entries(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListEntriesByAccount(ctx, accountID, limit, offset)
}
