package reconciliation

import (
	"context"
	"fmt"

	"poseidon/internal/domain"
	"poseidon/internal/events"
	"poseidon/internal/ledger"
	pkgerrors "poseidon/pkg/errors"

	"github.com/google/uuid"
)

// Deposit is an inbound credit confirmed by the provider.
type Deposit struct {
	AccountID         uuid.UUID
	Amount            int64
	Currency          domain.Currency
	ProviderReference string
	Payload           domain.Metadata
}

// ApplyDeposit credits available funds once per provider reference.
func (s *Service) ApplyDeposit(ctx context.Context, dep Deposit) (Result, error) {
	if dep.Amount <= 0 {
		return Result{Disposition: Ignored}, pkgerrors.ErrInvalidAmount
	}
	if dep.ProviderReference == "" {
		return Result{Disposition: Ignored}, fmt.Errorf("%w: deposit reference required", pkgerrors.ErrValidation)
	}
	reference := domain.DepositReference(dep.ProviderReference)

	var (
		applied bool
		entry   *domain.LedgerEntry
	)
	err := s.store.AtomicUpdate(ctx, []ledger.AccountRef{ledger.ByID(dep.AccountID)}, func(ctx context.Context, tx ledger.Tx) error {
		applied = false

		if _, err := tx.EntryByReference(ctx, reference); err == nil {
			return nil
		} else if !pkgerrors.Is(err, pkgerrors.ErrEntryNotFound) {
			return err
		}

		account, err := tx.Account(dep.AccountID)
		if err != nil {
			return err
		}
		pair, err := account.Balance(dep.Currency).CreditAvailable(dep.Amount)
		if err != nil {
			return err
		}
		account.SetBalance(dep.Currency, pair)

		entry = &domain.LedgerEntry{
			AccountID:     dep.AccountID,
			Type:          domain.EntryTypeDeposit,
			Direction:     domain.DirectionCredit,
			Amount:        dep.Amount,
			Currency:      dep.Currency,
			Status:        domain.EntryStatusSuccess,
			ReferenceID:   reference,
			CorrelationID: reference,
			Metadata:      domain.Metadata{"provider": dep.Payload},
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.ErrDuplicateReference) {
			return s.duplicateDeposit(reference), nil
		}
		return Result{Disposition: Ignored, CorrelationID: reference}, pkgerrors.Wrap(err, "failed to apply deposit")
	}
	if !applied {
		return s.duplicateDeposit(reference), nil
	}

	s.metrics.RecordReconciliation(string(TriggerWebhook), "deposit")
	s.logger.Info("Deposit credited", map[string]interface{}{
		"reference":  reference,
		"account_id": dep.AccountID.String(),
		"amount":     dep.Amount,
		"currency":   dep.Currency,
	})
	s.publisher.Publish(domain.Event{
		Type:       events.TypeDepositCompleted,
		Reference:  reference,
		Status:     domain.EntryStatusSuccess,
		Amount:     dep.Amount,
		Currency:   dep.Currency,
		AccountIDs: []uuid.UUID{dep.AccountID},
		OccurredAt: s.now(),
	})

	return Result{Disposition: Applied, CorrelationID: reference, Status: domain.EntryStatusSuccess}, nil
}

func (s *Service) duplicateDeposit(reference string) Result {
	s.logger.Info("Duplicate deposit ignored", map[string]interface{}{"reference": reference})
	return Result{Disposition: AlreadyFinal, CorrelationID: reference, Status: domain.EntryStatusSuccess}
}
