// ==============================================================================
// RECONCILIATION SERVICE - internal/reconciliation/service.go
// ==============================================================================
// Applies exactly one terminal transition per transfer credit entry, whichever
// trigger (direct provider response, webhook, sweep) arrives first.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"poseidon/internal/domain"
	"poseidon/internal/events"
	"poseidon/internal/ledger"
	pkgerrors "poseidon/pkg/errors"
	"poseidon/pkg/logger"
	"poseidon/pkg/metrics"

	"github.com/google/uuid"
)

// Trigger names what delivered an outcome.
type Trigger string

const (
	TriggerDirect   Trigger = "direct"
	TriggerWebhook  Trigger = "webhook"
	TriggerSweep    Trigger = "sweep"
	TriggerInternal Trigger = "internal"
)

// failureReason is recorded on the credit and reversal entries.
func (t Trigger) failureReason() string {
	switch t {
	case TriggerWebhook:
		return "provider_webhook_failed"
	case TriggerSweep:
		return "sweep_provider_failed"
	default:
		return "provider_failure"
	}
}

// Disposition is what a reconciliation call did.
type Disposition string

const (
	Applied      Disposition = "applied"
	AlreadyFinal Disposition = "already_final"
	Ignored      Disposition = "ignored"
)

// Result describes the effect of one reconciliation call.
type Result struct {
	Disposition        Disposition        `json:"disposition"`
	CorrelationID      string             `json:"correlation_id,omitempty"`
	Status             domain.EntryStatus `json:"status,omitempty"`
	ConflictingOutcome bool               `json:"conflicting_outcome,omitempty"`
}

// Service is the single code path that moves money out of pending.
type Service struct {
	store     ledger.Store
	publisher events.Publisher
	metrics   metrics.Collector
	logger    logger.Logger
	now       func() time.Time
}

// NewService creates a reconciliation Service.
func NewService(store ledger.Store, publisher events.Publisher, collector metrics.Collector, log logger.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &Service{
		store:     store,
		publisher: publisher,
		metrics:   collector,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ConfirmSuccess moves the credit amount from the receiver's pending to available.
func (s *Service) ConfirmSuccess(ctx context.Context, correlationID string, payload domain.Metadata, trigger Trigger) (Result, error) {
	return s.finalize(ctx, correlationID, domain.EntryStatusSuccess, payload, trigger)
}

// ConfirmFailure releases the receiver's pending amount, refunds the sender and journals a reversal.
func (s *Service) ConfirmFailure(ctx context.Context, correlationID string, payload domain.Metadata, trigger Trigger) (Result, error) {
	return s.finalize(ctx, correlationID, domain.EntryStatusFailed, payload, trigger)
}

// MarkDispatched records on the pending credit entry that its transfer is about to be
// handed to the provider. Finalized entries are left untouched.
func (s *Service) MarkDispatched(ctx context.Context, correlationID string) error {
	creditRef := domain.CreditReference(correlationID)

	credit, err := s.store.FindEntryByReference(ctx, creditRef)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to load credit entry")
	}
	if credit.Status.IsTerminal() || credit.Dispatched() {
		return nil
	}

	err = s.store.AtomicUpdate(ctx, []ledger.AccountRef{ledger.ByID(credit.AccountID)}, func(ctx context.Context, tx ledger.Tx) error {
		entry, err := tx.EntryByReference(ctx, creditRef)
		if err != nil {
			return err
		}
		if entry.Status.IsTerminal() {
			return nil
		}
		entry.Metadata = entry.Metadata.Merge(domain.Metadata{
			domain.MetaDispatched: true,
			"dispatched_at":       s.now().Format(time.RFC3339),
		})
		return tx.UpdateEntry(ctx, entry)
	})
	if pkgerrors.Is(err, pkgerrors.ErrEntryFinalized) {
		return nil
	}
	return err
}

func (s *Service) finalize(ctx context.Context, correlationID string, target domain.EntryStatus, payload domain.Metadata, trigger Trigger) (Result, error) {
	creditRef := domain.CreditReference(correlationID)

	credit, err := s.store.FindEntryByReference(ctx, creditRef)
	if err != nil {
		return Result{Disposition: Ignored, CorrelationID: correlationID}, pkgerrors.Wrap(err, "failed to load credit entry")
	}
	if credit.Status.IsTerminal() {
		return s.alreadyFinal(correlationID, credit.Status, target, trigger), nil
	}

	refs := []ledger.AccountRef{ledger.ByID(credit.AccountID)}
	var senderID uuid.UUID
	if target == domain.EntryStatusFailed {
		debit, err := s.store.FindEntryByReference(ctx, correlationID)
		if err != nil {
			return Result{Disposition: Ignored, CorrelationID: correlationID}, pkgerrors.Wrap(err, "failed to load debit entry")
		}
		senderID = debit.AccountID
		refs = append(refs, ledger.ByID(senderID))
	}

	var (
		applied  bool
		observed domain.EntryStatus
		event    domain.Event
	)
	err = s.store.AtomicUpdate(ctx, refs, func(ctx context.Context, tx ledger.Tx) error {
		applied = false

		entry, err := tx.EntryByReference(ctx, creditRef)
		if err != nil {
			return err
		}
		observed = entry.Status
		if entry.Status.IsTerminal() {
			return nil
		}

		receiver, err := tx.Account(entry.AccountID)
		if err != nil {
			return err
		}

		if target == domain.EntryStatusSuccess {
			pair, err := receiver.Balance(entry.Currency).SettlePending(entry.Amount)
			if err != nil {
				return fmt.Errorf("settling pending for %s: %w", creditRef, err)
			}
			receiver.SetBalance(entry.Currency, pair)

			entry.Status = domain.EntryStatusSuccess
			entry.Metadata = entry.Metadata.Merge(domain.Metadata{
				"provider":   payload,
				"settled_by": string(trigger),
			})
		} else {
			pair, err := receiver.Balance(entry.Currency).ReleasePending(entry.Amount)
			if err != nil {
				return fmt.Errorf("releasing pending for %s: %w", creditRef, err)
			}
			receiver.SetBalance(entry.Currency, pair)

			sender, err := tx.Account(senderID)
			if err != nil {
				return err
			}
			refund, err := sender.Balance(entry.Currency).CreditAvailable(entry.Amount)
			if err != nil {
				return fmt.Errorf("refunding sender for %s: %w", creditRef, err)
			}
			sender.SetBalance(entry.Currency, refund)

			entry.Status = domain.EntryStatusFailed
			entry.Metadata = entry.Metadata.Merge(domain.Metadata{
				"provider_error": payload,
				"reason":         trigger.failureReason(),
				"settled_by":     string(trigger),
			})

			reversal := &domain.LedgerEntry{
				AccountID:     senderID,
				Type:          domain.EntryTypeReversal,
				Direction:     domain.DirectionCredit,
				Amount:        entry.Amount,
				Currency:      entry.Currency,
				Status:        domain.EntryStatusSuccess,
				ReferenceID:   domain.ReversalReference(correlationID),
				CorrelationID: correlationID,
				Metadata: domain.Metadata{
					"reason":             trigger.failureReason(),
					"original_reference": correlationID,
					"provider_error":     payload,
				},
			}
			if err := tx.InsertEntry(ctx, reversal); err != nil {
				return err
			}
		}

		if err := tx.UpdateEntry(ctx, entry); err != nil {
			return err
		}

		applied = true
		observed = entry.Status
		event = domain.Event{
			Type:       eventType(entry.Status),
			Reference:  correlationID,
			Status:     entry.Status,
			Amount:     entry.Amount,
			Currency:   entry.Currency,
			AccountIDs: []uuid.UUID{entry.AccountID},
			OccurredAt: s.now(),
		}
		if senderID != uuid.Nil {
			event.AccountIDs = append(event.AccountIDs, senderID)
		}
		return nil
	})

	if err != nil {
		// Another trigger committed between our read and our write.
		if pkgerrors.Is(err, pkgerrors.ErrEntryFinalized) || pkgerrors.Is(err, pkgerrors.ErrDuplicateReference) {
			reloaded, rerr := s.store.FindEntryByReference(ctx, creditRef)
			if rerr != nil {
				return Result{Disposition: Ignored, CorrelationID: correlationID}, pkgerrors.Wrap(rerr, "failed to reload credit entry")
			}
			return s.alreadyFinal(correlationID, reloaded.Status, target, trigger), nil
		}
		s.metrics.RecordReconciliation(string(trigger), "error")
		s.logger.Error("Reconciliation failed", map[string]interface{}{
			"correlation_id": correlationID,
			"target":         target,
			"trigger":        trigger,
			"error":          err.Error(),
		})
		return Result{Disposition: Ignored, CorrelationID: correlationID}, err
	}

	if !applied {
		return s.alreadyFinal(correlationID, observed, target, trigger), nil
	}

	s.metrics.RecordReconciliation(string(trigger), string(Applied))
	s.logger.Info("Transfer finalized", map[string]interface{}{
		"correlation_id": correlationID,
		"status":         observed,
		"trigger":        trigger,
	})
	s.publisher.Publish(event)

	return Result{Disposition: Applied, CorrelationID: correlationID, Status: observed}, nil
}

// alreadyFinal reports a no-op and flags outcomes that contradict the stored one.
func (s *Service) alreadyFinal(correlationID string, current, target domain.EntryStatus, trigger Trigger) Result {
	result := Result{Disposition: AlreadyFinal, CorrelationID: correlationID, Status: current}
	s.metrics.RecordReconciliation(string(trigger), string(AlreadyFinal))

	if current != target {
		result.ConflictingOutcome = true
		s.metrics.RecordConflict(string(trigger))
		s.logger.Error("Conflicting provider outcome ignored", map[string]interface{}{
			"correlation_id":   correlationID,
			"recorded_outcome": current,
			"reported_outcome": target,
			"trigger":          trigger,
		})
		return result
	}

	s.logger.Info("Duplicate finalization ignored", map[string]interface{}{
		"correlation_id": correlationID,
		"status":         current,
		"trigger":        trigger,
	})
	return result
}

func eventType(status domain.EntryStatus) string {
	switch status {
	case domain.EntryStatusSuccess:
		return events.TypeTransferSettled
	case domain.EntryStatusFailed:
		return events.TypeTransferFailed
	default:
		return events.TypeTransferPending
	}
}
