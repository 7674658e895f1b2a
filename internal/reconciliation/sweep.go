package reconciliation

import (
	"context"
	"errors"
	"time"

	"poseidon/internal/domain"
	"poseidon/internal/ledger"
	"poseidon/internal/provider"
	"poseidon/pkg/config"
	"poseidon/pkg/logger"
	"poseidon/pkg/metrics"
)

// SweepReport summarises one sweep run.
type SweepReport struct {
	Skipped    bool `json:"skipped"`
	Examined   int  `json:"examined"`
	Dispatched int  `json:"dispatched"`
	Settled    int  `json:"settled"`
	Reversed   int  `json:"reversed"`
	Left       int  `json:"left_pending"`
	Errors     int  `json:"errors"`
}

// Sweeper resolves credit entries that stayed pending past the stale threshold.
type Sweeper struct {
	store      ledger.Store
	service    *Service
	provider   provider.Provider
	locker     Locker
	staleAfter time.Duration
	batchSize  int
	metrics    metrics.Collector
	logger     logger.Logger
	now        func() time.Time
}

// NewSweeper creates a Sweeper. A nil locker runs without cross-replica exclusion.
func NewSweeper(store ledger.Store, service *Service, prov provider.Provider, locker Locker, cfg config.ReconcileConfig, collector metrics.Collector, log logger.Logger) *Sweeper {
	if locker == nil {
		locker = localLocker{}
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		store:      store,
		service:    service,
		provider:   prov,
		locker:     locker,
		staleAfter: cfg.StaleAfter,
		batchSize:  cfg.BatchSize,
		metrics:    collector,
		logger:     log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the sweep every interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Pending sweep failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// Run performs one sweep if no other replica holds the sweep lock.
func (s *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	release, acquired, err := s.locker.TryLock(ctx)
	if err != nil {
		s.metrics.RecordSweep("error", 0)
		return report, err
	}
	if !acquired {
		report.Skipped = true
		s.metrics.RecordSweep("skipped", 0)
		s.logger.Debug("Pending sweep skipped, lock held elsewhere", nil)
		return report, nil
	}
	defer release()

	entries, err := s.store.FindStalePending(ctx, s.now().Add(-s.staleAfter), s.batchSize)
	if err != nil {
		s.metrics.RecordSweep("error", 0)
		return report, err
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		report.Examined++
		s.sweepEntry(ctx, entry, &report)
	}

	s.metrics.RecordSweep("ran", report.Examined)
	s.logger.Info("Pending sweep completed", map[string]interface{}{
		"examined":   report.Examined,
		"dispatched": report.Dispatched,
		"settled":    report.Settled,
		"reversed":   report.Reversed,
		"left":       report.Left,
		"errors":     report.Errors,
	})
	return report, ctx.Err()
}

func (s *Sweeper) sweepEntry(ctx context.Context, entry *domain.LedgerEntry, report *SweepReport) {
	correlationID := entry.CorrelationID
	fields := map[string]interface{}{"correlation_id": correlationID}

	account, err := s.store.GetAccount(ctx, entry.AccountID)
	if err != nil {
		report.Errors++
		fields["error"] = err.Error()
		s.logger.Error("Sweep could not load receiver", fields)
		return
	}

	var result Result
	if !account.IsExternal() {
		result, err = s.service.ConfirmSuccess(ctx, correlationID, domain.Metadata{"note": "internal_transfer"}, TriggerSweep)
	} else {
		var resolved bool
		result, resolved, err = s.resolveExternal(ctx, entry, account, report)
		if !resolved {
			return
		}
	}

	if err != nil {
		report.Errors++
		return
	}
	if result.Disposition != Applied {
		return
	}
	if result.Status == domain.EntryStatusFailed {
		report.Reversed++
	} else {
		report.Settled++
	}
}

// resolveExternal polls the provider for a dispatched transfer. Transfers the provider
// never received, or has no record of, are sent again under the same reference.
func (s *Sweeper) resolveExternal(ctx context.Context, entry *domain.LedgerEntry, account *domain.Account, report *SweepReport) (Result, bool, error) {
	correlationID := entry.CorrelationID
	if entry.Dispatched() {
		status, err := s.provider.Status(ctx, correlationID)
		var rejected *provider.RejectedError
		switch {
		case errors.As(err, &rejected):
			result, ferr := s.service.ConfirmFailure(ctx, correlationID, rejected.Payload, TriggerSweep)
			return result, true, ferr
		case err != nil:
			report.Left++
			s.logger.Warn("Sweep could not query provider", map[string]interface{}{
				"correlation_id": correlationID,
				"error":          err.Error(),
			})
			return Result{}, false, nil
		case status.Outcome == provider.OutcomeSucceeded:
			result, ferr := s.service.ConfirmSuccess(ctx, correlationID, status.Payload, TriggerSweep)
			return result, true, ferr
		case status.Outcome != provider.OutcomeUnknown:
			report.Left++
			return Result{}, false, nil
		}
	}
	return s.dispatch(ctx, entry, account, report)
}

func (s *Sweeper) dispatch(ctx context.Context, entry *domain.LedgerEntry, account *domain.Account, report *SweepReport) (Result, bool, error) {
	correlationID := entry.CorrelationID
	fields := map[string]interface{}{"correlation_id": correlationID}

	if account.ExternalAccountNumber == nil || account.ExternalBankCode == nil {
		report.Errors++
		s.logger.Error("Sweep found external receiver without destination", fields)
		return Result{}, false, nil
	}
	if err := s.service.MarkDispatched(ctx, correlationID); err != nil {
		report.Errors++
		fields["error"] = err.Error()
		s.logger.Error("Sweep could not flag transfer as dispatched", fields)
		return Result{}, false, nil
	}
	report.Dispatched++
	s.logger.Info("Sweep dispatching transfer to provider", fields)

	out, err := s.provider.Transfer(ctx, &provider.TransferRequest{
		Reference:     correlationID,
		AccountNumber: *account.ExternalAccountNumber,
		BankCode:      *account.ExternalBankCode,
		Amount:        entry.Money(),
		Narration:     provider.Narration(correlationID),
	})

	var rejected *provider.RejectedError
	switch {
	case errors.As(err, &rejected):
		payload := domain.Metadata{"code": rejected.Code, "message": rejected.Message}
		result, ferr := s.service.ConfirmFailure(ctx, correlationID, payload.Merge(rejected.Payload), TriggerSweep)
		return result, true, ferr
	case err != nil:
		report.Left++
		fields["error"] = err.Error()
		s.logger.Warn("Sweep could not dispatch transfer", fields)
		return Result{}, false, nil
	case out.Outcome == provider.OutcomeSucceeded:
		result, ferr := s.service.ConfirmSuccess(ctx, correlationID, out.Payload, TriggerSweep)
		return result, true, ferr
	default:
		report.Left++
		return Result{}, false, nil
	}
}
