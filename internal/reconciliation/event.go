package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"poseidon/internal/domain"
	pkgerrors "poseidon/pkg/errors"
	"poseidon/pkg/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventDepositCompleted marks an inbound payment notification.
const EventDepositCompleted = "charge.completed"

// StatusClass is a provider status reduced to what the ledger cares about.
type StatusClass int

const (
	StatusUnknown StatusClass = iota
	StatusSuccess
	StatusFailure
)

var (
	successSynonyms = map[string]struct{}{"success": {}, "successful": {}, "succeeded": {}, "completed": {}}
	failureSynonyms = map[string]struct{}{"failed": {}, "failure": {}, "error": {}, "rejected": {}, "cancelled": {}, "reversed": {}}
)

// NormalizeStatus classifies a provider status string case-insensitively.
func NormalizeStatus(status string) StatusClass {
	s := strings.ToLower(strings.TrimSpace(status))
	if _, ok := successSynonyms[s]; ok {
		return StatusSuccess
	}
	if _, ok := failureSynonyms[s]; ok {
		return StatusFailure
	}
	return StatusUnknown
}

// ProviderEvent is a decoded webhook delivery.
type ProviderEvent struct {
	Event     string
	Reference string
	Status    string
	Data      domain.Metadata
}

// ParseProviderEvent extracts reference and status from an envelope shaped either
// {event, data:{...}} or as a flat object.
func ParseProviderEvent(body map[string]interface{}) (ProviderEvent, error) {
	data, ok := body["data"].(map[string]interface{})
	if !ok {
		data = body
	}

	ev := ProviderEvent{
		Event:  strings.ToLower(scalarString(body["event"])),
		Status: strings.ToLower(scalarString(data["status"])),
		Data:   domain.Metadata(data),
	}
	for _, key := range []string{"reference", "tx_ref", "id"} {
		if ref := scalarString(data[key]); ref != "" {
			ev.Reference = ref
			break
		}
	}
	if ev.Reference == "" {
		return ev, fmt.Errorf("%w: webhook reference missing", pkgerrors.ErrValidation)
	}
	return ev, nil
}

// HandleProviderEvent applies a webhook delivery. Unknown references and statuses are
// reported as Ignored without error so the provider stops retrying.
func (s *Service) HandleProviderEvent(ctx context.Context, ev ProviderEvent) (Result, error) {
	class := NormalizeStatus(ev.Status)

	if ev.Event == EventDepositCompleted {
		if class != StatusSuccess {
			return s.ignore(ev, "deposit not successful"), nil
		}
		dep, err := depositFromEvent(ev)
		if err != nil {
			return Result{Disposition: Ignored}, err
		}
		result, err := s.ApplyDeposit(ctx, dep)
		if pkgerrors.Is(err, pkgerrors.ErrAccountNotFound) {
			return s.ignore(ev, "deposit account unknown"), nil
		}
		return result, err
	}

	if class == StatusUnknown {
		return s.ignore(ev, "status not terminal"), nil
	}

	correlationID := domain.CorrelationFromReference(ev.Reference)
	var (
		result Result
		err    error
	)
	if class == StatusSuccess {
		result, err = s.ConfirmSuccess(ctx, correlationID, ev.Data, TriggerWebhook)
	} else {
		result, err = s.ConfirmFailure(ctx, correlationID, ev.Data, TriggerWebhook)
	}
	if pkgerrors.Is(err, pkgerrors.ErrEntryNotFound) {
		return s.ignore(ev, "unknown reference"), nil
	}
	return result, err
}

func (s *Service) ignore(ev ProviderEvent, reason string) Result {
	s.metrics.RecordReconciliation(string(TriggerWebhook), string(Ignored))
	s.logger.Warn("Webhook acknowledged without ledger change", map[string]interface{}{
		"reference": ev.Reference,
		"event":     ev.Event,
		"status":    ev.Status,
		"reason":    reason,
	})
	return Result{Disposition: Ignored, CorrelationID: ev.Reference}
}

func depositFromEvent(ev ProviderEvent) (Deposit, error) {
	var rawAccount string
	if meta, ok := ev.Data["meta"].(map[string]interface{}); ok {
		rawAccount = scalarString(meta["account_id"])
	}
	if rawAccount == "" {
		if customer, ok := ev.Data["customer"].(map[string]interface{}); ok {
			rawAccount = scalarString(customer["account_id"])
		}
	}
	accountID, err := uuid.Parse(rawAccount)
	if err != nil {
		return Deposit{}, fmt.Errorf("%w: deposit account id %q", pkgerrors.ErrValidation, rawAccount)
	}

	currency, err := money.ParseCurrency(scalarString(ev.Data["currency"]))
	if err != nil {
		return Deposit{}, err
	}
	amount, err := decimal.NewFromString(scalarString(ev.Data["amount"]))
	if err != nil {
		return Deposit{}, fmt.Errorf("%w: deposit amount", pkgerrors.ErrInvalidAmount)
	}
	m, err := money.FromDecimal(amount, currency)
	if err != nil {
		return Deposit{}, err
	}

	return Deposit{
		AccountID:         accountID,
		Amount:            m.Amount,
		Currency:          currency,
		ProviderReference: ev.Reference,
		Payload:           ev.Data,
	}, nil
}

// scalarString renders strings and numbers; numeric ids become decimal strings.
func scalarString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}
