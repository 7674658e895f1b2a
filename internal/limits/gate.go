// Package limits implements the transfer policy gate evaluated before any reservation.
package limits

import (
	"context"
	"fmt"
	"math"
	"time"

	"poseidon/internal/domain"
	"poseidon/pkg/config"
	pkgerrors "poseidon/pkg/errors"
	"poseidon/pkg/money"

	"github.com/google/uuid"
)

// Reasons reported in DeniedError.
const (
	ReasonInvalidAmount  = "invalid_amount"
	ReasonNoPolicy       = "no_policy_for_currency"
	ReasonPerTransaction = "per_transaction_limit"
	ReasonDaily          = "daily_limit"
)

// Request is what the gate needs to decide.
type Request struct {
	AccountID uuid.UUID
	Currency  domain.Currency
	Amount    int64
}

// Gate approves or denies a transfer request.
type Gate interface {
	Check(ctx context.Context, req Request) error
}

// UsageReader reports how much an account has already sent in a currency.
type UsageReader interface {
	SumDebitsSince(ctx context.Context, accountID uuid.UUID, currency domain.Currency, since time.Time) (int64, error)
}

// Rule is the policy for one currency in minor units.
type Rule struct {
	PerTransaction int64
	Daily          int64
}

// DeniedError carries the reason a request was refused.
type DeniedError struct {
	Reason   string
	Currency domain.Currency
	Limit    int64
}

func (e *DeniedError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("transfer denied: %s (%s limit %s)", e.Reason, e.Currency, money.New(e.Limit, e.Currency).Major())
	}
	return fmt.Sprintf("transfer denied: %s", e.Reason)
}

// Is lets callers match any denial with errors.Is(err, ErrLimitExceeded).
func (e *DeniedError) Is(target error) bool {
	return target == pkgerrors.ErrLimitExceeded
}

// PolicyGate enforces per-currency per-transaction and daily limits.
type PolicyGate struct {
	rules    map[domain.Currency]Rule
	fallback domain.Currency
	usage    UsageReader
	now      func() time.Time
}

// NewPolicyGate builds a gate from configuration. usage may be nil to skip daily checks.
func NewPolicyGate(cfg config.LimitsConfig, usage UsageReader) *PolicyGate {
	rules := make(map[domain.Currency]Rule, len(cfg.Rules))
	for code, r := range cfg.Rules {
		rules[domain.Currency(code)] = Rule{PerTransaction: r.PerTransaction, Daily: r.Daily}
	}
	return &PolicyGate{
		rules:    rules,
		fallback: domain.Currency(cfg.FallbackCurrency),
		usage:    usage,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Check implements Gate.
func (g *PolicyGate) Check(ctx context.Context, req Request) error {
	if req.Amount <= 0 {
		return &DeniedError{Reason: ReasonInvalidAmount, Currency: req.Currency}
	}

	rule, ok := g.rules[req.Currency]
	if !ok {
		rule, ok = g.rules[g.fallback]
		rule = rule.rescale(g.fallback, req.Currency)
	}
	if !ok {
		return &DeniedError{Reason: ReasonNoPolicy, Currency: req.Currency}
	}

	if req.Amount > rule.PerTransaction {
		return &DeniedError{Reason: ReasonPerTransaction, Currency: req.Currency, Limit: rule.PerTransaction}
	}

	if g.usage == nil || req.AccountID == uuid.Nil {
		return nil
	}

	now := g.now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	spent, err := g.usage.SumDebitsSince(ctx, req.AccountID, req.Currency, startOfDay)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to read daily usage")
	}
	total, err := money.AddMinor(spent, req.Amount)
	if err != nil || total > rule.Daily {
		return &DeniedError{Reason: ReasonDaily, Currency: req.Currency, Limit: rule.Daily}
	}
	return nil
}

// rescale expresses a rule written in from's minor units in to's minor units, keeping
// the same major-unit amounts.
func (r Rule) rescale(from, to domain.Currency) Rule {
	digits := to.Exponent() - from.Exponent()
	return Rule{PerTransaction: shiftMinor(r.PerTransaction, digits), Daily: shiftMinor(r.Daily, digits)}
}

func shiftMinor(v int64, digits int32) int64 {
	for ; digits > 0; digits-- {
		if v > math.MaxInt64/10 {
			return math.MaxInt64
		}
		v *= 10
	}
	for ; digits < 0; digits++ {
		v /= 10
	}
	return v
}
