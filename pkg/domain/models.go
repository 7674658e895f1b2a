package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"sort"
	"time"

	pkgerrors "poseidon/pkg/errors"
	"poseidon/pkg/money"

	"github.com/google/uuid"
)

// Currency represents ISO 4217 currency codes
type Currency = money.Currency

// AccountKind separates wallets owned by users from placeholders for bank accounts.
type AccountKind string

const (
	AccountKindInternal AccountKind = "internal"
	AccountKindExternal AccountKind = "external"
)

// Account represents a ledger account with one balance pair per currency
type Account struct {
	ID                    uuid.UUID                `json:"id" db:"id"`
	DisplayName           string                   `json:"display_name" db:"display_name"`
	Kind                  AccountKind              `json:"kind" db:"kind"`
	ExternalAccountNumber *string                  `json:"external_account_number,omitempty" db:"external_account_number"`
	ExternalBankCode      *string                  `json:"external_bank_code,omitempty" db:"external_bank_code"`
	Balances              map[Currency]BalancePair `json:"balances" db:"-"`
	CreatedAt             time.Time                `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time                `json:"updated_at" db:"updated_at"`
}

// IsExternal reports whether the account stands in for a bank account reached via the provider.
func (a *Account) IsExternal() bool {
	return a.Kind == AccountKindExternal
}

// Balance returns the pair for a currency; a missing currency is a zero pair.
func (a *Account) Balance(currency Currency) BalancePair {
	if a.Balances == nil {
		return BalancePair{}
	}
	return a.Balances[currency]
}

// SetBalance replaces the pair for a currency.
func (a *Account) SetBalance(currency Currency, pair BalancePair) {
	if a.Balances == nil {
		a.Balances = make(map[Currency]BalancePair)
	}
	a.Balances[currency] = pair
}

// Currencies returns the account's currencies in sorted order.
func (a *Account) Currencies() []Currency {
	out := make([]Currency, 0, len(a.Balances))
	for c := range a.Balances {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone deep-copies the account so callers can mutate balances without aliasing.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.ExternalAccountNumber != nil {
		v := *a.ExternalAccountNumber
		cp.ExternalAccountNumber = &v
	}
	if a.ExternalBankCode != nil {
		v := *a.ExternalBankCode
		cp.ExternalBankCode = &v
	}
	cp.Balances = make(map[Currency]BalancePair, len(a.Balances))
	for c, p := range a.Balances {
		cp.Balances[c] = p
	}
	return &cp
}

// BalancePair is the only balance representation: spendable funds and funds in flight.
type BalancePair struct {
	Available int64 `json:"available" db:"available"`
	Pending   int64 `json:"pending" db:"pending"`
}

// Validate enforces non-negative balances.
func (p BalancePair) Validate() error {
	if p.Available < 0 || p.Pending < 0 {
		return pkgerrors.ErrNegativeBalance
	}
	return nil
}

// DebitAvailable removes spendable funds.
func (p BalancePair) DebitAvailable(amount int64) (BalancePair, error) {
	if amount <= 0 {
		return p, pkgerrors.ErrInvalidAmount
	}
	if p.Available < amount {
		return p, pkgerrors.ErrInsufficientFunds
	}
	p.Available -= amount
	return p, nil
}

// CreditAvailable adds spendable funds.
func (p BalancePair) CreditAvailable(amount int64) (BalancePair, error) {
	if amount <= 0 {
		return p, pkgerrors.ErrInvalidAmount
	}
	v, err := money.AddMinor(p.Available, amount)
	if err != nil {
		return p, err
	}
	p.Available = v
	return p, nil
}

// CreditPending reserves incoming funds.
func (p BalancePair) CreditPending(amount int64) (BalancePair, error) {
	if amount <= 0 {
		return p, pkgerrors.ErrInvalidAmount
	}
	v, err := money.AddMinor(p.Pending, amount)
	if err != nil {
		return p, err
	}
	p.Pending = v
	return p, nil
}

// SettlePending moves funds from pending to available.
func (p BalancePair) SettlePending(amount int64) (BalancePair, error) {
	released, err := p.ReleasePending(amount)
	if err != nil {
		return p, err
	}
	return released.CreditAvailable(amount)
}

// ReleasePending drops a reservation without crediting available.
func (p BalancePair) ReleasePending(amount int64) (BalancePair, error) {
	if amount <= 0 {
		return p, pkgerrors.ErrInvalidAmount
	}
	if p.Pending < amount {
		return p, pkgerrors.ErrNegativeBalance
	}
	p.Pending -= amount
	return p, nil
}

// EntryType classifies a journal row.
type EntryType string

const (
	EntryTypeTransfer EntryType = "transfer"
	EntryTypeReversal EntryType = "reversal"
	EntryTypeDeposit  EntryType = "deposit"
)

// Direction is the side of the account an entry touches.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// EntryStatus is monotone: pending may become success or failed, nothing else changes.
type EntryStatus string

const (
	EntryStatusPending EntryStatus = "pending"
	EntryStatusSuccess EntryStatus = "success"
	EntryStatusFailed  EntryStatus = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s EntryStatus) IsTerminal() bool {
	return s == EntryStatusSuccess || s == EntryStatusFailed
}

// LedgerEntry is one side of a transfer, a reversal, or a deposit.
type LedgerEntry struct {
	ID            uuid.UUID   `json:"id" db:"id"`
	AccountID     uuid.UUID   `json:"account_id" db:"account_id"`
	Type          EntryType   `json:"type" db:"entry_type"`
	Direction     Direction   `json:"direction" db:"direction"`
	Amount        int64       `json:"amount" db:"amount"`
	Currency      Currency    `json:"currency" db:"currency"`
	Status        EntryStatus `json:"status" db:"status"`
	ReferenceID   string      `json:"reference_id" db:"reference_id"`
	CorrelationID string      `json:"correlation_id" db:"correlation_id"`
	Metadata      Metadata    `json:"metadata" db:"metadata"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// Money returns the entry amount as a Money value.
func (e *LedgerEntry) Money() money.Money {
	return money.New(e.Amount, e.Currency)
}

// MetaDispatched is set on a credit entry once its transfer was handed to the provider.
const MetaDispatched = "dispatched"

// Dispatched reports whether the provider was ever asked to execute the entry's transfer.
func (e *LedgerEntry) Dispatched() bool {
	v, _ := e.Metadata[MetaDispatched].(bool)
	return v
}

// Clone copies the entry including its metadata map.
func (e *LedgerEntry) Clone() *LedgerEntry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Metadata = e.Metadata.Merge(nil)
	return &cp
}

// Metadata is a JSON-compatible map
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(value interface{}) error {
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	case nil:
		*m = Metadata{}
		return nil
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, m)
}

// Merge returns a new map with other's keys written over m's.
func (m Metadata) Merge(other Metadata) Metadata {
	out := make(Metadata, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// ExternalDestination identifies a bank account reachable through the settlement provider.
type ExternalDestination struct {
	AccountNumber string `json:"account_number" validate:"required,account_number"`
	BankCode      string `json:"bank_code" validate:"required,max=16"`
}

// Receipt is returned to the sender when a transfer has been reserved.
type Receipt struct {
	SenderName      string      `json:"sender_name"`
	SenderAccount   string      `json:"sender_account"`
	ReferenceID     string      `json:"reference_id"`
	DateTime        time.Time   `json:"date_time"`
	ReceiverName    string      `json:"receiver_name"`
	ReceiverAccount string      `json:"receiver_account"`
	ReceiverBank    string      `json:"receiver_bank"`
	SessionID       string      `json:"session_id"`
	Amount          string      `json:"amount"`
	AmountMinor     int64       `json:"amount_minor"`
	Currency        Currency    `json:"currency"`
	Status          EntryStatus `json:"status"`
	SenderBalance   BalancePair `json:"sender_balance"`
}

// Transfer is the derived view of a correlation id: its paired entries and any reversal.
type Transfer struct {
	Reference string       `json:"reference"`
	Status    EntryStatus  `json:"status"`
	Debit     *LedgerEntry `json:"debit"`
	Credit    *LedgerEntry `json:"credit"`
	Reversal  *LedgerEntry `json:"reversal,omitempty"`
}

// Event is published whenever a transfer changes state.
type Event struct {
	Type       string      `json:"type"`
	Reference  string      `json:"reference"`
	Status     EntryStatus `json:"status"`
	Amount     int64       `json:"amount"`
	Currency   Currency    `json:"currency"`
	AccountIDs []uuid.UUID `json:"-"`
	OccurredAt time.Time   `json:"occurred_at"`
}
