// Package domain re-exports core domain types so internal code can import
// `poseidon/internal/domain` while using definitions from `poseidon/pkg/domain`.
package domain

import pkg "poseidon/pkg/domain"

// Currency represents a currency code.
type Currency = pkg.Currency

// Account is a ledger account holding one balance pair per currency.
type Account = pkg.Account

// AccountKind separates internal wallets from external placeholders.
type AccountKind = pkg.AccountKind

// BalancePair holds available and pending minor units.
type BalancePair = pkg.BalancePair

// LedgerEntry is an append-only journal row.
type LedgerEntry = pkg.LedgerEntry

// EntryType classifies journal rows.
type EntryType = pkg.EntryType

// Direction is debit or credit.
type Direction = pkg.Direction

// EntryStatus is the monotone entry status.
type EntryStatus = pkg.EntryStatus

// Metadata holds arbitrary key-value metadata.
type Metadata = pkg.Metadata

// ExternalDestination is a bank account reached through the provider.
type ExternalDestination = pkg.ExternalDestination

// Receipt is the pending-state response to a transfer.
type Receipt = pkg.Receipt

// Transfer is the derived view of a correlation id.
type Transfer = pkg.Transfer

// Event is a transfer state change notification.
type Event = pkg.Event

// Re-exported account kinds.
const (
	AccountKindInternal = pkg.AccountKindInternal
	AccountKindExternal = pkg.AccountKindExternal
)

// Re-exported entry types.
const (
	EntryTypeTransfer = pkg.EntryTypeTransfer
	EntryTypeReversal = pkg.EntryTypeReversal
	EntryTypeDeposit  = pkg.EntryTypeDeposit
)

// Re-exported directions.
const (
	DirectionDebit  = pkg.DirectionDebit
	DirectionCredit = pkg.DirectionCredit
)

// Re-exported entry statuses.
const (
	EntryStatusPending = pkg.EntryStatusPending
	EntryStatusSuccess = pkg.EntryStatusSuccess
	EntryStatusFailed  = pkg.EntryStatusFailed
)

// InternalBankTag labels internal receivers on receipts.
const InternalBankTag = pkg.InternalBankTag

// MetaDispatched flags credit entries already sent to the provider.
const MetaDispatched = pkg.MetaDispatched

// Re-exported reference helpers.
var (
	NewTransferReference     = pkg.NewTransferReference
	CreditReference          = pkg.CreditReference
	ReversalReference        = pkg.ReversalReference
	DepositReference         = pkg.DepositReference
	CorrelationFromReference = pkg.CorrelationFromReference
)
