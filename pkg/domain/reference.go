package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	creditSuffix    = "-C"
	reversalPrefix  = "REV-"
	depositPrefix   = "DEP-"
	transferPrefix  = "TX-"
	InternalBankTag = "INTERNAL"
)

// NewTransferReference generates the debit reference that doubles as the correlation id.
func NewTransferReference(now time.Time) string {
	return fmt.Sprintf("%s%d-%s", transferPrefix, now.UnixMilli(), uuid.New().String()[:8])
}

// CreditReference is the reference of the credit entry paired with a transfer.
func CreditReference(correlationID string) string {
	return correlationID + creditSuffix
}

// ReversalReference is the reference of the compensating entry for a failed transfer.
func ReversalReference(correlationID string) string {
	return reversalPrefix + correlationID
}

// DepositReference is the reference of an inbound deposit keyed by the provider's reference.
func DepositReference(providerReference string) string {
	return depositPrefix + providerReference
}

// CorrelationFromReference strips the credit suffix or reversal prefix, if any.
func CorrelationFromReference(reference string) string {
	reference = strings.TrimPrefix(reference, reversalPrefix)
	return strings.TrimSuffix(reference, creditSuffix)
}
