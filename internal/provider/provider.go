// Package provider talks to the external settlement provider.
package provider

import (
	"context"
	"fmt"
	"strings"

	"poseidon/internal/domain"
	pkgerrors "poseidon/pkg/errors"
	"poseidon/pkg/money"
)

// Outcome is what the provider reported for a transfer it accepted.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePending   Outcome = "pending"
	// OutcomeUnknown means the provider holds no transfer under the reference.
	OutcomeUnknown Outcome = "unknown"
)

// TransferRequest is an outbound settlement instruction.
type TransferRequest struct {
	Reference     string
	AccountNumber string
	BankCode      string
	Amount        money.Money
	Narration     string
}

// TransferResult is a non-rejected provider answer.
type TransferResult struct {
	Outcome Outcome
	Status  string
	Payload domain.Metadata
}

// Provider issues settlement calls. Transfer and Status return *RejectedError when the
// provider definitively refused the transfer, ErrProviderTimeout or ErrProviderUnavailable
// when the outcome is unknown.
type Provider interface {
	Transfer(ctx context.Context, req *TransferRequest) (*TransferResult, error)
	Status(ctx context.Context, reference string) (*TransferResult, error)
}

// RejectedError carries the provider's refusal payload.
type RejectedError struct {
	Code    int
	Message string
	Payload domain.Metadata
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (code %d)", pkgerrors.ErrProviderRejected, e.Code)
	}
	return fmt.Sprintf("%s (code %d): %s", pkgerrors.ErrProviderRejected, e.Code, e.Message)
}

// Is lets callers match with errors.Is(err, ErrProviderRejected).
func (e *RejectedError) Is(target error) bool {
	return target == pkgerrors.ErrProviderRejected
}

// Narration is the transfer description sent to the provider.
func Narration(reference string) string {
	return "POSEIDON transfer " + reference
}

// classifyStatus maps a provider transfer status onto an outcome. ok is false for failures.
func classifyStatus(status string) (Outcome, bool) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCESSFUL", "SUCCESS", "SUCCEEDED", "COMPLETED":
		return OutcomeSucceeded, true
	case "FAILED", "FAILURE", "ERROR", "REJECTED", "CANCELLED":
		return "", false
	default:
		return OutcomePending, true
	}
}
