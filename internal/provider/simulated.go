package provider

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"poseidon/internal/domain"
	pkgerrors "poseidon/pkg/errors"
)

// Simulated account number prefixes.
const (
	SimulatedRejectPrefix  = "000"
	SimulatedPendingPrefix = "999"
)

// Simulated is an in-process provider for development. It accepts every transfer except
// destinations starting with SimulatedRejectPrefix, and leaves SimulatedPendingPrefix
// destinations pending forever.
type Simulated struct {
	latency time.Duration

	mu      sync.Mutex
	results map[string]*TransferResult
}

// NewSimulated creates a simulated provider answering after latency.
func NewSimulated(latency time.Duration) *Simulated {
	return &Simulated{
		latency: latency,
		results: make(map[string]*TransferResult),
	}
}

// Transfer implements Provider.
func (s *Simulated) Transfer(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, pkgerrors.Wrap(pkgerrors.ErrProviderTimeout, ctx.Err().Error())
		case <-timer.C:
		}
	}

	payload := domain.Metadata{
		"provider":       "simulated",
		"reference":      req.Reference,
		"account_number": req.AccountNumber,
		"account_bank":   req.BankCode,
		"amount":         req.Amount.Major(),
		"currency":       string(req.Amount.Currency),
	}

	if strings.HasPrefix(req.AccountNumber, SimulatedRejectPrefix) {
		payload["status"] = "FAILED"
		return nil, &RejectedError{Code: http.StatusBadRequest, Message: "destination account rejected", Payload: payload}
	}

	result := &TransferResult{Outcome: OutcomeSucceeded, Status: "SUCCESSFUL", Payload: payload}
	if strings.HasPrefix(req.AccountNumber, SimulatedPendingPrefix) {
		result = &TransferResult{Outcome: OutcomePending, Status: "NEW", Payload: payload}
	}
	payload["status"] = result.Status

	s.mu.Lock()
	s.results[req.Reference] = result
	s.mu.Unlock()

	return result, nil
}

// Status implements Provider. References never sent report OutcomeUnknown.
func (s *Simulated) Status(ctx context.Context, reference string) (*TransferResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if result, ok := s.results[reference]; ok {
		return result, nil
	}
	return &TransferResult{
		Outcome: OutcomeUnknown,
		Payload: domain.Metadata{"provider": "simulated", "reference": reference},
	}, nil
}
