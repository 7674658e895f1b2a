package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"poseidon/internal/domain"
	"poseidon/pkg/config"
	pkgerrors "poseidon/pkg/errors"
	"poseidon/pkg/logger"
	"poseidon/pkg/metrics"

	"github.com/sony/gobreaker"
)

const maxResponseBytes = 1 << 20

const (
	opTransfer = "transfer"
	opStatus   = "status"
)

// HTTPClient is a Flutterwave-style transfers API client guarded by a circuit breaker.
type HTTPClient struct {
	baseURL   string
	secretKey string
	timeout   time.Duration
	client    *http.Client
	cb        *gobreaker.CircuitBreaker
	metrics   metrics.Collector
	logger    logger.Logger
}

type transferBody struct {
	AccountBank   string      `json:"account_bank"`
	AccountNumber string      `json:"account_number"`
	Amount        json.Number `json:"amount"`
	Narration     string      `json:"narration"`
	Currency      string      `json:"currency"`
	Reference     string      `json:"reference"`
}

// NewHTTPClient creates a provider client from configuration.
func NewHTTPClient(cfg config.ProviderConfig, collector metrics.Collector, log logger.Logger) *HTTPClient {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	c := &HTTPClient{
		baseURL:   cfg.BaseURL,
		secretKey: cfg.SecretKey,
		timeout:   cfg.Timeout,
		client:    &http.Client{},
		metrics:   collector,
		logger:    log,
	}

	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	settings := gobreaker.Settings{
		Name:        "settlement-provider",
		MaxRequests: cfg.HalfOpenProbes,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// A refusal is a healthy answer from the provider.
		IsSuccessful: func(err error) bool {
			var rejected *RejectedError
			return err == nil || errors.As(err, &rejected)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Provider circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})

			var state metrics.CircuitState
			switch to {
			case gobreaker.StateClosed:
				state = metrics.CircuitClosed
			case gobreaker.StateHalfOpen:
				state = metrics.CircuitHalfOpen
			case gobreaker.StateOpen:
				state = metrics.CircuitOpen
			}
			c.metrics.RecordCircuitState(state)
		},
	}
	c.cb = gobreaker.NewCircuitBreaker(settings)

	return c
}

// Transfer implements Provider.
func (c *HTTPClient) Transfer(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	narration := req.Narration
	if narration == "" {
		narration = Narration(req.Reference)
	}
	body, err := json.Marshal(transferBody{
		AccountBank:   req.BankCode,
		AccountNumber: req.AccountNumber,
		Amount:        json.Number(req.Amount.Major()),
		Narration:     narration,
		Currency:      string(req.Amount.Currency),
		Reference:     req.Reference,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to encode transfer request")
	}
	return c.call(ctx, opTransfer, http.MethodPost, c.baseURL+"/transfers", body)
}

// Status implements Provider.
func (c *HTTPClient) Status(ctx context.Context, reference string) (*TransferResult, error) {
	endpoint := c.baseURL + "/transfers?reference=" + url.QueryEscape(reference)
	return c.call(ctx, opStatus, http.MethodGet, endpoint, nil)
}

func (c *HTTPClient) call(ctx context.Context, operation, method, endpoint string, body []byte) (*TransferResult, error) {
	start := time.Now()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, operation, method, endpoint, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: circuit %s", pkgerrors.ErrProviderUnavailable, c.cb.State())
	}

	duration := time.Since(start)
	c.metrics.RecordProviderCall(operation, outcomeLabel(out, err), duration)

	if err != nil {
		fields := map[string]interface{}{
			"operation":   operation,
			"duration_ms": duration.Milliseconds(),
			"error":       err.Error(),
		}
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			c.logger.Info("Provider rejected request", fields)
		} else {
			c.logger.Warn("Provider call failed", fields)
		}
		return nil, err
	}

	result := out.(*TransferResult)
	c.logger.Debug("Provider call completed", map[string]interface{}{
		"operation":   operation,
		"outcome":     result.Outcome,
		"status":      result.Status,
		"duration_ms": duration.Milliseconds(),
	})
	return result, nil
}

func (c *HTTPClient) roundTrip(ctx context.Context, operation, method, endpoint string, body []byte) (*TransferResult, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to build provider request")
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", pkgerrors.ErrProviderTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", pkgerrors.ErrProviderTimeout, err)
		}
		return nil, fmt.Errorf("%w: reading response: %v", pkgerrors.ErrProviderUnavailable, err)
	}
	return interpret(operation, resp.StatusCode, decodePayload(raw))
}

// interpret maps a provider response onto a result. Only an explicit refusal of the
// transfer itself becomes *RejectedError.
func interpret(operation string, code int, payload domain.Metadata) (*TransferResult, error) {
	switch {
	case code >= 500, code == http.StatusUnauthorized, code == http.StatusForbidden,
		code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", pkgerrors.ErrProviderUnavailable, code)
	case operation == opStatus && code == http.StatusNotFound:
		return &TransferResult{Outcome: OutcomeUnknown, Payload: payload}, nil
	case operation == opStatus && code >= 400:
		return nil, fmt.Errorf("%w: status %d", pkgerrors.ErrProviderUnavailable, code)
	case operation == opTransfer && code == http.StatusConflict:
		// duplicate reference: the provider already holds this transfer
		return &TransferResult{Outcome: OutcomePending, Status: "DUPLICATE", Payload: payload}, nil
	case code >= 400:
		return nil, &RejectedError{Code: code, Message: stringField(payload, "message"), Payload: payload}
	}

	data := transferData(payload)
	status := stringField(data, "status")
	if operation == opStatus && status == "" {
		return &TransferResult{Outcome: OutcomeUnknown, Payload: payload}, nil
	}
	outcome, ok := classifyStatus(status)
	if !ok {
		message := stringField(data, "complete_message")
		if message == "" {
			message = stringField(payload, "message")
		}
		return nil, &RejectedError{Code: code, Message: message, Payload: payload}
	}
	return &TransferResult{Outcome: outcome, Status: status, Payload: payload}, nil
}

func decodePayload(raw []byte) domain.Metadata {
	payload := domain.Metadata{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return payload
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.Metadata{"raw": string(raw)}
	}
	return payload
}

// transferData returns the transfer object of a response; list responses yield their first item.
func transferData(payload domain.Metadata) map[string]interface{} {
	switch data := payload["data"].(type) {
	case map[string]interface{}:
		return data
	case []interface{}:
		if len(data) > 0 {
			if first, ok := data[0].(map[string]interface{}); ok {
				return first
			}
		}
	}
	return map[string]interface{}{}
}

func stringField(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func outcomeLabel(out interface{}, err error) string {
	var rejected *RejectedError
	switch {
	case err == nil:
		if result, ok := out.(*TransferResult); ok {
			return string(result.Outcome)
		}
		return "unknown"
	case errors.As(err, &rejected):
		return "rejected"
	case errors.Is(err, pkgerrors.ErrProviderTimeout):
		return "timeout"
	default:
		return "unavailable"
	}
}
