// Package terminal drives a remote card-reader device through the gateway's
// multi-phase payment protocol: intent creation, arming the reader, status
// polling, capture and finalization.
package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/registerlabs/posbridge/internal/money"
)

// IntentStatus is the status reported by the payment gateway for an intent.
type IntentStatus string

const (
	StatusRequiresPaymentMethod IntentStatus = "requires_payment_method"
	StatusProcessing            IntentStatus = "processing"
	StatusRequiresCapture       IntentStatus = "requires_capture"
	StatusRequiresAction        IntentStatus = "requires_action"
	StatusRequiresConfirmation  IntentStatus = "requires_confirmation"
	StatusSucceeded             IntentStatus = "succeeded"
	StatusCanceled              IntentStatus = "canceled"
)

// Reader describes the card-reader hardware attached to the gateway.
type Reader struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Status     string `json:"status"`
	DeviceType string `json:"device_type"`
}

// Online reports whether the reader can accept a payment.
func (r Reader) Online() bool { return r.Status == "online" }

// CardDetails carries presentment data for receipts.
type CardDetails struct {
	Brand string `json:"brand"`
	Last4 string `json:"last4"`
}

// Intent is the server-side resource representing one authorization attempt.
// Amount is in minor units on the wire.
type Intent struct {
	ID            string            `json:"id"`
	Status        IntentStatus      `json:"status"`
	Amount        money.Amount      `json:"amount"`
	Metadata      map[string]string `json:"metadata"`
	Card          *CardDetails      `json:"card,omitempty"`
	TransactionID string            `json:"transaction_id,omitempty"`
}

// Intent metadata keys. original_total preserves the pre-split total so
// receipts can be reconstructed after a split payment.
const (
	MetaTipAmount     = "tip_amount"
	MetaOriginalTotal = "original_total"
	MetaSplitPayment  = "is_split_payment"
	MetaOrderID       = "order_id"
)

// CreateIntentRequest is the intent creation payload.
type CreateIntentRequest struct {
	Amount      money.Amount      `json:"amount"`
	OrderID     string            `json:"order_id"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ErrorKind classifies gateway failures.
type ErrorKind string

const (
	ErrKindNotFound     ErrorKind = "not_found"
	ErrKindUnauthorized ErrorKind = "unauthorized"
	ErrKindNetwork      ErrorKind = "network_error"
	ErrKindGeneric      ErrorKind = "error"
)

// APIError is a typed gateway failure. Message carries the server-provided
// error text when one was returned.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

// ErrorMessage extracts a display message from a gateway error, falling back
// to the given default.
func ErrorMessage(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

// API is the gateway surface the orchestrator depends on.
type API interface {
	ReaderStatus(ctx context.Context) (Reader, error)
	CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error)
	ArmReader(ctx context.Context, readerID, intentID string) error
	IntentStatus(ctx context.Context, intentID string) (Intent, error)
	Capture(ctx context.Context, intentID string) error
	CancelAction(ctx context.Context, readerID, intentID string) error
}

// ClientConfig configures the gateway REST client.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// MaxRetries bounds retries of transient failures on idempotent reads.
	MaxRetries int
}

// Client is the HTTP implementation of API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	maxRetries int
}

var _ API = (*Client)(nil)

// NewClient constructs a gateway client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		maxRetries: maxRetries,
	}
}

// ReaderStatus fetches the reader attached to this site.
func (c *Client) ReaderStatus(ctx context.Context) (Reader, error) {
	var resp struct {
		Success bool   `json:"success"`
		Reader  Reader `json:"reader"`
		Error   string `json:"error,omitempty"`
	}
	if err := c.get(ctx, "/reader-status/", &resp); err != nil {
		return Reader{}, err
	}
	if !resp.Success {
		return Reader{}, &APIError{Kind: ErrKindGeneric, Message: resp.Error}
	}
	return resp.Reader, nil
}

// CreateIntent creates a payment intent for the exact requested amount.
func (c *Client) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	var intent Intent
	if err := c.post(ctx, "/create-payment-intent/", req, &intent); err != nil {
		return Intent{}, err
	}
	if intent.ID == "" {
		return Intent{}, &APIError{Kind: ErrKindGeneric, Message: "gateway returned no intent id"}
	}
	return intent, nil
}

// ArmReader hands the intent to the reader so it starts waiting for a card.
func (c *Client) ArmReader(ctx context.Context, readerID, intentID string) error {
	body := map[string]string{
		"reader_id":         readerID,
		"payment_intent_id": intentID,
	}
	return c.post(ctx, "/process-payment-method/", body, nil)
}

// IntentStatus fetches the full intent object.
func (c *Client) IntentStatus(ctx context.Context, intentID string) (Intent, error) {
	var intent Intent
	if err := c.get(ctx, "/payment-status/"+url.PathEscape(intentID)+"/", &intent); err != nil {
		return Intent{}, err
	}
	return intent, nil
}

// Capture captures an authorized intent.
func (c *Client) Capture(ctx context.Context, intentID string) error {
	body := map[string]string{"payment_intent_id": intentID}
	return c.post(ctx, "/capture-payment/", body, nil)
}

// CancelAction aborts the in-flight reader action for the intent.
func (c *Client) CancelAction(ctx context.Context, readerID, intentID string) error {
	body := map[string]string{
		"reader_id":         readerID,
		"payment_intent_id": intentID,
	}
	return c.post(ctx, "/cancel-action/", body, nil)
}

// get retries transient failures; GETs are idempotent so a retry can never
// double-charge.
func (c *Client) get(ctx context.Context, path string, target any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &APIError{Kind: ErrKindNetwork, Message: ctx.Err().Error()}
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}
		lastErr = c.do(ctx, http.MethodGet, path, nil, target)
		if lastErr == nil || !isTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, path string, body, target any) error {
	return c.do(ctx, http.MethodPost, path, body, target)
}

func (c *Client) do(ctx context.Context, method, path string, body, target any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Kind: ErrKindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if target == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &APIError{Kind: ErrKindNetwork, Message: err.Error()}
	}
	if err := json.Unmarshal(data, target); err != nil {
		return &APIError{Kind: ErrKindGeneric, Message: "malformed gateway response"}
	}
	return nil
}

func decodeError(resp *http.Response) *APIError {
	kind := ErrKindGeneric
	switch resp.StatusCode {
	case http.StatusNotFound:
		kind = ErrKindNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = ErrKindUnauthorized
	}

	msg := ""
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil && len(data) > 0 {
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &payload) == nil {
			if payload.Error != "" {
				msg = payload.Error
			} else {
				msg = payload.Message
			}
		}
	}
	return &APIError{Kind: kind, Status: resp.StatusCode, Message: msg}
}

func isTransient(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Kind == ErrKindNetwork {
		return !strings.Contains(apiErr.Message, context.Canceled.Error())
	}
	switch apiErr.Status {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
