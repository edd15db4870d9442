package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/registerlabs/posbridge/internal/bus"
	"github.com/registerlabs/posbridge/internal/metrics"
	"github.com/registerlabs/posbridge/internal/money"
	"github.com/registerlabs/posbridge/internal/storage"
	"github.com/registerlabs/posbridge/pkg/logger"
)

// State is the orchestrator's local state machine state.
type State string

const (
	StateIdle             State = "idle"
	StateConnecting       State = "connecting"
	StateReaderCheck      State = "reader_check"
	StateCreatingIntent   State = "creating_intent"
	StateProcessingIntent State = "processing_intent"
	StateWaitingForCard   State = "waiting_for_card"
	StateInProgress       State = "processing"
	StateSuccess          State = "success"
	StateError            State = "error"
)

// Active reports whether the state belongs to an in-flight session. The
// single-active-session invariant is enforced on this predicate by the
// transition function, not by callers.
func (s State) Active() bool {
	switch s {
	case StateConnecting, StateReaderCheck, StateCreatingIntent,
		StateProcessingIntent, StateWaitingForCard, StateInProgress:
		return true
	}
	return false
}

// validNext encodes the legal transitions. A new attempt may only begin from
// a settled state; error re-enters connecting on explicit retry.
var validNext = map[State][]State{
	StateIdle:             {StateConnecting},
	StateSuccess:          {StateConnecting, StateIdle},
	StateError:            {StateConnecting, StateIdle},
	StateConnecting:       {StateReaderCheck, StateError, StateIdle},
	StateReaderCheck:      {StateCreatingIntent, StateError, StateIdle},
	StateCreatingIntent:   {StateProcessingIntent, StateError, StateIdle},
	StateProcessingIntent: {StateWaitingForCard, StateError, StateIdle},
	StateWaitingForCard:   {StateWaitingForCard, StateInProgress, StateSuccess, StateError, StateIdle},
	StateInProgress:       {StateWaitingForCard, StateInProgress, StateSuccess, StateError, StateIdle},
}

// Order is the payment request handed in by the UI.
type Order struct {
	OrderID string
	// BaseTotal is the amount due for this attempt, before tip. Under a
	// split payment this is the split share, not the ticket total.
	BaseTotal money.Amount
	Tip       money.Amount
	Split     bool
	// OriginalTotal is the pre-split ticket total kept in intent metadata
	// for receipt reconstruction. Zero means BaseTotal.
	OriginalTotal money.Amount
}

// Result is the success payload published when a session completes. Amount is
// sourced from the intent's own reported amount, never re-derived from the
// request, so a backend-side adjustment cannot drift the receipt.
type Result struct {
	Amount        money.Amount `json:"amount"`
	TipAmount     money.Amount `json:"tip_amount"`
	CardBrand     string       `json:"card_brand,omitempty"`
	CardLast4     string       `json:"card_last4,omitempty"`
	TransactionID string       `json:"transaction_id,omitempty"`
	IntentID      string       `json:"intent_id"`
	CompletedAt   time.Time    `json:"completed_at"`
}

// Orchestrator errors.
var (
	// ErrSessionActive means a payment attempt is already in flight; the
	// call is a no-op and observable state is unchanged.
	ErrSessionActive = errors.New("payment session already active")
	// ErrNoSession means there is nothing to cancel.
	ErrNoSession = errors.New("no active payment session")
)

// Config configures the orchestrator.
type Config struct {
	// PollInterval is the status poll spacing. Zero selects 2.5s.
	PollInterval time.Duration
}

// Orchestrator walks a remote card reader through intent creation, arming and
// completion, with a background status poller. At most one session is active
// at a time.
type Orchestrator struct {
	api   API
	bus   *bus.Bus
	store storage.PaymentStore
	log   *logger.Logger
	cfg   Config

	mu               sync.Mutex
	state            State
	errMsg           string
	order            Order
	reader           Reader
	intentID         string
	captureRequested bool
	actionWarned     bool
	poller           *poller
}

// NewOrchestrator constructs an orchestrator in the idle state.
func NewOrchestrator(api API, b *bus.Bus, store storage.PaymentStore, log *logger.Logger, cfg Config) *Orchestrator {
	if log == nil {
		log = logger.NewDefault("terminal")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2500 * time.Millisecond
	}
	return &Orchestrator{
		api:   api,
		bus:   b,
		store: store,
		log:   log,
		cfg:   cfg,
		state: StateIdle,
	}
}

// State returns the current state and error message.
func (o *Orchestrator) State() (State, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.errMsg
}

// transitionLocked applies a state change after checking it against the
// transition table. Caller holds o.mu.
func (o *Orchestrator) transitionLocked(to State) error {
	if o.state == to {
		return nil // idempotent; poll results may repeat
	}
	for _, next := range validNext[o.state] {
		if next == to {
			o.state = to
			if to != StateError {
				o.errMsg = ""
			}
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", o.state, to)
}

// ProcessPayment starts a payment attempt for the order. It returns
// ErrSessionActive without side effects while a session is in flight. The
// call returns once the reader is armed and polling has started; completion
// is delivered through the bus and the payment store.
func (o *Orchestrator) ProcessPayment(ctx context.Context, order Order) error {
	o.mu.Lock()
	if o.state.Active() {
		o.mu.Unlock()
		return ErrSessionActive
	}
	if err := o.transitionLocked(StateConnecting); err != nil {
		o.mu.Unlock()
		return err
	}
	o.order = order
	o.intentID = ""
	o.captureRequested = false
	o.actionWarned = false
	o.mu.Unlock()
	o.publishStatus(StateConnecting, "")

	reader, err := o.api.ReaderStatus(ctx)
	if err != nil {
		return o.fail(ErrorMessage(err, "failed to reach card reader"))
	}
	if !reader.Online() {
		return o.fail(fmt.Sprintf("card reader %s is %s", reader.Label, reader.Status))
	}
	o.setReader(reader)
	if err := o.advance(StateReaderCheck); err != nil {
		return err
	}

	// The charge amount is the exact sum in minor units; rounding happened
	// once, when the amounts were parsed.
	amount := order.BaseTotal.Add(order.Tip)
	original := order.OriginalTotal
	if original == 0 {
		original = order.BaseTotal
	}

	if err := o.advance(StateCreatingIntent); err != nil {
		return err
	}
	intent, err := o.api.CreateIntent(ctx, CreateIntentRequest{
		Amount:      amount,
		OrderID:     order.OrderID,
		Description: fmt.Sprintf("order %s", order.OrderID),
		Metadata: map[string]string{
			MetaTipAmount:     order.Tip.String(),
			MetaOriginalTotal: original.String(),
			MetaSplitPayment:  fmt.Sprintf("%t", order.Split),
			MetaOrderID:       order.OrderID,
		},
	})
	if err != nil {
		return o.fail(ErrorMessage(err, "failed to create payment intent"))
	}

	o.mu.Lock()
	o.intentID = intent.ID
	o.mu.Unlock()

	if err := o.advance(StateProcessingIntent); err != nil {
		return err
	}
	if err := o.api.ArmReader(ctx, reader.ID, intent.ID); err != nil {
		return o.fail(ErrorMessage(err, "failed to start reader payment"))
	}

	o.mu.Lock()
	if err := o.transitionLocked(StateWaitingForCard); err != nil {
		o.mu.Unlock()
		return err
	}
	p := newPoller(o.api, intent.ID, o.cfg.PollInterval, o.log, o.currentIntent, o.handleIntent)
	o.poller = p
	o.mu.Unlock()

	o.publishStatus(StateWaitingForCard, "")
	o.log.WithField("intent_id", intent.ID).
		WithField("amount", amount.String()).
		Info("reader armed, awaiting card")
	p.start()
	return nil
}

// Cancel aborts the active session. The cancel request is sent to the reader
// only when a session is active.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	if !o.state.Active() {
		o.mu.Unlock()
		return ErrNoSession
	}
	readerID := o.reader.ID
	intentID := o.intentID
	p := o.poller
	o.poller = nil
	o.mu.Unlock()

	if p != nil {
		p.stop()
	}
	if intentID != "" {
		if err := o.api.CancelAction(ctx, readerID, intentID); err != nil {
			o.log.WithError(err).Warn("cancel-action request failed")
		}
	}
	o.settle(StateError, "payment canceled", storage.OutcomeCanceled, nil)
	return nil
}

// Shutdown stops polling and clears the session guard unconditionally so a
// stuck session cannot leak across reattachment.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	p := o.poller
	o.poller = nil
	o.state = StateIdle
	o.errMsg = ""
	o.intentID = ""
	o.mu.Unlock()

	if p != nil {
		p.stop()
	}
}

// Name implements system.Service.
func (o *Orchestrator) Name() string { return "payment-orchestrator" }

// Start implements system.Service; the orchestrator is request-driven.
func (o *Orchestrator) Start(ctx context.Context) error { return nil }

// Stop implements system.Service.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.Shutdown()
	return nil
}

func (o *Orchestrator) currentIntent() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.intentID
}

func (o *Orchestrator) setReader(r Reader) {
	o.mu.Lock()
	o.reader = r
	o.mu.Unlock()
}

// advance applies a transition and publishes the resulting status.
func (o *Orchestrator) advance(to State) error {
	o.mu.Lock()
	err := o.transitionLocked(to)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	o.publishStatus(to, "")
	return nil
}

// fail moves the session to the error state, clears the guard so the same
// screen can retry, and records the attempt.
func (o *Orchestrator) fail(msg string) error {
	o.settle(StateError, msg, storage.OutcomeError, nil)
	return errors.New(msg)
}

// handleIntent consumes one poll result. It returns true when polling must
// stop. A result for a superseded intent id performs no state mutation.
func (o *Orchestrator) handleIntent(ctx context.Context, intent Intent) bool {
	o.mu.Lock()
	if intent.ID != o.intentID {
		o.mu.Unlock()
		return true
	}

	switch intent.Status {
	case StatusSucceeded:
		o.mu.Unlock()
		o.complete(intent)
		return true

	case StatusRequiresCapture:
		if o.captureRequested {
			o.mu.Unlock()
			return false
		}
		o.captureRequested = true
		o.mu.Unlock()
		if err := o.api.Capture(ctx, intent.ID); err != nil {
			o.settle(StateError, ErrorMessage(err, "failed to capture payment"), storage.OutcomeError, nil)
			return true
		}
		return false

	case StatusRequiresPaymentMethod:
		err := o.transitionLocked(StateWaitingForCard)
		o.mu.Unlock()
		if err == nil {
			o.publishStatus(StateWaitingForCard, "")
		}
		return false

	case StatusProcessing, StatusRequiresAction, StatusRequiresConfirmation:
		if intent.Status != StatusProcessing && !o.actionWarned {
			// The terminal flow cannot complete an on-screen customer
			// action; we keep polling and surface it once.
			o.actionWarned = true
			o.log.WithField("intent_id", intent.ID).
				WithField("status", string(intent.Status)).
				Warn("intent requires customer interaction beyond the reader")
		}
		changed := o.state != StateInProgress
		err := o.transitionLocked(StateInProgress)
		o.mu.Unlock()
		if err == nil && changed {
			o.publishStatus(StateInProgress, "")
		}
		return false

	case StatusCanceled:
		o.mu.Unlock()
		o.settle(StateError, "payment canceled", storage.OutcomeCanceled, nil)
		return true

	default:
		o.mu.Unlock()
		o.log.WithField("status", string(intent.Status)).Warn("unknown intent status")
		return false
	}
}

// complete finishes the session successfully. The charged amount comes from
// the intent; the tip comes from intent metadata with the original request as
// fallback.
func (o *Orchestrator) complete(intent Intent) {
	o.mu.Lock()
	tip := o.order.Tip
	if raw, ok := intent.Metadata[MetaTipAmount]; ok {
		if parsed, err := money.Parse(raw); err == nil {
			tip = parsed
		}
	}
	result := Result{
		Amount:        intent.Amount,
		TipAmount:     tip,
		IntentID:      intent.ID,
		TransactionID: intent.TransactionID,
		CompletedAt:   time.Now().UTC(),
	}
	if intent.Card != nil {
		result.CardBrand = intent.Card.Brand
		result.CardLast4 = intent.Card.Last4
	}
	o.mu.Unlock()

	o.settle(StateSuccess, "", storage.OutcomeSuccess, &result)
}

// settle ends the current session in a terminal state, records it, and
// publishes the corresponding events.
func (o *Orchestrator) settle(to State, msg, outcome string, result *Result) {
	o.mu.Lock()
	if !o.state.Active() {
		// The session already settled on another path (for example a poll
		// result racing a cancel).
		o.mu.Unlock()
		return
	}
	order := o.order
	intentID := o.intentID
	o.state = to
	o.errMsg = msg
	o.intentID = ""
	o.poller = nil
	o.mu.Unlock()

	metrics.Payment(to == StateSuccess)
	o.publishStatus(to, msg)

	rec := storage.PaymentRecord{
		OrderID:      order.OrderID,
		IntentID:     intentID,
		Outcome:      outcome,
		ErrorMessage: msg,
	}
	if result != nil {
		rec.IntentID = result.IntentID
		rec.Amount = result.Amount
		rec.TipAmount = result.TipAmount
		rec.CardBrand = result.CardBrand
		rec.CardLast4 = result.CardLast4
		rec.TransactionID = result.TransactionID
	} else {
		rec.Amount = order.BaseTotal.Add(order.Tip)
		rec.TipAmount = order.Tip
	}
	if o.store != nil {
		if _, err := o.store.RecordPayment(context.Background(), rec); err != nil {
			o.log.WithError(err).Warn("failed to record payment attempt")
		}
	}

	if result != nil {
		o.bus.Publish(bus.Envelope{
			Type: bus.TypePaymentResult,
			Fields: map[string]any{
				"amount":         result.Amount.String(),
				"tip_amount":     result.TipAmount.String(),
				"card_brand":     result.CardBrand,
				"card_last4":     result.CardLast4,
				"transaction_id": result.TransactionID,
				"intent_id":      result.IntentID,
				"timestamp":      result.CompletedAt.Format(time.RFC3339),
			},
		})
		o.log.WithField("intent_id", result.IntentID).
			WithField("amount", result.Amount.String()).
			Info("payment succeeded")
	} else {
		o.log.WithField("order_id", order.OrderID).
			WithField("error", msg).
			Warn("payment session ended without success")
	}
}

func (o *Orchestrator) publishStatus(state State, msg string) {
	o.bus.Publish(bus.Envelope{
		Type: bus.TypePaymentStatus,
		Fields: map[string]any{
			"state": string(state),
			"error": msg,
		},
	})
}
