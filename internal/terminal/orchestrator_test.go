package terminal

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/registerlabs/posbridge/internal/bus"
	"github.com/registerlabs/posbridge/internal/money"
	"github.com/registerlabs/posbridge/internal/storage"
	"github.com/registerlabs/posbridge/internal/storage/memory"
	"github.com/registerlabs/posbridge/pkg/logger"
)

func testLogger() *logger.Logger {
	l := logger.NewDefault("test")
	l.SetOutput(io.Discard)
	return l
}

// fakeAPI scripts gateway behavior. IntentStatus consumes the status queue
// and repeats the last entry once drained.
type fakeAPI struct {
	mu sync.Mutex

	reader    Reader
	readerErr error

	createErr error
	created   []CreateIntentRequest

	armErr error
	armed  int

	statuses    []Intent
	statusCalls int

	captureErr error
	captures   int

	cancels int
}

func onlineReader() Reader {
	return Reader{ID: "rdr_1", Label: "Front Counter", Status: "online", DeviceType: "bbpos_wisepos_e"}
}

func (f *fakeAPI) ReaderStatus(ctx context.Context) (Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readerErr != nil {
		return Reader{}, f.readerErr
	}
	return f.reader, nil
}

func (f *fakeAPI) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return Intent{}, f.createErr
	}
	f.created = append(f.created, req)
	return Intent{
		ID:       "pi_1",
		Status:   StatusRequiresPaymentMethod,
		Amount:   req.Amount,
		Metadata: req.Metadata,
	}, nil
}

func (f *fakeAPI) ArmReader(ctx context.Context, readerID, intentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.armErr != nil {
		return f.armErr
	}
	f.armed++
	return nil
}

func (f *fakeAPI) IntentStatus(ctx context.Context, intentID string) (Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if len(f.statuses) == 0 {
		return Intent{ID: intentID, Status: StatusProcessing}, nil
	}
	next := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return next, nil
}

func (f *fakeAPI) Capture(ctx context.Context, intentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	return f.captureErr
}

func (f *fakeAPI) CancelAction(ctx context.Context, readerID, intentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeAPI) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func newTestOrchestrator(api *fakeAPI) (*Orchestrator, *bus.Bus, *memory.Store) {
	b := bus.New()
	store := memory.New()
	o := NewOrchestrator(api, b, store, testLogger(), Config{PollInterval: 5 * time.Millisecond})
	return o, b, store
}

func waitForState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, _ := o.State(); state == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	state, msg := o.State()
	t.Fatalf("state = %s (%q), want %s", state, msg, want)
}

func TestHappyPath(t *testing.T) {
	api := &fakeAPI{
		reader: onlineReader(),
		statuses: []Intent{
			{ID: "pi_1", Status: StatusRequiresPaymentMethod},
			{
				ID:     "pi_1",
				Status: StatusSucceeded,
				Amount: 2300,
				Metadata: map[string]string{
					MetaTipAmount:     "3.00",
					MetaOriginalTotal: "20.00",
				},
				Card:          &CardDetails{Brand: "visa", Last4: "4242"},
				TransactionID: "txn_77",
			},
		},
	}
	o, b, store := newTestOrchestrator(api)
	defer o.Shutdown()

	results := make(chan bus.Envelope, 1)
	b.Subscribe(bus.Filter{Type: bus.TypePaymentResult}, func(e bus.Envelope) { results <- e })

	order := Order{
		OrderID:   "ord_1",
		BaseTotal: money.MustParse("20.00"),
		Tip:       money.MustParse("3.00"),
	}
	if err := o.ProcessPayment(context.Background(), order); err != nil {
		t.Fatalf("process payment: %v", err)
	}

	waitForState(t, o, StateSuccess)

	// The intent was created for the exact base+tip sum in minor units.
	if got := api.created[0].Amount; got != 2300 {
		t.Fatalf("intent amount = %d, want 2300", got)
	}
	if api.created[0].Metadata[MetaTipAmount] != "3.00" {
		t.Fatalf("tip metadata = %q", api.created[0].Metadata[MetaTipAmount])
	}
	if api.created[0].Metadata[MetaOriginalTotal] != "20.00" {
		t.Fatalf("original total metadata = %q", api.created[0].Metadata[MetaOriginalTotal])
	}

	select {
	case env := <-results:
		if env.Field("amount") != "23.00" {
			t.Fatalf("result amount = %q, want \"23.00\"", env.Field("amount"))
		}
		if env.Field("tip_amount") != "3.00" {
			t.Fatalf("result tip = %q", env.Field("tip_amount"))
		}
		if env.Field("card_brand") != "visa" || env.Field("card_last4") != "4242" {
			t.Fatalf("card details lost: %#v", env.Fields)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("payment result never published")
	}

	records, err := store.ListPayments(context.Background(), 10)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.Outcome != storage.OutcomeSuccess || rec.Amount != 2300 || rec.TipAmount != 300 {
		t.Fatalf("unexpected record: %#v", rec)
	}
}

func TestChargedAmountComesFromIntent(t *testing.T) {
	// The backend adjusted the amount; the success payload must report what
	// the intent says, not what the request asked for.
	api := &fakeAPI{
		reader: onlineReader(),
		statuses: []Intent{
			{ID: "pi_1", Status: StatusSucceeded, Amount: 1400},
		},
	}
	o, b, _ := newTestOrchestrator(api)
	defer o.Shutdown()

	results := make(chan bus.Envelope, 1)
	b.Subscribe(bus.Filter{Type: bus.TypePaymentResult}, func(e bus.Envelope) { results <- e })

	order := Order{
		OrderID:   "ord_2",
		BaseTotal: money.MustParse("12.50"),
		Tip:       money.MustParse("2.50"),
	}
	if err := o.ProcessPayment(context.Background(), order); err != nil {
		t.Fatalf("process payment: %v", err)
	}
	waitForState(t, o, StateSuccess)

	env := <-results
	if env.Field("amount") != "14.00" {
		t.Fatalf("result amount = %q, want intent-reported \"14.00\"", env.Field("amount"))
	}
	// No tip metadata on the intent, so the request tip is the fallback.
	if env.Field("tip_amount") != "2.50" {
		t.Fatalf("tip fallback = %q, want \"2.50\"", env.Field("tip_amount"))
	}
}

func TestOfflineReaderFailsWithoutIntent(t *testing.T) {
	api := &fakeAPI{reader: Reader{ID: "rdr_1", Label: "Front Counter", Status: "offline"}}
	o, _, store := newTestOrchestrator(api)
	defer o.Shutdown()

	err := o.ProcessPayment(context.Background(), Order{OrderID: "ord_3", BaseTotal: 2000})
	if err == nil {
		t.Fatal("expected failure for offline reader")
	}

	state, msg := o.State()
	if state != StateError || msg == "" {
		t.Fatalf("state = %s (%q)", state, msg)
	}
	if api.createdCount() != 0 {
		t.Fatal("intent created despite offline reader")
	}

	records, _ := store.ListPayments(context.Background(), 10)
	if len(records) != 1 || records[0].Outcome != storage.OutcomeError {
		t.Fatalf("unexpected records: %#v", records)
	}
}

func TestSecondSessionIsNoOp(t *testing.T) {
	api := &fakeAPI{reader: onlineReader()} // statuses drain to processing forever
	o, _, _ := newTestOrchestrator(api)
	defer o.Shutdown()

	if err := o.ProcessPayment(context.Background(), Order{OrderID: "ord_4", BaseTotal: 1000}); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	// Let the session settle into steady-state polling so the racing poller
	// cannot move the state between the snapshots below.
	waitForState(t, o, StateInProgress)

	stateBefore, _ := o.State()
	err := o.ProcessPayment(context.Background(), Order{OrderID: "ord_5", BaseTotal: 500})
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	stateAfter, _ := o.State()
	if stateBefore != stateAfter {
		t.Fatalf("state changed by rejected attempt: %s -> %s", stateBefore, stateAfter)
	}
	if api.createdCount() != 1 {
		t.Fatalf("expected 1 intent, got %d", api.createdCount())
	}
}

func TestRequiresCaptureTriggersExactlyOneCapture(t *testing.T) {
	api := &fakeAPI{
		reader: onlineReader(),
		statuses: []Intent{
			{ID: "pi_1", Status: StatusRequiresCapture, Amount: 1000},
			{ID: "pi_1", Status: StatusRequiresCapture, Amount: 1000},
			{ID: "pi_1", Status: StatusRequiresCapture, Amount: 1000},
			{ID: "pi_1", Status: StatusSucceeded, Amount: 1000},
		},
	}
	o, _, _ := newTestOrchestrator(api)
	defer o.Shutdown()

	if err := o.ProcessPayment(context.Background(), Order{OrderID: "ord_6", BaseTotal: 1000}); err != nil {
		t.Fatalf("process payment: %v", err)
	}
	waitForState(t, o, StateSuccess)

	api.mu.Lock()
	captures := api.captures
	api.mu.Unlock()
	if captures != 1 {
		t.Fatalf("capture called %d times, want exactly 1", captures)
	}
}

func TestCaptureFailureEndsSession(t *testing.T) {
	api := &fakeAPI{
		reader:     onlineReader(),
		captureErr: &APIError{Kind: ErrKindGeneric, Message: "capture declined"},
		statuses: []Intent{
			{ID: "pi_1", Status: StatusRequiresCapture, Amount: 1000},
		},
	}
	o, _, _ := newTestOrchestrator(api)
	defer o.Shutdown()

	if err := o.ProcessPayment(context.Background(), Order{OrderID: "ord_7", BaseTotal: 1000}); err != nil {
		t.Fatalf("process payment: %v", err)
	}
	waitForState(t, o, StateError)

	_, msg := o.State()
	if msg != "capture declined" {
		t.Fatalf("error message = %q", msg)
	}

	// The session guard is cleared, so a retry is allowed.
	api.mu.Lock()
	api.captureErr = nil
	api.statuses = []Intent{{ID: "pi_1", Status: StatusSucceeded, Amount: 1000}}
	api.mu.Unlock()
	if err := o.ProcessPayment(context.Background(), Order{OrderID: "ord_7", BaseTotal: 1000}); err != nil {
		t.Fatalf("retry after capture failure: %v", err)
	}
	waitForState(t, o, StateSuccess)
}

func TestGatewayCanceledStatus(t *testing.T) {
	api := &fakeAPI{
		reader: onlineReader(),
		statuses: []Intent{
			{ID: "pi_1", Status: StatusCanceled},
		},
	}
	o, _, store := newTestOrchestrator(api)
	defer o.Shutdown()

	if err := o.ProcessPayment(context.Background(), Order{OrderID: "ord_8", BaseTotal: 1000}); err != nil {
		t.Fatalf("process payment: %v", err)
	}
	waitForState(t, o, StateError)

	records, _ := store.ListPayments(context.Background(), 10)
	if len(records) != 1 || records[0].Outcome != storage.OutcomeCanceled {
		t.Fatalf("unexpected records: %#v", records)
	}
}

func TestExplicitCancel(t *testing.T) {
	api := &fakeAPI{reader: onlineReader()} // polls stay in processing
	o, _, _ := newTestOrchestrator(api)
	defer o.Shutdown()

	if err := o.ProcessPayment(context.Background(), Order{OrderID: "ord_9", BaseTotal: 1000}); err != nil {
		t.Fatalf("process payment: %v", err)
	}
	if err := o.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	state, msg := o.State()
	if state != StateError || msg != "payment canceled" {
		t.Fatalf("state = %s (%q)", state, msg)
	}
	api.mu.Lock()
	cancels := api.cancels
	api.mu.Unlock()
	if cancels != 1 {
		t.Fatalf("cancel-action called %d times", cancels)
	}

	// Nothing active anymore: a second cancel is rejected.
	if err := o.Cancel(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestCancelOnWaitingForCardEvent(t *testing.T) {
	// The UI reacts to the waiting_for_card status event by canceling, which
	// can land before the poller's loop is running. Cancel must still stop
	// polling and settle the session rather than block.
	api := &fakeAPI{reader: onlineReader()}
	o, b, store := newTestOrchestrator(api)
	defer o.Shutdown()

	var once sync.Once
	cancelErr := make(chan error, 1)
	b.Subscribe(bus.Filter{Type: bus.TypePaymentStatus}, func(e bus.Envelope) {
		if e.Field("state") == string(StateWaitingForCard) {
			once.Do(func() { cancelErr <- o.Cancel(context.Background()) })
		}
	})

	processErr := make(chan error, 1)
	go func() {
		processErr <- o.ProcessPayment(context.Background(), Order{OrderID: "ord_14", BaseTotal: 1000})
	}()

	select {
	case err := <-cancelErr:
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel never returned")
	}
	if err := <-processErr; err != nil {
		t.Fatalf("process payment: %v", err)
	}

	waitForState(t, o, StateError)
	_, msg := o.State()
	if msg != "payment canceled" {
		t.Fatalf("error message = %q", msg)
	}

	api.mu.Lock()
	calls := api.statusCalls
	api.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	api.mu.Lock()
	after := api.statusCalls
	api.mu.Unlock()
	if after != calls {
		t.Fatalf("polling continued after cancel: %d -> %d", calls, after)
	}

	records, _ := store.ListPayments(context.Background(), 10)
	if len(records) != 1 || records[0].Outcome != storage.OutcomeCanceled {
		t.Fatalf("unexpected records: %#v", records)
	}
}

func TestStalePollPerformsNoMutation(t *testing.T) {
	api := &fakeAPI{reader: onlineReader()}
	o, _, store := newTestOrchestrator(api)
	defer o.Shutdown()

	if err := o.ProcessPayment(context.Background(), Order{OrderID: "ord_10", BaseTotal: 1000}); err != nil {
		t.Fatalf("process payment: %v", err)
	}
	waitForState(t, o, StateInProgress)
	stateBefore, _ := o.State()

	// A poll result for a superseded intent must stop its poller without
	// touching orchestrator state.
	stop := o.handleIntent(context.Background(), Intent{ID: "pi_stale", Status: StatusSucceeded, Amount: 9999})
	if !stop {
		t.Fatal("stale poll did not self-terminate")
	}
	stateAfter, _ := o.State()
	if stateBefore != stateAfter {
		t.Fatalf("stale poll mutated state: %s -> %s", stateBefore, stateAfter)
	}
	if records, _ := store.ListPayments(context.Background(), 10); len(records) != 0 {
		t.Fatalf("stale poll recorded a payment: %#v", records)
	}
}

func TestShutdownStopsPollingUnconditionally(t *testing.T) {
	api := &fakeAPI{reader: onlineReader()}
	o, _, _ := newTestOrchestrator(api)

	if err := o.ProcessPayment(context.Background(), Order{OrderID: "ord_11", BaseTotal: 1000}); err != nil {
		t.Fatalf("process payment: %v", err)
	}
	o.Shutdown()

	state, _ := o.State()
	if state != StateIdle {
		t.Fatalf("state after shutdown = %s", state)
	}

	api.mu.Lock()
	calls := api.statusCalls
	api.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	api.mu.Lock()
	after := api.statusCalls
	api.mu.Unlock()
	if after != calls {
		t.Fatalf("polling continued after shutdown: %d -> %d", calls, after)
	}

	// The guard is cleared: a fresh attempt may start.
	api.mu.Lock()
	api.statuses = []Intent{{ID: "pi_1", Status: StatusSucceeded, Amount: 1000}}
	api.mu.Unlock()
	if err := o.ProcessPayment(context.Background(), Order{OrderID: "ord_12", BaseTotal: 1000}); err != nil {
		t.Fatalf("attempt after shutdown: %v", err)
	}
	waitForState(t, o, StateSuccess)
	o.Shutdown()
}

func TestWaitingForCardTransition(t *testing.T) {
	api := &fakeAPI{
		reader: onlineReader(),
		statuses: []Intent{
			{ID: "pi_1", Status: StatusRequiresPaymentMethod},
			{ID: "pi_1", Status: StatusProcessing},
			{ID: "pi_1", Status: StatusSucceeded, Amount: 1000},
		},
	}
	o, b, _ := newTestOrchestrator(api)
	defer o.Shutdown()

	var mu sync.Mutex
	var states []string
	b.Subscribe(bus.Filter{Type: bus.TypePaymentStatus}, func(e bus.Envelope) {
		mu.Lock()
		states = append(states, e.Field("state"))
		mu.Unlock()
	})

	if err := o.ProcessPayment(context.Background(), Order{OrderID: "ord_13", BaseTotal: 1000}); err != nil {
		t.Fatalf("process payment: %v", err)
	}
	waitForState(t, o, StateSuccess)

	mu.Lock()
	defer mu.Unlock()
	seen := map[string]bool{}
	for _, s := range states {
		seen[s] = true
	}
	for _, want := range []string{"connecting", "waiting_for_card", "processing", "success"} {
		if !seen[want] {
			t.Fatalf("status %q never published; got %v", want, states)
		}
	}
}
