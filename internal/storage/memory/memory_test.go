package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/registerlabs/posbridge/internal/storage"
)

func TestRecordAndGetPayment(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec, err := s.RecordPayment(ctx, storage.PaymentRecord{
		OrderID:  "ord_1",
		IntentID: "pi_1",
		Amount:   2300,
		Outcome:  storage.OutcomeSuccess,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("id was not assigned")
	}
	if rec.CreatedAt.IsZero() {
		t.Fatal("created_at was not stamped")
	}

	got, err := s.GetPayment(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OrderID != "ord_1" || got.Amount != 2300 {
		t.Fatalf("unexpected record: %#v", got)
	}
}

func TestGetMissingPayment(t *testing.T) {
	s := New()
	if _, err := s.GetPayment(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.RecordPayment(ctx, storage.PaymentRecord{ID: "42"}); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if _, err := s.RecordPayment(ctx, storage.PaymentRecord{ID: "42"}); err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
}

func TestListPaymentsNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.RecordPayment(ctx, storage.PaymentRecord{OrderID: fmt.Sprintf("ord_%d", i)}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	all, err := s.ListPayments(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 records, got %d", len(all))
	}
	if all[0].OrderID != "ord_4" || all[4].OrderID != "ord_0" {
		t.Fatalf("not newest first: %#v", all)
	}

	limited, err := s.ListPayments(ctx, 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 || limited[0].OrderID != "ord_4" || limited[1].OrderID != "ord_3" {
		t.Fatalf("unexpected limited page: %#v", limited)
	}
}
