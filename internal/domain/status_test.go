package domain

import "testing"

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from    TransactionStatus
		to      TransactionStatus
		allowed bool
	}{
		{TxStatusPending, TxStatusCompleted, true},
		{TxStatusPending, TxStatusCancelled, true},
		{TxStatusPending, TxStatusFailed, true},
		{TxStatusPending, TxStatusRefunded, false},
		{TxStatusPending, TxStatusPartiallyRefunded, false},
		{TxStatusCompleted, TxStatusRefunded, true},
		{TxStatusCompleted, TxStatusPartiallyRefunded, true},
		{TxStatusCompleted, TxStatusPending, false},
		{TxStatusCompleted, TxStatusCancelled, false},
		{TxStatusPartiallyRefunded, TxStatusRefunded, true},
		{TxStatusPartiallyRefunded, TxStatusPartiallyRefunded, true},
		{TxStatusPartiallyRefunded, TxStatusCompleted, false},
		{TxStatusRefunded, TxStatusRefunded, false},
		{TxStatusRefunded, TxStatusCompleted, false},
		{TxStatusCancelled, TxStatusCompleted, false},
		{TxStatusFailed, TxStatusPending, false},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.allowed {
			t.Fatalf("CanTransition(%s, %s) = %t, want %t", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []TransactionStatus{
		TxStatusPending, TxStatusCompleted, TxStatusCancelled,
		TxStatusFailed, TxStatusRefunded, TxStatusPartiallyRefunded,
	} {
		if !s.Valid() {
			t.Fatalf("expected %s to be a valid status", s)
		}
	}
	if TransactionStatus("voided").Valid() {
		t.Fatalf("expected unknown status to be invalid")
	}
}

func TestTransactionTypeValid(t *testing.T) {
	if !TxTypeSale.Valid() || !TxTypeAdjustment.Valid() {
		t.Fatalf("expected known types to be valid")
	}
	if TransactionType("GIFT").Valid() {
		t.Fatalf("expected unknown type to be invalid")
	}
}
