package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		kind ErrorKind
		msg  string
	}{
		{"already claimed", ErrAlreadyClaimed, KindAlreadyClaimed, "AlreadyClaimed"},
		{"amount out of range", ErrAmountOutOfRange, KindAmountOutOfRange, "AmountOutOfRange"},
		{"insufficient funds", ErrInsufficientFunds, KindInsufficientFunds, "InsufficientFunds"},
		{"generic", NewGeneric("boom %d", 7), KindGeneric, "Generic: boom 7"},
		{"lwk", NewLwk(errors.New("db locked")), KindLwkError, "LwkError: db locked"},
		{"send", NewSend("broadcast rejected"), KindSendError, "SendError: broadcast rejected"},
		{"signer", NewSigner(errors.New("bad key")), KindSignerError, "SignerError: bad key"},
		{"refunded", NewRefunded("expired", "aa11"), KindRefunded, "Refunded: expired (refund tx aa11)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Kind != tt.kind {
				t.Fatalf("kind = %s, want %s", tt.err.Kind, tt.kind)
			}
			if tt.err.Error() != tt.msg {
				t.Fatalf("message = %q, want %q", tt.err.Error(), tt.msg)
			}
		})
	}
}

func TestIsKind(t *testing.T) {
	wrapped := fmt.Errorf("send payment: %w", ErrInvalidInvoice)
	if !IsKind(wrapped, KindInvalidInvoice) {
		t.Fatal("expected wrapped error to match KindInvalidInvoice")
	}
	if IsKind(wrapped, KindInvalidPreimage) {
		t.Fatal("unexpected kind match")
	}
	if IsKind(errors.New("plain"), KindGeneric) {
		t.Fatal("plain error should not match any kind")
	}
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil {
		t.Fatal("nil should stay nil")
	}
	pe := AsError(errors.New("unknown failure"))
	if pe.Kind != KindGeneric || pe.Err != "unknown failure" {
		t.Fatalf("got %+v, want Generic wrap", pe)
	}
	orig := NewRefunded("late", "bb22")
	got := AsError(fmt.Errorf("outer: %w", orig))
	if got != orig {
		t.Fatal("wrapped payment error should be returned as-is")
	}
}

func TestErrorJSON(t *testing.T) {
	b, err := json.Marshal(NewRefunded("expired", "cc33"))
	if err != nil {
		t.Fatal(err)
	}
	var decoded Error
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Kind != KindRefunded || decoded.RefundTxID != "cc33" {
		t.Fatalf("roundtrip mismatch: %+v", decoded)
	}
	b, err = json.Marshal(ErrPairsNotFound)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"kind":"PairsNotFound"}` {
		t.Fatalf("payload-free variant should omit empty fields, got %s", b)
	}
}
