package payments

import (
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/lalithlochan/retain/internal/ledger"
)

func TestParse_PaymentSucceeded(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"invoice.payment_succeeded","data":{"object":{"id":"in_1","customer":"cus_123"}}}`)

	event, err := Parse(body, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if event.ID != "evt_1" {
		t.Errorf("expected id evt_1, got %s", event.ID)
	}
	if event.CustomerID != "cus_123" {
		t.Errorf("expected customer cus_123, got %s", event.CustomerID)
	}
	if event.LedgerType() != ledger.EventPaymentSucceeded {
		t.Errorf("expected ledger type %s, got %q", ledger.EventPaymentSucceeded, event.LedgerType())
	}
	if event.ReceivedAt.IsZero() {
		t.Error("expected received_at to be set")
	}
}

func TestParse_ExpandedCustomer(t *testing.T) {
	body := []byte(`{"type":"invoice.payment_succeeded","data":{"object":{"customer":{"id":"cus_9","object":"customer"}}}}`)

	event, err := Parse(body, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.CustomerID != "cus_9" {
		t.Errorf("expected cus_9, got %s", event.CustomerID)
	}
}

func TestParse_UnknownTypeIsNotMalformed(t *testing.T) {
	tests := []string{
		`{"type":"customer.created","data":{"object":{"id":"cus_1"}}}`,
		`{"type":"invoice.payment_failed","data":{"object":{"customer":"cus_1"}}}`,
		`{"type":"charge.refunded"}`,
	}

	for _, body := range tests {
		event, err := Parse([]byte(body), "", "")
		if err != nil {
			t.Errorf("%s: unexpected error: %v", body, err)
			continue
		}
		if event.LedgerType() != "" {
			t.Errorf("%s: expected no ledger type, got %q", body, event.LedgerType())
		}
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `not json`},
		{"missing type", `{"data":{"object":{"customer":"cus_1"}}}`},
		{"missing customer", `{"type":"invoice.payment_succeeded","data":{"object":{"id":"in_1"}}}`},
		{"null customer", `{"type":"invoice.payment_succeeded","data":{"object":{"customer":null}}}`},
		{"missing data", `{"type":"invoice.payment_succeeded"}`},
		{"customer wrong shape", `{"type":"invoice.payment_succeeded","data":{"object":{"customer":42}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body), "", "")
			if !errors.Is(err, ErrMalformedEvent) {
				t.Errorf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}

func TestParse_Signature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_2","object":"event","type":"invoice.payment_succeeded","data":{"object":{"customer":"cus_1"}}}`)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: time.Now(),
	})

	event, err := Parse(body, signed.Header, secret)
	if err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if event.CustomerID != "cus_1" {
		t.Errorf("expected cus_1, got %s", event.CustomerID)
	}

	if _, err := Parse(body, signed.Header, "whsec_other"); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for wrong secret, got %v", err)
	}

	if _, err := Parse(body, "", secret); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for missing header, got %v", err)
	}

	tampered := []byte(`{"id":"evt_2","object":"event","type":"invoice.payment_succeeded","data":{"object":{"customer":"cus_2"}}}`)
	if _, err := Parse(tampered, signed.Header, secret); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for tampered body, got %v", err)
	}
}
