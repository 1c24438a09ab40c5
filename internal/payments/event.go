// Package payments adapts payment provider (Stripe) events and API calls to the save ledger.
package payments

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/lalithlochan/retain/internal/ledger"
)

// TypeInvoicePaymentSucceeded is the only provider event the ledger acts on.
const TypeInvoicePaymentSucceeded = "invoice.payment_succeeded"

var (
	ErrMalformedEvent   = errors.New("malformed payment event")
	ErrInvalidSignature = errors.New("invalid payment event signature")
)

// Event is the part of a provider event the ledger cares about. It is also
// the message body carried on the payment event queue.
type Event struct {
	ID         string    `json:"id,omitempty"`
	Type       string    `json:"type"`
	CustomerID string    `json:"customer_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// LedgerType maps the provider event type to a ledger reconciliation event,
// or "" when the ledger ignores it.
func (e Event) LedgerType() string {
	if e.Type == TypeInvoicePaymentSucceeded {
		return ledger.EventPaymentSucceeded
	}
	return ""
}

// Parse decodes a webhook body. When secret is set the Stripe-Signature header
// must verify against it. Events the ledger acts on must name a customer;
// other events only need a type.
func Parse(payload []byte, sigHeader, secret string) (*Event, error) {
	var se stripe.Event

	if secret != "" {
		if strings.TrimSpace(sigHeader) == "" {
			return nil, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
		}
		verified, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) ||
				errors.Is(err, webhook.ErrNoValidSignature) || errors.Is(err, webhook.ErrTooOld) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		se = verified
	} else if err := json.Unmarshal(payload, &se); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	event := &Event{
		ID:         se.ID,
		Type:       string(se.Type),
		ReceivedAt: time.Now().UTC(),
	}
	if event.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	if se.Data != nil {
		customer, err := customerID(se.Data.Raw)
		if err != nil {
			return nil, err
		}
		event.CustomerID = customer
	}

	if event.LedgerType() != "" && event.CustomerID == "" {
		return nil, fmt.Errorf("%w: %s without data.object.customer", ErrMalformedEvent, event.Type)
	}

	return event, nil
}

// customerID reads data.object.customer, which Stripe sends either as an id
// string or, when expanded, as an object with an id.
func customerID(object json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(object)) == 0 {
		return "", nil
	}

	var obj struct {
		Customer json.RawMessage `json:"customer"`
	}
	if err := json.Unmarshal(object, &obj); err != nil {
		return "", fmt.Errorf("%w: data.object: %v", ErrMalformedEvent, err)
	}

	raw := bytes.TrimSpace(obj.Customer)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id), nil
	}

	var expanded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &expanded); err != nil {
		return "", fmt.Errorf("%w: data.object.customer: %v", ErrMalformedEvent, err)
	}
	return strings.TrimSpace(expanded.ID), nil
}
