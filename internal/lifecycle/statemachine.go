// Package lifecycle owns the order state machine and the handlers that
// drive it from client submissions and exchange responses.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wonny/m7sim/internal/contracts"
)

// EventKind identifies what happened to an order
type EventKind string

const (
	EventAcknowledged EventKind = "ACKNOWLEDGED"
	EventFilled       EventKind = "FILLED"
	EventRejected     EventKind = "REJECTED"
	EventCanceled     EventKind = "CANCELED"
)

// Event is an input to Apply. Build it with the constructors below.
type Event struct {
	Kind                EventKind
	ExchangeReferenceID string
	ExecutionPrice      *decimal.Decimal
	Reason              string
	At                  time.Time
}

// Acknowledged is the exchange receipt
func Acknowledged(referenceID string, at time.Time) Event {
	return Event{Kind: EventAcknowledged, ExchangeReferenceID: referenceID, At: at}
}

// Filled carries the execution price; nil is refused by Apply
func Filled(price *decimal.Decimal, at time.Time) Event {
	return Event{Kind: EventFilled, ExecutionPrice: price, At: at}
}

// Rejected carries an optional reason
func Rejected(reason string, at time.Time) Event {
	return Event{Kind: EventRejected, Reason: reason, At: at}
}

// Canceled is a user cancel request
func Canceled(at time.Time) Event {
	return Event{Kind: EventCanceled, At: at}
}

type edge struct {
	from contracts.Status
	to   contracts.Status
}

// Legal transitions, one per event. Terminal states have none.
var edges = map[EventKind]edge{
	EventAcknowledged: {contracts.StatusPending, contracts.StatusSubmitted},
	EventFilled:       {contracts.StatusSubmitted, contracts.StatusFilled},
	EventRejected:     {contracts.StatusSubmitted, contracts.StatusRejected},
	EventCanceled:     {contracts.StatusPending, contracts.StatusCanceled},
}

// TransitionError reports an event that is not valid for the order's
// current state. Message handlers treat it as a duplicate or late
// delivery and drop the message.
type TransitionError struct {
	Current  contracts.Status
	Expected contracts.Status
	Event    EventKind
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s event requires status %s, order is %s", e.Event, e.Expected, e.Current)
}

// ErrMalformedEvent is returned for an event missing its required data
var ErrMalformedEvent = errors.New("malformed event")

// Apply returns the order after ev, or an error. o is never modified.
func Apply(o contracts.Order, ev Event) (contracts.Order, error) {
	e, ok := edges[ev.Kind]
	if !ok {
		return o, fmt.Errorf("%w: unknown event %q", ErrMalformedEvent, ev.Kind)
	}
	if o.Status != e.from {
		return o, &TransitionError{Current: o.Status, Expected: e.from, Event: ev.Kind}
	}

	next := o
	switch ev.Kind {
	case EventAcknowledged:
		if strings.TrimSpace(ev.ExchangeReferenceID) == "" {
			return o, fmt.Errorf("%w: acknowledgment without exchange reference id", ErrMalformedEvent)
		}
		next.ExchangeReferenceID = ev.ExchangeReferenceID
	case EventFilled:
		if ev.ExecutionPrice == nil {
			return o, fmt.Errorf("%w: fill without execution price", ErrMalformedEvent)
		}
		price := *ev.ExecutionPrice
		next.ExecutionPrice = &price
	case EventRejected:
		next.RejectReason = ev.Reason
	}

	next.Status = e.to
	next.UpdatedAt = ev.At
	return next, nil
}

// IsLegal reports whether from -> to is one of the state machine edges
func IsLegal(from, to contracts.Status) bool {
	for _, e := range edges {
		if e.from == from && e.to == to {
			return true
		}
	}
	return false
}
