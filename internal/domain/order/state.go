package order

import "time"

// OrderState implements the state pattern for order lifecycle transitions.
type OrderState interface {
	Status() Status
	OnPaymentCaptured() (OrderState, error)
	// OnPaymentAbandoned covers an expired payment window and a customer
	// leaving the provider page.
	OnPaymentAbandoned() (OrderState, error)
	OnCancelled() (OrderState, error)
	OnSuperseded() (OrderState, error)
	OnApproved() (OrderState, error)
	OnRejected() (OrderState, error)
}

type pendingState struct{}

func (pendingState) Status() Status                          { return StatusPendingProcessing }
func (pendingState) OnPaymentCaptured() (OrderState, error)  { return paidState{}, nil }
func (pendingState) OnPaymentAbandoned() (OrderState, error) { return finalState{StatusFailed}, nil }
func (pendingState) OnCancelled() (OrderState, error)        { return finalState{StatusFailed}, nil }
func (pendingState) OnSuperseded() (OrderState, error)       { return finalState{StatusCancelled}, nil }
func (pendingState) OnApproved() (OrderState, error)         { return finalState{StatusApproved}, nil }
func (pendingState) OnRejected() (OrderState, error)         { return finalState{StatusRejected}, nil }

// paidState accepts repeated capture notifications and customer cancellation.
type paidState struct{ finalState }

func (paidState) Status() Status                         { return StatusPaid }
func (paidState) OnPaymentCaptured() (OrderState, error) { return paidState{}, nil }
func (paidState) OnCancelled() (OrderState, error)       { return finalState{StatusFailed}, nil }

type finalState struct{ status Status }

func (s finalState) Status() Status                        { return s.status }
func (finalState) OnPaymentCaptured() (OrderState, error)  { return nil, ErrInvalidStateTransition }
func (finalState) OnPaymentAbandoned() (OrderState, error) { return nil, ErrInvalidStateTransition }
func (finalState) OnCancelled() (OrderState, error)        { return nil, ErrInvalidStateTransition }
func (finalState) OnSuperseded() (OrderState, error)       { return nil, ErrInvalidStateTransition }
func (finalState) OnApproved() (OrderState, error)         { return nil, ErrInvalidStateTransition }
func (finalState) OnRejected() (OrderState, error)         { return nil, ErrInvalidStateTransition }

func stateOf(s Status) OrderState {
	switch s {
	case StatusPendingProcessing:
		return pendingState{}
	case StatusPaid:
		return paidState{}
	default:
		return finalState{status: s}
	}
}

// State returns the lifecycle state of the order's current status.
func (o *Order) State() OrderState { return stateOf(o.Status) }

// CanCancel reports whether a customer may still cancel the order.
func (o *Order) CanCancel() bool {
	_, err := o.State().OnCancelled()
	return err == nil
}

func (o *Order) apply(event func(OrderState) (OrderState, error), now time.Time) error {
	next, err := event(o.State())
	if err != nil {
		return err
	}
	o.Status = next.Status()
	o.UpdatedAt = now
	return nil
}

func (o *Order) MarkPaid(now time.Time) error {
	return o.apply(OrderState.OnPaymentCaptured, now)
}

func (o *Order) MarkPaymentAbandoned(now time.Time) error {
	return o.apply(OrderState.OnPaymentAbandoned, now)
}

func (o *Order) Cancel(now time.Time) error {
	return o.apply(OrderState.OnCancelled, now)
}

func (o *Order) Supersede(now time.Time) error {
	return o.apply(OrderState.OnSuperseded, now)
}

func (o *Order) Approve(now time.Time) error {
	return o.apply(OrderState.OnApproved, now)
}

func (o *Order) Reject(now time.Time) error {
	return o.apply(OrderState.OnRejected, now)
}
