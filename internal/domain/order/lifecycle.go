package order

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrAlreadyStopped is returned when stopping an order that already has a stop date
	ErrAlreadyStopped = errors.New("order is already stopped")
	// ErrOrderVoided is returned for lifecycle changes on a voided order
	ErrOrderVoided = errors.New("order is voided")
	// ErrNotActive is returned when discontinuing an order not in effect
	ErrNotActive = errors.New("order is not active")
	// ErrVoidReasonRequired is returned when voiding without a reason
	ErrVoidReasonRequired = errors.New("void reason is required")
)

// ActiveOrders returns the orders in effect at asOf. Discontinuation orders
// are bookkeeping records and never count as active.
func ActiveOrders(orders []*Order, asOf time.Time) []*Order {
	var active []*Order
	for _, o := range orders {
		if o == nil || o.Action == ActionDiscontinue {
			continue
		}
		if IsActive(o, asOf) {
			active = append(active, o)
		}
	}
	return active
}

// FindOverlapping returns the orders in existing for the candidate's patient
// and concept whose effective interval overlaps the candidate's.
func FindOverlapping(candidate *Order, existing []*Order) []*Order {
	if candidate == nil {
		return nil
	}
	var conflicts []*Order
	for _, o := range existing {
		if o == nil || o == candidate || o.Action == ActionDiscontinue {
			continue
		}
		if candidate.ID != "" && o.ID == candidate.ID {
			continue
		}
		if o.PatientID() != candidate.PatientID() || !o.Concept.Same(candidate.Concept) {
			continue
		}
		if Overlaps(candidate, o) {
			conflicts = append(conflicts, o)
		}
	}
	return conflicts
}

// Discontinue stops o at the given instant and returns the DISCONTINUE order
// recording it.
func Discontinue(o *Order, reason string, at time.Time) (*Order, error) {
	if err := checkStoppable(o); err != nil {
		return nil, err
	}
	if !IsActive(o, at) {
		return nil, fmt.Errorf("discontinue order %s at %s: %w", o.ID, at.Format(time.RFC3339), ErrNotActive)
	}

	o.DateStopped = Time(at)
	return &Order{
		Kind:                o.Kind,
		Patient:             o.Patient,
		Concept:             o.Concept,
		Orderer:             o.Orderer,
		Encounter:           o.Encounter,
		OrderType:           o.OrderType,
		Action:              ActionDiscontinue,
		Urgency:             UrgencyRoutine,
		StartDate:           Time(at),
		Voided:              Bool(false),
		PreviousOrderID:     o.ID,
		OrderReasonNonCoded: reason,
	}, nil
}

// DiscontinueAll discontinues every order active at the given instant and
// returns the resulting DISCONTINUE orders. Orders not in effect at that
// instant are left untouched.
func DiscontinueAll(orders []*Order, reason string, at time.Time) ([]*Order, error) {
	var stops []*Order
	for _, o := range ActiveOrders(orders, at) {
		if o.DateStopped != nil {
			continue
		}
		stop, err := Discontinue(o, reason, at)
		if err != nil {
			return stops, err
		}
		stops = append(stops, stop)
	}
	return stops, nil
}

// Revise replaces prev with next. Unless prev already ended by at, it stops
// one second before the revision takes effect, or at its own start when it
// has not started yet, so the two orders never overlap.
func Revise(prev, next *Order, at time.Time) error {
	if err := checkStoppable(prev); err != nil {
		return err
	}
	if next == nil {
		return errors.New("revision is nil")
	}

	next.Action = ActionRevise
	next.PreviousOrderID = prev.ID
	if next.StartDate == nil {
		next.StartDate = Time(at)
	}

	if end, bounded := EffectiveEnd(prev); !bounded || end.After(at) {
		stop := at.Add(-time.Second)
		if start, _ := EffectiveStart(prev); stop.Before(start) {
			stop = start
		}
		prev.DateStopped = Time(stop)
	}
	return nil
}

// Void marks o as entered in error
func Void(o *Order, reason string) error {
	if o == nil {
		return errors.New("order is nil")
	}
	if strings.TrimSpace(reason) == "" {
		return ErrVoidReasonRequired
	}
	if o.IsVoided() {
		return fmt.Errorf("void order %s: %w", o.ID, ErrOrderVoided)
	}
	o.Voided = Bool(true)
	o.VoidReason = reason
	return nil
}

func checkStoppable(o *Order) error {
	if o == nil {
		return errors.New("order is nil")
	}
	if o.IsVoided() {
		return fmt.Errorf("order %s: %w", o.ID, ErrOrderVoided)
	}
	if o.DateStopped != nil {
		return fmt.Errorf("order %s stopped at %s: %w", o.ID, o.DateStopped.Format(time.RFC3339), ErrAlreadyStopped)
	}
	return nil
}
