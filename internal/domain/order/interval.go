package order

import "time"

// EffectiveStart returns the instant an order starts to take effect.
// Scheduled orders start on their scheduled date, all others on their start date.
func EffectiveStart(o *Order) (time.Time, bool) {
	if o == nil {
		return time.Time{}, false
	}
	if o.Urgency == UrgencyOnScheduledDate && o.ScheduledDate != nil {
		return *o.ScheduledDate, true
	}
	if o.StartDate != nil {
		return *o.StartDate, true
	}
	return time.Time{}, false
}

// EffectiveEnd returns the instant an order stops being in effect.
// ok is false for open-ended orders.
func EffectiveEnd(o *Order) (end time.Time, ok bool) {
	if o == nil {
		return time.Time{}, false
	}
	if o.DateStopped != nil {
		return *o.DateStopped, true
	}
	if o.AutoExpireDate != nil {
		return *o.AutoExpireDate, true
	}
	return time.Time{}, false
}

// IsActive reports whether the order is in effect at asOf
func IsActive(o *Order, asOf time.Time) bool {
	if o == nil || o.IsVoided() {
		return false
	}
	start, ok := EffectiveStart(o)
	if !ok || asOf.Before(start) {
		return false
	}
	if end, bounded := EffectiveEnd(o); bounded && !asOf.Before(end) {
		return false
	}
	return true
}

// IsStarted reports whether the order's effective start is at or before asOf
func IsStarted(o *Order, asOf time.Time) bool {
	start, ok := EffectiveStart(o)
	return ok && !asOf.Before(start)
}

// IsExpired reports whether the order ran out on its auto-expire date before asOf
func IsExpired(o *Order, asOf time.Time) bool {
	if o == nil || o.DateStopped != nil || o.AutoExpireDate == nil {
		return false
	}
	return !asOf.Before(*o.AutoExpireDate)
}

// Overlaps reports whether two orders' effective intervals intersect.
// Intervals are half-open, so an order ending exactly when the other starts
// does not overlap it, and an order stopped at or before its own start
// overlaps nothing.
func Overlaps(a, b *Order) bool {
	if a == nil || b == nil || a.IsVoided() || b.IsVoided() {
		return false
	}
	startA, okA := EffectiveStart(a)
	startB, okB := EffectiveStart(b)
	if !okA || !okB {
		return false
	}
	if endA, bounded := EffectiveEnd(a); bounded && (!endA.After(startB) || !endA.After(startA)) {
		return false
	}
	if endB, bounded := EffectiveEnd(b); bounded && (!endB.After(startA) || !endB.After(startB)) {
		return false
	}
	return true
}
