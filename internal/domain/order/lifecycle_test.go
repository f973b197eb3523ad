package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActiveOrders(t *testing.T) {
	jan1 := date(2014, time.January, 1, 0, 0, 0)
	asOf := date(2014, time.January, 10, 0, 0, 0)

	active := openOrder("active", jan1)
	stopped := boundedOrder("stopped", jan1, date(2014, time.January, 5, 0, 0, 0))
	future := openOrder("future", date(2014, time.February, 1, 0, 0, 0))
	voided := openOrder("voided", jan1)
	voided.Voided = Bool(true)
	discontinuation := openOrder("dc", jan1)
	discontinuation.Action = ActionDiscontinue

	got := ActiveOrders([]*Order{active, stopped, future, voided, discontinuation, nil}, asOf)
	assert.Equal(t, []*Order{active}, got)
}

func TestFindOverlapping(t *testing.T) {
	jan1 := date(2014, time.January, 1, 0, 0, 0)
	jan10 := date(2014, time.January, 10, 0, 0, 0)

	candidate := openOrder("candidate", jan1.AddDate(0, 0, 5))

	sameConcept := openOrder("same", jan1)
	ended := boundedOrder("ended", jan1, jan1.AddDate(0, 0, 5))
	otherConcept := openOrder("other-concept", jan1)
	otherConcept.Concept = quinine
	otherPatient := openOrder("other-patient", jan1)
	otherPatient.Patient = patientB
	stored := openOrder("candidate", jan10)

	got := FindOverlapping(candidate, []*Order{sameConcept, ended, otherConcept, otherPatient, stored, candidate})
	require.Len(t, got, 1)
	assert.Equal(t, "same", got[0].ID)

	assert.Nil(t, FindOverlapping(nil, []*Order{sameConcept}))
}

func TestDiscontinue(t *testing.T) {
	start := date(2014, time.January, 1, 0, 0, 0)
	at := date(2014, time.January, 5, 12, 0, 0)
	o := openOrder("o1", start)
	o.OrderType = drugOrderType

	dc, err := Discontinue(o, "adverse reaction", at)
	require.NoError(t, err)

	require.NotNil(t, o.DateStopped)
	assert.Equal(t, at, *o.DateStopped)
	assert.Equal(t, ActionDiscontinue, dc.Action)
	assert.Equal(t, "o1", dc.PreviousOrderID)
	assert.Equal(t, "adverse reaction", dc.OrderReasonNonCoded)
	assert.Same(t, o.Concept, dc.Concept)
	assert.Same(t, o.Patient, dc.Patient)
	assert.Equal(t, at, *dc.StartDate)
	assert.False(t, IsActive(o, at))
}

func TestDiscontinueErrors(t *testing.T) {
	start := date(2014, time.January, 1, 0, 0, 0)

	stopped := boundedOrder("stopped", start, start.Add(time.Hour))
	_, err := Discontinue(stopped, "", start.Add(30*time.Minute))
	assert.ErrorIs(t, err, ErrAlreadyStopped)

	voided := openOrder("voided", start)
	voided.Voided = Bool(true)
	_, err = Discontinue(voided, "", start.Add(time.Hour))
	assert.ErrorIs(t, err, ErrOrderVoided)

	notStarted := openOrder("later", start)
	_, err = Discontinue(notStarted, "", start.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Nil(t, notStarted.DateStopped)

	expired := openOrder("expired", start)
	expired.AutoExpireDate = Time(start.Add(time.Hour))
	_, err = Discontinue(expired, "", start.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestDiscontinueAll(t *testing.T) {
	start := date(2014, time.January, 1, 0, 0, 0)
	at := date(2014, time.January, 10, 0, 0, 0)

	active := openOrder("active", start)
	stoppedBefore := boundedOrder("stopped-before", start, at.Add(-time.Hour))
	stoppedAt := boundedOrder("stopped-at", start, at)
	expired := openOrder("expired", start)
	expired.AutoExpireDate = Time(at.Add(-time.Minute))
	startsLater := openOrder("starts-later", at.Add(time.Hour))
	alsoActive := openOrder("also-active", start.Add(time.Hour))
	alsoActive.Concept = quinine

	stops, err := DiscontinueAll([]*Order{active, stoppedBefore, stoppedAt, expired, startsLater, alsoActive}, "patient discharged", at)
	require.NoError(t, err)
	require.Len(t, stops, 2)
	assert.Equal(t, "active", stops[0].PreviousOrderID)
	assert.Equal(t, "also-active", stops[1].PreviousOrderID)

	assert.Equal(t, at.Add(-time.Hour), *stoppedBefore.DateStopped)
	assert.Nil(t, expired.DateStopped)
	assert.Nil(t, startsLater.DateStopped)
	assert.Equal(t, at, *active.DateStopped)
}

func TestRevise(t *testing.T) {
	start := date(2014, time.January, 1, 0, 0, 0)
	at := date(2014, time.January, 5, 0, 0, 0)

	prev := openOrder("prev", start)
	next := openOrder("next", at)
	next.StartDate = nil

	require.NoError(t, Revise(prev, next, at))

	assert.Equal(t, ActionRevise, next.Action)
	assert.Equal(t, "prev", next.PreviousOrderID)
	assert.Equal(t, at, *next.StartDate)
	require.NotNil(t, prev.DateStopped)
	assert.Equal(t, at.Add(-time.Second), *prev.DateStopped)
	assert.False(t, Overlaps(prev, next))
}

func TestReviseOrderStartingNow(t *testing.T) {
	at := date(2014, time.January, 5, 0, 0, 0)
	prev := openOrder("prev", at)
	next := openOrder("next", at)

	require.NoError(t, Revise(prev, next, at))
	assert.Equal(t, at, *prev.DateStopped)
}

func TestReviseInactiveOrder(t *testing.T) {
	at := date(2014, time.January, 5, 0, 0, 0)

	expired := openOrder("expired", at.AddDate(0, 0, -3))
	expired.AutoExpireDate = Time(at.AddDate(0, 0, -1))
	require.NoError(t, Revise(expired, openOrder("next", at), at))
	assert.Nil(t, expired.DateStopped)

	stopped := boundedOrder("stopped", at.AddDate(0, 0, -3), at.AddDate(0, 0, -1))
	assert.ErrorIs(t, Revise(stopped, openOrder("next", at), at), ErrAlreadyStopped)
}

func TestReviseScheduledOrderBeforeItStarts(t *testing.T) {
	at := date(2014, time.January, 2, 0, 0, 0)
	jan10 := date(2014, time.January, 10, 0, 0, 0)

	prev := openOrder("prev", at.AddDate(0, 0, -1))
	prev.Urgency = UrgencyOnScheduledDate
	prev.ScheduledDate = Time(jan10)
	next := openOrder("next", at)

	require.NoError(t, Revise(prev, next, at))

	require.NotNil(t, prev.DateStopped)
	assert.Equal(t, jan10, *prev.DateStopped)
	assert.False(t, Overlaps(prev, next))

	jan15 := date(2014, time.January, 15, 0, 0, 0)
	assert.False(t, IsActive(prev, jan15))
	assert.True(t, IsActive(next, jan15))
}

func TestVoid(t *testing.T) {
	o := openOrder("o1", date(2014, time.January, 1, 0, 0, 0))

	assert.ErrorIs(t, Void(o, "  "), ErrVoidReasonRequired)
	assert.False(t, o.IsVoided())

	require.NoError(t, Void(o, "entered in error"))
	assert.True(t, o.IsVoided())
	assert.Equal(t, "entered in error", o.VoidReason)

	assert.ErrorIs(t, Void(o, "again"), ErrOrderVoided)
}
