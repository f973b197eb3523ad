package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var validationNow = date(2014, time.August, 1, 12, 0, 0)

func newTestValidator() *Validator {
	return &Validator{Now: fixedClock(validationNow)}
}

func TestValidateDrugOrderValid(t *testing.T) {
	d := validDrugOrder(date(2014, time.July, 1, 10, 0, 0))
	errs := newTestValidator().ValidateDrugOrder(d)
	assert.False(t, errs.HasErrors(), errs.String())
}

func TestValidateNil(t *testing.T) {
	errs := newTestValidator().Validate(nil)
	require.Len(t, errs, 1)
	assert.Equal(t, Violation{Field: FieldOrder, Code: CodeGeneral}, errs[0])
}

func TestValidateRequiredFields(t *testing.T) {
	errs := newTestValidator().Validate(&Order{})

	assert.Equal(t, []string{CodeNull}, errs.FieldCodes(FieldVoided))
	assert.Equal(t, []string{CodeNoConceptSelected}, errs.FieldCodes(FieldConcept))
	for _, field := range []string{FieldPatient, FieldEncounter, FieldOrderer, FieldUrgency, FieldStartDate, FieldAction} {
		assert.Equal(t, []string{CodeNull}, errs.FieldCodes(field), field)
	}
}

func TestValidateEncounterPatientMismatch(t *testing.T) {
	d := validDrugOrder(date(2014, time.July, 1, 10, 0, 0))
	d.Encounter.Patient = patientB

	errs := newTestValidator().ValidateDrugOrder(d)
	assert.Equal(t, []string{CodeEncounterPatientMismatch}, errs.FieldCodes(FieldEncounter))
	assert.Equal(t, []string{FieldEncounter}, errs.Fields())
}

func TestValidateEncounterWithoutPatient(t *testing.T) {
	d := validDrugOrder(date(2014, time.July, 1, 10, 0, 0))
	d.Encounter.Patient = nil

	errs := newTestValidator().ValidateDrugOrder(d)
	assert.Equal(t, []string{CodeEncounterPatientMismatch}, errs.FieldCodes(FieldEncounter))
	assert.Equal(t, []string{FieldEncounter}, errs.Fields())
}

func TestValidateDrugConceptByUUID(t *testing.T) {
	d := validDrugOrder(date(2014, time.July, 1, 10, 0, 0))
	d.Concept = &Concept{ID: "concept-aspirin", UUID: "uuid-aspirin", Name: "Aspirin"}
	d.Drug.Concept = &Concept{UUID: "uuid-aspirin"}

	errs := newTestValidator().ValidateDrugOrder(d)
	assert.False(t, errs.HasErrors(), errs.String())
}

func TestValidateOrderType(t *testing.T) {
	start := date(2014, time.July, 1, 10, 0, 0)
	testOrders := &OrderType{ID: "type-test", Kind: KindTestOrder}
	anyOrders := &OrderType{ID: "type-any", Kind: KindOrder}
	explicit := &OrderType{ID: "type-explicit", Kind: KindOrder, CompatibleKinds: []Kind{KindTestOrder}}

	tests := []struct {
		name      string
		orderType *OrderType
		wantError bool
	}{
		{"same kind", drugOrderType, false},
		{"parent kind", anyOrders, false},
		{"sibling kind", testOrders, true},
		{"explicit compatible set excludes", explicit, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDrugOrder(start)
			d.OrderType = tt.orderType
			errs := newTestValidator().ValidateDrugOrder(d)
			assert.Equal(t, tt.wantError, errs.HasFieldErrors(FieldOrderType), errs.String())
		})
	}

	// a plain order may not be filed under a drug order type
	o := openOrder("o", start)
	o.Encounter = &Encounter{ID: "e", Patient: patientA}
	o.OrderType = drugOrderType
	errs := newTestValidator().Validate(o)
	assert.Equal(t, []string{CodeOrderTypeMismatch}, errs.FieldCodes(FieldOrderType))
}

func TestValidateStartDateAfterDateStopped(t *testing.T) {
	start := date(2014, time.July, 1, 10, 0, 0)
	d := validDrugOrder(start)
	d.DateStopped = Time(start.Add(-time.Minute))

	errs := newTestValidator().ValidateDrugOrder(d)
	assert.Equal(t, []string{CodeStartDateAfterDiscontinuedDate}, errs.FieldCodes(FieldStartDate))
	assert.Equal(t, []string{CodeStartDateAfterDiscontinuedDate}, errs.FieldCodes(FieldDateStopped))
}

func TestValidateStartDateAfterAutoExpireDate(t *testing.T) {
	start := date(2014, time.July, 1, 10, 0, 0)
	d := validDrugOrder(start)
	d.AutoExpireDate = Time(start.Add(-time.Minute))

	errs := newTestValidator().ValidateDrugOrder(d)
	assert.Equal(t, []string{CodeStartDateAfterAutoExpireDate}, errs.FieldCodes(FieldStartDate))
	assert.Equal(t, []string{CodeStartDateAfterAutoExpireDate}, errs.FieldCodes(FieldAutoExpireDate))
}

func TestValidateStartDateEqualToStopIsAllowed(t *testing.T) {
	start := date(2014, time.July, 1, 10, 0, 0)
	d := validDrugOrder(start)
	d.DateStopped = Time(start)
	d.AutoExpireDate = Time(start)

	assert.False(t, newTestValidator().ValidateDrugOrder(d).HasErrors())
}

func TestValidateStartDateBeforeEncounter(t *testing.T) {
	start := date(2014, time.July, 1, 10, 0, 0)
	d := validDrugOrder(start)
	d.Encounter.EncounterDatetime = Time(start.Add(time.Hour))

	errs := newTestValidator().ValidateDrugOrder(d)
	assert.Equal(t, []string{CodeStartDateBeforeEncounterDatetime}, errs.FieldCodes(FieldStartDate))
}

func TestValidateStartDateInFuture(t *testing.T) {
	d := validDrugOrder(validationNow.Add(time.Second))
	errs := newTestValidator().ValidateDrugOrder(d)
	assert.Equal(t, []string{CodeStartDateInFuture}, errs.FieldCodes(FieldStartDate))

	d = validDrugOrder(validationNow)
	assert.False(t, newTestValidator().ValidateDrugOrder(d).HasErrors())
}

func TestValidateFutureScheduledDateIsAllowed(t *testing.T) {
	d := validDrugOrder(date(2014, time.July, 1, 10, 0, 0))
	d.Urgency = UrgencyOnScheduledDate
	d.ScheduledDate = Time(validationNow.AddDate(0, 1, 0))

	errs := newTestValidator().ValidateDrugOrder(d)
	assert.False(t, errs.HasErrors(), errs.String())
}

func TestValidateScheduledDateRequiredForOnScheduledDate(t *testing.T) {
	d := validDrugOrder(date(2014, time.July, 1, 10, 0, 0))
	d.Urgency = UrgencyOnScheduledDate

	errs := newTestValidator().ValidateDrugOrder(d)
	require.Len(t, errs, 1)
	assert.Equal(t, Violation{Field: FieldScheduledDate, Code: CodeScheduledDateNull}, errs[0])
	assert.False(t, errs.HasFieldErrors(FieldUrgency))
}

func TestValidateUrgencyMustBeOnScheduledDate(t *testing.T) {
	d := validDrugOrder(date(2014, time.July, 1, 10, 0, 0))
	d.ScheduledDate = Time(date(2014, time.July, 5, 0, 0, 0))

	errs := newTestValidator().ValidateDrugOrder(d)
	assert.Equal(t, []string{CodeUrgencyNotOnScheduledDate}, errs.FieldCodes(FieldUrgency))
	assert.False(t, errs.HasFieldErrors(FieldScheduledDate))
}

func TestValidateDrugOrderRules(t *testing.T) {
	d := validDrugOrder(date(2014, time.July, 1, 10, 0, 0))
	d.AsNeeded = nil
	d.DosingType = ""
	d.Drug.Concept = quinine

	errs := newTestValidator().ValidateDrugOrder(d)
	assert.Equal(t, []string{CodeNull}, errs.FieldCodes(FieldAsNeeded))
	assert.Equal(t, []string{CodeNull}, errs.FieldCodes(FieldDosingType))
	assert.Equal(t, []string{CodeDrugConceptMismatch}, errs.FieldCodes(FieldConcept))
	assert.Equal(t, []string{CodeDrugConceptMismatch}, errs.FieldCodes(FieldDrug))
}

func TestValidateSimpleDosing(t *testing.T) {
	d := validDrugOrder(date(2014, time.July, 1, 10, 0, 0))
	d.Dose = nil
	d.DoseUnits = nil
	d.Route = nil
	d.Frequency = nil

	errs := newTestValidator().ValidateDrugOrder(d)
	assert.Equal(t, []string{CodeDoseNull}, errs.FieldCodes(FieldDose))
	assert.Equal(t, []string{CodeDoseUnitsNull}, errs.FieldCodes(FieldDoseUnits))
	assert.Equal(t, []string{CodeRouteNull}, errs.FieldCodes(FieldRoute))
	assert.Equal(t, []string{CodeFrequencyNull}, errs.FieldCodes(FieldFrequency))

	d.DosingType = DosingTypeFreeText
	d.DosingInstructions = "one tablet when needed"
	assert.False(t, newTestValidator().ValidateDrugOrder(d).HasErrors())
}

func TestValidateReportsEveryViolation(t *testing.T) {
	start := date(2014, time.July, 1, 10, 0, 0)
	d := validDrugOrder(start)
	d.Orderer = nil
	d.Encounter.Patient = patientB
	d.DateStopped = Time(start.Add(-time.Hour))
	d.ScheduledDate = Time(start)

	errs := newTestValidator().ValidateDrugOrder(d)
	assert.ElementsMatch(t,
		[]string{FieldOrderer, FieldEncounter, FieldStartDate, FieldDateStopped, FieldUrgency},
		errs.Fields())
}

func TestValidateIsIdempotent(t *testing.T) {
	d := validDrugOrder(validationNow.Add(time.Hour))
	d.Urgency = UrgencyOnScheduledDate
	d.Drug.Concept = quinine

	v := newTestValidator()
	first := v.ValidateDrugOrder(d)
	second := v.ValidateDrugOrder(d)
	require.True(t, first.HasErrors())
	assert.Equal(t, first, second)
}

func TestZeroValidatorDefaults(t *testing.T) {
	var v Validator
	d := validDrugOrder(time.Now().Add(-time.Hour).UTC())
	d.Encounter.EncounterDatetime = nil
	assert.False(t, v.ValidateDrugOrder(d).HasErrors())
}
