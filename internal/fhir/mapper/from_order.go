package mapper

import (
	"time"

	"github.com/drfirst/go-orders/internal/domain/order"
	fhir "github.com/drfirst/go-orders/internal/fhir/r5"
)

// isoDurationUnits is the inverse of ucumDurationCodes
var isoDurationUnits = func() map[string]string {
	m := make(map[string]string, len(ucumDurationCodes))
	for ucum, iso := range ucumDurationCodes {
		m[iso] = ucum
	}
	return m
}()

// Status derives the MedicationRequest status of d as of asOf
func Status(d *order.DrugOrder, asOf time.Time) string {
	switch {
	case d.IsVoided():
		return fhir.StatusEnteredInError
	case d.Action == order.ActionDiscontinue:
		return fhir.StatusCompleted
	case d.DateStopped != nil && !asOf.Before(*d.DateStopped):
		return fhir.StatusStopped
	case order.IsExpired(&d.Order, asOf):
		return fhir.StatusCompleted
	default:
		return fhir.StatusActive
	}
}

// ToMedicationRequest renders d as a MedicationRequest with its status as of asOf
func ToMedicationRequest(d *order.DrugOrder, asOf time.Time) *fhir.MedicationRequest {
	mr := &fhir.MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           d.ID,
		Status:       Status(d, asOf),
		Intent:       fhir.IntentOrder,
		Priority:     priority(d.Urgency),
		AuthoredOn:   d.StartDate,
	}
	if d.OrderNumber != "" {
		mr.Identifier = []fhir.Identifier{{Use: "official", Value: d.OrderNumber}}
	}
	if d.Patient != nil {
		mr.Subject = fhir.Reference{Reference: "Patient/" + d.Patient.ID, Display: d.Patient.Name}
	}
	if d.Orderer != nil {
		mr.Requester = &fhir.Reference{Reference: "Practitioner/" + d.Orderer.ID, Display: d.Orderer.Name}
	}
	if d.Encounter != nil {
		mr.Encounter = &fhir.Reference{Reference: "Encounter/" + d.Encounter.ID}
	}
	if d.PreviousOrderID != "" {
		mr.PriorPrescription = &fhir.Reference{Reference: "MedicationRequest/" + d.PreviousOrderID}
	}
	if d.VoidReason != "" || d.OrderReasonNonCoded != "" {
		reason := d.OrderReasonNonCoded
		if d.IsVoided() {
			reason = d.VoidReason
		}
		mr.StatusReason = &fhir.CodeableConcept{Text: reason}
	}
	if d.Instructions != "" {
		mr.Note = []fhir.Annotation{{Text: d.Instructions}}
	}
	mr.Medication = fhir.CodeableReference{Concept: toCodeableConcept(d.Concept)}
	if d.Drug != nil && d.Drug.ID != "" {
		mr.Medication.Reference = &fhir.Reference{Reference: "Medication/" + d.Drug.ID, Display: d.Drug.Name}
	}
	if d.NumRefills != nil {
		mr.DispenseRequest = &fhir.DispenseRequest{NumberOfRepeatsAllowed: order.Int(*d.NumRefills)}
	}

	mr.DosageInstruction = []fhir.Dosage{toDosage(d)}
	mr.RenderedDosageInstruction = mr.DosageInstruction[0].Text
	return mr
}

func priority(u order.Urgency) string {
	if u == order.UrgencyStat {
		return fhir.PriorityStat
	}
	return fhir.PriorityRoutine
}

func toDosage(d *order.DrugOrder) fhir.Dosage {
	dosage := fhir.Dosage{Sequence: 1, AsNeeded: d.AsNeeded != nil && *d.AsNeeded}
	if d.AsNeededCondition != "" {
		dosage.AsNeededFor = []fhir.CodeableConcept{{Text: d.AsNeededCondition}}
	}

	if d.DosingType != order.DosingTypeSimple {
		dosage.Text = d.DosingInstructions
		return dosage
	}

	if s, err := order.FromDrugOrder(d); err == nil {
		dosage.Text = s.String()
	}
	dosage.PatientInstruction = d.DosingInstructions
	dosage.Route = toCodeableConcept(d.Route)
	if d.Dose != nil {
		q := &fhir.Quantity{Value: *d.Dose}
		if d.DoseUnits != nil {
			q.Unit = d.DoseUnits.DisplayName()
			q.Code = d.DoseUnits.ID
			q.System = fhir.SystemUCUM
		}
		dosage.DoseAndRate = []fhir.DoseAndRate{{DoseQuantity: q}}
	}

	timing := &fhir.Timing{Repeat: &fhir.TimingRepeat{}}
	if d.Frequency != nil {
		timing.Code = toCodeableConcept(d.Frequency.Concept)
		if d.Frequency.FrequencyPerDay != nil {
			timing.Repeat.Frequency, timing.Repeat.Period, timing.Repeat.PeriodUnit = perDayToRepeat(*d.Frequency.FrequencyPerDay)
		}
	}
	if d.Duration != nil && d.DurationUnits != nil {
		bounds := &fhir.Duration{Value: float64(*d.Duration), Unit: d.DurationUnits.DisplayName()}
		for _, m := range d.DurationUnits.Mappings {
			if ucum, ok := isoDurationUnits[m.Code]; ok && m.SourceUUID == order.DurationSourceUUID {
				bounds.Code, bounds.System = ucum, fhir.SystemUCUM
			}
		}
		timing.Repeat.BoundsDuration = bounds
	}
	if d.ScheduledDate != nil || d.AutoExpireDate != nil {
		timing.Repeat.BoundsPeriod = &fhir.Period{Start: d.ScheduledDate, End: d.AutoExpireDate}
	}
	dosage.Timing = timing
	return dosage
}

// perDayToRepeat expresses a daily frequency as occurrences per period. Whole
// daily counts stay per day; fractional ones become one per N hours.
func perDayToRepeat(perDay float64) (int, float64, string) {
	if perDay <= 0 {
		return 0, 0, ""
	}
	if perDay >= 1 && perDay == float64(int(perDay)) {
		return int(perDay), 1, "d"
	}
	return 1, 24 / perDay, "h"
}

func toCodeableConcept(c *order.Concept) *fhir.CodeableConcept {
	if c == nil {
		return nil
	}
	cc := &fhir.CodeableConcept{Text: c.Name}
	for _, m := range c.Mappings {
		if m.SourceUUID == order.DurationSourceUUID {
			continue
		}
		cc.Coding = append(cc.Coding, fhir.Coding{System: m.SourceUUID, Code: m.Code, Display: c.Name})
	}
	if len(cc.Coding) == 0 && c.ID != "" {
		cc.Coding = []fhir.Coding{{Code: c.ID, Display: c.Name}}
	}
	return cc
}
