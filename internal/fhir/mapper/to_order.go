// Package mapper converts between FHIR R5 MedicationRequest resources and
// drug orders.
package mapper

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/drfirst/go-orders/internal/domain/order"
	fhir "github.com/drfirst/go-orders/internal/fhir/r5"
)

// Request is a MedicationRequest with the participants it references. Patient
// and Practitioner are optional and only contribute display names.
type Request struct {
	MedicationRequest *fhir.MedicationRequest `json:"medicationRequest"`
	Patient           *fhir.Patient           `json:"patient,omitempty"`
	Practitioner      *fhir.Practitioner      `json:"practitioner,omitempty"`
}

// MapError represents a mapping error with context
type MapError struct {
	Field   string
	Code    string
	Message string
	Cause   error
}

func (e *MapError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *MapError) Unwrap() error {
	return e.Cause
}

// ucumDurationCodes maps UCUM time units to ISO 8601 duration codes
var ucumDurationCodes = map[string]string{
	"s":   order.SecondsCode,
	"min": order.MinutesCode,
	"h":   order.HoursCode,
	"d":   order.DaysCode,
	"wk":  order.WeeksCode,
	"mo":  order.MonthsCode,
	"a":   order.YearsCode,
}

// periodsPerDay is how many of each UCUM time unit fit in a day
var periodsPerDay = map[string]float64{
	"s":   86400,
	"min": 1440,
	"h":   24,
	"d":   1,
	"wk":  1.0 / 7,
	"mo":  1.0 / 30,
	"a":   1.0 / 365,
}

// ToDrugOrder maps req onto a new drug order. The order has no id; identifiers
// become the order number and priorPrescription the previous order.
func ToDrugOrder(req *Request) (*order.DrugOrder, error) {
	if req == nil || req.MedicationRequest == nil {
		return nil, &MapError{Field: "MedicationRequest", Code: "NULL_INPUT", Message: "medication request is required"}
	}
	mr := req.MedicationRequest

	if mr.ResourceType != "" && mr.ResourceType != "MedicationRequest" {
		return nil, &MapError{Field: "resourceType", Code: "WRONG_RESOURCE", Message: "expected MedicationRequest, got " + mr.ResourceType}
	}
	switch mr.Status {
	case fhir.StatusActive, fhir.StatusDraft, "":
	default:
		return nil, &MapError{Field: "status", Code: "UNSUPPORTED_STATUS", Message: "only active or draft requests can be placed, got " + mr.Status}
	}
	switch mr.Intent {
	case fhir.IntentOrder, fhir.IntentOriginalOrder, fhir.IntentInstanceOrder, fhir.IntentFillerOrder, "":
	default:
		return nil, &MapError{Field: "intent", Code: "UNSUPPORTED_INTENT", Message: "intent " + mr.Intent + " is not an order"}
	}

	d := order.NewDrugOrder()
	d.OrderNumber = orderNumber(mr)
	d.StartDate = mr.AuthoredOn
	d.Urgency = urgency(mr.Priority)
	d.PreviousOrderID = mr.PriorPrescription.ID()
	d.Instructions = notes(mr.Note)
	if len(mr.Reason) > 0 {
		d.OrderReasonNonCoded = mr.Reason[0].Concept.Display()
	}

	if id := mr.PatientID(); id != "" {
		d.Patient = &order.Patient{ID: id, Name: req.Patient.FullName()}
	}
	if id := mr.Requester.ID(); id != "" {
		d.Orderer = &order.Provider{ID: id, Name: req.Practitioner.FullName()}
	}
	if id := mr.Encounter.ID(); id != "" {
		d.Encounter = &order.Encounter{ID: id, Patient: d.Patient}
	}

	if err := mapMedication(mr, d); err != nil {
		return nil, err
	}
	if err := mapDosage(mr, d); err != nil {
		return nil, err
	}
	if dr := mr.DispenseRequest; dr != nil && dr.NumberOfRepeatsAllowed != nil {
		d.NumRefills = order.Int(*dr.NumberOfRepeatsAllowed)
	}
	return d, nil
}

func orderNumber(mr *fhir.MedicationRequest) string {
	for _, id := range mr.Identifier {
		if id.Value != "" {
			return id.Value
		}
	}
	return mr.ID
}

func urgency(priority string) order.Urgency {
	switch priority {
	case fhir.PriorityStat, fhir.PriorityASAP, fhir.PriorityUrgent:
		return order.UrgencyStat
	default:
		return order.UrgencyRoutine
	}
}

func notes(annotations []fhir.Annotation) string {
	var parts []string
	for _, a := range annotations {
		if text := strings.TrimSpace(a.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "; ")
}

func mapMedication(mr *fhir.MedicationRequest, d *order.DrugOrder) error {
	coding, ok := mr.MedicationCoding(fhir.SystemRxNorm)
	if !ok || coding.Code == "" {
		return &MapError{Field: "medication", Code: "MISSING_CODE", Message: "medication must be coded"}
	}

	name := mr.Medication.Concept.Display()
	if name == "" {
		name = coding.Display
	}
	d.Concept = &order.Concept{
		ID:       coding.Code,
		Name:     name,
		Mappings: []order.ConceptMapping{{SourceUUID: coding.System, Code: coding.Code}},
	}

	drugID := coding.Code
	if ref := mr.Medication.Reference.ID(); ref != "" {
		drugID = ref
	}
	d.Drug = &order.Drug{ID: drugID, Name: name, Concept: d.Concept}
	return nil
}

func mapDosage(mr *fhir.MedicationRequest, d *order.DrugOrder) error {
	dosage := mr.PrimaryDosage()
	if dosage == nil || !structured(dosage) {
		d.DosingType = order.DosingTypeFreeText
		d.DosingInstructions = mr.SigText()
		if dosage != nil {
			d.AsNeeded = order.Bool(dosage.AsNeeded)
		}
		return nil
	}

	d.DosingType = order.DosingTypeSimple
	d.DosingInstructions = dosage.PatientInstruction
	d.AsNeeded = order.Bool(dosage.AsNeeded)
	if len(dosage.AsNeededFor) > 0 {
		d.AsNeededCondition = dosage.AsNeededFor[0].Display()
	}
	d.Route = codedConcept(dosage.Route)

	if q := doseQuantity(dosage); q != nil {
		d.Dose = order.Float(q.Value)
		d.DoseUnits = quantityUnit(q)
	}

	timing := dosage.Timing
	if timing == nil {
		return nil
	}
	d.Frequency = frequency(timing)

	repeat := timing.Repeat
	if repeat == nil {
		return nil
	}
	if bounds := repeat.BoundsDuration; bounds != nil {
		if bounds.Value != math.Trunc(bounds.Value) || bounds.Value < 0 {
			return &MapError{Field: "timing.repeat.boundsDuration", Code: "INVALID_DURATION", Message: "duration must be a whole number, got " + strconv.FormatFloat(bounds.Value, 'f', -1, 64)}
		}
		d.Duration = order.Int(int(bounds.Value))
		d.DurationUnits = durationUnits(bounds)
	}
	if period := repeat.BoundsPeriod; period != nil {
		if period.Start != nil && d.StartDate != nil && period.Start.After(*d.StartDate) {
			d.Urgency = order.UrgencyOnScheduledDate
			d.ScheduledDate = period.Start
		}
		if period.End != nil && repeat.BoundsDuration == nil {
			d.AutoExpireDate = period.End
		}
	}
	return nil
}

func structured(dosage *fhir.Dosage) bool {
	return len(dosage.DoseAndRate) > 0 || dosage.Route != nil || dosage.Timing != nil
}

func doseQuantity(dosage *fhir.Dosage) *fhir.Quantity {
	for _, dr := range dosage.DoseAndRate {
		if dr.DoseQuantity != nil {
			return dr.DoseQuantity
		}
		if dr.DoseRange != nil && dr.DoseRange.Low != nil {
			return dr.DoseRange.Low
		}
	}
	return nil
}

func codedConcept(cc *fhir.CodeableConcept) *order.Concept {
	if cc == nil {
		return nil
	}
	c := &order.Concept{Name: cc.Display()}
	for _, coding := range cc.Coding {
		if coding.Code == "" {
			continue
		}
		if c.ID == "" {
			c.ID = coding.Code
		}
		c.Mappings = append(c.Mappings, order.ConceptMapping{SourceUUID: coding.System, Code: coding.Code})
	}
	if c.ID == "" {
		c.ID = c.Name
	}
	return c
}

func quantityUnit(q *fhir.Quantity) *order.Concept {
	code := q.Code
	if code == "" {
		code = q.Unit
	}
	if code == "" {
		return nil
	}
	name := q.Unit
	if name == "" {
		name = code
	}
	return &order.Concept{
		ID:       code,
		Name:     name,
		Mappings: []order.ConceptMapping{{SourceUUID: fhir.SystemUCUM, Code: code}},
	}
}

// frequency builds the frequency concept; frequency per day is derived from
// the repeat as frequency occurrences per period of periodUnit
func frequency(timing *fhir.Timing) *order.OrderFrequency {
	f := &order.OrderFrequency{Concept: codedConcept(timing.Code)}

	repeat := timing.Repeat
	if repeat == nil || repeat.PeriodUnit == "" {
		if f.Concept == nil {
			return nil
		}
		return f
	}
	perDay, ok := periodsPerDay[repeat.PeriodUnit]
	if !ok {
		return f
	}

	count := repeat.Frequency
	if count <= 0 {
		count = 1
	}
	period := repeat.Period
	if period <= 0 {
		period = 1
	}
	f.FrequencyPerDay = order.Float(float64(count) * perDay / period)

	if f.Concept == nil {
		label := fmt.Sprintf("%d/%s%s", count, strconv.FormatFloat(period, 'f', -1, 64), repeat.PeriodUnit)
		f.Concept = &order.Concept{ID: label, Name: label}
	}
	return f
}

// durationUnits maps a bounds duration to a units concept carrying its ISO
// 8601 code. Units with no ISO equivalent get no mapping and fail validation.
func durationUnits(bounds *fhir.Duration) *order.Concept {
	code := bounds.Code
	if code == "" {
		code = bounds.Unit
	}
	name := bounds.Unit
	if name == "" {
		name = code
	}
	c := &order.Concept{ID: code, Name: name}
	if iso, ok := ucumDurationCodes[code]; ok {
		c.Mappings = []order.ConceptMapping{{SourceUUID: order.DurationSourceUUID, Code: iso}}
	}
	return c
}
