package r5

import "time"

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Identifier []Identifier `json:"identifier,omitempty"`

	Status       string           `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	StatusReason *CodeableConcept `json:"statusReason,omitempty"`

	Intent string `json:"intent"` // proposal | plan | order | original-order | reflex-order | filler-order | instance-order | option

	Priority string `json:"priority,omitempty"` // routine | urgent | asap | stat

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	Subject   Reference  `json:"subject"`
	Encounter *Reference `json:"encounter,omitempty"`

	AuthoredOn *time.Time `json:"authoredOn,omitempty"`
	Requester  *Reference `json:"requester,omitempty"`

	Reason []CodeableReference `json:"reason,omitempty"`
	Note   []Annotation        `json:"note,omitempty"`

	// Rendered dosage instruction (human-readable sig)
	RenderedDosageInstruction string `json:"renderedDosageInstruction,omitempty"`

	DosageInstruction []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest   *DispenseRequest `json:"dispenseRequest,omitempty"`

	// Prior request this one replaces
	PriorPrescription *Reference `json:"priorPrescription,omitempty"`
}

// DispenseRequest contains information about the requested dispensing.
type DispenseRequest struct {
	ValidityPeriod         *Period   `json:"validityPeriod,omitempty"`
	NumberOfRepeatsAllowed *int      `json:"numberOfRepeatsAllowed,omitempty"`
	Quantity               *Quantity `json:"quantity,omitempty"`
	ExpectedSupplyDuration *Duration `json:"expectedSupplyDuration,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence           int               `json:"sequence,omitempty"`
	Text               string            `json:"text,omitempty"`
	PatientInstruction string            `json:"patientInstruction,omitempty"`
	Timing             *Timing           `json:"timing,omitempty"`
	AsNeeded           bool              `json:"asNeeded,omitempty"`
	AsNeededFor        []CodeableConcept `json:"asNeededFor,omitempty"`
	Route              *CodeableConcept  `json:"route,omitempty"`
	DoseAndRate        []DoseAndRate     `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose/rate information.
type DoseAndRate struct {
	Type         *CodeableConcept `json:"type,omitempty"`
	DoseRange    *Range           `json:"doseRange,omitempty"`
	DoseQuantity *Quantity        `json:"doseQuantity,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat contains repeat details for timing.
type TimingRepeat struct {
	BoundsDuration *Duration `json:"boundsDuration,omitempty"`
	BoundsPeriod   *Period   `json:"boundsPeriod,omitempty"`
	Count          int       `json:"count,omitempty"`
	Frequency      int       `json:"frequency,omitempty"`
	Period         float64   `json:"period,omitempty"`
	PeriodUnit     string    `json:"periodUnit,omitempty"` // s | min | h | d | wk | mo | a
	TimeOfDay      []string  `json:"timeOfDay,omitempty"`
	When           []string  `json:"when,omitempty"`
}

// PatientID extracts the patient id from the subject reference.
func (m *MedicationRequest) PatientID() string {
	return m.Subject.ID()
}

// MedicationCoding returns the coding for system, or the first coding when
// none matches.
func (m *MedicationRequest) MedicationCoding(system string) (Coding, bool) {
	if m.Medication.Concept == nil || len(m.Medication.Concept.Coding) == 0 {
		return Coding{}, false
	}
	for _, coding := range m.Medication.Concept.Coding {
		if coding.System == system {
			return coding, true
		}
	}
	return m.Medication.Concept.Coding[0], true
}

// PrimaryDosage returns the first dosage instruction by sequence.
func (m *MedicationRequest) PrimaryDosage() *Dosage {
	var primary *Dosage
	for i := range m.DosageInstruction {
		d := &m.DosageInstruction[i]
		if primary == nil || d.Sequence < primary.Sequence {
			primary = d
		}
	}
	return primary
}

// SigText returns the rendered dosage instruction (sig).
func (m *MedicationRequest) SigText() string {
	if m.RenderedDosageInstruction != "" {
		return m.RenderedDosageInstruction
	}
	if d := m.PrimaryDosage(); d != nil {
		return d.Text
	}
	return ""
}
