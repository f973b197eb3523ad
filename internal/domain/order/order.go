// Package order implements the clinical order model: effective intervals,
// duration-based expiry inference and consistency validation.
package order

import "time"

// Action is the lifecycle action an order represents
type Action string

const (
	ActionNew         Action = "NEW"
	ActionRevise      Action = "REVISE"
	ActionDiscontinue Action = "DISCONTINUE"
	ActionRenew       Action = "RENEW"
)

// Urgency classifies when an order takes effect
type Urgency string

const (
	UrgencyRoutine         Urgency = "ROUTINE"
	UrgencyStat            Urgency = "STAT"
	UrgencyOnScheduledDate Urgency = "ON_SCHEDULED_DATE"
)

// DosingType selects how a drug order's dosing is expressed
type DosingType string

const (
	DosingTypeSimple   DosingType = "simple"
	DosingTypeFreeText DosingType = "free_text"
)

// Patient is a reference to the patient an order is for
type Patient struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Provider is a reference to the clinician placing an order
type Provider struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Encounter is a reference to the visit an order was placed in
type Encounter struct {
	ID                string     `json:"id"`
	Patient           *Patient   `json:"patient,omitempty"`
	EncounterDatetime *time.Time `json:"encounter_datetime,omitempty"`
}

// ConceptMapping links a concept to a reference term in an external source
type ConceptMapping struct {
	SourceUUID string `json:"source_uuid"`
	Code       string `json:"code"`
}

// Concept is a coded concept from the dictionary
type Concept struct {
	ID       string           `json:"id"`
	UUID     string           `json:"uuid,omitempty"`
	Name     string           `json:"name,omitempty"`
	Mappings []ConceptMapping `json:"mappings,omitempty"`
}

// Same reports whether two concept references point at the same concept.
// IDs decide when both sides carry one, otherwise UUIDs do, so a reference
// by UUID alone matches a fully resolved concept.
func (c *Concept) Same(other *Concept) bool {
	if c == nil || other == nil {
		return false
	}
	if c.ID != "" && other.ID != "" {
		return c.ID == other.ID
	}
	return c.UUID != "" && c.UUID == other.UUID
}

// DisplayName returns the concept name, falling back to its id
func (c *Concept) DisplayName() string {
	if c == nil {
		return ""
	}
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// OrderFrequency is a coded dosing frequency
type OrderFrequency struct {
	Concept         *Concept `json:"concept,omitempty"`
	FrequencyPerDay *float64 `json:"frequency_per_day,omitempty"`
}

func (f *OrderFrequency) String() string {
	if f == nil {
		return ""
	}
	return f.Concept.DisplayName()
}

// Drug is a formulary drug
type Drug struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Concept      *Concept `json:"concept,omitempty"`
	Route        *Concept `json:"route,omitempty"`
	DoseStrength *float64 `json:"dose_strength,omitempty"`
	Units        string   `json:"units,omitempty"`
}

// Order is a clinical directive issued for a patient
type Order struct {
	ID                  string     `json:"id,omitempty"`
	OrderNumber         string     `json:"order_number,omitempty"`
	Kind                Kind       `json:"kind"`
	Patient             *Patient   `json:"patient,omitempty"`
	Concept             *Concept   `json:"concept,omitempty"`
	Orderer             *Provider  `json:"orderer,omitempty"`
	Encounter           *Encounter `json:"encounter,omitempty"`
	OrderType           *OrderType `json:"order_type,omitempty"`
	Action              Action     `json:"action,omitempty"`
	Urgency             Urgency    `json:"urgency,omitempty"`
	StartDate           *time.Time `json:"start_date,omitempty"`
	ScheduledDate       *time.Time `json:"scheduled_date,omitempty"`
	DateStopped         *time.Time `json:"date_stopped,omitempty"`
	AutoExpireDate      *time.Time `json:"auto_expire_date,omitempty"`
	Voided              *bool      `json:"voided,omitempty"`
	VoidReason          string     `json:"void_reason,omitempty"`
	PreviousOrderID     string     `json:"previous_order_id,omitempty"`
	OrderReasonNonCoded string     `json:"order_reason_non_coded,omitempty"`
	Instructions        string     `json:"instructions,omitempty"`
}

// NewOrder returns a generic order with the defaults a freshly entered order has
func NewOrder() *Order {
	return &Order{
		Kind:    KindOrder,
		Action:  ActionNew,
		Urgency: UrgencyRoutine,
		Voided:  Bool(false),
	}
}

// IsVoided treats an unset voided flag as not voided
func (o *Order) IsVoided() bool {
	return o.Voided != nil && *o.Voided
}

// PatientID returns the patient id or empty
func (o *Order) PatientID() string {
	if o.Patient == nil {
		return ""
	}
	return o.Patient.ID
}

// DrugOrder is an order for a medication
type DrugOrder struct {
	Order

	Drug               *Drug           `json:"drug,omitempty"`
	DosingType         DosingType      `json:"dosing_type,omitempty"`
	Dose               *float64        `json:"dose,omitempty"`
	DoseUnits          *Concept        `json:"dose_units,omitempty"`
	Route              *Concept        `json:"route,omitempty"`
	Frequency          *OrderFrequency `json:"frequency,omitempty"`
	Duration           *int            `json:"duration,omitempty"`
	DurationUnits      *Concept        `json:"duration_units,omitempty"`
	NumRefills         *int            `json:"num_refills,omitempty"`
	AsNeeded           *bool           `json:"as_needed,omitempty"`
	AsNeededCondition  string          `json:"as_needed_condition,omitempty"`
	DosingInstructions string          `json:"dosing_instructions,omitempty"`
}

// NewDrugOrder returns a drug order with simple dosing and the order defaults
func NewDrugOrder() *DrugOrder {
	d := &DrugOrder{
		Order:      *NewOrder(),
		DosingType: DosingTypeSimple,
		AsNeeded:   Bool(false),
	}
	d.Kind = KindDrugOrder
	return d
}

// Bool returns a pointer to b
func Bool(b bool) *bool { return &b }

// Int returns a pointer to i
func Int(i int) *int { return &i }

// Float returns a pointer to f
func Float(f float64) *float64 { return &f }

// Time returns a pointer to t
func Time(t time.Time) *time.Time { return &t }
