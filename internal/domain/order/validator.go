package order

import "time"

// Validator checks orders for inconsistent field combinations before they are
// persisted. It never stops at the first failure: every rule is evaluated and
// all violations are returned together. The zero value is ready to use.
type Validator struct {
	// Now supplies the instant start dates are compared against. Defaults to time.Now.
	Now func() time.Time
	// Mapper resolves duration unit codes. Defaults to the concept's embedded mappings.
	Mapper ConceptMapper
}

// NewValidator creates a validator using mapper for terminology lookups
func NewValidator(mapper ConceptMapper) *Validator {
	return &Validator{Mapper: mapper}
}

func (v *Validator) now() time.Time {
	if v == nil || v.Now == nil {
		return time.Now()
	}
	return v.Now()
}

func (v *Validator) mapper() ConceptMapper {
	if v == nil || v.Mapper == nil {
		return EmbeddedMappings{}
	}
	return v.Mapper
}

// Validate checks the rules every order kind shares
func (v *Validator) Validate(o *Order) Violations {
	var errs Violations
	if o == nil {
		errs.reject(FieldOrder, CodeGeneral)
		return errs
	}

	v.requireFields(o, &errs)
	validateSamePatient(o, &errs)
	validateOrderType(o, &errs)
	v.validateStartDate(o, &errs)
	validateScheduledDate(o, &errs)
	return errs
}

// ValidateDrugOrder checks the shared order rules plus the drug order rules
func (v *Validator) ValidateDrugOrder(d *DrugOrder) Violations {
	if d == nil {
		return Violations{{Field: FieldOrder, Code: CodeGeneral}}
	}
	errs := v.Validate(&d.Order)

	if d.AsNeeded == nil {
		errs.reject(FieldAsNeeded, CodeNull)
	}
	if d.DosingType == "" {
		errs.reject(FieldDosingType, CodeNull)
	}
	if d.Drug != nil && d.Concept != nil && !d.Drug.Concept.Same(d.Concept) {
		errs.reject(FieldConcept, CodeDrugConceptMismatch)
		errs.reject(FieldDrug, CodeDrugConceptMismatch)
	}
	if d.DosingType == DosingTypeSimple {
		errs = append(errs, SimpleDosingInstructions{}.Validate(d, v.mapper())...)
	}
	return errs
}

func (v *Validator) requireFields(o *Order, errs *Violations) {
	if o.Voided == nil {
		errs.reject(FieldVoided, CodeNull)
	}
	if o.Concept == nil {
		errs.reject(FieldConcept, CodeNoConceptSelected)
	}
	if o.Patient == nil {
		errs.reject(FieldPatient, CodeNull)
	}
	if o.Encounter == nil {
		errs.reject(FieldEncounter, CodeNull)
	}
	if o.Orderer == nil {
		errs.reject(FieldOrderer, CodeNull)
	}
	if o.Urgency == "" {
		errs.reject(FieldUrgency, CodeNull)
	}
	if o.StartDate == nil {
		errs.reject(FieldStartDate, CodeNull)
	}
	if o.Action == "" {
		errs.reject(FieldAction, CodeNull)
	}
}

// validateSamePatient rejects an encounter that does not name the order's
// patient, including one that names no patient at all
func validateSamePatient(o *Order, errs *Violations) {
	if o.Encounter == nil || o.Patient == nil {
		return
	}
	if o.Encounter.Patient == nil || o.Encounter.Patient.ID != o.Patient.ID {
		errs.reject(FieldEncounter, CodeEncounterPatientMismatch)
	}
}

func validateOrderType(o *Order, errs *Violations) {
	if o.OrderType == nil {
		return
	}
	kind := o.Kind
	if kind == "" {
		kind = KindOrder
	}
	if !o.OrderType.Accepts(kind) {
		errs.reject(FieldOrderType, CodeOrderTypeMismatch)
	}
}

func (v *Validator) validateStartDate(o *Order, errs *Violations) {
	if o.StartDate == nil {
		return
	}
	start := *o.StartDate

	if o.DateStopped != nil && start.After(*o.DateStopped) {
		errs.reject(FieldStartDate, CodeStartDateAfterDiscontinuedDate)
		errs.reject(FieldDateStopped, CodeStartDateAfterDiscontinuedDate)
	}
	if o.AutoExpireDate != nil && start.After(*o.AutoExpireDate) {
		errs.reject(FieldStartDate, CodeStartDateAfterAutoExpireDate)
		errs.reject(FieldAutoExpireDate, CodeStartDateAfterAutoExpireDate)
	}
	if o.Encounter != nil && o.Encounter.EncounterDatetime != nil && o.Encounter.EncounterDatetime.After(start) {
		errs.reject(FieldStartDate, CodeStartDateBeforeEncounterDatetime)
	}
	// future-dated orders are expressed through scheduledDate, never startDate
	if start.After(v.now()) {
		errs.reject(FieldStartDate, CodeStartDateInFuture)
	}
}

func validateScheduledDate(o *Order, errs *Violations) {
	onScheduledDate := o.Urgency == UrgencyOnScheduledDate
	if o.ScheduledDate != nil && !onScheduledDate {
		errs.reject(FieldUrgency, CodeUrgencyNotOnScheduledDate)
	}
	if onScheduledDate && o.ScheduledDate == nil {
		errs.reject(FieldScheduledDate, CodeScheduledDateNull)
	}
}
