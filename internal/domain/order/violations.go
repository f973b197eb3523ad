package order

import (
	"sort"
	"strings"
)

// Field names violations are reported against
const (
	FieldOrder          = "order"
	FieldVoided         = "voided"
	FieldConcept        = "concept"
	FieldPatient        = "patient"
	FieldEncounter      = "encounter"
	FieldOrderer        = "orderer"
	FieldUrgency        = "urgency"
	FieldStartDate      = "startDate"
	FieldAction         = "action"
	FieldOrderType      = "orderType"
	FieldDateStopped    = "dateStopped"
	FieldAutoExpireDate = "autoExpireDate"
	FieldScheduledDate  = "scheduledDate"
	FieldAsNeeded       = "asNeeded"
	FieldDosingType     = "dosingType"
	FieldDrug           = "drug"
	FieldDose           = "dose"
	FieldDoseUnits      = "doseUnits"
	FieldRoute          = "route"
	FieldFrequency      = "frequency"
	FieldDurationUnits  = "durationUnits"
)

// Message keys attached to violations
const (
	CodeGeneral                          = "error.general"
	CodeNull                             = "error.null"
	CodeNoConceptSelected                = "Concept.noConceptSelected"
	CodeEncounterPatientMismatch         = "Order.error.encounterPatientMismatch"
	CodeOrderTypeMismatch                = "error.orderTypeClassMismatchesOrderClass"
	CodeStartDateAfterDiscontinuedDate   = "Order.error.startDateAfterDiscontinuedDate"
	CodeStartDateAfterAutoExpireDate     = "Order.error.startDateAfterAutoExpireDate"
	CodeStartDateBeforeEncounterDatetime = "Order.error.startDateAfterEncounterDatetime"
	CodeStartDateInFuture                = "Order.error.startDateInFuture"
	CodeUrgencyNotOnScheduledDate        = "error.urgencyNotOnScheduledDate"
	CodeScheduledDateNull                = "error.scheduledDateNullForOnScheduledDateUrgency"
	CodeDrugConceptMismatch              = "DrugOrder.error.conceptDoesNotMatchDrugConcept"
	CodeDoseNull                         = "DrugOrder.error.doseIsNullForDosingTypeSimple"
	CodeDoseUnitsNull                    = "DrugOrder.error.doseUnitsIsNullForDosingTypeSimple"
	CodeRouteNull                        = "DrugOrder.error.routeIsNullForDosingTypeSimple"
	CodeFrequencyNull                    = "DrugOrder.error.frequencyIsNullForDosingTypeSimple"
	CodeDurationUnitsNotMapped           = "DrugOrder.error.durationUnitsNotMappedToISO8601DurationCode"
)

// Violation is a single field-level consistency failure
type Violation struct {
	Field string `json:"field"`
	Code  string `json:"code"`
}

// Violations is the full set of failures found for one order
type Violations []Violation

func (v *Violations) reject(field, code string) {
	*v = append(*v, Violation{Field: field, Code: code})
}

// HasErrors reports whether any violation was found
func (v Violations) HasErrors() bool { return len(v) > 0 }

// HasFieldErrors reports whether field has at least one violation
func (v Violations) HasFieldErrors(field string) bool {
	for _, x := range v {
		if x.Field == field {
			return true
		}
	}
	return false
}

// FieldCodes returns the codes reported against field in report order
func (v Violations) FieldCodes(field string) []string {
	var codes []string
	for _, x := range v {
		if x.Field == field {
			codes = append(codes, x.Code)
		}
	}
	return codes
}

// Fields returns the distinct fields with violations, sorted
func (v Violations) Fields() []string {
	seen := make(map[string]struct{}, len(v))
	fields := make([]string, 0, len(v))
	for _, x := range v {
		if _, ok := seen[x.Field]; ok {
			continue
		}
		seen[x.Field] = struct{}{}
		fields = append(fields, x.Field)
	}
	sort.Strings(fields)
	return fields
}

func (v Violations) String() string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = x.Field + ": " + x.Code
	}
	return strings.Join(parts, "; ")
}
