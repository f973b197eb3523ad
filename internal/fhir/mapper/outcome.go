package mapper

import (
	"errors"

	"github.com/drfirst/go-orders/internal/domain/order"
	fhir "github.com/drfirst/go-orders/internal/fhir/r5"
)

// ValidationCodeSystem identifies the violation codes in issue details
const ValidationCodeSystem = "urn:go-orders:validation"

var messages = map[string]string{
	order.CodeGeneral:                          "the order is invalid",
	order.CodeNull:                             "a value is required",
	order.CodeNoConceptSelected:                "a concept must be selected",
	order.CodeEncounterPatientMismatch:         "the encounter belongs to a different patient",
	order.CodeOrderTypeMismatch:                "the order type does not accept this kind of order",
	order.CodeStartDateAfterDiscontinuedDate:   "the start date is after the date stopped",
	order.CodeStartDateAfterAutoExpireDate:     "the start date is after the auto-expire date",
	order.CodeStartDateBeforeEncounterDatetime: "the start date is before the encounter",
	order.CodeStartDateInFuture:                "the start date is in the future; use a scheduled date instead",
	order.CodeUrgencyNotOnScheduledDate:        "a scheduled date requires ON_SCHEDULED_DATE urgency",
	order.CodeScheduledDateNull:                "ON_SCHEDULED_DATE urgency requires a scheduled date",
	order.CodeDrugConceptMismatch:              "the order concept does not match the drug's concept",
	order.CodeDoseNull:                         "simple dosing requires a dose",
	order.CodeDoseUnitsNull:                    "simple dosing requires dose units",
	order.CodeRouteNull:                        "simple dosing requires a route",
	order.CodeFrequencyNull:                    "simple dosing requires a frequency",
	order.CodeDurationUnitsNotMapped:           "duration units have no ISO 8601 duration code",
}

// Message returns a readable description of a violation code
func Message(code string) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return code
}

func issueType(code string) string {
	switch code {
	case order.CodeNull, order.CodeNoConceptSelected, order.CodeScheduledDateNull,
		order.CodeDoseNull, order.CodeDoseUnitsNull, order.CodeRouteNull, order.CodeFrequencyNull:
		return fhir.IssueRequired
	default:
		return fhir.IssueInvariant
	}
}

// Outcome renders violations as an OperationOutcome, one error issue each
func Outcome(violations order.Violations) *fhir.OperationOutcome {
	issues := make([]fhir.OperationOutcomeIssue, 0, len(violations))
	for _, v := range violations {
		issues = append(issues, fhir.OperationOutcomeIssue{
			Severity: fhir.SeverityError,
			Code:     issueType(v.Code),
			Details: &fhir.CodeableConcept{
				Coding: []fhir.Coding{{System: ValidationCodeSystem, Code: v.Code}},
				Text:   Message(v.Code),
			},
			Expression: []string{v.Field},
		})
	}
	return fhir.NewOperationOutcome(issues...)
}

// ErrorOutcome renders a mapping failure, or any other error, as an OperationOutcome
func ErrorOutcome(err error) *fhir.OperationOutcome {
	var merr *MapError
	if errors.As(err, &merr) {
		return fhir.NewOperationOutcome(fhir.OperationOutcomeIssue{
			Severity:    fhir.SeverityError,
			Code:        fhir.IssueInvalid,
			Details:     &fhir.CodeableConcept{Coding: []fhir.Coding{{System: ValidationCodeSystem, Code: merr.Code}}},
			Diagnostics: merr.Message,
			Expression:  []string{merr.Field},
		})
	}
	return fhir.NewErrorOutcome(fhir.IssueProcessing, err.Error())
}
