package order

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrDosingTypeMismatch is returned when reading simple dosing from a drug
// order dosed some other way
var ErrDosingTypeMismatch = errors.New("dosing type of drug order is mismatched")

// SimpleDosingInstructions is structured dosing: an amount, a route and a
// frequency, optionally for a fixed duration
type SimpleDosingInstructions struct {
	Dose                       *float64
	DoseUnits                  *Concept
	Route                      *Concept
	Frequency                  *OrderFrequency
	Duration                   *int
	DurationUnits              *Concept
	AsNeeded                   *bool
	AsNeededCondition          string
	AdministrationInstructions string
}

// FromDrugOrder reads the simple dosing fields of d
func FromDrugOrder(d *DrugOrder) (SimpleDosingInstructions, error) {
	if d.DosingType != DosingTypeSimple {
		return SimpleDosingInstructions{}, fmt.Errorf("%w: expected %s but received %q",
			ErrDosingTypeMismatch, DosingTypeSimple, d.DosingType)
	}
	return SimpleDosingInstructions{
		Dose:                       d.Dose,
		DoseUnits:                  d.DoseUnits,
		Route:                      d.Route,
		Frequency:                  d.Frequency,
		Duration:                   d.Duration,
		DurationUnits:              d.DurationUnits,
		AsNeeded:                   d.AsNeeded,
		AsNeededCondition:          d.AsNeededCondition,
		AdministrationInstructions: d.DosingInstructions,
	}, nil
}

// ApplyTo writes the instructions onto d and marks it as simply dosed
func (s SimpleDosingInstructions) ApplyTo(d *DrugOrder) {
	d.DosingType = DosingTypeSimple
	d.Dose = s.Dose
	d.DoseUnits = s.DoseUnits
	d.Route = s.Route
	d.Frequency = s.Frequency
	d.Duration = s.Duration
	d.DurationUnits = s.DurationUnits
	d.AsNeeded = s.AsNeeded
	d.AsNeededCondition = s.AsNeededCondition
	d.DosingInstructions = s.AdministrationInstructions
}

// String renders the instructions the way they are printed on an order sheet,
// e.g. "10 ml IV Twice a day 5 days PRN pain".
func (s SimpleDosingInstructions) String() string {
	var parts []string
	if s.Dose != nil {
		parts = append(parts, strconv.FormatFloat(*s.Dose, 'f', -1, 64))
	}
	parts = appendNonEmpty(parts, s.DoseUnits.DisplayName(), s.Route.DisplayName(), s.Frequency.String())
	if s.Duration != nil {
		parts = append(parts, strconv.Itoa(*s.Duration))
		parts = appendNonEmpty(parts, s.DurationUnits.DisplayName())
	}
	if s.AsNeeded != nil && *s.AsNeeded {
		parts = append(parts, "PRN")
		parts = appendNonEmpty(parts, s.AsNeededCondition)
	}
	parts = appendNonEmpty(parts, s.AdministrationInstructions)
	return strings.Join(parts, " ")
}

func appendNonEmpty(parts []string, values ...string) []string {
	for _, v := range values {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return parts
}

// Validate checks the fields simple dosing needs
func (SimpleDosingInstructions) Validate(d *DrugOrder, mapper ConceptMapper) Violations {
	var errs Violations
	if d.Dose == nil {
		errs.reject(FieldDose, CodeDoseNull)
	}
	if d.DoseUnits == nil {
		errs.reject(FieldDoseUnits, CodeDoseUnitsNull)
	}
	if d.Route == nil {
		errs.reject(FieldRoute, CodeRouteNull)
	}
	if d.Frequency == nil {
		errs.reject(FieldFrequency, CodeFrequencyNull)
	}
	if d.AutoExpireDate == nil && d.DurationUnits != nil {
		if _, ok := DurationCode(d.DurationUnits, mapper); !ok {
			errs.reject(FieldDurationUnits, CodeDurationUnitsNotMapped)
		}
	}
	return errs
}

// AutoExpireDate infers the order's expiry from its duration
func (SimpleDosingInstructions) AutoExpireDate(d *DrugOrder, mapper ConceptMapper) (*time.Time, error) {
	return ComputeAutoExpireDate(d, mapper)
}
