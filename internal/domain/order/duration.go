package order

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ISO-8601 duration unit codes as mapped in the duration concept source
const (
	SecondsCode           = "S"
	MinutesCode           = "m"
	HoursCode             = "H"
	DaysCode              = "D"
	WeeksCode             = "W"
	MonthsCode            = "M"
	YearsCode             = "Y"
	RecurringIntervalCode = "R"
)

// DurationSourceUUID identifies the ISO-8601 duration concept source
const DurationSourceUUID = "cb523690-9012-4e72-b8bf-4253e1b1a687"

const (
	secondsPerMinute = 60
	minutesPerHour   = 60
	hoursPerDay      = 24
	secondsPerDay    = secondsPerMinute * minutesPerHour * hoursPerDay

	// maxSeconds is the longest span a time.Duration can hold
	maxSeconds = math.MaxInt64 / int64(time.Second)
)

var (
	// ErrInvalidDuration is returned when a recurring-interval duration has no frequency
	ErrInvalidDuration = errors.New("invalid duration")
	// ErrUnsupportedDurationCode is returned for duration codes outside the known set
	ErrUnsupportedDurationCode = errors.New("unsupported duration code")
)

// DurationError describes a failed expiry computation
type DurationError struct {
	Code   string
	Reason string
	Err    error
}

func (e *DurationError) Error() string {
	return fmt.Sprintf("%s: %s (code %q)", e.Err, e.Reason, e.Code)
}

func (e *DurationError) Unwrap() error {
	return e.Err
}

// ConceptMapper resolves a concept's reference term code in a concept source
type ConceptMapper interface {
	ReferenceTermCode(concept *Concept, sourceUUID string) (code string, ok bool)
}

// EmbeddedMappings resolves codes from the mappings carried on the concept itself
type EmbeddedMappings struct{}

// ReferenceTermCode implements ConceptMapper
func (EmbeddedMappings) ReferenceTermCode(concept *Concept, sourceUUID string) (string, bool) {
	if concept == nil {
		return "", false
	}
	for _, m := range concept.Mappings {
		if m.SourceUUID == sourceUUID {
			return m.Code, true
		}
	}
	return "", false
}

// Duration is an amount of an ISO-8601 duration unit
type Duration struct {
	Amount int
	Code   string
}

// AddTo adds the duration to start. frequency is only consulted for
// recurring-interval durations, where one interval spans a day divided by the
// number of doses per day.
func (d Duration) AddTo(start time.Time, frequency *OrderFrequency) (time.Time, error) {
	switch d.Code {
	case SecondsCode:
		return d.addSeconds(start, float64(d.Amount))
	case MinutesCode:
		return d.addSeconds(start, float64(d.Amount)*secondsPerMinute)
	case HoursCode:
		return d.addSeconds(start, float64(d.Amount)*secondsPerMinute*minutesPerHour)
	case DaysCode:
		return start.AddDate(0, 0, d.Amount), nil
	case WeeksCode:
		return start.AddDate(0, 0, 7*d.Amount), nil
	case MonthsCode:
		return AddMonths(start, d.Amount), nil
	case YearsCode:
		return AddMonths(start, 12*d.Amount), nil
	case RecurringIntervalCode:
		if frequency == nil || frequency.FrequencyPerDay == nil || *frequency.FrequencyPerDay <= 0 {
			return time.Time{}, &DurationError{
				Code:   d.Code,
				Reason: "frequency is required when duration is a recurring interval",
				Err:    ErrInvalidDuration,
			}
		}
		return d.addSeconds(start, math.Trunc(float64(d.Amount)*secondsPerDay / *frequency.FrequencyPerDay))
	}
	return time.Time{}, &DurationError{
		Code:   d.Code,
		Reason: "unknown ISO-8601 duration unit",
		Err:    ErrUnsupportedDurationCode,
	}
}

func (d Duration) addSeconds(start time.Time, seconds float64) (time.Time, error) {
	if math.IsNaN(seconds) || math.Abs(seconds) > float64(maxSeconds) {
		return time.Time{}, &DurationError{
			Code:   d.Code,
			Reason: "duration is out of range",
			Err:    ErrInvalidDuration,
		}
	}
	return start.Add(time.Duration(seconds) * time.Second), nil
}

// AddMonths adds n calendar months, clamping the day to the end of the
// target month (Jan 31 + 1 month is the last day of February).
func AddMonths(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	total := int(month) - 1 + n
	targetYear := year + total/12
	targetMonth := total % 12
	if targetMonth < 0 {
		targetMonth += 12
		targetYear--
	}

	last := daysIn(time.Month(targetMonth+1), targetYear)
	if day > last {
		day = last
	}
	return time.Date(targetYear, time.Month(targetMonth+1), day, hour, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// DurationCode returns the ISO-8601 code the duration units concept maps to
func DurationCode(units *Concept, mapper ConceptMapper) (string, bool) {
	if units == nil {
		return "", false
	}
	if mapper == nil {
		mapper = EmbeddedMappings{}
	}
	return mapper.ReferenceTermCode(units, DurationSourceUUID)
}

// ComputeAutoExpireDate infers when a drug order expires from its duration.
// It returns nil without error when nothing can be inferred: no duration, no
// units, units without an ISO-8601 mapping, or a refillable order.
func ComputeAutoExpireDate(d *DrugOrder, mapper ConceptMapper) (*time.Time, error) {
	if d == nil || d.Duration == nil || d.DurationUnits == nil {
		return nil, nil
	}
	if d.NumRefills != nil && *d.NumRefills > 0 {
		return nil, nil
	}
	code, ok := DurationCode(d.DurationUnits, mapper)
	if !ok {
		return nil, nil
	}

	base := d.StartDate
	if d.Urgency == UrgencyOnScheduledDate {
		base = d.ScheduledDate
	}
	if base == nil {
		return nil, nil
	}

	expires, err := Duration{Amount: *d.Duration, Code: code}.AddTo(*base, d.Frequency)
	if err != nil {
		return nil, err
	}
	return &expires, nil
}
