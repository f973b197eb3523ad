package order

import "time"

var (
	patientA = &Patient{ID: "patient-1", Name: "Jane Doe"}
	patientB = &Patient{ID: "patient-2"}
	doctor   = &Provider{ID: "provider-1", Name: "Dr. Who"}

	aspirin   = &Concept{ID: "concept-aspirin", Name: "Aspirin"}
	quinine   = &Concept{ID: "concept-quinine", Name: "Quinine"}
	mg        = &Concept{ID: "concept-mg", Name: "mg"}
	oral      = &Concept{ID: "concept-oral", Name: "Oral"}
	twiceADay = &OrderFrequency{Concept: &Concept{ID: "concept-bid", Name: "Twice a day"}, FrequencyPerDay: Float(2)}

	drugOrderType = &OrderType{ID: "type-drug", Name: "Drug order", Kind: KindDrugOrder}
)

func date(year int, month time.Month, day, hour, min, sec int) time.Time {
	return time.Date(year, month, day, hour, min, sec, 0, time.UTC)
}

func durationUnit(code string) *Concept {
	return &Concept{
		ID:       "concept-unit-" + code,
		Name:     "unit " + code,
		Mappings: []ConceptMapping{{SourceUUID: DurationSourceUUID, Code: code}},
	}
}

// openOrder returns a started, unbounded order for patientA
func openOrder(id string, start time.Time) *Order {
	o := NewOrder()
	o.ID = id
	o.Patient = patientA
	o.Concept = aspirin
	o.Orderer = doctor
	o.StartDate = Time(start)
	return o
}

// boundedOrder returns an order that stops at end
func boundedOrder(id string, start, end time.Time) *Order {
	o := openOrder(id, start)
	o.DateStopped = Time(end)
	return o
}

// validDrugOrder returns a drug order that passes every consistency rule
func validDrugOrder(start time.Time) *DrugOrder {
	d := NewDrugOrder()
	d.ID = "order-1"
	d.Patient = patientA
	d.Concept = aspirin
	d.Orderer = doctor
	d.Encounter = &Encounter{ID: "encounter-1", Patient: patientA, EncounterDatetime: Time(start.Add(-time.Hour))}
	d.OrderType = drugOrderType
	d.StartDate = Time(start)
	d.Drug = &Drug{ID: "drug-1", Name: "Aspirin 81mg", Concept: aspirin}
	d.Dose = Float(81)
	d.DoseUnits = mg
	d.Route = oral
	d.Frequency = twiceADay
	return d
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
