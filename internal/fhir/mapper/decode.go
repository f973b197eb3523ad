package mapper

import (
	"bytes"
	"encoding/json"

	"github.com/drfirst/go-orders/internal/domain/order"
	fhir "github.com/drfirst/go-orders/internal/fhir/r5"
)

// DecodeOrder reads body as a native drug order or as FHIR. FHIR is either a
// bare MedicationRequest, recognized by its resourceType, or a Request
// envelope with a medicationRequest member. When fhirOnly is set a native
// body is rejected. The returned flag reports whether the body was FHIR.
func DecodeOrder(body []byte, fhirOnly bool) (*order.DrugOrder, bool, error) {
	var shape struct {
		ResourceType      string          `json:"resourceType"`
		MedicationRequest json.RawMessage `json:"medicationRequest"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		return nil, fhirOnly, &MapError{Field: "body", Code: "INVALID_JSON", Message: "body is not a JSON object", Cause: err}
	}

	switch {
	case shape.ResourceType != "":
		var mr fhir.MedicationRequest
		if err := json.Unmarshal(body, &mr); err != nil {
			return nil, true, &MapError{Field: "MedicationRequest", Code: "INVALID_JSON", Message: "malformed MedicationRequest", Cause: err}
		}
		d, err := ToDrugOrder(&Request{MedicationRequest: &mr})
		return d, true, err
	case len(shape.MedicationRequest) > 0:
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, true, &MapError{Field: "MedicationRequest", Code: "INVALID_JSON", Message: "malformed MedicationRequest", Cause: err}
		}
		d, err := ToDrugOrder(&req)
		return d, true, err
	case fhirOnly:
		return nil, true, &MapError{Field: "resourceType", Code: "WRONG_RESOURCE", Message: "expected a MedicationRequest"}
	}

	d := order.NewDrugOrder()
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(d); err != nil {
		return nil, false, &MapError{Field: "order", Code: "INVALID_JSON", Message: "malformed order", Cause: err}
	}
	return d, false, nil
}
