package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-orders/internal/api/middleware"
	"github.com/drfirst/go-orders/internal/domain/order"
	fhir "github.com/drfirst/go-orders/internal/fhir/r5"
	"github.com/drfirst/go-orders/internal/ordering"
)

var handlerNow = time.Date(2014, time.August, 1, 12, 0, 0, 0, time.UTC)

type fakeService struct {
	place       func(*order.DrugOrder) (*order.DrugOrder, error)
	validate    func(*order.DrugOrder) (*ordering.Report, error)
	get         func(string) (*order.DrugOrder, error)
	discontinue func(id, reason string, at *time.Time) (*order.DrugOrder, error)
	revise      func(id string, next *order.DrugOrder, at *time.Time) (*order.DrugOrder, error)
	void        func(id, reason string) (*order.DrugOrder, error)
	active      func(patientID string, asOf time.Time) ([]*order.DrugOrder, error)

	correlationID string
}

func (f *fakeService) Validate(ctx context.Context, d *order.DrugOrder) (*ordering.Report, error) {
	f.correlationID = ordering.CorrelationID(ctx)
	return f.validate(d)
}

func (f *fakeService) Place(ctx context.Context, d *order.DrugOrder) (*order.DrugOrder, error) {
	f.correlationID = ordering.CorrelationID(ctx)
	return f.place(d)
}

func (f *fakeService) Get(ctx context.Context, id string) (*order.DrugOrder, error) {
	return f.get(id)
}

func (f *fakeService) Discontinue(ctx context.Context, id, reason string, at *time.Time) (*order.DrugOrder, error) {
	return f.discontinue(id, reason, at)
}

func (f *fakeService) Revise(ctx context.Context, id string, next *order.DrugOrder, at *time.Time) (*order.DrugOrder, error) {
	return f.revise(id, next, at)
}

func (f *fakeService) Void(ctx context.Context, id, reason string) (*order.DrugOrder, error) {
	return f.void(id, reason)
}

func (f *fakeService) ActiveOrders(ctx context.Context, patientID string, asOf time.Time) ([]*order.DrugOrder, error) {
	return f.active(patientID, asOf)
}

func newRouter(t *testing.T, svc OrderService) http.Handler {
	t.Helper()
	h := NewOrderHandler(svc, zaptest.NewLogger(t))
	h.now = func() time.Time { return handlerNow }

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Mount("/orders", h.Routes())
	r.Mount("/patients", h.PatientRoutes())
	return r
}

func do(t *testing.T, handler http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func storedOrder(id string) *order.DrugOrder {
	d := order.NewDrugOrder()
	d.ID = id
	d.Patient = &order.Patient{ID: "p-1"}
	d.Concept = &order.Concept{ID: "1191", Name: "Aspirin"}
	d.StartDate = order.Time(handlerNow.Add(-time.Hour))
	d.DosingType = order.DosingTypeFreeText
	d.DosingInstructions = "as directed"
	return d
}

const nativeOrder = `{
  "patient": {"id": "p-1"},
  "concept": {"id": "1191", "name": "Aspirin"},
  "orderer": {"id": "dr-1"},
  "encounter": {"id": "e-1", "patient": {"id": "p-1"}},
  "start_date": "2014-08-01T09:00:00Z",
  "dosing_type": "free_text",
  "dosing_instructions": "as directed"
}`

const fhirOrder = `{
  "resourceType": "MedicationRequest",
  "status": "active",
  "intent": "order",
  "medication": {"concept": {"coding": [{"system": "http://www.nlm.nih.gov/research/umls/rxnorm", "code": "1191", "display": "Aspirin"}]}},
  "subject": {"reference": "Patient/p-1"},
  "encounter": {"reference": "Encounter/e-1"},
  "requester": {"reference": "Practitioner/dr-1"},
  "authoredOn": "2014-08-01T09:00:00Z",
  "renderedDosageInstruction": "as directed"
}`

func TestPlaceNative(t *testing.T) {
	svc := &fakeService{place: func(d *order.DrugOrder) (*order.DrugOrder, error) {
		d.ID = "order-1"
		return d, nil
	}}

	rec := do(t, newRouter(t, svc), http.MethodPost, "/orders", "application/json", nativeOrder)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "req-42", svc.correlationID)

	var got order.DrugOrder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "order-1", got.ID)
	assert.Equal(t, order.KindDrugOrder, got.Kind)
	assert.Equal(t, "dr-1", got.Orderer.ID)
	assert.Equal(t, order.DosingTypeFreeText, got.DosingType)
}

func TestPlaceFHIR(t *testing.T) {
	var placed *order.DrugOrder
	svc := &fakeService{place: func(d *order.DrugOrder) (*order.DrugOrder, error) {
		d.ID = "order-1"
		placed = d
		return d, nil
	}}

	rec := do(t, newRouter(t, svc), http.MethodPost, "/orders", FHIRContentType, fhirOrder)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, FHIRContentType, rec.Header().Get("Content-Type"))

	require.NotNil(t, placed)
	assert.Equal(t, "1191", placed.Concept.ID)
	assert.Equal(t, "as directed", placed.DosingInstructions)

	var mr fhir.MedicationRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mr))
	assert.Equal(t, "MedicationRequest", mr.ResourceType)
	assert.Equal(t, "order-1", mr.ID)
	assert.Equal(t, fhir.StatusActive, mr.Status)
	assert.Equal(t, "p-1", mr.PatientID())
}

func TestPlaceRejectsInvalidOrder(t *testing.T) {
	violations := order.Violations{{Field: order.FieldRoute, Code: order.CodeRouteNull}}
	svc := &fakeService{place: func(*order.DrugOrder) (*order.DrugOrder, error) {
		return nil, &ordering.ValidationError{Violations: violations}
	}}
	router := newRouter(t, svc)

	rec := do(t, router, http.MethodPost, "/orders", "application/json", nativeOrder)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp ValidationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Valid)
	assert.Equal(t, violations, resp.Violations)
	assert.Equal(t, []string{"route: simple dosing requires a route"}, resp.Messages)

	rec = do(t, router, http.MethodPost, "/orders", FHIRContentType, fhirOrder)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var outcome fhir.OperationOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	require.Len(t, outcome.Issue, 1)
	assert.Equal(t, fhir.IssueRequired, outcome.Issue[0].Code)
	assert.Equal(t, []string{order.FieldRoute}, outcome.Issue[0].Expression)
}

func TestPlaceConflict(t *testing.T) {
	svc := &fakeService{place: func(*order.DrugOrder) (*order.DrugOrder, error) {
		return nil, &ordering.ConflictError{OrderIDs: []string{"order-0"}}
	}}

	rec := do(t, newRouter(t, svc), http.MethodPost, "/orders", "application/json", nativeOrder)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error":"order overlaps an existing order","conflicts":["order-0"]}`, rec.Body.String())
}

func TestPlaceBadRequests(t *testing.T) {
	svc := &fakeService{place: func(d *order.DrugOrder) (*order.DrugOrder, error) {
		t.Fatal("service must not be called")
		return nil, nil
	}}
	router := newRouter(t, svc)

	tests := []struct {
		name        string
		contentType string
		body        string
		status      int
	}{
		{"malformed json", "application/json", `{"patient":`, http.StatusBadRequest},
		{"unknown field", "application/json", `{"patinet": {"id": "p-1"}}`, http.StatusBadRequest},
		{"fhir without resource", FHIRContentType, `{"id": "x"}`, http.StatusBadRequest},
		{"plan intent", FHIRContentType, strings.Replace(fhirOrder, `"intent": "order"`, `"intent": "plan"`, 1), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/orders", tt.contentType, tt.body)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestValidateReport(t *testing.T) {
	expires := handlerNow.AddDate(0, 0, 5)
	svc := &fakeService{validate: func(*order.DrugOrder) (*ordering.Report, error) {
		return &ordering.Report{AutoExpireDate: &expires, Conflicts: []string{"order-0"}}, nil
	}}
	router := newRouter(t, svc)

	rec := do(t, router, http.MethodPost, "/orders/validate", "application/json", nativeOrder)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ValidationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Valid)
	assert.Empty(t, resp.Violations)
	assert.Equal(t, expires, *resp.AutoExpireDate)
	assert.Equal(t, []string{"order-0"}, resp.Conflicts)

	rec = do(t, router, http.MethodPost, "/orders/validate", FHIRContentType, fhirOrder)
	require.Equal(t, http.StatusOK, rec.Code)
	var outcome fhir.OperationOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	require.Len(t, outcome.Issue, 1)
	assert.Equal(t, fhir.IssueConflict, outcome.Issue[0].Code)
}

func TestGet(t *testing.T) {
	svc := &fakeService{get: func(id string) (*order.DrugOrder, error) {
		if id == "order-1" {
			return storedOrder(id), nil
		}
		return nil, order.ErrOrderNotFound
	}}
	router := newRouter(t, svc)

	rec := do(t, router, http.MethodGet, "/orders/order-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"order-1"`)

	req := httptest.NewRequest(http.MethodGet, "/orders/order-1", nil)
	req.Header.Set("Accept", FHIRContentType)
	fhirRec := httptest.NewRecorder()
	router.ServeHTTP(fhirRec, req)
	require.Equal(t, http.StatusOK, fhirRec.Code)
	assert.Equal(t, FHIRContentType, fhirRec.Header().Get("Content-Type"))
	assert.Contains(t, fhirRec.Body.String(), `"resourceType":"MedicationRequest"`)

	rec = do(t, router, http.MethodGet, "/orders/missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"order not found"}`, rec.Body.String())
}

func TestDiscontinue(t *testing.T) {
	at := handlerNow.Add(30 * time.Minute)
	svc := &fakeService{discontinue: func(id, reason string, got *time.Time) (*order.DrugOrder, error) {
		if id == "stopped" {
			return nil, order.ErrAlreadyStopped
		}
		assert.Equal(t, "adverse reaction", reason)
		require.NotNil(t, got)
		assert.True(t, at.Equal(*got))

		dc := storedOrder("dc-1")
		dc.Action = order.ActionDiscontinue
		dc.PreviousOrderID = id
		return dc, nil
	}}
	router := newRouter(t, svc)

	body := `{"reason": "adverse reaction", "at": "2014-08-01T12:30:00Z"}`
	rec := do(t, router, http.MethodPost, "/orders/order-1/discontinue", "application/json", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"previous_order_id":"order-1"`)

	rec = do(t, router, http.MethodPost, "/orders/stopped/discontinue", "application/json", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRevise(t *testing.T) {
	svc := &fakeService{revise: func(id string, next *order.DrugOrder, at *time.Time) (*order.DrugOrder, error) {
		assert.Equal(t, "order-1", id)
		assert.Nil(t, at)
		next.ID = "order-2"
		next.Action = order.ActionRevise
		next.PreviousOrderID = id
		return next, nil
	}}
	router := newRouter(t, svc)

	rec := do(t, router, http.MethodPost, "/orders/order-1/revise", "application/json", nativeOrder)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"action":"REVISE"`)

	rec = do(t, router, http.MethodPost, "/orders/order-1/revise?at=yesterday", "application/json", nativeOrder)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVoid(t *testing.T) {
	svc := &fakeService{void: func(id, reason string) (*order.DrugOrder, error) {
		if reason == "" {
			return nil, order.ErrVoidReasonRequired
		}
		d := storedOrder(id)
		d.Voided = order.Bool(true)
		d.VoidReason = reason
		return d, nil
	}}
	router := newRouter(t, svc)

	rec := do(t, router, http.MethodDelete, "/orders/order-1?reason=wrong+patient", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"void_reason":"wrong patient"`)

	rec = do(t, router, http.MethodDelete, "/orders/order-1", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActive(t *testing.T) {
	var gotAsOf time.Time
	svc := &fakeService{active: func(patientID string, asOf time.Time) ([]*order.DrugOrder, error) {
		gotAsOf = asOf
		if patientID == "p-2" {
			return nil, nil
		}
		return []*order.DrugOrder{storedOrder("order-1")}, nil
	}}
	router := newRouter(t, svc)

	rec := do(t, router, http.MethodGet, "/patients/p-1/orders/active?asOf=2014-08-02T00:00:00Z", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2014, time.August, 2, 0, 0, 0, 0, time.UTC), gotAsOf)
	var resp ActiveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "p-1", resp.PatientID)
	require.Len(t, resp.Orders, 1)
	assert.Equal(t, "order-1", resp.Orders[0].ID)

	rec = do(t, router, http.MethodGet, "/patients/p-2/orders/active", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, handlerNow, gotAsOf)
	assert.Contains(t, rec.Body.String(), `"orders":[]`)

	rec = do(t, router, http.MethodGet, "/patients/p-1/orders/active?asOf=tomorrow", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
