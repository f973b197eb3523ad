// Package handlers provides HTTP handlers for the order API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-orders/internal/api/middleware"
	"github.com/drfirst/go-orders/internal/domain/order"
	"github.com/drfirst/go-orders/internal/fhir/mapper"
	fhir "github.com/drfirst/go-orders/internal/fhir/r5"
	"github.com/drfirst/go-orders/internal/ordering"
	"github.com/drfirst/go-orders/pkg/circuitbreaker"
)

// FHIRContentType is the media type of FHIR JSON bodies
const FHIRContentType = "application/fhir+json"

const maxBodyBytes = 1 << 20

// OrderService is the order lifecycle the handlers drive
type OrderService interface {
	Validate(ctx context.Context, d *order.DrugOrder) (*ordering.Report, error)
	Place(ctx context.Context, d *order.DrugOrder) (*order.DrugOrder, error)
	Get(ctx context.Context, id string) (*order.DrugOrder, error)
	Discontinue(ctx context.Context, id, reason string, at *time.Time) (*order.DrugOrder, error)
	Revise(ctx context.Context, id string, next *order.DrugOrder, at *time.Time) (*order.DrugOrder, error)
	Void(ctx context.Context, id, reason string) (*order.DrugOrder, error)
	ActiveOrders(ctx context.Context, patientID string, asOf time.Time) ([]*order.DrugOrder, error)
}

// OrderHandler handles order endpoints
type OrderHandler struct {
	service OrderService
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewOrderHandler creates a new handler
func NewOrderHandler(service OrderService, logger *zap.Logger) *OrderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandler{
		service: service,
		logger:  logger,
		tracer:  otel.Tracer("order-handler"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Routes returns the order routes, mounted under /orders
func (h *OrderHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Place)
	r.Post("/validate", h.Validate)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/discontinue", h.Discontinue)
	r.Post("/{id}/revise", h.Revise)
	r.Delete("/{id}", h.Void)
	return r
}

// PatientRoutes returns the patient scoped routes, mounted under /patients
func (h *OrderHandler) PatientRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{patientID}/orders/active", h.Active)
	return r
}

// DiscontinueRequest is the request body for discontinuing an order
type DiscontinueRequest struct {
	Reason string     `json:"reason"`
	At     *time.Time `json:"at,omitempty"`
}

// ValidationResponse is the native response for a rejected or dry-run order
type ValidationResponse struct {
	Valid          bool             `json:"valid"`
	Violations     order.Violations `json:"violations"`
	Messages       []string         `json:"messages,omitempty"`
	AutoExpireDate *time.Time       `json:"auto_expire_date,omitempty"`
	DurationError  string           `json:"duration_error,omitempty"`
	Conflicts      []string         `json:"conflicts,omitempty"`
}

// ActiveResponse lists a patient's active orders
type ActiveResponse struct {
	PatientID string             `json:"patient_id"`
	AsOf      time.Time          `json:"as_of"`
	Orders    []*order.DrugOrder `json:"orders"`
}

// Place handles POST /orders
func (h *OrderHandler) Place(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "place_order")
	defer span.End()

	d, asFHIR, err := h.decodeOrder(r)
	if err != nil {
		h.writeError(w, asFHIR, err)
		return
	}

	placed, err := h.service.Place(ctx, d)
	if err != nil {
		span.RecordError(err)
		h.writeError(w, asFHIR, err)
		return
	}

	span.SetAttributes(attribute.String("order_id", placed.ID))
	h.writeOrder(w, r, http.StatusCreated, placed, asFHIR)
}

// Validate handles POST /orders/validate. Nothing is persisted.
func (h *OrderHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "validate_order")
	defer span.End()

	d, asFHIR, err := h.decodeOrder(r)
	if err != nil {
		h.writeError(w, asFHIR, err)
		return
	}

	report, err := h.service.Validate(ctx, d)
	if err != nil {
		span.RecordError(err)
		h.writeError(w, asFHIR, err)
		return
	}

	span.SetAttributes(attribute.Bool("valid", report.Valid()))
	if asFHIR {
		outcome := mapper.Outcome(report.Violations)
		if report.DurationError != "" {
			outcome.Issue = append(outcome.Issue, fhir.OperationOutcomeIssue{
				Severity: fhir.SeverityError, Code: fhir.IssueInvalid, Diagnostics: report.DurationError,
			})
		}
		for _, id := range report.Conflicts {
			outcome.Issue = append(outcome.Issue, fhir.OperationOutcomeIssue{
				Severity: fhir.SeverityError, Code: fhir.IssueConflict, Diagnostics: "overlaps order " + id,
			})
		}
		h.writeJSON(w, FHIRContentType, http.StatusOK, outcome)
		return
	}
	h.writeJSON(w, "application/json", http.StatusOK, newValidationResponse(report))
}

// Get handles GET /orders/{id}
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "get_order")
	defer span.End()

	asFHIR := acceptsFHIR(r)
	d, err := h.service.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, asFHIR, err)
		return
	}
	h.writeOrder(w, r, http.StatusOK, d, asFHIR)
}

// Discontinue handles POST /orders/{id}/discontinue
func (h *OrderHandler) Discontinue(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "discontinue_order")
	defer span.End()

	asFHIR := acceptsFHIR(r)
	var req DiscontinueRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.jsonError(w, asFHIR, http.StatusBadRequest, fhir.IssueInvalid, "invalid request body")
		return
	}

	dc, err := h.service.Discontinue(ctx, chi.URLParam(r, "id"), req.Reason, req.At)
	if err != nil {
		span.RecordError(err)
		h.writeError(w, asFHIR, err)
		return
	}
	h.writeOrder(w, r, http.StatusCreated, dc, asFHIR)
}

// Revise handles POST /orders/{id}/revise. The body is the replacement
// order; the optional at query parameter backdates the revision.
func (h *OrderHandler) Revise(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "revise_order")
	defer span.End()

	next, asFHIR, err := h.decodeOrder(r)
	if err != nil {
		h.writeError(w, asFHIR, err)
		return
	}
	at, err := queryTime(r, "at")
	if err != nil {
		h.jsonError(w, asFHIR, http.StatusBadRequest, fhir.IssueInvalid, "at must be an RFC 3339 timestamp")
		return
	}

	revised, err := h.service.Revise(ctx, chi.URLParam(r, "id"), next, at)
	if err != nil {
		span.RecordError(err)
		h.writeError(w, asFHIR, err)
		return
	}
	h.writeOrder(w, r, http.StatusCreated, revised, asFHIR)
}

// Void handles DELETE /orders/{id}?reason=
func (h *OrderHandler) Void(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "void_order")
	defer span.End()

	asFHIR := acceptsFHIR(r)
	d, err := h.service.Void(ctx, chi.URLParam(r, "id"), r.URL.Query().Get("reason"))
	if err != nil {
		h.writeError(w, asFHIR, err)
		return
	}
	h.writeOrder(w, r, http.StatusOK, d, asFHIR)
}

// Active handles GET /patients/{patientID}/orders/active?asOf=
func (h *OrderHandler) Active(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "active_orders")
	defer span.End()

	asFHIR := acceptsFHIR(r)
	at, err := queryTime(r, "asOf")
	if err != nil {
		h.jsonError(w, asFHIR, http.StatusBadRequest, fhir.IssueInvalid, "asOf must be an RFC 3339 timestamp")
		return
	}
	asOf := h.now()
	if at != nil {
		asOf = *at
	}

	patientID := chi.URLParam(r, "patientID")
	orders, err := h.service.ActiveOrders(ctx, patientID, asOf)
	if err != nil {
		h.writeError(w, asFHIR, err)
		return
	}

	if asFHIR {
		resources := make([]*fhir.MedicationRequest, 0, len(orders))
		for _, d := range orders {
			resources = append(resources, mapper.ToMedicationRequest(d, asOf))
		}
		h.writeJSON(w, FHIRContentType, http.StatusOK, resources)
		return
	}
	if orders == nil {
		orders = []*order.DrugOrder{}
	}
	h.writeJSON(w, "application/json", http.StatusOK, ActiveResponse{PatientID: patientID, AsOf: asOf, Orders: orders})
}

func (h *OrderHandler) start(r *http.Request, name string) (context.Context, trace.Span) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	if requestID != "" {
		ctx = ordering.WithCorrelationID(ctx, requestID)
	}
	return h.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("request_id", requestID)))
}

// decodeOrder reads a native drug order or a FHIR MedicationRequest. A FHIR
// content type rules out native bodies.
func (h *OrderHandler) decodeOrder(r *http.Request) (*order.DrugOrder, bool, error) {
	asFHIR := isFHIRContent(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, asFHIR, badRequest("failed to read request body")
	}
	return mapper.DecodeOrder(body, asFHIR)
}

func (h *OrderHandler) writeOrder(w http.ResponseWriter, r *http.Request, status int, d *order.DrugOrder, asFHIR bool) {
	if asFHIR || acceptsFHIR(r) {
		h.writeJSON(w, FHIRContentType, status, mapper.ToMedicationRequest(d, h.now()))
		return
	}
	h.writeJSON(w, "application/json", status, d)
}

// requestError is a malformed request caught before reaching the service
type requestError struct{ message string }

func (e *requestError) Error() string { return e.message }

func badRequest(message string) error { return &requestError{message: message} }

// writeError maps service and mapping errors to status codes
func (h *OrderHandler) writeError(w http.ResponseWriter, asFHIR bool, err error) {
	var (
		verr   *ordering.ValidationError
		cerr   *ordering.ConflictError
		merr   *mapper.MapError
		reqErr *requestError
	)

	switch {
	case errors.As(err, &verr):
		if asFHIR {
			h.writeJSON(w, FHIRContentType, http.StatusUnprocessableEntity, mapper.Outcome(verr.Violations))
			return
		}
		h.writeJSON(w, "application/json", http.StatusUnprocessableEntity, newValidationResponse(&ordering.Report{Violations: verr.Violations}))
	case errors.As(err, &cerr):
		if asFHIR {
			h.jsonError(w, true, http.StatusConflict, fhir.IssueConflict, err.Error())
			return
		}
		h.writeJSON(w, "application/json", http.StatusConflict, map[string]interface{}{
			"error":     ordering.ErrScheduleConflict.Error(),
			"conflicts": cerr.OrderIDs,
		})
	case errors.As(err, &merr):
		if asFHIR {
			h.writeJSON(w, FHIRContentType, http.StatusBadRequest, mapper.ErrorOutcome(merr))
			return
		}
		h.jsonError(w, false, http.StatusBadRequest, fhir.IssueInvalid, merr.Error())
	case errors.As(err, &reqErr), errors.Is(err, order.ErrVoidReasonRequired):
		h.jsonError(w, asFHIR, http.StatusBadRequest, fhir.IssueInvalid, err.Error())
	case errors.Is(err, order.ErrOrderNotFound):
		h.jsonError(w, asFHIR, http.StatusNotFound, fhir.IssueNotFound, "order not found")
	case errors.Is(err, order.ErrInvalidDuration), errors.Is(err, order.ErrUnsupportedDurationCode):
		h.jsonError(w, asFHIR, http.StatusUnprocessableEntity, fhir.IssueInvalid, err.Error())
	case errors.Is(err, order.ErrAlreadyStopped), errors.Is(err, order.ErrOrderVoided), errors.Is(err, order.ErrNotActive):
		h.jsonError(w, asFHIR, http.StatusConflict, fhir.IssueConflict, err.Error())
	case circuitbreaker.IsOpenError(err):
		h.jsonError(w, asFHIR, http.StatusServiceUnavailable, fhir.IssueException, "order store unavailable")
	default:
		h.logger.Error("order request failed", zap.Error(err))
		h.jsonError(w, asFHIR, http.StatusInternalServerError, fhir.IssueException, "internal server error")
	}
}

func newValidationResponse(report *ordering.Report) ValidationResponse {
	violations := report.Violations
	if violations == nil {
		violations = order.Violations{}
	}
	messages := make([]string, 0, len(violations))
	for _, v := range violations {
		messages = append(messages, v.Field+": "+mapper.Message(v.Code))
	}
	return ValidationResponse{
		Valid:          report.Valid(),
		Violations:     violations,
		Messages:       messages,
		AutoExpireDate: report.AutoExpireDate,
		DurationError:  report.DurationError,
		Conflicts:      report.Conflicts,
	}
}

func (h *OrderHandler) writeJSON(w http.ResponseWriter, contentType string, status int, body interface{}) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *OrderHandler) jsonError(w http.ResponseWriter, asFHIR bool, status int, issue, message string) {
	if asFHIR {
		h.writeJSON(w, FHIRContentType, status, fhir.NewErrorOutcome(issue, message))
		return
	}
	h.writeJSON(w, "application/json", status, map[string]string{"error": message})
}

func isFHIRContent(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == FHIRContentType
}

func acceptsFHIR(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), FHIRContentType)
}

func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
