// Package ordering places and manages drug orders. It runs the consistency
// validator and expiry inference before persistence, rejects orders that
// overlap a patient's active orders for the same concept, and records every
// lifecycle change as an outbox event.
package ordering

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-orders/internal/domain/order"
	"github.com/drfirst/go-orders/internal/observability/metrics"
	"github.com/drfirst/go-orders/pkg/circuitbreaker"
)

// Store persists drug orders together with their events
type Store interface {
	Save(ctx context.Context, orders []*order.DrugOrder, events []*order.Event) error
	Get(ctx context.Context, id string) (*order.DrugOrder, error)
	ListByPatient(ctx context.Context, patientID string, since time.Time) ([]*order.DrugOrder, error)
}

// Options configures optional collaborators of the service
type Options struct {
	Mapper  order.ConceptMapper
	Metrics *metrics.Metrics
	Breaker *circuitbreaker.CircuitBreaker
	Logger  *zap.Logger
	Now     func() time.Time
}

// Service implements the order lifecycle
type Service struct {
	store     Store
	validator *order.Validator
	mapper    order.ConceptMapper
	metrics   *metrics.Metrics
	breaker   *circuitbreaker.CircuitBreaker
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewService creates a new ordering service
func NewService(store Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Mapper == nil {
		opts.Mapper = order.EmbeddedMappings{}
	}
	return &Service{
		store:     store,
		validator: &order.Validator{Now: opts.Now, Mapper: opts.Mapper},
		mapper:    opts.Mapper,
		metrics:   opts.Metrics,
		breaker:   opts.Breaker,
		logger:    opts.Logger,
		tracer:    otel.Tracer("ordering"),
		now:       opts.Now,
	}
}

// Report is the outcome of a dry-run validation
type Report struct {
	Violations     order.Violations `json:"violations"`
	AutoExpireDate *time.Time       `json:"auto_expire_date,omitempty"`
	DurationError  string           `json:"duration_error,omitempty"`
	Conflicts      []string         `json:"conflicts,omitempty"`
}

// Valid reports whether the order would be accepted
func (r *Report) Valid() bool {
	return !r.Violations.HasErrors() && r.DurationError == "" && len(r.Conflicts) == 0
}

// Validate checks d without persisting anything
func (s *Service) Validate(ctx context.Context, d *order.DrugOrder) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "validate_order")
	defer span.End()

	candidate := *d
	s.applyDefaults(&candidate)

	report := &Report{}
	inferred, err := s.inferExpiry(&candidate)
	if err != nil {
		report.DurationError = err.Error()
	}
	if inferred {
		report.AutoExpireDate = candidate.AutoExpireDate
	}
	report.Violations = s.validate(&candidate)

	if !report.Violations.HasErrors() {
		conflicts, err := s.conflicts(ctx, &candidate, "")
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		report.Conflicts = conflicts
	}

	span.SetAttributes(attribute.Bool("valid", report.Valid()))
	return report, nil
}

// Place validates, infers expiry and stores a new drug order
func (s *Service) Place(ctx context.Context, d *order.DrugOrder) (*order.DrugOrder, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "place_order")
	defer span.End()
	defer s.observe("place", start)

	s.applyDefaults(d)
	span.SetAttributes(attribute.String("order_id", d.ID), attribute.String("patient_id", d.PatientID()))

	events, err := s.prepare(ctx, d, "")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := s.save(ctx, []*order.DrugOrder{d}, events); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.OrdersPlaced.WithLabelValues(string(d.Urgency)).Inc()
	}
	s.logger.Info("order placed",
		zap.String("order_id", d.ID),
		zap.String("patient_id", d.PatientID()),
		zap.String("correlation_id", CorrelationID(ctx)))
	return d, nil
}

// Get loads an order by id
func (s *Service) Get(ctx context.Context, id string) (*order.DrugOrder, error) {
	return circuitbreaker.Run(ctx, s.breaker, func() (*order.DrugOrder, error) {
		return s.store.Get(ctx, id)
	})
}

// Discontinue stops an active order and records the discontinuation order
func (s *Service) Discontinue(ctx context.Context, id, reason string, at *time.Time) (*order.DrugOrder, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "discontinue_order", trace.WithAttributes(attribute.String("order_id", id)))
	defer span.End()
	defer s.observe("discontinue", start)

	when := s.now()
	if at != nil {
		when = *at
	}

	d, err := s.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	stop, err := order.Discontinue(&d.Order, reason, when)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	dc := &order.DrugOrder{
		Order:      *stop,
		Drug:       d.Drug,
		DosingType: d.DosingType,
		AsNeeded:   order.Bool(false),
	}
	dc.ID = uuid.New().String()

	e, err := order.NewEvent(d.ID, order.EventOrderDiscontinued, order.DiscontinuedData{
		OrderID:                d.ID,
		DiscontinuationOrderID: dc.ID,
		Reason:                 reason,
		DateStopped:            when,
	})
	if err != nil {
		return nil, err
	}
	s.annotate(ctx, e, &d.Order)

	if err := s.save(ctx, []*order.DrugOrder{d, dc}, []*order.Event{e}); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.OrdersDiscontinued.Inc()
	}
	s.logger.Info("order discontinued",
		zap.String("order_id", d.ID),
		zap.String("discontinuation_order_id", dc.ID),
		zap.Time("date_stopped", when))
	return dc, nil
}

// Revise replaces the order id with next
func (s *Service) Revise(ctx context.Context, id string, next *order.DrugOrder, at *time.Time) (*order.DrugOrder, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "revise_order", trace.WithAttributes(attribute.String("order_id", id)))
	defer span.End()
	defer s.observe("revise", start)

	when := s.now()
	if at != nil {
		when = *at
	}

	prev, err := s.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if next.Patient == nil {
		next.Patient = prev.Patient
	}
	if err := order.Revise(&prev.Order, &next.Order, when); err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.applyDefaults(next)

	events, err := s.prepare(ctx, next, prev.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	revised, err := order.NewEvent(next.ID, order.EventOrderRevised, order.RevisedData{
		OrderID:         next.ID,
		PreviousOrderID: prev.ID,
		PreviousStopped: prev.DateStopped,
	})
	if err != nil {
		return nil, err
	}
	s.annotate(ctx, revised, &next.Order)
	events = append(events, revised)

	if err := s.save(ctx, []*order.DrugOrder{prev, next}, events); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.OrdersRevised.Inc()
	}
	s.logger.Info("order revised",
		zap.String("order_id", next.ID),
		zap.String("previous_order_id", prev.ID))
	return next, nil
}

// Void marks an order as entered in error
func (s *Service) Void(ctx context.Context, id, reason string) (*order.DrugOrder, error) {
	ctx, span := s.tracer.Start(ctx, "void_order", trace.WithAttributes(attribute.String("order_id", id)))
	defer span.End()

	d, err := s.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := order.Void(&d.Order, reason); err != nil {
		return nil, err
	}

	e, err := order.NewEvent(d.ID, order.EventOrderVoided, order.VoidedData{OrderID: d.ID, Reason: reason})
	if err != nil {
		return nil, err
	}
	s.annotate(ctx, e, &d.Order)

	if err := s.save(ctx, []*order.DrugOrder{d}, []*order.Event{e}); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.OrdersVoided.Inc()
	}
	s.logger.Info("order voided", zap.String("order_id", d.ID))
	return d, nil
}

// ActiveOrders returns the patient's orders in effect at asOf
func (s *Service) ActiveOrders(ctx context.Context, patientID string, asOf time.Time) ([]*order.DrugOrder, error) {
	ctx, span := s.tracer.Start(ctx, "active_orders", trace.WithAttributes(attribute.String("patient_id", patientID)))
	defer span.End()

	existing, err := s.listByPatient(ctx, patientID, asOf)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	active := order.ActiveOrders(baseOrders(existing), asOf)
	byBase := make(map[*order.Order]*order.DrugOrder, len(existing))
	for _, d := range existing {
		byBase[&d.Order] = d
	}
	result := make([]*order.DrugOrder, 0, len(active))
	for _, o := range active {
		result = append(result, byBase[o])
	}
	span.SetAttributes(attribute.Int("active", len(result)))
	return result, nil
}

func (s *Service) applyDefaults(d *order.DrugOrder) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Kind == "" {
		d.Kind = order.KindDrugOrder
	}
	if d.Action == "" {
		d.Action = order.ActionNew
	}
	if d.StartDate == nil {
		d.StartDate = order.Time(s.now())
	}
}

// prepare runs inference, validation and the conflict check for a new order
// and returns the events its placement produces
func (s *Service) prepare(ctx context.Context, d *order.DrugOrder, replacing string) ([]*order.Event, error) {
	inferred, inferErr := s.inferExpiry(d)

	if violations := s.validate(d); violations.HasErrors() {
		s.reject("validation")
		return nil, &ValidationError{Violations: violations}
	}
	if inferErr != nil {
		s.reject("duration")
		return nil, inferErr
	}

	conflicts, err := s.conflicts(ctx, d, replacing)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		s.reject("conflict")
		if s.metrics != nil {
			s.metrics.ScheduleConflicts.Inc()
		}
		return nil, &ConflictError{OrderIDs: conflicts}
	}

	placed, err := order.PlacedEvent(d)
	if err != nil {
		return nil, err
	}
	s.annotate(ctx, placed, &d.Order)
	events := []*order.Event{placed}

	if inferred {
		code, _ := order.DurationCode(d.DurationUnits, s.mapper)
		e, err := order.NewEvent(d.ID, order.EventOrderExpiryInferred, order.ExpiryInferredData{
			OrderID:        d.ID,
			Duration:       *d.Duration,
			DurationCode:   code,
			AutoExpireDate: *d.AutoExpireDate,
		})
		if err != nil {
			return nil, err
		}
		s.annotate(ctx, e, &d.Order)
		events = append(events, e)
		if s.metrics != nil {
			s.metrics.ExpiryInferred.WithLabelValues(code).Inc()
		}
	}
	return events, nil
}

// inferExpiry fills in autoExpireDate from the dosing duration when absent
func (s *Service) inferExpiry(d *order.DrugOrder) (bool, error) {
	if d.AutoExpireDate != nil {
		return false, nil
	}
	expires, err := order.ComputeAutoExpireDate(d, s.mapper)
	if err != nil || expires == nil {
		return false, err
	}
	d.AutoExpireDate = expires
	return true, nil
}

func (s *Service) validate(d *order.DrugOrder) order.Violations {
	violations := s.validator.ValidateDrugOrder(d)
	if s.metrics != nil {
		for _, v := range violations {
			s.metrics.Violations.WithLabelValues(v.Field).Inc()
		}
	}
	return violations
}

// conflicts returns the ids of stored orders overlapping d, ignoring the
// order being replaced
func (s *Service) conflicts(ctx context.Context, d *order.DrugOrder, replacing string) ([]string, error) {
	start, ok := order.EffectiveStart(&d.Order)
	if !ok || d.PatientID() == "" {
		return nil, nil
	}
	existing, err := s.listByPatient(ctx, d.PatientID(), start)
	if err != nil {
		return nil, err
	}

	candidates := make([]*order.Order, 0, len(existing))
	for _, o := range existing {
		if o.ID != replacing {
			candidates = append(candidates, &o.Order)
		}
	}

	var ids []string
	for _, o := range order.FindOverlapping(&d.Order, candidates) {
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (s *Service) listByPatient(ctx context.Context, patientID string, since time.Time) ([]*order.DrugOrder, error) {
	return circuitbreaker.Run(ctx, s.breaker, func() ([]*order.DrugOrder, error) {
		return s.store.ListByPatient(ctx, patientID, since)
	})
}

func (s *Service) save(ctx context.Context, orders []*order.DrugOrder, events []*order.Event) error {
	_, err := circuitbreaker.Run(ctx, s.breaker, func() (struct{}, error) {
		return struct{}{}, s.store.Save(ctx, orders, events)
	})
	return err
}

func (s *Service) annotate(ctx context.Context, e *order.Event, o *order.Order) {
	e.WithAuditInfo(o).WithCorrelationID(CorrelationID(ctx))
}

func (s *Service) reject(reason string) {
	if s.metrics != nil {
		s.metrics.OrdersRejected.WithLabelValues(reason).Inc()
	}
}

func (s *Service) observe(operation string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ProcessingDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

func baseOrders(drugOrders []*order.DrugOrder) []*order.Order {
	out := make([]*order.Order, len(drugOrders))
	for i, d := range drugOrders {
		out[i] = &d.Order
	}
	return out
}

type correlationKey struct{}

// WithCorrelationID attaches the id copied onto every event produced under ctx
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id attached with WithCorrelationID
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
