// Package importer places orders arriving on the import topic. Each message is
// processed at most once to completion through the idempotency inbox; orders
// naming a previous order revise it, all others are placed. Messages that can
// never succeed are dead-lettered, anything else is redelivered.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-orders/internal/domain/order"
	"github.com/drfirst/go-orders/internal/fhir/mapper"
	"github.com/drfirst/go-orders/internal/infrastructure/redpanda"
	"github.com/drfirst/go-orders/internal/observability/metrics"
	"github.com/drfirst/go-orders/internal/ordering"
	"github.com/drfirst/go-orders/pkg/idempotency"
)

// HandlerName identifies the importer in the inbox
const HandlerName = "order-importer"

// IdempotencyKeyHeader lets senders supply their own deduplication key
const IdempotencyKeyHeader = "idempotency-key"

// Service is the part of the order lifecycle imports use
type Service interface {
	Place(ctx context.Context, d *order.DrugOrder) (*order.DrugOrder, error)
	Revise(ctx context.Context, id string, next *order.DrugOrder, at *time.Time) (*order.DrugOrder, error)
}

// Inbox deduplicates processing by key
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Publisher writes dead letters
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// PermanentError marks a message that fails the same way on every delivery
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent import failure: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err can never succeed on redelivery
func IsPermanent(err error) bool {
	var perr *PermanentError
	var merr *mapper.MapError
	return errors.As(err, &perr) || errors.As(err, &merr) ||
		errors.Is(err, idempotency.ErrPreviouslyFailed) || ordering.IsClientError(err)
}

// Result is stored in the inbox for each imported message
type Result struct {
	OrderID         string `json:"order_id"`
	PreviousOrderID string `json:"previous_order_id,omitempty"`
}

// Importer handles import messages
type Importer struct {
	service         Service
	inbox           Inbox
	publisher       Publisher
	deadLetterTopic string
	metrics         *metrics.Metrics
	logger          *zap.Logger
	tracer          trace.Tracer
	now             func() time.Time
}

// Config wires the importer's collaborators. Metrics and Publisher may be nil.
type Config struct {
	Service         Service
	Inbox           Inbox
	Publisher       Publisher
	DeadLetterTopic string
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
}

// New creates an importer
func New(cfg Config) (*Importer, error) {
	if cfg.Service == nil || cfg.Inbox == nil {
		return nil, errors.New("service and inbox are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = redpanda.TopicDeadLetter
	}
	return &Importer{
		service:         cfg.Service,
		inbox:           cfg.Inbox,
		publisher:       cfg.Publisher,
		deadLetterTopic: cfg.DeadLetterTopic,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		tracer:          otel.Tracer("order-importer"),
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

// Handle imports one message
func (i *Importer) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	ctx, span := i.tracer.Start(ctx, "import_order", trace.WithAttributes(
		attribute.String("topic", msg.Topic),
		attribute.Int64("offset", msg.Offset),
	))
	defer span.End()

	d, _, err := mapper.DecodeOrder(msg.Value, false)
	if err != nil {
		span.RecordError(err)
		return &PermanentError{Err: err}
	}

	key := IdempotencyKey(msg, d)
	span.SetAttributes(attribute.String("idempotency_key", key))
	ctx = ordering.WithCorrelationID(ctx, key)

	result, err := i.inbox.Process(ctx, key, HandlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return i.apply(ctx, d)
	})
	if err != nil {
		if errors.Is(err, idempotency.ErrMessageInProgress) {
			i.logger.Debug("import in progress elsewhere", zap.String("key", key))
		}
		span.RecordError(err)
		return err
	}

	if !result.IsNew && !result.WasRecovered {
		if i.metrics != nil {
			i.metrics.ImportDuplicates.Inc()
		}
		i.logger.Info("duplicate import skipped", zap.String("key", key), zap.ByteString("result", result.Result))
	}
	return nil
}

func (i *Importer) apply(ctx context.Context, d *order.DrugOrder) (json.RawMessage, error) {
	var (
		saved *order.DrugOrder
		err   error
	)
	previous := d.PreviousOrderID
	if previous != "" {
		saved, err = i.service.Revise(ctx, previous, d, nil)
	} else {
		saved, err = i.service.Place(ctx, d)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(Result{OrderID: saved.ID, PreviousOrderID: previous})
}

// OnFailure dead-letters messages that can never succeed. Other failures are
// returned so the consumer redelivers the message.
func (i *Importer) OnFailure(ctx context.Context, msg *redpanda.ConsumedMessage, err error) error {
	if !IsPermanent(err) {
		return err
	}
	if i.publisher == nil {
		i.logger.Warn("dropping unprocessable import", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	payload, mErr := json.Marshal(redpanda.NewDeadLetter(msg, err, i.now()))
	if mErr != nil {
		return fmt.Errorf("marshal dead letter: %w", mErr)
	}
	if pErr := i.publisher.Publish(ctx, i.deadLetterTopic, string(msg.Key), payload); pErr != nil {
		return fmt.Errorf("publish dead letter: %w", pErr)
	}

	i.logger.Warn("import dead-lettered",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(err))
	return nil
}

// IdempotencyKey returns the sender's key when present, otherwise a key
// derived from the orderer, patient, concept and start minute
func IdempotencyKey(msg *redpanda.ConsumedMessage, d *order.DrugOrder) string {
	if key := msg.Headers[IdempotencyKeyHeader]; key != "" {
		return key
	}

	var ordererID, conceptID string
	if d.Orderer != nil {
		ordererID = d.Orderer.ID
	}
	if d.Concept != nil {
		conceptID = d.Concept.ID
	}
	start, ok := order.EffectiveStart(&d.Order)
	if !ok {
		// without a start the message position is the only stable identity
		return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	}
	return idempotency.GenerateKey(ordererID, d.PatientID(), conceptID, start)
}
