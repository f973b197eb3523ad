package importer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-orders/internal/domain/order"
	"github.com/drfirst/go-orders/internal/infrastructure/redpanda"
	"github.com/drfirst/go-orders/internal/observability/metrics"
	"github.com/drfirst/go-orders/internal/ordering"
	"github.com/drfirst/go-orders/pkg/idempotency"
)

// memoryInbox mirrors the inbox contract: finished keys replay their result,
// failed handlers leave the key retryable
type memoryInbox struct {
	finished map[string]json.RawMessage
}

func (m *memoryInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	if result, ok := m.finished[key]; ok {
		return &idempotency.ProcessResult{Result: result}, nil
	}
	result, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	m.finished[key] = result
	return &idempotency.ProcessResult{IsNew: true, Result: result}, nil
}

type stubService struct {
	placed  []*order.DrugOrder
	revised map[string]*order.DrugOrder
	err     error
}

func (s *stubService) Place(ctx context.Context, d *order.DrugOrder) (*order.DrugOrder, error) {
	if s.err != nil {
		return nil, s.err
	}
	d.ID = "order-new"
	s.placed = append(s.placed, d)
	return d, nil
}

func (s *stubService) Revise(ctx context.Context, id string, next *order.DrugOrder, at *time.Time) (*order.DrugOrder, error) {
	if s.err != nil {
		return nil, s.err
	}
	next.ID = "order-rev"
	s.revised[id] = next
	return next, nil
}

type published struct {
	topic string
	key   string
	value []byte
}

type stubPublisher struct {
	sent []published
	err  error
}

func (p *stubPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic: topic, key: key, value: value})
	return nil
}

const importedOrder = `{
  "patient": {"id": "p-1"},
  "concept": {"id": "1191"},
  "orderer": {"id": "dr-1"},
  "encounter": {"id": "e-1", "patient": {"id": "p-1"}},
  "start_date": "2014-08-01T09:00:00Z",
  "dosing_type": "free_text",
  "dosing_instructions": "as directed"
}`

func newImporter(t *testing.T) (*Importer, *stubService, *stubPublisher, *metrics.Metrics) {
	t.Helper()
	svc := &stubService{revised: map[string]*order.DrugOrder{}}
	pub := &stubPublisher{}
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	imp, err := New(Config{
		Service:   svc,
		Inbox:     &memoryInbox{finished: map[string]json.RawMessage{}},
		Publisher: pub,
		Metrics:   m,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	imp.now = func() time.Time { return time.Date(2014, time.August, 1, 12, 0, 0, 0, time.UTC) }
	return imp, svc, pub, m
}

func message(value string, offset int64) *redpanda.ConsumedMessage {
	return &redpanda.ConsumedMessage{
		Topic:     redpanda.TopicOrderImports,
		Partition: 2,
		Offset:    offset,
		Key:       []byte("p-1"),
		Value:     []byte(value),
		Headers:   map[string]string{},
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestHandlePlacesOnce(t *testing.T) {
	imp, svc, _, m := newImporter(t)

	require.NoError(t, imp.Handle(context.Background(), message(importedOrder, 10)))
	require.Len(t, svc.placed, 1)
	assert.Equal(t, "p-1", svc.placed[0].PatientID())

	// a redelivery with a new offset is still the same order
	require.NoError(t, imp.Handle(context.Background(), message(importedOrder, 11)))
	assert.Len(t, svc.placed, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ImportDuplicates))
}

func TestHandleRevisesPreviousOrder(t *testing.T) {
	imp, svc, _, _ := newImporter(t)
	revision := `{
	  "previous_order_id": "order-1",
	  "patient": {"id": "p-1"},
	  "concept": {"id": "1191"},
	  "orderer": {"id": "dr-1"},
	  "start_date": "2014-08-02T09:00:00Z",
	  "dosing_type": "free_text"
	}`

	require.NoError(t, imp.Handle(context.Background(), message(revision, 3)))
	assert.Empty(t, svc.placed)
	require.Contains(t, svc.revised, "order-1")
}

func TestHandleMalformedIsPermanent(t *testing.T) {
	imp, svc, _, _ := newImporter(t)

	err := imp.Handle(context.Background(), message(`{"patient":`, 1))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Empty(t, svc.placed)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(&ordering.ValidationError{}))
	assert.True(t, IsPermanent(&ordering.ConflictError{OrderIDs: []string{"x"}}))
	assert.True(t, IsPermanent(idempotency.ErrPreviouslyFailed))
	assert.True(t, IsPermanent(order.ErrOrderNotFound))
	assert.False(t, IsPermanent(errors.New("connection reset")))
	assert.False(t, IsPermanent(idempotency.ErrMessageInProgress))
}

func TestOnFailureDeadLettersPermanentErrors(t *testing.T) {
	imp, svc, pub, _ := newImporter(t)
	svc.err = &ordering.ValidationError{Violations: order.Violations{{Field: order.FieldOrderer, Code: order.CodeNull}}}

	msg := message(importedOrder, 7)
	err := imp.Handle(context.Background(), msg)
	require.Error(t, err)

	require.NoError(t, imp.OnFailure(context.Background(), msg, err))
	require.Len(t, pub.sent, 1)
	assert.Equal(t, redpanda.TopicDeadLetter, pub.sent[0].topic)
	assert.Equal(t, "p-1", pub.sent[0].key)

	var dl redpanda.DeadLetter
	require.NoError(t, json.Unmarshal(pub.sent[0].value, &dl))
	assert.Equal(t, redpanda.TopicOrderImports, dl.OriginalTopic)
	assert.Equal(t, int64(7), dl.Offset)
	assert.Contains(t, dl.Error, "order failed validation")
}

func TestOnFailureRedeliversTransientErrors(t *testing.T) {
	imp, _, pub, _ := newImporter(t)
	transient := errors.New("connection reset")

	err := imp.OnFailure(context.Background(), message(importedOrder, 1), transient)
	assert.ErrorIs(t, err, transient)
	assert.Empty(t, pub.sent)
}

func TestOnFailurePublishError(t *testing.T) {
	imp, _, pub, _ := newImporter(t)
	pub.err = errors.New("broker down")

	err := imp.OnFailure(context.Background(), message(importedOrder, 1), &PermanentError{Err: errors.New("bad")})
	assert.ErrorContains(t, err, "publish dead letter")
}

func TestIdempotencyKey(t *testing.T) {
	d := order.NewDrugOrder()
	d.Patient = &order.Patient{ID: "p-1"}
	d.Concept = &order.Concept{ID: "1191"}
	d.Orderer = &order.Provider{ID: "dr-1"}
	start := time.Date(2014, time.August, 1, 9, 0, 0, 0, time.UTC)
	d.StartDate = order.Time(start)

	msg := message(importedOrder, 5)
	key := IdempotencyKey(msg, d)
	assert.Equal(t, idempotency.GenerateKey("dr-1", "p-1", "1191", start), key)

	// seconds are absorbed by the minute truncation
	d.StartDate = order.Time(start.Add(20 * time.Second))
	assert.Equal(t, key, IdempotencyKey(msg, d))

	msg.Headers[IdempotencyKeyHeader] = "sender-key"
	assert.Equal(t, "sender-key", IdempotencyKey(msg, d))

	delete(msg.Headers, IdempotencyKeyHeader)
	d.StartDate = nil
	assert.Equal(t, "order.imports/2/5", IdempotencyKey(msg, d))
}
