package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-orders/internal/infrastructure/postgres"
)

// ErrOrderNotFound is returned when no order row matches
var ErrOrderNotFound = errors.New("order not found")

// Repository persists drug orders and writes their lifecycle events to the
// outbox in the same transaction.
type Repository struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

// NewRepository creates a new repository publishing events to topic
func NewRepository(pool *pgxpool.Pool, topic string, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, topic: topic, logger: logger}
}

// Save upserts the orders and appends events to the outbox atomically
func (r *Repository) Save(ctx context.Context, orders []*DrugOrder, events []*Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, d := range orders {
		if err := r.upsert(ctx, tx, d); err != nil {
			return err
		}
	}
	for _, e := range events {
		if err := r.writeEvent(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("orders saved",
		zap.Int("orders", len(orders)),
		zap.Int("events", len(events)))
	return nil
}

func (r *Repository) upsert(ctx context.Context, tx pgx.Tx, d *DrugOrder) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal order %s: %w", d.ID, err)
	}

	var conceptID string
	if d.Concept != nil {
		conceptID = d.Concept.ID
	}

	query := `
		INSERT INTO orders
		(id, order_number, patient_id, concept_id, action, urgency, start_date,
		 scheduled_date, date_stopped, auto_expire_date, voided, previous_order_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			date_stopped = EXCLUDED.date_stopped,
			auto_expire_date = EXCLUDED.auto_expire_date,
			voided = EXCLUDED.voided,
			payload = EXCLUDED.payload,
			updated_at = NOW()
	`
	_, err = tx.Exec(ctx, query,
		d.ID,
		d.OrderNumber,
		d.PatientID(),
		conceptID,
		d.Action,
		d.Urgency,
		d.StartDate,
		d.ScheduledDate,
		d.DateStopped,
		d.AutoExpireDate,
		d.IsVoided(),
		d.PreviousOrderID,
		payload,
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", d.ID, err)
	}
	return nil
}

func (r *Repository) writeEvent(ctx context.Context, tx pgx.Tx, e *Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	// patient id as key keeps one patient's events ordered within a partition
	key := e.PatientID
	if key == "" {
		key = e.AggregateID
	}
	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     string(e.EventType),
		Payload:       payload,
		KafkaTopic:    r.topic,
		KafkaKey:      key,
	})
}

// Get loads a single order by id
func (r *Repository) Get(ctx context.Context, id string) (*DrugOrder, error) {
	var payload []byte
	err := r.pool.QueryRow(ctx, `SELECT payload FROM orders WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query order %s: %w", id, err)
	}
	return decodeOrder(payload)
}

// ListByPatient returns the patient's non-voided orders that have not ended
// before since, ordered by start date.
func (r *Repository) ListByPatient(ctx context.Context, patientID string, since time.Time) ([]*DrugOrder, error) {
	query := `
		SELECT payload
		FROM orders
		WHERE patient_id = $1
		  AND NOT voided
		  AND COALESCE(date_stopped, auto_expire_date, 'infinity'::timestamptz) > $2
		ORDER BY start_date ASC
	`
	rows, err := r.pool.Query(ctx, query, patientID, since)
	if err != nil {
		return nil, fmt.Errorf("query patient orders: %w", err)
	}
	defer rows.Close()

	var orders []*DrugOrder
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		d, err := decodeOrder(payload)
		if err != nil {
			return nil, err
		}
		orders = append(orders, d)
	}
	return orders, rows.Err()
}

// Ping verifies database connectivity
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func decodeOrder(payload []byte) (*DrugOrder, error) {
	d := &DrugOrder{}
	if err := json.Unmarshal(payload, d); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return d, nil
}
