package order

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of order lifecycle event
type EventType string

const (
	EventOrderPlaced         EventType = "OrderPlaced"
	EventOrderRevised        EventType = "OrderRevised"
	EventOrderDiscontinued   EventType = "OrderDiscontinued"
	EventOrderVoided         EventType = "OrderVoided"
	EventOrderExpiryInferred EventType = "OrderExpiryInferred"
)

// AggregateType is recorded on every order event
const AggregateType = "Order"

// Event is a lifecycle event for a single order
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	OrdererID     string          `json:"orderer_id,omitempty"`
	PatientID     string          `json:"patient_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithAuditInfo copies the orderer and patient of o onto the event
func (e *Event) WithAuditInfo(o *Order) *Event {
	if o.Orderer != nil {
		e.OrdererID = o.Orderer.ID
	}
	e.PatientID = o.PatientID()
	return e
}

// WithCorrelationID sets the correlation id
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// PlacedData contains the details of a newly placed order
type PlacedData struct {
	OrderID        string     `json:"order_id"`
	OrderNumber    string     `json:"order_number,omitempty"`
	PatientID      string     `json:"patient_id"`
	ConceptID      string     `json:"concept_id"`
	Action         Action     `json:"action"`
	Urgency        Urgency    `json:"urgency"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	ScheduledDate  *time.Time `json:"scheduled_date,omitempty"`
	AutoExpireDate *time.Time `json:"auto_expire_date,omitempty"`
	Dosing         string     `json:"dosing,omitempty"`
}

// RevisedData links a revision to the order it replaced
type RevisedData struct {
	OrderID         string     `json:"order_id"`
	PreviousOrderID string     `json:"previous_order_id"`
	PreviousStopped *time.Time `json:"previous_stopped,omitempty"`
}

// DiscontinuedData contains discontinuation details
type DiscontinuedData struct {
	OrderID                string    `json:"order_id"`
	DiscontinuationOrderID string    `json:"discontinuation_order_id"`
	Reason                 string    `json:"reason,omitempty"`
	DateStopped            time.Time `json:"date_stopped"`
}

// VoidedData contains void details
type VoidedData struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// ExpiryInferredData records an auto-expire date computed from dosing duration
type ExpiryInferredData struct {
	OrderID        string    `json:"order_id"`
	Duration       int       `json:"duration"`
	DurationCode   string    `json:"duration_code"`
	AutoExpireDate time.Time `json:"auto_expire_date"`
}

// PlacedEvent builds the OrderPlaced event for d
func PlacedEvent(d *DrugOrder) (*Event, error) {
	var conceptID string
	if d.Concept != nil {
		conceptID = d.Concept.ID
	}
	data := PlacedData{
		OrderID:        d.ID,
		OrderNumber:    d.OrderNumber,
		PatientID:      d.PatientID(),
		ConceptID:      conceptID,
		Action:         d.Action,
		Urgency:        d.Urgency,
		StartDate:      d.StartDate,
		ScheduledDate:  d.ScheduledDate,
		AutoExpireDate: d.AutoExpireDate,
	}
	if dosing, err := FromDrugOrder(d); err == nil {
		data.Dosing = dosing.String()
	} else {
		data.Dosing = d.DosingInstructions
	}

	e, err := NewEvent(d.ID, EventOrderPlaced, data)
	if err != nil {
		return nil, err
	}
	return e.WithAuditInfo(&d.Order), nil
}
