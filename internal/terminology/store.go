// Package terminology keeps an in-memory snapshot of concept reference term
// mappings loaded from the concept dictionary database. The snapshot backs
// duration-unit resolution for expiry inference and validation.
package terminology

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-orders/internal/domain/order"
	"github.com/drfirst/go-orders/pkg/circuitbreaker"
)

// Mapping is one concept to reference term link
type Mapping struct {
	ConceptID   string
	ConceptUUID string
	SourceUUID  string
	Code        string
}

// Source loads the mappings of one concept source
type Source interface {
	LoadMappings(ctx context.Context, sourceUUID string) ([]Mapping, error)
}

// Config holds store configuration
type Config struct {
	// SourceUUID is the dictionary's ISO-8601 duration source
	SourceUUID string
	// RefreshInterval is how often the snapshot is reloaded
	RefreshInterval time.Duration
	// LoadTimeout bounds a single reload
	LoadTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		SourceUUID:      order.DurationSourceUUID,
		RefreshInterval: 5 * time.Minute,
		LoadTimeout:     10 * time.Second,
	}
}

// Snapshot is an immutable view of the loaded mappings
type Snapshot struct {
	codes    map[string]string
	loadedAt time.Time
}

func newSnapshot(mappings []Mapping, loadedAt time.Time) *Snapshot {
	s := &Snapshot{codes: make(map[string]string, len(mappings)*2), loadedAt: loadedAt}
	for _, m := range mappings {
		if m.ConceptID != "" {
			s.codes[m.ConceptID] = m.Code
		}
		if m.ConceptUUID != "" {
			s.codes[m.ConceptUUID] = m.Code
		}
	}
	return s
}

func (s *Snapshot) lookup(c *order.Concept) (string, bool) {
	if s == nil || c == nil {
		return "", false
	}
	if code, ok := s.codes[c.ID]; ok && c.ID != "" {
		return code, true
	}
	if code, ok := s.codes[c.UUID]; ok && c.UUID != "" {
		return code, true
	}
	return "", false
}

// Store resolves duration codes from the latest snapshot. It implements
// order.ConceptMapper and is safe for concurrent use.
type Store struct {
	source  Source
	config  Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer

	current  atomic.Pointer[Snapshot]
	onReload func(concepts int)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStore creates a store. breaker may be nil.
func NewStore(source Source, cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SourceUUID == "" {
		cfg.SourceUUID = order.DurationSourceUUID
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		source:  source,
		config:  cfg,
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("terminology"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// OnReload registers a callback receiving the concept count after each reload
func (s *Store) OnReload(fn func(concepts int)) {
	s.onReload = fn
}

// ReferenceTermCode implements order.ConceptMapper. Lookups for the duration
// source are answered from the snapshot, falling back to mappings carried on
// the concept itself.
func (s *Store) ReferenceTermCode(concept *order.Concept, sourceUUID string) (string, bool) {
	if sourceUUID == order.DurationSourceUUID || sourceUUID == s.config.SourceUUID {
		if code, ok := s.current.Load().lookup(concept); ok {
			return code, true
		}
		if code, ok := (order.EmbeddedMappings{}).ReferenceTermCode(concept, s.config.SourceUUID); ok {
			return code, true
		}
	}
	return order.EmbeddedMappings{}.ReferenceTermCode(concept, sourceUUID)
}

// Refresh reloads the snapshot. The previous snapshot stays in place on failure.
func (s *Store) Refresh(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "terminology_refresh",
		trace.WithAttributes(attribute.String("source_uuid", s.config.SourceUUID)))
	defer span.End()

	if s.config.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.LoadTimeout)
		defer cancel()
	}

	mappings, err := circuitbreaker.Run(ctx, s.breaker, func() ([]Mapping, error) {
		return s.source.LoadMappings(ctx, s.config.SourceUUID)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("load duration mappings: %w", err)
	}

	snap := newSnapshot(mappings, time.Now().UTC())
	s.current.Store(snap)
	span.SetAttributes(attribute.Int("mappings", len(mappings)))

	s.logger.Info("terminology snapshot loaded",
		zap.Int("mappings", len(mappings)),
		zap.String("source_uuid", s.config.SourceUUID))
	if s.onReload != nil {
		s.onReload(len(mappings))
	}
	return nil
}

// LoadedAt returns when the current snapshot was loaded, zero if never
func (s *Store) LoadedAt() time.Time {
	if snap := s.current.Load(); snap != nil {
		return snap.loadedAt
	}
	return time.Time{}
}

// Start begins periodic refreshes
func (s *Store) Start() {
	go s.refreshLoop()
	s.logger.Info("terminology refresh started", zap.Duration("interval", s.config.RefreshInterval))
}

// Stop stops the refresh loop
func (s *Store) Stop() {
	s.cancel()
	<-s.done
	s.logger.Info("terminology refresh stopped")
}

func (s *Store) refreshLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(s.ctx); err != nil {
				s.logger.Warn("terminology refresh failed, keeping previous snapshot", zap.Error(err))
			}
		}
	}
}
