package terminology

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSource reads concept mappings from the dictionary tables
type PGSource struct {
	pool *pgxpool.Pool
}

// NewPGSource creates a source backed by pool
func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

// LoadMappings implements Source
func (p *PGSource) LoadMappings(ctx context.Context, sourceUUID string) ([]Mapping, error) {
	query := `
		SELECT c.concept_id, c.uuid, s.uuid, t.code
		FROM concept_reference_map m
		JOIN concept c ON c.concept_id = m.concept_id
		JOIN concept_reference_term t ON t.concept_reference_term_id = m.concept_reference_term_id
		JOIN concept_reference_source s ON s.concept_source_id = t.concept_source_id
		WHERE s.uuid = $1
		  AND NOT t.retired
	`
	rows, err := p.pool.Query(ctx, query, sourceUUID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var mappings []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.ConceptID, &m.ConceptUUID, &m.SourceUUID, &m.Code); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}
