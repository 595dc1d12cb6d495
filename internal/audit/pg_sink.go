package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgSink appends events to the event_logs table. It always writes on the pool,
// never on a caller's transaction, so a rolled back acceptance still leaves a trace.
type PgSink struct {
	pool *pgxpool.Pool
}

func NewPgSink(pool *pgxpool.Pool) *PgSink {
	return &PgSink{pool: pool}
}

func (s *PgSink) Record(ctx context.Context, ev Event) error {
	var payload []byte
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
		payload = data
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_logs (tenant_id, event_type, entity_type, entity_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.TenantID, ev.Type, ev.EntityType, ev.EntityID, payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}
