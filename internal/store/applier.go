package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedEntity is returned for entity types with no backing table.
// Retrying cannot change the outcome; the retry path will exhaust and poison
// such batches like any other repeated failure.
var ErrUnsupportedEntity = errors.New("unsupported entity type")

// entityTables maps entity types to their backing tables. Only whitelisted
// names ever reach the SQL below.
var entityTables = map[string]string{
	"Contact": "contacts",
}

// ApplyResult reports what a bulk upsert did. Success for progress accounting
// is Upserted + Modified; Skipped counts rows that carried no usable id.
type ApplyResult struct {
	Upserted int64
	Modified int64
	Skipped  int64
}

// ApplyBatch upserts a batch of rows into the table backing entityType, keyed
// by each row's "id" field. Existing rows are overwritten field-wise, absent
// ones inserted. Reapplying the same batch yields the same stored state, so
// redelivered batches are safe on the store side.
func (s *Store) ApplyBatch(ctx context.Context, entityType string, rows []map[string]any) (ApplyResult, error) {
	table, ok := entityTables[entityType]
	if !ok {
		return ApplyResult{}, fmt.Errorf("%w: %s", ErrUnsupportedEntity, entityType)
	}

	var res ApplyResult
	upsert := fmt.Sprintf(`
		INSERT INTO %s (id, fields, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET fields = %s.fields || EXCLUDED.fields, updated_at = NOW()
		RETURNING (xmax = 0) AS inserted
	`, table, table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, row := range rows {
		id := rowID(row)
		if id == "" {
			res.Skipped++
			continue
		}
		fields, err := json.Marshal(row)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("marshal row %s: %w", id, err)
		}
		var inserted bool
		if err := tx.QueryRow(ctx, upsert, id, fields).Scan(&inserted); err != nil {
			return ApplyResult{}, fmt.Errorf("upsert %s row %s: %w", entityType, id, err)
		}
		if inserted {
			res.Upserted++
		} else {
			res.Modified++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ApplyResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

func rowID(row map[string]any) string {
	switch v := row["id"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
