package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casevia/flowtrace/model"
)

// PgStore is a PostgreSQL-backed RecordStore using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL record store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new record.
func (s *PgStore) Create(ctx context.Context, rec *model.Record) error {
	dataJSON, functionsJSON, evolutionJSON, err := marshalRecordColumns(rec)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO records (
			id, workflow_id, slug, kind, submitter_id,
			status_id, criticality_level, anonymised,
			data, functions, evolution, version,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12,
			$13, $14
		)`,
		rec.ID, rec.WorkflowID, rec.Slug, rec.Kind, rec.SubmitterID,
		rec.StatusID, rec.CriticalityLevel, rec.Anonymised,
		dataJSON, functionsJSON, evolutionJSON, rec.Version,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Get retrieves a record by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*model.Record, error) {
	rec := &model.Record{}
	var dataJSON, functionsJSON, evolutionJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, slug, kind, submitter_id,
		       status_id, criticality_level, anonymised,
		       data, functions, evolution, version,
		       created_at, updated_at
		FROM records
		WHERE id = $1`,
		id,
	).Scan(
		&rec.ID, &rec.WorkflowID, &rec.Slug, &rec.Kind, &rec.SubmitterID,
		&rec.StatusID, &rec.CriticalityLevel, &rec.Anonymised,
		&dataJSON, &functionsJSON, &evolutionJSON, &rec.Version,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, model.NewNotFoundError("record %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}

	if err := unmarshalRecordColumns(rec, dataJSON, functionsJSON, evolutionJSON); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update persists an updated record with optimistic locking.
func (s *PgStore) Update(ctx context.Context, rec *model.Record) error {
	dataJSON, functionsJSON, evolutionJSON, err := marshalRecordColumns(rec)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE records SET
			status_id = $1,
			criticality_level = $2,
			anonymised = $3,
			data = $4,
			functions = $5,
			evolution = $6,
			version = $7,
			updated_at = $8
		WHERE id = $9 AND version = $10`,
		rec.StatusID, rec.CriticalityLevel, rec.Anonymised,
		dataJSON, functionsJSON, evolutionJSON, rec.Version+1,
		time.Now().UTC(),
		rec.ID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError("record %q version conflict (expected %d)", rec.ID, rec.Version)
	}
	rec.Version++
	return nil
}

// AppendTrace adds a trace entry to the record's workflow trace.
func (s *PgStore) AppendTrace(ctx context.Context, recordID string, entry model.TraceEntry) error {
	argsJSON, err := json.Marshal(entry.Args)
	if err != nil {
		return fmt.Errorf("marshal trace args: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_traces (
			id, record_id, status_id, event, action_item_key, action_item_id, args, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, recordID, entry.StatusID, entry.Event,
		entry.ActionItemKey, entry.ActionItemID, argsJSON, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow trace: %w", err)
	}
	return nil
}

// Traces retrieves all trace entries for a record, ordered by recording time.
func (s *PgStore) Traces(ctx context.Context, recordID string) ([]model.TraceEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status_id, event, action_item_key, action_item_id, args, recorded_at
		FROM workflow_traces
		WHERE record_id = $1
		ORDER BY recorded_at ASC`,
		recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow traces: %w", err)
	}
	defer rows.Close()

	var entries []model.TraceEntry
	for rows.Next() {
		var entry model.TraceEntry
		var argsJSON []byte
		if err := rows.Scan(
			&entry.ID, &entry.StatusID, &entry.Event,
			&entry.ActionItemKey, &entry.ActionItemID, &argsJSON, &entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow trace: %w", err)
		}
		if argsJSON != nil {
			_ = json.Unmarshal(argsJSON, &entry.Args)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// OpenRecords returns all non-anonymised records of the given workflow,
// sorted by creation time.
func (s *PgStore) OpenRecords(ctx context.Context, workflowID string) ([]*model.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, slug, kind, submitter_id,
		       status_id, criticality_level, anonymised,
		       data, functions, evolution, version,
		       created_at, updated_at
		FROM records
		WHERE workflow_id = $1 AND NOT anonymised
		ORDER BY created_at ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []*model.Record
	for rows.Next() {
		rec := &model.Record{}
		var dataJSON, functionsJSON, evolutionJSON []byte
		if err := rows.Scan(
			&rec.ID, &rec.WorkflowID, &rec.Slug, &rec.Kind, &rec.SubmitterID,
			&rec.StatusID, &rec.CriticalityLevel, &rec.Anonymised,
			&dataJSON, &functionsJSON, &evolutionJSON, &rec.Version,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := unmarshalRecordColumns(rec, dataJSON, functionsJSON, evolutionJSON); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func marshalRecordColumns(rec *model.Record) (data, functions, evolution []byte, err error) {
	if data, err = json.Marshal(rec.Data); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal record data: %w", err)
	}
	if functions, err = json.Marshal(rec.Functions); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal record functions: %w", err)
	}
	if evolution, err = json.Marshal(rec.Evolution); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal record evolution: %w", err)
	}
	return data, functions, evolution, nil
}

func unmarshalRecordColumns(rec *model.Record, data, functions, evolution []byte) error {
	if data != nil {
		if err := json.Unmarshal(data, &rec.Data); err != nil {
			return fmt.Errorf("unmarshal record data: %w", err)
		}
	}
	if functions != nil {
		if err := json.Unmarshal(functions, &rec.Functions); err != nil {
			return fmt.Errorf("unmarshal record functions: %w", err)
		}
	}
	if evolution != nil {
		if err := json.Unmarshal(evolution, &rec.Evolution); err != nil {
			return fmt.Errorf("unmarshal record evolution: %w", err)
		}
	}
	return nil
}
