package engine

import (
	"context"

	"github.com/casevia/flowtrace/model"
)

// RecordSource yields the records a scan pass considers. Production scans
// inject a store-backed source; test replay injects a single-record source.
type RecordSource interface {
	OpenRecords(ctx context.Context, workflowID string) ([]*model.Record, error)
}

// RecordStore persists records and their workflow traces.
type RecordStore interface {
	RecordSource

	Create(ctx context.Context, rec *model.Record) error
	Get(ctx context.Context, id string) (*model.Record, error)
	Update(ctx context.Context, rec *model.Record) error
	AppendTrace(ctx context.Context, recordID string, entry model.TraceEntry) error
	Traces(ctx context.Context, recordID string) ([]model.TraceEntry, error)
}

// SingleRecordSource yields exactly one record, regardless of workflow.
type SingleRecordSource struct {
	Record *model.Record
}

// OpenRecords implements RecordSource.
func (s SingleRecordSource) OpenRecords(_ context.Context, _ string) ([]*model.Record, error) {
	return []*model.Record{s.Record}, nil
}
