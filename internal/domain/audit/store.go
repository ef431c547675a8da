package audit

import (
	"context"

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// AuditStore persists audit records.
// Implementations sit behind the asynchronous emitter, so Append may block briefly.
type AuditStore interface {
	// Append stores audit records.
	Append(ctx context.Context, records ...AuditRecord) error

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Emitter is the narrow interface the evaluator calls after a LIVE evaluation.
// Record is fire-and-forget: it must not block the caller for long and
// failures must never change the verdict.
type Emitter interface {
	Record(ctx context.Context, req policy.OperationRequest, result policy.EvaluationResult)
}

// NopEmitter discards every record.
type NopEmitter struct{}

// Record implements Emitter.
func (NopEmitter) Record(context.Context, policy.OperationRequest, policy.EvaluationResult) {}

var _ Emitter = NopEmitter{}
