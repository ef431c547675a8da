package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/credgate/internal/domain/audit"
	"github.com/Sentinel-Gate/credgate/internal/domain/credential"
	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// AuditService writes audit records asynchronously through a buffered
// channel and a background batching worker, so LIVE evaluations never wait
// on the audit backend.
type AuditService struct {
	store         audit.AuditStore
	auditChan     chan audit.AuditRecord
	wg            sync.WaitGroup
	logger        *slog.Logger
	metadata      credential.MetadataLookup
	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration // 0 = drop immediately
	dropCount   atomic.Int64

	warningThreshold int          // percent of capacity
	lastWarning      atomic.Int64 // unix nanos

	adaptiveFlushThreshold int

	// mu guards closed. Senders hold it shared so Stop never closes the
	// channel under an in-flight send.
	mu     sync.RWMutex
	closed bool
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets the number of records to batch before writing.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithFlushInterval sets the interval to flush pending records.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithChannelSize sets the size of the audit channel buffer.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.auditChan = make(chan audit.AuditRecord, size)
			s.channelSize = size
		}
	}
}

// WithSendTimeout sets the backpressure timeout.
// 0 drops immediately when the channel is full.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		s.sendTimeout = timeout
	}
}

// WithWarningThreshold sets the channel depth warning percentage (0-100).
func WithWarningThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		s.warningThreshold = clampPercent(percent)
	}
}

// WithAdaptiveFlushThreshold sets the channel depth % that switches the
// worker to a 4x faster flush interval. 0 disables adaptive flushing.
func WithAdaptiveFlushThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		s.adaptiveFlushThreshold = clampPercent(percent)
	}
}

// WithAuditMetadata resolves credential display names for records.
func WithAuditMetadata(m credential.MetadataLookup) AuditOption {
	return func(s *AuditService) {
		s.metadata = m
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// NewAuditService creates a new AuditService with the given store and options.
func NewAuditService(store audit.AuditStore, logger *slog.Logger, opts ...AuditOption) *AuditService {
	defaultChannelSize := 1000
	s := &AuditService{
		store:                  store,
		auditChan:              make(chan audit.AuditRecord, defaultChannelSize),
		logger:                 logger,
		batchSize:              100,
		flushInterval:          time.Second,
		channelSize:            defaultChannelSize,
		sendTimeout:            100 * time.Millisecond,
		warningThreshold:       80,
		adaptiveFlushThreshold: 80,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start begins the background worker that batches and writes audit records.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record builds an audit record from a LIVE evaluation and enqueues it.
func (s *AuditService) Record(ctx context.Context, req policy.OperationRequest, result policy.EvaluationResult) {
	rec := audit.AuditRecord{
		Timestamp:     result.EvaluatedAt,
		RequestID:     uuid.New().String(),
		CredentialID:  req.CredentialID,
		ApplicationID: req.ApplicationID,
		PluginType:    req.PluginType,
		Operation:     req.Operation,
		SourceIP:      req.SourceIP,
		Status:        result.Status.AuditStatus(),
		Reason:        result.Reason,
		PolicyID:      result.MatchedPolicyID,
		ConfigError:   result.ConfigError,
		ApprovalToken: result.ApprovalToken,
		LatencyMicros: result.Duration.Microseconds(),
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if s.metadata != nil {
		if md, err := s.metadata.Credential(ctx, req.CredentialID); err == nil {
			rec.CredentialName = md.Name
			if rec.PluginType == "" {
				rec.PluginType = md.PluginType
			}
		}
	}
	s.Enqueue(rec)
}

// Enqueue sends a record to the background worker.
// It tries a non-blocking send, then blocks up to sendTimeout before
// dropping the record and counting the drop.
func (s *AuditService) Enqueue(record audit.AuditRecord) {
	if s.warningThreshold > 0 {
		depth := len(s.auditChan)
		threshold := s.channelSize * s.warningThreshold / 100
		if depth >= threshold {
			s.warnChannelDepth(depth)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.recordDrop(record)
		return
	}

	select {
	case s.auditChan <- record:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(record)
		return
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.auditChan <- record:
	case <-timer.C:
		s.recordDrop(record)
	}
}

func (s *AuditService) recordDrop(record audit.AuditRecord) {
	drops := s.dropCount.Add(1)
	s.logger.Warn("audit record dropped",
		"credential_id", record.CredentialID,
		"operation", record.Operation,
		"status", record.Status,
		"total_drops", drops,
	)
}

// warnChannelDepth logs at most once per second.
func (s *AuditService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// DroppedRecords returns the total number of dropped records.
func (s *AuditService) DroppedRecords() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns current channel usage.
func (s *AuditService) ChannelDepth() int {
	return len(s.auditChan)
}

// ChannelCapacity returns the channel buffer size.
func (s *AuditService) ChannelCapacity() int {
	return s.channelSize
}

// Stop closes the channel and waits for the worker to flush pending records.
// Records arriving after Stop are dropped and counted. Safe to call more
// than once.
func (s *AuditService) Stop() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.auditChan)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]audit.AuditRecord, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	fastMode := false

	for {
		select {
		case record, ok := <-s.auditChan:
			if !ok {
				s.finalFlush(batch)
				return
			}
			batch = append(batch, record)

			depthPercent := len(s.auditChan) * 100 / s.channelSize
			shouldFlush := len(batch) >= s.batchSize
			if !shouldFlush && s.adaptiveFlushThreshold > 0 && depthPercent >= s.adaptiveFlushThreshold {
				shouldFlush = true
			}
			if shouldFlush {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

			if s.adaptiveFlushThreshold > 0 {
				switch {
				case depthPercent >= s.adaptiveFlushThreshold && !fastMode:
					ticker.Reset(s.flushInterval / 4)
					fastMode = true
					s.logger.Debug("audit adaptive flush: entering fast mode",
						"depth_percent", depthPercent,
						"interval", s.flushInterval/4,
					)
				case depthPercent < s.adaptiveFlushThreshold && fastMode:
					ticker.Reset(s.flushInterval)
					fastMode = false
					s.logger.Debug("audit adaptive flush: returning to normal mode",
						"depth_percent", depthPercent,
						"interval", s.flushInterval,
					)
				}
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain what is already buffered without waiting for Stop.
			for {
				select {
				case record, ok := <-s.auditChan:
					if !ok {
						s.finalFlush(batch)
						return
					}
					batch = append(batch, record)
					continue
				default:
				}
				break
			}
			s.finalFlush(batch)
			return
		}
	}
}

// finalFlush writes the remaining batch with a bounded deadline.
func (s *AuditService) finalFlush(batch []audit.AuditRecord) {
	if len(batch) == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flush(flushCtx, batch)
	if err := s.store.Flush(flushCtx); err != nil {
		s.logger.Error("failed to flush audit store", "error", err)
	}
}

// flush writes a batch. Errors are logged and never reach the evaluator.
func (s *AuditService) flush(ctx context.Context, batch []audit.AuditRecord) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("failed to write audit batch",
			"error", err,
			"count", len(batch),
		)
	}
}

var _ audit.Emitter = (*AuditService)(nil)
