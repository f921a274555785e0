package quotagate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ViolationSink is the durable append target for deny decisions.
type ViolationSink interface {
	WriteViolation(ctx context.Context, v *ViolationEvent) error
}

// AuditSink is the durable append target for security-relevant events.
type AuditSink interface {
	WriteAudit(ctx context.Context, e *AuditEvent) error
}

// RecorderConfig configures the violation & audit recorder.
type RecorderConfig struct {
	// RingSize caps the in-memory buffer (default 10000, oldest evicted
	// first).
	RingSize int

	// QueueSize bounds the async forwarding queue (default 1024). Events
	// beyond capacity are dropped and counted, never block the request path.
	QueueSize int

	// Retention is how long ring entries are kept (default 7 days).
	Retention time.Duration

	// SweepInterval is how often the retention sweep runs (default 1 hour).
	SweepInterval time.Duration

	// SinkTimeout bounds each durable write (default 5 seconds).
	SinkTimeout time.Duration
}

func (c *RecorderConfig) withDefaults() {
	if c.RingSize <= 0 {
		c.RingSize = 10000
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 5 * time.Second
	}
}

type sinkJob struct {
	violation *ViolationEvent
	audit     *AuditEvent
}

// Recorder keeps a bounded in-memory ring of audit events for hot-path
// querying and mirrors everything, best-effort, to durable sinks from a
// background worker. Recording never blocks on and never fails because of
// the sinks.
type Recorder struct {
	cfg        RecorderConfig
	violations ViolationSink
	audits     AuditSink
	logger     Logger
	metrics    Metrics

	mu     sync.Mutex
	ring   []*AuditEvent
	closed bool

	queue chan sinkJob
	done  chan struct{}
	wg    sync.WaitGroup
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the recorder's logger.
func WithRecorderLogger(l Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// WithRecorderMetrics sets the recorder's metrics.
func WithRecorderMetrics(m Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// NewRecorder creates a recorder and starts its forwarding worker and
// retention sweeper. Either sink may be nil. Call Close on shutdown.
func NewRecorder(cfg RecorderConfig, violations ViolationSink, audits AuditSink, opts ...RecorderOption) *Recorder {
	cfg.withDefaults()
	r := &Recorder{
		cfg:        cfg,
		violations: violations,
		audits:     audits,
		logger:     &NopLogger{},
		metrics:    &NoopMetrics{},
		ring:       make([]*AuditEvent, 0, 256),
		queue:      make(chan sinkJob, cfg.QueueSize),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(2)
	go r.forward()
	go r.sweepLoop()
	return r
}

// RecordViolation records one deny decision: an audit entry lands in the
// ring synchronously, the violation and its audit mirror are forwarded to
// the durable sinks asynchronously. Fire-and-forget for the caller.
func (r *Recorder) RecordViolation(v *ViolationEvent) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.OccurredAt.IsZero() {
		v.OccurredAt = time.Now().UTC()
	}

	audit := &AuditEvent{
		ID:         uuid.NewString(),
		Action:     AuditRateLimitViolation,
		UserID:     v.UserID,
		Resource:   string(v.Feature),
		Severity:   SeverityWarning,
		OccurredAt: v.OccurredAt,
		IPAddress:  v.IPAddress,
		UserAgent:  v.UserAgent,
		Details: map[string]any{
			"identifier_type":  string(v.IdentifierType),
			"identifier_value": v.IdentifierValue,
			"violation_type":   string(v.Type),
			"threshold":        v.Threshold,
			"actual_count":     v.ActualCount,
			"action_taken":     string(v.ActionTaken),
			"plan":             v.Plan,
			"quota_multiplier": v.QuotaMultiplier,
		},
	}

	r.append(audit)
	r.metrics.RecordViolation(string(v.Type), string(v.ActionTaken))
	r.enqueue(sinkJob{violation: v, audit: audit})
}

// RecordAudit appends an event to the ring synchronously and forwards it to
// the durable sink asynchronously.
func (r *Recorder) RecordAudit(e *AuditEvent) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}

	r.append(e)
	r.enqueue(sinkJob{audit: e})
}

// AuditFilter narrows Events results. Zero values match everything.
type AuditFilter struct {
	Action   AuditAction
	UserID   string
	Severity Severity
	Limit    int
}

// Events returns ring entries matching the filter, newest first. Limit
// defaults to 100.
func (r *Recorder) Events(filter AuditFilter) []*AuditEvent {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*AuditEvent, 0, limit)
	for i := len(r.ring) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.ring[i]
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.Severity != "" && e.Severity != filter.Severity {
			continue
		}
		out = append(out, e)
	}
	return out
}

// AuditStats summarizes recent ring activity.
type AuditStats struct {
	Total      int
	ByAction   map[AuditAction]int
	BySeverity map[Severity]int
	Critical   int
}

// Statistics summarizes ring entries newer than the window.
func (r *Recorder) Statistics(window time.Duration) AuditStats {
	cutoff := time.Now().UTC().Add(-window)
	stats := AuditStats{
		ByAction:   make(map[AuditAction]int),
		BySeverity: make(map[Severity]int),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.ring {
		if !e.OccurredAt.After(cutoff) {
			continue
		}
		stats.Total++
		stats.ByAction[e.Action]++
		stats.BySeverity[e.Severity]++
		if e.Severity == SeverityCritical {
			stats.Critical++
		}
	}
	return stats
}

// QueueDepth reports how many events are waiting for the durable sinks.
func (r *Recorder) QueueDepth() int {
	return len(r.queue)
}

// Close stops the worker and sweeper. Events still queued are abandoned;
// the sinks are best-effort by contract.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
}

func (r *Recorder) append(e *AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ring = append(r.ring, e)
	if len(r.ring) > r.cfg.RingSize {
		over := len(r.ring) - r.cfg.RingSize
		r.ring = append(r.ring[:0], r.ring[over:]...)
	}
}

func (r *Recorder) enqueue(job sinkJob) {
	select {
	case r.queue <- job:
	default:
		kind := "audit"
		if job.violation != nil {
			kind = "violation"
		}
		r.metrics.RecordSinkDrop(kind)
		r.logger.Warn("recorder queue full, dropping event", Field{Key: "kind", Value: kind})
	}
}

func (r *Recorder) forward() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case job := <-r.queue:
			r.flush(job)
		}
	}
}

func (r *Recorder) flush(job sinkJob) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SinkTimeout)
	defer cancel()

	if job.violation != nil && r.violations != nil {
		if err := r.violations.WriteViolation(ctx, job.violation); err != nil {
			r.logger.Error("violation sink write failed",
				Field{Key: "violation_id", Value: job.violation.ID},
				Field{Key: "error", Value: err.Error()})
		}
	}
	if job.audit != nil && r.audits != nil {
		if err := r.audits.WriteAudit(ctx, job.audit); err != nil {
			r.logger.Error("audit sink write failed",
				Field{Key: "audit_id", Value: job.audit.ID},
				Field{Key: "error", Value: err.Error()})
		}
	}
}

func (r *Recorder) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if purged := r.sweep(); purged > 0 {
				r.metrics.RecordAuditPurge(purged)
				r.logger.Info("audit retention sweep", Field{Key: "purged", Value: purged})
			}
		}
	}
}

// sweep drops ring entries older than the retention window and returns how
// many were purged. Entries are appended in time order, so the first entry
// inside the window bounds the cut.
func (r *Recorder) sweep() int {
	cutoff := time.Now().UTC().Add(-r.cfg.Retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	keepFrom := len(r.ring)
	for i, e := range r.ring {
		if e.OccurredAt.After(cutoff) {
			keepFrom = i
			break
		}
	}
	if keepFrom == 0 {
		return 0
	}
	r.ring = append(r.ring[:0], r.ring[keepFrom:]...)
	return keepFrom
}
