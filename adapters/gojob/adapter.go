package gojob

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-multibank/adapters/gologger"
	"github.com/goliatone/go-multibank/core"
)

const (
	JobIDRefreshTokens  = "multibank.tokens.refresh_all"
	JobIDExpireConsents = "multibank.consents.expire_stale"
)

const (
	metricJobTotal    = "multibank.job.total"
	metricJobDuration = "multibank.job.duration_ms"
	metricJobRetry    = "multibank.job.retry"
)

// Service is the part of core.Service the background jobs drive.
type Service interface {
	ForceRefreshAllTokens(ctx context.Context) (int, error)
	ExpireStaleConsents(ctx context.Context) (int, error)
}

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		BaseDelay:       5 * time.Second,
		MaxDelay:        5 * time.Minute,
		DeadLetterOnMax: true,
	}
}

// DelayFor doubles BaseDelay for each attempt after the first.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// NewRefreshMessage builds the force refresh job. The idempotency key is
// bucketed by window so repeated schedules inside one window collapse.
func NewRefreshMessage(at time.Time, window time.Duration) *job.ExecutionMessage {
	return newMessage(JobIDRefreshTokens, at, window)
}

func NewExpireConsentsMessage(at time.Time, window time.Duration) *job.ExecutionMessage {
	return newMessage(JobIDExpireConsents, at, window)
}

func newMessage(jobID string, at time.Time, window time.Duration) *job.ExecutionMessage {
	at = at.UTC()
	if window > 0 {
		at = at.Truncate(window)
	}
	return &job.ExecutionMessage{
		JobID:      jobID,
		ScriptPath: jobID,
		Parameters: map[string]any{
			"scheduled_at": at.Format(time.RFC3339),
		},
		IdempotencyKey: fmt.Sprintf("%s:%d", jobID, at.Unix()),
		DedupPolicy:    job.DeduplicationPolicy("drop"),
	}
}

// Scheduler enqueues multibank maintenance jobs onto a go-job queue.
type Scheduler struct {
	enqueuer queue.Enqueuer
	window   time.Duration
	now      func() time.Time
}

func NewScheduler(enqueuer queue.Enqueuer, window time.Duration, clock func() time.Time) *Scheduler {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{enqueuer: enqueuer, window: window, now: clock}
}

func (s *Scheduler) ScheduleRefresh(ctx context.Context) error {
	if s == nil || s.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	return s.enqueuer.Enqueue(ctx, NewRefreshMessage(s.now(), s.window))
}

func (s *Scheduler) ScheduleConsentExpiry(ctx context.Context) error {
	if s == nil || s.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	return s.enqueuer.Enqueue(ctx, NewExpireConsentsMessage(s.now(), s.window))
}

type RunnerOption func(*Runner)

func WithLoggerProvider(provider glog.LoggerProvider) RunnerOption {
	return func(r *Runner) {
		r.loggerProvider = provider
	}
}

func WithLogger(logger glog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

func WithMetricsRecorder(metrics core.MetricsRecorder) RunnerOption {
	return func(r *Runner) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) RunnerOption {
	return func(r *Runner) {
		r.policy = policy
	}
}

// Runner executes dequeued multibank jobs against the service and settles
// each delivery with ack or a bounded nack.
type Runner struct {
	service        Service
	policy         RetryPolicy
	logger         glog.Logger
	loggerProvider glog.LoggerProvider
	metrics        core.MetricsRecorder

	mu       sync.Mutex
	attempts map[string]int
}

func NewRunner(service Service, opts ...RunnerOption) *Runner {
	r := &Runner{
		service:  service,
		policy:   DefaultRetryPolicy(),
		metrics:  core.NopMetricsRecorder{},
		attempts: map[string]int{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	bridge := gologger.ForJob(gologger.DefaultName+".jobs", r.loggerProvider, r.logger)
	r.loggerProvider, r.logger = bridge.Provider, bridge.Logger
	return r
}

// Execute runs one job message. A refresh that renewed at least one
// institution counts as done; the failures are logged and picked up by the
// next scheduled run.
func (r *Runner) Execute(ctx context.Context, msg *job.ExecutionMessage) (int, error) {
	if r == nil || r.service == nil {
		return 0, fmt.Errorf("gojob: service is not configured")
	}
	if msg == nil {
		return 0, fmt.Errorf("gojob: execution message is required")
	}
	switch strings.TrimSpace(msg.JobID) {
	case JobIDRefreshTokens:
		refreshed, err := r.service.ForceRefreshAllTokens(ctx)
		if err != nil && refreshed > 0 {
			r.logger.Warn("token refresh partially failed", "job_id", msg.JobID, "refreshed", refreshed, "error", err.Error())
			return refreshed, nil
		}
		return refreshed, err
	case JobIDExpireConsents:
		return r.service.ExpireStaleConsents(ctx)
	default:
		return 0, fmt.Errorf("gojob: unknown job %q", msg.JobID)
	}
}

// Handle executes the delivery's message and acks or nacks it.
func (r *Runner) Handle(ctx context.Context, delivery queue.Delivery) error {
	if delivery == nil {
		return fmt.Errorf("gojob: delivery is required")
	}
	msg := delivery.Message()
	key := attemptKey(msg)
	startedAt := time.Now()

	count, err := r.Execute(ctx, msg)
	tags := map[string]string{"job_id": jobID(msg), "status": "success"}
	if err == nil {
		r.clearAttempts(key)
		r.metrics.IncCounter(ctx, metricJobTotal, 1, tags)
		r.metrics.ObserveHistogram(ctx, metricJobDuration, float64(time.Since(startedAt).Milliseconds()), tags)
		r.logger.Info("job completed", "job_id", jobID(msg), "count", count)
		return delivery.Ack(ctx)
	}

	attempt := r.nextAttempt(key)
	tags["status"] = "failure"
	r.metrics.IncCounter(ctx, metricJobTotal, 1, tags)
	r.metrics.ObserveHistogram(ctx, metricJobDuration, float64(time.Since(startedAt).Milliseconds()), tags)
	opts := r.policy.NormalizeAttempt(queue.NackOptions{
		Delay:   r.policy.DelayFor(attempt),
		Requeue: true,
		Reason:  err.Error(),
	}, attempt)
	if !opts.Requeue {
		r.clearAttempts(key)
	}
	r.logger.Error("job failed", "job_id", jobID(msg), "attempt", attempt, "requeue", opts.Requeue, "dead_letter", opts.DeadLetter, "error", err.Error())
	if nackErr := delivery.Nack(ctx, opts); nackErr != nil {
		return nackErr
	}
	return err
}

// RunOnce dequeues a single delivery and handles it.
func (r *Runner) RunOnce(ctx context.Context, dequeuer queue.Dequeuer) error {
	if dequeuer == nil {
		return fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	return r.Handle(ctx, delivery)
}

func (r *Runner) nextAttempt(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[key]++
	return r.attempts[key]
}

func (r *Runner) clearAttempts(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, key)
}

func attemptKey(msg *job.ExecutionMessage) string {
	if msg == nil {
		return ""
	}
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		return key
	}
	return strings.TrimSpace(msg.JobID)
}

func jobID(msg *job.ExecutionMessage) string {
	if msg == nil {
		return "unknown"
	}
	return strings.TrimSpace(msg.JobID)
}

// WorkerHook reports go-job worker lifecycle events as multibank metrics
// and log lines.
type WorkerHook struct {
	logger  glog.Logger
	metrics core.MetricsRecorder
}

func NewWorkerHook(logger glog.Logger, metrics core.MetricsRecorder) *WorkerHook {
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}
	return &WorkerHook{logger: glog.Ensure(logger), metrics: metrics}
}

func (h *WorkerHook) OnStart(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	h.logger.Debug("job started", eventFields(event)...)
}

func (h *WorkerHook) OnSuccess(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	h.metrics.ObserveHistogram(ctx, metricJobDuration, float64(event.Duration.Milliseconds()), eventTags(event, "success"))
}

func (h *WorkerHook) OnFailure(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	h.metrics.IncCounter(ctx, metricJobTotal, 1, eventTags(event, "failure"))
	h.logger.Error("job failed", eventFields(event)...)
}

func (h *WorkerHook) OnRetry(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	h.metrics.IncCounter(ctx, metricJobRetry, 1, eventTags(event, "retry"))
	h.logger.Warn("job retry scheduled", eventFields(event)...)
}

func eventMessage(event worker.Event) *job.ExecutionMessage {
	if event.Message != nil {
		return event.Message
	}
	if event.Delivery != nil {
		return event.Delivery.Message()
	}
	return nil
}

func eventTags(event worker.Event, status string) map[string]string {
	return map[string]string{"job_id": jobID(eventMessage(event)), "status": status}
}

func eventFields(event worker.Event) []any {
	fields := []any{
		"job_id", jobID(eventMessage(event)),
		"attempt", event.Attempt,
		"delay_ms", event.Delay.Milliseconds(),
	}
	if event.Err != nil {
		fields = append(fields, "error", event.Err.Error())
	}
	return fields
}

var (
	_ worker.Hook = (*WorkerHook)(nil)
	_ Service     = (*core.Service)(nil)
)
