// Package outbox доставляет уведомления о переходах заявок из outbox в брокер.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 30 * time.Second
)

var (
	relayPublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repairdesk_outbox_publish_attempts_total",
		Help: "Total number of notification publish attempts grouped by result.",
	}, []string{"result"})
	relayPendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repairdesk_outbox_pending_records",
		Help: "Current number of undelivered order notifications.",
	})
	relayOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repairdesk_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest undelivered order notification.",
	})
)

// WorkerOptions задаёт параметры доставки уведомлений.
type WorkerOptions struct {
	Logger         *log.Entry
	DeadLetter     domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithDeadLetter задаёт publisher для уведомлений, не доставленных после всех попыток.
func WithDeadLetter(publisher domain.OutboxPublisher) Option {
	return func(opts *WorkerOptions) {
		opts.DeadLetter = publisher
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.PollInterval = interval
	}
}

func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) {
		opts.BatchSize = batchSize
	}
}

func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) {
		opts.MaxAttempts = maxAttempts
	}
}

// WithRetryBaseDelay задаёт первую паузу между попытками; далее она удваивается.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.RetryBaseDelay = delay
	}
}

// Worker периодически забирает pending-уведомления и публикует их.
// Доставка at-least-once: сообщение помечается sent только после успешной публикации.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	deadLetter     domain.OutboxPublisher
	logger         *log.Entry
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// NewWorker создаёт воркер доставки уведомлений.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-relay")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}

	return &Worker{
		repo:           repo,
		publisher:      publisher,
		deadLetter:     opts.DeadLetter,
		logger:         logger,
		pollInterval:   opts.PollInterval,
		batchSize:      opts.BatchSize,
		maxAttempts:    opts.MaxAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
	}
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox relay is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один цикл и возвращает число доставленных уведомлений.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	w.refreshBacklogMetrics(ctx)

	batch, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending notifications")
		return 0
	}

	delivered := 0
	for _, msg := range batch {
		if ctx.Err() != nil {
			break
		}
		if w.deliver(ctx, msg) {
			delivered++
		}
	}

	if len(batch) > 0 {
		w.refreshBacklogMetrics(ctx)
	}
	return delivered
}

func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) bool {
	fields := log.Fields{
		"outbox_id":  msg.ID,
		"order_id":   msg.AggregateID,
		"event_type": msg.EventType,
	}

	if err := w.publishWithRetry(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return false
		}
		w.logger.WithError(err).WithFields(fields).Error("notification publish failed after retries")
		relayPublishAttempts.WithLabelValues("failed").Inc()

		if dlErr := w.publishDeadLetter(ctx, msg, err); dlErr != nil {
			w.logger.WithError(dlErr).WithFields(fields).Warn("failed to publish dead letter")
			relayPublishAttempts.WithLabelValues("dead_letter_failed").Inc()
		}
		if markErr := w.repo.MarkFailed(ctx, msg.ID); markErr != nil {
			w.logger.WithError(markErr).WithFields(fields).Warn("failed to mark notification as failed")
		}
		return false
	}

	if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
		w.logger.WithError(err).WithFields(fields).Warn("failed to mark notification as sent")
	}
	return true
}

func (w *Worker) publishWithRetry(ctx context.Context, msg domain.OutboxMessage) error {
	var lastErr error

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err := w.publisher.Publish(ctx, msg)
		if err == nil {
			relayPublishAttempts.WithLabelValues("sent").Inc()
			return nil
		}
		lastErr = err
		relayPublishAttempts.WithLabelValues("retry_error").Inc()

		if attempt == w.maxAttempts {
			break
		}
		delay := w.retryBackoff(attempt)
		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("publish failed after %d attempts: %w", w.maxAttempts, lastErr)
}

// retryBackoff возвращает base*2^(attempt-1), но не больше maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	relayPendingRecords.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		relayOldestPendingAge.Set(0)
		return
	}
	relayOldestPendingAge.Set(max(time.Since(stats.OldestPendingAt).Seconds(), 0))
}

// DeadLetter: запись о сообщении, которое не удалось доставить после всех попыток.
type DeadLetter struct {
	OutboxID     string          `json:"outbox_id"`
	OrderID      string          `json:"order_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PublishError string          `json:"publish_error"`
	FailedAt     time.Time       `json:"failed_at"`
}

func (w *Worker) publishDeadLetter(ctx context.Context, msg domain.OutboxMessage, publishErr error) error {
	if w.deadLetter == nil {
		return nil
	}

	body := DeadLetter{
		OutboxID:     msg.ID,
		OrderID:      msg.AggregateID,
		EventType:    msg.EventType,
		PublishError: publishErr.Error(),
		FailedAt:     time.Now().UTC(),
	}
	if json.Valid(msg.Payload) {
		body.Payload = msg.Payload
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	dl := msg
	dl.Payload = payload
	if err := w.deadLetter.Publish(ctx, dl); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}
