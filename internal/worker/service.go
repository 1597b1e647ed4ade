package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/rbrinkke/notifications-service/internal/notifications"
	"github.com/rbrinkke/notifications-service/pkg/bus"
	"github.com/rbrinkke/notifications-service/pkg/config"
	"github.com/rbrinkke/notifications-service/pkg/db/models"
	"github.com/rbrinkke/notifications-service/pkg/fcm"
	"github.com/rbrinkke/notifications-service/pkg/logger"
	"github.com/rbrinkke/notifications-service/pkg/metrics"
)

type queueRepository interface {
	FetchDue(ctx context.Context, batchSize int, now time.Time) ([]models.Notification, error)
	RecordSuccess(ctx context.Context, id uuid.UUID) (bool, error)
	RecordFailure(ctx context.Context, id uuid.UUID, errorText string, maxRetries int) (notifications.FailureResult, error)
}

type deviceRegistry interface {
	ListForUser(ctx context.Context, userID uuid.UUID) ([]models.UserDevice, error)
	Remove(ctx context.Context, userID uuid.UUID, token string) error
}

type busPublisher interface {
	PublishToUser(ctx context.Context, userID uuid.UUID, env bus.Envelope) (bus.PublishResult, error)
	PublishToTopic(ctx context.Context, topic string, env bus.Envelope) (bus.PublishResult, error)
}

type pushPublisher interface {
	Send(ctx context.Context, target fcm.Target, msg fcm.Message) (fcm.Outcome, error)
}

// ServiceParams configure the delivery loop. Bus and Push may be nil when
// the respective transport is not configured.
type ServiceParams struct {
	Config  config.WorkerConfig
	Logger  *logger.Logger
	Metrics *metrics.WorkerMetrics
	Queue   queueRepository
	Devices deviceRegistry
	Bus     busPublisher
	Push    pushPublisher
	Wake    <-chan struct{}
	Now     func() time.Time
}

// Service is the worker loop: it selects between wake signals and the
// fallback poll timer, drains due rows in batches, and commits each row's
// outcome independently.
type Service struct {
	cfg     config.WorkerConfig
	logg    *logger.Logger
	metrics *metrics.WorkerMetrics
	queue   queueRepository
	devices deviceRegistry
	bus     busPublisher
	push    pushPublisher
	wake    <-chan struct{}
	now     func() time.Time
}

// NewService validates the parameters and returns the worker service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Queue == nil {
		return nil, errors.New("queue repository is required")
	}
	if params.Devices == nil {
		return nil, errors.New("device registry is required")
	}
	if params.Wake == nil {
		return nil, errors.New("wake channel is required")
	}
	if params.Config.BatchSize <= 0 {
		return nil, errors.New("batch size must be positive")
	}
	if params.Config.MaxRetries <= 0 {
		return nil, errors.New("max retries must be positive")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		cfg:     params.Config,
		logg:    params.Logger,
		metrics: params.Metrics,
		queue:   params.Queue,
		devices: params.Devices,
		bus:     params.Bus,
		push:    params.Push,
		wake:    params.Wake,
		now:     now,
	}, nil
}

// Run processes until the context is cancelled. In-flight row handlers get
// the configured shutdown grace before their context is cut; rows whose
// outcome was not committed stay pending and are re-fetched after restart.
func (s *Service) Run(ctx context.Context) error {
	startCtx := s.logg.WithFields(ctx, map[string]any{
		"poll_interval_secs": s.cfg.PollIntervalSecs,
		"batch_size":         s.cfg.BatchSize,
		"max_retries":        s.cfg.MaxRetries,
		"parallelism":        s.cfg.EffectiveParallelism(),
	})
	s.logg.Info(startCtx, "notification worker started")

	// Handlers outlive the run context by the shutdown grace so computed
	// outcomes can still commit.
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()
	stopWatch := context.AfterFunc(ctx, func() {
		time.AfterFunc(s.cfg.ShutdownGrace(), cancelHandlers)
	})
	defer stopWatch()

	timer := time.NewTimer(s.cfg.PollInterval())
	defer timer.Stop()

	for {
		s.drainDue(ctx, handlerCtx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.PollInterval())

		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "notification worker stopping")
			return ctx.Err()
		case <-s.wake:
			s.logg.Debug(ctx, "woke on notify signal")
		case <-timer.C:
			s.logg.Debug(ctx, "woke on fallback poll timer")
		}
	}
}

// drainDue fetches and processes batches until the queue has no more due
// work. A full batch re-enters immediately; a short batch means the backlog
// is drained for this wake.
func (s *Service) drainDue(ctx, handlerCtx context.Context) {
	for ctx.Err() == nil {
		batch, err := s.queue.FetchDue(ctx, s.cfg.BatchSize, s.now().UTC())
		if err != nil {
			s.logg.Error(ctx, "fetching due notifications failed", err)
			return
		}
		if len(batch) == 0 {
			return
		}

		s.processBatch(ctx, handlerCtx, batch)

		if len(batch) < s.cfg.BatchSize {
			return
		}
	}
}

// processBatch dispatches the rows with bounded parallelism and waits for
// every handler before returning, so the drain loop observes batch order.
func (s *Service) processBatch(ctx, handlerCtx context.Context, batch []models.Notification) {
	start := s.now()
	stats := newBatchStats()

	sem := make(chan struct{}, s.cfg.EffectiveParallelism())
	var wg sync.WaitGroup

	for _, row := range batch {
		if ctx.Err() != nil {
			break
		}
		row := row
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			outcome := s.handleRow(handlerCtx, row)
			stats.record(outcome)
			s.metrics.IncProcessed(string(outcome))
		}()
	}
	wg.Wait()

	duration := s.now().Sub(start)
	s.metrics.ObserveBatchDuration(duration)
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"batch_size":  len(batch),
		"bus":         stats.busCount(),
		"push":        stats.pushCount(),
		"broadcast":   stats.broadcastCount(),
		"failed":      stats.failedCount(),
		"duration_ms": duration.Milliseconds(),
	}), "batch processed")
}

// commit runs one outcome write with bounded backoff (3 attempts,
// 100 ms doubling, capped at 1 s). On exhaustion the row is abandoned for
// this cycle and re-fetched on the next wake.
func (s *Service) commit(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithCappedDuration(time.Second, retry.NewExponential(100*time.Millisecond))
	backoff = retry.WithMaxRetries(2, backoff)

	first := true
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if !first {
			s.metrics.IncCommitRetry()
		}
		first = false
		if err := fn(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

type batchStats struct {
	mu     sync.Mutex
	counts map[deliveryOutcome]int
}

func newBatchStats() *batchStats {
	return &batchStats{counts: make(map[deliveryOutcome]int)}
}

func (b *batchStats) record(outcome deliveryOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[outcome]++
}

func (b *batchStats) busCount() int       { return b.count(outcomeBus) }
func (b *batchStats) pushCount() int      { return b.count(outcomePush) }
func (b *batchStats) broadcastCount() int { return b.count(outcomeBroadcast) }
func (b *batchStats) failedCount() int    { return b.count(outcomeFailed) }

func (b *batchStats) count(outcome deliveryOutcome) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[outcome]
}
