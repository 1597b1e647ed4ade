package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/rbrinkke/notifications-service/pkg/logger"
	"github.com/rbrinkke/notifications-service/pkg/metrics"
)

const (
	// Channel the insert trigger notifies on. The payload is the row id as
	// text; it is only ever treated as a wake signal, never as the work item.
	notifyChannel = "notify_event"

	minReconnectInterval = time.Second
	maxReconnectInterval = 30 * time.Second
	pingInterval         = 90 * time.Second
)

// Stream is the subset of *pq.Listener the service consumes.
type Stream interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// ServiceParams configure the LISTEN session.
type ServiceParams struct {
	Logger  *logger.Logger
	Metrics *metrics.WorkerMetrics
	DSN     string
	Wake    chan<- struct{}
	// OpenStream overrides the pq-backed stream; tests inject fakes here.
	OpenStream func(onEvent func(event pq.ListenerEventType, err error)) Stream
}

// Service owns the dedicated LISTEN session, outside the shared pool, and
// feeds the bounded wake channel. Reconnects are handled by the underlying
// pq listener with capped backoff; the fallback poll timer guarantees
// progress during gaps.
type Service struct {
	logg       *logger.Logger
	metrics    *metrics.WorkerMetrics
	wake       chan<- struct{}
	openStream func(onEvent func(event pq.ListenerEventType, err error)) Stream
	connected  atomic.Bool
	started    atomic.Bool
}

// NewService validates the parameters and returns the listener service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Wake == nil {
		return nil, errors.New("wake channel is required")
	}

	open := params.OpenStream
	if open == nil {
		if params.DSN == "" {
			return nil, errors.New("database DSN is required")
		}
		dsn := params.DSN
		open = func(onEvent func(event pq.ListenerEventType, err error)) Stream {
			return pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, onEvent)
		}
	}

	return &Service{
		logg:       params.Logger,
		metrics:    params.Metrics,
		wake:       params.Wake,
		openStream: open,
	}, nil
}

// Healthy reports whether the LISTEN session is established. It is false
// before Run and after an unrecovered disconnect.
func (s *Service) Healthy() bool {
	return s.started.Load() && s.connected.Load()
}

// Run listens until the context is cancelled. Every NOTIFY payload becomes a
// non-blocking push onto the wake channel; overflow is dropped by design
// because the worker drains all due work per wake.
func (s *Service) Run(ctx context.Context) error {
	stream := s.openStream(s.onEvent)
	defer stream.Close()

	if err := stream.Listen(notifyChannel); err != nil {
		return errors.Join(errors.New("subscribing to "+notifyChannel), err)
	}
	s.started.Store(true)
	s.connected.Store(true)
	s.logg.Info(s.logg.WithField(ctx, "channel", notifyChannel), "listener started")

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			s.connected.Store(false)
			s.logg.Info(ctx, "listener stopping")
			return ctx.Err()

		case notification := <-stream.NotificationChannel():
			if notification == nil {
				// The underlying session reconnected; NOTIFYs may have been
				// missed, so force a fetch cycle.
				s.metrics.IncListenerReconnect()
				s.logg.Warn(ctx, "listener session re-established, forcing fetch")
				s.wakeUp()
				continue
			}
			s.logg.Debug(s.logg.WithField(ctx, "payload", notification.Extra), "notify received")
			s.wakeUp()

		case <-ping.C:
			if err := stream.Ping(); err != nil {
				s.logg.Error(ctx, "listener ping failed", err)
			}
		}
	}
}

func (s *Service) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
		// Coalesced: the worker is already due to drain everything.
		s.metrics.IncWakeSignalDropped()
	}
}

func (s *Service) onEvent(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		s.connected.Store(true)
	case pq.ListenerEventReconnected:
		s.connected.Store(true)
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		s.connected.Store(false)
		if err != nil {
			s.logg.Error(context.Background(), "listener connection lost", err)
		}
	}
}
