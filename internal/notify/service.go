package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/pkg/logger"
)

// Channel delivers one appointment event somewhere (email, event log, ...).
type Channel interface {
	Name() string
	Deliver(ctx context.Context, kind appointment.EventKind, appt appointment.Appointment) error
}

// Service fans appointment events out to its channels in the background.
// Delivery failures are logged and never reach the scheduling engine.
type Service struct {
	channels []Channel
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewService(log *zap.Logger, timeout time.Duration, channels ...Channel) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		channels: channels,
		timeout:  timeout,
		logger:   logger.OrNop(log),
	}
}

// NotifyAppointmentEvent returns immediately. The delivery outlives the
// caller's request context but is bounded by the service timeout.
func (s *Service) NotifyAppointmentEvent(ctx context.Context, kind appointment.EventKind, appt appointment.Appointment) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("notify: service closed, dropping event",
			zap.String("event", string(kind)), zap.Stringer("appointment_id", appt.ID))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		for _, ch := range s.channels {
			if err := ch.Deliver(deliverCtx, kind, appt); err != nil {
				s.logger.Warn("notify: delivery failed",
					zap.String("channel", ch.Name()),
					zap.String("event", string(kind)),
					zap.Stringer("appointment_id", appt.ID),
					zap.Error(err),
				)
			}
		}
	}()
}

// Close stops accepting events and waits for in-flight deliveries or ctx.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
