package server

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/darkace1998/x4-multiplayer-client/internal/config"
	"github.com/darkace1998/x4-multiplayer-client/internal/stream"
)

// EventConnector is the slice of the client facade the supervisor drives.
type EventConnector interface {
	ConnectEvents(ctx context.Context) error
	StreamState() stream.State
	CloseEvents()
}

// StreamSupervisor keeps the event stream connected, reconnecting with
// exponential backoff after connection loss. Unrecoverable failures (no
// session, rejected credentials, closed stream) end supervision instead of
// retrying.
type StreamSupervisor struct {
	events EventConnector
	cfg    config.StreamConfig
	logger *zap.Logger

	// pollInterval controls how often the connection state is checked while
	// connected. Shortened in tests.
	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStreamSupervisor creates a supervisor for the given connector.
//
// Precondition: events and logger must be non-nil; cfg backoff delays must be
// positive.
func NewStreamSupervisor(events EventConnector, cfg config.StreamConfig, logger *zap.Logger) *StreamSupervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamSupervisor{
		events:       events,
		cfg:          cfg,
		logger:       logger,
		pollInterval: 250 * time.Millisecond,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Start runs the supervision loop and blocks until Stop is called or an
// unrecoverable stream failure occurs.
//
// Postcondition: Returns nil on Stop; returns the terminal error otherwise.
func (s *StreamSupervisor) Start() error {
	defer close(s.done)

	delay := s.cfg.ReconnectBaseDelay
	for {
		err := s.events.ConnectEvents(s.ctx)
		switch {
		case err == nil:
			delay = s.cfg.ReconnectBaseDelay
			s.logger.Info("event stream connected")
			if !s.watch() {
				return nil
			}
			s.logger.Warn("event stream lost, reconnecting",
				zap.Duration("delay", delay),
			)
		case errors.Is(err, stream.ErrClosed):
			return nil
		case errors.Is(err, stream.ErrUnauthenticated), errors.Is(err, stream.ErrAuthRejected):
			s.logger.Error("event stream cannot authenticate, stopping supervision",
				zap.Error(err),
			)
			return err
		default:
			s.logger.Warn("event stream connect failed",
				zap.Error(err),
				zap.Duration("retry_in", delay),
			)
		}

		select {
		case <-s.ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.cfg.ReconnectMaxDelay {
			delay = s.cfg.ReconnectMaxDelay
		}
	}
}

// watch polls the connection state until it drops or supervision stops.
// Returns true when the connection was lost and a reconnect should follow.
func (s *StreamSupervisor) watch() bool {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return false
		case <-ticker.C:
			if s.events.StreamState() == stream.Disconnected {
				return true
			}
		}
	}
}

// Stop ends supervision and closes the event stream.
//
// Postcondition: Start has returned when Stop returns.
func (s *StreamSupervisor) Stop() {
	s.cancel()
	s.events.CloseEvents()
	<-s.done
}
