package main

import (
	"context"
	"errors"
	"log"
	"time"

	"upsagent/internal/events"
	"upsagent/internal/gate"
	"upsagent/internal/lifecycle"
	"upsagent/internal/mqtt"
	"upsagent/internal/sampler"
	"upsagent/internal/sensor"
	"upsagent/internal/telemetry"
)

// session is one run of the agent against the broker: connect, sample,
// then announce offline and disconnect.
type session struct {
	manager    *lifecycle.Manager
	source     sensor.Source
	thresholds gate.Thresholds
	journal    *events.Store
	logger     *log.Logger

	// shutdownContext bounds the wait for the offline acknowledgment.
	// Nil waits without a bound.
	shutdownContext func() (context.Context, context.CancelFunc)
}

func newSession(ch mqtt.Channel, topic string, source sensor.Source, th gate.Thresholds, opts lifecycle.Options) *session {
	journal, _ := opts.Journal.(*events.Store)
	return &session{
		manager:    lifecycle.NewManager(ch, topic, opts),
		source:     source,
		thresholds: th,
		journal:    journal,
		logger:     opts.Logger,
	}
}

// run connects and samples until ctx is done or a tick fails. The
// sensor is not read unless the connect succeeds. Once connected, the
// offline status is always published before returning, whatever ended
// the loop.
func (s *session) run(ctx context.Context, opts sampler.Options) error {
	if err := s.manager.Start(); err != nil {
		s.logf("[Lifecycle] %v", err)
		return err
	}

	if s.journal != nil {
		opts.OnPublish = append(opts.OnPublish, journalOnline(s.journal))
	}
	loopErr := sampler.New(s.source, s.manager, s.thresholds, opts).Run(ctx)
	if errors.Is(loopErr, sampler.ErrSensorRead) && s.journal != nil {
		s.journal.Add(events.EventSensorError, false, loopErr.Error())
	}

	shutdownCtx, cancel := context.Background(), context.CancelFunc(func() {})
	if s.shutdownContext != nil {
		shutdownCtx, cancel = s.shutdownContext()
	}
	defer cancel()
	if err := s.manager.Shutdown(shutdownCtx); err != nil {
		s.logf("[Lifecycle] %v", err)
	}
	return loopErr
}

// journalOnline records the first status of the run. Later publishes
// are only counted by metrics.
func journalOnline(journal *events.Store) sampler.PublishFunc {
	return func(snap telemetry.Snapshot, reason gate.Reason) {
		if reason != gate.ReasonFirst {
			return
		}
		journal.Add(events.EventOnline, true, snap.Timestamp.Format(time.RFC3339))
	}
}

func (s *session) logf(format string, v ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, v...)
	}
}
