// Package sampler runs the fixed-rate loop that reads the UPS sensor and
// publishes samples the gate lets through.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"upsagent/internal/clock"
	"upsagent/internal/gate"
	"upsagent/internal/sensor"
	"upsagent/internal/telemetry"
)

// DefaultInterval is the tick period of the loop
const DefaultInterval = time.Second

var (
	// ErrSensorRead wraps sensor failures. They end the loop.
	ErrSensorRead = errors.New("sensor read failed")

	// ErrPublish wraps payload encoding and publish failures. They end the loop.
	ErrPublish = errors.New("publish failed")
)

// Publisher accepts an encoded status payload for the device topic
type Publisher interface {
	Publish(payload []byte) error
}

// Recorder observes every tick
type Recorder interface {
	ObserveSample(snap telemetry.Snapshot, d gate.Decision)
	ObserveReadError(err error)
}

// PublishFunc is called after a sample has been handed to the publisher
type PublishFunc func(snap telemetry.Snapshot, reason gate.Reason)

// Options configures a Sampler. Zero values select defaults.
type Options struct {
	Interval  time.Duration
	Clock     clock.Clock
	Logger    *log.Logger
	Recorder  Recorder
	OnPublish []PublishFunc
}

// Sampler owns the gate state. Tick and Run must not be called concurrently.
type Sampler struct {
	source     sensor.Source
	publisher  Publisher
	thresholds gate.Thresholds
	opts       Options

	state gate.State
}

// New creates a Sampler
func New(source sensor.Source, publisher Publisher, th gate.Thresholds, opts Options) *Sampler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Sampler{
		source:     source,
		publisher:  publisher,
		thresholds: th,
		opts:       opts,
		state:      gate.NewState(opts.Clock.Now()),
	}
}

// Thresholds returns the gate thresholds the sampler applies
func (s *Sampler) Thresholds() gate.Thresholds {
	return s.thresholds
}

// Tick reads one sample and publishes it when the gate allows
func (s *Sampler) Tick(ctx context.Context) (gate.Decision, error) {
	if err := ctx.Err(); err != nil {
		return gate.Decision{}, err
	}

	raw, err := s.source.Read()
	if err != nil {
		if s.opts.Recorder != nil {
			s.opts.Recorder.ObserveReadError(err)
		}
		return gate.Decision{}, fmt.Errorf("%w: %w", ErrSensorRead, err)
	}

	now := s.opts.Clock.Now()
	snap := telemetry.NewSnapshot(raw, now)
	decision := gate.Evaluate(snap, s.state, s.thresholds, now)

	if s.opts.Recorder != nil {
		s.opts.Recorder.ObserveSample(snap, decision)
	}
	if !decision.Publish {
		return decision, nil
	}

	payload, err := snap.Payload()
	if err != nil {
		return decision, fmt.Errorf("%w: encode: %w", ErrPublish, err)
	}
	if err := s.publisher.Publish(payload); err != nil {
		return decision, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	s.state.Record(snap, now)

	s.logf("[Sampler] Published (%s): bus %.3fV, current %.3fA, %.1f%%",
		decision.Reason, snap.BusVoltage, snap.Current, snap.ChargePercent)
	for _, fn := range s.opts.OnPublish {
		fn(snap, decision.Reason)
	}
	return decision, nil
}

// Run ticks immediately and then on every interval until ctx is done or a
// tick fails. It returns nil on cancellation and the tick error otherwise.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := s.opts.Clock.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logf("[Sampler] Started, interval %v", s.opts.Interval)

	for {
		if _, err := s.Tick(ctx); err != nil {
			if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
				s.logf("[Sampler] Stopped")
				return nil
			}
			s.logf("[Sampler] Stopping: %v", err)
			return err
		}

		select {
		case <-ctx.Done():
			s.logf("[Sampler] Stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sampler) logf(format string, v ...interface{}) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf(format, v...)
	}
}
