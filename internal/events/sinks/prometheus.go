package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/placehunter/extraction-engine/internal/events"
)

// PrometheusSink exports extraction progress metrics. It owns all collectors
// for published events, task outcomes, extracted places, and snapshot volume.
type PrometheusSink struct {
	eventsTotal    *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	placesTotal    prometheus.Counter
	botErrors      prometheus.Counter
	botsLive       prometheus.Gauge
	snapshotBytes  prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extraction_events_total",
			Help: "Events published on the bus partitioned by kind.",
		}, []string{"kind"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extraction_tasks_finished_total",
			Help: "Tasks that reached a terminal state partitioned by result.",
		}, []string{"result"}),
		placesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "extraction_places_extracted_total",
			Help: "Unique places persisted across all campaigns.",
		}),
		botErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "extraction_bot_errors_total",
			Help: "Browser session failures reported by bots.",
		}),
		botsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "extraction_bots_live",
			Help: "Browser sessions currently owned by the pool.",
		}),
		snapshotBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "extraction_snapshot_bytes_total",
			Help: "PNG bytes captured across all snapshot events.",
		}),
	}
	var err error
	if s.eventsTotal, err = register(reg, s.eventsTotal); err != nil {
		return nil, err
	}
	if s.tasksCompleted, err = register(reg, s.tasksCompleted); err != nil {
		return nil, err
	}
	if s.placesTotal, err = register(reg, s.placesTotal); err != nil {
		return nil, err
	}
	if s.botErrors, err = register(reg, s.botErrors); err != nil {
		return nil, err
	}
	if s.botsLive, err = register(reg, s.botsLive); err != nil {
		return nil, err
	}
	if s.snapshotBytes, err = register(reg, s.snapshotBytes); err != nil {
		return nil, err
	}
	return s, nil
}

// register adds the collector to the registry, reusing the existing instance
// when one with the same descriptor is already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	var zero C
	return zero, fmt.Errorf("register event collector: %w", err)
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	s.eventsTotal.WithLabelValues(string(evt.Kind)).Inc()
	switch evt.Kind {
	case events.TaskCompleted:
		s.tasksCompleted.WithLabelValues("completed").Inc()
	case events.TaskFailed:
		s.tasksCompleted.WithLabelValues("failed").Inc()
	case events.PlaceExtracted:
		s.placesTotal.Inc()
	case events.BotError:
		s.botErrors.Inc()
	case events.BotInitialized:
		s.botsLive.Inc()
	case events.BotClosed:
		s.botsLive.Dec()
	case events.BotSnapshotCaptured:
		s.snapshotBytes.Add(float64(len(evt.Screenshot)))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
