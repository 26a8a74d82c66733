// Package telemetry exports operational events to configured exporters.
//
// Telemetry trails the audit trail: events are emitted only after the
// corresponding Landscape recording succeeds, and nothing in this package
// returns an error to the engine. A failing exporter degrades to logging,
// and repeated total failure disables export for the rest of the run.
package telemetry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

const (
	// queueSize bounds the async export queue.
	queueSize = 1000
	// blockTimeout caps how long block mode stalls the pipeline when the
	// export worker is stuck; past it the event is dropped, not the run.
	blockTimeout = 30 * time.Second
	// slowPenalty is the per-event delay slow mode inserts while the
	// queue is saturated, before retrying once and then dropping.
	slowPenalty = 10 * time.Millisecond
	// dropLogInterval batches drop warnings so a saturated exporter does
	// not flood the log with one line per event.
	dropLogInterval = 100
)

// Exporter delivers events somewhere operational. Exporters must tolerate
// concurrent Export calls from the manager's single worker being followed
// by Flush and Close from the pipeline goroutine.
type Exporter interface {
	Name() string
	Export(event contracts.Event) error
	Flush() error
	Close() error
}

// Metrics is a point-in-time snapshot of telemetry health.
type Metrics struct {
	EventsEmitted            int
	EventsDropped            int
	ExporterFailures         map[string]int
	ConsecutiveTotalFailures int
	QueueDepth               int
	QueueCapacity            int
}

// Manager filters events by granularity, queues them, and dispatches to all
// exporters from a single background worker with failure isolation. Safe
// for concurrent Emit from any goroutine.
type Manager struct {
	settings  config.TelemetrySettings
	exporters []Exporter
	logger    *slog.Logger

	queue  chan contracts.Event
	stopCh chan struct{}
	wg     sync.WaitGroup

	shutdown atomic.Bool
	disabled atomic.Bool

	mu                  sync.Mutex
	eventsEmitted       int
	eventsDropped       int
	exporterFailures    map[string]int
	consecutiveFailures int
	lastLoggedDrops     int
}

// flushMarker rides the queue so Flush can wait for everything queued
// before it. The worker intercepts it instead of exporting.
type flushMarker struct {
	done chan struct{}
}

func (flushMarker) EventKind() string    { return "flush_marker" }
func (flushMarker) EventTime() time.Time { return time.Time{} }

// NewManager starts the export worker. With telemetry disabled or no
// exporters configured the manager is a cheap no-op that still accepts
// Emit, Flush, and Close.
func NewManager(settings config.TelemetrySettings, exporters []Exporter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		settings:         settings,
		exporters:        exporters,
		logger:           logger,
		queue:            make(chan contracts.Event, queueSize),
		stopCh:           make(chan struct{}),
		exporterFailures: make(map[string]int),
	}
	if m.active() {
		m.wg.Add(1)
		go m.exportLoop()
	}
	return m
}

func (m *Manager) active() bool {
	return m.settings.Enabled && len(m.exporters) > 0
}

// Emit queues an event for export. Never blocks longer than the configured
// backpressure mode allows and never returns an error: telemetry loss is
// always preferred over pipeline impact.
func (m *Manager) Emit(event contracts.Event) {
	if !m.active() || m.shutdown.Load() || m.disabled.Load() {
		return
	}
	if !shouldEmit(event, m.settings.Granularity) {
		return
	}

	switch m.settings.BackpressureMode {
	case config.BackpressureDrop:
		select {
		case m.queue <- event:
		default:
			m.noteDrop("queue full in drop mode")
		}
	case config.BackpressureSlow:
		select {
		case m.queue <- event:
		default:
			time.Sleep(slowPenalty)
			select {
			case m.queue <- event:
			default:
				m.noteDrop("queue still full after slow-mode delay")
			}
		}
	default: // block
		timer := time.NewTimer(blockTimeout)
		defer timer.Stop()
		select {
		case m.queue <- event:
		case <-m.stopCh:
		case <-timer.C:
			m.logger.Error("telemetry enqueue timed out, export worker may be stuck")
			m.noteDrop("block mode timeout")
		}
	}
}

// EmitFunc adapts the manager to the contracts callback plugins receive.
func (m *Manager) EmitFunc() contracts.TelemetryFunc {
	return m.Emit
}

func (m *Manager) exportLoop() {
	defer m.wg.Done()
	for {
		select {
		case event := <-m.queue:
			m.handle(event)
		case <-m.stopCh:
			// Drain what was queued before shutdown, then exit.
			for {
				select {
				case event := <-m.queue:
					m.handle(event)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) handle(event contracts.Event) {
	if marker, ok := event.(flushMarker); ok {
		close(marker.done)
		return
	}
	m.dispatch(event)
}

// dispatch exports one event to every exporter. A panic or error in one
// exporter never blocks the others; total failure across all exporters
// counts toward the disable threshold.
func (m *Manager) dispatch(event contracts.Event) {
	failures := 0
	for _, exporter := range m.exporters {
		if err := m.exportOne(exporter, event); err != nil {
			failures++
			m.mu.Lock()
			m.exporterFailures[exporter.Name()]++
			m.mu.Unlock()
			m.logger.Warn("telemetry exporter failed",
				"exporter", exporter.Name(),
				"event_kind", event.EventKind(),
				"error", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case failures == 0:
		m.eventsEmitted++
		m.consecutiveFailures = 0
	case failures == len(m.exporters):
		m.consecutiveFailures++
		m.eventsDropped++
		if m.eventsDropped-m.lastLoggedDrops >= dropLogInterval {
			m.logger.Error("all telemetry exporters failing, events dropped",
				"dropped_total", m.eventsDropped,
				"consecutive_failures", m.consecutiveFailures)
			m.lastLoggedDrops = m.eventsDropped
		}
		if m.consecutiveFailures >= m.settings.MaxConsecutiveFailures {
			m.logger.Error("telemetry disabled after repeated total failures",
				"consecutive_failures", m.consecutiveFailures,
				"events_dropped", m.eventsDropped)
			m.disabled.Store(true)
		}
	default:
		// Partial delivery counts as emitted.
		m.eventsEmitted++
		m.consecutiveFailures = 0
	}
}

func (m *Manager) exportOne(exporter Exporter, event contracts.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &contracts.FrameworkBugError{
				Invariant: "telemetry-isolation",
				Message:   "exporter panicked: " + exporter.Name(),
			}
		}
	}()
	return exporter.Export(event)
}

func (m *Manager) noteDrop(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsDropped++
	if m.eventsDropped-m.lastLoggedDrops >= dropLogInterval {
		m.logger.Warn("telemetry events dropped",
			"reason", reason,
			"dropped_total", m.eventsDropped,
			"backpressure_mode", string(m.settings.BackpressureMode))
		m.lastLoggedDrops = m.eventsDropped
	}
}

// Flush waits for everything queued so far to be dispatched, then flushes
// each exporter. Exporter flush failures are logged, never returned.
func (m *Manager) Flush() {
	if !m.active() {
		return
	}
	if !m.shutdown.Load() {
		marker := flushMarker{done: make(chan struct{})}
		select {
		case m.queue <- marker:
			select {
			case <-marker.done:
			case <-m.stopCh:
			}
		case <-m.stopCh:
		}
	}
	for _, exporter := range m.exporters {
		if err := exporter.Flush(); err != nil {
			m.logger.Warn("telemetry exporter flush failed",
				"exporter", exporter.Name(), "error", err)
		}
	}
}

// Close drains the queue, stops the worker, flushes, and closes exporters.
// Events emitted after Close are silently discarded.
func (m *Manager) Close() {
	if m.shutdown.Swap(true) {
		return
	}
	if m.active() {
		close(m.stopCh)
		m.wg.Wait()
		for _, exporter := range m.exporters {
			if err := exporter.Flush(); err != nil {
				m.logger.Warn("telemetry exporter flush failed",
					"exporter", exporter.Name(), "error", err)
			}
		}
	}
	metrics := m.HealthMetrics()
	m.logger.Info("telemetry manager closed",
		"events_emitted", metrics.EventsEmitted,
		"events_dropped", metrics.EventsDropped,
		"consecutive_total_failures", metrics.ConsecutiveTotalFailures)
	for _, exporter := range m.exporters {
		if err := exporter.Close(); err != nil {
			m.logger.Warn("telemetry exporter close failed",
				"exporter", exporter.Name(), "error", err)
		}
	}
}

// HealthMetrics snapshots telemetry health for operational monitoring.
func (m *Manager) HealthMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	failures := make(map[string]int, len(m.exporterFailures))
	for name, count := range m.exporterFailures {
		failures[name] = count
	}
	return Metrics{
		EventsEmitted:            m.eventsEmitted,
		EventsDropped:            m.eventsDropped,
		ExporterFailures:         failures,
		ConsecutiveTotalFailures: m.consecutiveFailures,
		QueueDepth:               len(m.queue),
		QueueCapacity:            cap(m.queue),
	}
}

// Disabled reports whether repeated total failures switched telemetry off.
func (m *Manager) Disabled() bool {
	return m.disabled.Load()
}
