package alerts

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/h2-dashboard/backend/internal/logging"
	"github.com/h2-dashboard/backend/internal/models"
	"github.com/sirupsen/logrus"
)

// DefaultCheckInterval is how often the monitor re-checks the latest
// snapshot when no update arrives.
const DefaultCheckInterval = 5 * time.Second

// ChangeGuard lets an evaluation through only when some value differs from
// the last one let through.
type ChangeGuard struct {
	mu   sync.Mutex
	last map[string]float64
}

// Changed reports whether values differ from the last accepted set and, if
// so, remembers them.
func (g *ChangeGuard) Changed(values map[string]float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	changed := false
	for k, v := range values {
		if prev, ok := g.last[k]; !ok || prev != v {
			changed = true
			break
		}
	}
	if !changed {
		return false
	}

	g.last = make(map[string]float64, len(values))
	for k, v := range values {
		g.last[k] = v
	}
	return true
}

// SnapshotSource is the live data the monitor watches.
type SnapshotSource interface {
	CurrentSnapshot() models.Snapshot
	Subscribe(fn func(models.Snapshot))
}

// Monitor feeds snapshots to a Manager on every update and on a timer.
type Monitor struct {
	mgr      *Manager
	src      SnapshotSource
	guard    ChangeGuard
	interval time.Duration
	log      *logrus.Entry

	running   atomic.Bool
	scheduler gocron.Scheduler
}

// NewMonitor creates a Monitor. A non-positive interval means
// DefaultCheckInterval.
func NewMonitor(mgr *Manager, src SnapshotSource, interval time.Duration, log *logrus.Entry) *Monitor {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if log == nil {
		log = logging.Component(nil, "alerts")
	}
	return &Monitor{mgr: mgr, src: src, interval: interval, log: log}
}

// Start subscribes to updates and schedules the periodic check.
func (m *Monitor) Start() error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() {
			m.Check(m.src.CurrentSnapshot())
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	m.scheduler = scheduler
	m.running.Store(true)
	m.src.Subscribe(func(s models.Snapshot) {
		if m.running.Load() {
			m.Check(s)
		}
	})
	scheduler.Start()

	m.log.WithField("interval", m.interval).Info("alert monitor started")
	return nil
}

// Stop halts checking.
func (m *Monitor) Stop() error {
	m.running.Store(false)
	if m.scheduler == nil {
		return nil
	}
	return m.scheduler.Shutdown()
}

// Check evaluates s if any channel changed since the last check.
func (m *Monitor) Check(s models.Snapshot) []models.AlertEvent {
	values := s.Values()
	if len(values) == 0 || !m.guard.Changed(values) {
		return nil
	}

	fired := m.mgr.EvaluateAll(values)
	for _, ev := range fired {
		m.log.WithFields(logrus.Fields{
			"sensor":   ev.Sensor,
			"severity": ev.Severity,
		}).Warn(ev.Message)
	}
	return fired
}
