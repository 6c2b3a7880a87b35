// interfaces.go - Dependencies of the dashboard API, narrowed to what handlers use
package api

import (
	"context"
	"time"

	"github.com/h2-dashboard/backend/internal/history"
	"github.com/h2-dashboard/backend/internal/models"
)

// Telemetry exposes the live buffers and pump state.
type Telemetry interface {
	CurrentSnapshot() models.Snapshot
	Pumps() models.PumpStatus
	ConfirmedPumps() models.PumpStatus
	PairSeries(s models.Stream) ([]models.PairReading, bool)
	ScalarSeries(s models.Stream) ([]models.ScalarReading, bool)
	Capacity() int
	Subscribe(fn func(models.Snapshot))
	SubscribePumps(fn func(models.PumpStatus))
}

// PumpController issues pump commands.
type PumpController interface {
	ControlPump(ctx context.Context, unit models.PumpUnit, turnOn bool, dir models.Direction, rpm int) (models.PumpState, error)
}

// Link reports the state of the backend connection.
type Link interface {
	IsConnected() bool
}

// HistorySource serves historical range queries.
type HistorySource interface {
	FetchRange(ctx context.Context, start, end time.Time, intervalMinutes int) ([]models.SensorDataPoint, error)
	Cached() (history.Range, []models.SensorDataPoint, bool)
}

// Archive serves ranges from the local reading archive.
type Archive interface {
	Range(ctx context.Context, start, end time.Time) ([]models.SensorDataPoint, error)
	Len() int
}

// Alerts manages alert rules and history.
type Alerts interface {
	Rules() []models.AlertRule
	AddRule(rule models.AlertRule) (models.AlertRule, error)
	UpdateRule(rule models.AlertRule) (models.AlertRule, error)
	DeleteRule(id string) error
	History() []models.AlertEvent
	UnreadCount() int
	MarkRead(id string) error
	MarkAllRead()
	ClearHistory() error
}
