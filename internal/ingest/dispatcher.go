package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/h2-dashboard/backend/internal/logging"
	"github.com/h2-dashboard/backend/internal/models"
	"github.com/h2-dashboard/backend/internal/protocol"
	"github.com/sirupsen/logrus"
)

// ErrInvalidCommand is returned for a command naming an unknown pump or
// direction.
var ErrInvalidCommand = errors.New("invalid pump command")

// Sender is the part of the transport the dispatcher sends through.
type Sender interface {
	Connect(ctx context.Context) error
	Emit(cmd protocol.Command) error
}

// Dispatcher turns pump intents into pumpControl commands, reflecting them in
// Telemetry before the backend confirms.
type Dispatcher struct {
	tel  *Telemetry
	conn Sender
	log  *logrus.Entry
}

// NewDispatcher creates a Dispatcher updating tel and sending through conn.
func NewDispatcher(tel *Telemetry, conn Sender, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logging.Component(nil, "dispatch")
	}
	return &Dispatcher{tel: tel, conn: conn, log: log}
}

// ControlPump sets one pump. An empty direction means clockwise and a zero
// rpm on a start means models.DefaultRPM; a stop always sends rpm 0.
//
// The requested state is applied locally before the command is sent. If the
// send fails it is reverted and the error returned; otherwise the next
// pumpStatusUpdate or pumpStatusSync settles it.
func (d *Dispatcher) ControlPump(ctx context.Context, unit models.PumpUnit, turnOn bool, dir models.Direction, rpm int) (models.PumpState, error) {
	if !unit.Valid() {
		return models.PumpState{}, fmt.Errorf("%w: unknown pump %q", ErrInvalidCommand, unit)
	}
	if dir == "" {
		dir = models.Clockwise
	}
	if !dir.Valid() {
		return models.PumpState{}, fmt.Errorf("%w: unknown direction %q", ErrInvalidCommand, dir)
	}
	if rpm < 0 {
		return models.PumpState{}, fmt.Errorf("%w: negative rpm %d", ErrInvalidCommand, rpm)
	}
	switch {
	case !turnOn:
		rpm = 0
	case rpm == 0:
		rpm = models.DefaultRPM
	}

	if err := d.conn.Connect(ctx); err != nil {
		return models.PumpState{}, fmt.Errorf("connecting for pump control: %w", err)
	}

	state := models.PumpState{IsOn: turnOn, Direction: dir, RPM: rpm}
	seq := d.tel.applyOptimistic(unit, state)

	cmd := protocol.PumpControl{Pump: unit, IsOn: turnOn, Direction: dir, RPM: rpm, Seq: seq}
	if err := d.conn.Emit(cmd); err != nil {
		d.tel.revert(unit, seq)
		return models.PumpState{}, fmt.Errorf("sending pump control: %w", err)
	}

	d.log.WithFields(logrus.Fields{
		"pump":      unit,
		"on":        turnOn,
		"direction": dir,
		"rpm":       rpm,
		"seq":       seq,
	}).Info("pump control sent")
	return state, nil
}
