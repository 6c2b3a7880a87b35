// Package ingest turns backend events into bounded per-channel history and
// the current pump state, and dispatches pump commands back to the backend.
package ingest

import (
	"sync"
	"time"

	"github.com/h2-dashboard/backend/internal/buffer"
	"github.com/h2-dashboard/backend/internal/logging"
	"github.com/h2-dashboard/backend/internal/models"
	"github.com/h2-dashboard/backend/internal/protocol"
	"github.com/h2-dashboard/backend/internal/transport"
	"github.com/sirupsen/logrus"
)

// TimeLayout is the display time used when an event carries none.
const TimeLayout = "15:04:05"

// Source is the part of the transport the ingestion layer listens on.
type Source interface {
	On(event string, h transport.Handler)
	OnConnect(fn func())
	Emit(cmd protocol.Command) error
}

// Options configures a Telemetry.
type Options struct {
	// Capacity is the length of every channel buffer.
	Capacity int
	// ConfirmTimeout reverts an optimistic pump change to the last
	// confirmed state when the backend has not confirmed it in time.
	// Zero keeps optimistic state until the next authoritative event.
	ConfirmTimeout time.Duration
	Now            func() time.Time
	Log            *logrus.Entry
}

type pendingChange struct {
	seq   uint64
	timer *time.Timer
}

// Telemetry owns the channel buffers and pump state. All methods are safe
// for concurrent use; readers always get copies.
type Telemetry struct {
	mu sync.Mutex

	ph          *buffer.Ring[models.PairReading]
	temperature *buffer.Ring[models.PairReading]
	ionic       *buffer.Ring[models.PairReading]
	pumpSpeed   *buffer.Ring[models.PairReading]
	humidity    *buffer.Ring[models.ScalarReading]
	hydrogen    *buffer.Ring[models.ScalarReading]
	voltage     *buffer.Ring[models.ScalarReading]

	pumps     models.PumpStatus
	confirmed models.PumpStatus
	pending   map[models.PumpUnit]*pendingChange
	seq       uint64

	readingSubs []func(models.Snapshot)
	pumpSubs    []func(models.PumpStatus)

	confirmTimeout time.Duration
	now            func() time.Time
	log            *logrus.Entry
}

// NewTelemetry creates empty buffers with both pumps stopped.
func NewTelemetry(opts Options) *Telemetry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logging.Component(nil, "ingest")
	}
	c := opts.Capacity
	stopped := models.PumpStatus{Anode: models.StoppedPump(), Cathode: models.StoppedPump()}

	return &Telemetry{
		ph:             buffer.New[models.PairReading](c),
		temperature:    buffer.New[models.PairReading](c),
		ionic:          buffer.New[models.PairReading](c),
		pumpSpeed:      buffer.New[models.PairReading](c),
		humidity:       buffer.New[models.ScalarReading](c),
		hydrogen:       buffer.New[models.ScalarReading](c),
		voltage:        buffer.New[models.ScalarReading](c),
		pumps:          stopped,
		confirmed:      stopped,
		pending:        make(map[models.PumpUnit]*pendingChange),
		confirmTimeout: opts.ConfirmTimeout,
		now:            opts.Now,
		log:            opts.Log,
	}
}

// Attach registers the event handlers on src and requests a pump sync after
// every (re)connect.
func (t *Telemetry) Attach(src Source) {
	for _, name := range protocol.InboundEvents {
		src.On(name, t.HandleEvent)
	}
	src.OnConnect(func() {
		if err := src.Emit(protocol.RequestPumpStatus{}); err != nil {
			t.log.WithError(err).Warn("requesting pump status")
		}
	})
}

// Subscribe registers fn to receive the snapshot after every change to the
// channel buffers. fn runs on the caller of the mutation and must not block.
func (t *Telemetry) Subscribe(fn func(models.Snapshot)) {
	t.mu.Lock()
	t.readingSubs = append(t.readingSubs, fn)
	t.mu.Unlock()
}

// SubscribePumps registers fn to receive the pump state after every change.
func (t *Telemetry) SubscribePumps(fn func(models.PumpStatus)) {
	t.mu.Lock()
	t.pumpSubs = append(t.pumpSubs, fn)
	t.mu.Unlock()
}

// HandleEvent applies one inbound event.
func (t *Telemetry) HandleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.SensorUpdate:
		t.applySensorUpdate(e)
	case protocol.PumpStatusUpdate:
		t.applyPumpUpdate(e)
	case protocol.PumpStatusSync:
		t.applyPumpSync(e.PumpStatus)
	case protocol.PumpSpeedRealtime:
		t.applyPumpSpeed(e)
	case protocol.EmergencyStop:
		t.applyEmergencyStop(e)
	case protocol.PumpControlAck:
		t.log.WithFields(logrus.Fields{"pump": e.Pump, "status": e.Status}).Info("pump control acknowledged")
	case protocol.PumpControlError:
		t.log.WithField("error", e.Error).Error("pump control rejected")
	default:
		t.log.WithField("event", ev.EventName()).Warn("unhandled event")
	}
}

func (t *Telemetry) stamp(display string) (string, int64) {
	now := t.now()
	if display == "" {
		display = now.Format(TimeLayout)
	}
	return display, now.UnixMilli()
}

func (t *Telemetry) applySensorUpdate(u protocol.SensorUpdate) {
	display, ts := t.stamp(u.Time)
	pair := func(p protocol.Pair) models.PairReading {
		return models.PairReading{Anode: p.Anode, Cathode: p.Cathode, Time: display, Timestamp: ts}
	}
	scalar := func(v float64) models.ScalarReading {
		return models.ScalarReading{Value: v, Time: display, Timestamp: ts}
	}

	t.mu.Lock()
	t.ph.Append(pair(u.PH))
	t.temperature.Append(pair(u.Temperature))
	t.ionic.Append(pair(u.Ionic))
	t.humidity.Append(scalar(u.Humidity))
	t.hydrogen.Append(scalar(u.Hydrogen))
	t.voltage.Append(scalar(u.Voltage))
	t.mu.Unlock()

	t.publish(true, false)
}

func (t *Telemetry) applyPumpUpdate(u protocol.PumpStatusUpdate) {
	t.mu.Lock()
	if p := t.pending[u.Pump]; p != nil && u.Seq != 0 && u.Seq < p.seq {
		t.mu.Unlock()
		t.log.WithFields(logrus.Fields{"pump": u.Pump, "seq": u.Seq, "pending": p.seq}).Debug("ignoring stale pump status")
		return
	}
	t.clearPending(u.Pump)
	t.pumps.Set(u.Pump, u.Status)
	t.confirmed.Set(u.Pump, u.Status)
	t.appendUnitSpeed(u.Pump, u.Status.EffectiveRPM())
	t.mu.Unlock()

	t.publish(true, true)
}

func (t *Telemetry) applyPumpSync(status models.PumpStatus) {
	t.mu.Lock()
	t.clearPending(models.PumpAnode)
	t.clearPending(models.PumpCathode)
	t.pumps = status
	t.confirmed = status
	t.appendSpeed(float64(status.Anode.EffectiveRPM()), float64(status.Cathode.EffectiveRPM()), "")
	t.mu.Unlock()

	t.publish(true, true)
}

func (t *Telemetry) applyPumpSpeed(s protocol.PumpSpeedRealtime) {
	t.mu.Lock()
	t.appendSpeed(s.Anode, s.Cathode, s.Time)
	t.mu.Unlock()

	t.publish(true, false)
}

func (t *Telemetry) applyEmergencyStop(e protocol.EmergencyStop) {
	t.log.WithField("message", e.Message).Warn("emergency stop")

	stopped := models.PumpStatus{Anode: models.StoppedPump(), Cathode: models.StoppedPump()}
	t.mu.Lock()
	t.clearPending(models.PumpAnode)
	t.clearPending(models.PumpCathode)
	t.pumps = stopped
	t.confirmed = stopped
	t.appendSpeed(0, 0, "")
	t.mu.Unlock()

	t.publish(true, true)
}

// applyOptimistic records a requested pump state ahead of confirmation and
// returns the sequence number identifying it.
func (t *Telemetry) applyOptimistic(unit models.PumpUnit, st models.PumpState) uint64 {
	t.mu.Lock()
	t.seq++
	seq := t.seq
	t.clearPending(unit)
	p := &pendingChange{seq: seq}
	if t.confirmTimeout > 0 {
		p.timer = time.AfterFunc(t.confirmTimeout, func() {
			if t.revert(unit, seq) {
				t.log.WithFields(logrus.Fields{"pump": unit, "seq": seq}).Warn("pump change not confirmed, reverted")
			}
		})
	}
	t.pending[unit] = p
	t.pumps.Set(unit, st)
	t.appendUnitSpeed(unit, st.EffectiveRPM())
	t.mu.Unlock()

	t.publish(true, true)
	return seq
}

// revert restores the last confirmed state of unit if seq is still the
// outstanding change.
func (t *Telemetry) revert(unit models.PumpUnit, seq uint64) bool {
	t.mu.Lock()
	p := t.pending[unit]
	if p == nil || p.seq != seq {
		t.mu.Unlock()
		return false
	}
	t.clearPending(unit)
	st := t.confirmed.Get(unit)
	t.pumps.Set(unit, st)
	t.appendUnitSpeed(unit, st.EffectiveRPM())
	t.mu.Unlock()

	t.publish(true, true)
	return true
}

// clearPending must be called with t.mu held.
func (t *Telemetry) clearPending(unit models.PumpUnit) {
	if p := t.pending[unit]; p != nil {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(t.pending, unit)
	}
}

// appendUnitSpeed adds a speed point where only unit changed; the other unit
// repeats its last value. Must be called with t.mu held.
func (t *Telemetry) appendUnitSpeed(unit models.PumpUnit, rpm int) {
	last, _ := t.pumpSpeed.Latest()
	anode, cathode := last.Anode, last.Cathode
	if unit == models.PumpCathode {
		cathode = float64(rpm)
	} else {
		anode = float64(rpm)
	}
	t.appendSpeed(anode, cathode, "")
}

// appendSpeed must be called with t.mu held.
func (t *Telemetry) appendSpeed(anode, cathode float64, display string) {
	display, ts := t.stamp(display)
	t.pumpSpeed.Append(models.PairReading{Anode: anode, Cathode: cathode, Time: display, Timestamp: ts})
}

func (t *Telemetry) publish(readings, pumps bool) {
	t.mu.Lock()
	var snap models.Snapshot
	if readings && len(t.readingSubs) > 0 {
		snap = t.snapshotLocked()
	}
	status := t.pumps
	readingSubs := append([]func(models.Snapshot){}, t.readingSubs...)
	pumpSubs := append([]func(models.PumpStatus){}, t.pumpSubs...)
	t.mu.Unlock()

	if readings {
		for _, fn := range readingSubs {
			fn(snap)
		}
	}
	if pumps {
		for _, fn := range pumpSubs {
			fn(status)
		}
	}
}

// CurrentSnapshot combines the newest reading of every channel. Channels
// without data are nil.
func (t *Telemetry) CurrentSnapshot() models.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Telemetry) snapshotLocked() models.Snapshot {
	var s models.Snapshot
	newest := func(display string, ts int64) {
		if ts >= s.Timestamp {
			s.Time, s.Timestamp = display, ts
		}
	}
	pair := func(r *buffer.Ring[models.PairReading], anode, cathode **float64) {
		if v, ok := r.Latest(); ok {
			*anode, *cathode = models.Float(v.Anode), models.Float(v.Cathode)
			newest(v.Time, v.Timestamp)
		}
	}
	scalar := func(r *buffer.Ring[models.ScalarReading], dst **float64) {
		if v, ok := r.Latest(); ok {
			*dst = models.Float(v.Value)
			newest(v.Time, v.Timestamp)
		}
	}

	pair(t.ph, &s.PHAnode, &s.PHCathode)
	pair(t.temperature, &s.TemperatureAnode, &s.TemperatureCathode)
	pair(t.ionic, &s.IonicAnode, &s.IonicCathode)
	pair(t.pumpSpeed, &s.PumpSpeedAnode, &s.PumpSpeedCathode)
	scalar(t.humidity, &s.Humidity)
	scalar(t.hydrogen, &s.Hydrogen)
	scalar(t.voltage, &s.Voltage)
	return s
}

// Pumps returns the current, possibly optimistic, pump state.
func (t *Telemetry) Pumps() models.PumpStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pumps
}

// ConfirmedPumps returns the last state the backend confirmed.
func (t *Telemetry) ConfirmedPumps() models.PumpStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.confirmed
}

// PairSeries returns a copy of a paired stream, oldest first.
func (t *Telemetry) PairSeries(s models.Stream) ([]models.PairReading, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch s {
	case models.StreamPH:
		return t.ph.Snapshot(), true
	case models.StreamTemperature:
		return t.temperature.Snapshot(), true
	case models.StreamIonic:
		return t.ionic.Snapshot(), true
	case models.StreamPumpSpeed:
		return t.pumpSpeed.Snapshot(), true
	}
	return nil, false
}

// ScalarSeries returns a copy of a single-valued stream, oldest first.
func (t *Telemetry) ScalarSeries(s models.Stream) ([]models.ScalarReading, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch s {
	case models.StreamHumidity:
		return t.humidity.Snapshot(), true
	case models.StreamHydrogen:
		return t.hydrogen.Snapshot(), true
	case models.StreamVoltage:
		return t.voltage.Snapshot(), true
	}
	return nil, false
}

// Seed replaces the buffers with the newest points of a history response.
// Paired channels take a point only when both sides are present.
func (t *Telemetry) Seed(points []models.SensorDataPoint) {
	var ph, temp, ionic, speed []models.PairReading
	var hum, h2, volt []models.ScalarReading

	pair := func(dst *[]models.PairReading, a, c *float64, p models.SensorDataPoint) {
		if a != nil && c != nil {
			*dst = append(*dst, models.PairReading{Anode: *a, Cathode: *c, Time: p.Time, Timestamp: p.Timestamp})
		}
	}
	scalar := func(dst *[]models.ScalarReading, v *float64, p models.SensorDataPoint) {
		if v != nil {
			*dst = append(*dst, models.ScalarReading{Value: *v, Time: p.Time, Timestamp: p.Timestamp})
		}
	}

	for _, p := range points {
		pair(&ph, p.PHAnode, p.PHCathode, p)
		pair(&temp, p.TemperatureAnode, p.TemperatureCathode, p)
		pair(&ionic, p.IonicAnode, p.IonicCathode, p)
		pair(&speed, p.PumpSpeedAnode, p.PumpSpeedCathode, p)
		scalar(&hum, p.Humidity, p)
		scalar(&h2, p.Hydrogen, p)
		scalar(&volt, p.Voltage, p)
	}

	t.mu.Lock()
	t.ph.Reset(ph)
	t.temperature.Reset(temp)
	t.ionic.Reset(ionic)
	t.pumpSpeed.Reset(speed)
	t.humidity.Reset(hum)
	t.hydrogen.Reset(h2)
	t.voltage.Reset(volt)
	t.mu.Unlock()

	t.publish(true, false)
}

// Capacity is the length limit shared by every buffer.
func (t *Telemetry) Capacity() int {
	return t.ph.Cap()
}
