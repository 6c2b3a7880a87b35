// Package protocol defines the messages exchanged with the telemetry backend.
// Every frame is a Message envelope; the payload is one variant of a closed
// set of inbound events or outbound commands.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/h2-dashboard/backend/internal/models"
)

// Inbound event names.
const (
	EventSensorUpdate      = "sensorUpdate"
	EventPumpStatusUpdate  = "pumpStatusUpdate"
	EventPumpStatusSync    = "pumpStatusSync"
	EventPumpSpeedRealtime = "pumpSpeedRealtime"
	EventPumpControlAck    = "pumpControlAck"
	EventPumpControlError  = "pumpControlError"
	EventEmergencyStop     = "emergencyStop"
)

// Outbound command names.
const (
	CommandPumpControl       = "pumpControl"
	CommandRequestPumpStatus = "requestPumpStatus"
)

// InboundEvents lists every event name Decode understands.
var InboundEvents = []string{
	EventSensorUpdate,
	EventPumpStatusUpdate,
	EventPumpStatusSync,
	EventPumpSpeedRealtime,
	EventPumpControlAck,
	EventPumpControlError,
	EventEmergencyStop,
}

var (
	ErrUnknownEvent     = errors.New("unknown event type")
	ErrMalformedPayload = errors.New("malformed event payload")
)

// Message is the frame envelope.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Event is an inbound backend message.
type Event interface {
	EventName() string
	isEvent()
}

// Command is an outbound message.
type Command interface {
	CommandName() string
	isCommand()
}

// Pair is an anode/cathode value pair.
type Pair struct {
	Anode   float64 `json:"anode"`
	Cathode float64 `json:"cathode"`
}

// SensorUpdate carries one sample of every sensor channel.
type SensorUpdate struct {
	PH          Pair    `json:"ph"`
	Temperature Pair    `json:"temperature"`
	Ionic       Pair    `json:"ionic"`
	Humidity    float64 `json:"humidity"`
	Hydrogen    float64 `json:"hydrogen"`
	Voltage     float64 `json:"voltage"`
	Time        string  `json:"time"`
}

// PumpStatusUpdate is the authoritative state of one unit. Seq echoes the
// pumpControl sequence it answers, zero when the backend does not track it.
type PumpStatusUpdate struct {
	Pump   models.PumpUnit  `json:"pump"`
	Status models.PumpState `json:"status"`
	Seq    uint64           `json:"seq,omitempty"`
}

// PumpStatusSync is the authoritative state of both units.
type PumpStatusSync struct {
	models.PumpStatus
}

// PumpSpeedRealtime is a measured speed sample for both pumps.
type PumpSpeedRealtime struct {
	Anode     float64 `json:"PumpSpeed_Anode"`
	Cathode   float64 `json:"PumpSpeed_Cathode"`
	Time      string  `json:"time"`
	Timestamp int64   `json:"timestamp"`
}

// PumpControlAck acknowledges a pumpControl command.
type PumpControlAck struct {
	Status string          `json:"status"`
	Pump   string          `json:"pump"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// PumpControlError reports a rejected pumpControl command.
type PumpControlError struct {
	Error string `json:"error"`
}

// EmergencyStop forces both pumps off.
type EmergencyStop struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (SensorUpdate) EventName() string      { return EventSensorUpdate }
func (PumpStatusUpdate) EventName() string  { return EventPumpStatusUpdate }
func (PumpStatusSync) EventName() string    { return EventPumpStatusSync }
func (PumpSpeedRealtime) EventName() string { return EventPumpSpeedRealtime }
func (PumpControlAck) EventName() string    { return EventPumpControlAck }
func (PumpControlError) EventName() string  { return EventPumpControlError }
func (EmergencyStop) EventName() string     { return EventEmergencyStop }

func (SensorUpdate) isEvent()      {}
func (PumpStatusUpdate) isEvent()  {}
func (PumpStatusSync) isEvent()    {}
func (PumpSpeedRealtime) isEvent() {}
func (PumpControlAck) isEvent()    {}
func (PumpControlError) isEvent()  {}
func (EmergencyStop) isEvent()     {}

// PumpControl asks the backend to change one pump.
type PumpControl struct {
	Pump      models.PumpUnit  `json:"pump"`
	IsOn      bool             `json:"isOn"`
	Direction models.Direction `json:"direction"`
	RPM       int              `json:"rpm"`
	Seq       uint64           `json:"seq,omitempty"`
}

// RequestPumpStatus asks the backend for a pumpStatusSync.
type RequestPumpStatus struct{}

func (PumpControl) CommandName() string       { return CommandPumpControl }
func (RequestPumpStatus) CommandName() string { return CommandRequestPumpStatus }

func (PumpControl) isCommand()       {}
func (RequestPumpStatus) isCommand() {}

// Decode parses a frame into its event variant.
func Decode(data []byte) (Event, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformedPayload, err)
	}
	return DecodeMessage(msg)
}

// DecodeMessage parses an already unwrapped envelope. Variants that carry
// readings or pump state must have a payload with every value present;
// emergencyStop and pumpControlAck may arrive bare.
func DecodeMessage(msg Message) (Event, error) {
	var ev Event
	var err error
	switch msg.Type {
	case EventSensorUpdate:
		ev, err = decodeStrict[SensorUpdate](msg.Payload, checkSensorUpdate)
	case EventPumpStatusUpdate:
		ev, err = decodeStrict[PumpStatusUpdate](msg.Payload, checkPumpStatusUpdate)
	case EventPumpStatusSync:
		ev, err = decodeStrict[PumpStatusSync](msg.Payload, checkPumpStatusSync)
	case EventPumpSpeedRealtime:
		ev, err = decodeStrict[PumpSpeedRealtime](msg.Payload, func(f fields) error {
			return f.require("PumpSpeed_Anode", "PumpSpeed_Cathode")
		})
	case EventPumpControlAck:
		ev, err = decodeOptional[PumpControlAck](msg.Payload)
	case EventPumpControlError:
		ev, err = decodeStrict[PumpControlError](msg.Payload, func(f fields) error {
			return f.require("error")
		})
	case EventEmergencyStop:
		ev, err = decodeOptional[EmergencyStop](msg.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", msg.Type, err)
	}
	return ev, nil
}

// fields is a payload object split into its raw members.
type fields map[string]json.RawMessage

func splitFields(raw json.RawMessage) (fields, error) {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil || f == nil {
		return nil, fmt.Errorf("%w: expected an object", ErrMalformedPayload)
	}
	return f, nil
}

// require fails unless every key is present and not null.
func (f fields) require(keys ...string) error {
	for _, k := range keys {
		v, ok := f[k]
		if !ok || string(v) == "null" {
			return fmt.Errorf("%w: missing %q", ErrMalformedPayload, k)
		}
	}
	return nil
}

// object returns the nested object under key, itself checked for keys.
func (f fields) object(key string, keys ...string) (fields, error) {
	if err := f.require(key); err != nil {
		return nil, err
	}
	nested, err := splitFields(f[key])
	if err != nil {
		return nil, fmt.Errorf("%q: %w", key, err)
	}
	if err := nested.require(keys...); err != nil {
		return nil, fmt.Errorf("%q: %w", key, err)
	}
	return nested, nil
}

func checkSensorUpdate(f fields) error {
	for _, pair := range []string{"ph", "temperature", "ionic"} {
		if _, err := f.object(pair, "anode", "cathode"); err != nil {
			return err
		}
	}
	return f.require("humidity", "hydrogen", "voltage")
}

func checkPumpState(f fields, key string) error {
	_, err := f.object(key, "isOn", "direction", "rpm")
	return err
}

func checkPumpStatusUpdate(f fields) error {
	if err := f.require("pump"); err != nil {
		return err
	}
	return checkPumpState(f, "status")
}

func checkPumpStatusSync(f fields) error {
	if err := checkPumpState(f, "anode"); err != nil {
		return err
	}
	return checkPumpState(f, "cathode")
}

// validator is implemented by variants with value constraints beyond
// field presence.
type validator interface {
	validate() error
}

func (u PumpStatusUpdate) validate() error {
	if !u.Pump.Valid() {
		return fmt.Errorf("%w: unknown pump %q", ErrMalformedPayload, u.Pump)
	}
	if !u.Status.Direction.Valid() {
		return fmt.Errorf("%w: unknown direction %q", ErrMalformedPayload, u.Status.Direction)
	}
	return nil
}

func (s PumpStatusSync) validate() error {
	for unit, st := range map[models.PumpUnit]models.PumpState{models.PumpAnode: s.Anode, models.PumpCathode: s.Cathode} {
		if !st.Direction.Valid() {
			return fmt.Errorf("%w: %s: unknown direction %q", ErrMalformedPayload, unit, st.Direction)
		}
	}
	return nil
}

func decodeStrict[T any](payload json.RawMessage, check func(fields) error) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	f, err := splitFields(payload)
	if err != nil {
		return v, err
	}
	if err := check(f); err != nil {
		return v, err
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if val, ok := any(v).(validator); ok {
		if err := val.validate(); err != nil {
			return v, err
		}
	}
	return v, nil
}

func decodeOptional[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 || string(payload) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return v, nil
}

// Encode wraps cmd in an envelope stamped with now.
func Encode(cmd Command, now time.Time) ([]byte, error) {
	return encode(cmd.CommandName(), cmd, now)
}

// EncodeEvent wraps ev in an envelope. Used by test peers and the push hub.
func EncodeEvent(ev Event, now time.Time) ([]byte, error) {
	return encode(ev.EventName(), ev, now)
}

func encode(name string, v interface{}, now time.Time) ([]byte, error) {
	msg := Message{Type: name, Timestamp: now.UnixMilli()}
	if _, empty := v.(RequestPumpStatus); !empty {
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", name, err)
		}
		msg.Payload = payload
	}
	return json.Marshal(msg)
}
