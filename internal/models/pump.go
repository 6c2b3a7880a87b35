package models

// PumpUnit identifies one physical pump.
type PumpUnit string

const (
	PumpAnode   PumpUnit = "anode"
	PumpCathode PumpUnit = "cathode"
)

// Valid reports whether u is a known pump unit.
func (u PumpUnit) Valid() bool {
	return u == PumpAnode || u == PumpCathode
}

// Direction is the pump rotation direction.
type Direction string

const (
	Clockwise        Direction = "clockwise"
	Counterclockwise Direction = "counterclockwise"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Clockwise || d == Counterclockwise
}

// DefaultRPM is the set-point used when a caller turns a pump on without one.
const DefaultRPM = 400

// PumpState is the state of a single pump unit.
type PumpState struct {
	IsOn      bool      `json:"isOn"`
	Direction Direction `json:"direction"`
	RPM       int       `json:"rpm"`
}

// EffectiveRPM is the speed the pump actually runs at. A stopped pump keeps its
// set-point in RPM but runs at zero.
func (p PumpState) EffectiveRPM() int {
	if !p.IsOn {
		return 0
	}
	return p.RPM
}

// StoppedPump is the state forced by an emergency stop.
func StoppedPump() PumpState {
	return PumpState{IsOn: false, Direction: Clockwise, RPM: 0}
}

// PumpStatus holds both pump units.
type PumpStatus struct {
	Anode   PumpState `json:"anode"`
	Cathode PumpState `json:"cathode"`
}

// Get returns the state of unit.
func (s PumpStatus) Get(unit PumpUnit) PumpState {
	if unit == PumpCathode {
		return s.Cathode
	}
	return s.Anode
}

// Set replaces the state of unit.
func (s *PumpStatus) Set(unit PumpUnit, st PumpState) {
	if unit == PumpCathode {
		s.Cathode = st
		return
	}
	s.Anode = st
}
