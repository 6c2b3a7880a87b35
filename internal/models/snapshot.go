package models

// Snapshot is the latest known value of every channel. A nil field means no
// value has been observed yet; zero is a real reading.
type Snapshot struct {
	PHAnode            *float64 `json:"ph_Anode"`
	PHCathode          *float64 `json:"ph_Cathode"`
	TemperatureAnode   *float64 `json:"temperature_Anode"`
	TemperatureCathode *float64 `json:"temperature_Cathode"`
	IonicAnode         *float64 `json:"Ionic_Anode"`
	IonicCathode       *float64 `json:"Ionic_Cathode"`
	Humidity           *float64 `json:"Humidity"`
	Hydrogen           *float64 `json:"hydrogen"`
	Voltage            *float64 `json:"Voltage"`
	PumpSpeedAnode     *float64 `json:"PumpSpeed_Anode"`
	PumpSpeedCathode   *float64 `json:"PumpSpeed_Cathode"`
	Time               string   `json:"time,omitempty"`
	Timestamp          int64    `json:"timestamp,omitempty"`
}

// Values flattens the present fields into channel id -> value.
func (s Snapshot) Values() map[string]float64 {
	out := make(map[string]float64, len(KnownChannels))
	put := func(id string, v *float64) {
		if v != nil {
			out[id] = *v
		}
	}
	put(ChannelPHAnode, s.PHAnode)
	put(ChannelPHCathode, s.PHCathode)
	put(ChannelTemperatureAnode, s.TemperatureAnode)
	put(ChannelTemperatureCathode, s.TemperatureCathode)
	put(ChannelIonicAnode, s.IonicAnode)
	put(ChannelIonicCathode, s.IonicCathode)
	put(ChannelHumidity, s.Humidity)
	put(ChannelHydrogen, s.Hydrogen)
	put(ChannelVoltage, s.Voltage)
	put(ChannelPumpSpeedAnode, s.PumpSpeedAnode)
	put(ChannelPumpSpeedCathode, s.PumpSpeedCathode)
	return out
}

// Empty reports whether no channel has produced a value.
func (s Snapshot) Empty() bool {
	return len(s.Values()) == 0
}

// DataPoint converts the snapshot into a history row.
func (s Snapshot) DataPoint() SensorDataPoint {
	return SensorDataPoint{
		PHAnode:            s.PHAnode,
		PHCathode:          s.PHCathode,
		TemperatureAnode:   s.TemperatureAnode,
		TemperatureCathode: s.TemperatureCathode,
		IonicAnode:         s.IonicAnode,
		IonicCathode:       s.IonicCathode,
		Humidity:           s.Humidity,
		Hydrogen:           s.Hydrogen,
		Voltage:            s.Voltage,
		PumpSpeedAnode:     s.PumpSpeedAnode,
		PumpSpeedCathode:   s.PumpSpeedCathode,
		Time:               s.Time,
		Timestamp:          s.Timestamp,
	}
}
