// Package models contains domain types for the electrolysis telemetry dashboard.
package models

// Channel identifiers as used by alert rules and the flattened snapshot.
const (
	ChannelPHAnode            = "ph_Anode"
	ChannelPHCathode          = "ph_Cathode"
	ChannelTemperatureAnode   = "temperature_Anode"
	ChannelTemperatureCathode = "temperature_Cathode"
	ChannelIonicAnode         = "ionic_Anode"
	ChannelIonicCathode       = "ionic_Cathode"
	ChannelHumidity           = "humidity"
	ChannelHydrogen           = "hydrogen"
	ChannelVoltage            = "voltage"
	ChannelPumpSpeedAnode     = "pumpSpeed_Anode"
	ChannelPumpSpeedCathode   = "pumpSpeed_Cathode"
)

// KnownChannels lists every channel an alert rule may reference.
var KnownChannels = []string{
	ChannelPHAnode, ChannelPHCathode,
	ChannelTemperatureAnode, ChannelTemperatureCathode,
	ChannelIonicAnode, ChannelIonicCathode,
	ChannelHumidity, ChannelHydrogen, ChannelVoltage,
	ChannelPumpSpeedAnode, ChannelPumpSpeedCathode,
}

// IsKnownChannel reports whether id names a channel.
func IsKnownChannel(id string) bool {
	for _, c := range KnownChannels {
		if c == id {
			return true
		}
	}
	return false
}

// Stream names one bounded buffer kept by the ingestion layer.
type Stream string

const (
	StreamPH          Stream = "ph"
	StreamTemperature Stream = "temperature"
	StreamIonic       Stream = "ionic"
	StreamHumidity    Stream = "humidity"
	StreamHydrogen    Stream = "hydrogen"
	StreamVoltage     Stream = "voltage"
	StreamPumpSpeed   Stream = "pumpSpeed"
)

// Streams is the fixed set of buffered streams.
var Streams = []Stream{
	StreamPH, StreamTemperature, StreamIonic,
	StreamHumidity, StreamHydrogen, StreamVoltage, StreamPumpSpeed,
}

// IsPaired reports whether the stream carries anode/cathode pairs.
func (s Stream) IsPaired() bool {
	switch s {
	case StreamPH, StreamTemperature, StreamIonic, StreamPumpSpeed:
		return true
	}
	return false
}

// Valid reports whether s is one of Streams.
func (s Stream) Valid() bool {
	for _, v := range Streams {
		if v == s {
			return true
		}
	}
	return false
}

// PairReading is a single anode/cathode sample.
type PairReading struct {
	Anode     float64 `json:"anode" msgpack:"anode"`
	Cathode   float64 `json:"cathode" msgpack:"cathode"`
	Time      string  `json:"time" msgpack:"time"`
	Timestamp int64   `json:"timestamp" msgpack:"timestamp"` // Unix ms
}

// ScalarReading is a single-valued sample.
type ScalarReading struct {
	Value     float64 `json:"value" msgpack:"value"`
	Time      string  `json:"time" msgpack:"time"`
	Timestamp int64   `json:"timestamp" msgpack:"timestamp"` // Unix ms
}
