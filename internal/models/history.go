package models

// SensorDataPoint is one row of backend history. Nil fields were not recorded
// for that interval.
type SensorDataPoint struct {
	PHAnode            *float64 `json:"ph_Anode" msgpack:"ph_Anode"`
	PHCathode          *float64 `json:"ph_Cathode" msgpack:"ph_Cathode"`
	TemperatureAnode   *float64 `json:"temperature_Anode" msgpack:"temperature_Anode"`
	TemperatureCathode *float64 `json:"temperature_Cathode" msgpack:"temperature_Cathode"`
	IonicAnode         *float64 `json:"Ionic_Anode" msgpack:"Ionic_Anode"`
	IonicCathode       *float64 `json:"Ionic_Cathode" msgpack:"Ionic_Cathode"`
	Humidity           *float64 `json:"Humidity" msgpack:"Humidity"`
	Hydrogen           *float64 `json:"hydrogen" msgpack:"hydrogen"`
	Voltage            *float64 `json:"Voltage" msgpack:"Voltage"`
	PumpSpeedAnode     *float64 `json:"PumpSpeed_Anode" msgpack:"PumpSpeed_Anode"`
	PumpSpeedCathode   *float64 `json:"PumpSpeed_Cathode" msgpack:"PumpSpeed_Cathode"`
	Time               string   `json:"time" msgpack:"time"`
	Timestamp          int64    `json:"timestamp" msgpack:"timestamp"`
}

// Float returns a pointer to a copy of v.
func Float(v float64) *float64 {
	return &v
}
