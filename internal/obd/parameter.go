package obd

import (
	"fmt"
	"strings"
	"time"
)

// ParameterID identifies a monitored vehicle parameter, or one of the
// pseudo-parameters used to tag non-PID traffic in the data log.
type ParameterID int

const (
	Unknown ParameterID = iota
	RPM
	Speed
	EngineLoad
	CoolantTemp
	FuelLevel
	IntakeAirTemp
	ThrottlePosition
	FuelPressure
	BaroPressure
	BatteryVoltage
	MAF
	AmbientAirTemp
	Connection
	Initialization
)

var parameterNames = map[ParameterID]string{
	Unknown:          "UNKNOWN",
	RPM:              "RPM",
	Speed:            "SPEED",
	EngineLoad:       "ENGINE_LOAD",
	CoolantTemp:      "COOLANT_TEMP",
	FuelLevel:        "FUEL_LEVEL",
	IntakeAirTemp:    "INTAKE_AIR_TEMP",
	ThrottlePosition: "THROTTLE_POSITION",
	FuelPressure:     "FUEL_PRESSURE",
	BaroPressure:     "BARO_PRESSURE",
	BatteryVoltage:   "BATTERY_VOLTAGE",
	MAF:              "MAF",
	AmbientAirTemp:   "AMBIENT_AIR_TEMP",
	Connection:       "CONNECTION",
	Initialization:   "INITIALIZATION",
}

func (id ParameterID) String() string {
	if s, ok := parameterNames[id]; ok {
		return s
	}
	return "UNKNOWN"
}

// MarshalText lets ParameterID be used as a JSON value and map key.
func (id ParameterID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ParameterID) UnmarshalText(b []byte) error {
	v, err := ParseParameterID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// ParseParameterID accepts the canonical upper-case name, case-insensitively,
// with '-' allowed in place of '_'.
func ParseParameterID(s string) (ParameterID, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for id, name := range parameterNames {
		if name == norm {
			return id, nil
		}
	}
	return Unknown, fmt.Errorf("obd: unknown parameter %q", s)
}

// Parameter describes one pollable Mode-01 PID.
type Parameter struct {
	ID       ParameterID
	PID      byte
	Name     string
	Unit     string
	Interval time.Duration // default polling cadence
	Bytes    int           // payload bytes after the 41 <PID> header

	decode func(payload []byte) float64
}

// Request is the fixed request string sent to the adapter, e.g. "01 0C".
func (p Parameter) Request() string {
	return fmt.Sprintf("01 %02X", p.PID)
}

var parameters = []Parameter{
	{ID: RPM, PID: 0x0C, Name: "Engine RPM", Unit: "rpm", Interval: 500 * time.Millisecond, Bytes: 2,
		decode: func(b []byte) float64 { return float64((int(b[0])*256 + int(b[1])) / 4) }},
	{ID: Speed, PID: 0x0D, Name: "Vehicle speed", Unit: "km/h", Interval: 500 * time.Millisecond, Bytes: 1,
		decode: func(b []byte) float64 { return float64(b[0]) }},
	{ID: ThrottlePosition, PID: 0x11, Name: "Throttle position", Unit: "%", Interval: 500 * time.Millisecond, Bytes: 1,
		decode: percent},
	{ID: EngineLoad, PID: 0x04, Name: "Calculated engine load", Unit: "%", Interval: 1000 * time.Millisecond, Bytes: 1,
		decode: percent},
	{ID: MAF, PID: 0x10, Name: "MAF air flow rate", Unit: "g/s", Interval: 1000 * time.Millisecond, Bytes: 2,
		decode: func(b []byte) float64 { return float64(int(b[0])*256+int(b[1])) / 100 }},
	{ID: CoolantTemp, PID: 0x05, Name: "Engine coolant temperature", Unit: "°C", Interval: 2000 * time.Millisecond, Bytes: 1,
		decode: temperature},
	{ID: IntakeAirTemp, PID: 0x0F, Name: "Intake air temperature", Unit: "°C", Interval: 2000 * time.Millisecond, Bytes: 1,
		decode: temperature},
	{ID: FuelPressure, PID: 0x0A, Name: "Fuel pressure", Unit: "kPa", Interval: 2000 * time.Millisecond, Bytes: 1,
		decode: func(b []byte) float64 { return float64(int(b[0]) * 3) }},
	{ID: BatteryVoltage, PID: 0x42, Name: "Control module voltage", Unit: "V", Interval: 3000 * time.Millisecond, Bytes: 1,
		decode: func(b []byte) float64 { return float64(b[0]) / 10 }},
	{ID: FuelLevel, PID: 0x2F, Name: "Fuel tank level", Unit: "%", Interval: 5000 * time.Millisecond, Bytes: 1,
		decode: percent},
	{ID: BaroPressure, PID: 0x33, Name: "Barometric pressure", Unit: "kPa", Interval: 5000 * time.Millisecond, Bytes: 1,
		decode: func(b []byte) float64 { return float64(b[0]) }},
	{ID: AmbientAirTemp, PID: 0x46, Name: "Ambient air temperature", Unit: "°C", Interval: 5000 * time.Millisecond, Bytes: 1,
		decode: temperature},
}

var byID = func() map[ParameterID]Parameter {
	m := make(map[ParameterID]Parameter, len(parameters))
	for _, p := range parameters {
		m[p.ID] = p
	}
	return m
}()

// Lookup returns the table entry for a pollable parameter.
func Lookup(id ParameterID) (Parameter, bool) {
	p, ok := byID[id]
	return p, ok
}

// Parameters returns all pollable parameters in table order.
func Parameters() []Parameter {
	out := make([]Parameter, len(parameters))
	copy(out, parameters)
	return out
}

func percent(b []byte) float64     { return float64(b[0]) * 100 / 255 }
func temperature(b []byte) float64 { return float64(int(b[0]) - 40) }
