package obd

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidFormat is matched by every decode failure.
var ErrInvalidFormat = errors.New("invalid response format")

// FormatError reports a response that does not carry the expected
// "41 <PID>" header and payload.
type FormatError struct {
	Parameter ParameterID
	Raw       string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("obd: %s: invalid response format: %q", e.Parameter, e.Raw)
}

func (e *FormatError) Is(target error) bool { return target == ErrInvalidFormat }

// Reading is one decoded sample of a parameter.
type Reading struct {
	Parameter ParameterID `json:"parameter"`
	Value     float64     `json:"value"`
	Unit      string      `json:"unit"`
	Raw       string      `json:"raw"`
	Time      time.Time   `json:"time"`
}

// Decode converts a raw adapter response into a Reading for id.
func Decode(id ParameterID, raw string) (Reading, error) {
	p, ok := Lookup(id)
	if !ok {
		return Reading{}, fmt.Errorf("obd: %s is not a pollable parameter", id)
	}
	payload, ok := matchResponse(raw, p.PID, p.Bytes)
	if !ok && id == FuelPressure {
		payload, ok = scanAfterPID(raw, p.PID, p.Bytes)
	}
	if !ok {
		return Reading{}, &FormatError{Parameter: id, Raw: raw}
	}
	return Reading{
		Parameter: id,
		Value:     p.decode(payload),
		Unit:      p.Unit,
		Raw:       raw,
		Time:      time.Now(),
	}, nil
}

// DecodeRPM returns engine speed in revolutions per minute.
func DecodeRPM(raw string) (int, error) {
	r, err := Decode(RPM, raw)
	return int(r.Value), err
}

// DecodeSpeed returns vehicle speed in km/h.
func DecodeSpeed(raw string) (int, error) {
	r, err := Decode(Speed, raw)
	return int(r.Value), err
}

// DecodeCoolantTemp returns coolant temperature in °C.
func DecodeCoolantTemp(raw string) (int, error) {
	r, err := Decode(CoolantTemp, raw)
	return int(r.Value), err
}

// DecodeBatteryVoltage returns the control module voltage in volts.
func DecodeBatteryVoltage(raw string) (float64, error) {
	r, err := Decode(BatteryVoltage, raw)
	return r.Value, err
}

// matchResponse finds the first "41 <pid>" header in raw and reads n payload
// bytes after it. Matching is case-insensitive and every boundary between
// hex pairs may carry a single optional space.
func matchResponse(raw string, pid byte, n int) ([]byte, bool) {
	s := strings.ToUpper(raw)
	want := fmt.Sprintf("%02X", pid)
	for i := 0; i+2 <= len(s); i++ {
		if s[i:i+2] != "41" {
			continue
		}
		j := skipSpace(s, i+2)
		if j+2 > len(s) || s[j:j+2] != want {
			continue
		}
		if payload, ok := readPairs(s, j+2, n); ok {
			return payload, true
		}
	}
	return nil, false
}

// readPairs reads n hex pairs starting at pos, each optionally preceded by
// one space.
func readPairs(s string, pos, n int) ([]byte, bool) {
	out := make([]byte, 0, n)
	for k := 0; k < n; k++ {
		pos = skipSpace(s, pos)
		b, ok := hexPair(s, pos)
		if !ok {
			return nil, false
		}
		out = append(out, b)
		pos += 2
	}
	return out, true
}

// scanAfterPID is the best-effort fallback: split the response into hex
// pairs and take the n pairs that follow the first occurrence of pid.
func scanAfterPID(raw string, pid byte, n int) ([]byte, bool) {
	pairs := hexPairs(raw)
	for i, b := range pairs {
		if b == pid && i+n < len(pairs) {
			return pairs[i+1 : i+1+n], true
		}
	}
	return nil, false
}

// hexPairs tokenizes raw into bytes. Whitespace separates tokens, each token
// is read as consecutive hex pairs; tokens with non-hex characters or an odd
// length are ignored.
func hexPairs(raw string) []byte {
	var out []byte
	for _, tok := range strings.Fields(strings.ToUpper(raw)) {
		if len(tok)%2 != 0 {
			continue
		}
		var bs []byte
		for i := 0; i < len(tok); i += 2 {
			b, ok := hexPair(tok, i)
			if !ok {
				bs = nil
				break
			}
			bs = append(bs, b)
		}
		out = append(out, bs...)
	}
	return out
}

func skipSpace(s string, i int) int {
	if i < len(s) && s[i] == ' ' {
		return i + 1
	}
	return i
}

func hexPair(s string, i int) (byte, bool) {
	if i+2 > len(s) {
		return 0, false
	}
	hi, ok1 := hexDigit(s[i])
	lo, ok2 := hexDigit(s[i+1])
	if !ok1 || !ok2 {
		return 0, false
	}
	return hi<<4 | lo, true
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}
