package kafkahealth

import "fmt"

// Severity is the ordered health level of a run: OK < WARN < ERROR.
// The zero value is SeverityOK.
type Severity int

const (
	// SeverityOK means no finding degraded the cluster.
	SeverityOK Severity = iota
	// SeverityWarn means the cluster is degraded but still serving.
	SeverityWarn
	// SeverityError means the cluster cannot be trusted to serve traffic.
	SeverityError
)

// AllSeverities lists the severities in ascending order.
var AllSeverities = []Severity{SeverityOK, SeverityWarn, SeverityError}

// String returns OK, WARN or ERROR.
func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "OK"
	case SeverityWarn:
		return "WARN"
	case SeverityError:
		return "ERROR"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Status returns the traffic-light name of the severity (green, amber, red).
// This is the value carried by the verdict HealthEvent.
func (s Severity) Status() string {
	switch s {
	case SeverityOK:
		return "green"
	case SeverityWarn:
		return "amber"
	default:
		return "red"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "OK", "green":
		*s = SeverityOK
	case "WARN", "amber":
		*s = SeverityWarn
	case "ERROR", "red":
		*s = SeverityError
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// Escalate returns the higher of s and other. Severity never decreases
// through Escalate.
func (s Severity) Escalate(other Severity) Severity {
	if other > s {
		return other
	}
	return s
}
