package models

// Condition is the comparison applied by an alert rule.
type Condition string

const (
	ConditionAbove Condition = "above"
	ConditionBelow Condition = "below"
)

// Valid reports whether c is a known condition.
func (c Condition) Valid() bool {
	return c == ConditionAbove || c == ConditionBelow
}

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

// AlertRule is a user-defined threshold on one channel.
type AlertRule struct {
	ID        string    `json:"id" yaml:"id"`
	Sensor    string    `json:"sensor" yaml:"sensor" validate:"required,channel"`
	Condition Condition `json:"condition" yaml:"condition" validate:"required,oneof=above below"`
	Threshold float64   `json:"threshold" yaml:"threshold"`
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	Severity  Severity  `json:"severity" yaml:"severity" validate:"required,oneof=info warning critical"`
}

// Triggered reports whether value crosses the rule's threshold.
func (r AlertRule) Triggered(value float64) bool {
	switch r.Condition {
	case ConditionAbove:
		return value > r.Threshold
	case ConditionBelow:
		return value < r.Threshold
	}
	return false
}

// AlertEvent is a recorded rule breach. Value and Threshold keep the
// preformatted strings of the persisted history format.
type AlertEvent struct {
	ID        string   `json:"id"`
	Sensor    string   `json:"sensor"`
	Value     string   `json:"value"`
	Threshold string   `json:"threshold"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
	Timestamp string   `json:"timestamp"` // RFC 3339, UTC
	Read      bool     `json:"read"`
}
