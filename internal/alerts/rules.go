package alerts

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/h2-dashboard/backend/internal/models"
	"gopkg.in/yaml.v3"
)

// ErrInvalidRule wraps every rule validation failure.
var ErrInvalidRule = errors.New("invalid alert rule")

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
		return models.IsKnownChannel(fl.Field().String())
	})
}

// ValidateRule checks a rule's sensor, condition and severity.
func ValidateRule(rule models.AlertRule) error {
	if err := validate.Struct(rule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

// DefaultRules are seeded when no rules have been stored yet.
func DefaultRules() []models.AlertRule {
	return []models.AlertRule{
		{ID: "1", Sensor: models.ChannelPHAnode, Condition: models.ConditionAbove, Threshold: 8.5, Enabled: true, Severity: models.SeverityWarning},
		{ID: "2", Sensor: models.ChannelTemperatureAnode, Condition: models.ConditionAbove, Threshold: 35, Enabled: true, Severity: models.SeverityCritical},
		{ID: "3", Sensor: models.ChannelHydrogen, Condition: models.ConditionBelow, Threshold: 50, Enabled: true, Severity: models.SeverityWarning},
	}
}

type rulesFile struct {
	Rules []models.AlertRule `yaml:"rules"`
}

// ParseRulesFile reads default rules from a YAML file of the form
//
//	rules:
//	  - id: "1"
//	    sensor: hydrogen
//	    condition: below
//	    threshold: 50
//	    enabled: true
//	    severity: warning
func ParseRulesFile(path string) ([]models.AlertRule, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return ParseRulesFromReader(file)
}

// ParseRulesFromReader parses rules from an io.Reader and validates each.
func ParseRulesFromReader(r io.Reader) ([]models.AlertRule, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}

	seen := make(map[string]bool, len(f.Rules))
	for i, rule := range f.Rules {
		if err := ValidateRule(rule); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: %w: missing id", i, ErrInvalidRule)
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("rule %d: %w: duplicate id %q", i, ErrInvalidRule, rule.ID)
		}
		seen[rule.ID] = true
	}
	return f.Rules, nil
}
