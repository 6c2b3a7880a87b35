// Package alerts evaluates readings against threshold rules and keeps the
// resulting alert history.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/h2-dashboard/backend/internal/logging"
	"github.com/h2-dashboard/backend/internal/models"
	"github.com/h2-dashboard/backend/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Storage keys.
const (
	KeyRules   = "alertRules"
	KeyHistory = "alertHistory"
)

// HistoryLimit is the number of alert events retained.
const HistoryLimit = 100

const timestampLayout = "2006-01-02T15:04:05.000Z"

var (
	ErrRuleNotFound  = errors.New("alert rule not found")
	ErrAlertNotFound = errors.New("alert not found")
)

// Publisher forwards triggered alerts elsewhere.
type Publisher interface {
	Publish(ctx context.Context, ev models.AlertEvent) error
}

// Options configures a Manager.
type Options struct {
	Store storage.Store
	// Defaults are stored when the store holds no rules. Nil means
	// DefaultRules.
	Defaults   []models.AlertRule
	Publishers []Publisher
	Now        func() time.Time
	Log        *logrus.Entry
}

// Manager owns the rule set and alert history. Rules are matched in
// insertion order.
type Manager struct {
	mu      sync.Mutex
	rules   []models.AlertRule
	history []models.AlertEvent // newest first

	store storage.Store
	pubs  []Publisher
	now   func() time.Time
	log   *logrus.Entry
}

// NewManager loads rules and history from the store, seeding default rules
// when none are stored.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("alerts: store is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logging.Component(nil, "alerts")
	}

	m := &Manager{
		store: opts.Store,
		pubs:  opts.Publishers,
		now:   opts.Now,
		log:   opts.Log,
	}

	ok, err := storage.LoadJSON(m.store, KeyRules, &m.rules)
	if err != nil {
		m.log.WithError(err).Warn("stored alert rules unreadable, using defaults")
		ok = false
	}
	if !ok {
		defaults := opts.Defaults
		if defaults == nil {
			defaults = DefaultRules()
		}
		m.rules = append([]models.AlertRule(nil), defaults...)
		if err := storage.SaveJSON(m.store, KeyRules, m.rules); err != nil {
			return nil, err
		}
	}

	if _, err := storage.LoadJSON(m.store, KeyHistory, &m.history); err != nil {
		m.log.WithError(err).Warn("stored alert history unreadable, starting empty")
		m.history = nil
	}
	if len(m.history) > HistoryLimit {
		m.history = m.history[:HistoryLimit]
	}
	return m, nil
}

// AddPublisher registers p for every future alert.
func (m *Manager) AddPublisher(p Publisher) {
	m.mu.Lock()
	m.pubs = append(m.pubs, p)
	m.mu.Unlock()
}

// Rules returns a copy of the rule set.
func (m *Manager) Rules() []models.AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AlertRule{}, m.rules...)
}

// AddRule appends a rule, assigning an id when it has none.
func (m *Manager) AddRule(rule models.AlertRule) (models.AlertRule, error) {
	if err := ValidateRule(rule); err != nil {
		return models.AlertRule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.ID == rule.ID {
			return models.AlertRule{}, fmt.Errorf("%w: duplicate id %q", ErrInvalidRule, rule.ID)
		}
	}
	m.rules = append(m.rules, rule)
	return rule, m.saveRulesLocked()
}

// UpdateRule replaces the rule with the same id, keeping its position.
func (m *Manager) UpdateRule(rule models.AlertRule) (models.AlertRule, error) {
	if err := ValidateRule(rule); err != nil {
		return models.AlertRule{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rules {
		if r.ID == rule.ID {
			m.rules[i] = rule
			return rule, m.saveRulesLocked()
		}
	}
	return models.AlertRule{}, fmt.Errorf("%w: %q", ErrRuleNotFound, rule.ID)
}

// DeleteRule removes the rule with the given id.
func (m *Manager) DeleteRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rules {
		if r.ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return m.saveRulesLocked()
		}
	}
	return fmt.Errorf("%w: %q", ErrRuleNotFound, id)
}

// Evaluate checks value against the first enabled rule for sensor and
// records an alert when it is crossed. It returns nil when nothing fired.
func (m *Manager) Evaluate(sensor string, value float64) *models.AlertEvent {
	m.mu.Lock()
	ev := m.evaluateLocked(sensor, value)
	if ev != nil {
		m.saveHistoryLocked()
	}
	pubs := m.pubs
	m.mu.Unlock()

	if ev != nil {
		m.publish(pubs, []models.AlertEvent{*ev})
	}
	return ev
}

// EvaluateAll evaluates every entry of values in sensor-name order and
// returns the alerts that fired.
func (m *Manager) EvaluateAll(values map[string]float64) []models.AlertEvent {
	sensors := make([]string, 0, len(values))
	for s := range values {
		sensors = append(sensors, s)
	}
	sort.Strings(sensors)

	var fired []models.AlertEvent
	m.mu.Lock()
	for _, s := range sensors {
		if ev := m.evaluateLocked(s, values[s]); ev != nil {
			fired = append(fired, *ev)
		}
	}
	if len(fired) > 0 {
		m.saveHistoryLocked()
	}
	pubs := m.pubs
	m.mu.Unlock()

	m.publish(pubs, fired)
	return fired
}

func (m *Manager) evaluateLocked(sensor string, value float64) *models.AlertEvent {
	var rule *models.AlertRule
	for i := range m.rules {
		if m.rules[i].Sensor == sensor && m.rules[i].Enabled {
			rule = &m.rules[i]
			break
		}
	}
	if rule == nil || !rule.Triggered(value) {
		return nil
	}

	observed := decimal.NewFromFloat(value).StringFixed(2)
	threshold := decimal.NewFromFloat(rule.Threshold).String()
	op := "<"
	if rule.Condition == models.ConditionAbove {
		op = ">"
	}

	ev := models.AlertEvent{
		ID:        uuid.NewString(),
		Sensor:    sensor,
		Value:     observed,
		Threshold: threshold,
		Message:   fmt.Sprintf("%s is %s threshold (%s %s %s)", sensor, rule.Condition, observed, op, threshold),
		Severity:  rule.Severity,
		Timestamp: m.now().UTC().Format(timestampLayout),
	}

	m.history = append([]models.AlertEvent{ev}, m.history...)
	if len(m.history) > HistoryLimit {
		m.history = m.history[:HistoryLimit]
	}
	return &ev
}

func (m *Manager) publish(pubs []Publisher, events []models.AlertEvent) {
	if len(pubs) == 0 || len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, ev := range events {
		for _, p := range pubs {
			if err := p.Publish(ctx, ev); err != nil {
				m.log.WithError(err).WithField("alert", ev.ID).Warn("publishing alert")
			}
		}
	}
}

// History returns the alert history, newest first.
func (m *Manager) History() []models.AlertEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AlertEvent{}, m.history...)
}

// UnreadCount is the number of alerts not yet marked read.
func (m *Manager) UnreadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.history {
		if !ev.Read {
			n++
		}
	}
	return n
}

// MarkRead flags one alert as read.
func (m *Manager) MarkRead(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.history {
		if m.history[i].ID == id {
			m.history[i].Read = true
			m.saveHistoryLocked()
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrAlertNotFound, id)
}

// MarkAllRead flags every alert as read.
func (m *Manager) MarkAllRead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.history {
		m.history[i].Read = true
	}
	m.saveHistoryLocked()
}

// ClearHistory drops every alert.
func (m *Manager) ClearHistory() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
	return m.store.Delete(KeyHistory)
}

func (m *Manager) saveRulesLocked() error {
	if err := storage.SaveJSON(m.store, KeyRules, m.rules); err != nil {
		m.log.WithError(err).Error("saving alert rules")
		return err
	}
	return nil
}

// saveHistoryLocked logs failures; evaluation itself never fails.
func (m *Manager) saveHistoryLocked() {
	if err := storage.SaveJSON(m.store, KeyHistory, m.history); err != nil {
		m.log.WithError(err).Error("saving alert history")
	}
}
