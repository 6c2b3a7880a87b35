// Package notify forwards triggered alerts to a NATS subject tree so other
// services on the plant network can react to them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/h2-dashboard/backend/internal/logging"
	"github.com/h2-dashboard/backend/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultSubject is the prefix used when Config.Subject is empty.
const DefaultSubject = "h2dash.alerts"

// Config holds NATS configuration.
type Config struct {
	URL            string
	Name           string
	Subject        string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// Publisher sends every alert to <subject>.<severity> as JSON.
type Publisher struct {
	nc        conn
	subject   string
	log       *logrus.Entry
	published atomic.Int64
}

// Dial connects to the NATS server at cfg.URL.
func Dial(cfg Config, log *logrus.Entry) (*Publisher, error) {
	if cfg.Name == "" {
		cfg.Name = "h2-dashboard"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if log == nil {
		log = logging.Component(nil, "notify")
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.WithField("url", cfg.URL).Info("alert notifications enabled")
	return newPublisher(nc, cfg.Subject, log), nil
}

func newPublisher(nc conn, subject string, log *logrus.Entry) *Publisher {
	subject = strings.TrimSuffix(subject, ".")
	if subject == "" {
		subject = DefaultSubject
	}
	if log == nil {
		log = logging.Component(nil, "notify")
	}
	return &Publisher{nc: nc, subject: subject, log: log}
}

// Subject returns the subject an alert of the given severity goes to.
func (p *Publisher) Subject(sev models.Severity) string {
	return p.subject + "." + string(sev)
}

// Publish marshals ev and publishes it. The flush is bounded by ctx.
func (p *Publisher) Publish(ctx context.Context, ev models.AlertEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := p.nc.Publish(p.Subject(ev.Severity), payload); err != nil {
		return fmt.Errorf("failed to publish alert %s: %w", ev.ID, err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush alert %s: %w", ev.ID, err)
	}
	p.published.Add(1)
	p.log.WithFields(logrus.Fields{"alert": ev.ID, "severity": ev.Severity}).Debug("alert published")
	return nil
}

// Published is the number of alerts delivered so far.
func (p *Publisher) Published() int64 {
	return p.published.Load()
}

// Close closes the underlying connection.
func (p *Publisher) Close() {
	p.nc.Close()
}
