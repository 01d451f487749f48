// Package events publishes delivery outcomes for analytics.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/busybox42/sendline/internal/config"
)

// Event describes one delivery outcome
type Event struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	CampaignID   string    `json:"campaign_id,omitempty"`
	TenantID     string    `json:"tenant_id,omitempty"`
	Recipient    string    `json:"recipient"`
	Domain       string    `json:"domain"`
	Identity     string    `json:"identity,omitempty"`
	MXHost       string    `json:"mx_host,omitempty"`
	State        string    `json:"state"`
	Outcome      string    `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	SMTPCode     int       `json:"smtp_code,omitempty"`
	EnhancedCode string    `json:"enhanced_code,omitempty"`
	Message      string    `json:"message,omitempty"`
	Attempt      int       `json:"attempt"`
	ViaRelay     string    `json:"via_relay,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Sink receives events
type Sink interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Open creates the sink selected by cfg
func Open(cfg config.EventsConfig) (Sink, error) {
	switch cfg.Sink {
	case "", "log":
		return NewLogSink(slog.Default()), nil
	case "none":
		return NopSink{}, nil
	case "kafka":
		return NewKafkaSink(KafkaConfig{
			Brokers:      cfg.Brokers,
			Topic:        cfg.Topic,
			BatchTimeout: cfg.BatchTimeout.Duration,
		})
	default:
		return nil, fmt.Errorf("unknown event sink %q", cfg.Sink)
	}
}

// NopSink drops events
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }
func (NopSink) Close() error                         { return nil }

// LogSink writes events as structured log records
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging through logger
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "delivery-events")}
}

func (s *LogSink) Publish(ctx context.Context, e Event) error {
	s.logger.InfoContext(ctx, "delivery_event",
		"event_id", e.ID,
		"job_id", e.JobID,
		"campaign_id", e.CampaignID,
		"recipient", e.Recipient,
		"domain", e.Domain,
		"identity", e.Identity,
		"mx_host", e.MXHost,
		"outcome", e.Outcome,
		"reason", e.Reason,
		"smtp_code", e.SMTPCode,
		"attempt", e.Attempt,
		"via_relay", e.ViaRelay)
	return nil
}

func (s *LogSink) Close() error { return nil }

// MultiSink fans events out to several sinks. Every sink is tried; the
// errors are joined.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
