package logging

import (
	"log/slog"
	"time"
)

// DeliveryLogger provides structured logging for delivery lifecycle events
type DeliveryLogger struct {
	logger *slog.Logger
}

// NewDeliveryLogger creates a new delivery logger
func NewDeliveryLogger(logger *slog.Logger) *DeliveryLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryLogger{
		logger: logger.With("component", "delivery-lifecycle"),
	}
}

// DeliveryContext contains everything known about one delivery attempt
type DeliveryContext struct {
	JobID        string
	TenantID     string
	CampaignID   string
	From         string
	To           string
	Domain       string
	Identity     string
	MXHost       string
	Relay        string
	Attempt      int
	MaxAttempts  int
	TLS          bool
	SMTPCode     int
	EnhancedCode string
	Error        string
	BounceClass  string
	StartedAt    time.Time
	NextRetry    time.Time
}

func (dc DeliveryContext) base(eventType string) []any {
	fields := []any{
		"event_type", eventType,
		"job_id", dc.JobID,
		"from", dc.From,
		"to", dc.To,
		"domain", dc.Domain,
		"attempt", dc.Attempt,
		"max_attempts", dc.MaxAttempts,
	}
	if dc.TenantID != "" {
		fields = append(fields, "tenant_id", dc.TenantID)
	}
	if dc.CampaignID != "" {
		fields = append(fields, "campaign_id", dc.CampaignID)
	}
	if dc.Identity != "" {
		fields = append(fields, "identity", dc.Identity)
	}
	if dc.MXHost != "" {
		fields = append(fields, "mx_host", dc.MXHost)
	}
	if dc.Relay != "" {
		fields = append(fields, "relay", dc.Relay)
	}
	if !dc.StartedAt.IsZero() {
		fields = append(fields, "duration_ms", time.Since(dc.StartedAt).Milliseconds())
	}
	return fields
}

func (dc DeliveryContext) smtp(fields []any) []any {
	if dc.SMTPCode != 0 {
		fields = append(fields, "smtp_code", dc.SMTPCode)
	}
	if dc.EnhancedCode != "" {
		fields = append(fields, "enhanced_code", dc.EnhancedCode)
	}
	return fields
}

// LogAttempt logs the start of a delivery attempt
func (dl *DeliveryLogger) LogAttempt(dc DeliveryContext) {
	dl.logger.Debug("delivery_attempt", dc.base("attempt")...)
}

// LogSuccess logs an accepted message
func (dl *DeliveryLogger) LogSuccess(dc DeliveryContext) {
	fields := dc.smtp(dc.base("delivery"))
	fields = append(fields, "tls", dc.TLS, "status", "delivered")
	dl.logger.Info("delivery_success", fields...)
}

// LogDeferral logs a delivery that will be retried
func (dl *DeliveryLogger) LogDeferral(dc DeliveryContext) {
	fields := dc.smtp(dc.base("deferral"))
	if !dc.NextRetry.IsZero() {
		fields = append(fields,
			"next_retry", dc.NextRetry.UTC().Format(time.RFC3339),
			"next_retry_in_seconds", int(time.Until(dc.NextRetry).Seconds()),
		)
	}
	fields = append(fields, "deferral_reason", dc.Error, "status", "deferred")
	dl.logger.Warn("delivery_deferred", fields...)
}

// LogBounce logs a terminal failure
func (dl *DeliveryLogger) LogBounce(dc DeliveryContext) {
	fields := dc.smtp(dc.base("bounce"))
	status := "bounced"
	if dc.BounceClass == "soft" {
		status = "failed"
	}
	fields = append(fields, "bounce_class", dc.BounceClass, "bounce_reason", dc.Error, "status", status)
	dl.logger.Error("delivery_bounce", fields...)
}

// LogCancelled logs a job aborted because its campaign was paused or cancelled
func (dl *DeliveryLogger) LogCancelled(dc DeliveryContext) {
	fields := append(dc.base("cancelled"), "status", "failed", "reason", "cancelled")
	dl.logger.Warn("delivery_cancelled", fields...)
}
