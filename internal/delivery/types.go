package delivery

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Status is the externally visible state of a job
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusBounced Status = "bounced"
)

// BounceClass separates permanent from exhausted temporary failures
type BounceClass string

const (
	BounceHard BounceClass = "hard"
	BounceSoft BounceClass = "soft"
)

// Priority bounds. Lower numbers are more urgent.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// Job is one message to one recipient
type Job struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`

	FromAddress string            `json:"from_address"`
	FromName    string            `json:"from_name,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	ToAddress   string            `json:"to_address"`
	Subject     string            `json:"subject"`
	HTMLBody    string            `json:"html_body,omitempty"`
	TextBody    string            `json:"text_body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`

	DKIMSelector      string `json:"dkim_selector,omitempty"`
	DKIMPrivateKeyRef string `json:"dkim_private_key_ref,omitempty"`

	Priority     int       `json:"priority"`
	AttemptCount int       `json:"attempt_count"`
	MaxAttempts  int       `json:"max_attempts"`
	NextRetryAt  time.Time `json:"next_retry_at,omitempty"`

	Status      Status      `json:"status"`
	LastError   string      `json:"last_error,omitempty"`
	BounceClass BounceClass `json:"bounce_class,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Prepare fills defaults for a newly submitted job and validates it
func (j *Job) Prepare(maxAttempts int) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Priority == 0 {
		j.Priority = PriorityDefault
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = maxAttempts
	}
	if j.Status == "" {
		j.Status = StatusQueued
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	j.FromAddress = NormalizeAddress(j.FromAddress)
	j.ToAddress = NormalizeAddress(j.ToAddress)
	return j.Validate()
}

// Validate checks the fields needed to attempt delivery
func (j *Job) Validate() error {
	if _, err := mail.ParseAddress(j.FromAddress); err != nil {
		return fmt.Errorf("invalid from_address %q: %w", j.FromAddress, err)
	}
	if _, err := mail.ParseAddress(j.ToAddress); err != nil {
		return fmt.Errorf("invalid to_address %q: %w", j.ToAddress, err)
	}
	if j.ReplyTo != "" {
		if _, err := mail.ParseAddress(j.ReplyTo); err != nil {
			return fmt.Errorf("invalid reply_to %q: %w", j.ReplyTo, err)
		}
	}
	if j.HTMLBody == "" && j.TextBody == "" {
		return fmt.Errorf("job has no body")
	}
	for name, value := range j.Headers {
		if err := checkHeader(name, value); err != nil {
			return err
		}
	}
	if j.Priority < PriorityHighest || j.Priority > PriorityLowest {
		return fmt.Errorf("priority %d outside %d-%d", j.Priority, PriorityHighest, PriorityLowest)
	}
	return nil
}

// Domain returns the recipient domain
func (j *Job) Domain() string {
	return DomainOf(j.ToAddress)
}

// Apply records an outcome on the job
func (j *Job) Apply(o Outcome) {
	if o.CountsAttempt {
		j.AttemptCount = o.Attempt
	}
	j.LastError = o.Message
	switch o.State {
	case StateDelivered:
		j.Status = StatusSent
		j.LastError = ""
		j.NextRetryAt = time.Time{}
	case StateDeferred:
		j.Status = StatusQueued
		j.NextRetryAt = o.RetryAt
	case StateBouncedHard:
		j.Status = StatusBounced
		j.BounceClass = BounceHard
	case StateBouncedSoft:
		// retries exhausted: the job failed, the recipient stays mailable
		j.Status = StatusFailed
		j.BounceClass = BounceSoft
	case StateCancelled:
		j.Status = StatusFailed
		j.LastError = "cancelled"
	}
}

// NormalizeAddress trims an address, applies NFC and lower-cases the domain
func NormalizeAddress(addr string) string {
	addr = norm.NFC.String(strings.TrimSpace(addr))
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr
	}
	return addr[:at] + "@" + strings.ToLower(addr[at+1:])
}

// DomainOf returns the lower-cased domain part of an address
func DomainOf(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(addr[at+1:], ">"))
}

// State is a step of the delivery state machine
type State string

const (
	StatePending          State = "PENDING"
	StateIdentitySelected State = "IDENTITY_SELECTED"
	StateMXResolved       State = "MX_RESOLVED"
	StateConnected        State = "CONNECTED"
	StateTransmitted      State = "TRANSMITTED"
	StateDelivered        State = "DELIVERED"
	StateBouncedSoft      State = "BOUNCED_SOFT"
	StateBouncedHard      State = "BOUNCED_HARD"
	StateDeferred         State = "DEFERRED"
	StateCancelled        State = "CANCELLED"
)

// Terminal reports whether no further attempt follows
func (s State) Terminal() bool {
	return s != StateDeferred
}

// Outcome is the result of one execution of a job
type Outcome struct {
	JobID        string        `json:"job_id"`
	State        State         `json:"state"`
	Reason       string        `json:"reason,omitempty"`
	IdentityID   string        `json:"identity_id,omitempty"`
	Identity     string        `json:"identity,omitempty"`
	MXHost       string        `json:"mx_host,omitempty"`
	ViaRelay     string        `json:"via_relay,omitempty"`
	Code         int           `json:"code,omitempty"`
	EnhancedCode string        `json:"enhanced_code,omitempty"`
	Message      string        `json:"message,omitempty"`
	Attempt      int           `json:"attempt"`
	RetryAt      time.Time     `json:"retry_at,omitempty"`
	Suppress     bool          `json:"suppress,omitempty"`
	Duration     time.Duration `json:"duration"`
	Timestamp    time.Time     `json:"timestamp"`
	Path         []State       `json:"path,omitempty"`
	Err          error         `json:"-"`

	// CountsAttempt is false for deferrals caused by local capacity or rate
	// limits, which do not consume the job's attempt budget
	CountsAttempt bool `json:"counts_attempt"`
}

// Delivered reports whether the message was accepted
func (o Outcome) Delivered() bool {
	return o.State == StateDelivered
}

// Label is the outcome name used in metrics and events
func (s State) Label() string {
	switch s {
	case StateDelivered:
		return "sent"
	case StateDeferred:
		return "deferred"
	case StateBouncedHard:
		return "bounced_hard"
	case StateBouncedSoft:
		return "bounced_soft"
	case StateCancelled:
		return "cancelled"
	default:
		return strings.ToLower(string(s))
	}
}
