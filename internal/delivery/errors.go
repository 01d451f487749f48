package delivery

import (
	"errors"
	"fmt"

	"github.com/busybox42/sendline/internal/identity"
	"github.com/busybox42/sendline/internal/mx"
)

var (
	// ErrNoCapacity means no sending identity can take another send right now
	ErrNoCapacity = identity.ErrNoCapacity
	// ErrNoMailExchanger means the recipient domain accepts no mail
	ErrNoMailExchanger = mx.ErrNoMailExchanger
	// ErrConnectFailed means a TCP connection to an exchanger could not be made
	ErrConnectFailed = errors.New("connect failed")
	// ErrHandshakeFailed means the greeting, EHLO or STARTTLS failed
	ErrHandshakeFailed = errors.New("smtp handshake failed")
	// ErrRecipientRefused means the exchanger permanently refused the recipient
	ErrRecipientRefused = errors.New("recipient refused")
	// ErrTransientSMTP means the exchanger answered with a temporary failure
	ErrTransientSMTP = errors.New("transient smtp failure")
	// ErrNoRelayAvailable means no relay endpoint is healthy with spare capacity
	ErrNoRelayAvailable = errors.New("no relay available")
	// ErrCancelled means the job was cancelled before it finished
	ErrCancelled = errors.New("delivery cancelled")
)

// ErrorKind names the class of a delivery failure
type ErrorKind string

const (
	KindConnect   ErrorKind = "connect"
	KindHandshake ErrorKind = "handshake"
	KindDNS       ErrorKind = "dns"
	KindRecipient ErrorKind = "recipient"
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
	KindRateLimit ErrorKind = "rate_limit"
	KindCapacity  ErrorKind = "capacity"
	KindRelay     ErrorKind = "relay"
	KindSigning   ErrorKind = "signing"
	KindCancelled ErrorKind = "cancelled"
)

// DeliveryError is a structured delivery failure. It unwraps to the matching
// sentinel so callers can use errors.Is.
type DeliveryError struct {
	Kind         ErrorKind `json:"kind"`
	Code         int       `json:"code,omitempty"`
	EnhancedCode string    `json:"enhanced_code,omitempty"`
	Message      string    `json:"message"`
	Host         string    `json:"host,omitempty"`
	Temporary    bool      `json:"temporary"`

	sentinel error
	cause    error
}

// Error implements the error interface
func (e *DeliveryError) Error() string {
	var msg string
	switch {
	case e.Code > 0 && e.EnhancedCode != "":
		msg = fmt.Sprintf("%s error: %d %s %s", e.Kind, e.Code, e.EnhancedCode, e.Message)
	case e.Code > 0:
		msg = fmt.Sprintf("%s error: %d %s", e.Kind, e.Code, e.Message)
	default:
		msg = fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
	if e.Host != "" {
		msg += " (" + e.Host + ")"
	}
	return msg
}

// Unwrap returns the sentinel and the underlying cause
func (e *DeliveryError) Unwrap() []error {
	var errs []error
	if e.sentinel != nil {
		errs = append(errs, e.sentinel)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

func newError(kind ErrorKind, sentinel error, host string, cause error, temporary bool) *DeliveryError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	} else if sentinel != nil {
		msg = sentinel.Error()
	}
	return &DeliveryError{
		Kind:      kind,
		Message:   msg,
		Host:      host,
		Temporary: temporary,
		sentinel:  sentinel,
		cause:     cause,
	}
}

// IsTemporary reports whether err may succeed on a later attempt
func IsTemporary(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return false
}
