package delivery

import (
	"bytes"
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// Composer renders jobs into RFC 5322 messages
type Composer struct {
	now func() time.Time
}

// NewComposer creates a composer
func NewComposer() *Composer {
	return &Composer{now: time.Now}
}

// composedHeaders are written by Compose and cannot be overridden per job
var composedHeaders = map[string]bool{
	"From": true, "To": true, "Reply-To": true, "Subject": true, "Date": true,
	"Message-Id": true, "Mime-Version": true, "Content-Type": true,
	"Content-Transfer-Encoding": true, "Dkim-Signature": true, "X-Campaign-Id": true,
}

// validHeaderName reports whether name is an RFC 5322 field name: printable
// ASCII other than ':' and space
func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if b := name[i]; b < 33 || b > 126 || b == ':' {
			return false
		}
	}
	return true
}

func checkHeader(name, value string) error {
	if !validHeaderName(name) {
		return fmt.Errorf("invalid header name %q", name)
	}
	if composedHeaders[textproto.CanonicalMIMEHeaderKey(name)] {
		return fmt.Errorf("header %s cannot be set per job", name)
	}
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("header %s value contains a line break", name)
	}
	return nil
}

// Compose builds the message for job. Both bodies present yield a
// multipart/alternative message.
func (c *Composer) Compose(job *Job) ([]byte, string, error) {
	domain := DomainOf(job.FromAddress)
	if domain == "" {
		return nil, "", fmt.Errorf("from address %q has no domain", job.FromAddress)
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)

	m := gomail.NewMessage()
	if job.FromName != "" {
		m.SetAddressHeader("From", job.FromAddress, job.FromName)
	} else {
		m.SetHeader("From", job.FromAddress)
	}
	m.SetHeader("To", job.ToAddress)
	if job.ReplyTo != "" {
		m.SetHeader("Reply-To", job.ReplyTo)
	}
	m.SetHeader("Subject", job.Subject)
	m.SetDateHeader("Date", c.now())
	m.SetHeader("Message-ID", messageID)
	if job.CampaignID != "" {
		m.SetHeader("X-Campaign-ID", job.CampaignID)
	}
	for name, value := range job.Headers {
		if err := checkHeader(name, value); err != nil {
			return nil, "", err
		}
		m.SetHeader(textproto.CanonicalMIMEHeaderKey(name), value)
	}

	switch {
	case job.TextBody != "" && job.HTMLBody != "":
		m.SetBody("text/plain", job.TextBody)
		m.AddAlternative("text/html", job.HTMLBody)
	case job.HTMLBody != "":
		m.SetBody("text/html", job.HTMLBody)
	default:
		m.SetBody("text/plain", job.TextBody)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, "", fmt.Errorf("failed to render message: %w", err)
	}
	return buf.Bytes(), messageID, nil
}
